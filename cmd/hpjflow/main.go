package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"hpjflow/internal/alarm"
	"hpjflow/internal/api"
	"hpjflow/internal/config"
	"hpjflow/internal/journal"
	"hpjflow/internal/render"
	"hpjflow/internal/report"
	"hpjflow/internal/scheduler"
	"hpjflow/internal/store"
	"hpjflow/internal/webhook"
)

func main() {
	var (
		cfgPath  = flag.String("config", "", "path to TOML config (defaults apply without it)")
		role     = flag.String("role", "all", "which parts to run: api, scheduler, reports, or all")
		addr     = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath   = flag.String("db", "", "SQLite DB path (overrides config)")
		workers  = flag.Int("workers", 0, "report worker count (overrides config)")
		testMode = flag.Bool("test", false, "use the test database path")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}
	if *workers > 0 {
		cfg.Reports.Workers = *workers
	}
	if *testMode {
		cfg.Store.Path = cfg.Store.TestPath
	}

	runAPI := *role == "all" || *role == "api"
	runScheduler := *role == "all" || *role == "scheduler"
	runReports := *role == "all" || *role == "reports"
	if !runAPI && !runScheduler && !runReports {
		log.Fatal().Str("role", *role).Msg("unknown role")
	}

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure dispatch schema")
	}
	if err := journal.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure journal schema")
	}

	loc := cfg.Location()
	st := store.New(db, log.Logger)
	users := journal.NewRepo(db)

	signer, verifier, err := buildAuth(cfg.Auth)
	if err != nil {
		log.Fatal().Err(err).Msg("configure auth")
	}
	sender, err := webhook.NewClient(signer, cfg.Webhook.CAPath, cfg.Webhook.Timeout.Duration, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("configure webhook client")
	}

	registry := scheduler.NewRegistry()
	sched, err := scheduler.New(scheduler.Config{
		Store:      st,
		Registry:   registry,
		Logger:     log.Logger,
		Tick:       cfg.Scheduler.Tick.Duration,
		Location:   loc,
		JobTimeout: cfg.Scheduler.JobTimeout.Duration,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build scheduler")
	}

	coord, err := alarm.New(alarm.Config{
		Store:      st,
		Users:      users,
		Jobs:       sched,
		Sender:     sender,
		Logger:     log.Logger,
		Location:   loc,
		PopTimeout: cfg.Scheduler.PopTimeout.Duration,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build alarm coordinator")
	}
	pool, err := report.New(report.Config{
		Store:         st,
		Journal:       users,
		Sender:        sender,
		Generator:     render.NewGenerator(),
		Logger:        log.Logger,
		Workers:       cfg.Reports.Workers,
		PopTimeout:    cfg.Reports.PopTimeout.Duration,
		Location:      loc,
		EntryKeepDays: cfg.Reports.EntryKeepDays,
		BackupDays:    cfg.Reports.BackupDays,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build report pool")
	}

	// Handlers must exist before any job referencing them is accepted.
	if err := coord.RegisterHandlers(registry); err != nil {
		log.Fatal().Err(err).Msg("register alarm handlers")
	}
	if err := pool.RegisterHandlers(registry); err != nil {
		log.Fatal().Err(err).Msg("register report handlers")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordDone := make(chan struct{})
	if runScheduler {
		// Scheduler-owned state is derived; wipe it and rebuild from the
		// user table so a restart can never resurrect stale jobs.
		if err := st.ResetSchedulerState(ctx); err != nil {
			log.Fatal().Err(err).Msg("reset scheduler state")
		}
		if err := addRecurringJobs(ctx, sched, cfg, loc); err != nil {
			log.Fatal().Err(err).Msg("add recurring jobs")
		}
		if err := sched.Start(); err != nil {
			log.Fatal().Err(err).Msg("start scheduler")
		}
		if err := coord.Bootstrap(ctx); err != nil {
			log.Fatal().Err(err).Msg("rebuild alarm state")
		}
		go func() {
			coord.Run(ctx)
			close(coordDone)
		}()
	} else {
		close(coordDone)
	}

	poolDone := make(chan struct{})
	if runReports {
		go func() {
			pool.Run(ctx)
			close(poolDone)
		}()
	} else {
		close(poolDone)
	}

	var srv *http.Server
	if runAPI {
		srv = &http.Server{
			Addr: cfg.Server.Addr,
			Handler: api.NewServer(api.Config{
				Store:    st,
				Journal:  users,
				Verifier: verifier,
				Logger:   log.Logger,
				Location: loc,
			}),
		}
		go func() {
			log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server starting")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("http server")
			}
		}()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	if runScheduler {
		if err := sched.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("scheduler shutdown")
		}
	}
	<-coordDone
	<-poolDone
	log.Info().Msg("bye")
}

// buildAuth returns the token signer and verifier for the configured
// algorithm. With HS256 both sides share the secret; with RS256 the private
// key signs and the public key verifies.
func buildAuth(a config.Auth) (*webhook.Signer, *webhook.Verifier, error) {
	switch strings.ToUpper(a.Algorithm) {
	case "RS256":
		signer, err := webhook.NewRS256Signer(a.PrivateKey, a.TokenTTL.Duration)
		if err != nil {
			return nil, nil, err
		}
		verifier, err := webhook.NewRS256Verifier(a.PublicKey)
		if err != nil {
			return nil, nil, err
		}
		return signer, verifier, nil
	default:
		return webhook.NewHS256Signer(a.Secret, a.TokenTTL.Duration),
			webhook.NewHS256Verifier(a.Secret), nil
	}
}

// addRecurringJobs installs the weekly report and journal cleanup jobs.
// Scheduler state was just wiped, so this never duplicates.
func addRecurringJobs(ctx context.Context, sched *scheduler.Scheduler, cfg config.Config, loc *time.Location) error {
	now := time.Now().In(loc)
	if _, err := sched.AddJob(ctx, report.HandlerWeekly, nil,
		scheduler.Cron(now, cfg.Scheduler.WeeklyCron)); err != nil {
		return err
	}
	_, err := sched.AddJob(ctx, report.HandlerCleanup, nil,
		scheduler.Cron(now, cfg.Scheduler.CleanupCron))
	return err
}
