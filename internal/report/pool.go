// Package report runs the worker pool that turns report tasks into rendered
// journal documents, plus the recurring jobs that feed it.
package report

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"hpjflow/internal/journal"
	"hpjflow/internal/render"
	"hpjflow/internal/scheduler"
	"hpjflow/internal/store"
	"hpjflow/internal/task"
	"hpjflow/internal/webhook"
)

// Scheduler handler names owned by this package.
const (
	HandlerWeekly  = "report.weekly"
	HandlerCleanup = "journal.cleanup"
)

// Config wires a Pool.
type Config struct {
	Store      *store.Store
	Journal    *journal.Repo
	Sender     webhook.Sender
	Generator  *render.Generator
	Logger     zerolog.Logger
	Workers    int
	PopTimeout time.Duration
	Location   *time.Location

	// EntryKeepDays is how long journal entries stay readable; BackupDays is
	// the grace window before marked entries are purged for good.
	EntryKeepDays int
	BackupDays    int
}

// Pool consumes the report queue with a fixed set of workers. A task is
// consumed exactly once; failures are logged, never requeued.
type Pool struct {
	store      *store.Store
	journal    *journal.Repo
	sender     webhook.Sender
	gen        *render.Generator
	log        zerolog.Logger
	workers    int
	popTimeout time.Duration
	loc        *time.Location
	keepDays   int
	backupDays int
}

// New builds a Pool.
func New(cfg Config) (*Pool, error) {
	if cfg.Store == nil || cfg.Journal == nil || cfg.Sender == nil {
		return nil, errors.New("report: store, journal and sender are required")
	}
	if cfg.Generator == nil {
		cfg.Generator = render.NewGenerator()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.EntryKeepDays <= 0 {
		cfg.EntryKeepDays = 60
	}
	if cfg.BackupDays <= 0 {
		cfg.BackupDays = 60
	}
	return &Pool{
		store:      cfg.Store,
		journal:    cfg.Journal,
		sender:     cfg.Sender,
		gen:        cfg.Generator,
		log:        cfg.Logger,
		workers:    cfg.Workers,
		popTimeout: cfg.PopTimeout,
		loc:        cfg.Location,
		keepDays:   cfg.EntryKeepDays,
		backupDays: cfg.BackupDays,
	}, nil
}

// RegisterHandlers installs the pool's recurring scheduler handlers.
func (p *Pool) RegisterHandlers(reg *scheduler.Registry) error {
	if err := reg.Register(HandlerWeekly, p.enqueueWeekly); err != nil {
		return err
	}
	return reg.Register(HandlerCleanup, p.cleanupJournal)
}

// Run blocks until ctx is cancelled, then waits for workers to finish their
// current task.
func (p *Pool) Run(ctx context.Context) {
	p.log.Info().Int("workers", p.workers).Msg("report pool started")

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}
	wg.Wait()
	p.log.Info().Msg("report pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	log := p.log.With().Int("worker", id).Logger()
	for {
		payload, err := p.store.PopWait(ctx, store.ReportQueue, p.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, store.ErrEmpty) {
				log.Error().Err(err).Msg("pop report task")
			}
			continue
		}

		// A successful pop already consumed the task from the durable queue,
		// so it is processed to completion even when shutdown lands in the
		// same instant. Cancellation stops new pops, never in-flight work.
		t, err := task.DecodeReport(payload)
		if err != nil {
			log.Error().Err(err).Str("payload", payload).Msg("dropping malformed report task")
			continue
		}
		if err := p.process(context.Background(), t); err != nil {
			log.Error().Err(err).Str("payload", payload).Msg("report task failed")
		}
	}
}

// process generates and delivers one report. The callback URL is resolved
// first: a task for an unregistered channel is a configuration error and is
// consumed without side effects.
func (p *Pool) process(ctx context.Context, t task.ReportTask) error {
	url, err := p.store.WebhookURL(ctx, string(t.Channel))
	if errors.Is(err, store.ErrNotFound) {
		p.log.Error().Str("channel", string(t.Channel)).Int64("channel_id", t.ChannelID).
			Msg("report ordered for a channel with no webhook url")
		return nil
	}
	if err != nil {
		return err
	}

	entries, err := p.journal.EntriesBetween(ctx, t.UserID, t.Start, t.End)
	if err != nil {
		return err
	}

	r := webhook.Report{
		ChannelID: t.ChannelID,
		Requester: t.Requester,
		Start:     t.Start,
		End:       t.End,
	}
	if len(entries) == 0 {
		if t.Requester == task.RequesterScheduler {
			// Nothing to push unasked; the user will not miss an empty digest.
			p.log.Debug().Int64("user_id", t.UserID).Msg("weekly report skipped, no entries")
			return nil
		}
		return p.sender.SendReport(ctx, url, r)
	}

	file, err := p.gen.Generate(entries)
	if err != nil {
		return errors.Wrapf(err, "render report for user %d", t.UserID)
	}
	r.Filename = p.gen.Filename(t.Start + "-" + t.End)
	r.File = file
	if err := p.sender.SendReport(ctx, url, r); err != nil {
		return err
	}
	p.log.Info().Int64("user_id", t.UserID).Str("channel", string(t.Channel)).
		Str("period", t.Start+"-"+t.End).Msg("report delivered")
	return nil
}

// enqueueWeekly fans one report task per user out for the last full
// Monday-to-Sunday week. Only channels with a registered callback take part.
func (p *Pool) enqueueWeekly(ctx context.Context, _ []string) error {
	start, end := lastWeek(time.Now().In(p.loc))

	names, err := p.store.RegisteredChannels(ctx)
	if err != nil {
		return err
	}
	var channels []task.Channel
	for _, name := range names {
		ch, err := task.ParseChannel(name)
		if err != nil {
			p.log.Warn().Str("channel", name).Msg("ignoring unknown registered channel")
			continue
		}
		channels = append(channels, ch)
	}

	users, err := p.journal.UsersForChannels(ctx, channels)
	if err != nil {
		return err
	}
	for _, u := range users {
		t := task.ReportTask{
			UserID:    u.ID,
			Channel:   u.Channel,
			ChannelID: u.ChannelID,
			Requester: task.RequesterScheduler,
			Start:     start,
			End:       end,
		}
		if err := p.store.Push(ctx, store.ReportQueue, t.Encode()); err != nil {
			return errors.Wrapf(err, "enqueue weekly report for user %d", u.ID)
		}
	}
	p.log.Info().Int("users", len(users)).Str("period", start+"-"+end).Msg("weekly reports enqueued")
	return nil
}

// cleanupJournal ages out old entries in two stages: mark past the retention
// window, purge past the backup window.
func (p *Pool) cleanupJournal(ctx context.Context, _ []string) error {
	now := time.Now().In(p.loc)

	marked, err := p.journal.MarkOldEntries(ctx, now, p.keepDays)
	if err != nil {
		return err
	}
	purged, err := p.journal.PurgeMarkedEntries(ctx, now, p.backupDays)
	if err != nil {
		return err
	}
	p.log.Info().Int64("marked", marked).Int64("purged", purged).Msg("journal cleanup done")
	return nil
}

// lastWeek returns the bounds of the most recent completed Monday-to-Sunday
// week, in wire date format.
func lastWeek(now time.Time) (start, end string) {
	daysSinceMonday := (int(now.Weekday()) + 6) % 7
	monday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).
		AddDate(0, 0, -daysSinceMonday-7)
	sunday := monday.AddDate(0, 0, 6)
	return monday.Format(task.DateLayout), sunday.Format(task.DateLayout)
}
