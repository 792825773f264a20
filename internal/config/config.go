// Package config loads service configuration from a TOML file with
// environment overrides for deployment-sensitive values.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
)

// Duration is a time.Duration that decodes from TOML strings like "1s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Server configures the producer API listener.
type Server struct {
	Addr string `toml:"addr"`
}

// Store configures the shared database.
type Store struct {
	Path string `toml:"path"`
	// TestPath replaces Path when the service runs with -test, keeping
	// throwaway data away from the production file.
	TestPath string `toml:"test_path"`
}

// Scheduler configures the polling job scheduler and its recurring jobs.
type Scheduler struct {
	Tick           Duration `toml:"tick"`
	JobTimeout     Duration `toml:"job_timeout"`
	UTCOffsetHours int      `toml:"utc_offset_hours"`
	WeeklyCron     string   `toml:"weekly_report_cron"`
	CleanupCron    string   `toml:"cleanup_cron"`
	// PopTimeout bounds the alarm consumer's blocking queue pop; it is the
	// scheduler role's shutdown latency and is tuned apart from the report
	// pool's pop timeout.
	PopTimeout Duration `toml:"pop_timeout"`
}

// Reports configures the report worker pool and journal retention.
type Reports struct {
	Workers       int      `toml:"workers"`
	PopTimeout    Duration `toml:"pop_timeout"`
	EntryKeepDays int      `toml:"entry_keep_days"`
	BackupDays    int      `toml:"backup_days"`
}

// Auth configures token signing between this service and the channels.
type Auth struct {
	Algorithm  string   `toml:"algorithm"` // HS256 or RS256
	Secret     string   `toml:"secret"`
	PrivateKey string   `toml:"private_key"`
	PublicKey  string   `toml:"public_key"`
	TokenTTL   Duration `toml:"token_ttl"`
}

// Webhook configures the outbound callback client.
type Webhook struct {
	CAPath  string   `toml:"ca_path"`
	Timeout Duration `toml:"timeout"`
}

// Config is the full service configuration.
type Config struct {
	Server    Server    `toml:"server"`
	Store     Store     `toml:"store"`
	Scheduler Scheduler `toml:"scheduler"`
	Reports   Reports   `toml:"reports"`
	Auth      Auth      `toml:"auth"`
	Webhook   Webhook   `toml:"webhook"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: Server{Addr: ":8080"},
		Store:  Store{Path: "hpjflow.db", TestPath: "hpjflow_test.db"},
		Scheduler: Scheduler{
			Tick:           Duration{time.Second},
			JobTimeout:     Duration{5 * time.Minute},
			UTCOffsetHours: 3,
			WeeklyCron:     "0 23 * * 1",
			CleanupCron:    "0 3 * * *",
			PopTimeout:     Duration{time.Second},
		},
		Reports: Reports{
			Workers:       4,
			PopTimeout:    Duration{time.Second},
			EntryKeepDays: 60,
			BackupDays:    60,
		},
		Auth: Auth{
			Algorithm: "HS256",
			TokenTTL:  Duration{5 * time.Minute},
		},
		Webhook: Webhook{Timeout: Duration{10 * time.Second}},
	}
}

// Load reads cfgPath over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(cfgPath string) (Config, error) {
	cfg := Default()
	if cfgPath != "" {
		if _, err := toml.DecodeFile(cfgPath, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "load config %s", cfgPath)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays HPJ_-prefixed variables. Only values that differ between
// deployments are exposed this way; everything else belongs in the file.
func (c *Config) applyEnv() error {
	if v := os.Getenv("HPJ_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("HPJ_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("HPJ_AUTH_SECRET"); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv("HPJ_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "HPJ_WORKERS %q", v)
		}
		c.Reports.Workers = n
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Auth.Algorithm {
	case "HS256":
		if c.Auth.Secret == "" {
			return errors.New("config: auth.secret is required for HS256")
		}
	case "RS256":
		if c.Auth.PrivateKey == "" || c.Auth.PublicKey == "" {
			return errors.New("config: auth.private_key and auth.public_key are required for RS256")
		}
	default:
		return errors.Newf("config: unknown auth algorithm %q", c.Auth.Algorithm)
	}
	if c.Reports.Workers <= 0 {
		return errors.New("config: reports.workers must be positive")
	}
	return nil
}

// Location returns the fixed timezone all alarm times and report periods are
// interpreted in.
func (c *Config) Location() *time.Location {
	return time.FixedZone("UTC"+formatOffset(c.Scheduler.UTCOffsetHours), c.Scheduler.UTCOffsetHours*3600)
}

func formatOffset(hours int) string {
	if hours >= 0 {
		return "+" + strconv.Itoa(hours)
	}
	return strconv.Itoa(hours)
}
