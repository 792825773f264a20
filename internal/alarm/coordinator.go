// Package alarm consumes alarm tasks off the dispatch queue and keeps the
// daily reminder jobs and their subscriber sets in sync.
package alarm

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"hpjflow/internal/journal"
	"hpjflow/internal/scheduler"
	"hpjflow/internal/store"
	"hpjflow/internal/task"
	"hpjflow/internal/webhook"
)

// HandlerFanout names the scheduler handler that rings one alarm time across
// all channels.
const HandlerFanout = "alarm.fanout"

// Jobs is the slice of the scheduler the coordinator drives.
type Jobs interface {
	AddJob(ctx context.Context, handler string, args []string, fc scheduler.FireCondition) (scheduler.Job, error)
	RemoveJob(ctx context.Context, id string) error
}

// Config wires a Coordinator.
type Config struct {
	Store      *store.Store
	Users      *journal.Repo
	Jobs       Jobs
	Sender     webhook.Sender
	Logger     zerolog.Logger
	Location   *time.Location
	PopTimeout time.Duration
}

// Coordinator owns the alarm side of the dispatch protocol: one recurring
// scheduler job per distinct alarm time, shared by every channel, plus the
// per-channel subscriber sets the fan-out reads.
type Coordinator struct {
	store      *store.Store
	users      *journal.Repo
	jobs       Jobs
	sender     webhook.Sender
	log        zerolog.Logger
	loc        *time.Location
	popTimeout time.Duration
}

// New builds a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil || cfg.Users == nil || cfg.Jobs == nil || cfg.Sender == nil {
		return nil, errors.New("alarm: store, users, jobs and sender are required")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = time.Second
	}
	return &Coordinator{
		store:      cfg.Store,
		users:      cfg.Users,
		jobs:       cfg.Jobs,
		sender:     cfg.Sender,
		log:        cfg.Logger,
		loc:        cfg.Location,
		popTimeout: cfg.PopTimeout,
	}, nil
}

// RegisterHandlers installs the coordinator's scheduler handlers.
func (c *Coordinator) RegisterHandlers(reg *scheduler.Registry) error {
	return reg.Register(HandlerFanout, c.fanOut)
}

// Run consumes the alarm queue until ctx is cancelled. Malformed tasks are
// logged and dropped; a bad payload must never wedge the queue.
func (c *Coordinator) Run(ctx context.Context) {
	c.log.Info().Msg("alarm coordinator started")
	for {
		payload, err := c.store.PopWait(ctx, store.AlarmQueue, c.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info().Msg("alarm coordinator stopped")
				return
			}
			if !errors.Is(err, store.ErrEmpty) {
				c.log.Error().Err(err).Msg("pop alarm task")
			}
			continue
		}

		// A successful pop already consumed the task from the durable queue,
		// so it is applied to completion even when shutdown lands in the same
		// instant. Cancellation stops new pops, never in-flight work.
		t, err := task.DecodeAlarm(payload)
		if err != nil {
			c.log.Error().Err(err).Str("payload", payload).Msg("dropping malformed alarm task")
			continue
		}
		if err := c.Handle(context.Background(), t); err != nil {
			c.log.Error().Err(err).Str("payload", payload).Msg("alarm task failed")
		}
	}
}

// Handle applies one alarm task.
func (c *Coordinator) Handle(ctx context.Context, t task.AlarmTask) error {
	switch t.Action {
	case task.ActionAdd:
		if err := c.ensureJob(ctx, t.Time); err != nil {
			return err
		}
		return c.store.AddSubscriber(ctx, string(t.Channel), t.Time, t.ChannelID)
	case task.ActionDelete:
		if err := c.store.RemoveSubscriber(ctx, string(t.Channel), t.Time, t.ChannelID); err != nil {
			return err
		}
		return c.pruneJob(ctx, t.Time)
	default:
		return errors.Newf("unknown alarm action %q", t.Action)
	}
}

// ensureJob guarantees exactly one recurring fan-out job exists for an alarm
// time, no matter how many channels or users share it. The store binding is
// the arbiter: if a concurrent add won the race, the loser's job is removed.
func (c *Coordinator) ensureJob(ctx context.Context, alarmTime string) error {
	if _, err := c.store.AlarmJobID(ctx, alarmTime); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	start, err := c.firstFire(alarmTime)
	if err != nil {
		return err
	}
	job, err := c.jobs.AddJob(ctx, HandlerFanout, []string{alarmTime}, scheduler.Every(start, 24*time.Hour))
	if err != nil {
		return errors.Wrapf(err, "schedule alarm %s", alarmTime)
	}

	created, err := c.store.BindAlarmJob(ctx, alarmTime, job.ID)
	if err != nil {
		return err
	}
	if !created {
		if err := c.jobs.RemoveJob(ctx, job.ID); err != nil {
			c.log.Error().Err(err).Str("job_id", job.ID).Msg("remove duplicate alarm job")
		}
	}
	return nil
}

// pruneJob removes the fan-out job once no channel has subscribers left at
// its alarm time.
func (c *Coordinator) pruneJob(ctx context.Context, alarmTime string) error {
	busy, err := c.store.HasSubscribers(ctx, alarmTime)
	if err != nil || busy {
		return err
	}

	jobID, err := c.store.AlarmJobID(ctx, alarmTime)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := c.jobs.RemoveJob(ctx, jobID); err != nil {
		return err
	}
	return c.store.UnbindAlarmJob(ctx, alarmTime)
}

// firstFire is today at the alarm time, or tomorrow when that moment has
// already passed.
func (c *Coordinator) firstFire(alarmTime string) (time.Time, error) {
	at, err := time.Parse(task.TimeLayout, alarmTime)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "alarm time %q", alarmTime)
	}
	now := time.Now().In(c.loc)
	fire := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, c.loc)
	if !fire.After(now) {
		fire = fire.Add(24 * time.Hour)
	}
	return fire, nil
}

// Bootstrap re-enqueues an add task for every user with a saved alarm. State
// derived from the user table is wiped on restart and rebuilt here.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	users, err := c.users.UsersWithAlarms(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		t := task.AlarmTask{Action: task.ActionAdd, Channel: u.Channel, ChannelID: u.ChannelID, Time: u.Alarm}
		if err := c.store.Push(ctx, store.AlarmQueue, t.Encode()); err != nil {
			return errors.Wrapf(err, "enqueue alarm rebuild for user %d", u.ID)
		}
	}
	c.log.Info().Int("users", len(users)).Msg("alarm state rebuild enqueued")
	return nil
}

// fanOut is the scheduler handler behind every recurring alarm job. Delivery
// failures are logged per channel and never retried.
func (c *Coordinator) fanOut(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.Newf("fanout expects one arg, got %d", len(args))
	}
	alarmTime := args[0]

	for _, ch := range task.Channels() {
		ids, err := c.store.Subscribers(ctx, string(ch), alarmTime)
		if err != nil {
			c.log.Error().Err(err).Str("channel", string(ch)).Msg("load subscribers")
			continue
		}
		if len(ids) == 0 {
			continue
		}

		url, err := c.store.WebhookURL(ctx, string(ch))
		if errors.Is(err, store.ErrNotFound) {
			c.log.Error().Str("channel", string(ch)).Str("time", alarmTime).
				Msg("subscribers exist but channel has no webhook url")
			continue
		}
		if err != nil {
			c.log.Error().Err(err).Str("channel", string(ch)).Msg("load webhook url")
			continue
		}

		if err := c.sender.SendAlarm(ctx, url, ids, alarmTime); err != nil {
			c.log.Error().Err(err).Str("channel", string(ch)).Str("time", alarmTime).
				Int("users", len(ids)).Msg("alarm delivery failed")
			continue
		}
		c.log.Info().Str("channel", string(ch)).Str("time", alarmTime).
			Int("users", len(ids)).Msg("alarm delivered")
	}
	return nil
}
