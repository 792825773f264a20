// Package scheduler is a poll-based job scheduler persisted in the shared
// store. One logical writer (the scheduler) mutates the job hash and the
// next-fire index, always through the store's transactional batches, so the
// two structures stay consistent across restarts and crashes.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"hpjflow/internal/store"
)

// Scheduler states.
const (
	StateStopped int32 = iota
	StateRunning
	StateDraining
)

var (
	// ErrNotRunning is returned by operations that need a running loop.
	ErrNotRunning = errors.New("scheduler: not running")
	// ErrAlreadyRunning is returned by Start when the loop is already up.
	ErrAlreadyRunning = errors.New("scheduler: already running")
	// ErrExhausted is returned by AddJob for conditions that can never fire.
	ErrExhausted = errors.New("scheduler: fire condition already exhausted")
	// ErrUnknownHandler is returned by AddJob for unregistered handler names.
	ErrUnknownHandler = errors.New("scheduler: unknown handler")
)

// JobStore is the persistence surface the scheduler needs. *store.Store
// satisfies it.
type JobStore interface {
	PutJob(ctx context.Context, id string, body []byte, fireAt time.Time) error
	RemoveJob(ctx context.Context, id string) error
	DueJobs(ctx context.Context, now time.Time) ([]store.JobRecord, error)
	Reschedule(ctx context.Context, next map[string]time.Time) error
}

// Config carries the scheduler's injected dependencies and tuning.
type Config struct {
	Store    JobStore
	Registry *Registry
	Logger   zerolog.Logger

	// Tick is the poll period. Default 1 second.
	Tick time.Duration
	// Location is the wall-clock reference for fire-time arithmetic.
	// Default time.Local.
	Location *time.Location
	// JobTimeout bounds a single job execution. Zero means no deadline.
	JobTimeout time.Duration
}

// Scheduler runs the poll loop. Job executions launched from the loop run
// concurrently; a slow job delays neither its peers nor the next tick.
type Scheduler struct {
	store      JobStore
	registry   *Registry
	log        zerolog.Logger
	tick       time.Duration
	loc        *time.Location
	jobTimeout time.Duration

	state    atomic.Int32
	loopDone chan struct{}
	inflight sync.WaitGroup
}

// New builds a scheduler from config.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("scheduler: store is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("scheduler: registry is required")
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	return &Scheduler{
		store:      cfg.Store,
		registry:   cfg.Registry,
		log:        cfg.Logger,
		tick:       cfg.Tick,
		loc:        cfg.Location,
		jobTimeout: cfg.JobTimeout,
	}, nil
}

// State returns the current lifecycle state.
func (s *Scheduler) State() int32 { return s.state.Load() }

// Now returns the scheduler's notion of current time.
func (s *Scheduler) Now() time.Time { return time.Now().In(s.loc) }

// Start transitions Stopped -> Running and spawns the poll loop.
func (s *Scheduler) Start() error {
	if !s.state.CompareAndSwap(StateStopped, StateRunning) {
		return ErrAlreadyRunning
	}
	s.loopDone = make(chan struct{})
	go s.run()
	s.log.Info().Dur("tick", s.tick).Msg("scheduler started")
	return nil
}

// AddJob persists a new job and returns its descriptor. The job is usable
// immediately, even before the loop's next tick.
func (s *Scheduler) AddJob(ctx context.Context, handler string, args []string, fc FireCondition) (Job, error) {
	if _, ok := s.registry.Resolve(handler); !ok {
		return Job{}, errors.Wrapf(ErrUnknownHandler, "%s", handler)
	}
	if err := fc.Validate(); err != nil {
		return Job{}, err
	}

	now := s.Now()
	fireAt, ok := fc.NextFireTime(now)
	if !ok {
		return Job{}, ErrExhausted
	}

	job := newJob(handler, args, fc)
	body, err := job.encode()
	if err != nil {
		return Job{}, err
	}
	if err := s.store.PutJob(ctx, job.ID, body, fireAt); err != nil {
		return Job{}, err
	}

	s.log.Info().
		Str("job_id", job.ID).
		Str("handler", handler).
		Time("next_fire", fireAt).
		Msg("job added")
	return job, nil
}

// RemoveJob deletes a job from the store. An in-flight execution of the same
// job is not cancelled; removal only prevents future fires.
func (s *Scheduler) RemoveJob(ctx context.Context, id string) error {
	if err := s.store.RemoveJob(ctx, id); err != nil {
		return err
	}
	s.log.Info().Str("job_id", id).Msg("job removed")
	return nil
}

// Stop transitions Running -> Draining. The loop observes the flag and exits
// after its current tick; in-flight executions keep running.
func (s *Scheduler) Stop() {
	if s.state.CompareAndSwap(StateRunning, StateDraining) {
		s.log.Info().Msg("scheduler draining")
	}
}

// Shutdown stops the loop and waits for it and every in-flight execution to
// finish, then transitions to Stopped. The drain is complete unless ctx
// expires first.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.Stop()
	if s.loopDone != nil {
		select {
		case <-s.loopDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.state.Store(StateStopped)
	s.log.Info().Msg("scheduler stopped")
	return nil
}

func (s *Scheduler) run() {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for range ticker.C {
		if s.state.Load() != StateRunning {
			return
		}
		s.pollOnce(context.Background())
	}
}

// pollOnce reads due jobs, launches their executions concurrently and then
// reschedules the whole batch. Scheduling is independent of execution: a job
// still running when its next tick arrives fires again on time; overlap
// guarding is the handler's responsibility.
func (s *Scheduler) pollOnce(ctx context.Context) {
	now := s.Now()

	records, err := s.store.DueJobs(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to read due jobs")
		return
	}
	if len(records) == 0 {
		return
	}

	next := make(map[string]time.Time, len(records))
	for _, rec := range records {
		job, err := decodeJob(rec.Body)
		if err != nil {
			s.log.Error().Err(err).Str("job_id", rec.ID).Msg("dropping undecodable job record")
			next[rec.ID] = time.Time{}
			continue
		}

		s.launch(job)

		if fireAt, ok := job.Fire.NextFireTime(now); ok {
			next[job.ID] = fireAt
		} else {
			next[job.ID] = time.Time{} // exhausted
		}
	}

	if err := s.store.Reschedule(ctx, next); err != nil {
		s.log.Error().Err(err).Msg("failed to reschedule due batch")
	}
}

// launch runs a job execution as an independent goroutine. Failures are
// contained at this boundary: they are logged with the job's identity and
// never reach the poll loop or sibling executions.
func (s *Scheduler) launch(job Job) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().
					Str("job_id", job.ID).
					Str("handler", job.Handler).
					Interface("panic", r).
					Msg("job execution panicked")
			}
		}()

		ctx := context.Background()
		if s.jobTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.jobTimeout)
			defer cancel()
		}

		fn, ok := s.registry.Resolve(job.Handler)
		if !ok {
			s.log.Error().
				Str("job_id", job.ID).
				Str("handler", job.Handler).
				Msg("no handler registered for job")
			return
		}

		started := time.Now()
		if err := fn(ctx, job.Args); err != nil {
			s.log.Error().
				Err(err).
				Str("job_id", job.ID).
				Str("handler", job.Handler).
				Dur("elapsed", time.Since(started)).
				Msg("job execution failed")
			return
		}
		s.log.Info().
			Str("job_id", job.ID).
			Str("handler", job.Handler).
			Dur("elapsed", time.Since(started)).
			Msg("job execution finished")
	}()
}
