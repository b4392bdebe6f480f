package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	SweepInterval    time.Duration
	ScheduleInterval time.Duration
	CleanupInterval  time.Duration
	RetentionDays    int
}

func defaultOpts(opts Options) Options {
	o := Options{
		SweepInterval:    time.Second,
		ScheduleInterval: time.Second,
		CleanupInterval:  time.Hour,
		RetentionDays:    10,
	}
	if opts.SweepInterval > 0 {
		o.SweepInterval = opts.SweepInterval
	}
	if opts.ScheduleInterval > 0 {
		o.ScheduleInterval = opts.ScheduleInterval
	}
	if opts.CleanupInterval > 0 {
		o.CleanupInterval = opts.CleanupInterval
	}
	if opts.RetentionDays > 0 {
		o.RetentionDays = opts.RetentionDays
	}
	return o
}

// Service runs the background daemons: the timeout sweeper, the schedule
// materializer and the cleaner. Each daemon skips a tick while its previous
// pass is still running.
type Service struct {
	scheduler *Scheduler
	cron      *cron.Cron
	opts      Options
	now       func() time.Time
}

func NewService(s *Scheduler, opts Options) *Service {
	logger := cronLogger{log.With().Str("component", "daemons").Logger()}
	return &Service{
		scheduler: s,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		opts: defaultOpts(opts),
		now:  time.Now,
	}
}

// Start blocks until ctx is cancelled, then waits for running passes.
func (s *Service) Start(ctx context.Context) error {
	jobs := []struct {
		name  string
		every time.Duration
		run   func(context.Context)
	}{
		{"sweeper", s.opts.SweepInterval, s.Sweep},
		{"materializer", s.opts.ScheduleInterval, s.Materialize},
		{"cleaner", s.opts.CleanupInterval, s.Cleanup},
	}
	for _, job := range jobs {
		job := job
		if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", job.every), func() {
			start := time.Now()
			job.run(ctx)
			s.scheduler.metrics.DaemonRunSeconds.WithLabelValues(job.name).Observe(time.Since(start).Seconds())
		}); err != nil {
			return fmt.Errorf("register %s: %w", job.name, err)
		}
	}

	log.Info().
		Dur("sweep_interval", s.opts.SweepInterval).
		Dur("schedule_interval", s.opts.ScheduleInterval).
		Dur("cleanup_interval", s.opts.CleanupInterval).
		Msg("scheduler daemons started")

	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

func (s *Service) Sweep(ctx context.Context) {
	expired, err := s.scheduler.Expire(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to expire tasks")
		return
	}
	if len(expired) > 0 {
		log.Info().Int("expired", len(expired)).Msg("sweeper pass")
	}
}

func (s *Service) Materialize(ctx context.Context) {
	n, err := s.scheduler.MaterializeDue(ctx, s.now())
	if err != nil {
		log.Error().Err(err).Msg("failed to get due schedules")
		return
	}
	if n > 0 {
		log.Info().Int("created", n).Msg("materializer pass")
	}
}

func (s *Service) Cleanup(ctx context.Context) {
	n, err := s.scheduler.repo.HardDeleteOlderThan(ctx, s.opts.RetentionDays)
	if err != nil {
		log.Error().Err(err).Msg("failed to purge old tasks")
		return
	}
	s.scheduler.metrics.TasksPurged.Add(float64(n))
	if n > 0 {
		log.Info().Int("deleted", n).Int("retention_days", s.opts.RetentionDays).Msg("cleaner pass")
	}
}

// cronLogger routes cron's logr-style calls to zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
