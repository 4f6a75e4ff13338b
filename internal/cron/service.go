package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/resellerhq/storefront-backend/pkg/logger"
	"github.com/resellerhq/storefront-backend/pkg/metrics"
)

const (
	defaultInterval   = 5 * time.Minute
	defaultJobTimeout = 4 * time.Minute
)

// ServiceParams configure the cron service.
type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.CronJobMetrics
	Interval time.Duration
	// JobTimeout bounds a single job run; keep it below the lock TTL.
	JobTimeout time.Duration
}

// Service executes registered cron jobs on a fixed cadence.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	lock     Lock
	metrics  *metrics.CronJobMetrics
	interval time.Duration
	timeout  time.Duration
}

// NewService builds a cron service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Lock == nil {
		return nil, fmt.Errorf("lock required")
	}
	registry := params.Registry
	if registry == nil {
		registry = &Registry{}
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	timeout := params.JobTimeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	return &Service{
		logg:     params.Logger,
		registry: registry,
		lock:     params.Lock,
		metrics:  params.Metrics,
		interval: interval,
		timeout:  timeout,
	}, nil
}

// Run starts the cron loop until the context is canceled. The first cycle
// runs immediately unless ctx is already done.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.runCycle(ctx); err != nil {
		s.logg.Error(ctx, "scheduled run failed", err)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "cron service context canceled")
			return ctx.Err()
		case <-ticker.C:
			if err := s.runCycle(ctx); err != nil {
				s.logg.Error(ctx, "scheduled run failed", err)
			}
		}
	}
}

// RunOnce executes the named jobs a single time under the lock, or every
// registered job when names is empty. It reports the first unknown name
// before running anything.
func (s *Service) RunOnce(ctx context.Context, names ...string) error {
	jobs := s.registry.Jobs()
	if len(names) > 0 {
		jobs = jobs[:0]
		for _, name := range names {
			job, ok := s.registry.Lookup(name)
			if !ok {
				return fmt.Errorf("unknown cron job %q", name)
			}
			jobs = append(jobs, job)
		}
	}
	return s.withLock(ctx, func(ctx context.Context) error {
		var failed []string
		for _, job := range jobs {
			if err := s.runJob(ctx, job); err != nil {
				failed = append(failed, job.Name())
			}
		}
		if len(failed) > 0 {
			return fmt.Errorf("cron jobs failed: %v", failed)
		}
		return nil
	})
}

func (s *Service) runCycle(ctx context.Context) error {
	return s.withLock(ctx, func(ctx context.Context) error {
		s.logg.Info(ctx, "scheduled run starting")
		for _, job := range s.registry.Jobs() {
			if ctx.Err() != nil {
				break
			}
			_ = s.runJob(ctx, job)
		}
		s.logg.Info(ctx, "scheduled run complete")
		return nil
	})
}

// withLock runs fn while holding the cron lease. The lease is renewed every
// third of its TTL; if renewal finds it lost, fn's context is canceled so a
// second instance never runs jobs alongside this one.
func (s *Service) withLock(ctx context.Context, fn func(context.Context) error) error {
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("lock acquire: %w", err)
	}
	if !locked {
		s.logg.Info(ctx, "another cron instance is running; skipping this cycle")
		s.metrics.IncSkipped(metrics.CronSkipLockHeld)
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		s.heartbeat(runCtx, cancel)
	}()
	defer func() {
		cancel()
		<-heartbeatDone
		// the run context may already be canceled on shutdown
		relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer relCancel()
		if relErr := s.lock.Release(relCtx); relErr != nil {
			s.logg.Error(ctx, "failed to release cron lock", relErr)
		}
	}()
	return fn(runCtx)
}

func (s *Service) heartbeat(ctx context.Context, cancel context.CancelFunc) {
	every := s.lock.TTL() / 3
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.lock.Extend(ctx)
			switch {
			case err == nil:
			case errors.Is(err, ErrLockLost):
				s.logg.Warn(ctx, "cron lock lost; aborting run")
				s.metrics.IncSkipped(metrics.CronSkipLockLost)
				cancel()
				return
			case ctx.Err() == nil:
				s.logg.Error(ctx, "failed to extend cron lock", err)
			}
		}
	}
}

func (s *Service) runJob(ctx context.Context, job Job) (err error) {
	jobCtx := s.logg.WithFields(ctx, map[string]any{
		"job":   job.Name(),
		"event": "cron.job",
	})
	s.logg.Info(jobCtx, "job start")
	start := time.Now()

	runCtx, cancel := context.WithTimeout(jobCtx, s.timeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panicked: %v", rec)
		}
		duration := time.Since(start)
		s.metrics.Observe(job.Name(), duration, err)
		doneCtx := s.logg.WithField(jobCtx, "duration_ms", duration.Milliseconds())
		if err != nil {
			s.logg.Error(doneCtx, "job failed", err)
			return
		}
		s.logg.Info(doneCtx, "job completed")
	}()

	return job.Run(runCtx)
}
