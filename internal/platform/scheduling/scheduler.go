// Package scheduling runs periodic background jobs such as audit chain
// verification.
package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one run of a scheduled task.
type Job func(ctx context.Context) error

// Scheduler wraps a cron runner. Specs use the standard 5-field format
// (minute hour day-of-month month day-of-week).
type Scheduler struct {
	cron    *cron.Cron
	logger  zerolog.Logger
	timeout time.Duration
}

// NewScheduler returns a scheduler whose jobs are cancelled after timeout.
// A non-positive timeout means 30 minutes.
func NewScheduler(logger zerolog.Logger, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger.With().Str("component", "scheduler").Logger(),
		timeout: timeout,
	}
}

// Register adds job under spec. An empty spec disables the job.
func (s *Scheduler) Register(name, spec string, job Job) error {
	if spec == "" {
		s.logger.Info().Str("job", name).Msg("scheduled_job_disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(spec, s.wrap(name, job)); err != nil {
		return fmt.Errorf("register cron %q for job %s: %w", spec, name, err)
	}
	s.logger.Info().Str("job", name).Str("spec", spec).Msg("scheduled_job_registered")
	return nil
}

func (s *Scheduler) wrap(name string, job Job) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().Str("job", name).Interface("panic", r).Msg("scheduled_job_panicked")
			}
		}()

		start := time.Now()
		if err := job(ctx); err != nil {
			s.logger.Error().Err(err).Str("job", name).Dur("duration", time.Since(start)).Msg("scheduled_job_failed")
			return
		}
		s.logger.Info().Str("job", name).Dur("duration", time.Since(start)).Msg("scheduled_job_completed")
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Entries returns the number of registered jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
