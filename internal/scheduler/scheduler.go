package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/logger"
)

// Job is one periodic unit of work. Jobs are expected to handle their own
// per-item failure isolation; an error returned here is logged and the next
// tick still fires.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler drives timer-based jobs. The engine itself owns no timers; it
// exposes scan functions that jobs invoke.
type Scheduler struct {
	jobs []Job
	log  *logger.Logger
	wg   sync.WaitGroup
}

// New creates a scheduler for the given jobs.
func New(log *logger.Logger, jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs, log: log}
}

// Start launches one goroutine per job. Each job runs once immediately, then
// on every tick, until ctx is cancelled. Wait returns after all jobs exit.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.runLoop(ctx, job)
	}
}

// Wait blocks until every job loop has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, job Job) {
	defer s.wg.Done()

	s.log.Info().
		Str("job", job.Name).
		Dur("interval", job.Interval).
		Msg("Scheduler job started")

	s.runOnce(ctx, job)

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Str("job", job.Name).Msg("Scheduler job stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx, job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.log.Error().Err(err).
			Str("job", job.Name).
			Dur("duration", time.Since(start)).
			Msg("Scheduler job failed")
		return
	}
	s.log.Debug().
		Str("job", job.Name).
		Dur("duration", time.Since(start)).
		Msg("Scheduler job finished")
}
