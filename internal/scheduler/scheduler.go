// Package scheduler runs the recurring jobs each role needs — scoring
// passes, lease cleanup, federation registration broadcasts — each on
// its own goroutine, so one job's runs never overlap. The scheduler
// takes no locks; the scoring jobs skip a pass while their own named
// lock is held.
package scheduler

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// Job is one recurring task: a human-readable name for logging, the
// interval between ticks, and the function to run on each tick.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type Scheduler struct {
	logger zerolog.Logger
	jobs   []Job
}

func New(logger zerolog.Logger) *Scheduler {
	return &Scheduler{logger: logger.With().Str("component", "scheduler").Logger()}
}

func (s *Scheduler) Register(job Job) {
	s.jobs = append(s.jobs, job)
}

// Start launches one goroutine per registered job, jittering the first
// tick (0 to 10% of the interval) so nodes booted together don't
// stampede a shared resource. Returns once ctx is cancelled and every
// job loop has exited.
func (s *Scheduler) Start(ctx context.Context) {
	done := make(chan struct{}, len(s.jobs))
	for _, job := range s.jobs {
		job := job
		go func() {
			s.runLoop(ctx, job)
			done <- struct{}{}
		}()
	}
	for range s.jobs {
		<-done
	}
}

func (s *Scheduler) runLoop(ctx context.Context, job Job) {
	jitter := time.Duration(rand.Int63n(int64(job.Interval/10 + 1)))
	logger := s.logger.With().Str("job", job.Name).Logger()
	logger.Info().Dur("interval", job.Interval).Dur("jitter", jitter).Msg("starting scheduled job")

	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("scheduled job stopped")
			return
		case <-ticker.C:
			if err := job.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("scheduled job tick failed")
			}
		}
	}
}

// RunOnce executes a job's function a single time, outside of any
// ticker loop, logging a failure instead of returning it.
func RunOnce(ctx context.Context, logger zerolog.Logger, name string, fn func(ctx context.Context) error) {
	if err := fn(ctx); err != nil {
		logger.Error().Str("job", name).Err(err).Msg("on-demand job failed")
	}
}
