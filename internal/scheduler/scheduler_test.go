package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestScheduler_RunsJobOnEachTick(t *testing.T) {
	var ticks int64
	s := New(zerolog.Nop())
	s.Register(Job{
		Name:     "test-job",
		Interval: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			atomic.AddInt64(&ticks, 1)
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.Start(ctx)

	assert.GreaterOrEqual(t, atomic.LoadInt64(&ticks), int64(2))
}

func TestScheduler_StopsOnContextCancel(t *testing.T) {
	s := New(zerolog.Nop())
	s.Register(Job{
		Name:     "noop",
		Interval: time.Hour,
		Run:      func(ctx context.Context) error { return nil },
	})

	ctx, cancel := context.WithCancel(context.Background())
	doneCh := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(doneCh)
	}()
	cancel()

	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}
}
