// Package lock provides a process-local named-lock registry: callers
// serialize work on an arbitrary string key (a worker IP, a mining pool
// UID, a lease id) without pre-declaring every lockable resource.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Registry hands out one *sync.Mutex per key, created on first use and
// kept for the life of the process.
type Registry struct {
	locks sync.Map // map[string]*sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) mutexFor(key string) *sync.Mutex {
	mu, _ := r.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// WithLock runs fn while holding key's lock, waiting up to timeout to
// acquire it. A zero timeout waits indefinitely (bounded only by ctx).
func (r *Registry) WithLock(ctx context.Context, key string, timeout time.Duration, fn func() error) error {
	mu := r.mutexFor(key)

	if timeout <= 0 {
		if err := r.acquireUnbounded(ctx, mu); err != nil {
			return err
		}
		defer mu.Unlock()
		return fn()
	}

	deadline := time.Now().Add(timeout)
	for {
		if mu.TryLock() {
			defer mu.Unlock()
			return fn()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("lock: timed out acquiring %q after %s", key, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (r *Registry) acquireUnbounded(ctx context.Context, mu *sync.Mutex) error {
	for {
		if mu.TryLock() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// TryAcquireLock attempts a non-blocking acquire of key's lock. When ok
// is true the caller owns the lock and must call release exactly once.
func (r *Registry) TryAcquireLock(key string) (release func(), ok bool) {
	mu := r.mutexFor(key)
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}

// IsLocked reports whether key is currently held. Best-effort: the
// result can be stale the instant it's returned under contention.
func (r *Registry) IsLocked(key string) bool {
	mu := r.mutexFor(key)
	if mu.TryLock() {
		mu.Unlock()
		return false
	}
	return true
}
