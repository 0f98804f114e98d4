// Package lease provides single-holder leases that keep two evaluation runs
// from overlapping.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrHeld is returned by Acquire when another holder owns the lease.
var ErrHeld = errors.New("lease held by another holder")

// ReleaseFunc gives up a lease obtained from Acquire.
type ReleaseFunc func(ctx context.Context) error

// Local is an in-process lease table. It protects against overlapping runs
// inside one process only; use Redis when several replicas share a store.
// Local leases are not renewed, so ttl must exceed the longest run.
type Local struct {
	mu      sync.Mutex
	holders map[string]time.Time
	now     func() time.Time
}

func NewLocal() *Local {
	return &Local{
		holders: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Acquire takes the lease for key until released or until ttl elapses.
func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (ReleaseFunc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.holders[key]; ok && now.Before(exp) {
		return nil, ErrHeld
	}
	exp := now.Add(ttl)
	l.holders[key] = exp

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		// A lease that expired and was re-acquired belongs to someone else.
		if cur, ok := l.holders[key]; ok && cur.Equal(exp) {
			delete(l.holders, key)
		}
		return nil
	}, nil
}
