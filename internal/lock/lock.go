// Package lock provides per-claim mutual exclusion.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/claimflow/internal/domain"
)

// Locker serializes mutations for one key.
type Locker interface {
	// Lock blocks until the key is held or ctx is done.
	// The returned func releases the key and is safe to call once.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// ClaimKey is the lock key for a claim.
func ClaimKey(claimID string) string {
	return "claim:" + claimID
}

// Claim acquires the claim's lock, waiting at most timeout.
// A zero timeout waits until ctx is done.
func Claim(ctx context.Context, l Locker, claimID string, timeout time.Duration) (func(), error) {
	return acquire(ctx, l, ClaimKey(claimID), timeout)
}

// PayoutKey is the lock key held while a claim's payout is in flight.
func PayoutKey(claimID string) string {
	return "payout:" + claimID
}

// Payout acquires the claim's payout lock. It is held across the call to the
// payment processor and is separate from the claim lock, which the state
// machine takes for the PAID transition.
func Payout(ctx context.Context, l Locker, claimID string, timeout time.Duration) (func(), error) {
	return acquire(ctx, l, PayoutKey(claimID), timeout)
}

func acquire(ctx context.Context, l Locker, key string, timeout time.Duration) (func(), error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return l.Lock(ctx, key)
}

// KeyedMutex is an in-process Locker with one slot per key.
// Slots are reference counted and dropped when unused.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*slot)}
}

// Lock acquires key.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	m.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, s)
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrLockTimeout, key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			m.release(key, s)
		})
	}, nil
}

func (m *KeyedMutex) release(key string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
