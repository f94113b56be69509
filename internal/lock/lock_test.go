package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/claimflow/internal/domain"
)

func TestKeyedMutex(t *testing.T) {
	ctx := context.Background()

	t.Run("SerializesSameKey", func(t *testing.T) {
		m := NewKeyedMutex()
		var inside, maxInside int32
		var wg sync.WaitGroup

		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := m.Lock(ctx, ClaimKey("c-1"))
				if err != nil {
					t.Errorf("Lock failed: %v", err)
					return
				}
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				unlock()
			}()
		}
		wg.Wait()

		if maxInside != 1 {
			t.Errorf("expected at most 1 holder, got %d", maxInside)
		}
		if m.Len() != 0 {
			t.Errorf("expected slots to be released, got %d", m.Len())
		}
	})

	t.Run("DifferentKeysDoNotBlock", func(t *testing.T) {
		m := NewKeyedMutex()
		unlockA, err := m.Lock(ctx, ClaimKey("a"))
		if err != nil {
			t.Fatalf("Lock a failed: %v", err)
		}
		defer unlockA()

		tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		unlockB, err := m.Lock(tctx, ClaimKey("b"))
		if err != nil {
			t.Fatalf("expected key b to be free, got %v", err)
		}
		unlockB()
	})

	t.Run("ContextTimeout", func(t *testing.T) {
		m := NewKeyedMutex()
		unlock, _ := m.Lock(ctx, "k")
		defer unlock()

		tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := m.Lock(tctx, "k")
		if !errors.Is(err, domain.ErrLockTimeout) {
			t.Errorf("expected ErrLockTimeout, got %v", err)
		}
	})

	t.Run("UnlockIsIdempotent", func(t *testing.T) {
		m := NewKeyedMutex()
		unlock, _ := m.Lock(ctx, "k")
		unlock()
		unlock()

		tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		again, err := m.Lock(tctx, "k")
		if err != nil {
			t.Fatalf("expected relock to succeed, got %v", err)
		}
		again()
	})
}
