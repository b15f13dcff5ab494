package redisclient

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) Locker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSlotLocker(client, 5*time.Second)
}

func TestWithSlotLockRuns(t *testing.T) {
	locker := newTestLocker(t)

	ran := false
	err := locker.WithSlotLock(context.Background(), "2026-09-02T10:00:00Z/2026-09-02T10:30:00Z", func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWithSlotLockContended(t *testing.T) {
	locker := newTestLocker(t)
	key := "2026-09-02T10:00:00Z/2026-09-02T10:30:00Z"

	inside := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = locker.WithSlotLock(context.Background(), key, func(ctx context.Context) error {
			close(inside)
			<-release
			return nil
		})
	}()

	<-inside
	err := locker.WithSlotLock(context.Background(), key, func(ctx context.Context) error {
		t.Error("second caller must not enter the critical section")
		return nil
	})
	assert.ErrorIs(t, err, ErrLockNotAcquired)
	close(release)
}

func TestWithSlotLockReleasedAfterUse(t *testing.T) {
	locker := newTestLocker(t)
	key := "2026-09-02T11:00:00Z/2026-09-02T11:30:00Z"

	require.NoError(t, locker.WithSlotLock(context.Background(), key, func(ctx context.Context) error { return nil }))
	// The first holder is gone, so a second acquisition must succeed.
	require.NoError(t, locker.WithSlotLock(context.Background(), key, func(ctx context.Context) error { return nil }))
}

func TestWithSlotLockDistinctKeysDoNotContend(t *testing.T) {
	locker := newTestLocker(t)

	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = locker.WithSlotLock(context.Background(), "a", func(ctx context.Context) error {
			close(inside)
			<-release
			return nil
		})
	}()

	<-inside
	defer close(release)
	err := locker.WithSlotLock(context.Background(), "b", func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestLocalLockerSerializes(t *testing.T) {
	locker := NewLocalLocker()

	var active, maxActive int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = locker.WithSlotLock(context.Background(), "k", func(ctx context.Context) error {
				n := atomic.AddInt64(&active, 1)
				for {
					cur := atomic.LoadInt64(&maxActive)
					if n <= cur || atomic.CompareAndSwapInt64(&maxActive, cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt64(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), atomic.LoadInt64(&maxActive))
}
