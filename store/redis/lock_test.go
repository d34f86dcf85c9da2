package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tutor-rewards/generic"
	"github.com/warp/tutor-rewards/rewards"
)

func setupLocker(t *testing.T, cfg Config) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewWithClient(client, cfg)
	t.Cleanup(func() { _ = l.Close() })
	return l, mr
}

var _ rewards.Locker = (*Locker)(nil)

func TestLocker_AcquireAndRelease(t *testing.T) {
	l, mr := setupLocker(t, Config{})
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "tutor:t1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("rewards:lock:tutor:t1"))
	assert.Equal(t, 10*time.Second, mr.TTL("rewards:lock:tutor:t1"))

	unlock()
	assert.False(t, mr.Exists("rewards:lock:tutor:t1"))
	unlock()
}

func TestLocker_ContentionTimesOut(t *testing.T) {
	// GIVEN: A held lock
	// WHEN: Another caller tries with a 50ms deadline
	// THEN: It fails with a retryable storage error

	l, _ := setupLocker(t, Config{RetryInterval: 5 * time.Millisecond})
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	require.Error(t, err)
	assert.ErrorIs(t, err, generic.ErrStorage)
	assert.True(t, generic.IsRetryable(err))
}

func TestLocker_WaiterAcquiresAfterRelease(t *testing.T) {
	l, _ := setupLocker(t, Config{RetryInterval: 2 * time.Millisecond})
	ctx := context.Background()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		inside int
		peak   int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			unlock, err := l.Lock(ctx, "shared")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			if inside > peak {
				peak = inside
			}
			mu.Unlock()
			time.Sleep(3 * time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, peak)
}

func TestLocker_ExpiredHolderCannotReleaseNewOwner(t *testing.T) {
	// GIVEN: Holder A whose TTL expired and holder B who took the key
	// WHEN: A releases late
	// THEN: B's lock is still in place

	l, mr := setupLocker(t, Config{TTL: time.Second, Prefix: "test:"})
	ctx := context.Background()

	unlockA, err := l.Lock(ctx, "k")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	unlockB, err := l.Lock(ctx, "k")
	require.NoError(t, err)
	tokenB, err := mr.Get("test:k")
	require.NoError(t, err)

	unlockA()
	got, err := mr.Get("test:k")
	require.NoError(t, err)
	assert.Equal(t, tokenB, got)

	unlockB()
	assert.False(t, mr.Exists("test:k"))
}

func TestLocker_ServerDownIsStorageError(t *testing.T) {
	l, mr := setupLocker(t, Config{})
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := l.Lock(ctx, "k")
	require.Error(t, err)
	assert.ErrorIs(t, err, generic.ErrStorage)
}

func TestNew_FailsWithoutServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(Config{Addr: addr})
	assert.Error(t, err)
}
