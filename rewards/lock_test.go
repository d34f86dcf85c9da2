package rewards_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tutor-rewards/generic"
	"github.com/warp/tutor-rewards/rewards"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	m := rewards.NewKeyedMutex()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "tutor:1")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	m := rewards.NewKeyedMutex()
	ctx := context.Background()

	unlockA, err := m.Lock(ctx, "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlockB, err := m.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestKeyedMutex_TimesOutAsStorageError(t *testing.T) {
	// GIVEN: A held key
	// WHEN: A second caller waits with a short deadline
	// THEN: It fails with a retryable storage error

	m := rewards.NewKeyedMutex()
	unlock, err := m.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "k")
	require.Error(t, err)
	assert.ErrorIs(t, err, generic.ErrStorage)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, generic.IsRetryable(err))
}

func TestKeyedMutex_UnlockIsIdempotent(t *testing.T) {
	m := rewards.NewKeyedMutex()
	ctx := context.Background()

	unlock, err := m.Lock(ctx, "k")
	require.NoError(t, err)
	unlock()
	unlock()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	again, err := m.Lock(ctx, "k")
	require.NoError(t, err)
	again()
}
