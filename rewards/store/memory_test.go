package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tutor-rewards/generic"
	"github.com/warp/tutor-rewards/rewards"
	"github.com/warp/tutor-rewards/rewards/store/storetest"
)

func TestMemory_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) rewards.Store { return NewMemory() })
}

func TestMemory_CancelledContextIsStorageError(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.PointsTotal(ctx, "t1")
	assert.ErrorIs(t, err, generic.ErrStorage)
	assert.ErrorIs(t, err, context.Canceled)

	err = m.WithTx(ctx, func(rewards.Store) error { return nil })
	assert.ErrorIs(t, err, generic.ErrStorage)
}

func TestMemory_RollbackRestoresEveryTable(t *testing.T) {
	// GIVEN: A rate row at version 1
	// WHEN: A transaction bumps it, appends history, then fails
	// THEN: Version and history are as before

	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.SaveRate(ctx, rewards.TutorRate{TutorID: "t1", BaseRate: generic.MustParseDecimal("40")}, 0))

	err := m.WithTx(ctx, func(tx rewards.Store) error {
		if err := tx.SaveRate(ctx, rewards.TutorRate{TutorID: "t1", BaseRate: generic.MustParseDecimal("50")}, 1); err != nil {
			return err
		}
		if err := tx.AppendRateHistory(ctx, rewards.RateHistoryEntry{ID: "h1", TutorID: "t1"}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	r, err := m.GetRate(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Version)
	assert.Equal(t, "40", r.BaseRate.String())

	h, err := m.LoadRateHistory(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, h)
}

func TestMemory_ConcurrentInsertsKeepOneBonus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := m.InsertBonus(ctx, rewards.Bonus{
				ID: generic.NewID("bonus"), TutorID: "t1", Type: rewards.BonusReferral,
				ReferenceID: "ref-1", Status: rewards.BonusPending,
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	list, err := m.LoadBonuses(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
