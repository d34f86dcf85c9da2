package generic

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorCategories(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		client    bool
		notFound  bool
		conflict  bool
		retryable bool
		forbidden bool
	}{
		{name: "validation", err: Invalid("amount", "must be > 0"), client: true},
		{name: "invalid transition", err: &ValidationError{Field: "status", Reason: "paid is terminal", Err: ErrInvalidTransition}, client: true},
		{name: "not found", err: NotFound("bonus", "b1"), notFound: true},
		{name: "duplicate key", err: ErrDuplicateIdempotencyKey, conflict: true},
		{name: "cas", err: &ConflictError{Kind: "rate", Key: "t1", Err: ErrConcurrentModification}, conflict: true},
		{name: "storage", err: WrapStorage("insert", errors.New("disk full")), retryable: true},
		{name: "deadline", err: context.DeadlineExceeded, retryable: true},
		{name: "forbidden", err: &ForbiddenError{Action: "approve bonus", Actor: "u1"}, forbidden: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tc.err)
			assert.Equal(t, tc.client, IsClientError(wrapped))
			assert.Equal(t, tc.notFound, IsNotFound(wrapped))
			assert.Equal(t, tc.conflict, IsConflict(wrapped))
			assert.Equal(t, tc.retryable, IsRetryable(wrapped))
			assert.Equal(t, tc.forbidden, IsForbidden(wrapped))
		})
	}
}

func TestWrapStorage_PassesClassifiedErrorsThrough(t *testing.T) {
	assert.Nil(t, WrapStorage("op", nil))

	conflict := &ConflictError{Kind: "bonus", Key: "k"}
	assert.Same(t, conflict, WrapStorage("op", conflict))

	raw := errors.New("connection reset")
	err := WrapStorage("load points", raw)
	var se *StorageError
	assert.ErrorAs(t, err, &se)
	assert.Equal(t, "load points", se.Op)
	assert.ErrorIs(t, err, raw)
	assert.Equal(t, "storage: load points: connection reset", err.Error())
}

func TestInvalidTransitionIsValidation(t *testing.T) {
	err := &ValidationError{Field: "status", Reason: "x", Err: ErrInvalidTransition}
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "validation failed: status: x", err.Error())
}

func TestMoneyHelpers(t *testing.T) {
	assert.Equal(t, "1.1", Multiplier(MustParseDecimal("10")).String())
	assert.Equal(t, "57.50", RoundCents(ApplyPercent(MustParseDecimal("50"), MustParseDecimal("15"))).StringFixed(CentsPlaces))
	assert.Equal(t, "0.01", RoundCents(MustParseDecimal("0.005")).StringFixed(CentsPlaces))
	assert.True(t, PercentOf(MustParseDecimal("5"), MustParseDecimal("0")).IsZero())
	assert.Equal(t, "25", PercentOf(MustParseDecimal("5"), MustParseDecimal("20")).String())
}

func TestMustParseDecimal_PanicsOnMalformedLiteral(t *testing.T) {
	// GIVEN: A literal that is not a decimal
	// WHEN: Parsing it with MustParseDecimal
	// THEN: It panics instead of silently yielding zero

	assert.Panics(t, func() { MustParseDecimal("not a number") })
	assert.Panics(t, func() { MustParseDecimal("") })
	assert.NotPanics(t, func() { MustParseDecimal("4.75") })
}

func TestNewID(t *testing.T) {
	a, b := NewID("bonus"), NewID("bonus")
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^bonus_[0-9a-f]{32}$`, a)
}

func TestManualClock(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.FixedZone("X", 3600))
	c := NewManualClock(start)
	assert.Equal(t, time.UTC, c.Now().Location())
	c.Advance(time.Hour)
	assert.True(t, c.Now().Equal(start.Add(time.Hour)))
	c.Set(start)
	assert.True(t, c.Now().Equal(start))
}
