/*
points.go - Append-only points ledger

PURPOSE:
  Records point-earning events per tutor and derives the running total and
  level. The ledger is the source of truth: the total is always the sum of
  entries, never a separately maintained counter.

CORRECTIONS:
  Entries are never edited. A mistake is corrected by recording an entry
  with reason=correction and a negative amount; both stay in the ledger.

DEDUPLICATION:
  RecordPoints does not deduplicate. Logically distinct events may share a
  reason and reference; callers that need at-most-once semantics check
  before calling.
*/
package rewards

import (
	"context"

	"github.com/warp/tutor-rewards/generic"
)

// PointsSummary is a consistent read of total and level.
type PointsSummary struct {
	TutorID     TutorID
	TotalPoints int64
	Level       Level
}

type PointsLedger struct {
	store PointsStore
	rules Rules
	clock generic.Clock
}

func NewPointsLedger(store PointsStore, rules Rules, clock generic.Clock) *PointsLedger {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	return &PointsLedger{store: store, rules: rules, clock: clock}
}

// PointsFor returns the configured value of reason.
func (l *PointsLedger) PointsFor(reason PointsReason) (int64, error) {
	if !reason.Valid() {
		return 0, generic.Invalid("reason", "unknown points reason %q", reason)
	}
	pts, ok := l.rules.PointsPerReason[reason]
	if !ok {
		return 0, generic.Invalid("reason", "reason %q has no fixed point value", reason)
	}
	return pts, nil
}

// RecordPoints appends an entry. amount may be any integer, including
// negative corrections.
func (l *PointsLedger) RecordPoints(ctx context.Context, tutorID TutorID, amount int64, reason PointsReason, referenceID string, metadata map[string]string) (PointsEntry, error) {
	if tutorID == "" {
		return PointsEntry{}, generic.Invalid("tutor_id", "required")
	}
	if !reason.Valid() {
		return PointsEntry{}, generic.Invalid("reason", "unknown points reason %q", reason)
	}
	entry := PointsEntry{
		ID:          generic.NewID("pts"),
		TutorID:     tutorID,
		Points:      amount,
		Reason:      reason,
		ReferenceID: referenceID,
		Metadata:    metadata,
		CreatedAt:   l.clock.Now(),
	}
	if err := l.store.AppendPoints(ctx, entry); err != nil {
		return PointsEntry{}, err
	}
	return entry, nil
}

func (l *PointsLedger) GetTotal(ctx context.Context, tutorID TutorID) (int64, error) {
	return l.store.PointsTotal(ctx, tutorID)
}

func (l *PointsLedger) GetLevel(ctx context.Context, tutorID TutorID) (Level, error) {
	s, err := l.Summary(ctx, tutorID)
	if err != nil {
		return "", err
	}
	return s.Level, nil
}

// Summary reads the total once and derives the level from that same value.
func (l *PointsLedger) Summary(ctx context.Context, tutorID TutorID) (PointsSummary, error) {
	total, err := l.store.PointsTotal(ctx, tutorID)
	if err != nil {
		return PointsSummary{}, err
	}
	return PointsSummary{TutorID: tutorID, TotalPoints: total, Level: LevelFor(total)}, nil
}

// History returns the tutor's entries newest first.
func (l *PointsLedger) History(ctx context.Context, tutorID TutorID) ([]PointsEntry, error) {
	entries, err := l.store.LoadPoints(ctx, tutorID)
	if err != nil {
		return nil, err
	}
	out := make([]PointsEntry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out, nil
}

func levelChanged(before, after int64) bool {
	return LevelFor(before) != LevelFor(after)
}
