/*
store.go - Persistence contract for the rewards engine

PURPOSE:
  Defines the interface between the engine and the database. Components
  receive a Store through their constructor; there are no package-level
  clients. Implementations:
    - rewards/store/memory.go: in-memory, snapshot/rollback transactions
    - store/sqlite/sqlite.go:  SQLite via sqlx

LOGICAL TABLES:
  points_ledger, badges, tier_records, bonuses, bonus_audit_log,
  tutor_rates, rate_history (+ tutor_stats, fed by the host application).
  Every table is indexed on tutor_id.

APPEND-ONLY CONTRACT:
  points_ledger, badges, bonus_audit_log and rate_history have insert
  methods only. No Update, no Delete.

CONCURRENCY CONTRACT:
  - InsertBonus enforces uniqueness on BonusKey and returns
    generic.ErrDuplicateIdempotencyKey on collision.
  - InsertBadge is insert-if-absent on (tutor_id, badge_type).
  - SaveTierRecord, UpdateBonus and SaveRate are compare-and-swap writes
    and return generic.ErrConcurrentModification when the expected prior
    state no longer matches.
  - WithTx runs fn atomically: all writes made through the Store handed to
    fn commit together or not at all.

ERRORS:
  Implementations return generic.StorageError for driver failures
  (including context deadline), and (nil, nil) from Get* lookups when the
  row does not exist.
*/
package rewards

import "context"

type PointsStore interface {
	AppendPoints(ctx context.Context, e PointsEntry) error
	// LoadPoints returns entries oldest first.
	LoadPoints(ctx context.Context, tutorID TutorID) ([]PointsEntry, error)
	PointsTotal(ctx context.Context, tutorID TutorID) (int64, error)
}

type BadgeStore interface {
	// InsertBadge returns false when the tutor already holds that badge type.
	InsertBadge(ctx context.Context, b Badge) (bool, error)
	LoadBadges(ctx context.Context, tutorID TutorID) ([]Badge, error)
}

type TierStore interface {
	GetTierRecord(ctx context.Context, tutorID TutorID) (*TierRecord, error)
	// SaveTierRecord writes rec if the stored tier equals expected. An empty
	// expected tier means "no row yet" and the write is an insert.
	SaveTierRecord(ctx context.Context, rec TierRecord, expected Tier) error
	ListTierRecords(ctx context.Context) ([]TierRecord, error)
}

type BonusStore interface {
	InsertBonus(ctx context.Context, b Bonus) error
	GetBonus(ctx context.Context, id string) (*Bonus, error)
	FindBonus(ctx context.Context, key BonusKey) (*Bonus, error)
	// UpdateBonus overwrites the mutable fields if the stored status equals
	// expected.
	UpdateBonus(ctx context.Context, b Bonus, expected BonusStatus) error
	// LoadBonuses returns the tutor's bonuses newest first.
	LoadBonuses(ctx context.Context, tutorID TutorID) ([]Bonus, error)
	AppendBonusAudit(ctx context.Context, e BonusAuditLogEntry) error
	// LoadBonusAudit returns entries oldest first.
	LoadBonusAudit(ctx context.Context, bonusID string) ([]BonusAuditLogEntry, error)
}

type RateStore interface {
	GetRate(ctx context.Context, tutorID TutorID) (*TutorRate, error)
	// SaveRate writes r if the stored version equals expectedVersion; version
	// 0 means "no row yet". The stored version becomes expectedVersion+1.
	SaveRate(ctx context.Context, r TutorRate, expectedVersion int64) error
	ListRates(ctx context.Context) ([]TutorRate, error)
	AppendRateHistory(ctx context.Context, e RateHistoryEntry) error
	// LoadRateHistory returns entries newest first.
	LoadRateHistory(ctx context.Context, tutorID TutorID) ([]RateHistoryEntry, error)
}

// StatsProvider is the engine's view of activity aggregates kept outside it.
// A tutor with no recorded activity yields zero stats, not an error.
type StatsProvider interface {
	TutorStats(ctx context.Context, tutorID TutorID) (TutorStats, error)
}

// StatsStore is implemented by stores that also keep the host application's
// aggregates.
type StatsStore interface {
	StatsProvider
	SaveTutorStats(ctx context.Context, s TutorStats) error
	ListTutorIDs(ctx context.Context) ([]TutorID, error)
}

// Store is the full persistence contract.
type Store interface {
	PointsStore
	BadgeStore
	TierStore
	BonusStore
	RateStore

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
