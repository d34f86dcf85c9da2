/*
Package sqlite provides a SQLite-backed rewards.Store.

PURPOSE:
  Implements rewards.Store and rewards.StatsStore on SQLite through sqlx.
  Every query is written once against sqlx.ExtContext, so the same code
  runs on the database handle and inside a transaction.

KEY TABLES:
  points_ledger:   Append-only points entries
  badges:          One row per (tutor_id, badge_type)
  tier_records:    Current tier, one row per tutor
  bonuses:         Bonus rows, unique on the idempotency key
  bonus_audit_log: Append-only bonus mutations
  tutor_rates:     Base rate + custom adjustment, versioned
  rate_history:    Append-only rate changes
  tutor_stats:     Activity aggregates pushed by the host application

CONSTRAINTS DOING THE REAL WORK:
  - idx_bonuses_idempotency: UNIQUE(tutor_id, bonus_type, reference_id, milestone).
    A violation is reported as generic.ErrDuplicateIdempotencyKey.
  - badges UNIQUE(tutor_id, badge_type) with INSERT OR IGNORE.
  - tier_records, bonuses and tutor_rates updates carry the expected prior
    state in the WHERE clause; zero rows affected is
    generic.ErrConcurrentModification.

VALUES:
  Money and percentages are stored as decimal TEXT. Timestamps are UTC
  with a fixed-width layout so that ORDER BY on the column is
  chronological.

CONNECTIONS:
  The pool is limited to one connection: SQLite has a single writer, and
  ":memory:" databases are per-connection. Code running inside WithTx must
  only use the Store it was handed.

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - rewards/store.go: Interface definitions
  - rewards/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/tutor-rewards/generic"
	"github.com/warp/tutor-rewards/rewards"
)

// timeLayout is fixed-width so lexical order equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements rewards.Store using SQLite.
type Store struct {
	queries
	db *sqlx.DB
	mu sync.Mutex // serializes WithTx
}

var (
	_ rewards.Store      = (*Store)(nil)
	_ rewards.StatsStore = (*Store)(nil)
)

// New opens dbPath and migrates the schema. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := NewWithDB(db)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewWithDB wraps an existing handle without migrating it.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{queries: queries{x: db, clock: generic.SystemClock{}}, db: db}
}

// WithClock sets the clock used to stamp rows the caller left undated.
func (s *Store) WithClock(c generic.Clock) *Store {
	s.clock = c
	return s
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return generic.WrapStorage("migrate", err)
	}
	return nil
}

const schema = `
	-- Points (append-only)
	CREATE TABLE IF NOT EXISTS points_ledger (
		id TEXT PRIMARY KEY,
		tutor_id TEXT NOT NULL,
		points INTEGER NOT NULL,
		reason TEXT NOT NULL,
		reference_id TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_points_tutor
		ON points_ledger(tutor_id, created_at);

	-- Badges (append-only, one per type)
	CREATE TABLE IF NOT EXISTS badges (
		id TEXT PRIMARY KEY,
		tutor_id TEXT NOT NULL,
		badge_type TEXT NOT NULL,
		earned_at TEXT NOT NULL,
		metadata_json TEXT,
		UNIQUE (tutor_id, badge_type)
	);
	CREATE INDEX IF NOT EXISTS idx_badges_tutor ON badges(tutor_id);

	-- Tier records (1:1 with tutor)
	CREATE TABLE IF NOT EXISTS tier_records (
		tutor_id TEXT PRIMARY KEY,
		current_tier TEXT NOT NULL,
		total_sessions INTEGER NOT NULL,
		average_rating TEXT NOT NULL,
		retention_rate TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Bonuses
	CREATE TABLE IF NOT EXISTS bonuses (
		id TEXT PRIMARY KEY,
		tutor_id TEXT NOT NULL,
		bonus_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		reference_id TEXT NOT NULL,
		reference_type TEXT NOT NULL,
		milestone TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		metadata_json TEXT,
		created_at TEXT NOT NULL,
		approved_at TEXT,
		approved_by TEXT,
		paid_at TEXT,
		cancelled_at TEXT,
		cancelled_by TEXT
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_bonuses_idempotency
		ON bonuses(tutor_id, bonus_type, reference_id, milestone);
	CREATE INDEX IF NOT EXISTS idx_bonuses_tutor
		ON bonuses(tutor_id, created_at DESC);

	-- Bonus audit log (append-only)
	CREATE TABLE IF NOT EXISTS bonus_audit_log (
		id TEXT PRIMARY KEY,
		bonus_id TEXT NOT NULL,
		tutor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		changes_json TEXT,
		performed_by TEXT NOT NULL,
		performed_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_bonus_audit_bonus ON bonus_audit_log(bonus_id);
	CREATE INDEX IF NOT EXISTS idx_bonus_audit_tutor ON bonus_audit_log(tutor_id);

	-- Rates (1:1 with tutor, versioned)
	CREATE TABLE IF NOT EXISTS tutor_rates (
		tutor_id TEXT PRIMARY KEY,
		base_rate TEXT NOT NULL,
		custom_adjustment_percent TEXT NOT NULL,
		effective_rate TEXT NOT NULL,
		tier TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Rate history (append-only)
	CREATE TABLE IF NOT EXISTS rate_history (
		id TEXT PRIMARY KEY,
		tutor_id TEXT NOT NULL,
		change_type TEXT NOT NULL,
		previous_rate TEXT NOT NULL,
		new_rate TEXT NOT NULL,
		reason TEXT,
		metadata_json TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rate_history_tutor
		ON rate_history(tutor_id, created_at DESC);

	-- Tutor stats (fed by the host application)
	CREATE TABLE IF NOT EXISTS tutor_stats (
		tutor_id TEXT PRIMARY KEY,
		sessions_completed INTEGER NOT NULL DEFAULT 0,
		average_rating TEXT NOT NULL DEFAULT '0',
		review_count INTEGER NOT NULL DEFAULT 0,
		five_star_reviews INTEGER NOT NULL DEFAULT 0,
		retention_rate TEXT NOT NULL DEFAULT '0',
		retained_students INTEGER NOT NULL DEFAULT 0,
		streak_weeks INTEGER NOT NULL DEFAULT 0,
		total_earnings TEXT NOT NULL DEFAULT '0',
		referrals INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);
`

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(rewards.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return generic.WrapStorage("begin", err)
	}
	defer tx.Rollback()

	if err := fn(&txStore{queries: queries{x: tx, clock: s.clock}}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return generic.WrapStorage("commit", err)
	}
	return nil
}

type txStore struct {
	queries
}

// WithTx joins the enclosing transaction.
func (ts *txStore) WithTx(_ context.Context, fn func(rewards.Store) error) error {
	return fn(ts)
}

// queries holds every statement; x is either the DB or a Tx.
type queries struct {
	x     sqlx.ExtContext
	clock generic.Clock
}

// =============================================================================
// POINTS
// =============================================================================

type pointsRow struct {
	ID          string         `db:"id"`
	TutorID     string         `db:"tutor_id"`
	Points      int64          `db:"points"`
	Reason      string         `db:"reason"`
	ReferenceID sql.NullString `db:"reference_id"`
	Metadata    sql.NullString `db:"metadata_json"`
	CreatedAt   string         `db:"created_at"`
}

func (q queries) AppendPoints(ctx context.Context, e rewards.PointsEntry) error {
	_, err := q.x.ExecContext(ctx, `
		INSERT INTO points_ledger (id, tutor_id, points, reason, reference_id, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.TutorID), e.Points, string(e.Reason), nullString(e.ReferenceID),
		encodeMap(e.Metadata), formatTime(e.CreatedAt))
	return classify("append points", err)
}

func (q queries) LoadPoints(ctx context.Context, tutorID rewards.TutorID) ([]rewards.PointsEntry, error) {
	var rows []pointsRow
	err := sqlx.SelectContext(ctx, q.x, &rows, `
		SELECT id, tutor_id, points, reason, reference_id, metadata_json, created_at
		FROM points_ledger WHERE tutor_id = ? ORDER BY created_at, rowid`, string(tutorID))
	if err != nil {
		return nil, classify("load points", err)
	}
	out := make([]rewards.PointsEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, rewards.PointsEntry{
			ID:          r.ID,
			TutorID:     rewards.TutorID(r.TutorID),
			Points:      r.Points,
			Reason:      rewards.PointsReason(r.Reason),
			ReferenceID: r.ReferenceID.String,
			Metadata:    decodeMap(r.Metadata),
			CreatedAt:   parseTime(r.CreatedAt),
		})
	}
	return out, nil
}

func (q queries) PointsTotal(ctx context.Context, tutorID rewards.TutorID) (int64, error) {
	var total int64
	err := sqlx.GetContext(ctx, q.x, &total,
		`SELECT COALESCE(SUM(points), 0) FROM points_ledger WHERE tutor_id = ?`, string(tutorID))
	if err != nil {
		return 0, classify("points total", err)
	}
	return total, nil
}

// =============================================================================
// BADGES
// =============================================================================

type badgeRow struct {
	ID        string         `db:"id"`
	TutorID   string         `db:"tutor_id"`
	BadgeType string         `db:"badge_type"`
	EarnedAt  string         `db:"earned_at"`
	Metadata  sql.NullString `db:"metadata_json"`
}

func (q queries) InsertBadge(ctx context.Context, b rewards.Badge) (bool, error) {
	res, err := q.x.ExecContext(ctx, `
		INSERT OR IGNORE INTO badges (id, tutor_id, badge_type, earned_at, metadata_json)
		VALUES (?, ?, ?, ?, ?)`,
		b.ID, string(b.TutorID), string(b.Type), formatTime(b.EarnedAt), encodeMap(b.Metadata))
	if err != nil {
		return false, classify("insert badge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("insert badge", err)
	}
	return n == 1, nil
}

func (q queries) LoadBadges(ctx context.Context, tutorID rewards.TutorID) ([]rewards.Badge, error) {
	var rows []badgeRow
	err := sqlx.SelectContext(ctx, q.x, &rows, `
		SELECT id, tutor_id, badge_type, earned_at, metadata_json
		FROM badges WHERE tutor_id = ? ORDER BY earned_at, rowid`, string(tutorID))
	if err != nil {
		return nil, classify("load badges", err)
	}
	out := make([]rewards.Badge, 0, len(rows))
	for _, r := range rows {
		out = append(out, rewards.Badge{
			ID:       r.ID,
			TutorID:  rewards.TutorID(r.TutorID),
			Type:     rewards.BadgeType(r.BadgeType),
			EarnedAt: parseTime(r.EarnedAt),
			Metadata: decodeMap(r.Metadata),
		})
	}
	return out, nil
}

// =============================================================================
// TIERS
// =============================================================================

type tierRow struct {
	TutorID       string `db:"tutor_id"`
	CurrentTier   string `db:"current_tier"`
	TotalSessions int    `db:"total_sessions"`
	AverageRating string `db:"average_rating"`
	RetentionRate string `db:"retention_rate"`
	UpdatedAt     string `db:"updated_at"`
}

func (r tierRow) record() (rewards.TierRecord, error) {
	var dr decimalReader
	rec := rewards.TierRecord{
		TutorID:       rewards.TutorID(r.TutorID),
		CurrentTier:   rewards.Tier(r.CurrentTier),
		TotalSessions: r.TotalSessions,
		AverageRating: dr.parse("average_rating", r.AverageRating),
		RetentionRate: dr.parse("retention_rate", r.RetentionRate),
		UpdatedAt:     parseTime(r.UpdatedAt),
	}
	return rec, dr.err
}

const selectTier = `SELECT tutor_id, current_tier, total_sessions, average_rating, retention_rate, updated_at FROM tier_records`

func (q queries) GetTierRecord(ctx context.Context, tutorID rewards.TutorID) (*rewards.TierRecord, error) {
	var row tierRow
	err := sqlx.GetContext(ctx, q.x, &row, selectTier+` WHERE tutor_id = ?`, string(tutorID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get tier record", err)
	}
	rec, err := row.record()
	if err != nil {
		return nil, classify("get tier record", err)
	}
	return &rec, nil
}

func (q queries) SaveTierRecord(ctx context.Context, rec rewards.TierRecord, expected rewards.Tier) error {
	conflict := &generic.ConflictError{
		Kind: "tier_record", Key: string(rec.TutorID),
		Reason: "tier changed since it was read", Err: generic.ErrConcurrentModification,
	}
	if expected == "" {
		_, err := q.x.ExecContext(ctx, `
			INSERT INTO tier_records (tutor_id, current_tier, total_sessions, average_rating, retention_rate, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			string(rec.TutorID), string(rec.CurrentTier), rec.TotalSessions,
			rec.AverageRating.String(), rec.RetentionRate.String(), formatTime(rec.UpdatedAt))
		if isUniqueViolation(err) {
			return conflict
		}
		return classify("save tier record", err)
	}
	res, err := q.x.ExecContext(ctx, `
		UPDATE tier_records
		SET current_tier = ?, total_sessions = ?, average_rating = ?, retention_rate = ?, updated_at = ?
		WHERE tutor_id = ? AND current_tier = ?`,
		string(rec.CurrentTier), rec.TotalSessions, rec.AverageRating.String(),
		rec.RetentionRate.String(), formatTime(rec.UpdatedAt),
		string(rec.TutorID), string(expected))
	return expectOneRow("save tier record", res, err, conflict)
}

func (q queries) ListTierRecords(ctx context.Context) ([]rewards.TierRecord, error) {
	var rows []tierRow
	if err := sqlx.SelectContext(ctx, q.x, &rows, selectTier+` ORDER BY tutor_id`); err != nil {
		return nil, classify("list tier records", err)
	}
	out := make([]rewards.TierRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, classify("list tier records", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// =============================================================================
// BONUSES
// =============================================================================

type bonusRow struct {
	ID            string         `db:"id"`
	TutorID       string         `db:"tutor_id"`
	BonusType     string         `db:"bonus_type"`
	Amount        string         `db:"amount"`
	ReferenceID   string         `db:"reference_id"`
	ReferenceType string         `db:"reference_type"`
	Milestone     string         `db:"milestone"`
	Status        string         `db:"status"`
	Metadata      sql.NullString `db:"metadata_json"`
	CreatedAt     string         `db:"created_at"`
	ApprovedAt    sql.NullString `db:"approved_at"`
	ApprovedBy    sql.NullString `db:"approved_by"`
	PaidAt        sql.NullString `db:"paid_at"`
	CancelledAt   sql.NullString `db:"cancelled_at"`
	CancelledBy   sql.NullString `db:"cancelled_by"`
}

func (r bonusRow) bonus() (rewards.Bonus, error) {
	var dr decimalReader
	b := rewards.Bonus{
		ID:            r.ID,
		TutorID:       rewards.TutorID(r.TutorID),
		Type:          rewards.BonusType(r.BonusType),
		Amount:        dr.parse("amount", r.Amount),
		ReferenceID:   r.ReferenceID,
		ReferenceType: r.ReferenceType,
		Milestone:     r.Milestone,
		Status:        rewards.BonusStatus(r.Status),
		Metadata:      decodeMap(r.Metadata),
		CreatedAt:     parseTime(r.CreatedAt),
		ApprovedAt:    parseNullTime(r.ApprovedAt),
		ApprovedBy:    r.ApprovedBy.String,
		PaidAt:        parseNullTime(r.PaidAt),
		CancelledAt:   parseNullTime(r.CancelledAt),
		CancelledBy:   r.CancelledBy.String,
	}
	return b, dr.err
}

const selectBonus = `
	SELECT id, tutor_id, bonus_type, amount, reference_id, reference_type, milestone, status,
		metadata_json, created_at, approved_at, approved_by, paid_at, cancelled_at, cancelled_by
	FROM bonuses`

func (q queries) InsertBonus(ctx context.Context, b rewards.Bonus) error {
	_, err := q.x.ExecContext(ctx, `
		INSERT INTO bonuses (id, tutor_id, bonus_type, amount, reference_id, reference_type, milestone,
			status, metadata_json, created_at, approved_at, approved_by, paid_at, cancelled_at, cancelled_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, string(b.TutorID), string(b.Type), b.Amount.String(), b.ReferenceID, b.ReferenceType,
		b.Milestone, string(b.Status), encodeMap(b.Metadata), formatTime(b.CreatedAt),
		nullTime(b.ApprovedAt), nullString(b.ApprovedBy), nullTime(b.PaidAt),
		nullTime(b.CancelledAt), nullString(b.CancelledBy))
	if isUniqueViolation(err) {
		return &generic.ConflictError{
			Kind: "bonus", Key: b.Key().String(), Reason: "already recorded",
			Err: generic.ErrDuplicateIdempotencyKey,
		}
	}
	return classify("insert bonus", err)
}

func (q queries) getBonus(ctx context.Context, op, where string, args ...any) (*rewards.Bonus, error) {
	var row bonusRow
	err := sqlx.GetContext(ctx, q.x, &row, selectBonus+" WHERE "+where, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(op, err)
	}
	b, err := row.bonus()
	if err != nil {
		return nil, classify(op, err)
	}
	return &b, nil
}

func (q queries) GetBonus(ctx context.Context, id string) (*rewards.Bonus, error) {
	return q.getBonus(ctx, "get bonus", "id = ?", id)
}

func (q queries) FindBonus(ctx context.Context, key rewards.BonusKey) (*rewards.Bonus, error) {
	return q.getBonus(ctx, "find bonus",
		"tutor_id = ? AND bonus_type = ? AND reference_id = ? AND milestone = ?",
		string(key.TutorID), string(key.Type), key.ReferenceID, key.Milestone)
}

func (q queries) UpdateBonus(ctx context.Context, b rewards.Bonus, expected rewards.BonusStatus) error {
	res, err := q.x.ExecContext(ctx, `
		UPDATE bonuses
		SET amount = ?, status = ?, metadata_json = ?, approved_at = ?, approved_by = ?,
			paid_at = ?, cancelled_at = ?, cancelled_by = ?
		WHERE id = ? AND status = ?`,
		b.Amount.String(), string(b.Status), encodeMap(b.Metadata),
		nullTime(b.ApprovedAt), nullString(b.ApprovedBy), nullTime(b.PaidAt),
		nullTime(b.CancelledAt), nullString(b.CancelledBy),
		b.ID, string(expected))
	if err != nil {
		return classify("update bonus", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("update bonus", err)
	}
	if n == 1 {
		return nil
	}
	cur, err := q.GetBonus(ctx, b.ID)
	if err != nil {
		return err
	}
	if cur == nil {
		return generic.NotFound("bonus", b.ID)
	}
	return &generic.ConflictError{
		Kind: "bonus", Key: b.ID,
		Reason: "status changed since it was read", Err: generic.ErrConcurrentModification,
	}
}

func (q queries) LoadBonuses(ctx context.Context, tutorID rewards.TutorID) ([]rewards.Bonus, error) {
	var rows []bonusRow
	err := sqlx.SelectContext(ctx, q.x, &rows,
		selectBonus+` WHERE tutor_id = ? ORDER BY created_at DESC, rowid DESC`, string(tutorID))
	if err != nil {
		return nil, classify("load bonuses", err)
	}
	out := make([]rewards.Bonus, 0, len(rows))
	for _, r := range rows {
		b, err := r.bonus()
		if err != nil {
			return nil, classify("load bonuses", err)
		}
		out = append(out, b)
	}
	return out, nil
}

type auditRow struct {
	ID          string         `db:"id"`
	BonusID     string         `db:"bonus_id"`
	Action      string         `db:"action"`
	Changes     sql.NullString `db:"changes_json"`
	PerformedBy string         `db:"performed_by"`
	PerformedAt string         `db:"performed_at"`
}

// AppendBonusAudit copies the owning tutor onto the entry so the log is
// indexed by tutor like every other table.
func (q queries) AppendBonusAudit(ctx context.Context, e rewards.BonusAuditLogEntry) error {
	_, err := q.x.ExecContext(ctx, `
		INSERT INTO bonus_audit_log (id, bonus_id, tutor_id, action, changes_json, performed_by, performed_at)
		SELECT ?, ?, tutor_id, ?, ?, ?, ? FROM bonuses WHERE id = ?`,
		e.ID, e.BonusID, string(e.Action), encodeMap(e.Changes), e.PerformedBy,
		formatTime(e.PerformedAt), e.BonusID)
	return classify("append bonus audit", err)
}

func (q queries) LoadBonusAudit(ctx context.Context, bonusID string) ([]rewards.BonusAuditLogEntry, error) {
	var rows []auditRow
	err := sqlx.SelectContext(ctx, q.x, &rows, `
		SELECT id, bonus_id, action, changes_json, performed_by, performed_at
		FROM bonus_audit_log WHERE bonus_id = ? ORDER BY performed_at, rowid`, bonusID)
	if err != nil {
		return nil, classify("load bonus audit", err)
	}
	out := make([]rewards.BonusAuditLogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, rewards.BonusAuditLogEntry{
			ID:          r.ID,
			BonusID:     r.BonusID,
			Action:      rewards.BonusAction(r.Action),
			Changes:     decodeMap(r.Changes),
			PerformedBy: r.PerformedBy,
			PerformedAt: parseTime(r.PerformedAt),
		})
	}
	return out, nil
}

// =============================================================================
// RATES
// =============================================================================

type rateRow struct {
	TutorID       string `db:"tutor_id"`
	BaseRate      string `db:"base_rate"`
	CustomPercent string `db:"custom_adjustment_percent"`
	EffectiveRate string `db:"effective_rate"`
	Tier          string `db:"tier"`
	Version       int64  `db:"version"`
	UpdatedAt     string `db:"updated_at"`
}

func (r rateRow) rate() (rewards.TutorRate, error) {
	var dr decimalReader
	rate := rewards.TutorRate{
		TutorID:                 rewards.TutorID(r.TutorID),
		BaseRate:                dr.parse("base_rate", r.BaseRate),
		CustomAdjustmentPercent: dr.parse("custom_adjustment_percent", r.CustomPercent),
		EffectiveRate:           dr.parse("effective_rate", r.EffectiveRate),
		Tier:                    rewards.Tier(r.Tier),
		Version:                 r.Version,
		UpdatedAt:               parseTime(r.UpdatedAt),
	}
	return rate, dr.err
}

const selectRate = `SELECT tutor_id, base_rate, custom_adjustment_percent, effective_rate, tier, version, updated_at FROM tutor_rates`

func (q queries) GetRate(ctx context.Context, tutorID rewards.TutorID) (*rewards.TutorRate, error) {
	var row rateRow
	err := sqlx.GetContext(ctx, q.x, &row, selectRate+` WHERE tutor_id = ?`, string(tutorID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get rate", err)
	}
	r, err := row.rate()
	if err != nil {
		return nil, classify("get rate", err)
	}
	return &r, nil
}

func (q queries) SaveRate(ctx context.Context, r rewards.TutorRate, expectedVersion int64) error {
	conflict := &generic.ConflictError{
		Kind: "tutor_rate", Key: string(r.TutorID),
		Reason: "rate changed since it was read", Err: generic.ErrConcurrentModification,
	}
	tier := string(r.Tier)
	if tier == "" {
		tier = string(rewards.TierStandard)
	}
	if expectedVersion == 0 {
		_, err := q.x.ExecContext(ctx, `
			INSERT INTO tutor_rates (tutor_id, base_rate, custom_adjustment_percent, effective_rate, tier, version, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?)`,
			string(r.TutorID), r.BaseRate.String(), decimalText(r.CustomAdjustmentPercent),
			decimalText(r.EffectiveRate), tier, formatTime(r.UpdatedAt))
		if isUniqueViolation(err) {
			return conflict
		}
		return classify("save rate", err)
	}
	res, err := q.x.ExecContext(ctx, `
		UPDATE tutor_rates
		SET base_rate = ?, custom_adjustment_percent = ?, effective_rate = ?, tier = ?, version = ?, updated_at = ?
		WHERE tutor_id = ? AND version = ?`,
		r.BaseRate.String(), decimalText(r.CustomAdjustmentPercent), decimalText(r.EffectiveRate),
		tier, expectedVersion+1, formatTime(r.UpdatedAt),
		string(r.TutorID), expectedVersion)
	return expectOneRow("save rate", res, err, conflict)
}

func (q queries) ListRates(ctx context.Context) ([]rewards.TutorRate, error) {
	var rows []rateRow
	if err := sqlx.SelectContext(ctx, q.x, &rows, selectRate+` ORDER BY tutor_id`); err != nil {
		return nil, classify("list rates", err)
	}
	out := make([]rewards.TutorRate, 0, len(rows))
	for _, r := range rows {
		rate, err := r.rate()
		if err != nil {
			return nil, classify("list rates", err)
		}
		out = append(out, rate)
	}
	return out, nil
}

type rateHistoryRow struct {
	ID           string         `db:"id"`
	TutorID      string         `db:"tutor_id"`
	ChangeType   string         `db:"change_type"`
	PreviousRate string         `db:"previous_rate"`
	NewRate      string         `db:"new_rate"`
	Reason       sql.NullString `db:"reason"`
	Metadata     sql.NullString `db:"metadata_json"`
	CreatedBy    sql.NullString `db:"created_by"`
	CreatedAt    string         `db:"created_at"`
}

func (q queries) AppendRateHistory(ctx context.Context, e rewards.RateHistoryEntry) error {
	_, err := q.x.ExecContext(ctx, `
		INSERT INTO rate_history (id, tutor_id, change_type, previous_rate, new_rate, reason, metadata_json, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.TutorID), string(e.ChangeType), decimalText(e.PreviousRate), decimalText(e.NewRate),
		nullString(e.Reason), encodeMap(e.Metadata), nullString(e.CreatedBy), formatTime(e.CreatedAt))
	return classify("append rate history", err)
}

func (q queries) LoadRateHistory(ctx context.Context, tutorID rewards.TutorID) ([]rewards.RateHistoryEntry, error) {
	var rows []rateHistoryRow
	err := sqlx.SelectContext(ctx, q.x, &rows, `
		SELECT id, tutor_id, change_type, previous_rate, new_rate, reason, metadata_json, created_by, created_at
		FROM rate_history WHERE tutor_id = ? ORDER BY created_at DESC, rowid DESC`, string(tutorID))
	if err != nil {
		return nil, classify("load rate history", err)
	}
	out := make([]rewards.RateHistoryEntry, 0, len(rows))
	var dr decimalReader
	for _, r := range rows {
		out = append(out, rewards.RateHistoryEntry{
			ID:           r.ID,
			TutorID:      rewards.TutorID(r.TutorID),
			ChangeType:   rewards.RateChangeType(r.ChangeType),
			PreviousRate: dr.parse("previous_rate", r.PreviousRate),
			NewRate:      dr.parse("new_rate", r.NewRate),
			Reason:       r.Reason.String,
			Metadata:     decodeMap(r.Metadata),
			CreatedBy:    r.CreatedBy.String,
			CreatedAt:    parseTime(r.CreatedAt),
		})
	}
	if dr.err != nil {
		return nil, classify("load rate history", dr.err)
	}
	return out, nil
}

// =============================================================================
// TUTOR STATS
// =============================================================================

type statsRow struct {
	TutorID           string `db:"tutor_id"`
	SessionsCompleted int    `db:"sessions_completed"`
	AverageRating     string `db:"average_rating"`
	ReviewCount       int    `db:"review_count"`
	FiveStarReviews   int    `db:"five_star_reviews"`
	RetentionRate     string `db:"retention_rate"`
	RetainedStudents  int    `db:"retained_students"`
	StreakWeeks       int    `db:"streak_weeks"`
	TotalEarnings     string `db:"total_earnings"`
	Referrals         int    `db:"referrals"`
	UpdatedAt         string `db:"updated_at"`
}

func (q queries) TutorStats(ctx context.Context, tutorID rewards.TutorID) (rewards.TutorStats, error) {
	var r statsRow
	err := sqlx.GetContext(ctx, q.x, &r, `
		SELECT tutor_id, sessions_completed, average_rating, review_count, five_star_reviews,
			retention_rate, retained_students, streak_weeks, total_earnings, referrals, updated_at
		FROM tutor_stats WHERE tutor_id = ?`, string(tutorID))
	if errors.Is(err, sql.ErrNoRows) {
		return rewards.TutorStats{TutorID: tutorID}, nil
	}
	if err != nil {
		return rewards.TutorStats{}, classify("tutor stats", err)
	}
	var dr decimalReader
	stats := rewards.TutorStats{
		TutorID:           rewards.TutorID(r.TutorID),
		SessionsCompleted: r.SessionsCompleted,
		AverageRating:     dr.parse("average_rating", r.AverageRating),
		ReviewCount:       r.ReviewCount,
		FiveStarReviews:   r.FiveStarReviews,
		RetentionRate:     dr.parse("retention_rate", r.RetentionRate),
		RetainedStudents:  r.RetainedStudents,
		StreakWeeks:       r.StreakWeeks,
		TotalEarnings:     dr.parse("total_earnings", r.TotalEarnings),
		Referrals:         r.Referrals,
		UpdatedAt:         parseTime(r.UpdatedAt),
	}
	if dr.err != nil {
		return rewards.TutorStats{}, classify("tutor stats", dr.err)
	}
	return stats, nil
}

func (q queries) SaveTutorStats(ctx context.Context, s rewards.TutorStats) error {
	updated := s.UpdatedAt
	if updated.IsZero() {
		updated = q.clock.Now()
	}
	_, err := q.x.ExecContext(ctx, `
		INSERT INTO tutor_stats (tutor_id, sessions_completed, average_rating, review_count, five_star_reviews,
			retention_rate, retained_students, streak_weeks, total_earnings, referrals, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tutor_id) DO UPDATE SET
			sessions_completed = excluded.sessions_completed,
			average_rating = excluded.average_rating,
			review_count = excluded.review_count,
			five_star_reviews = excluded.five_star_reviews,
			retention_rate = excluded.retention_rate,
			retained_students = excluded.retained_students,
			streak_weeks = excluded.streak_weeks,
			total_earnings = excluded.total_earnings,
			referrals = excluded.referrals,
			updated_at = excluded.updated_at`,
		string(s.TutorID), s.SessionsCompleted, decimalText(s.AverageRating), s.ReviewCount,
		s.FiveStarReviews, decimalText(s.RetentionRate), s.RetainedStudents, s.StreakWeeks,
		decimalText(s.TotalEarnings), s.Referrals, formatTime(updated))
	return classify("save tutor stats", err)
}

func (q queries) ListTutorIDs(ctx context.Context) ([]rewards.TutorID, error) {
	var ids []string
	if err := sqlx.SelectContext(ctx, q.x, &ids, `SELECT tutor_id FROM tutor_stats ORDER BY tutor_id`); err != nil {
		return nil, classify("list tutor ids", err)
	}
	out := make([]rewards.TutorID, len(ids))
	for i, id := range ids {
		out[i] = rewards.TutorID(id)
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// classify turns a driver error into the engine taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return generic.WrapStorage(op, err)
}

func expectOneRow(op string, res sql.Result, err error, conflict error) error {
	if err != nil {
		return classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if n != 1 {
		return conflict
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// decimalReader parses stored decimal text and keeps the first failure.
type decimalReader struct {
	err error
}

func (dr *decimalReader) parse(column, s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil && dr.err == nil {
		dr.err = fmt.Errorf("column %s: %w", column, err)
	}
	return d
}

func decimalText(d decimal.Decimal) string {
	return d.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func encodeMap(m map[string]string) sql.NullString {
	if len(m) == 0 {
		return sql.NullString{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func decodeMap(s sql.NullString) map[string]string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil
	}
	return m
}
