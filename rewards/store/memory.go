// Package store provides an in-memory rewards.Store.
package store

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/warp/tutor-rewards/generic"
	"github.com/warp/tutor-rewards/rewards"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements rewards.Store and rewards.StatsStore. Transactions are
// simulated with a snapshot of the whole state and a rollback on error;
// the store lock is held for the duration of the transaction.
type Memory struct {
	core *core
	inTx bool
}

type core struct {
	mu sync.RWMutex
	st *state
}

type state struct {
	seq         int64
	points      map[rewards.TutorID][]rewards.PointsEntry
	badges      map[rewards.TutorID][]rewards.Badge
	tiers       map[rewards.TutorID]rewards.TierRecord
	bonuses     map[string]bonusRow
	bonusKeys   map[string]string // BonusKey.String() -> bonus id
	audit       map[string][]rewards.BonusAuditLogEntry
	rates       map[rewards.TutorID]rewards.TutorRate
	rateHistory map[rewards.TutorID][]rewards.RateHistoryEntry
	stats       map[rewards.TutorID]rewards.TutorStats
}

// bonusRow keeps insertion order so equal timestamps still sort stably.
type bonusRow struct {
	seq   int64
	bonus rewards.Bonus
}

func newState() *state {
	return &state{
		points:      make(map[rewards.TutorID][]rewards.PointsEntry),
		badges:      make(map[rewards.TutorID][]rewards.Badge),
		tiers:       make(map[rewards.TutorID]rewards.TierRecord),
		bonuses:     make(map[string]bonusRow),
		bonusKeys:   make(map[string]string),
		audit:       make(map[string][]rewards.BonusAuditLogEntry),
		rates:       make(map[rewards.TutorID]rewards.TutorRate),
		rateHistory: make(map[rewards.TutorID][]rewards.RateHistoryEntry),
		stats:       make(map[rewards.TutorID]rewards.TutorStats),
	}
}

func NewMemory() *Memory {
	return &Memory{core: &core{st: newState()}}
}

var (
	_ rewards.Store      = (*Memory)(nil)
	_ rewards.StatsStore = (*Memory)(nil)
)

func (m *Memory) read(ctx context.Context, op string, fn func(*state) error) error {
	if err := ctx.Err(); err != nil {
		return generic.WrapStorage(op, err)
	}
	if !m.inTx {
		m.core.mu.RLock()
		defer m.core.mu.RUnlock()
	}
	return fn(m.core.st)
}

func (m *Memory) write(ctx context.Context, op string, fn func(*state) error) error {
	if err := ctx.Err(); err != nil {
		return generic.WrapStorage(op, err)
	}
	if !m.inTx {
		m.core.mu.Lock()
		defer m.core.mu.Unlock()
	}
	return fn(m.core.st)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction. Nested calls join the outer
// transaction.
func (m *Memory) WithTx(ctx context.Context, fn func(rewards.Store) error) error {
	if m.inTx {
		return fn(m)
	}
	if err := ctx.Err(); err != nil {
		return generic.WrapStorage("begin", err)
	}
	m.core.mu.Lock()
	defer m.core.mu.Unlock()

	snapshot := m.core.st.clone()
	if err := fn(&Memory{core: m.core, inTx: true}); err != nil {
		m.core.st = snapshot
		return err
	}
	return nil
}

func (s *state) clone() *state {
	c := newState()
	c.seq = s.seq
	for k, v := range s.points {
		c.points[k] = append([]rewards.PointsEntry(nil), v...)
	}
	for k, v := range s.badges {
		c.badges[k] = append([]rewards.Badge(nil), v...)
	}
	for k, v := range s.tiers {
		c.tiers[k] = v
	}
	for k, v := range s.bonuses {
		c.bonuses[k] = v
	}
	for k, v := range s.bonusKeys {
		c.bonusKeys[k] = v
	}
	for k, v := range s.audit {
		c.audit[k] = append([]rewards.BonusAuditLogEntry(nil), v...)
	}
	for k, v := range s.rates {
		c.rates[k] = v
	}
	for k, v := range s.rateHistory {
		c.rateHistory[k] = append([]rewards.RateHistoryEntry(nil), v...)
	}
	for k, v := range s.stats {
		c.stats[k] = v
	}
	return c
}

// =============================================================================
// POINTS
// =============================================================================

func (m *Memory) AppendPoints(ctx context.Context, e rewards.PointsEntry) error {
	return m.write(ctx, "append points", func(s *state) error {
		e.Metadata = maps.Clone(e.Metadata)
		s.points[e.TutorID] = append(s.points[e.TutorID], e)
		return nil
	})
}

func (m *Memory) LoadPoints(ctx context.Context, tutorID rewards.TutorID) ([]rewards.PointsEntry, error) {
	var out []rewards.PointsEntry
	err := m.read(ctx, "load points", func(s *state) error {
		out = make([]rewards.PointsEntry, len(s.points[tutorID]))
		for i, e := range s.points[tutorID] {
			e.Metadata = maps.Clone(e.Metadata)
			out[i] = e
		}
		return nil
	})
	return out, err
}

func (m *Memory) PointsTotal(ctx context.Context, tutorID rewards.TutorID) (int64, error) {
	var total int64
	err := m.read(ctx, "points total", func(s *state) error {
		for _, e := range s.points[tutorID] {
			total += e.Points
		}
		return nil
	})
	return total, err
}

// =============================================================================
// BADGES
// =============================================================================

func (m *Memory) InsertBadge(ctx context.Context, b rewards.Badge) (bool, error) {
	inserted := false
	err := m.write(ctx, "insert badge", func(s *state) error {
		for _, held := range s.badges[b.TutorID] {
			if held.Type == b.Type {
				return nil
			}
		}
		b.Metadata = maps.Clone(b.Metadata)
		s.badges[b.TutorID] = append(s.badges[b.TutorID], b)
		inserted = true
		return nil
	})
	return inserted, err
}

func (m *Memory) LoadBadges(ctx context.Context, tutorID rewards.TutorID) ([]rewards.Badge, error) {
	var out []rewards.Badge
	err := m.read(ctx, "load badges", func(s *state) error {
		out = make([]rewards.Badge, len(s.badges[tutorID]))
		for i, b := range s.badges[tutorID] {
			b.Metadata = maps.Clone(b.Metadata)
			out[i] = b
		}
		return nil
	})
	return out, err
}

// =============================================================================
// TIERS
// =============================================================================

func (m *Memory) GetTierRecord(ctx context.Context, tutorID rewards.TutorID) (*rewards.TierRecord, error) {
	var out *rewards.TierRecord
	err := m.read(ctx, "get tier record", func(s *state) error {
		if rec, ok := s.tiers[tutorID]; ok {
			out = &rec
		}
		return nil
	})
	return out, err
}

func (m *Memory) SaveTierRecord(ctx context.Context, rec rewards.TierRecord, expected rewards.Tier) error {
	return m.write(ctx, "save tier record", func(s *state) error {
		cur, ok := s.tiers[rec.TutorID]
		if (expected == "" && ok) || (expected != "" && (!ok || cur.CurrentTier != expected)) {
			return &generic.ConflictError{
				Kind: "tier_record", Key: string(rec.TutorID),
				Reason: "tier changed since it was read", Err: generic.ErrConcurrentModification,
			}
		}
		s.tiers[rec.TutorID] = rec
		return nil
	})
}

func (m *Memory) ListTierRecords(ctx context.Context) ([]rewards.TierRecord, error) {
	var out []rewards.TierRecord
	err := m.read(ctx, "list tier records", func(s *state) error {
		out = make([]rewards.TierRecord, 0, len(s.tiers))
		for _, rec := range s.tiers {
			out = append(out, rec)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].TutorID < out[j].TutorID })
	return out, err
}

// =============================================================================
// BONUSES
// =============================================================================

func (m *Memory) InsertBonus(ctx context.Context, b rewards.Bonus) error {
	return m.write(ctx, "insert bonus", func(s *state) error {
		key := b.Key().String()
		if _, dup := s.bonusKeys[key]; dup {
			return &generic.ConflictError{
				Kind: "bonus", Key: key, Reason: "already recorded", Err: generic.ErrDuplicateIdempotencyKey,
			}
		}
		s.seq++
		b.Metadata = maps.Clone(b.Metadata)
		s.bonuses[b.ID] = bonusRow{seq: s.seq, bonus: b}
		s.bonusKeys[key] = b.ID
		return nil
	})
}

func (m *Memory) GetBonus(ctx context.Context, id string) (*rewards.Bonus, error) {
	var out *rewards.Bonus
	err := m.read(ctx, "get bonus", func(s *state) error {
		if row, ok := s.bonuses[id]; ok {
			b := row.bonus
			b.Metadata = maps.Clone(b.Metadata)
			out = &b
		}
		return nil
	})
	return out, err
}

func (m *Memory) FindBonus(ctx context.Context, key rewards.BonusKey) (*rewards.Bonus, error) {
	var out *rewards.Bonus
	err := m.read(ctx, "find bonus", func(s *state) error {
		if id, ok := s.bonusKeys[key.String()]; ok {
			b := s.bonuses[id].bonus
			b.Metadata = maps.Clone(b.Metadata)
			out = &b
		}
		return nil
	})
	return out, err
}

func (m *Memory) UpdateBonus(ctx context.Context, b rewards.Bonus, expected rewards.BonusStatus) error {
	return m.write(ctx, "update bonus", func(s *state) error {
		row, ok := s.bonuses[b.ID]
		if !ok {
			return generic.NotFound("bonus", b.ID)
		}
		if row.bonus.Status != expected {
			return &generic.ConflictError{
				Kind: "bonus", Key: b.ID,
				Reason: "status changed since it was read", Err: generic.ErrConcurrentModification,
			}
		}
		b.Metadata = maps.Clone(b.Metadata)
		row.bonus = b
		s.bonuses[b.ID] = row
		return nil
	})
}

func (m *Memory) LoadBonuses(ctx context.Context, tutorID rewards.TutorID) ([]rewards.Bonus, error) {
	var rows []bonusRow
	err := m.read(ctx, "load bonuses", func(s *state) error {
		for _, row := range s.bonuses {
			if row.bonus.TutorID == tutorID {
				rows = append(rows, row)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].bonus.CreatedAt, rows[j].bonus.CreatedAt
		if !a.Equal(b) {
			return a.After(b)
		}
		return rows[i].seq > rows[j].seq
	})
	out := make([]rewards.Bonus, len(rows))
	for i, row := range rows {
		out[i] = row.bonus
		out[i].Metadata = maps.Clone(row.bonus.Metadata)
	}
	return out, nil
}

func (m *Memory) AppendBonusAudit(ctx context.Context, e rewards.BonusAuditLogEntry) error {
	return m.write(ctx, "append bonus audit", func(s *state) error {
		e.Changes = maps.Clone(e.Changes)
		s.audit[e.BonusID] = append(s.audit[e.BonusID], e)
		return nil
	})
}

func (m *Memory) LoadBonusAudit(ctx context.Context, bonusID string) ([]rewards.BonusAuditLogEntry, error) {
	var out []rewards.BonusAuditLogEntry
	err := m.read(ctx, "load bonus audit", func(s *state) error {
		out = make([]rewards.BonusAuditLogEntry, len(s.audit[bonusID]))
		for i, e := range s.audit[bonusID] {
			e.Changes = maps.Clone(e.Changes)
			out[i] = e
		}
		return nil
	})
	return out, err
}

// =============================================================================
// RATES
// =============================================================================

func (m *Memory) GetRate(ctx context.Context, tutorID rewards.TutorID) (*rewards.TutorRate, error) {
	var out *rewards.TutorRate
	err := m.read(ctx, "get rate", func(s *state) error {
		if r, ok := s.rates[tutorID]; ok {
			out = &r
		}
		return nil
	})
	return out, err
}

func (m *Memory) SaveRate(ctx context.Context, r rewards.TutorRate, expectedVersion int64) error {
	return m.write(ctx, "save rate", func(s *state) error {
		cur, ok := s.rates[r.TutorID]
		if (expectedVersion == 0 && ok) || (expectedVersion != 0 && (!ok || cur.Version != expectedVersion)) {
			return &generic.ConflictError{
				Kind: "tutor_rate", Key: string(r.TutorID),
				Reason: "rate changed since it was read", Err: generic.ErrConcurrentModification,
			}
		}
		r.Version = expectedVersion + 1
		s.rates[r.TutorID] = r
		return nil
	})
}

func (m *Memory) ListRates(ctx context.Context) ([]rewards.TutorRate, error) {
	var out []rewards.TutorRate
	err := m.read(ctx, "list rates", func(s *state) error {
		out = make([]rewards.TutorRate, 0, len(s.rates))
		for _, r := range s.rates {
			out = append(out, r)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].TutorID < out[j].TutorID })
	return out, err
}

func (m *Memory) AppendRateHistory(ctx context.Context, e rewards.RateHistoryEntry) error {
	return m.write(ctx, "append rate history", func(s *state) error {
		e.Metadata = maps.Clone(e.Metadata)
		s.rateHistory[e.TutorID] = append(s.rateHistory[e.TutorID], e)
		return nil
	})
}

func (m *Memory) LoadRateHistory(ctx context.Context, tutorID rewards.TutorID) ([]rewards.RateHistoryEntry, error) {
	var out []rewards.RateHistoryEntry
	err := m.read(ctx, "load rate history", func(s *state) error {
		h := s.rateHistory[tutorID]
		out = make([]rewards.RateHistoryEntry, len(h))
		for i, e := range h {
			e.Metadata = maps.Clone(e.Metadata)
			out[len(h)-1-i] = e
		}
		return nil
	})
	return out, err
}

// =============================================================================
// TUTOR STATS
// =============================================================================

func (m *Memory) TutorStats(ctx context.Context, tutorID rewards.TutorID) (rewards.TutorStats, error) {
	var out rewards.TutorStats
	err := m.read(ctx, "tutor stats", func(s *state) error {
		st, ok := s.stats[tutorID]
		if !ok {
			st = rewards.TutorStats{TutorID: tutorID}
		}
		out = st
		return nil
	})
	return out, err
}

func (m *Memory) SaveTutorStats(ctx context.Context, st rewards.TutorStats) error {
	return m.write(ctx, "save tutor stats", func(s *state) error {
		s.stats[st.TutorID] = st
		return nil
	})
}

func (m *Memory) ListTutorIDs(ctx context.Context) ([]rewards.TutorID, error) {
	var out []rewards.TutorID
	err := m.read(ctx, "list tutor ids", func(s *state) error {
		out = make([]rewards.TutorID, 0, len(s.stats))
		for id := range s.stats {
			out = append(out, id)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, err
}
