/*
scheduler.go - Periodic tier checks

PURPOSE:
  Periodically runs Engine.CheckTier for every tutor the stats feed knows
  about, so promotions happen even when no caller asks for a tier check.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each pass lists tutors and checks them one by one; a failure for one
    tutor is logged and the pass continues
  - Promotion is idempotent, so overlapping manual checks are harmless

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (false when the interval is 0)

STATUS:
  Status() reports whether the loop is running, the last pass and when the
  ticker fires next. Exposed as GET /api/scheduler.

USAGE:
  scheduler := NewTierCheckScheduler(engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: CheckTier endpoint (manual check)
  - rewards/tiers.go: CheckAndPromote
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/tutor-rewards/rewards"
)

// TierCheckScheduler handles automated tier promotion checks.
type TierCheckScheduler struct {
	Engine        *rewards.Engine
	Logger        *slog.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex

	// state is guarded separately so Status never waits on Stop.
	stateMu    sync.Mutex
	running    bool
	lastRun    time.Time
	lastResult PassResult
	nextRun    time.Time
}

// SchedulerStatus is a point-in-time view of the scheduler.
type SchedulerStatus struct {
	Running    bool
	Interval   time.Duration
	LastRun    time.Time
	LastResult PassResult
	NextRun    time.Time // zero when not running
}

// PassResult summarizes one pass over all tutors.
type PassResult struct {
	Checked  int
	Promoted int
	Failed   int
}

// NewTierCheckScheduler creates a new scheduler.
func NewTierCheckScheduler(engine *rewards.Engine, logger *slog.Logger) *TierCheckScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TierCheckScheduler{
		Engine:        engine,
		Logger:        logger.With("component", "tier-scheduler"),
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (s *TierCheckScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.CheckInterval <= 0 {
		s.Logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan bool)
	s.setNextRun(time.Now().Add(s.CheckInterval), true)
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.Logger.Info("started", "interval", s.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight pass.
func (s *TierCheckScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.setNextRun(time.Time{}, false)
		s.Logger.Info("stopped")
	}
}

func (s *TierCheckScheduler) run(ticker *time.Ticker, stop <-chan bool) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	s.checkAll(ctx)

	for {
		select {
		case tick := <-ticker.C:
			s.setNextRun(tick.Add(s.CheckInterval), true)
			s.checkAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *TierCheckScheduler) checkAll(ctx context.Context) PassResult {
	var res PassResult
	started := time.Now()
	defer func() { s.recordPass(started, res) }()

	tutors, err := s.Engine.TutorIDs(ctx)
	if err != nil {
		s.Logger.Error("listing tutors", "error", err)
		return res
	}

	for _, id := range tutors {
		if ctx.Err() != nil {
			break
		}
		promo, err := s.Engine.CheckTier(ctx, rewards.SystemActor(), id)
		res.Checked++
		if err != nil {
			res.Failed++
			s.Logger.Warn("tier check failed", "tutor_id", id, "error", err)
			continue
		}
		if promo.Promoted {
			res.Promoted++
		}
	}

	if res.Promoted > 0 || res.Failed > 0 {
		s.Logger.Info("pass completed",
			"checked", res.Checked, "promoted", res.Promoted, "failed", res.Failed)
	}
	return res
}

// RunNow triggers an immediate pass (for testing/admin).
func (s *TierCheckScheduler) RunNow(ctx context.Context) PassResult {
	return s.checkAll(ctx)
}

// Status reports the loop state and the next scheduled pass.
func (s *TierCheckScheduler) Status() SchedulerStatus {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return SchedulerStatus{
		Running:    s.running,
		Interval:   s.CheckInterval,
		LastRun:    s.lastRun,
		LastResult: s.lastResult,
		NextRun:    s.nextRun,
	}
}

func (s *TierCheckScheduler) setNextRun(at time.Time, running bool) {
	s.stateMu.Lock()
	s.nextRun = at
	s.running = running
	s.stateMu.Unlock()
}

func (s *TierCheckScheduler) recordPass(at time.Time, res PassResult) {
	s.stateMu.Lock()
	s.lastRun = at
	s.lastResult = res
	s.stateMu.Unlock()
}
