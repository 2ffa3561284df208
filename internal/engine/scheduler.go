package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	TierFast     = "fast"
	TierSlow     = "slow"
	TierOnDemand = "on_demand"
)

// UserDirectory lists the users scheduled ticks evaluate.
type UserDirectory interface {
	ListUsers(ctx context.Context) ([]string, error)
}

// PassRunner runs one user's pass. *Runner implements it.
type PassRunner interface {
	Run(ctx context.Context, userID string, scope Scope, tier string) (*Report, error)
}

// Tier is one periodic evaluation cadence.
type Tier struct {
	Name     string
	Interval time.Duration
	Scope    Scope
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock sets the clock whose tickers drive the tiers.
func WithSchedulerClock(clk clock.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = clk }
}

// WithIntervals sets the fast and slow tier intervals.
func WithIntervals(fast, slow time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.tiers = []Tier{
			{Name: TierFast, Interval: fast, Scope: ScopeFast},
			{Name: TierSlow, Interval: slow, Scope: ScopeSlow},
		}
	}
}

// WithMaxConcurrentUsers bounds how many user passes run at once across all
// tiers and on-demand triggers.
func WithMaxConcurrentUsers(n int) SchedulerOption {
	return func(s *Scheduler) { s.maxConcurrent = n }
}

// Scheduler drives periodic and on-demand passes.
//
// The fast tier evaluates rules without a duration; the slow tier evaluates
// duration rules, anomaly detection and risk scoring. Nothing runs until
// Start is called.
type Scheduler struct {
	runner        PassRunner
	users         UserDirectory
	clock         clock.Clock
	logger        *zap.Logger
	tiers         []Tier
	maxConcurrent int

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending map[string]bool
	sem     chan struct{}
}

// NewScheduler creates a stopped scheduler with 1m fast and 5m slow tiers.
func NewScheduler(runner PassRunner, users UserDirectory, logger *zap.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if users == nil {
		return nil, fmt.Errorf("user directory cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		runner:        runner,
		users:         users,
		logger:        logger,
		maxConcurrent: 16,
		pending:       make(map[string]bool),
	}
	WithIntervals(time.Minute, 5*time.Minute)(s)
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	for _, t := range s.tiers {
		if t.Interval <= 0 {
			return nil, fmt.Errorf("tier %s interval must be positive", t.Name)
		}
	}
	if s.maxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent users must be positive")
	}
	s.sem = make(chan struct{}, s.maxConcurrent)
	return s, nil
}

// Tiers returns the configured tiers.
func (s *Scheduler) Tiers() []Tier {
	return append([]Tier(nil), s.tiers...)
}

// Start launches one loop per tier. It returns an error if already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	for _, tier := range s.tiers {
		// Tickers are created here so a mock clock advanced right after
		// Start cannot race the loop goroutine.
		ticker := s.clock.Ticker(tier.Interval)
		s.wg.Add(1)
		go s.loop(s.ctx, tier, ticker)
	}

	s.logger.Info("scheduler started",
		zap.Int("tiers", len(s.tiers)),
		zap.Int("max_concurrent_users", s.maxConcurrent),
	)
	return nil
}

// Stop cancels in-flight passes and waits for every loop to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.logger.Debug("scheduler stop called but not running")
		return nil
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, tier Tier, ticker *clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safeTick(ctx, tier)
		}
	}
}

// safeTick keeps a panicking pass from taking the tier loop down.
func (s *Scheduler) safeTick(ctx context.Context, tier Tier) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler tick panicked, recovering",
				zap.String("tier", tier.Name),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	if err := s.RunTier(ctx, tier); err != nil {
		s.logger.Warn("scheduler tick failed", zap.String("tier", tier.Name), zap.Error(err))
	}
}

// RunTier runs one pass per known user at tier's scope. Individual pass
// failures are logged and counted; only a failure to list users is returned.
func (s *Scheduler) RunTier(ctx context.Context, tier Tier) error {
	schedulerTicks.WithLabelValues(tier.Name).Inc()

	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrent)
	for _, userID := range users {
		g.Go(func() error {
			if !s.acquire(gctx) {
				return nil
			}
			defer s.release()
			s.runPass(gctx, userID, tier.Scope, tier.Name)
			return nil
		})
	}
	return g.Wait()
}

// acquire takes a slot in the bound shared by every tier and by Trigger.
func (s *Scheduler) acquire(ctx context.Context) bool {
	select {
	case s.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) release() { <-s.sem }

// Trigger schedules an all-scope pass for userID. Triggers that arrive while a
// pass for the user is still queued coalesce into it. It reports whether a new
// pass was queued.
func (s *Scheduler) Trigger(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.pending[userID] {
		return false
	}
	s.pending[userID] = true

	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !s.acquire(ctx) {
			s.clearPending(userID)
			return
		}
		defer s.release()

		s.clearPending(userID)
		s.runPass(ctx, userID, ScopeAll, TierOnDemand)
	}()
	return true
}

func (s *Scheduler) clearPending(userID string) {
	s.mu.Lock()
	delete(s.pending, userID)
	s.mu.Unlock()
}

func (s *Scheduler) runPass(ctx context.Context, userID string, scope Scope, tier string) {
	defer func() {
		if r := recover(); r != nil {
			schedulerPassErrors.WithLabelValues(tier).Inc()
			s.logger.Error("user pass panicked",
				zap.String("user.id", userID),
				zap.String("tier", tier),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	schedulerPassesInFlight.Inc()
	defer schedulerPassesInFlight.Dec()

	if _, err := s.runner.Run(ctx, userID, scope, tier); err != nil {
		schedulerPassErrors.WithLabelValues(tier).Inc()
	}
}
