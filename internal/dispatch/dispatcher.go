// Package dispatch turns evaluator candidates into notifications: per-key
// cooldowns, ranking, a per-pass top-K cap and hand-off to delivery channels.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/vitalwatch/internal/alert"
	"github.com/fyrsmithlabs/vitalwatch/internal/config"
	"github.com/fyrsmithlabs/vitalwatch/internal/keylock"
)

// Config controls cooldowns and notification volume.
type Config struct {
	Cooldowns       map[alert.Priority]time.Duration
	TopK            int
	DeliveryRate    float64 // per second; 0 disables throttling
	DeliveryBurst   int
	DefaultChannels []alert.Channel
}

// DefaultConfig returns high 5m, medium 30m, low 2h cooldowns and top 5.
func DefaultConfig() Config {
	return Config{
		Cooldowns: map[alert.Priority]time.Duration{
			alert.PriorityHigh:   5 * time.Minute,
			alert.PriorityMedium: 30 * time.Minute,
			alert.PriorityLow:    2 * time.Hour,
		},
		TopK:            5,
		DefaultChannels: []alert.Channel{alert.ChannelPush},
	}
}

// ConfigFrom converts the dispatch section of the daemon config.
func ConfigFrom(c config.DispatchConfig) (Config, error) {
	channels := make([]alert.Channel, 0, len(c.DefaultChannels))
	for _, s := range c.DefaultChannels {
		ch, err := alert.ParseChannel(s)
		if err != nil {
			return Config{}, fmt.Errorf("%w: default_channels: %v", ErrInvalidConfig, err)
		}
		channels = append(channels, ch)
	}
	cfg := Config{
		Cooldowns: map[alert.Priority]time.Duration{
			alert.PriorityHigh:   c.CooldownHigh.Duration(),
			alert.PriorityMedium: c.CooldownMedium.Duration(),
			alert.PriorityLow:    c.CooldownLow.Duration(),
		},
		TopK:            c.TopK,
		DeliveryRate:    c.DeliveryRate,
		DeliveryBurst:   c.DeliveryBurst,
		DefaultChannels: channels,
	}
	return cfg, cfg.Validate()
}

// Validate checks cfg for values the dispatcher cannot run with.
func (c Config) Validate() error {
	for _, p := range []alert.Priority{alert.PriorityHigh, alert.PriorityMedium, alert.PriorityLow} {
		if c.Cooldowns[p] < 0 {
			return fmt.Errorf("%w: negative %s cooldown", ErrInvalidConfig, p)
		}
	}
	if c.TopK <= 0 {
		return fmt.Errorf("%w: top_k must be positive, got %d", ErrInvalidConfig, c.TopK)
	}
	if c.DeliveryRate < 0 {
		return fmt.Errorf("%w: delivery_rate must not be negative", ErrInvalidConfig)
	}
	if c.DeliveryRate > 0 && c.DeliveryBurst <= 0 {
		return fmt.Errorf("%w: delivery_burst must be positive when throttling", ErrInvalidConfig)
	}
	if len(c.DefaultChannels) == 0 {
		return fmt.Errorf("%w: at least one default channel is required", ErrInvalidConfig)
	}
	return nil
}

// Cooldown returns the cooldown for p. Unknown priorities get the longest.
func (c Config) Cooldown(p alert.Priority) time.Duration {
	if d, ok := c.Cooldowns[p]; ok {
		return d
	}
	return c.Cooldowns[alert.PriorityLow]
}

// Outcome is what happened to one candidate.
type Outcome string

const (
	OutcomeDispatched Outcome = "dispatched"
	OutcomeCooldown   Outcome = "cooldown"
	OutcomeOverLimit  Outcome = "over_limit"
	OutcomeDuplicate  Outcome = "duplicate"
)

// DeliveryResult is the fate of one channel hand-off.
type DeliveryResult struct {
	Channel  alert.Channel `json:"channel"`
	Accepted bool          `json:"accepted"`
	ID       string        `json:"id,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Decision records the dispatcher's verdict on a candidate.
type Decision struct {
	Candidate      alert.Candidate  `json:"candidate"`
	Outcome        Outcome          `json:"outcome"`
	LastFiredAt    *time.Time       `json:"last_fired_at,omitempty"`
	TriggeredToday int              `json:"triggered_today,omitempty"`
	Deliveries     []DeliveryResult `json:"deliveries,omitempty"`
}

// Result is the dispatcher's verdict for one user's pass.
type Result struct {
	Dispatched []Decision `json:"dispatched"`
	Suppressed []Decision `json:"suppressed"`
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock sets the time source.
func WithClock(clk clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// Dispatcher applies cooldowns and top-K ranking, then delivers.
type Dispatcher struct {
	cfg       Config
	store     CooldownStore
	deliverer Deliverer
	clock     clock.Clock
	logger    *zap.Logger
	limiter   *rate.Limiter
	counter   *TriggerCounter
	locks     *keylock.Map
}

// New creates a Dispatcher.
func New(cfg Config, store CooldownStore, deliverer Deliverer, opts ...Option) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: cooldown store is required", ErrInvalidConfig)
	}
	if deliverer == nil {
		return nil, fmt.Errorf("%w: deliverer is required", ErrInvalidConfig)
	}

	d := &Dispatcher{
		cfg:       cfg,
		store:     store,
		deliverer: deliverer,
		counter:   NewTriggerCounter(),
		locks:     keylock.New(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.clock == nil {
		d.clock = clock.New()
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if cfg.DeliveryRate > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.DeliveryRate), cfg.DeliveryBurst)
	}
	return d, nil
}

// TriggeredToday returns how many times dedupeKey fired for userID on the
// current UTC day.
func (d *Dispatcher) TriggeredToday(userID, dedupeKey string) int {
	return d.counter.Count(CooldownKey(userID, dedupeKey), d.clock.Now())
}

// TriggersToday returns today's trigger counts for userID keyed by dedupe key.
func (d *Dispatcher) TriggersToday(userID string) map[string]int {
	return d.counter.Snapshot(userID+"/", d.clock.Now())
}

// Dispatch runs one user's candidates through dedupe, cooldown, ranking and
// delivery. Passes in one process are serialized per user; across processes
// sharing a store, CooldownStore.Claim decides which pass fires a key.
//
// A candidate counts as fired once it is selected: lastFiredAt is written
// before delivery and is kept when delivery fails.
func (d *Dispatcher) Dispatch(ctx context.Context, userID string, candidates []alert.Candidate) (Result, error) {
	var res Result
	if len(candidates) == 0 {
		return res, nil
	}

	unlock, err := d.locks.Lock(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("lock user %s: %w", userID, err)
	}
	defer unlock()

	now := d.clock.Now()
	for _, c := range candidates {
		candidatesTotal.WithLabelValues(string(c.Source)).Inc()
	}

	unique, dupes := dedupe(candidates)
	res.Suppressed = append(res.Suppressed, dupes...)

	eligible := make([]alert.Candidate, 0, len(unique))
	for _, c := range unique {
		last, ok, err := d.store.Get(ctx, CooldownKey(userID, c.DedupeKey))
		if err != nil {
			return res, fmt.Errorf("read cooldown for %s: %w", c.DedupeKey, err)
		}
		if ok && now.Sub(last) < d.cfg.Cooldown(c.Priority) {
			lastCopy := last
			res.Suppressed = append(res.Suppressed, Decision{Candidate: c, Outcome: OutcomeCooldown, LastFiredAt: &lastCopy})
			continue
		}
		eligible = append(eligible, c)
	}

	// Claims run in rank order so a key another daemon just claimed frees its
	// top-K slot for the next candidate.
	sort.SliceStable(eligible, func(i, j int) bool { return alert.Less(eligible[i], eligible[j]) })
	for _, c := range eligible {
		if len(res.Dispatched) >= d.cfg.TopK {
			res.Suppressed = append(res.Suppressed, Decision{Candidate: c, Outcome: OutcomeOverLimit})
			continue
		}

		key := CooldownKey(userID, c.DedupeKey)
		claimed, last, err := d.store.Claim(ctx, key, now, d.cfg.Cooldown(c.Priority))
		if err != nil {
			countSuppressed(res.Suppressed)
			return res, fmt.Errorf("write cooldown for %s: %w", c.DedupeKey, err)
		}
		if !claimed {
			res.Suppressed = append(res.Suppressed, Decision{Candidate: c, Outcome: OutcomeCooldown, LastFiredAt: &last})
			continue
		}

		n := d.counter.Incr(key, now)
		dispatchedTotal.WithLabelValues(c.Priority.String()).Inc()

		dec := Decision{Candidate: c, Outcome: OutcomeDispatched, TriggeredToday: n}
		dec.Deliveries = d.deliver(ctx, userID, c, now)
		res.Dispatched = append(res.Dispatched, dec)
	}

	countSuppressed(res.Suppressed)
	return res, nil
}

func countSuppressed(decisions []Decision) {
	for _, dec := range decisions {
		suppressedTotal.WithLabelValues(string(dec.Outcome)).Inc()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, userID string, c alert.Candidate, now time.Time) []DeliveryResult {
	channels := c.Channels
	if len(channels) == 0 {
		channels = d.cfg.DefaultChannels
	}

	out := make([]DeliveryResult, 0, len(channels))
	for _, ch := range channels {
		dr := DeliveryResult{Channel: ch}
		rcpt, err := d.deliverOne(ctx, now, Delivery{
			UserID:   userID,
			Channel:  ch,
			Title:    c.Title,
			Body:     c.Body,
			Priority: c.Priority,
		})
		switch {
		case err != nil:
			dr.Error = err.Error()
			deliveriesTotal.WithLabelValues(string(ch), outcomeLabel(err)).Inc()
			d.logger.Warn("delivery failed",
				zap.String("user.id", userID),
				zap.String("dedupe_key", c.DedupeKey),
				zap.String("channel", string(ch)),
				zap.Error(err))
		default:
			dr.Accepted = true
			dr.ID = rcpt.ID
			deliveriesTotal.WithLabelValues(string(ch), "accepted").Inc()
			d.logger.Debug("delivery accepted",
				zap.String("user.id", userID),
				zap.String("dedupe_key", c.DedupeKey),
				zap.String("channel", string(ch)))
		}
		out = append(out, dr)
	}
	return out
}

func (d *Dispatcher) deliverOne(ctx context.Context, now time.Time, del Delivery) (Receipt, error) {
	if d.limiter != nil && !d.limiter.AllowN(now, 1) {
		return Receipt{}, ErrThrottled
	}
	rcpt, err := d.deliverer.Deliver(ctx, del)
	if err != nil {
		return rcpt, err
	}
	if !rcpt.Accepted {
		return rcpt, ErrNotAccepted
	}
	return rcpt, nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrThrottled):
		return "throttled"
	case errors.Is(err, ErrNotAccepted):
		return "rejected"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "error"
	}
}

// dedupe keeps the best-ranked candidate per dedupe key.
func dedupe(candidates []alert.Candidate) (unique []alert.Candidate, dropped []Decision) {
	best := make(map[string]int, len(candidates))
	for _, c := range candidates {
		if i, ok := best[c.DedupeKey]; ok {
			if alert.Less(c, unique[i]) {
				dropped = append(dropped, Decision{Candidate: unique[i], Outcome: OutcomeDuplicate})
				unique[i] = c
			} else {
				dropped = append(dropped, Decision{Candidate: c, Outcome: OutcomeDuplicate})
			}
			continue
		}
		best[c.DedupeKey] = len(unique)
		unique = append(unique, c)
	}
	return unique, dropped
}
