// Package ingest consumes snapshot-arrived events from NATS, stores them and
// requests an on-demand evaluation for the affected user.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vitalwatch/internal/vitals"
)

// ErrUserMismatch is returned when a snapshot names a different user than
// its subject.
var ErrUserMismatch = errors.New("snapshot user does not match subject")

var (
	snapshotsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vitalwatch",
		Subsystem: "ingest",
		Name:      "snapshots_total",
		Help:      "Snapshots stored from the event stream.",
	})
	messagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vitalwatch",
		Subsystem: "ingest",
		Name:      "rejected_total",
		Help:      "Messages dropped, by reason.",
	}, []string{"reason"})
)

// Appender stores snapshots. *vitals.MemoryStore implements it.
type Appender interface {
	Append(s vitals.Snapshot) error
}

// Invalidator drops cached derived state for a user. *baseline.Cache implements it.
type Invalidator interface {
	Invalidate(userID string)
}

// Trigger requests an evaluation pass. *engine.Scheduler implements it.
type Trigger interface {
	Trigger(userID string) bool
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithInvalidator sets the cache invalidated for every stored user.
func WithInvalidator(inv Invalidator) Option {
	return func(s *Subscriber) { s.invalidator = inv }
}

// WithTrigger sets the pass trigger fired after a batch is stored.
func WithTrigger(t Trigger) Option {
	return func(s *Subscriber) { s.trigger = t }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Subscriber) { s.logger = logger }
}

// Subscriber listens on subjects of the form <prefix>.<user id>. A message
// body is one JSON snapshot or a JSON array of them.
type Subscriber struct {
	nc          *nats.Conn
	subject     string
	store       Appender
	invalidator Invalidator
	trigger     Trigger
	logger      *zap.Logger

	mu   sync.Mutex
	sub  *nats.Subscription
	stop chan struct{}
	done chan struct{}
}

// NewSubscriber creates a stopped Subscriber for subject, typically
// "vitals.snapshots.>".
func NewSubscriber(nc *nats.Conn, subject string, store Appender, opts ...Option) (*Subscriber, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("snapshot store cannot be nil")
	}
	if subject == "" {
		return nil, fmt.Errorf("subject cannot be empty")
	}
	s := &Subscriber{
		nc:      nc,
		subject: subject,
		store:   store,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

// Start subscribes and processes messages until ctx is done or Stop is called.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sub != nil {
		return fmt.Errorf("subscriber already started")
	}

	msgs := make(chan *nats.Msg, 256)
	sub, err := s.nc.ChanSubscribe(s.subject, msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	// Make sure the subscription is registered before callers publish.
	if err := s.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription: %w", err)
	}

	s.sub = sub
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx, msgs, s.stop, s.done)

	s.logger.Info("snapshot subscriber started", zap.String("subject", s.subject))
	return nil
}

// Stop unsubscribes and waits for the processing loop to exit.
func (s *Subscriber) Stop() error {
	s.mu.Lock()
	sub, stop, done := s.sub, s.stop, s.done
	s.sub = nil
	s.mu.Unlock()

	if sub == nil {
		return nil
	}
	err := sub.Unsubscribe()
	close(stop)
	<-done
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("unsubscribe %s: %w", s.subject, err)
	}
	return nil
}

func (s *Subscriber) loop(ctx context.Context, msgs <-chan *nats.Msg, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case msg := <-msgs:
			if err := s.Handle(msg.Subject, msg.Data); err != nil {
				s.logger.Warn("dropping snapshot message",
					zap.String("subject", msg.Subject),
					zap.Error(err))
			}
		}
	}
}

// Handle stores the snapshots in one message body received on subject and
// triggers a pass for the user.
func (s *Subscriber) Handle(subject string, data []byte) error {
	userID := subject[strings.LastIndex(subject, ".")+1:]

	snaps, err := decode(data)
	if err != nil {
		messagesRejected.WithLabelValues("decode").Inc()
		return err
	}

	for i := range snaps {
		if snaps[i].UserID == "" {
			snaps[i].UserID = userID
		}
		if snaps[i].UserID != userID {
			messagesRejected.WithLabelValues("user_mismatch").Inc()
			return fmt.Errorf("%w: %q on %s", ErrUserMismatch, snaps[i].UserID, subject)
		}
		if err := snaps[i].Validate(); err != nil {
			messagesRejected.WithLabelValues("invalid").Inc()
			return err
		}
	}

	for _, snap := range snaps {
		if err := s.store.Append(snap); err != nil {
			return fmt.Errorf("store snapshot: %w", err)
		}
		snapshotsIngested.Inc()
	}

	if s.invalidator != nil {
		s.invalidator.Invalidate(userID)
	}
	if s.trigger != nil {
		s.trigger.Trigger(userID)
	}
	s.logger.Debug("stored snapshots", zap.String("user.id", userID), zap.Int("count", len(snaps)))
	return nil
}

func decode(data []byte) ([]vitals.Snapshot, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	if data[0] == '[' {
		var snaps []vitals.Snapshot
		if err := json.Unmarshal(data, &snaps); err != nil {
			return nil, fmt.Errorf("decode snapshot batch: %w", err)
		}
		return snaps, nil
	}
	var snap vitals.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return []vitals.Snapshot{snap}, nil
}
