package dispatch

import (
	"context"
	"sync"

	"github.com/fyrsmithlabs/vitalwatch/internal/alert"
)

// Delivery is one notification handed to an outbound channel.
type Delivery struct {
	UserID   string         `json:"user_id"`
	Channel  alert.Channel  `json:"channel"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Priority alert.Priority `json:"priority"`
}

// Receipt reports whether the channel took the delivery.
type Receipt struct {
	Accepted bool   `json:"accepted"`
	ID       string `json:"id,omitempty"`
}

// Deliverer hands notifications to push or email transports. Implementations
// must honor ctx cancellation. The dispatcher never retries.
type Deliverer interface {
	Deliver(ctx context.Context, d Delivery) (Receipt, error)
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, d Delivery) (Receipt, error)

func (f DelivererFunc) Deliver(ctx context.Context, d Delivery) (Receipt, error) {
	return f(ctx, d)
}

// RecordingDeliverer accepts every delivery and keeps it for inspection.
type RecordingDeliverer struct {
	mu         sync.Mutex
	deliveries []Delivery
}

// NewRecordingDeliverer creates an empty RecordingDeliverer.
func NewRecordingDeliverer() *RecordingDeliverer {
	return &RecordingDeliverer{}
}

func (r *RecordingDeliverer) Deliver(ctx context.Context, d Delivery) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, d)
	return Receipt{Accepted: true}, nil
}

// Deliveries returns a copy of everything delivered so far.
func (r *RecordingDeliverer) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Delivery, len(r.deliveries))
	copy(out, r.deliveries)
	return out
}
