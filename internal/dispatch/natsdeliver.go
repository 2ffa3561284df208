package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Job is the message placed on the delivery stream for push and email workers.
type Job struct {
	ID        string    `json:"id"`
	Delivery  Delivery  `json:"delivery"`
	CreatedAt time.Time `json:"created_at"`
}

// NATSDeliverer publishes delivery jobs to a JetStream stream. A job counts as
// accepted once the stream acknowledges it.
type NATSDeliverer struct {
	js      nats.JetStreamContext
	subject string
	clock   clock.Clock
}

// NewNATSDeliverer ensures stream captures subject.> and returns a deliverer
// publishing to subject.<channel>.
func NewNATSDeliverer(js nats.JetStreamContext, stream, subject string, clk clock.Clock) (*NATSDeliverer, error) {
	if clk == nil {
		clk = clock.New()
	}
	if err := ensureStream(js, stream, subject+".>"); err != nil {
		return nil, err
	}
	return &NATSDeliverer{js: js, subject: subject, clock: clk}, nil
}

func ensureStream(js nats.JetStreamContext, name, subjects string) error {
	_, err := js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("lookup stream %s: %w", name, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{subjects},
		Retention: nats.WorkQueuePolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	return nil
}

// Deliver publishes d as a Job. The job id doubles as the JetStream message id
// so a duplicate publish is dropped by the server.
func (n *NATSDeliverer) Deliver(ctx context.Context, d Delivery) (Receipt, error) {
	job := Job{
		ID:        uuid.New().String(),
		Delivery:  d,
		CreatedAt: n.clock.Now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal delivery job: %w", err)
	}

	subject := n.subject + "." + string(d.Channel)
	if _, err := n.js.Publish(subject, data, nats.MsgId(job.ID), nats.Context(ctx)); err != nil {
		return Receipt{}, fmt.Errorf("publish delivery job to %s: %w", subject, err)
	}
	return Receipt{Accepted: true, ID: job.ID}, nil
}
