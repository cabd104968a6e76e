// Package queue carries envelopes between engine workers with at-least-once
// delivery and competing consumers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kubilitics/kubilitics-rca/internal/models"
)

// ErrClosed is returned by Receive and Send after Close.
var ErrClosed = errors.New("queue closed")

// ErrMaxDelivered is returned by Nak when the message was dropped after
// reaching its delivery limit.
var ErrMaxDelivered = errors.New("message reached max deliveries")

// Queue is a competing-consumers envelope queue.
type Queue interface {
	// Send publishes one envelope. A MessageID is assigned when empty.
	Send(ctx context.Context, env models.Envelope) error

	// Receive blocks until a delivery is available or ctx is done.
	Receive(ctx context.Context) (Delivery, error)

	Close() error
}

// Delivery is one received message awaiting settlement.
type Delivery interface {
	// Data returns the raw message body.
	Data() []byte

	// Attempt is 1 for the first delivery and grows with each redelivery.
	Attempt() int

	// Ack removes the message.
	Ack(ctx context.Context) error

	// Nak asks for redelivery.
	Nak(ctx context.Context) error

	// Term drops the message without redelivery.
	Term(ctx context.Context) error
}

// Encode stamps missing ids and timestamps and marshals the envelope.
func Encode(env *models.Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}
	if env.SentAt.IsZero() {
		env.SentAt = time.Now().UTC()
	}
	return json.Marshal(env)
}

// Decode parses and validates a message body.
func Decode(data []byte) (models.Envelope, error) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
