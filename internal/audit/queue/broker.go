package queue

import (
	"context"
	"time"

	"github.com/smedrec/smart-logs-sub000/internal/audit"
)

// DeliveryState is the lifecycle of an event inside the queue.
//
//	Pending -> InFlight -> Acked | Retrying | DeadLettered
//
// Retrying returns to InFlight once NextRetryAt has passed.
type DeliveryState string

const (
	StatePending      DeliveryState = "pending"
	StateInFlight     DeliveryState = "in_flight"
	StateAcked        DeliveryState = "acked"
	StateRetrying     DeliveryState = "retrying"
	StateDeadLettered DeliveryState = "dead_lettered"
)

// Envelope is the unit stored in the broker.
type Envelope struct {
	ID         string       `json:"id"`
	Event      *audit.Event `json:"event"`
	Attempts   int          `json:"attempts"`
	EnqueuedAt time.Time    `json:"enqueuedAt"`
	LastError  string       `json:"lastError,omitempty"`
}

// Lease grants one consumer exclusive ownership of an envelope until it is
// acked, nacked, or the visibility timeout elapses and the broker redelivers.
//
// A broker that cannot decode a payload still leases it, with DecodeErr set
// and the raw bytes in Payload. The queue dead-letters such leases and acks
// them; it never nacks them.
type Lease struct {
	ID        string
	Envelope  Envelope
	Payload   []byte
	DecodeErr error
}

// Undecodable reports whether the broker failed to decode the payload.
func (l Lease) Undecodable() bool { return l.DecodeErr != nil }

// DeliveryAttempt is the retry bookkeeping handed back to the broker on nack.
// AttemptNumber is the count of attempts made so far; the envelope must not be
// redelivered before NextRetryAt.
type DeliveryAttempt struct {
	EventRef      string
	AttemptNumber int
	NextRetryAt   time.Time
	LastError     string
}

// Broker is the distributed queue collaborator. Implementations guarantee a
// lease is held by at most one consumer at a time.
//
// Consume returns at most batchSize leases and may return none; it should not
// block for longer than a short broker-specific poll interval.
type Broker interface {
	Publish(ctx context.Context, env Envelope) error
	Consume(ctx context.Context, batchSize int, visibilityTimeout time.Duration) ([]Lease, error)
	Ack(ctx context.Context, leaseID string) error
	Nack(ctx context.Context, leaseID string, attempt DeliveryAttempt) error
}
