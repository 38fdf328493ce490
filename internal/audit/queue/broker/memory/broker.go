// Package memory is an in-process queue.Broker with lease and visibility
// timeout semantics. Messages are offered in publish order; a nacked message
// keeps its position but stays invisible until its retry time.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smedrec/smart-logs-sub000/internal/audit/queue"
	"github.com/smedrec/smart-logs-sub000/pkg/platform/sentinel"
)

type message struct {
	env       queue.Envelope
	visibleAt time.Time
	leaseID   string
}

type Broker struct {
	mu       sync.Mutex
	messages []*message
	leases   map[string]*message
	now      func() time.Time
}

type Option func(*Broker)

func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

func New(opts ...Option) *Broker {
	b := &Broker{
		leases: make(map[string]*message),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) Publish(_ context.Context, env queue.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, &message{env: env})
	return nil
}

func (b *Broker) Consume(ctx context.Context, batchSize int, visibilityTimeout time.Duration) ([]queue.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var out []queue.Lease
	for _, m := range b.messages {
		if len(out) == batchSize {
			break
		}
		if now.Before(m.visibleAt) {
			continue
		}
		if m.leaseID != "" {
			// Visibility timeout elapsed; the previous holder lost the lease.
			delete(b.leases, m.leaseID)
		}
		m.leaseID = uuid.NewString()
		m.visibleAt = now.Add(visibilityTimeout)
		b.leases[m.leaseID] = m
		out = append(out, queue.Lease{ID: m.leaseID, Envelope: m.env})
	}
	return out, nil
}

func (b *Broker) Ack(_ context.Context, leaseID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.leases[leaseID]
	if !ok {
		return sentinel.ErrLeaseExpired
	}
	delete(b.leases, leaseID)
	for i, candidate := range b.messages {
		if candidate == m {
			b.messages = append(b.messages[:i], b.messages[i+1:]...)
			break
		}
	}
	return nil
}

func (b *Broker) Nack(_ context.Context, leaseID string, attempt queue.DeliveryAttempt) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.leases[leaseID]
	if !ok {
		return sentinel.ErrLeaseExpired
	}
	delete(b.leases, leaseID)
	m.leaseID = ""
	m.visibleAt = attempt.NextRetryAt
	m.env.Attempts = attempt.AttemptNumber
	m.env.LastError = attempt.LastError
	return nil
}

// Depth returns the number of messages not yet acked, leased or not.
func (b *Broker) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

// Leased returns the number of messages currently held by a consumer.
func (b *Broker) Leased() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	now := b.now()
	for _, m := range b.messages {
		if m.leaseID != "" && now.Before(m.visibleAt) {
			n++
		}
	}
	return n
}
