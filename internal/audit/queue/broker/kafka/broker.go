// Package kafka implements queue.Broker on a Kafka topic consumed by a group.
//
// Records are keyed by correlationId so one correlation stream stays on one
// partition. Offsets are committed only up to the highest contiguous acked
// offset per partition, so a crash redelivers everything not yet acked.
//
// Kafka has no per-record delay or visibility timeout. A nacked record is held
// in this process until its retry time and then leased again; exclusivity
// comes from partition assignment, so the visibilityTimeout argument of
// Consume is ignored. When partitions are revoked, held and leased records of
// those partitions are dropped and will be redelivered to the new owner from
// the last committed offset.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/smedrec/smart-logs-sub000/internal/audit/queue"
	"github.com/smedrec/smart-logs-sub000/pkg/platform/sentinel"
)

type partitionKey struct {
	topic     string
	partition int32
}

type tracked struct {
	record      *kgo.Record
	env         queue.Envelope
	visibleAt   time.Time
	undecodable bool
}

// partitionState tracks outstanding offsets in fetch order.
type partitionState struct {
	outstanding []int64
	done        map[int64]*kgo.Record
}

type Broker struct {
	client   *kgo.Client
	topic    string
	pollWait time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	leases     map[string]*tracked
	held       []*tracked
	partitions map[partitionKey]*partitionState

	// commitMu orders commits so a slower commit never moves a partition's
	// offset backwards.
	commitMu  sync.Mutex
	committed map[partitionKey]int64
}

type Option func(*Broker)

// WithPollWait bounds how long Consume waits for new records.
func WithPollWait(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.pollWait = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// ClientOpts returns the consumer options the broker relies on. Build the
// client with them and hand it back through Attach.
func (b *Broker) ClientOpts(group string) []kgo.Opt {
	return []kgo.Opt{
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(b.topic),
		kgo.DefaultProduceTopic(b.topic),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsRevoked(b.onRevoked),
		kgo.OnPartitionsLost(b.onRevoked),
	}
}

// New creates a broker for topic. It is usable once a client is attached.
func New(topic string, opts ...Option) *Broker {
	b := &Broker{
		topic:      topic,
		pollWait:   200 * time.Millisecond,
		logger:     slog.New(slog.DiscardHandler),
		now:        time.Now,
		leases:     make(map[string]*tracked),
		partitions: make(map[partitionKey]*partitionState),
		committed:  make(map[partitionKey]int64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach sets the client the broker produces to and polls from.
func (b *Broker) Attach(client *kgo.Client) error {
	if client == nil {
		return errors.New("kafka client is required")
	}
	b.client = client
	return nil
}

func (b *Broker) Publish(ctx context.Context, env queue.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	key := env.ID
	if env.Event != nil && env.Event.CorrelationID != "" {
		key = env.Event.CorrelationID
	}
	rec := &kgo.Record{Topic: b.topic, Key: []byte(key), Value: payload}
	if err := b.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return errors.Join(sentinel.ErrUnavailable, fmt.Errorf("produce: %w", err))
	}
	return nil
}

func (b *Broker) Consume(ctx context.Context, batchSize int, _ time.Duration) ([]queue.Lease, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	leases := b.leaseDue(batchSize)
	if len(leases) == batchSize {
		return leases, nil
	}

	pollCtx, cancel := context.WithTimeout(ctx, b.pollWait)
	defer cancel()
	fetches := b.client.PollRecords(pollCtx, batchSize-len(leases))
	if fetches.IsClientClosed() {
		return leases, errors.Join(sentinel.ErrUnavailable, errors.New("kafka client closed"))
	}
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		b.logger.WarnContext(ctx, "kafka fetch error", "topic", fe.Topic, "partition", fe.Partition, "error", fe.Err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	fetches.EachRecord(func(rec *kgo.Record) {
		pk := partitionKey{topic: rec.Topic, partition: rec.Partition}
		ps := b.partitions[pk]
		if ps == nil {
			ps = &partitionState{done: make(map[int64]*kgo.Record)}
			b.partitions[pk] = ps
		}
		ps.outstanding = append(ps.outstanding, rec.Offset)

		var env queue.Envelope
		if err := json.Unmarshal(rec.Value, &env); err != nil {
			// Leased once under a stable ID so the queue can dead-letter it and
			// ack past it.
			id := fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset)
			b.leases[id] = &tracked{record: rec, undecodable: true}
			leases = append(leases, queue.Lease{
				ID:        id,
				Payload:   rec.Value,
				DecodeErr: fmt.Errorf("decode record %s: %w", id, err),
			})
			return
		}
		t := &tracked{record: rec, env: env}
		id := uuid.NewString()
		b.leases[id] = t
		leases = append(leases, queue.Lease{ID: id, Envelope: env})
	})
	return leases, nil
}

// leaseDue re-leases held records whose retry time has passed.
func (b *Broker) leaseDue(limit int) []queue.Lease {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	var out []queue.Lease
	b.held = slices.DeleteFunc(b.held, func(t *tracked) bool {
		if len(out) == limit || now.Before(t.visibleAt) {
			return false
		}
		id := uuid.NewString()
		b.leases[id] = t
		out = append(out, queue.Lease{ID: id, Envelope: t.env})
		return true
	})
	return out
}

func (b *Broker) Ack(ctx context.Context, leaseID string) error {
	b.mu.Lock()
	t, ok := b.leases[leaseID]
	if !ok {
		b.mu.Unlock()
		return sentinel.ErrLeaseExpired
	}
	delete(b.leases, leaseID)
	last := b.finishLocked(t.record)
	b.mu.Unlock()

	b.commit(ctx, last)
	return nil
}

func (b *Broker) Nack(_ context.Context, leaseID string, attempt queue.DeliveryAttempt) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.leases[leaseID]
	if !ok {
		return sentinel.ErrLeaseExpired
	}
	if t.undecodable {
		return fmt.Errorf("record %s cannot be retried: payload is undecodable", leaseID)
	}
	delete(b.leases, leaseID)
	t.visibleAt = attempt.NextRetryAt
	t.env.Attempts = attempt.AttemptNumber
	t.env.LastError = attempt.LastError
	b.held = append(b.held, t)
	return nil
}

// finishLocked records rec as finished and returns the highest contiguous
// finished record of its partition, or nil when the committable offset did
// not move.
func (b *Broker) finishLocked(rec *kgo.Record) *kgo.Record {
	ps := b.partitions[partitionKey{topic: rec.Topic, partition: rec.Partition}]
	if ps == nil {
		return nil
	}
	ps.done[rec.Offset] = rec
	var last *kgo.Record
	for len(ps.outstanding) > 0 {
		r, finished := ps.done[ps.outstanding[0]]
		if !finished {
			break
		}
		delete(ps.done, ps.outstanding[0])
		ps.outstanding = ps.outstanding[1:]
		last = r
	}
	return last
}

// commit is called without b.mu held so Consume and other acks are not
// blocked on a broker round trip.
func (b *Broker) commit(ctx context.Context, last *kgo.Record) {
	if last == nil {
		return
	}
	b.commitMu.Lock()
	defer b.commitMu.Unlock()
	pk := partitionKey{topic: last.Topic, partition: last.Partition}
	if prev, ok := b.committed[pk]; ok && prev >= last.Offset {
		return
	}
	if err := b.client.CommitRecords(context.WithoutCancel(ctx), last); err != nil {
		b.logger.WarnContext(ctx, "failed to commit offset", "partition", last.Partition, "offset", last.Offset, "error", err)
		return
	}
	b.committed[pk] = last.Offset
}

func (b *Broker) onRevoked(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	gone := func(rec *kgo.Record) bool {
		return slices.Contains(revoked[rec.Topic], rec.Partition)
	}
	for id, t := range b.leases {
		if gone(t.record) {
			delete(b.leases, id)
		}
	}
	b.held = slices.DeleteFunc(b.held, func(t *tracked) bool { return gone(t.record) })
	for topic, parts := range revoked {
		for _, p := range parts {
			delete(b.partitions, partitionKey{topic: topic, partition: p})
		}
	}
}
