// Package redisstream implements queue.Broker on a Redis stream with a
// consumer group.
//
// Leases are stream entries pending in the group. Entries idle for longer than
// the visibility timeout are reclaimed with XAUTOCLAIM. A nack moves the
// envelope to a sorted set scored by its retry time; due entries are promoted
// back onto the stream by a Lua script at the start of each Consume.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/smedrec/smart-logs-sub000/internal/audit/queue"
	"github.com/smedrec/smart-logs-sub000/pkg/platform/sentinel"
)

const payloadField = "payload"

// promoteDue moves up to ARGV[2] members of the delayed set with a score at
// or below ARGV[1] onto the stream.
var promoteDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
	redis.call('ZREM', KEYS[1], member)
	redis.call('XADD', KEYS[2], '*', 'payload', member)
end
return #due
`)

type Broker struct {
	client   redis.UniversalClient
	stream   string
	delayed  string
	group    string
	consumer string
	block    time.Duration
	now      func() time.Time
}

type Option func(*Broker)

// WithKeyPrefix namespaces the stream and delayed set. The prefix is wrapped
// in a hash tag so both keys live in the same cluster slot.
func WithKeyPrefix(prefix string) Option {
	return func(b *Broker) {
		b.stream = "{" + prefix + "}:stream"
		b.delayed = "{" + prefix + "}:delayed"
	}
}

func WithGroup(group string) Option {
	return func(b *Broker) { b.group = group }
}

// WithConsumer names this process inside the group.
func WithConsumer(name string) Option {
	return func(b *Broker) { b.consumer = name }
}

// WithBlock bounds how long Consume waits for new entries.
func WithBlock(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.block = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// New creates the consumer group if needed.
func New(ctx context.Context, client redis.UniversalClient, opts ...Option) (*Broker, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	b := &Broker{
		client:   client,
		group:    "audit-workers",
		consumer: "consumer-" + uuid.NewString(),
		block:    200 * time.Millisecond,
		now:      time.Now,
	}
	WithKeyPrefix("audit-events")(b)
	for _, opt := range opts {
		opt(b)
	}

	err := client.XGroupCreateMkStream(ctx, b.stream, b.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return b, nil
}

func (b *Broker) Publish(ctx context.Context, env queue.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]any{payloadField: payload},
	}).Err(); err != nil {
		return errors.Join(sentinel.ErrUnavailable, fmt.Errorf("xadd: %w", err))
	}
	return nil
}

func (b *Broker) Consume(ctx context.Context, batchSize int, visibilityTimeout time.Duration) ([]queue.Lease, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	now := strconv.FormatInt(b.now().UnixMilli(), 10)
	if err := promoteDue.Run(ctx, b.client, []string{b.delayed, b.stream}, now, batchSize).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("promote delayed: %w", err)
	}

	claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.stream,
		Group:    b.group,
		Consumer: b.consumer,
		MinIdle:  visibilityTimeout,
		Start:    "0-0",
		Count:    int64(batchSize),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	leases := decode(claimed)

	if remaining := batchSize - len(leases); remaining > 0 {
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  []string{b.stream, ">"},
			Count:    int64(remaining),
			Block:    b.block,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return leases, fmt.Errorf("xreadgroup: %w", err)
		}
		for _, s := range streams {
			leases = append(leases, decode(s.Messages)...)
		}
	}
	return leases, nil
}

func (b *Broker) Ack(ctx context.Context, leaseID string) error {
	var acked *redis.IntCmd
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		acked = pipe.XAck(ctx, b.stream, b.group, leaseID)
		pipe.XDel(ctx, b.stream, leaseID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if acked.Val() == 0 {
		return sentinel.ErrLeaseExpired
	}
	return nil
}

// Nack schedules the envelope for redelivery at attempt.NextRetryAt and
// removes the current stream entry in one transaction.
func (b *Broker) Nack(ctx context.Context, leaseID string, attempt queue.DeliveryAttempt) error {
	msgs, err := b.client.XRange(ctx, b.stream, leaseID, leaseID).Result()
	if err != nil {
		return fmt.Errorf("xrange: %w", err)
	}
	if len(msgs) == 0 {
		return sentinel.ErrLeaseExpired
	}
	leases := decode(msgs)
	if len(leases) == 0 {
		return sentinel.ErrLeaseExpired
	}
	lease := leases[0]
	if lease.Undecodable() {
		return fmt.Errorf("nack %s: %w", leaseID, lease.DecodeErr)
	}
	env := lease.Envelope
	env.Attempts = attempt.AttemptNumber
	env.LastError = attempt.LastError
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, b.delayed, redis.Z{Score: float64(attempt.NextRetryAt.UnixMilli()), Member: payload})
		pipe.XAck(ctx, b.stream, b.group, leaseID)
		pipe.XDel(ctx, b.stream, leaseID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return nil
}

// Depth returns entries on the stream plus delayed retries.
func (b *Broker) Depth(ctx context.Context) (int64, error) {
	var streamLen, delayedLen *redis.IntCmd
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		streamLen = pipe.XLen(ctx, b.stream)
		delayedLen = pipe.ZCard(ctx, b.delayed)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return streamLen.Val() + delayedLen.Val(), nil
}

// decode turns stream entries into leases. An entry whose payload cannot be
// read becomes an undecodable lease carrying the raw bytes so the rest of the
// batch is still delivered.
func decode(msgs []redis.XMessage) []queue.Lease {
	leases := make([]queue.Lease, 0, len(msgs))
	for _, m := range msgs {
		if m.Values == nil {
			// Entry deleted while still pending.
			continue
		}
		raw, ok := m.Values[payloadField].(string)
		if !ok {
			leases = append(leases, queue.Lease{
				ID:        m.ID,
				Payload:   []byte(fmt.Sprint(m.Values)),
				DecodeErr: fmt.Errorf("stream entry %s has no payload", m.ID),
			})
			continue
		}
		var env queue.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			leases = append(leases, queue.Lease{
				ID:        m.ID,
				Payload:   []byte(raw),
				DecodeErr: fmt.Errorf("decode stream entry %s: %w", m.ID, err),
			})
			continue
		}
		leases = append(leases, queue.Lease{ID: m.ID, Envelope: env})
	}
	return leases
}
