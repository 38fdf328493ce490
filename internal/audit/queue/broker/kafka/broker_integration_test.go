//go:build integration

package kafka_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/smedrec/smart-logs-sub000/internal/audit"
	"github.com/smedrec/smart-logs-sub000/internal/audit/queue"
	"github.com/smedrec/smart-logs-sub000/internal/audit/queue/broker/kafka"
	platformkafka "github.com/smedrec/smart-logs-sub000/internal/platform/kafka"
	"github.com/smedrec/smart-logs-sub000/pkg/testutil/containers"
)

type BrokerSuite struct {
	suite.Suite
	redpanda *containers.RedpandaContainer
}

func TestBrokerSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(BrokerSuite))
}

func (s *BrokerSuite) SetupSuite() {
	s.redpanda = containers.GetManager().GetRedpanda(s.T())
}

func (s *BrokerSuite) newBroker(topic, group string) *kafka.Broker {
	ctx := context.Background()
	b := kafka.New(topic, kafka.WithPollWait(500*time.Millisecond))
	cfg := platformkafka.Config{Brokers: []string{s.redpanda.SeedBroker}}
	client, err := platformkafka.NewClient(ctx, cfg, nil, b.ClientOpts(group)...)
	s.Require().NoError(err)
	s.T().Cleanup(client.Close)
	s.Require().NoError(platformkafka.EnsureTopics(ctx, client, 1, 1, topic))
	s.Require().NoError(b.Attach(client))
	return b
}

func envelope(correlationID string) queue.Envelope {
	return queue.Envelope{
		ID:    uuid.NewString(),
		Event: &audit.Event{Action: "record.read", OrganizationID: "o1", CorrelationID: correlationID, Hash: "h"},
	}
}

func (s *BrokerSuite) consumeN(b *kafka.Broker, n int) []queue.Lease {
	var leases []queue.Lease
	s.Require().Eventually(func() bool {
		got, err := b.Consume(context.Background(), n-len(leases), time.Minute)
		s.Require().NoError(err)
		leases = append(leases, got...)
		return len(leases) >= n
	}, 30*time.Second, 50*time.Millisecond)
	return leases
}

func (s *BrokerSuite) TestPublishConsumeAck() {
	ctx := context.Background()
	topic := "audit-" + uuid.NewString()
	b := s.newBroker(topic, "g-"+uuid.NewString())

	env := envelope("c-1")
	s.Require().NoError(b.Publish(ctx, env))
	leases := s.consumeN(b, 1)
	s.Equal(env.ID, leases[0].Envelope.ID)
	s.Require().NoError(b.Ack(ctx, leases[0].ID))
}

func (s *BrokerSuite) TestNackHoldsRecordUntilDue() {
	ctx := context.Background()
	now := time.Now()
	clock := func() time.Time { return now }
	topic := "audit-" + uuid.NewString()

	b := kafka.New(topic, kafka.WithPollWait(200*time.Millisecond), kafka.WithClock(clock))
	client, err := platformkafka.NewClient(ctx, platformkafka.Config{Brokers: []string{s.redpanda.SeedBroker}}, nil, b.ClientOpts("g-"+uuid.NewString())...)
	s.Require().NoError(err)
	defer client.Close()
	s.Require().NoError(platformkafka.EnsureTopics(ctx, client, 1, 1, topic))
	s.Require().NoError(b.Attach(client))

	s.Require().NoError(b.Publish(ctx, envelope("c-1")))
	leases := s.consumeN(b, 1)
	s.Require().NoError(b.Nack(ctx, leases[0].ID, queue.DeliveryAttempt{
		AttemptNumber: 1,
		NextRetryAt:   now.Add(time.Minute),
		LastError:     "boom",
	}))

	none, err := b.Consume(ctx, 1, time.Minute)
	s.Require().NoError(err)
	s.Empty(none)

	now = now.Add(time.Minute)
	again, err := b.Consume(ctx, 1, time.Minute)
	s.Require().NoError(err)
	s.Require().Len(again, 1)
	s.Equal(1, again[0].Envelope.Attempts)
	s.Equal("boom", again[0].Envelope.LastError)
}

// Offsets are committed only up to the first unacked record, so the next
// group member resumes at it.
func (s *BrokerSuite) TestCommitsContiguousOffsetsOnly() {
	ctx := context.Background()
	topic := "audit-" + uuid.NewString()
	group := "g-" + uuid.NewString()
	cfg := platformkafka.Config{Brokers: []string{s.redpanda.SeedBroker}}

	first := kafka.New(topic, kafka.WithPollWait(500*time.Millisecond))
	firstClient, err := platformkafka.NewClient(ctx, cfg, nil, first.ClientOpts(group)...)
	s.Require().NoError(err)
	s.Require().NoError(platformkafka.EnsureTopics(ctx, firstClient, 1, 1, topic))
	s.Require().NoError(first.Attach(firstClient))

	for _, id := range []string{"c-1", "c-2", "c-3"} {
		s.Require().NoError(first.Publish(ctx, envelope(id)))
	}
	leases := s.consumeN(first, 3)
	s.Require().NoError(first.Ack(ctx, leases[0].ID))
	s.Require().NoError(first.Ack(ctx, leases[2].ID))
	firstClient.Close()

	second := s.newBroker(topic, group)
	redelivered := s.consumeN(second, 2)
	s.Equal("c-2", redelivered[0].Envelope.Event.CorrelationID)
	s.Equal("c-3", redelivered[1].Envelope.Event.CorrelationID)
}

func (s *BrokerSuite) TestUndecodableRecordIsLeasedWithItsPayload() {
	ctx := context.Background()
	topic := "audit-" + uuid.NewString()
	group := "g-" + uuid.NewString()
	cfg := platformkafka.Config{Brokers: []string{s.redpanda.SeedBroker}}

	first := kafka.New(topic, kafka.WithPollWait(500*time.Millisecond))
	client, err := platformkafka.NewClient(ctx, cfg, nil, first.ClientOpts(group)...)
	s.Require().NoError(err)
	s.Require().NoError(platformkafka.EnsureTopics(ctx, client, 1, 1, topic))
	s.Require().NoError(first.Attach(client))

	s.Require().NoError(client.ProduceSync(ctx, &kgo.Record{Topic: topic, Value: []byte("{not json")}).FirstErr())
	s.Require().NoError(first.Publish(ctx, envelope("c-1")))

	leases := s.consumeN(first, 2)
	s.True(leases[0].Undecodable())
	s.Equal([]byte("{not json"), leases[0].Payload)
	s.Error(first.Nack(ctx, leases[0].ID, queue.DeliveryAttempt{AttemptNumber: 1, NextRetryAt: time.Now()}))
	s.False(leases[1].Undecodable())

	s.Require().NoError(first.Ack(ctx, leases[0].ID))
	client.Close()

	// The acked corrupt record is committed; the unacked good one comes back.
	second := s.newBroker(topic, group)
	redelivered := s.consumeN(second, 1)
	s.False(redelivered[0].Undecodable())
	s.Equal("c-1", redelivered[0].Envelope.Event.CorrelationID)
}
