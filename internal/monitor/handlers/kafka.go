package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/smedrec/smart-logs-sub000/internal/monitor/models"
)

// Producer is the subset of *kgo.Client used to publish alerts.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Kafka publishes alerts to a topic keyed by organization, so one
// organization's alerts stay ordered on a partition.
type Kafka struct {
	producer Producer
	topic    string
}

func NewKafka(producer Producer, topic string) *Kafka {
	return &Kafka{producer: producer, topic: topic}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Send(ctx context.Context, alert *models.Alert) error {
	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(alert.OrganizationID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "severity", Value: []byte(alert.Severity)},
			{Key: "type", Value: []byte(alert.Type)},
		},
	}
	if err := k.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce alert: %w", err)
	}
	return nil
}
