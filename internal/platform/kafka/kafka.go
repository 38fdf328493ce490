// Package kafka builds franz-go clients and provisions topics.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Config holds connection settings shared by producers and consumers.
type Config struct {
	Brokers           []string
	ClientID          string
	DialTimeout       time.Duration
	Partitions        int32
	ReplicationFactor int16
}

// NewClient creates a client and verifies connectivity. Extra options are
// appended after the defaults so callers can add consumer group settings.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger, opts ...kgo.Opt) (*kgo.Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	if cfg.ClientID != "" {
		base = append(base, kgo.ClientID(cfg.ClientID))
	}
	if cfg.DialTimeout > 0 {
		base = append(base, kgo.DialTimeout(cfg.DialTimeout))
	}
	if logger != nil {
		base = append(base, kgo.WithLogger(slogAdapter{logger: logger}))
	}

	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka ping failed: %w", err)
	}
	return client, nil
}

// EnsureTopics creates the topics that do not exist yet.
func EnsureTopics(ctx context.Context, client *kgo.Client, partitions int32, replicationFactor int16, topics ...string) error {
	if partitions <= 0 {
		partitions = 1
	}
	if replicationFactor <= 0 {
		replicationFactor = 1
	}
	admin := kadm.NewClient(client)
	resp, err := admin.CreateTopics(ctx, partitions, replicationFactor, nil, topics...)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for _, t := range resp.Sorted() {
		if t.Err != nil && !errors.Is(t.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", t.Topic, t.Err)
		}
	}
	return nil
}

// slogAdapter routes franz-go client logs into slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Level() kgo.LogLevel { return kgo.LogLevelWarn }

func (a slogAdapter) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	switch level {
	case kgo.LogLevelError:
		a.logger.Error(msg, keyvals...)
	case kgo.LogLevelWarn:
		a.logger.Warn(msg, keyvals...)
	case kgo.LogLevelInfo:
		a.logger.Info(msg, keyvals...)
	default:
		a.logger.Debug(msg, keyvals...)
	}
}
