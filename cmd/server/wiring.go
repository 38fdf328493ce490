package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/smedrec/smart-logs-sub000/internal/admin"
	"github.com/smedrec/smart-logs-sub000/internal/audit/deadletter"
	dlpostgres "github.com/smedrec/smart-logs-sub000/internal/audit/deadletter/postgres"
	"github.com/smedrec/smart-logs-sub000/internal/audit/integrity"
	"github.com/smedrec/smart-logs-sub000/internal/audit/integrity/kms"
	"github.com/smedrec/smart-logs-sub000/internal/audit/queue"
	kafkabroker "github.com/smedrec/smart-logs-sub000/internal/audit/queue/broker/kafka"
	memorybroker "github.com/smedrec/smart-logs-sub000/internal/audit/queue/broker/memory"
	"github.com/smedrec/smart-logs-sub000/internal/audit/queue/broker/redisstream"
	"github.com/smedrec/smart-logs-sub000/internal/audit/store"
	memorystore "github.com/smedrec/smart-logs-sub000/internal/audit/store/memory"
	pgstore "github.com/smedrec/smart-logs-sub000/internal/audit/store/postgres"
	"github.com/smedrec/smart-logs-sub000/internal/monitor/cooldown"
	"github.com/smedrec/smart-logs-sub000/internal/monitor/detector"
	"github.com/smedrec/smart-logs-sub000/internal/monitor/handlers"
	"github.com/smedrec/smart-logs-sub000/internal/platform/config"
	"github.com/smedrec/smart-logs-sub000/internal/platform/kafka"
	"github.com/smedrec/smart-logs-sub000/internal/platform/postgres"
	"github.com/smedrec/smart-logs-sub000/internal/platform/redis"
)

// infra holds the external connections; any of them may be nil when not
// configured.
type infra struct {
	db          *sql.DB
	redis       *redis.Client
	queueKafka  *kgo.Client
	alertsKafka *kgo.Client
}

func openInfra(ctx context.Context, cfg *config.Config, log *slog.Logger) (*infra, error) {
	in := &infra{}
	if cfg.Postgres.DSN != "" {
		db, err := postgres.Open(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		in.db = db
		if err := postgres.Migrate(ctx, db); err != nil {
			in.Close()
			return nil, err
		}
	} else {
		log.Warn("DATABASE_URL not set; events, alerts and dead letters are kept in memory")
	}

	rc, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		in.Close()
		return nil, err
	}
	in.redis = rc
	return in, nil
}

func (in *infra) Close() {
	if in.queueKafka != nil {
		in.queueKafka.Close()
	}
	if in.alertsKafka != nil {
		in.alertsKafka.Close()
	}
	if in.redis != nil {
		_ = in.redis.Close()
	}
	if in.db != nil {
		_ = in.db.Close()
	}
}

func (in *infra) healthChecks() map[string]admin.HealthCheck {
	checks := map[string]admin.HealthCheck{}
	if in.db != nil {
		checks["postgres"] = in.db.PingContext
	}
	if in.redis != nil {
		checks["redis"] = in.redis.Health
	}
	if in.queueKafka != nil {
		checks["kafka"] = in.queueKafka.Ping
	}
	return checks
}

type stores struct {
	events      store.EventStore
	alerts      store.AlertStore
	deadLetters deadletter.Store
}

func buildStores(in *infra) stores {
	if in.db != nil {
		s := pgstore.New(in.db)
		return stores{events: s, alerts: s, deadLetters: dlpostgres.New(in.db)}
	}
	s := memorystore.New()
	return stores{events: s, alerts: s, deadLetters: deadletter.NewInMemoryStore()}
}

// buildIntegrity configures the digest algorithm and at most one signer.
func buildIntegrity(cfg config.Integrity, log *slog.Logger) (*integrity.Unit, error) {
	alg, err := integrity.ParseAlgorithm(cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	opts := []integrity.Option{integrity.WithAlgorithm(alg)}

	if cfg.SigningEnabled {
		var signer integrity.Signer
		switch cfg.SigningMode {
		case config.SigningHMAC:
			signer, err = integrity.NewHMACSigner([]byte(cfg.HMACSecret), cfg.HMACAlgorithm)
		case config.SigningKMS:
			var client *kms.Client
			client, err = kms.NewClient(cfg.KMSBaseURL, cfg.KMSKeyID,
				kms.WithToken(cfg.KMSToken),
				kms.WithHTTPClient(&http.Client{Timeout: cfg.KMSTimeout}),
				kms.WithLogger(log.With("component", "kms")),
			)
			if err == nil {
				signer, err = integrity.NewKMSSigner(client, kms.SigningAlgorithm(cfg.KMSAlgorithm))
			}
		default:
			err = fmt.Errorf("unknown signing mode %q", cfg.SigningMode)
		}
		if err != nil {
			return nil, fmt.Errorf("build signer: %w", err)
		}
		opts = append(opts, integrity.WithSigner(signer))
	}

	unit, err := integrity.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("build integrity unit: %w", err)
	}
	return unit, nil
}

func buildBroker(ctx context.Context, cfg *config.Config, in *infra, log *slog.Logger) (queue.Broker, error) {
	switch cfg.Broker {
	case config.BrokerRedis:
		if in.redis == nil {
			return nil, fmt.Errorf("redis broker selected but REDIS_URL is empty")
		}
		b, err := redisstream.New(ctx, in.redis.Client)
		if err != nil {
			return nil, fmt.Errorf("build redis stream broker: %w", err)
		}
		return b, nil

	case config.BrokerKafka:
		b := kafkabroker.New(cfg.Kafka.EventsTopic, kafkabroker.WithLogger(log.With("component", "kafka-broker")))
		client, err := kafka.NewClient(ctx, kafkaConfig(cfg.Kafka), log, b.ClientOpts(cfg.Kafka.ConsumerGroup)...)
		if err != nil {
			return nil, err
		}
		in.queueKafka = client
		if err := kafka.EnsureTopics(ctx, client, cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor, cfg.Kafka.EventsTopic); err != nil {
			return nil, err
		}
		if err := b.Attach(client); err != nil {
			return nil, err
		}
		return b, nil

	default:
		log.Warn("using the in-memory broker; queued events do not survive a restart")
		return memorybroker.New(), nil
	}
}

func buildCooldown(in *infra) cooldown.Cache {
	if in.redis != nil {
		return cooldown.NewRedis(in.redis.Client)
	}
	return cooldown.NewMemory()
}

func buildAlertHandlers(ctx context.Context, cfg *config.Config, in *infra, log *slog.Logger) ([]handlers.Handler, error) {
	hs := []handlers.Handler{handlers.NewConsole(log.With("component", "alerts"))}
	if in.db != nil {
		hs = append(hs, handlers.NewDatabase(in.db))
	}

	if cfg.Monitor.WebhookURL != "" {
		headers := map[string]string{}
		if cfg.Monitor.WebhookToken != "" {
			headers["Authorization"] = "Bearer " + cfg.Monitor.WebhookToken
		}
		wh, err := handlers.NewWebhook(handlers.WebhookConfig{
			URL:     cfg.Monitor.WebhookURL,
			Timeout: cfg.Monitor.WebhookTimeout,
			Rate:    cfg.Monitor.WebhookRate,
			Burst:   cfg.Monitor.WebhookBurst,
			Headers: headers,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("build webhook handler: %w", err)
		}
		hs = append(hs, wh)
	}

	if cfg.Kafka.AlertsTopic != "" {
		kcfg := kafkaConfig(cfg.Kafka)
		kcfg.ClientID += "-alerts"
		client, err := kafka.NewClient(ctx, kcfg, log)
		if err != nil {
			return nil, err
		}
		in.alertsKafka = client
		if err := kafka.EnsureTopics(ctx, client, cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor, cfg.Kafka.AlertsTopic); err != nil {
			return nil, err
		}
		hs = append(hs, handlers.NewKafka(client, cfg.Kafka.AlertsTopic))
	}
	return hs, nil
}

func loadRules(cfg config.Monitor) (detector.Rules, error) {
	if cfg.RulesFile != "" {
		return detector.LoadRules(cfg.RulesFile)
	}
	rules := detector.DefaultRules()
	rules.Window = cfg.Window
	rules.RepeatedAuthFailure.Threshold = cfg.AuthFailureThreshold
	rules.UnusualAccessVolume.Threshold = cfg.AccessVolumeThreshold
	rules.BulkResourceAccess.DistinctResources = cfg.BulkResourceThreshold
	return rules, nil
}

func kafkaConfig(cfg config.Kafka) kafka.Config {
	return kafka.Config{
		Brokers:           cfg.Brokers,
		ClientID:          cfg.ClientID,
		DialTimeout:       10 * time.Second,
		Partitions:        cfg.Partitions,
		ReplicationFactor: cfg.ReplicationFactor,
	}
}
