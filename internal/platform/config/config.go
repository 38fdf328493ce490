// Package config loads the engine configuration from the environment. A
// .env file in the working directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	platformstrings "github.com/smedrec/smart-logs-sub000/pkg/platform/strings"
)

// Broker kinds.
const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
	BrokerKafka  = "kafka"
)

// Signing modes.
const (
	SigningHMAC = "hmac"
	SigningKMS  = "kms"
)

type Config struct {
	Environment string
	Server      Server
	Log         Log
	Postgres    Postgres
	Redis       RedisConfig
	Kafka       Kafka
	Broker      string
	Integrity   Integrity
	Queue       Queue
	Breaker     Breaker
	Monitor     Monitor
	Validator   Validator
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	AdminToken      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type Log struct {
	Level  string
	Format string
}

type Postgres struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig configures the shared Redis client. An empty URL leaves Redis
// unconfigured.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Kafka struct {
	Brokers           []string
	ClientID          string
	EventsTopic       string
	ConsumerGroup     string
	AlertsTopic       string
	Partitions        int32
	ReplicationFactor int16
}

// Integrity selects the digest algorithm and the single active signing path.
type Integrity struct {
	Algorithm      string
	SigningEnabled bool
	SigningMode    string
	HMACSecret     string
	HMACAlgorithm  string
	KMSBaseURL     string
	KMSKeyID       string
	KMSToken       string
	KMSAlgorithm   string
	KMSTimeout     time.Duration
}

type Queue struct {
	Workers           int
	BatchSize         int
	VisibilityTimeout time.Duration
	AttemptTimeout    time.Duration
	PollInterval      time.Duration
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Multiplier        float64
	Jitter            float64
}

type Breaker struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
}

type Monitor struct {
	RulesFile             string
	Window                time.Duration
	CooldownTTL           time.Duration
	AuthFailureThreshold  int
	AccessVolumeThreshold int
	BulkResourceThreshold int
	WebhookURL            string
	WebhookToken          string
	WebhookRate           float64
	WebhookBurst          int
	WebhookTimeout        time.Duration
}

type Validator struct {
	MaxDetailsProperties int
	MaxDetailsDepth      int
	MaxDetailsBytes      int
	MaxClockSkew         time.Duration
}

// FromEnv builds the configuration and validates it.
func FromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: Server{
			Addr:            getEnv("AUDIT_ADDR", ":8080"),
			AdminToken:      getEnv("ADMIN_API_TOKEN", ""),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Log: Log{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Postgres: Postgres{
			DSN:             getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", ""),
			PoolSize:     getEnvAsInt("REDIS_POOL_SIZE", 20),
			MinIdleConns: getEnvAsInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvAsDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvAsDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvAsDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: Kafka{
			Brokers:           getEnvAsList("KAFKA_BROKERS"),
			ClientID:          getEnv("KAFKA_CLIENT_ID", "audit-engine"),
			EventsTopic:       getEnv("KAFKA_EVENTS_TOPIC", "audit-events"),
			ConsumerGroup:     getEnv("KAFKA_CONSUMER_GROUP", "audit-workers"),
			AlertsTopic:       getEnv("KAFKA_ALERTS_TOPIC", ""),
			Partitions:        int32(getEnvAsInt("KAFKA_PARTITIONS", 12)),
			ReplicationFactor: int16(getEnvAsInt("KAFKA_REPLICATION_FACTOR", 1)),
		},
		Broker: getEnv("QUEUE_BROKER", BrokerMemory),
		Integrity: Integrity{
			Algorithm:      getEnv("INTEGRITY_HASH_ALGORITHM", "SHA-256"),
			SigningEnabled: getEnvAsBool("INTEGRITY_SIGNING_ENABLED", false),
			SigningMode:    getEnv("INTEGRITY_SIGNING_MODE", ""),
			HMACSecret:     getEnv("INTEGRITY_HMAC_SECRET", ""),
			HMACAlgorithm:  getEnv("INTEGRITY_HMAC_ALGORITHM", "HMAC-SHA256"),
			KMSBaseURL:     getEnv("KMS_BASE_URL", ""),
			KMSKeyID:       getEnv("KMS_KEY_ID", ""),
			KMSToken:       getEnv("KMS_ACCESS_TOKEN", ""),
			KMSAlgorithm:   getEnv("KMS_SIGNING_ALGORITHM", "RSASSA_PSS_SHA_256"),
			KMSTimeout:     getEnvAsDuration("KMS_TIMEOUT", 10*time.Second),
		},
		Queue: Queue{
			Workers:           getEnvAsInt("QUEUE_WORKERS", 4),
			BatchSize:         getEnvAsInt("QUEUE_BATCH_SIZE", 16),
			VisibilityTimeout: getEnvAsDuration("QUEUE_VISIBILITY_TIMEOUT", 2*time.Minute),
			AttemptTimeout:    getEnvAsDuration("QUEUE_ATTEMPT_TIMEOUT", 30*time.Second),
			PollInterval:      getEnvAsDuration("QUEUE_POLL_INTERVAL", 250*time.Millisecond),
			MaxAttempts:       getEnvAsInt("QUEUE_MAX_ATTEMPTS", 5),
			BaseDelay:         getEnvAsDuration("QUEUE_RETRY_BASE_DELAY", time.Second),
			MaxDelay:          getEnvAsDuration("QUEUE_RETRY_MAX_DELAY", 5*time.Minute),
			Multiplier:        getEnvAsFloat("QUEUE_RETRY_MULTIPLIER", 2),
			Jitter:            getEnvAsFloat("QUEUE_RETRY_JITTER", 0.1),
		},
		Breaker: Breaker{
			FailureThreshold: getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
			SuccessThreshold: getEnvAsInt("BREAKER_SUCCESS_THRESHOLD", 1),
			Cooldown:         getEnvAsDuration("BREAKER_COOLDOWN", 30*time.Second),
		},
		Monitor: Monitor{
			RulesFile:             getEnv("MONITOR_RULES_FILE", ""),
			Window:                getEnvAsDuration("MONITOR_WINDOW", 5*time.Minute),
			CooldownTTL:           getEnvAsDuration("MONITOR_COOLDOWN_TTL", 5*time.Minute),
			AuthFailureThreshold:  getEnvAsInt("MONITOR_AUTH_FAILURE_THRESHOLD", 5),
			AccessVolumeThreshold: getEnvAsInt("MONITOR_ACCESS_VOLUME_THRESHOLD", 100),
			BulkResourceThreshold: getEnvAsInt("MONITOR_BULK_RESOURCE_THRESHOLD", 50),
			WebhookURL:            getEnv("ALERT_WEBHOOK_URL", ""),
			WebhookToken:          getEnv("ALERT_WEBHOOK_TOKEN", ""),
			WebhookRate:           getEnvAsFloat("ALERT_WEBHOOK_RATE", 5),
			WebhookBurst:          getEnvAsInt("ALERT_WEBHOOK_BURST", 10),
			WebhookTimeout:        getEnvAsDuration("ALERT_WEBHOOK_TIMEOUT", 5*time.Second),
		},
		Validator: Validator{
			MaxDetailsProperties: getEnvAsInt("VALIDATOR_MAX_DETAILS_PROPERTIES", 100),
			MaxDetailsDepth:      getEnvAsInt("VALIDATOR_MAX_DETAILS_DEPTH", 5),
			MaxDetailsBytes:      getEnvAsInt("VALIDATOR_MAX_DETAILS_BYTES", 16*1024),
			MaxClockSkew:         getEnvAsDuration("VALIDATOR_MAX_CLOCK_SKEW", 5*time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.IsProduction() && c.Server.AdminToken == "" {
		errs = append(errs, errors.New("ADMIN_API_TOKEN is required in production"))
	}
	switch c.Broker {
	case BrokerMemory:
	case BrokerRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis broker"))
		}
	case BrokerKafka:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required for the kafka broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_BROKER %q", c.Broker))
	}

	if c.Integrity.SigningEnabled {
		hmacSet := c.Integrity.HMACSecret != ""
		kmsSet := c.Integrity.KMSBaseURL != ""
		switch c.Integrity.SigningMode {
		case SigningHMAC:
			if !hmacSet {
				errs = append(errs, errors.New("INTEGRITY_HMAC_SECRET is required for hmac signing"))
			}
			if kmsSet {
				errs = append(errs, errors.New("KMS_BASE_URL must not be set with hmac signing"))
			}
		case SigningKMS:
			if !kmsSet || c.Integrity.KMSKeyID == "" {
				errs = append(errs, errors.New("KMS_BASE_URL and KMS_KEY_ID are required for kms signing"))
			}
			if hmacSet {
				errs = append(errs, errors.New("INTEGRITY_HMAC_SECRET must not be set with kms signing"))
			}
		default:
			errs = append(errs, fmt.Errorf("INTEGRITY_SIGNING_MODE must be %q or %q", SigningHMAC, SigningKMS))
		}
	}

	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, errors.New("QUEUE_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Queue.Multiplier < 1 {
		errs = append(errs, errors.New("QUEUE_RETRY_MULTIPLIER must be at least 1"))
	}
	if c.Queue.Jitter < 0 || c.Queue.Jitter >= 1 {
		errs = append(errs, errors.New("QUEUE_RETRY_JITTER must be in [0, 1)"))
	}
	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, errors.New("BREAKER_FAILURE_THRESHOLD must be at least 1"))
	}
	if c.Monitor.CooldownTTL <= 0 {
		errs = append(errs, errors.New("MONITOR_COOLDOWN_TTL must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string) []string {
	return platformstrings.SplitList(os.Getenv(key), ",")
}
