package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32
}

type NSQ struct {
	NsqdTCPAddr       string // e.g. nsqd:4150
	RecoveryTopic     string // topic for recovery notifications
	DLQTopic          string // dead letter topic for exhausted events
	PublishDLQ        bool   // whether exhausted events are published to DLQ
	PublishRecoveries bool   // false logs recovery notifications instead
}

type Webhook struct {
	Secret          string // global shared secret, used when a tenant has none
	SignatureHeader string
	TopicHeader     string
	DomainHeader    string
	WebhookIDHeader string
	MaxBodyBytes    int64
	AutoRegister    bool // register unknown shop domains once their first webhook verifies
}

// Lane is the concurrency ceiling and rate window of one priority lane.
type Lane struct {
	Concurrency int
	IntervalCap int // executions allowed per Interval
	Interval    time.Duration
	Capacity    int // in-memory backlog size
}

type Queue struct {
	High           Lane
	Normal         Lane
	Low            Lane
	DedupTTL       time.Duration
	ProcessTimeout time.Duration
	MaxRetries     int
	RetryBatchSize int
	StaleAfter     time.Duration // PENDING/PROCESSING rows older than this are orphans
}

type Dedup struct {
	Backend  string // memory | redis
	RedisURL string
}

type Detector struct {
	CartThreshold     time.Duration
	CheckoutThreshold time.Duration
	BatchSize         int
}

type Schedule struct {
	CartScan     string
	CheckoutScan string
	RetrySweep   string
	Recovery     string
	Rollup       string
	Archive      string
}

type Recovery struct {
	Cadence   []time.Duration // offsets from abandonment: first, second, final
	BatchSize int
}

type Archive struct {
	Enabled   bool
	Retention time.Duration
	BatchSize int
	Bucket    string
	Prefix    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

type Auth struct {
	JWTPublicKey string // PEM; empty disables the operator tenant boundary
	Issuer       string
	Audience     string
}

type Config struct {
	AppName            string
	HTTPPort           string // :8080
	GRPCPort           string // :50051
	StoreDriver        string // postgres | memory
	HighValueThreshold float64
	DB                 DB
	NSQ                NSQ
	Webhook            Webhook
	Queue              Queue
	Dedup              Dedup
	Detector           Detector
	Schedule           Schedule
	Recovery           Recovery
	Archive            Archive
	Auth               Auth
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func defaultCadence() []time.Duration {
	return []time.Duration{time.Hour, 24 * time.Hour, 72 * time.Hour}
}

// parseCadence reads a comma separated duration list. Exactly three valid
// entries are required, anything else falls back to 1h,24h,72h.
func parseCadence(cadence string) []time.Duration {
	if cadence == "" {
		return defaultCadence()
	}

	parts := strings.Split(cadence, ",")
	durations := make([]time.Duration, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil && d > 0 {
			durations = append(durations, d)
		}
	}

	if len(durations) != 3 {
		return defaultCadence()
	}

	return durations
}

func lane(prefix string, concurrency, intervalCap int, interval time.Duration) Lane {
	return Lane{
		Concurrency: getenvInt(prefix+"_CONCURRENCY", concurrency),
		IntervalCap: getenvInt(prefix+"_INTERVAL_CAP", intervalCap),
		Interval:    getenvDuration(prefix+"_INTERVAL", interval),
		Capacity:    getenvInt(prefix+"_CAPACITY", 10000),
	}
}

// maxRetries is the schema's ceiling on webhook_events.retry_count.
const maxRetries = 3

// retryBudget rejects retry counts the schema cannot hold, keeping the
// ceiling instead.
func retryBudget(n int) int {
	if n < 1 || n > maxRetries {
		return maxRetries
	}
	return n
}

func FromEnv() Config {
	return Config{
		AppName:            getenv("APP_NAME", "cartsentinel"),
		HTTPPort:           getenv("HTTP_PORT", ":8080"),
		GRPCPort:           getenv("GRPC_PORT", ":50051"),
		StoreDriver:        getenv("STORE_DRIVER", "postgres"),
		HighValueThreshold: getenvFloat("HIGH_VALUE_THRESHOLD", 500),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "cartsentinel"),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 10)),
		},
		NSQ: NSQ{
			NsqdTCPAddr:       getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			RecoveryTopic:     getenv("NSQ_RECOVERY_TOPIC", "recovery_notifications"),
			DLQTopic:          getenv("NSQ_DLQ_TOPIC", "webhook_events_dlq"),
			PublishDLQ:        getenvBool("PUBLISH_DLQ_TOPIC", false),
			PublishRecoveries: getenvBool("PUBLISH_RECOVERY_TOPIC", false),
		},
		Webhook: Webhook{
			Secret:          getenv("WEBHOOK_SECRET", ""),
			SignatureHeader: getenv("WEBHOOK_SIGNATURE_HEADER", "X-Shopify-Hmac-Sha256"),
			TopicHeader:     getenv("WEBHOOK_TOPIC_HEADER", "X-Shopify-Topic"),
			DomainHeader:    getenv("WEBHOOK_DOMAIN_HEADER", "X-Shopify-Shop-Domain"),
			WebhookIDHeader: getenv("WEBHOOK_ID_HEADER", "X-Shopify-Webhook-Id"),
			MaxBodyBytes:    int64(getenvInt("WEBHOOK_MAX_BODY_BYTES", 1<<20)),
			AutoRegister:    getenvBool("AUTO_REGISTER_TENANTS", false),
		},
		Queue: Queue{
			High:           lane("LANE_HIGH", 5, 10, time.Second),
			Normal:         lane("LANE_NORMAL", 3, 5, time.Second),
			Low:            lane("LANE_LOW", 2, 3, 2*time.Second),
			DedupTTL:       getenvDuration("DEDUP_TTL", 5*time.Minute),
			ProcessTimeout: getenvDuration("PROCESS_TIMEOUT", 30*time.Second),
			MaxRetries:     retryBudget(getenvInt("MAX_RETRIES", maxRetries)),
			RetryBatchSize: getenvInt("RETRY_BATCH_SIZE", 10),
			StaleAfter:     getenvDuration("STALE_AFTER", 15*time.Minute),
		},
		Dedup: Dedup{
			Backend:  getenv("DEDUP_BACKEND", "memory"),
			RedisURL: getenv("REDIS_URL", "redis://redis:6379/0"),
		},
		Detector: Detector{
			CartThreshold:     getenvDuration("CART_ABANDON_THRESHOLD", 30*time.Minute),
			CheckoutThreshold: getenvDuration("CHECKOUT_ABANDON_THRESHOLD", 60*time.Minute),
			BatchSize:         getenvInt("DETECTOR_BATCH_SIZE", 500),
		},
		Schedule: Schedule{
			CartScan:     getenv("SCHEDULE_CART_SCAN", "@every 10m"),
			CheckoutScan: getenv("SCHEDULE_CHECKOUT_SCAN", "@every 15m"),
			RetrySweep:   getenv("SCHEDULE_RETRY_SWEEP", "@every 5m"),
			Recovery:     getenv("SCHEDULE_RECOVERY", "@every 1m"),
			Rollup:       getenv("SCHEDULE_ROLLUP", "0 2 * * *"),
			Archive:      getenv("SCHEDULE_ARCHIVE", "0 4 * * *"),
		},
		Recovery: Recovery{
			Cadence:   parseCadence(getenv("RECOVERY_CADENCE", "")),
			BatchSize: getenvInt("RECOVERY_BATCH_SIZE", 50),
		},
		Archive: Archive{
			Enabled:   getenvBool("ARCHIVE_ENABLED", false),
			Retention: getenvDuration("ARCHIVE_RETENTION", 90*24*time.Hour),
			BatchSize: getenvInt("ARCHIVE_BATCH_SIZE", 1000),
			Bucket:    getenv("ARCHIVE_BUCKET", "cartsentinel-archive"),
			Prefix:    getenv("ARCHIVE_PREFIX", "webhook-events"),
			Endpoint:  getenv("ARCHIVE_S3_ENDPOINT", ""),
			Region:    getenv("ARCHIVE_S3_REGION", "us-east-1"),
			AccessKey: getenv("ARCHIVE_S3_ACCESS_KEY", ""),
			SecretKey: getenv("ARCHIVE_S3_SECRET_KEY", ""),
		},
		Auth: Auth{
			JWTPublicKey: getenv("JWT_PUBLIC_KEY", ""),
			Issuer:       getenv("JWT_ISSUER", "cartsentinel-auth"),
			Audience:     getenv("JWT_AUDIENCE", "cartsentinel-api"),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
