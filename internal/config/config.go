package config

import (
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Roles a process can be started in. Validate checks the options each one needs.
const (
	RoleAPI    = "api"
	RoleWorker = "worker"
)

// Broker groups the queue connection and retry options.
type Broker struct {
	Host        string
	Port        int
	Password    string
	DB          int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Addr returns host:port for the redis client.
func (b Broker) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// Provider holds the identity provider endpoint and credentials.
type Provider struct {
	URL        string
	APIKey     string
	JWTSecret  string
	Timeout    time.Duration
	RatePerSec float64
}

// Media configures the thumbnail handler.
type Media struct {
	OutputDir     string
	S3Bucket      string
	S3Region      string
	S3Endpoint    string
	S3PathStyle   bool
	MaxBytes      int64
	DefaultWidth  int
	DefaultHeight int
}

// Config holds shared runtime configuration for the API and worker services.
type Config struct {
	Env         string
	LogLevel    string
	HTTPPort    string
	MetricsAddr string
	PostgresDSN string

	Broker   Broker
	Provider Provider
	Media    Media

	VisibilityTimeout   time.Duration
	WorkerPollInterval  time.Duration
	WorkerConcurrency   int
	PriorityQueues      []string
	DLQName             string
	ScheduledBatchSize  int
	QueueDepthThreshold int64
	IdempotencyTTL      time.Duration

	RateLimitCapacity int
	RateLimitRefill   float64

	JobRetention        time.Duration
	DeadLetterRetention time.Duration
	ReapInterval        time.Duration

	NotifyWebhookURL string
	FetchTimeout     time.Duration
	FetchMaxBytes    int64

	// malformed lists variables that were set but did not parse.
	malformed []string
}

// Load reads configuration from environment variables with defaults for local development.
// Required options have no default; call Validate before using the result.
func Load() Config {
	e := &env{}
	cfg := Config{
		Env:         e.getEnv("APP_ENV", "dev"),
		LogLevel:    e.getEnv("LOG_LEVEL", "info"),
		HTTPPort:    e.getEnv("HTTP_PORT", "8080"),
		MetricsAddr: e.getEnv("METRICS_ADDR", ":9090"),
		PostgresDSN: e.getEnv("POSTGRES_DSN", ""),
		Broker: Broker{
			Host:        e.getEnv("REDIS_HOST", ""),
			Port:        e.getEnvInt("REDIS_PORT", 6379),
			Password:    e.getEnv("REDIS_PASSWORD", ""),
			DB:          e.getEnvInt("REDIS_DB", 0),
			MaxAttempts: e.getEnvInt("MAX_ATTEMPTS", 5),
			BackoffBase: e.getEnvDuration("BACKOFF_BASE", 2*time.Second),
			BackoffMax:  e.getEnvDuration("BACKOFF_MAX", 5*time.Minute),
		},
		Provider: Provider{
			URL:        strings.TrimRight(e.getEnv("SUPABASE_URL", ""), "/"),
			APIKey:     e.getEnv("SUPABASE_KEY", ""),
			JWTSecret:  e.getEnv("SUPABASE_JWT_SECRET", ""),
			Timeout:    e.getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second),
			RatePerSec: e.getEnvFloat("PROVIDER_RATE_PER_SEC", 20),
		},
		Media: Media{
			OutputDir:     e.getEnv("MEDIA_OUTPUT_DIR", "./output"),
			S3Bucket:      e.getEnv("MEDIA_S3_BUCKET", ""),
			S3Region:      e.getEnv("MEDIA_S3_REGION", "us-east-1"),
			S3Endpoint:    e.getEnv("MEDIA_S3_ENDPOINT", ""),
			S3PathStyle:   e.getEnvBool("MEDIA_S3_PATH_STYLE", false),
			MaxBytes:      int64(e.getEnvInt("MEDIA_MAX_BYTES", 25*1024*1024)),
			DefaultWidth:  e.getEnvInt("MEDIA_DEFAULT_WIDTH", 320),
			DefaultHeight: e.getEnvInt("MEDIA_DEFAULT_HEIGHT", 0),
		},
		VisibilityTimeout:   e.getEnvDuration("VISIBILITY_TIMEOUT", 30*time.Second),
		WorkerPollInterval:  e.getEnvDuration("WORKER_POLL_INTERVAL", time.Second),
		WorkerConcurrency:   e.getEnvInt("WORKER_CONCURRENCY", 4),
		PriorityQueues:      e.getEnvList("PRIORITY_QUEUES", []string{"high", "default", "low"}),
		DLQName:             e.getEnv("DLQ_NAME", "jobs:dead"),
		ScheduledBatchSize:  e.getEnvInt("SCHEDULED_BATCH_SIZE", 100),
		QueueDepthThreshold: int64(e.getEnvInt("QUEUE_DEPTH_THRESHOLD", 10000)),
		IdempotencyTTL:      e.getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		RateLimitCapacity:   e.getEnvInt("RATE_LIMIT_CAPACITY", 10),
		RateLimitRefill:     e.getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 0.5),
		JobRetention:        e.getEnvDuration("JOB_RETENTION", 7*24*time.Hour),
		DeadLetterRetention: e.getEnvDuration("DEAD_LETTER_RETENTION", 30*24*time.Hour),
		ReapInterval:        e.getEnvDuration("REAP_INTERVAL", time.Hour),
		NotifyWebhookURL:    e.getEnv("NOTIFY_WEBHOOK_URL", ""),
		FetchTimeout:        e.getEnvDuration("FETCH_TIMEOUT", 15*time.Second),
		FetchMaxBytes:       int64(e.getEnvInt("FETCH_MAX_BYTES", 5*1024*1024)),
	}
	cfg.malformed = e.malformed
	return cfg
}

// Validate checks that every option the given role depends on is present and sane.
// All problems are reported at once.
func (c Config) Validate(role string) error {
	problems := slices.Clone(c.malformed)

	if c.PostgresDSN == "" {
		problems = append(problems, "POSTGRES_DSN is required")
	}
	if c.Broker.Host == "" {
		problems = append(problems, "REDIS_HOST is required")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		problems = append(problems, fmt.Sprintf("REDIS_PORT %d is out of range", c.Broker.Port))
	}
	if c.Broker.MaxAttempts < 1 {
		problems = append(problems, "MAX_ATTEMPTS must be at least 1")
	}
	if c.Broker.BackoffBase <= 0 {
		problems = append(problems, "BACKOFF_BASE must be positive")
	}
	if c.Broker.BackoffMax < c.Broker.BackoffBase {
		problems = append(problems, "BACKOFF_MAX must not be below BACKOFF_BASE")
	}
	if len(c.PriorityQueues) == 0 {
		problems = append(problems, "PRIORITY_QUEUES must name at least one queue")
	}

	switch role {
	case RoleAPI:
		if c.Provider.URL == "" {
			problems = append(problems, "SUPABASE_URL is required")
		}
		if c.Provider.APIKey == "" {
			problems = append(problems, "SUPABASE_KEY is required")
		}
		if c.RateLimitCapacity < 1 {
			problems = append(problems, "RATE_LIMIT_CAPACITY must be at least 1")
		}
	case RoleWorker:
		if c.WorkerConcurrency < 1 {
			problems = append(problems, "WORKER_CONCURRENCY must be at least 1")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown role %q", role))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// env reads variables for Load and remembers every value that failed to
// parse, so Validate can reject it instead of running on the default.
type env struct {
	malformed []string
}

func (e *env) bad(key, v, kind string) {
	e.malformed = append(e.malformed, fmt.Sprintf("%s=%q is not a valid %s", key, v, kind))
}

func (e *env) getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (e *env) getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.bad(key, v, "integer")
		return def
	}
	return i
}

func (e *env) getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.bad(key, v, "number")
		return def
	}
	return f
}

func (e *env) getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.bad(key, v, "boolean")
		return def
	}
	return b
}

func (e *env) getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.bad(key, v, "duration")
		return def
	}
	return d
}

func (e *env) getEnvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		e.bad(key, v, "comma-separated list")
		return def
	}
	return out
}
