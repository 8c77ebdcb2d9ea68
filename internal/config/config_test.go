package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReadsBrokerOptions(t *testing.T) {
	t.Setenv("REDIS_HOST", "broker.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("MAX_ATTEMPTS", "3")
	t.Setenv("BACKOFF_BASE", "500ms")
	t.Setenv("PRIORITY_QUEUES", "high, low ,")

	cfg := Load()
	assert.Equal(t, "broker.internal:6380", cfg.Broker.Addr())
	assert.Equal(t, 3, cfg.Broker.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Broker.BackoffBase)
	assert.Equal(t, []string{"high", "low"}, cfg.PriorityQueues)
}

func TestValidateFailsFastOnMissingOptions(t *testing.T) {
	t.Setenv("REDIS_HOST", "")
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_KEY", "")

	err := Load().Validate(RoleAPI)
	require.Error(t, err)
	for _, want := range []string{"REDIS_HOST", "POSTGRES_DSN", "SUPABASE_URL", "SUPABASE_KEY"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateWorkerDoesNotNeedProvider(t *testing.T) {
	t.Setenv("REDIS_HOST", "localhost")
	t.Setenv("POSTGRES_DSN", "postgres://localhost/platform")
	t.Setenv("SUPABASE_URL", "")

	require.NoError(t, Load().Validate(RoleWorker))
	assert.Error(t, Load().Validate(RoleAPI))
}

func TestValidateRejectsInvertedBackoff(t *testing.T) {
	cfg := Load()
	cfg.PostgresDSN = "postgres://localhost/platform"
	cfg.Broker.Host = "localhost"
	cfg.Broker.BackoffBase = time.Minute
	cfg.Broker.BackoffMax = time.Second

	err := cfg.Validate(RoleWorker)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BACKOFF_MAX")
}

func TestValidateReportsMalformedValues(t *testing.T) {
	t.Setenv("REDIS_HOST", "localhost")
	t.Setenv("POSTGRES_DSN", "postgres://localhost/platform")
	t.Setenv("MAX_ATTEMPTS", "abc")
	t.Setenv("VISIBILITY_TIMEOUT", "30")
	t.Setenv("MEDIA_S3_PATH_STYLE", "sometimes")
	t.Setenv("PRIORITY_QUEUES", " , ")

	cfg := Load()
	// the defaults still apply so the rest of Load stays usable
	assert.Equal(t, 5, cfg.Broker.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.VisibilityTimeout)

	err := cfg.Validate(RoleWorker)
	require.Error(t, err)
	for _, want := range []string{`MAX_ATTEMPTS="abc"`, `VISIBILITY_TIMEOUT="30"`, "MEDIA_S3_PATH_STYLE", "PRIORITY_QUEUES"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateAcceptsWellFormedValues(t *testing.T) {
	t.Setenv("REDIS_HOST", "localhost")
	t.Setenv("POSTGRES_DSN", "postgres://localhost/platform")
	t.Setenv("MAX_ATTEMPTS", "7")
	t.Setenv("VISIBILITY_TIMEOUT", "45s")
	t.Setenv("RATE_LIMIT_REFILL_PER_SEC", "1.5")

	require.NoError(t, Load().Validate(RoleWorker))
}
