package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 1024, cfg.InboundQueueSize)
	assert.Equal(t, 30*time.Minute, cfg.IdleSessionExpiry)
	assert.Equal(t, 30*time.Second, cfg.DrainGracePeriod)
	assert.Empty(t, cfg.S3Bucket)
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("HUB_INBOUND_QUEUE_SIZE", "2048")
	t.Setenv("IDLE_SESSION_EXPIRY", "10m")
	t.Setenv("S3_SNAPSHOT_BUCKET", "collab-snapshots")

	cfg := Load()
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 2048, cfg.InboundQueueSize)
	assert.Equal(t, 10*time.Minute, cfg.IdleSessionExpiry)
	assert.Equal(t, "collab-snapshots", cfg.S3Bucket)
}

func TestResolveRedisAddrPrefersRedisAddr(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("REDIS_HOST", "ignored-host")
	t.Setenv("REDIS_PORT", "1111")
	assert.Equal(t, "redis.internal:6380", resolveRedisAddr())
}

func TestResolveRedisAddrFallsBackToHostPort(t *testing.T) {
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("REDIS_PORT", "6379")
	assert.Equal(t, "cache:6379", resolveRedisAddr())
}

func TestResolveRedisAddrDefaultsToLocalhost(t *testing.T) {
	assert.Equal(t, "localhost:6379", resolveRedisAddr())
}

func TestGetEnvIntFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("HUB_INBOUND_QUEUE_SIZE", "not-a-number")
	assert.Equal(t, 1024, getEnvInt("HUB_INBOUND_QUEUE_SIZE", 1024))
}

func TestGetEnvDurationFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("HUB_DRAIN_GRACE_PERIOD", "not-a-duration")
	assert.Equal(t, 30*time.Second, getEnvDuration("HUB_DRAIN_GRACE_PERIOD", 30*time.Second))
}
