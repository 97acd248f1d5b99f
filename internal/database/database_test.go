package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPoolConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := PoolConfig{URL: "postgres://localhost/app"}.withDefaults()

	assert.Equal(t, int32(10), cfg.MaxConns)
	assert.Equal(t, int32(2), cfg.MinConns)
	assert.Equal(t, 30*time.Minute, cfg.MaxConnLifetime)
	assert.Equal(t, 5*time.Minute, cfg.MaxConnIdleTime)
	assert.Equal(t, 30*time.Second, cfg.HealthCheckPeriod)
}

func TestPoolConfigExplicitValuesKept(t *testing.T) {
	t.Parallel()

	cfg := PoolConfig{
		URL:               "postgres://localhost/app",
		MaxConns:          4,
		MinConns:          1,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   time.Minute,
		HealthCheckPeriod: 10 * time.Second,
	}.withDefaults()

	assert.Equal(t, int32(4), cfg.MaxConns)
	assert.Equal(t, int32(1), cfg.MinConns)
	assert.Equal(t, time.Hour, cfg.MaxConnLifetime)
	assert.Equal(t, time.Minute, cfg.MaxConnIdleTime)
	assert.Equal(t, 10*time.Second, cfg.HealthCheckPeriod)
}
