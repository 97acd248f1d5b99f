package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "config-test-secret")
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/app")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, int32(10), cfg.DBMaxConns)
	assert.Equal(t, 30*time.Minute, cfg.DBConnLifetime)
	assert.Equal(t, 5*time.Minute, cfg.DBConnIdleTime)
	assert.Equal(t, 30*time.Second, cfg.DBHealthPeriod)
	assert.Equal(t, 15*time.Minute, cfg.JWTAccessTTL)
	assert.Equal(t, 168*time.Hour, cfg.JWTRefreshTTL)
	assert.Equal(t, int64(5), cfg.LoginMaxAttempts)
	assert.True(t, cfg.RegistrationOpen)
	assert.False(t, cfg.IsProduction())
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DB_CONN_LIFETIME", "1h")
	t.Setenv("DB_CONN_IDLE_TIME", "90s")
	t.Setenv("DB_HEALTH_CHECK_PERIOD", "10s")
	t.Setenv("LOGIN_MAX_ATTEMPTS", "3")
	t.Setenv("APP_ENV", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, time.Hour, cfg.DBConnLifetime)
	assert.Equal(t, 90*time.Second, cfg.DBConnIdleTime)
	assert.Equal(t, 10*time.Second, cfg.DBHealthPeriod)
	assert.Equal(t, int64(3), cfg.LoginMaxAttempts)
	assert.True(t, cfg.IsProduction())
}

func TestLoadRequiresSecretAndDatabase(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/app")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("JWT_SECRET", "config-test-secret")
	t.Setenv("DATABASE_URL", "")
	_, err = Load()
	require.Error(t, err)
}
