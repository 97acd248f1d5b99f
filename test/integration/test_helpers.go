//go:build integration

package integration

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/lef-zach/blog-sub000/internal/config"
	"github.com/lef-zach/blog-sub000/internal/database"
	"github.com/lef-zach/blog-sub000/internal/handler"
	"github.com/lef-zach/blog-sub000/internal/keyvalue"
	"github.com/lef-zach/blog-sub000/internal/middleware"
	"github.com/lef-zach/blog-sub000/internal/repository"
	"github.com/lef-zach/blog-sub000/internal/router"
	"github.com/lef-zach/blog-sub000/internal/service"
)

// openTestDB connects to the database named by DATABASE_URL and ensures the
// schema. Tests are skipped when the variable is unset so the suite stays
// runnable without a local Postgres.
func openTestDB(t *testing.T) *database.DB {
	t.Helper()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.New(ctx, database.PoolConfig{URL: databaseURL, MaxConns: 4, MinConns: 1})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, db.EnsureSchema(ctx))
	return db
}

func newStackServer(t *testing.T, db *database.DB) *httptest.Server {
	t.Helper()

	kv, err := keyvalue.OpenBolt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	svc, err := service.NewAuthService(service.AuthConfig{
		JWTSecret:          "integration-test-secret-0123456789",
		AccessTTL:          15 * time.Minute,
		RefreshTTL:         time.Hour,
		BcryptCost:         bcrypt.MinCost,
		LoginMaxAttempts:   5,
		LoginAttemptWindow: time.Hour,
		RegistrationOpen:   true,
	}, repository.NewUserRepository(db.Pool), repository.NewTokenRepository(db.Pool), kv)
	require.NoError(t, err)

	cfg := &config.Config{
		RequestTimeout:   10 * time.Second,
		CORSOrigins:      []string{"*"},
		RateLimitRPM:     10000,
		AuthRateLimitRPM: 10000,
	}

	authHandler := handler.NewAuthHandler(svc, handler.CookieConfig{Secure: false, MaxAge: time.Hour})
	server := httptest.NewServer(router.New(cfg, middleware.NewAuthMiddleware(svc), authHandler, handler.NewAdminHandler(svc)))
	t.Cleanup(server.Close)
	return server
}

// uniqueEmail keeps repeated runs against the same database from colliding
// on the unique email index.
func uniqueEmail(prefix string) string {
	return prefix + "-" + uuid.NewString() + "@example.com"
}
