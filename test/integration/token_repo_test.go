//go:build integration

package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/lef-zach/blog-sub000/internal/model"
	"github.com/lef-zach/blog-sub000/internal/repository"
)

func storedUser(t *testing.T, users *repository.UserRepository) model.User {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("repo-test-pass"), bcrypt.MinCost)
	require.NoError(t, err)

	now := time.Now().UTC()
	user := model.User{
		ID:           uuid.NewString(),
		Email:        uniqueEmail("repo"),
		PasswordHash: string(hash),
		Role:         model.RolePublic,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, users.Create(context.Background(), user))
	return user
}

// The consume step of rotation is a single conditional DELETE; under
// concurrent refreshes exactly one caller may observe a deleted row.
func TestConcurrentConsumeHasOneWinner(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	users := repository.NewUserRepository(db.Pool)
	tokens := repository.NewTokenRepository(db.Pool)
	user := storedUser(t, users)

	rec := model.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		TokenHash: "irrelevant-for-this-test",
		ExpiresAt: time.Now().Add(time.Hour).UTC(),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, tokens.Store(ctx, rec))

	const racers = 8
	counts := make([]int64, racers)
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func(i int) {
			defer wg.Done()
			count, err := tokens.DeleteByID(ctx, rec.ID)
			require.NoError(t, err)
			counts[i] = count
		}(i)
	}
	wg.Wait()

	var winners int64
	for _, count := range counts {
		winners += count
	}
	require.Equal(t, int64(1), winners)
}

func TestDeleteAllForUser(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	users := repository.NewUserRepository(db.Pool)
	tokens := repository.NewTokenRepository(db.Pool)
	user := storedUser(t, users)

	for i := 0; i < 3; i++ {
		require.NoError(t, tokens.Store(ctx, model.RefreshToken{
			ID:        uuid.NewString(),
			UserID:    user.ID,
			TokenHash: "hash",
			ExpiresAt: time.Now().Add(time.Hour).UTC(),
			CreatedAt: time.Now().UTC(),
		}))
	}

	deleted, err := tokens.DeleteAllForUser(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), deleted)

	deleted, err = tokens.DeleteAllForUser(ctx, user.ID)
	require.NoError(t, err)
	require.Zero(t, deleted)
}

func TestCleanExpired(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	users := repository.NewUserRepository(db.Pool)
	tokens := repository.NewTokenRepository(db.Pool)
	user := storedUser(t, users)

	live := uuid.NewString()
	require.NoError(t, tokens.Store(ctx, model.RefreshToken{
		ID: live, UserID: user.ID, TokenHash: "hash",
		ExpiresAt: time.Now().Add(time.Hour).UTC(), CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, tokens.Store(ctx, model.RefreshToken{
		ID: uuid.NewString(), UserID: user.ID, TokenHash: "hash",
		ExpiresAt: time.Now().Add(-time.Hour).UTC(), CreatedAt: time.Now().UTC(),
	}))

	removed, err := tokens.CleanExpired(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, removed, int64(1))

	_, err = tokens.FindByID(ctx, live)
	require.NoError(t, err)
}
