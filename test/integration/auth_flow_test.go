//go:build integration

package integration

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lef-zach/blog-sub000/internal/model"
	"github.com/lef-zach/blog-sub000/pkg/apiclient"
	"github.com/lef-zach/blog-sub000/pkg/apierror"
)

// The full lifecycle against a real Postgres: register, login, an
// authenticated call, a password change that kills the old session, and a
// logout that revokes the access token.
func TestAuthLifecycle(t *testing.T) {
	db := openTestDB(t)
	server := newStackServer(t, db)
	ctx := context.Background()

	client, err := apiclient.New(server.URL)
	require.NoError(t, err)

	email := uniqueEmail("lifecycle")

	var created model.PublicUser
	err = client.Post(ctx, "/api/v1/auth/register", model.RegisterRequest{
		Email:    email,
		Password: "first-password",
		Name:     "Lifecycle Tester",
	}, &created)
	require.NoError(t, err)
	require.Equal(t, model.RolePublic, created.Role)

	user, err := client.Login(ctx, email, "first-password")
	require.NoError(t, err)
	require.Equal(t, created.ID, user.ID)

	me, err := client.Me(ctx)
	require.NoError(t, err)
	require.Equal(t, created.ID, me.ID)

	require.NoError(t, client.UpdatePassword(ctx, "first-password", "second-password"))

	_, err = client.Login(ctx, email, "first-password")
	require.True(t, apierror.Is(err, "INVALID_CREDENTIALS"), "got %v", err)

	_, err = client.Login(ctx, email, "second-password")
	require.NoError(t, err)

	require.NoError(t, client.Logout(ctx))

	// The guard has no token and no live refresh session left.
	_, err = client.Me(ctx)
	require.Error(t, err)
}

// Replaying a rotated refresh cookie against the real stack revokes every
// session for the account.
func TestRefreshReuseRevokesSessions(t *testing.T) {
	db := openTestDB(t)
	server := newStackServer(t, db)
	ctx := context.Background()

	client, err := apiclient.New(server.URL)
	require.NoError(t, err)

	email := uniqueEmail("reuse")
	require.NoError(t, client.Post(ctx, "/api/v1/auth/register", model.RegisterRequest{
		Email:    email,
		Password: "reuse-password",
	}, nil))
	_, err = client.Login(ctx, email, "reuse-password")
	require.NoError(t, err)

	// Capture the login cookie before the jar rotates past it.
	refreshURL := server.URL + "/api/v1/auth/refresh"
	target, err := http.NewRequest(http.MethodPost, refreshURL, nil)
	require.NoError(t, err)
	cookies := client.HTTPClient().Jar.Cookies(target.URL)
	require.NotEmpty(t, cookies)
	var firstCookie *http.Cookie
	for _, c := range cookies {
		if c.Name == "refresh_token" {
			firstCookie = c
		}
	}
	require.NotNil(t, firstCookie)

	// Rotate once via the jar.
	resp, err := client.HTTPClient().Do(target)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Replay the consumed cookie with a jarless client.
	replay, err := http.NewRequest(http.MethodPost, refreshURL, nil)
	require.NoError(t, err)
	replay.AddCookie(firstCookie)
	resp, err = (&http.Client{}).Do(replay)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The rotated session fell with it.
	again, err := http.NewRequest(http.MethodPost, refreshURL, nil)
	require.NoError(t, err)
	resp, err = client.HTTPClient().Do(again)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
