package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lef-zach/blog-sub000/pkg/apierror"
)

type messageBody struct {
	Message string `json:"message"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func writeAPIError(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

// Two requests carrying an expired token must produce exactly one refresh
// call and exactly one replay each: five network calls in total.
func TestSingleFlightRefresh(t *testing.T) {
	t.Parallel()

	var (
		tokenMu      sync.Mutex
		serverToken  = "token-1"
		refreshCalls int32
		staleHits    int32
		freshHits    int32
	)

	// The protected endpoint withholds its 401s until both initial
	// requests have arrived, so neither request can refresh before the
	// other has failed.
	barrier := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
		// Hold the response so the other caller's 401 lands while this
		// refresh is still in flight.
		time.Sleep(100 * time.Millisecond)
		tokenMu.Lock()
		serverToken = "token-2"
		tokenMu.Unlock()
		writeData(w, http.StatusOK, refreshResponse{AccessToken: "token-2", ExpiresIn: 900})
	})
	mux.HandleFunc("/api/v1/articles", func(w http.ResponseWriter, r *http.Request) {
		tokenMu.Lock()
		current := serverToken
		tokenMu.Unlock()

		if r.Header.Get("Authorization") == "Bearer "+current {
			atomic.AddInt32(&freshHits, 1)
			writeData(w, http.StatusOK, messageBody{Message: "ok"})
			return
		}

		if atomic.AddInt32(&staleHits, 1) == 2 {
			close(barrier)
		}
		select {
		case <-barrier:
		case <-time.After(2 * time.Second):
		}
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "token expired")
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := New(server.URL)
	require.NoError(t, err)
	client.SetAccessToken("expired-token")

	const callers = 2
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			var out messageBody
			errs[i] = client.Get(context.Background(), "/api/v1/articles", &out)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "caller %d", i)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&refreshCalls), "exactly one refresh call")
	require.Equal(t, int32(2), atomic.LoadInt32(&staleHits))
	require.Equal(t, int32(2), atomic.LoadInt32(&freshHits))
	require.Equal(t, "token-2", client.AccessToken())
}

// A 401 after the single replay is surfaced, not retried again.
func TestReplayIsBoundedToOne(t *testing.T) {
	t.Parallel()

	var protectedHits, refreshCalls int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
		writeData(w, http.StatusOK, refreshResponse{AccessToken: "token-2", ExpiresIn: 900})
	})
	mux.HandleFunc("/api/v1/articles", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&protectedHits, 1)
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "still no")
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := New(server.URL)
	require.NoError(t, err)
	client.SetAccessToken("whatever")

	err = client.Get(context.Background(), "/api/v1/articles", nil)
	require.True(t, apierror.Is(err, "UNAUTHORIZED"), "got %v", err)
	require.Equal(t, int32(2), atomic.LoadInt32(&protectedHits), "original plus one replay")
	require.Equal(t, int32(1), atomic.LoadInt32(&refreshCalls))
}

// A rejected refresh clears the token, fires the session-expired hook once
// and suppresses further refresh attempts for the cooldown.
func TestRefreshFailureEngagesCooldown(t *testing.T) {
	t.Parallel()

	var refreshCalls int32
	var expiredEvents int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
		writeAPIError(w, http.StatusUnauthorized, "INVALID_TOKEN", "session gone")
	})
	mux.HandleFunc("/api/v1/articles", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "no token")
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := New(server.URL,
		WithAuthCooldown(100*time.Millisecond),
		WithOnSessionExpired(func() { atomic.AddInt32(&expiredEvents, 1) }))
	require.NoError(t, err)
	client.SetAccessToken("stale")

	err = client.Get(context.Background(), "/api/v1/articles", nil)
	require.True(t, apierror.Is(err, "UNAUTHORIZED"))
	require.Equal(t, int32(1), atomic.LoadInt32(&refreshCalls))
	require.Equal(t, int32(1), atomic.LoadInt32(&expiredEvents))
	require.Empty(t, client.AccessToken(), "access token cleared on refresh failure")

	// Inside the cooldown the 401 propagates without another refresh.
	err = client.Get(context.Background(), "/api/v1/articles", nil)
	require.Error(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&refreshCalls))
	require.Equal(t, int32(1), atomic.LoadInt32(&expiredEvents))

	// After the cooldown refreshing is allowed again.
	time.Sleep(150 * time.Millisecond)
	_ = client.Get(context.Background(), "/api/v1/articles", nil)
	require.Equal(t, int32(2), atomic.LoadInt32(&refreshCalls))
}

// A 429 from the refresh endpoint sets the cooldown from Retry-After
// rather than the configured default.
func TestRefreshHonorsRetryAfter(t *testing.T) {
	t.Parallel()

	var refreshCalls int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
		w.Header().Set("Retry-After", "2")
		writeAPIError(w, http.StatusTooManyRequests, "RATE_LIMITED", "slow down")
	})
	mux.HandleFunc("/api/v1/articles", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "no")
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	// The configured cooldown is tiny; only the Retry-After hint can keep
	// the gate closed past it.
	client, err := New(server.URL, WithAuthCooldown(10*time.Millisecond))
	require.NoError(t, err)
	client.SetAccessToken("stale")

	_ = client.Get(context.Background(), "/api/v1/articles", nil)
	require.Equal(t, int32(1), atomic.LoadInt32(&refreshCalls))

	time.Sleep(50 * time.Millisecond)
	_ = client.Get(context.Background(), "/api/v1/articles", nil)
	require.Equal(t, int32(1), atomic.LoadInt32(&refreshCalls), "gate must follow Retry-After")
}

// An unexpected refresh failure disables refreshing until the next login.
func TestUnknownRefreshFailureDisablesIndefinitely(t *testing.T) {
	t.Parallel()

	var refreshCalls int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "boom")
	})
	mux.HandleFunc("/api/v1/articles", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "no")
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := New(server.URL, WithAuthCooldown(10*time.Millisecond))
	require.NoError(t, err)
	client.SetAccessToken("stale")

	_ = client.Get(context.Background(), "/api/v1/articles", nil)
	require.Equal(t, int32(1), atomic.LoadInt32(&refreshCalls))

	// Far past the cooldown, still no attempt: the gate is indefinite.
	time.Sleep(50 * time.Millisecond)
	_ = client.Get(context.Background(), "/api/v1/articles", nil)
	require.Equal(t, int32(1), atomic.LoadInt32(&refreshCalls))

	// A fresh token (login) re-arms the guard.
	client.SetAccessToken("stale-again")
	_ = client.Get(context.Background(), "/api/v1/articles", nil)
	require.Equal(t, int32(2), atomic.LoadInt32(&refreshCalls))
}

// While a refresh is on the wire, new requests wait for it instead of
// going out with a token known to be stale.
func TestRequestsAwaitInflightRefresh(t *testing.T) {
	t.Parallel()

	var (
		tokenMu       sync.Mutex
		serverToken   = "token-1"
		protectedHits int32
		refreshCalls  int32
	)
	release := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
		<-release
		tokenMu.Lock()
		serverToken = "token-2"
		tokenMu.Unlock()
		writeData(w, http.StatusOK, refreshResponse{AccessToken: "token-2", ExpiresIn: 900})
	})
	mux.HandleFunc("/api/v1/articles", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&protectedHits, 1)
		tokenMu.Lock()
		current := serverToken
		tokenMu.Unlock()
		if r.Header.Get("Authorization") == "Bearer "+current {
			writeData(w, http.StatusOK, messageBody{Message: "ok"})
			return
		}
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "expired")
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := New(server.URL)
	require.NoError(t, err)
	client.SetAccessToken("stale")

	var wg sync.WaitGroup
	var err1, err2 error

	wg.Add(1)
	go func() {
		defer wg.Done()
		err1 = client.Get(context.Background(), "/api/v1/articles", nil)
	}()

	// Give the first request time to 401 and park inside the refresh.
	time.Sleep(100 * time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		err2 = client.Get(context.Background(), "/api/v1/articles", nil)
	}()

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&protectedHits),
		"second request must wait for the in-flight refresh")

	close(release)
	wg.Wait()

	require.NoError(t, err1)
	require.NoError(t, err2)
	require.Equal(t, int32(1), atomic.LoadInt32(&refreshCalls))
	require.Equal(t, int32(3), atomic.LoadInt32(&protectedHits),
		"first request replayed once, second sent once with the new token")
}

// The refresh token travels only as a cookie: Login captures it in the
// jar, refresh presents it without a body.
func TestLoginCookieCarriesRefreshToken(t *testing.T) {
	t.Parallel()

	var refreshCookie atomic.Value

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{
			Name:     "refresh_token",
			Value:    "rt-1",
			Path:     "/api/v1/auth/refresh",
			HttpOnly: true,
		})
		writeData(w, http.StatusOK, loginResponse{
			User:        User{ID: "u1", Email: "alice@example.com", Role: "AUTHOR"},
			AccessToken: "at-1",
			ExpiresIn:   900,
		})
	})
	mux.HandleFunc("/api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("refresh_token")
		if err != nil {
			writeAPIError(w, http.StatusUnauthorized, "NO_TOKEN", "missing cookie")
			return
		}
		refreshCookie.Store(cookie.Value)
		writeData(w, http.StatusOK, refreshResponse{AccessToken: "at-2", ExpiresIn: 900})
	})
	mux.HandleFunc("/api/v1/articles", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-2" {
			writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "expired")
			return
		}
		writeData(w, http.StatusOK, messageBody{Message: "ok"})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := New(server.URL)
	require.NoError(t, err)

	user, err := client.Login(context.Background(), "alice@example.com", "password-one")
	require.NoError(t, err)
	require.Equal(t, "u1", user.ID)
	require.Equal(t, "at-1", client.AccessToken())

	// at-1 is stale at the protected endpoint; the guard refreshes using
	// the cookie alone and replays.
	require.NoError(t, client.Get(context.Background(), "/api/v1/articles", nil))
	require.Equal(t, "rt-1", refreshCookie.Load())
	require.Equal(t, "at-2", client.AccessToken())
}

// Login failures surface as typed errors and never trigger a refresh.
func TestLoginErrorIsTyped(t *testing.T) {
	t.Parallel()

	var refreshCalls int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials")
	})
	mux.HandleFunc("/api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
		writeAPIError(w, http.StatusUnauthorized, "NO_TOKEN", "missing cookie")
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := New(server.URL)
	require.NoError(t, err)

	_, err = client.Login(context.Background(), "alice@example.com", "wrong")
	require.True(t, apierror.Is(err, "INVALID_CREDENTIALS"), "got %v", err)
	require.Equal(t, int32(0), atomic.LoadInt32(&refreshCalls))
}
