package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/malclient/malauth/internal/auth/mal"
	"github.com/malclient/malauth/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// providerStub is an httptest token endpoint counting grants.
type providerStub struct {
	srv           *httptest.Server
	exchanges     atomic.Int64
	refreshes     atomic.Int64
	refreshStatus atomic.Int64
	holdRefresh   atomic.Bool
	release       chan struct{}
}

func newProviderStub(t *testing.T) *providerStub {
	t.Helper()
	p := &providerStub{release: make(chan struct{})}
	p.srv = httptest.NewServer(http.HandlerFunc(p.serveToken))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *providerStub) serveToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		p.exchanges.Add(1)
		if r.PostForm.Get("code") != "ABC123" || r.PostForm.Get("code_verifier") == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","message":"bad code"}`))
			return
		}
		writeTokens(w, "access-login", "refresh-login")
	case "refresh_token":
		n := p.refreshes.Add(1)
		if p.holdRefresh.Load() {
			<-p.release
		}
		switch status := int(p.refreshStatus.Load()); status {
		case 0:
			writeTokens(w, fmt.Sprintf("access-refreshed-%d", n), fmt.Sprintf("refresh-refreshed-%d", n))
		case http.StatusBadRequest:
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
		default:
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"unavailable"}`))
		}
	default:
		http.Error(w, "unsupported grant", http.StatusBadRequest)
	}
}

func writeTokens(w http.ResponseWriter, access, refresh string) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token_type":    "Bearer",
		"expires_in":    3600,
		"access_token":  access,
		"refresh_token": refresh,
	})
}

func newTestStore() *store.TokenStore {
	return store.New(store.NewMemoryBackend(), store.StaticKey(bytes.Repeat([]byte{9}, store.MasterKeySize)))
}

func freeRedirectURI(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return fmt.Sprintf("http://127.0.0.1:%d/callback", port)
}

// getWhenBound retries until the callback listener accepts connections.
func getWhenBound(t *testing.T, rawURL string) int {
	t.Helper()
	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := client.Get(rawURL)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			return resp.StatusCode
		}
		if time.Now().After(deadline) {
			t.Fatalf("callback listener never became reachable: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

type fixture struct {
	provider *providerStub
	tokens   *store.TokenStore
	clock    *testClock
	redirect string
}

func newFixture(t *testing.T) *fixture {
	return &fixture{
		provider: newProviderStub(t),
		tokens:   newTestStore(),
		clock:    &testClock{now: fixedNow},
		redirect: freeRedirectURI(t),
	}
}

func (f *fixture) seed(t *testing.T, access string, expiresAt time.Time) {
	t.Helper()
	require.NoError(t, f.tokens.Save(context.Background(), &mal.TokenSet{
		AccessToken:  access,
		RefreshToken: "refresh-seed",
		ExpiresAt:    expiresAt,
		TokenType:    "Bearer",
	}))
}

func (f *fixture) coordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	base := []Option{
		WithEndpoints(f.provider.srv.URL+"/authorize", f.provider.srv.URL+"/token"),
		WithHTTPClient(f.provider.srv.Client()),
		WithClock(f.clock.Now),
	}
	c, err := NewCoordinator(context.Background(), mal.ClientCredentials{
		ClientID:    "client-123",
		RedirectURI: f.redirect,
	}, f.tokens, append(base, opts...)...)
	require.NoError(t, err)
	return c
}

type loginOutcome struct {
	ts  *mal.TokenSet
	err error
}

func startCompleteLogin(c *Coordinator, timeout time.Duration) <-chan loginOutcome {
	out := make(chan loginOutcome, 1)
	go func() {
		ts, err := c.CompleteLogin(context.Background(), timeout)
		out <- loginOutcome{ts: ts, err: err}
	}()
	return out
}

func waitLogin(t *testing.T, ch <-chan loginOutcome) loginOutcome {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("CompleteLogin did not return")
		return loginOutcome{}
	}
}

func TestNewCoordinatorRejectsBadConfiguration(t *testing.T) {
	tokens := newTestStore()
	tests := []struct {
		name  string
		creds mal.ClientCredentials
		opts  []Option
	}{
		{"empty client id", mal.ClientCredentials{RedirectURI: "http://localhost:2561/callback"}, nil},
		{"https redirect", mal.ClientCredentials{ClientID: "c", RedirectURI: "https://localhost/cb"}, nil},
		{"unknown pkce", mal.ClientCredentials{ClientID: "c", RedirectURI: "http://localhost:2561/callback"}, []Option{WithPKCEMethod("S512")}},
		{"relative token url", mal.ClientCredentials{ClientID: "c", RedirectURI: "http://localhost:2561/callback"}, []Option{WithEndpoints("", "/token")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCoordinator(context.Background(), tt.creds, tokens, tt.opts...)
			require.Error(t, err)
			assert.ErrorIs(t, err, mal.ErrConfiguration)
		})
	}
}

func TestNewCoordinatorStartsFromPersistedSession(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, StateUnauthenticated, f.coordinator(t).State())

	f.seed(t, "access-seed", fixedNow.Add(time.Hour))
	c := f.coordinator(t)
	assert.Equal(t, StateAuthorized, c.State())
	ts, ok := c.Token()
	require.True(t, ok)
	assert.Equal(t, "access-seed", ts.AccessToken)
}

func TestGetValidTokenServesHeldTokenWithoutNetwork(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "access-seed", fixedNow.Add(time.Hour))
	c := f.coordinator(t)

	for range 2 {
		token, err := c.GetValidToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "access-seed", token)
	}
	assert.Zero(t, f.provider.refreshes.Load())
}

func TestGetValidTokenRefreshesExpiredToken(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "access-seed", fixedNow.Add(30*time.Second))
	c := f.coordinator(t)

	token, err := c.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-refreshed-1", token)
	assert.Equal(t, StateAuthorized, c.State())

	token, err = c.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-refreshed-1", token)
	assert.EqualValues(t, 1, f.provider.refreshes.Load())

	persisted, err := store.New(f.tokens.Backend(), store.StaticKey(bytes.Repeat([]byte{9}, store.MasterKeySize))).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refresh-refreshed-1", persisted.RefreshToken)
	assert.Equal(t, fixedNow.Add(time.Hour), persisted.ExpiresAt)
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	f := newFixture(t)
	f.provider.holdRefresh.Store(true)
	f.seed(t, "access-seed", fixedNow.Add(-time.Minute))
	c := f.coordinator(t)

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan string, callers)
	errs := make(chan error, callers)
	for range callers {
		wg.Go(func() {
			token, err := c.GetValidToken(context.Background())
			if err != nil {
				errs <- err
				return
			}
			results <- token
		})
	}

	require.Eventually(t, func() bool { return f.provider.refreshes.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateRefreshingToken, c.State())
	time.Sleep(50 * time.Millisecond)
	close(f.provider.release)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	for token := range results {
		assert.Equal(t, "access-refreshed-1", token)
	}
	assert.EqualValues(t, 1, f.provider.refreshes.Load())
}

func TestRefreshInvalidGrantClearsSession(t *testing.T) {
	f := newFixture(t)
	f.provider.refreshStatus.Store(http.StatusBadRequest)
	f.seed(t, "access-seed", fixedNow.Add(-time.Minute))
	c := f.coordinator(t)

	_, err := c.GetValidToken(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, mal.ErrInvalidGrant)
	assert.False(t, mal.IsRetryable(err))
	assert.Equal(t, StateUnauthenticated, c.State())

	_, ok := c.Token()
	assert.False(t, ok)
	_, err = f.tokens.Load(context.Background())
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = c.GetValidToken(context.Background())
	assert.ErrorIs(t, err, mal.ErrAuthenticationRequired)
	assert.EqualValues(t, 1, f.provider.refreshes.Load())
}

func TestRefreshNetworkErrorKeepsSession(t *testing.T) {
	f := newFixture(t)
	f.provider.refreshStatus.Store(http.StatusServiceUnavailable)
	f.seed(t, "access-seed", fixedNow.Add(-time.Minute))
	c := f.coordinator(t)

	_, err := c.GetValidToken(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, mal.ErrNetwork)
	assert.True(t, mal.IsRetryable(err))
	assert.Equal(t, StateAuthorized, c.State())

	ts, ok := c.Token()
	require.True(t, ok)
	assert.Equal(t, "refresh-seed", ts.RefreshToken)

	f.provider.refreshStatus.Store(0)
	token, err := c.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-refreshed-2", token)
}

func TestLogoutDiscardsRefreshInFlight(t *testing.T) {
	f := newFixture(t)
	f.provider.holdRefresh.Store(true)
	f.seed(t, "access-seed", fixedNow.Add(-time.Minute))
	c := f.coordinator(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.GetValidToken(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool { return f.provider.refreshes.Load() == 1 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Logout(context.Background()))
	close(f.provider.release)

	assert.ErrorIs(t, <-errCh, mal.ErrAuthenticationRequired)
	assert.Equal(t, StateUnauthenticated, c.State())
	_, ok := c.Token()
	assert.False(t, ok)
}

func TestCallerCancellationDoesNotAbortSharedRefresh(t *testing.T) {
	f := newFixture(t)
	f.provider.holdRefresh.Store(true)
	f.seed(t, "access-seed", fixedNow.Add(-time.Minute))
	c := f.coordinator(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.GetValidToken(ctx)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return f.provider.refreshes.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, mal.ErrCancelled)

	close(f.provider.release)
	require.Eventually(t, func() bool { return c.State() == StateAuthorized }, 3*time.Second, 10*time.Millisecond)
	token, err := c.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-refreshed-1", token)
}

func TestEndToEndLogin(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t)

	req, err := c.BeginLogin()
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingUserAuthorization, c.State())
	u, err := url.Parse(req.URL)
	require.NoError(t, err)
	assert.Equal(t, req.State, u.Query().Get("state"))
	assert.Equal(t, req.CodeChallenge, u.Query().Get("code_challenge"))
	assert.Equal(t, mal.MethodPlain, u.Query().Get("code_challenge_method"))
	assert.Equal(t, f.redirect, u.Query().Get("redirect_uri"))

	out := startCompleteLogin(c, 5*time.Second)

	assert.Equal(t, http.StatusBadRequest, getWhenBound(t, f.redirect+"?state=forged&code=STOLEN"))
	select {
	case res := <-out:
		t.Fatalf("login completed on a forged state: %+v", res)
	case <-time.After(100 * time.Millisecond):
	}

	assert.Equal(t, http.StatusOK, getWhenBound(t, f.redirect+"?state="+req.State+"&code=ABC123"))
	res := waitLogin(t, out)
	require.NoError(t, res.err)
	assert.NotEmpty(t, res.ts.AccessToken)
	assert.NotEmpty(t, res.ts.RefreshToken)
	assert.True(t, res.ts.ExpiresAt.After(f.clock.Now()))
	assert.Equal(t, StateAuthorized, c.State())
	assert.EqualValues(t, 1, f.provider.exchanges.Load())

	token, err := c.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res.ts.AccessToken, token)
	assert.Zero(t, f.provider.refreshes.Load())

	persisted, err := f.tokens.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, persisted.Equal(res.ts))
}

func TestCompleteLoginTimeoutLeavesUnauthenticated(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t)

	_, err := c.BeginLogin()
	require.NoError(t, err)
	_, err = c.CompleteLogin(context.Background(), 150*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, mal.ErrCallbackTimeout)
	assert.Equal(t, StateUnauthenticated, c.State())

	_, err = c.CompleteLogin(context.Background(), time.Second)
	assert.ErrorIs(t, err, mal.ErrNoLoginInProgress)
}

func TestBeginLoginRejectedWhileLoginActive(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t)

	first, err := c.BeginLogin()
	require.NoError(t, err)
	_, err = c.BeginLogin()
	assert.ErrorIs(t, err, mal.ErrLoginInProgress)

	require.NoError(t, c.CancelLogin())
	second, err := c.BeginLogin()
	require.NoError(t, err)
	assert.NotEqual(t, first.State, second.State)
	assert.NotEqual(t, first.CodeChallenge, second.CodeChallenge)
}

func TestRefreshCompletionKeepsLoginActive(t *testing.T) {
	f := newFixture(t)
	f.provider.holdRefresh.Store(true)
	f.seed(t, "access-seed", fixedNow.Add(-time.Minute))
	c := f.coordinator(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.GetValidToken(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool { return f.provider.refreshes.Load() == 1 }, 3*time.Second, 10*time.Millisecond)

	_, err := c.BeginLogin()
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingUserAuthorization, c.State())

	close(f.provider.release)
	require.NoError(t, <-errCh)
	assert.Equal(t, StateAwaitingUserAuthorization, c.State())
	ts, ok := c.Token()
	require.True(t, ok)
	assert.Equal(t, "access-refreshed-1", ts.AccessToken)

	_, err = c.BeginLogin()
	assert.ErrorIs(t, err, mal.ErrLoginInProgress)

	require.NoError(t, c.CancelLogin())
	assert.Equal(t, StateAuthorized, c.State())
}

func TestFailedRefreshKeepsLoginActive(t *testing.T) {
	f := newFixture(t)
	f.provider.holdRefresh.Store(true)
	f.provider.refreshStatus.Store(http.StatusBadRequest)
	f.seed(t, "access-seed", fixedNow.Add(-time.Minute))
	c := f.coordinator(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.GetValidToken(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool { return f.provider.refreshes.Load() == 1 }, 3*time.Second, 10*time.Millisecond)

	_, err := c.BeginLogin()
	require.NoError(t, err)
	close(f.provider.release)
	assert.ErrorIs(t, <-errCh, mal.ErrInvalidGrant)
	assert.Equal(t, StateAwaitingUserAuthorization, c.State())

	_, err = c.BeginLogin()
	assert.ErrorIs(t, err, mal.ErrLoginInProgress)
	require.NoError(t, c.CancelLogin())
	assert.Equal(t, StateUnauthenticated, c.State())
}

func TestExpiredTokenWithoutRefreshTokenIsNoSession(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.tokens.Save(context.Background(), &mal.TokenSet{
		AccessToken: "access-only",
		ExpiresAt:   fixedNow.Add(-time.Minute),
		TokenType:   "Bearer",
	}))
	c := f.coordinator(t)
	assert.Equal(t, StateUnauthenticated, c.State())

	_, err := c.GetValidToken(context.Background())
	assert.ErrorIs(t, err, mal.ErrAuthenticationRequired)
	assert.Equal(t, StateUnauthenticated, c.State())

	req, err := c.BeginLogin()
	require.NoError(t, err)
	_, err = c.CompleteLoginManual(context.Background(), f.redirect+"?error=access_denied&state="+req.State)
	assert.ErrorIs(t, err, mal.ErrAuthorizationDenied)
	assert.Equal(t, StateUnauthenticated, c.State())
	assert.Zero(t, f.provider.refreshes.Load())
}

func TestCancelLoginReleasesListener(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t)

	req, err := c.BeginLogin()
	require.NoError(t, err)
	out := startCompleteLogin(c, time.Minute)
	assert.Equal(t, http.StatusBadRequest, getWhenBound(t, req.RedirectURI+"?state=nope"))

	require.NoError(t, c.CancelLogin())
	res := waitLogin(t, out)
	assert.ErrorIs(t, res.err, mal.ErrCancelled)
	assert.Equal(t, StateUnauthenticated, c.State())

	addr, _, err := mal.CallbackAddress(req.RedirectURI)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err, "callback socket should be released")
	_ = ln.Close()

	assert.ErrorIs(t, c.CancelLogin(), mal.ErrNoLoginInProgress)
}

func TestCompleteLoginManual(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t)

	_, err := c.CompleteLoginManual(context.Background(), "http://localhost/callback?code=ABC123&state=x")
	assert.ErrorIs(t, err, mal.ErrNoLoginInProgress)

	req, err := c.BeginLogin()
	require.NoError(t, err)

	_, err = c.CompleteLoginManual(context.Background(), f.redirect+"?code=ABC123&state=other")
	assert.ErrorIs(t, err, mal.ErrStateMismatch)
	assert.Equal(t, StateAwaitingUserAuthorization, c.State())

	_, err = c.CompleteLoginManual(context.Background(), "not a callback")
	require.Error(t, err)
	assert.Equal(t, StateAwaitingUserAuthorization, c.State())

	ts, err := c.CompleteLoginManual(context.Background(), f.redirect+"?code=ABC123&state="+req.State)
	require.NoError(t, err)
	assert.Equal(t, "access-login", ts.AccessToken)
	assert.Equal(t, StateAuthorized, c.State())
}

func TestCompleteLoginManualStopsListener(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t)

	req, err := c.BeginLogin()
	require.NoError(t, err)
	out := startCompleteLogin(c, time.Minute)
	assert.Equal(t, http.StatusBadRequest, getWhenBound(t, req.RedirectURI+"?state=nope"))

	ts, err := c.CompleteLoginManual(context.Background(), "?code=ABC123&state="+req.State)
	require.NoError(t, err)
	assert.Equal(t, "access-login", ts.AccessToken)

	res := waitLogin(t, out)
	assert.ErrorIs(t, res.err, mal.ErrCancelled)
	assert.Equal(t, StateAuthorized, c.State())
	assert.EqualValues(t, 1, f.provider.exchanges.Load())
}

func TestFailedLoginKeepsPreviousSession(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "access-seed", fixedNow.Add(time.Hour))
	c := f.coordinator(t)

	req, err := c.BeginLogin()
	require.NoError(t, err)

	token, err := c.GetValidToken(context.Background())
	require.NoError(t, err, "a valid held token is served during a login")
	assert.Equal(t, "access-seed", token)

	_, err = c.CompleteLoginManual(context.Background(), f.redirect+"?error=access_denied&state="+req.State)
	assert.ErrorIs(t, err, mal.ErrAuthorizationDenied)
	assert.Equal(t, StateAuthorized, c.State())

	req, err = c.BeginLogin()
	require.NoError(t, err)
	_, err = c.CompleteLoginManual(context.Background(), f.redirect+"?code=WRONG&state="+req.State)
	assert.ErrorIs(t, err, mal.ErrInvalidGrant)
	assert.Equal(t, StateAuthorized, c.State())
	ts, ok := c.Token()
	require.True(t, ok)
	assert.Equal(t, "access-seed", ts.AccessToken)
}

func TestGetValidTokenDuringLoginWithoutToken(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t)

	_, err := c.GetValidToken(context.Background())
	assert.ErrorIs(t, err, mal.ErrAuthenticationRequired)

	_, err = c.BeginLogin()
	require.NoError(t, err)
	_, err = c.GetValidToken(context.Background())
	assert.ErrorIs(t, err, mal.ErrLoginInProgress)
}

func TestOnUnauthorizedRefreshesOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "access-seed", fixedNow.Add(time.Hour))
	c := f.coordinator(t)

	token, err := c.OnUnauthorized(context.Background(), "access-seed")
	require.NoError(t, err)
	assert.Equal(t, "access-refreshed-1", token)

	// a late 401 for the old token does not refresh again
	token, err = c.OnUnauthorized(context.Background(), "access-seed")
	require.NoError(t, err)
	assert.Equal(t, "access-refreshed-1", token)
	assert.EqualValues(t, 1, f.provider.refreshes.Load())
}

func TestAdoptAndLogout(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t)

	err := c.Adopt(context.Background(), &mal.TokenSet{})
	assert.ErrorIs(t, err, mal.ErrConfiguration)

	adopted := &mal.TokenSet{AccessToken: "external", RefreshToken: "r", ExpiresAt: fixedNow.Add(time.Hour), TokenType: "Bearer"}
	require.NoError(t, c.Adopt(context.Background(), adopted))
	assert.Equal(t, StateAuthorized, c.State())
	token, err := c.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "external", token)

	persisted, err := f.tokens.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, persisted.Equal(adopted))

	require.NoError(t, c.Logout(context.Background()))
	assert.Equal(t, StateUnauthenticated, c.State())
	_, err = f.tokens.Load(context.Background())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRefreshOnStart(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "access-seed", fixedNow.Add(-time.Minute))
	c := f.coordinator(t, WithRefreshOnStart(true))

	assert.EqualValues(t, 1, f.provider.refreshes.Load())
	ts, ok := c.Token()
	require.True(t, ok)
	assert.Equal(t, "access-refreshed-1", ts.AccessToken)
}

func TestExpiryFollowsClockAndSkew(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "access-seed", fixedNow.Add(5*time.Minute))
	c := f.coordinator(t, WithRefreshSkew(time.Minute))

	token, err := c.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-seed", token)

	f.clock.Advance(4*time.Minute + time.Second)
	token, err = c.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-refreshed-1", token)
}

func TestStateChangeHook(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var seen []string
	c := f.coordinator(t, WithStateChange(func(from, to State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, from.String()+">"+to.String())
	}))

	req, err := c.BeginLogin()
	require.NoError(t, err)
	_, err = c.CompleteLoginManual(context.Background(), "?code=ABC123&state="+req.State)
	require.NoError(t, err)
	require.NoError(t, c.Logout(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"unauthenticated>awaiting_user_authorization",
		"awaiting_user_authorization>exchanging_code",
		"exchanging_code>authorized",
		"authorized>unauthenticated",
	}, seen)
}
