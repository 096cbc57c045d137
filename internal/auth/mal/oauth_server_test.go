package mal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func freeRedirectURI(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return fmt.Sprintf("http://127.0.0.1:%d/callback", port)
}

// getWhenBound retries until the listener accepts connections.
func getWhenBound(t *testing.T, rawURL string) (int, string) {
	t.Helper()
	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := client.Get(rawURL)
		if err == nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			return resp.StatusCode, string(body)
		}
		if time.Now().After(deadline) {
			t.Fatalf("callback listener never became reachable: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

type awaitOutcome struct {
	code string
	err  error
}

func startAwait(ctx context.Context, l *CallbackListener, state, redirect string, timeout time.Duration) <-chan awaitOutcome {
	out := make(chan awaitOutcome, 1)
	go func() {
		code, err := l.AwaitCallback(ctx, state, redirect, timeout)
		out <- awaitOutcome{code: code, err: err}
	}()
	return out
}

func waitOutcome(t *testing.T, ch <-chan awaitOutcome) awaitOutcome {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("AwaitCallback did not return")
		return awaitOutcome{}
	}
}

func assertPortReleased(t *testing.T, redirect string) {
	t.Helper()
	addr, _, err := CallbackAddress(redirect)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err, "callback socket should be released")
	_ = ln.Close()
}

func TestAwaitCallbackIgnoresMismatchedStateUntilMatch(t *testing.T) {
	redirect := freeRedirectURI(t)
	out := startAwait(context.Background(), NewCallbackListener(), "good-state", redirect, 5*time.Second)

	status, body := getWhenBound(t, redirect+"?state=evil&code=STOLEN")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, "does not match")

	select {
	case res := <-out:
		t.Fatalf("wait ended on mismatched state: %+v", res)
	case <-time.After(100 * time.Millisecond):
	}

	status, body = getWhenBound(t, redirect+"?state=good-state&code=ABC123")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "Authentication Successful")

	res := waitOutcome(t, out)
	require.NoError(t, res.err)
	assert.Equal(t, "ABC123", res.code)
	assertPortReleased(t, redirect)
}

func TestAwaitCallbackTimesOut(t *testing.T) {
	redirect := freeRedirectURI(t)
	start := time.Now()
	_, err := NewCallbackListener().AwaitCallback(context.Background(), "s", redirect, 150*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCallbackTimeout)
	assert.False(t, errors.Is(err, ErrStateMismatch))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assertPortReleased(t, redirect)
}

func TestAwaitCallbackTimeoutReportsMismatchCause(t *testing.T) {
	redirect := freeRedirectURI(t)
	out := startAwait(context.Background(), NewCallbackListener(), "good", redirect, 500*time.Millisecond)

	status, _ := getWhenBound(t, redirect+"?state=other&code=x")
	assert.Equal(t, http.StatusBadRequest, status)

	res := waitOutcome(t, out)
	assert.ErrorIs(t, res.err, ErrCallbackTimeout)
	assert.ErrorIs(t, res.err, ErrStateMismatch)
}

func TestAwaitCallbackCancellationReleasesSocket(t *testing.T) {
	redirect := freeRedirectURI(t)
	ctx, cancel := context.WithCancel(context.Background())
	out := startAwait(ctx, NewCallbackListener(), "s", redirect, time.Minute)

	// make sure the listener is up before cancelling
	status, _ := getWhenBound(t, redirect+"?state=nope")
	assert.Equal(t, http.StatusBadRequest, status)

	cancel()
	res := waitOutcome(t, out)
	assert.ErrorIs(t, res.err, ErrCancelled)
	assertPortReleased(t, redirect)
}

func TestAwaitCallbackProviderErrorEndsWait(t *testing.T) {
	redirect := freeRedirectURI(t)
	out := startAwait(context.Background(), NewCallbackListener(), "s1", redirect, 5*time.Second)

	status, body := getWhenBound(t, redirect+"?state=s1&error=access_denied&error_description=User+said+%3Cno%3E")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, "&lt;no&gt;")

	res := waitOutcome(t, out)
	assert.ErrorIs(t, res.err, ErrAuthorizationDenied)
	var oauthErr *OAuthError
	require.True(t, errors.As(res.err, &oauthErr))
	assert.Equal(t, "access_denied", oauthErr.Code)
	assert.Equal(t, "User said <no>", oauthErr.Description)
}

func TestAwaitCallbackMissingCodeKeepsWaiting(t *testing.T) {
	redirect := freeRedirectURI(t)
	out := startAwait(context.Background(), NewCallbackListener(), "s1", redirect, 5*time.Second)

	status, _ := getWhenBound(t, redirect+"?state=s1")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = getWhenBound(t, strings.Replace(redirect, "/callback", "/elsewhere", 1)+"?state=s1&code=misrouted")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = getWhenBound(t, redirect+"?state=s1&code=later")
	assert.Equal(t, http.StatusOK, status)

	res := waitOutcome(t, out)
	require.NoError(t, res.err)
	assert.Equal(t, "later", res.code)
}

func TestAwaitCallbackPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	redirect := fmt.Sprintf("http://127.0.0.1:%d/callback", ln.Addr().(*net.TCPAddr).Port)

	_, err = NewCallbackListener().AwaitCallback(context.Background(), "s", redirect, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPortInUse)
}

func TestAwaitCallbackRejectsBadInput(t *testing.T) {
	l := &CallbackListener{}
	_, err := l.AwaitCallback(context.Background(), "", "http://127.0.0.1:1/cb", time.Second)
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = l.AwaitCallback(context.Background(), "s", "https://127.0.0.1:1/cb", time.Second)
	assert.ErrorIs(t, err, ErrConfiguration)
}
