package mal

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/malclient/malauth/internal/logging"
	log "github.com/sirupsen/logrus"
)

// Listener defaults.
const (
	DefaultCallbackTimeout  = 5 * time.Minute
	defaultShutdownTimeout  = 2 * time.Second
	callbackReadHeaderLimit = 10 * time.Second
)

// CallbackListener serves the redirect URI for the duration of one wait.
// The zero value is ready to use.
type CallbackListener struct {
	// DefaultTimeout applies when AwaitCallback receives a non-positive timeout.
	DefaultTimeout time.Duration
	// ShutdownTimeout bounds the graceful shutdown once the wait is over.
	ShutdownTimeout time.Duration
}

// NewCallbackListener creates a listener with the default timeouts.
func NewCallbackListener() *CallbackListener {
	return &CallbackListener{
		DefaultTimeout:  DefaultCallbackTimeout,
		ShutdownTimeout: defaultShutdownTimeout,
	}
}

// callbackResult is what the handler hands back to the waiting caller.
type callbackResult struct {
	code string
	err  error
}

// callbackSession is the per-wait handler state.
type callbackSession struct {
	expectedState string
	results       chan callbackResult
	once          sync.Once
	done          atomic.Bool
	mismatches    atomic.Int64
}

// AwaitCallback binds the address of redirectURI, waits for the first request
// carrying expectedState and returns its authorization code. The socket is
// released before AwaitCallback returns, whatever the outcome.
func (l *CallbackListener) AwaitCallback(ctx context.Context, expectedState, redirectURI string, timeout time.Duration) (string, error) {
	if expectedState == "" {
		return "", NewAuthenticationError(ErrConfiguration, fmt.Errorf("expected state is empty"))
	}
	addr, path, err := CallbackAddress(redirectURI)
	if err != nil {
		return "", NewAuthenticationError(ErrConfiguration, err)
	}
	if timeout <= 0 {
		timeout = l.defaultTimeout()
	}
	if err = ctx.Err(); err != nil {
		return "", NewAuthenticationError(ErrCancelled, err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if isAddrInUse(err) {
			return "", NewAuthenticationError(ErrPortInUse, err)
		}
		return "", NewAuthenticationError(ErrServerStartFailed, err)
	}

	session := &callbackSession{
		expectedState: expectedState,
		results:       make(chan callbackResult, 1),
	}
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())
	engine.GET(path, session.handleCallback)

	srv := &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: callbackReadHeaderLimit,
	}
	serveErr := make(chan error, 1)
	go func() {
		if errServe := srv.Serve(ln); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			serveErr <- errServe
		}
	}()
	defer l.shutdown(srv)

	log.Debugf("waiting for OAuth callback on http://%s%s", addr, path)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-session.results:
		return res.code, res.err
	case errServe := <-serveErr:
		return "", NewAuthenticationError(ErrServerStartFailed, errServe)
	case <-timer.C:
		session.done.Store(true)
		var cause error = fmt.Errorf("no callback within %s", timeout)
		if n := session.mismatches.Load(); n > 0 {
			cause = NewAuthenticationError(ErrStateMismatch, fmt.Errorf("%d callback(s) carried an unknown state", n))
		}
		return "", NewAuthenticationError(ErrCallbackTimeout, cause)
	case <-ctx.Done():
		session.done.Store(true)
		return "", NewAuthenticationError(ErrCancelled, ctx.Err())
	}
}

func (l *CallbackListener) defaultTimeout() time.Duration {
	if l != nil && l.DefaultTimeout > 0 {
		return l.DefaultTimeout
	}
	return DefaultCallbackTimeout
}

func (l *CallbackListener) shutdown(srv *http.Server) {
	timeout := defaultShutdownTimeout
	if l != nil && l.ShutdownTimeout > 0 {
		timeout = l.ShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Debugf("callback listener shutdown: %v", err)
		_ = srv.Close()
	}
}

// handleCallback validates one redirect. Requests with a foreign state are
// answered with 400 and do not end the wait.
func (s *callbackSession) handleCallback(c *gin.Context) {
	if s.done.Load() {
		c.Data(http.StatusGone, "text/plain; charset=utf-8", []byte("This login attempt is already finished."))
		return
	}

	state := c.Query("state")
	if !StatesEqual(state, s.expectedState) {
		s.mismatches.Add(1)
		log.Warn("ignoring OAuth callback with unexpected state")
		c.Data(http.StatusBadRequest, "text/html; charset=utf-8", renderPage(mismatchPage))
		return
	}

	if errCode := strings.TrimSpace(c.Query("error")); errCode != "" {
		description := strings.TrimSpace(c.Query("error_description"))
		log.Errorf("OAuth error received: %s", errCode)
		detail := errCode
		if description != "" {
			detail = errCode + ": " + description
		}
		c.Data(http.StatusBadRequest, "text/html; charset=utf-8", renderPage(deniedPage(detail)))
		s.deliver(callbackResult{err: NewAuthenticationError(ErrAuthorizationDenied, NewOAuthError(errCode, description, http.StatusBadRequest))})
		return
	}

	code := c.Query("code")
	if code == "" {
		log.Warn("OAuth callback carried no authorization code")
		c.Data(http.StatusBadRequest, "text/html; charset=utf-8", renderPage(missingCodePage))
		return
	}

	c.Data(http.StatusOK, "text/html; charset=utf-8", renderPage(successPage))
	s.deliver(callbackResult{code: code})
}

// StatesEqual compares OAuth state values in constant time. An empty state
// never matches.
func StatesEqual(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *callbackSession) deliver(res callbackResult) {
	s.once.Do(func() {
		s.done.Store(true)
		s.results <- res
	})
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "address already in use") || strings.Contains(msg, "only one usage of each socket address")
}
