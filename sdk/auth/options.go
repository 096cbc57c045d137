package auth

import (
	"net/http"
	"time"

	"github.com/malclient/malauth/internal/auth/mal"
)

// DefaultRefreshSkew is how long before expiry a token stops being served.
const DefaultRefreshSkew = 60 * time.Second

type options struct {
	httpClient      *http.Client
	now             func() time.Time
	skew            time.Duration
	listener        *mal.CallbackListener
	authURL         string
	tokenURL        string
	pkceMethod      string
	callbackTimeout time.Duration
	refreshOnStart  bool
	onStateChange   func(from, to State)
}

// Option configures a Coordinator.
type Option func(*options)

// WithHTTPClient sets the client used for token endpoint calls, e.g. one
// prepared with a proxy.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithClock overrides time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithRefreshSkew sets the margin before expiry at which a token is refreshed.
func WithRefreshSkew(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.skew = d
		}
	}
}

// WithListener replaces the callback listener.
func WithListener(l *mal.CallbackListener) Option {
	return func(o *options) { o.listener = l }
}

// WithEndpoints overrides the authorization and token endpoints.
func WithEndpoints(authURL, tokenURL string) Option {
	return func(o *options) {
		o.authURL = authURL
		o.tokenURL = tokenURL
	}
}

// WithPKCEMethod selects "plain" (default) or "S256".
func WithPKCEMethod(method string) Option {
	return func(o *options) { o.pkceMethod = method }
}

// WithCallbackTimeout sets the default wait used by CompleteLogin when it is
// called with a non-positive timeout.
func WithCallbackTimeout(d time.Duration) Option {
	return func(o *options) { o.callbackTimeout = d }
}

// WithRefreshOnStart refreshes an expired cached token during construction.
func WithRefreshOnStart(enabled bool) Option {
	return func(o *options) { o.refreshOnStart = enabled }
}

// WithStateChange registers a hook called after every state transition. It
// runs on the goroutine that caused the transition, outside internal locks.
func WithStateChange(fn func(from, to State)) Option {
	return func(o *options) { o.onStateChange = fn }
}
