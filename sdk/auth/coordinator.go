package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/malclient/malauth/internal/auth/mal"
	"github.com/malclient/malauth/internal/logging"
	"github.com/malclient/malauth/internal/misc"
	"github.com/malclient/malauth/internal/store"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// TokenStore is the persistence the Coordinator needs. *store.TokenStore
// satisfies it.
type TokenStore interface {
	Load(ctx context.Context) (*mal.TokenSet, error)
	Save(ctx context.Context, ts *mal.TokenSet) error
	Current() (*mal.TokenSet, bool)
	Clear(ctx context.Context) error
}

// AuthorizationRequest is what BeginLogin hands to the user-facing layer.
type AuthorizationRequest struct {
	URL             string
	State           string
	CodeChallenge   string
	ChallengeMethod string
	RedirectURI     string
}

// loginAttempt is the live handshake between BeginLogin and its completion.
type loginAttempt struct {
	request *AuthorizationRequest
	pkce    *mal.PKCECodes

	// ctx is cancelled by CancelLogin, Logout and completion.
	ctx    context.Context
	cancel context.CancelFunc

	// stopListening ends a CompleteLogin wait without cancelling the attempt.
	stopListening context.CancelFunc
	listening     bool
	// claimed is set once a code has been obtained and the exchange began.
	claimed bool
}

// Coordinator owns one user session: the login handshake, the held token
// and its renewal. All methods are safe for concurrent use.
type Coordinator struct {
	oauth           *mal.MALAuth
	store           TokenStore
	listener        *mal.CallbackListener
	now             func() time.Time
	skew            time.Duration
	pkceMethod      string
	callbackTimeout time.Duration
	onStateChange   func(from, to State)

	mu          sync.Mutex
	state       State
	attempt     *loginAttempt
	epoch       uint64
	transitions []transition

	refreshGroup singleflight.Group
}

type transition struct{ from, to State }

// NewCoordinator validates the client, loads any persisted session and
// returns a Coordinator in Authorized or Unauthenticated.
func NewCoordinator(ctx context.Context, creds mal.ClientCredentials, tokens TokenStore, opts ...Option) (*Coordinator, error) {
	o := options{
		now:  time.Now,
		skew: DefaultRefreshSkew,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if tokens == nil {
		return nil, mal.NewAuthenticationError(mal.ErrConfiguration, fmt.Errorf("token store is required"))
	}
	if o.pkceMethod == "" {
		o.pkceMethod = mal.MethodPlain
	}
	if o.pkceMethod != mal.MethodPlain && o.pkceMethod != mal.MethodS256 {
		return nil, mal.NewAuthenticationError(mal.ErrConfiguration, fmt.Errorf("unsupported PKCE method %q", o.pkceMethod))
	}

	malOpts := []mal.Option{mal.WithClock(o.now)}
	if o.authURL != "" || o.tokenURL != "" {
		malOpts = append(malOpts, mal.WithEndpoints(o.authURL, o.tokenURL))
	}
	if o.httpClient != nil {
		malOpts = append(malOpts, mal.WithHTTPClient(o.httpClient))
	}
	oauth := mal.NewMALAuth(creds, malOpts...)
	if err := oauth.ValidateEndpoints(); err != nil {
		return nil, err
	}

	listener := o.listener
	if listener == nil {
		listener = mal.NewCallbackListener()
	}

	c := &Coordinator{
		oauth:           oauth,
		store:           tokens,
		listener:        listener,
		now:             o.now,
		skew:            o.skew,
		pkceMethod:      o.pkceMethod,
		callbackTimeout: o.callbackTimeout,
		onStateChange:   o.onStateChange,
		state:           StateUnauthenticated,
	}

	ts, err := tokens.Load(ctx)
	switch {
	case err == nil:
		c.state = c.restingStateLocked()
		log.WithField("expires_at", ts.ExpiresAt.Format(time.RFC3339)).Debug("loaded persisted session")
	case errors.Is(err, mal.ErrStorage):
		log.WithError(err).Warn("persisted session is unreadable, starting unauthenticated")
	case errors.Is(err, store.ErrNotFound):
		log.Debug("no persisted session")
	default:
		log.WithError(err).Warn("failed to load persisted session, starting unauthenticated")
	}

	if o.refreshOnStart && c.state == StateAuthorized && !ts.Valid(c.now(), c.skew) {
		if _, errRefresh := c.refresh(ctx, "", false); errRefresh != nil {
			log.WithError(errRefresh).Warn("refresh on start failed")
		}
	}
	return c, nil
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Token returns a copy of the held token set, if any.
func (c *Coordinator) Token() (*mal.TokenSet, bool) {
	return c.store.Current()
}

// RedirectURI returns the callback address the listener binds.
func (c *Coordinator) RedirectURI() string {
	return c.oauth.Credentials().RedirectURI
}

// BeginLogin starts a new authorization attempt and returns the URL the user
// must visit. It does not block.
func (c *Coordinator) BeginLogin() (*AuthorizationRequest, error) {
	c.mu.Lock()
	defer c.unlock()

	if c.state.loginActive() {
		return nil, mal.ErrLoginInProgress
	}

	pkceCodes, err := mal.GeneratePKCECodes(c.pkceMethod)
	if err != nil {
		return nil, err
	}
	state, err := misc.GenerateRandomState()
	if err != nil {
		return nil, mal.NewAuthenticationError(mal.ErrConfiguration, err)
	}
	authURL, err := c.oauth.BuildAuthURL(state, pkceCodes)
	if err != nil {
		return nil, err
	}

	req := &AuthorizationRequest{
		URL:             authURL,
		State:           state,
		CodeChallenge:   pkceCodes.CodeChallenge,
		ChallengeMethod: pkceCodes.Method,
		RedirectURI:     c.RedirectURI(),
	}
	attemptCtx, cancel := context.WithCancel(context.Background())
	c.attempt = &loginAttempt{request: req, pkce: pkceCodes, ctx: attemptCtx, cancel: cancel}
	c.setStateLocked(StateAwaitingUserAuthorization)

	out := *req
	return &out, nil
}

// CompleteLogin waits on the callback listener for the redirect of the
// current attempt, exchanges the code and persists the tokens. A non-positive
// timeout uses the configured default.
//
// When the tokens were obtained but could not be persisted, both the token
// set and an ErrStorage error are returned; the session is usable.
func (c *Coordinator) CompleteLogin(ctx context.Context, timeout time.Duration) (*mal.TokenSet, error) {
	c.mu.Lock()
	attempt := c.attempt
	switch {
	case attempt == nil:
		c.mu.Unlock()
		return nil, mal.ErrNoLoginInProgress
	case attempt.listening || attempt.claimed:
		c.mu.Unlock()
		return nil, mal.ErrLoginInProgress
	}
	waitCtx, stop := joinContexts(ctx, attempt.ctx)
	defer stop()
	attempt.listening = true
	attempt.stopListening = stop
	c.mu.Unlock()

	if timeout <= 0 {
		timeout = c.callbackTimeout
	}
	code, err := c.listener.AwaitCallback(waitCtx, attempt.request.State, attempt.request.RedirectURI, timeout)

	c.mu.Lock()
	attempt.listening = false
	attempt.stopListening = nil
	if attempt.claimed {
		c.unlock()
		return nil, mal.NewAuthenticationError(mal.ErrCancelled, fmt.Errorf("login completed through a pasted callback"))
	}
	c.unlock()

	if err != nil {
		c.abandon(attempt)
		return nil, err
	}
	if err = c.claim(attempt); err != nil {
		return nil, err
	}
	return c.exchange(ctx, attempt, code)
}

// CompleteLoginManual finishes the current attempt from a redirect URL the
// user pasted, for hosts where the browser cannot reach the listener. A state
// mismatch or unparsable input leaves the attempt alive. A concurrent
// CompleteLogin wait is stopped once the pasted callback is accepted.
func (c *Coordinator) CompleteLoginManual(ctx context.Context, callbackURL string) (*mal.TokenSet, error) {
	c.mu.Lock()
	attempt := c.attempt
	c.mu.Unlock()
	if attempt == nil {
		return nil, mal.ErrNoLoginInProgress
	}

	cb, err := misc.ParseOAuthCallback(callbackURL)
	if err != nil {
		return nil, fmt.Errorf("invalid callback URL: %w", err)
	}
	if cb == nil {
		return nil, fmt.Errorf("invalid callback URL: empty input")
	}
	if !mal.StatesEqual(cb.State, attempt.request.State) {
		log.Warn("pasted callback carries a state from another login attempt")
		return nil, mal.NewAuthenticationError(mal.ErrStateMismatch, fmt.Errorf("pasted callback state does not match"))
	}
	if cb.Error != "" {
		c.abandon(attempt)
		return nil, mal.NewAuthenticationError(mal.ErrAuthorizationDenied, mal.NewOAuthError(cb.Error, cb.ErrorDescription, http.StatusBadRequest))
	}

	if err = c.claim(attempt); err != nil {
		return nil, err
	}
	return c.exchange(ctx, attempt, cb.Code)
}

// CancelLogin aborts the current attempt. A blocked CompleteLogin returns
// ErrCancelled and releases the callback socket.
func (c *Coordinator) CancelLogin() error {
	c.mu.Lock()
	defer c.unlock()
	if c.attempt == nil {
		return mal.ErrNoLoginInProgress
	}
	c.endAttemptLocked()
	c.setStateLocked(c.restingStateLocked())
	return nil
}

// claim marks the attempt as exchanging. Only one code per attempt is ever
// exchanged.
func (c *Coordinator) claim(attempt *loginAttempt) error {
	c.mu.Lock()
	defer c.unlock()
	if c.attempt != attempt {
		return mal.NewAuthenticationError(mal.ErrCancelled, fmt.Errorf("login attempt is no longer active"))
	}
	if attempt.claimed {
		return mal.ErrLoginInProgress
	}
	attempt.claimed = true
	if attempt.stopListening != nil {
		attempt.stopListening()
	}
	c.setStateLocked(StateExchangingCode)
	return nil
}

func (c *Coordinator) exchange(ctx context.Context, attempt *loginAttempt, code string) (*mal.TokenSet, error) {
	exCtx, stop := joinContexts(ctx, attempt.ctx)
	defer stop()

	ts, err := c.oauth.ExchangeCode(exCtx, code, attempt.pkce)
	if err != nil {
		log.WithError(err).Warn("authorization code exchange failed")
		c.abandon(attempt)
		return nil, err
	}

	c.mu.Lock()
	defer c.unlock()
	if c.attempt != attempt {
		return nil, mal.NewAuthenticationError(mal.ErrCancelled, fmt.Errorf("login attempt ended during code exchange"))
	}
	c.endAttemptLocked()
	c.epoch++
	errSave := c.store.Save(ctx, ts)
	c.setStateLocked(StateAuthorized)
	if errSave != nil {
		log.WithError(errSave).Warn("login succeeded but the session could not be persisted")
		return ts.Clone(), errSave
	}
	log.WithField("expires_at", ts.ExpiresAt.Format(time.RFC3339)).Info("login complete")
	return ts.Clone(), nil
}

// abandon drops attempt if it is still the live one.
func (c *Coordinator) abandon(attempt *loginAttempt) {
	c.mu.Lock()
	defer c.unlock()
	if c.attempt != attempt {
		return
	}
	c.endAttemptLocked()
	c.setStateLocked(c.restingStateLocked())
}

func (c *Coordinator) endAttemptLocked() {
	if c.attempt == nil {
		return
	}
	c.attempt.cancel()
	c.attempt = nil
}

// restingStateLocked is where a finished or failed login leaves the machine.
// An expired token that cannot be refreshed does not count as a session.
func (c *Coordinator) restingStateLocked() State {
	if ts, ok := c.store.Current(); ok && (ts.RefreshToken != "" || ts.Valid(c.now(), c.skew)) {
		return StateAuthorized
	}
	return StateUnauthenticated
}

// settleLocked records the outcome of a refresh. A login attempt started
// meanwhile owns the state until it ends.
func (c *Coordinator) settleLocked(to State) {
	if c.attempt != nil {
		return
	}
	c.setStateLocked(to)
}

// GetValidToken returns an access token that is valid for at least the
// refresh skew, refreshing it first when needed. Concurrent callers share a
// single refresh.
func (c *Coordinator) GetValidToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	ts, ok := c.store.Current()
	if ok && ts.Valid(c.now(), c.skew) {
		return ts.AccessToken, nil
	}
	if state.loginActive() {
		return "", mal.ErrLoginInProgress
	}
	if !ok {
		return "", mal.ErrAuthenticationRequired
	}
	refreshed, err := c.refresh(ctx, "", false)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// OnUnauthorized is called when the provider rejected rejectedToken. It
// forces a refresh unless the held token already differs from the rejected
// one, and returns the token to retry with.
func (c *Coordinator) OnUnauthorized(ctx context.Context, rejectedToken string) (string, error) {
	ts, ok := c.store.Current()
	if ok && ts.AccessToken != rejectedToken && ts.Valid(c.now(), c.skew) {
		return ts.AccessToken, nil
	}
	if c.State().loginActive() {
		return "", mal.ErrLoginInProgress
	}
	if !ok {
		return "", mal.ErrAuthenticationRequired
	}
	refreshed, err := c.refresh(ctx, rejectedToken, true)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// refresh coalesces concurrent renewals. The shared call is detached from
// the caller's cancellation; a caller whose ctx ends stops waiting only.
func (c *Coordinator) refresh(ctx context.Context, rejected string, force bool) (*mal.TokenSet, error) {
	ch := c.refreshGroup.DoChan("refresh", func() (any, error) {
		return c.doRefresh(context.WithoutCancel(ctx), rejected, force)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*mal.TokenSet).Clone(), nil
	case <-ctx.Done():
		return nil, mal.NewAuthenticationError(mal.ErrCancelled, ctx.Err())
	}
}

func (c *Coordinator) doRefresh(ctx context.Context, rejected string, force bool) (*mal.TokenSet, error) {
	c.mu.Lock()
	current, ok := c.store.Current()
	switch {
	case !ok:
		c.unlock()
		return nil, mal.ErrAuthenticationRequired
	case !force && current.Valid(c.now(), c.skew):
		c.unlock()
		return current, nil
	case force && rejected != "" && current.AccessToken != rejected:
		c.unlock()
		return current, nil
	case current.RefreshToken == "":
		c.settleLocked(StateUnauthenticated)
		c.unlock()
		return nil, mal.NewAuthenticationError(mal.ErrAuthenticationRequired, fmt.Errorf("held token has no refresh token"))
	}
	epoch := c.epoch
	previous := c.state
	c.settleLocked(StateRefreshingToken)
	c.unlock()

	logging.Entry(ctx).WithField("previous", previous.String()).Debug("refreshing access token")
	refreshed, err := c.oauth.Refresh(ctx, current.RefreshToken)

	c.mu.Lock()
	defer c.unlock()

	if c.epoch != epoch {
		// A logout, login or adoption replaced the session meanwhile.
		if latest, held := c.store.Current(); held && latest.Valid(c.now(), c.skew) {
			return latest, nil
		}
		return nil, mal.NewAuthenticationError(mal.ErrAuthenticationRequired, fmt.Errorf("session changed during refresh"))
	}

	if err != nil {
		if errors.Is(err, mal.ErrInvalidGrant) {
			if latest, held := c.store.Current(); held && latest.RefreshToken != current.RefreshToken {
				// another process rotated the token; ours was stale
				c.settleLocked(StateAuthorized)
				return latest, nil
			}
			logging.Entry(ctx).WithError(err).Warn("refresh token rejected, clearing session")
			c.epoch++
			if errClear := c.store.Clear(ctx); errClear != nil {
				log.WithError(errClear).Warn("failed to clear rejected session")
			}
			c.settleLocked(StateUnauthenticated)
			return nil, err
		}
		logging.Entry(ctx).WithError(err).Warn("token refresh failed")
		c.settleLocked(c.restingStateLocked())
		return nil, err
	}

	if errSave := c.store.Save(ctx, refreshed); errSave != nil {
		logging.Entry(ctx).WithError(errSave).Warn("refreshed token could not be persisted")
	}
	c.settleLocked(StateAuthorized)
	logging.Entry(ctx).WithField("expires_at", refreshed.ExpiresAt.Format(time.RFC3339)).Debug("access token refreshed")
	return refreshed, nil
}

// Adopt installs a token set obtained outside the handshake, for example
// one written by another process. A token equal to the held one is not
// written again.
func (c *Coordinator) Adopt(ctx context.Context, ts *mal.TokenSet) error {
	if ts == nil || ts.AccessToken == "" {
		return mal.NewAuthenticationError(mal.ErrConfiguration, fmt.Errorf("adopted token has no access token"))
	}
	c.mu.Lock()
	defer c.unlock()
	if c.state.loginActive() {
		return mal.ErrLoginInProgress
	}
	c.epoch++
	var err error
	if current, ok := c.store.Current(); !ok || !current.Equal(ts) {
		err = c.store.Save(ctx, ts)
	}
	c.setStateLocked(StateAuthorized)
	return err
}

// Logout discards the session, aborting any login attempt.
func (c *Coordinator) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.unlock()
	c.endAttemptLocked()
	c.epoch++
	err := c.store.Clear(ctx)
	c.setStateLocked(StateUnauthenticated)
	return err
}

func (c *Coordinator) setStateLocked(to State) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	log.WithFields(log.Fields{"previous": from.String(), "state": to.String()}).Debug("session state changed")
	if c.onStateChange != nil {
		c.transitions = append(c.transitions, transition{from: from, to: to})
	}
}

// unlock releases c.mu and then delivers queued state-change notifications.
func (c *Coordinator) unlock() {
	pending := c.transitions
	c.transitions = nil
	c.mu.Unlock()
	for _, t := range pending {
		c.onStateChange(t.from, t.to)
	}
}

// joinContexts returns a context cancelled when either parent is.
func joinContexts(parent, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(other, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
