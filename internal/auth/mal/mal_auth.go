package mal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

// defaultTokenLifetime applies when the provider reports no lifetime at all.
const defaultTokenLifetime = time.Hour

// MALAuth builds authorization URLs and talks to the token endpoint.
type MALAuth struct {
	creds      ClientCredentials
	authURL    string
	tokenURL   string
	httpClient *http.Client
	now        func() time.Time
}

// Option customises a MALAuth.
type Option func(*MALAuth)

// WithEndpoints overrides the authorization and token endpoints.
func WithEndpoints(authURL, tokenURL string) Option {
	return func(a *MALAuth) {
		if strings.TrimSpace(authURL) != "" {
			a.authURL = strings.TrimSpace(authURL)
		}
		if strings.TrimSpace(tokenURL) != "" {
			a.tokenURL = strings.TrimSpace(tokenURL)
		}
	}
}

// WithHTTPClient sets the client used for token requests (proxy settings live here).
func WithHTTPClient(client *http.Client) Option {
	return func(a *MALAuth) {
		a.httpClient = client
	}
}

// WithClock replaces time.Now when stamping expiry times.
func WithClock(now func() time.Time) Option {
	return func(a *MALAuth) {
		if now != nil {
			a.now = now
		}
	}
}

// NewMALAuth creates a new MALAuth for the given credentials.
func NewMALAuth(creds ClientCredentials, opts ...Option) *MALAuth {
	a := &MALAuth{
		creds:    creds,
		authURL:  AuthURL,
		tokenURL: TokenURL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Credentials returns the client credentials this instance was built with.
func (o *MALAuth) Credentials() ClientCredentials {
	return o.creds
}

// ValidateEndpoints checks both endpoints are absolute http(s) URLs.
func (o *MALAuth) ValidateEndpoints() error {
	for _, raw := range []string{o.authURL, o.tokenURL} {
		u, err := url.Parse(raw)
		if err != nil {
			return NewAuthenticationError(ErrConfiguration, fmt.Errorf("parse endpoint %q: %w", raw, err))
		}
		if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return NewAuthenticationError(ErrConfiguration, fmt.Errorf("endpoint %q must be an absolute http(s) URL", raw))
		}
	}
	return nil
}

// BuildAuthURL creates the authorization URL for one attempt. The result is a
// pure function of the credentials, state and challenge.
func (o *MALAuth) BuildAuthURL(state string, pkceCodes *PKCECodes) (string, error) {
	if pkceCodes == nil {
		return "", fmt.Errorf("PKCE codes are required")
	}
	if state == "" {
		return "", fmt.Errorf("state is required")
	}
	method := pkceCodes.Method
	if method == "" {
		method = MethodPlain
	}

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {o.creds.ClientID},
		"redirect_uri":          {o.creds.RedirectURI},
		"state":                 {state},
		"code_challenge":        {pkceCodes.CodeChallenge},
		"code_challenge_method": {method},
	}

	sep := "?"
	if strings.Contains(o.authURL, "?") {
		sep = "&"
	}
	return o.authURL + sep + params.Encode(), nil
}

// ExchangeCode trades an authorization code for a token set.
func (o *MALAuth) ExchangeCode(ctx context.Context, code string, pkceCodes *PKCECodes) (*TokenSet, error) {
	if pkceCodes == nil {
		return nil, fmt.Errorf("PKCE codes are required for token exchange")
	}
	if strings.TrimSpace(code) == "" {
		return nil, NewAuthenticationError(ErrAuthorizationDenied, fmt.Errorf("authorization code is empty"))
	}

	tok, err := o.oauthConfig().Exchange(o.clientContext(ctx), code, oauth2.VerifierOption(pkceCodes.CodeVerifier))
	if err != nil {
		return nil, classifyTokenError(ctx, err, false)
	}
	log.Debug("authorization code exchanged for tokens")
	return o.tokenSet(tok, ""), nil
}

// Refresh trades a refresh token for a new token set. A response without a new
// refresh token keeps the previous one.
func (o *MALAuth) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	if refreshToken == "" {
		return nil, NewAuthenticationError(ErrInvalidGrant, fmt.Errorf("refresh token is required"))
	}

	src := o.oauthConfig().TokenSource(o.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyTokenError(ctx, err, true)
	}
	log.Debug("access token refreshed")
	return o.tokenSet(tok, refreshToken), nil
}

func (o *MALAuth) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     o.creds.ClientID,
		ClientSecret: o.creds.ClientSecret,
		RedirectURL:  o.creds.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   o.authURL,
			TokenURL:  o.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (o *MALAuth) clientContext(ctx context.Context) context.Context {
	if o.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
}

// tokenSet converts a library token, stamping the expiry from the lifetime the
// provider reported at the moment of receipt.
func (o *MALAuth) tokenSet(tok *oauth2.Token, previousRefresh string) *TokenSet {
	received := o.now()
	expiresAt := received.Add(defaultTokenLifetime)
	if seconds, ok := expiresInSeconds(tok.Extra("expires_in")); ok {
		expiresAt = received.Add(time.Duration(seconds) * time.Second)
	} else if !tok.Expiry.IsZero() {
		expiresAt = tok.Expiry
	}

	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = DefaultTokenType
	}
	return &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt.UTC(),
		TokenType:    tokenType,
	}
}

func expiresInSeconds(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), t > 0
	case int64:
		return t, t > 0
	case int:
		return int64(t), t > 0
	case json.Number:
		n, err := t.Int64()
		return n, err == nil && n > 0
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil && n > 0
	default:
		return 0, false
	}
}

// classifyTokenError maps a token endpoint failure onto the error taxonomy.
// On the refresh path every OAuth rejection means the stored refresh token is
// unusable; MAL reports revoked refresh tokens as invalid_request.
func classifyTokenError(ctx context.Context, err error, refresh bool) error {
	if rErr, ok := errors.AsType[*oauth2.RetrieveError](err); ok {
		status := 0
		if rErr.Response != nil {
			status = rErr.Response.StatusCode
		}
		oauthErr := NewOAuthError(rErr.ErrorCode, rErr.ErrorDescription, status)
		oauthErr.URI = rErr.ErrorURI
		if oauthErr.Code == "" {
			oauthErr.Code = gjson.GetBytes(rErr.Body, "error").String()
		}
		if oauthErr.Description == "" {
			oauthErr.Description = describeBody(rErr.Body)
		}

		switch {
		case oauthErr.Code == "invalid_grant", oauthErr.Code == "invalid_client", oauthErr.Code == "unauthorized_client":
			return NewAuthenticationError(ErrInvalidGrant, oauthErr)
		case status == 0 || status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
			return NewAuthenticationError(ErrNetwork, err)
		case refresh:
			return NewAuthenticationError(ErrInvalidGrant, oauthErr)
		default:
			if oauthErr.Code == "" {
				oauthErr.Code = http.StatusText(status)
			}
			return NewAuthenticationError(ErrAuthorizationDenied, oauthErr)
		}
	}
	if ctx.Err() != nil {
		return NewAuthenticationError(ErrCancelled, err)
	}
	return NewAuthenticationError(ErrNetwork, err)
}

func describeBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	parts := make([]string, 0, 2)
	for _, key := range []string{"message", "hint"} {
		if v := strings.TrimSpace(gjson.GetBytes(body, key).String()); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}
