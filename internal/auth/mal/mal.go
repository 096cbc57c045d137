// Package mal implements the MyAnimeList OAuth2 authorization-code flow with PKCE:
// challenge generation, authorization URL construction, the local callback
// listener and the token endpoint exchanges. Session state and persistence live
// in the callers (sdk/auth and internal/store).
package mal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// OAuth configuration defaults for MyAnimeList.
const (
	AuthURL            = "https://myanimelist.net/v1/oauth2/authorize"
	TokenURL           = "https://myanimelist.net/v1/oauth2/token"
	DefaultRedirectURI = "http://localhost:2561/callback"
)

// PKCE challenge methods.
const (
	MethodPlain = "plain"
	MethodS256  = "S256"
)

// DefaultTokenType is used when the provider omits token_type.
const DefaultTokenType = "Bearer"

// PKCECodes holds the verification codes for a single authorization attempt.
type PKCECodes struct {
	// CodeVerifier is sent only with the final code exchange.
	CodeVerifier string `json:"code_verifier"`
	// CodeChallenge is sent with the authorization request.
	CodeChallenge string `json:"code_challenge"`
	// Method is "plain" or "S256".
	Method string `json:"code_challenge_method"`
}

// ClientCredentials identifies the registered application.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Validate checks the credentials are usable for the handshake.
func (c ClientCredentials) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return NewAuthenticationError(ErrConfiguration, fmt.Errorf("client id is required"))
	}
	if _, _, err := CallbackAddress(c.RedirectURI); err != nil {
		return NewAuthenticationError(ErrConfiguration, err)
	}
	return nil
}

// Fingerprint returns a short stable identifier for the client id, suitable for
// file names and keyring entries.
func (c ClientCredentials) Fingerprint() string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(c.ClientID)))
	return hex.EncodeToString(sum[:])[:16]
}

// TokenSet is the credential pair issued by the token endpoint.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenType    string    `json:"token_type"`
}

// Valid reports whether the access token can be used at now with the given skew.
func (t *TokenSet) Valid(now time.Time, skew time.Duration) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return now.Add(skew).Before(t.ExpiresAt)
}

// Clone returns an independent copy.
func (t *TokenSet) Clone() *TokenSet {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Equal compares two token sets, using time.Equal for the expiry.
func (t *TokenSet) Equal(o *TokenSet) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.AccessToken == o.AccessToken &&
		t.RefreshToken == o.RefreshToken &&
		t.TokenType == o.TokenType &&
		t.ExpiresAt.Equal(o.ExpiresAt)
}

// CallbackAddress splits a redirect URI into the local address to bind and the
// route path to serve.
func CallbackAddress(redirectURI string) (addr string, path string, err error) {
	raw := strings.TrimSpace(redirectURI)
	if raw == "" {
		return "", "", fmt.Errorf("redirect uri is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse redirect uri: %w", err)
	}
	if u.Scheme != "http" {
		return "", "", fmt.Errorf("redirect uri must use http, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return "", "", fmt.Errorf("redirect uri has no host")
	}
	port := u.Port()
	if port == "" {
		port = "80"
	}
	path = u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return net.JoinHostPort(host, port), path, nil
}
