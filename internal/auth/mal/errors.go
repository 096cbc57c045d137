package mal

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuthError represents an error payload returned by the provider, either on the
// authorization redirect or from the token endpoint.
type OAuthError struct {
	// Code is the OAuth error code.
	Code string `json:"error"`
	// Description is a human-readable description of the error.
	Description string `json:"error_description,omitempty"`
	// URI is a URI identifying a human-readable web page with information about the error.
	URI string `json:"error_uri,omitempty"`
	// StatusCode is the HTTP status code associated with the error.
	StatusCode int `json:"-"`
}

// Error returns a string representation of the OAuth error.
func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("OAuth error %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("OAuth error: %s", e.Code)
}

// NewOAuthError creates a new OAuth error with the specified code, description, and status code.
func NewOAuthError(code, description string, statusCode int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		StatusCode:  statusCode,
	}
}

// AuthenticationError is the single error shape surfaced by the credential core.
// Two values match under errors.Is when their Type is equal, so callers compare
// against the sentinels below.
type AuthenticationError struct {
	// Type is the type of authentication error.
	Type string `json:"type"`
	// Message is a human-readable message describing the error.
	Message string `json:"message"`
	// Code is the HTTP status code (or process exit code) associated with the error.
	Code int `json:"code"`
	// Cause is the underlying error that caused this authentication error.
	Cause error `json:"-"`
}

// Error returns a string representation of the authentication error.
func (e *AuthenticationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *AuthenticationError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AuthenticationError of the same type.
func (e *AuthenticationError) Is(target error) bool {
	t, ok := target.(*AuthenticationError)
	if !ok || t == nil {
		return false
	}
	return t.Type == e.Type
}

// Error types.
const (
	TypeConfiguration          = "configuration_error"
	TypeNetwork                = "network_error"
	TypeAuthorizationDenied    = "authorization_denied"
	TypeStateMismatch          = "state_mismatch"
	TypeCallbackTimeout        = "callback_timeout"
	TypeInvalidGrant           = "invalid_grant"
	TypeStorage                = "storage_error"
	TypeAuthenticationRequired = "authentication_required"
	TypeLoginInProgress        = "login_in_progress"
	TypeNoLoginInProgress      = "no_login_in_progress"
	TypeCancelled              = "cancelled"
	TypePortInUse              = "port_in_use"
	TypeServerStartFailed      = "server_start_failed"
)

var (
	// ErrConfiguration is returned for unusable client credentials or endpoints.
	ErrConfiguration = &AuthenticationError{
		Type:    TypeConfiguration,
		Message: "Invalid client configuration",
		Code:    http.StatusBadRequest,
	}

	// ErrNetwork is returned when the token endpoint could not be reached or answered garbage.
	ErrNetwork = &AuthenticationError{
		Type:    TypeNetwork,
		Message: "Failed to reach the token endpoint",
		Code:    http.StatusBadGateway,
	}

	// ErrAuthorizationDenied is returned when the user or provider refused the authorization.
	ErrAuthorizationDenied = &AuthenticationError{
		Type:    TypeAuthorizationDenied,
		Message: "Authorization was denied",
		Code:    http.StatusForbidden,
	}

	// ErrStateMismatch represents a callback whose state does not belong to the live attempt.
	ErrStateMismatch = &AuthenticationError{
		Type:    TypeStateMismatch,
		Message: "OAuth state parameter does not match",
		Code:    http.StatusBadRequest,
	}

	// ErrCallbackTimeout represents an error when waiting for OAuth callback times out.
	ErrCallbackTimeout = &AuthenticationError{
		Type:    TypeCallbackTimeout,
		Message: "Timeout waiting for OAuth callback",
		Code:    http.StatusRequestTimeout,
	}

	// ErrInvalidGrant is returned when the provider rejects the code or refresh token.
	ErrInvalidGrant = &AuthenticationError{
		Type:    TypeInvalidGrant,
		Message: "The provider rejected the grant; log in again",
		Code:    http.StatusUnauthorized,
	}

	// ErrStorage wraps encryption and persistence failures.
	ErrStorage = &AuthenticationError{
		Type:    TypeStorage,
		Message: "Token storage failed",
		Code:    http.StatusInternalServerError,
	}

	// ErrAuthenticationRequired is returned when no session is held.
	ErrAuthenticationRequired = &AuthenticationError{
		Type:    TypeAuthenticationRequired,
		Message: "No authorized session",
		Code:    http.StatusUnauthorized,
	}

	// ErrLoginInProgress is returned when a second login is started while one is active.
	ErrLoginInProgress = &AuthenticationError{
		Type:    TypeLoginInProgress,
		Message: "A login attempt is already in progress",
		Code:    http.StatusConflict,
	}

	// ErrNoLoginInProgress is returned when completing a login that was never begun.
	ErrNoLoginInProgress = &AuthenticationError{
		Type:    TypeNoLoginInProgress,
		Message: "No login attempt has been started",
		Code:    http.StatusConflict,
	}

	// ErrCancelled is returned when the caller aborts an in-flight login.
	ErrCancelled = &AuthenticationError{
		Type:    TypeCancelled,
		Message: "Login was cancelled",
		Code:    499,
	}

	// ErrPortInUse represents an error when the OAuth callback port is already in use.
	ErrPortInUse = &AuthenticationError{
		Type:    TypePortInUse,
		Message: "OAuth callback port is already in use",
		Code:    13, // Special exit code for port-in-use
	}

	// ErrServerStartFailed represents an error when starting the OAuth callback server fails.
	ErrServerStartFailed = &AuthenticationError{
		Type:    TypeServerStartFailed,
		Message: "Failed to start OAuth callback server",
		Code:    http.StatusInternalServerError,
	}
)

// NewAuthenticationError creates a new authentication error with a cause based on a base error.
func NewAuthenticationError(baseErr *AuthenticationError, cause error) *AuthenticationError {
	return &AuthenticationError{
		Type:    baseErr.Type,
		Message: baseErr.Message,
		Code:    baseErr.Code,
		Cause:   cause,
	}
}

// IsAuthenticationError checks if an error is an authentication error.
func IsAuthenticationError(err error) bool {
	_, ok := errors.AsType[*AuthenticationError](err)
	return ok
}

// IsOAuthError checks if an error is an OAuth error.
func IsOAuthError(err error) bool {
	_, ok := errors.AsType[*OAuthError](err)
	return ok
}

// IsRetryable reports whether err is a transport failure worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// GetUserFriendlyMessage returns a user-friendly error message based on the error type.
func GetUserFriendlyMessage(err error) string {
	if authErr, ok := errors.AsType[*AuthenticationError](err); ok {
		switch authErr.Type {
		case TypeConfiguration:
			return "The client configuration is invalid. Check client-id and redirect-uri."
		case TypeNetwork:
			return "Could not reach MyAnimeList. Check your connection and try again."
		case TypeAuthorizationDenied:
			if oauthErr, okOAuth := errors.AsType[*OAuthError](err); okOAuth && oauthErr.Code == "access_denied" {
				return "Authentication was cancelled or denied."
			}
			return "Authorization was refused. Please log in again."
		case TypeStateMismatch:
			return "The callback did not belong to this login attempt. Please try again."
		case TypeCallbackTimeout:
			return "Authentication timed out. Please try again."
		case TypeInvalidGrant:
			return "Your session has expired or was revoked. Please log in again."
		case TypeStorage:
			return "Your session could not be saved; it will last until this program exits."
		case TypeAuthenticationRequired:
			return "Please log in to continue."
		case TypeLoginInProgress:
			return "A login is already in progress."
		case TypeCancelled:
			return "Login cancelled."
		case TypePortInUse:
			return "The callback port is already in use. Close the application using it or change redirect-uri."
		default:
			return "Authentication failed. Please try again."
		}
	}
	if oauthErr, ok := errors.AsType[*OAuthError](err); ok {
		switch oauthErr.Code {
		case "access_denied":
			return "Authentication was cancelled or denied."
		case "invalid_request":
			return "Invalid authentication request. Please try again."
		case "server_error":
			return "Authentication server error. Please try again later."
		default:
			return fmt.Sprintf("Authentication failed: %s", oauthErr.Description)
		}
	}
	return "An unexpected error occurred. Please try again."
}
