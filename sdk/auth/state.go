package auth

// State is the position of a Coordinator in the credential lifecycle.
type State int

const (
	// StateUnauthenticated holds no usable session; a login is required.
	StateUnauthenticated State = iota
	// StateAwaitingUserAuthorization has issued an authorization URL and
	// waits for the browser redirect.
	StateAwaitingUserAuthorization
	// StateExchangingCode is trading the authorization code for tokens.
	StateExchangingCode
	// StateAuthorized holds a token set.
	StateAuthorized
	// StateRefreshingToken is renewing the access token.
	StateRefreshingToken
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAwaitingUserAuthorization:
		return "awaiting_user_authorization"
	case StateExchangingCode:
		return "exchanging_code"
	case StateAuthorized:
		return "authorized"
	case StateRefreshingToken:
		return "refreshing_token"
	default:
		return "unknown"
	}
}

// loginActive reports whether s belongs to an in-progress login.
func (s State) loginActive() bool {
	return s == StateAwaitingUserAuthorization || s == StateExchangingCode
}
