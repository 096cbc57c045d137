package mal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// GeneratePKCECodes generates a new verifier/challenge pair for the given method.
// MyAnimeList only accepts the plain method, so an empty method means plain.
func GeneratePKCECodes(method string) (*PKCECodes, error) {
	switch method {
	case "", MethodPlain:
		method = MethodPlain
	case MethodS256:
	default:
		return nil, NewAuthenticationError(ErrConfiguration, fmt.Errorf("unsupported PKCE method %q", method))
	}

	codeVerifier, err := generateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}

	return &PKCECodes{
		CodeVerifier:  codeVerifier,
		CodeChallenge: CodeChallenge(codeVerifier, method),
		Method:        method,
	}, nil
}

// generateCodeVerifier returns 96 random bytes as unpadded base64url, which is
// 128 characters from the unreserved set.
func generateCodeVerifier() (string, error) {
	bytes := make([]byte, 96)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// CodeChallenge derives the transmitted challenge from a verifier.
func CodeChallenge(codeVerifier, method string) string {
	if method != MethodS256 {
		return codeVerifier
	}
	hash := sha256.Sum256([]byte(codeVerifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}
