package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrMissingToken indicates that the Authorization header was not provided.
	ErrMissingToken = errors.New("missing dispatch token")
	// ErrInvalidScheme indicates the header did not use the Token scheme.
	ErrInvalidScheme = errors.New("invalid authorization scheme")
)

// ExtractToken parses the Authorization header used to guard manual
// dispatch: "Authorization: Token <value>".
func ExtractToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}

	if !strings.HasPrefix(header, "Token ") {
		return "", ErrInvalidScheme
	}

	token := strings.TrimPrefix(header, "Token ")
	if token == "" {
		return "", ErrMissingToken
	}

	return token, nil
}

// TokenEqual compares a presented token against the configured secret in
// constant time.
func TokenEqual(presented, secret string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) == 1
}
