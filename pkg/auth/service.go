package auth

import (
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingBearer = errors.New("bearer token not provided")
	ErrInvalidBearer = errors.New("invalid bearer token")
)

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingBearer
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", ErrInvalidBearer
	}
	return parts[1], nil
}

// ValidateCoordinationSecret validates the shard coordination bearer token
func ValidateCoordinationSecret(token, expected string) error {
	if expected == "" || token == "" {
		return ErrMissingBearer
	}
	if token != expected {
		return ErrInvalidBearer
	}
	return nil
}

// SourceKey extracts the source secret from the upgrade URL query. Both
// parameter spellings are accepted; sinkrKey wins when both are present.
func SourceKey(r *http.Request) string {
	q := r.URL.Query()
	if key := q.Get("sinkrKey"); key != "" {
		return key
	}
	return q.Get("appKey")
}
