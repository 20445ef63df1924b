// Package auth validates bearer tokens presented to the control plane.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Validator decides whether a request may talk to the control plane.
type Validator interface {
	Validate(token string) error
}

// Static accepts exactly one token. An empty token disables authentication.
type Static struct {
	token string
}

// NewStatic creates a validator for token.
func NewStatic(token string) *Static {
	return &Static{token: token}
}

// Enabled reports whether a token is required.
func (s *Static) Enabled() bool {
	return s.token != ""
}

func (s *Static) Validate(token string) error {
	if s.token == "" {
		return nil
	}
	if token == "" {
		return ErrMissingToken
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// Allow accepts every request.
type Allow struct{}

func (Allow) Validate(string) error { return nil }

// TokenFromRequest extracts the bearer token from the Authorization header,
// falling back to the token query parameter for websocket clients that
// cannot set headers.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects requests that fail validation with 401.
func Middleware(v Validator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.Validate(TokenFromRequest(r)); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
