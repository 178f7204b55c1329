package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var ErrUnauthenticated = errors.New("authentication required")

// Authenticator resolves the user behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// HeaderAuthenticator trusts the user id set by the auth layer in front of the service.
type HeaderAuthenticator struct {
	Header string // defaults to X-User-ID
}

func (a HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	name := a.Header
	if name == "" {
		name = "X-User-ID"
	}
	userID := strings.TrimSpace(r.Header.Get(name))
	if userID == "" {
		return "", ErrUnauthenticated
	}
	return userID, nil
}

type userContextKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.auth.Authenticate(r)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, err)
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userContextKey{}).(string)
	return userID
}
