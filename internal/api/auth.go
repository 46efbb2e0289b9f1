package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

const (
	bearerScheme    = "Bearer "
	wwwAuthenticate = `Bearer realm="rendergate"`
)

var (
	errNoToken    = errors.New("missing bearer token")
	errBadScheme  = errors.New("authorization must use the Bearer scheme")
	errWrongToken = errors.New("invalid API token")
)

// bearerToken returns the token from an "Authorization: Bearer <token>" header.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errNoToken
	}
	if !strings.HasPrefix(header, bearerScheme) {
		return "", errBadScheme
	}
	token := strings.TrimSpace(header[len(bearerScheme):])
	if token == "" {
		return "", errNoToken
	}
	return token, nil
}

// tokenMatches compares in constant time. An unset configured token matches nothing.
func tokenMatches(got, want string) bool {
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err == nil && !tokenMatches(token, s.config.APIKey) {
			err = errWrongToken
		}
		if err != nil {
			w.Header().Set("WWW-Authenticate", wwwAuthenticate)
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
