package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Authenticator extracts the caller's user id from a request. ok is false
// when the request carries no credential the authenticator accepts.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, ok bool)
}

// StaticTokens authenticates bearer tokens against a fixed token → user
// table.
type StaticTokens map[string]string

// Authenticate implements Authenticator.
func (t StaticTokens) Authenticate(r *http.Request) (string, bool) {
	token := bearerToken(r)
	if token == "" {
		return "", false
	}
	for known, user := range t {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return user, true
		}
	}
	return "", false
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
