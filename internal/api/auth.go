package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorized checks the Authorization bearer token in constant time.
// The reject paths for a missing header and a wrong-length token still
// burn one compare so their timing matches the mismatch path.
func (s *Server) authorized(r *http.Request) bool {
	key := []byte(s.cfg.APIKey)
	if len(key) == 0 {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		subtle.ConstantTimeCompare(key, key)
		return false
	}
	candidate := []byte(token)
	if len(candidate) != len(key) {
		subtle.ConstantTimeCompare(key, key)
		return false
	}
	return subtle.ConstantTimeCompare(candidate, key) == 1
}
