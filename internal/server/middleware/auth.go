package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

const operatorRealm = `Bearer realm="expirybot"`

// Auth guards the operator API with a shared key, sent either as
// X-API-Key or as a Bearer token. An empty key turns the check off. Paths
// in public are always served.
//
// Keys are compared as SHA-256 digests so the comparison time does not
// depend on the presented key's length.
func Auth(apiKey string, public ...string) func(http.Handler) http.Handler {
	open := make(map[string]struct{}, len(public))
	for _, p := range public {
		open[p] = struct{}{}
	}
	want := sha256.Sum256([]byte(apiKey))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := open[r.URL.Path]; ok || apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := sha256.Sum256([]byte(operatorKey(r)))
			if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				w.Header().Set("WWW-Authenticate", operatorRealm)
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"operator key required"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// operatorKey returns the presented key. X-API-Key wins over Authorization.
func operatorKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return k
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
