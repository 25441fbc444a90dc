package httpmiddleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// APIKey rejects requests whose bearer token or X-API-Key header does not
// match one of keys. Keys are compared as HMAC-SHA256 digests under pepper in
// constant time. An empty key list disables the check.
func APIKey(pepper []byte, keys ...string) Middleware {
	digest := func(s string) []byte {
		mac := hmac.New(sha256.New, pepper)
		mac.Write([]byte(s))
		return mac.Sum(nil)
	}
	var allowed [][]byte
	for _, k := range keys {
		if k != "" {
			allowed = append(allowed, digest(k))
		}
	}

	return func(next http.Handler) http.Handler {
		if len(allowed) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if auth := r.Header.Get("Authorization"); key == "" && auth != "" {
				if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
					key = token
				}
			}
			if key == "" {
				writeError(w, http.StatusUnauthorized, "missing API key")
				return
			}
			got := digest(key)
			match := 0
			for _, want := range allowed {
				match |= subtle.ConstantTimeCompare(got, want)
			}
			if match != 1 {
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
