package middlewares

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const authorizationHeader = "Authorization"
const bearerPrefix = "Bearer "

// MakeBearerAuthMiddleware guards h with a shared bearer token.
// Requests without a matching Authorization header are rejected.
func MakeBearerAuthMiddleware(token string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headerValue := r.Header.Get(authorizationHeader)
		if !strings.HasPrefix(headerValue, bearerPrefix) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		presentedToken := strings.TrimPrefix(headerValue, bearerPrefix)
		if subtle.ConstantTimeCompare([]byte(presentedToken), []byte(token)) != 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}
