package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/taofu-labs/tpn-core/internal/api/response"
	"github.com/taofu-labs/tpn-core/internal/validatorreg"
)

// extractAPIKey reads the admin key from either the Authorization:
// Bearer header or the api_key query parameter, since the audit route
// is meant to be linkable directly from a browser.
func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	return r.URL.Query().Get("api_key")
}

// RequireAdminKey authorizes a request if either it carries the
// correct admin API key or it originates from a known validator's
// unspoofable remote address.
func RequireAdminKey(adminKey string, validators *validatorreg.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := validators.IsValidator(r); ok {
				next.ServeHTTP(w, r)
				return
			}

			key := extractAPIKey(r)
			if key == "" || adminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
				response.WriteError(w, http.StatusUnauthorized, "missing or invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
