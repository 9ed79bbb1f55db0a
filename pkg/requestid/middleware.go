package requestid

import (
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

const (
	Header      = "X-Request-ID"
	maxIDLength = 128
	idPattern   = "^[a-zA-Z0-9_-]+$"
)

var validIDRegex = regexp.MustCompile(idPattern)

// Middleware propagates X-Request-ID, generating one when absent or invalid.
func Middleware(next http.Handler) http.Handler {
	return New()(next)
}

// New returns a middleware that takes the request id from the first valid
// header in headers, then X-Request-ID. Billing providers send their own
// delivery ids (for example Stripe's Request-Id on API calls), which makes
// webhook logs traceable on the provider dashboard.
func New(headers ...string) func(http.Handler) http.Handler {
	lookup := append(append([]string{}, headers...), Header)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := ""
			for _, h := range lookup {
				if v := r.Header.Get(h); isValidRequestID(v) {
					requestID = v
					break
				}
			}
			if requestID == "" {
				requestID = uuid.New().String()
			}
			w.Header().Set(Header, requestID)
			next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), requestID)))
		})
	}
}

func isValidRequestID(id string) bool {
	if len(id) == 0 || len(id) > maxIDLength {
		return false
	}
	return validIDRegex.MatchString(id)
}
