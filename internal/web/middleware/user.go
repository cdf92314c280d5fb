package middleware

import (
	"net/http"
	"strings"

	"github.com/JonMunkholm/portfoliolens/internal/core"
)

// UserIDHeader carries the operator id set by the identity proxy.
const UserIDHeader = "X-User-ID"

// UserID stores the operator id from UserIDHeader on the request context,
// where sessions and jobs pick it up.
func UserID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := strings.TrimSpace(r.Header.Get(UserIDHeader)); id != "" {
			r = r.WithContext(core.ContextWithUserID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
