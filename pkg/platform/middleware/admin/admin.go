package admin

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	request "github.com/smedrec/smart-logs-sub000/pkg/platform/middleware/request"
	"github.com/smedrec/smart-logs-sub000/pkg/requestcontext"
)

const (
	HeaderAdminToken = "X-Admin-Token"
	HeaderOperatorID = "X-Operator-ID"
)

// RequireAdminToken rejects requests that do not carry the shared admin token.
// An empty expected token disables the check.
func RequireAdminToken(expectedToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expectedToken == "" {
				next.ServeHTTP(w, r)
				return
			}
			token := r.Header.Get(HeaderAdminToken)
			// Use constant-time comparison to prevent timing attacks
			if subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
				ctx := r.Context()
				logger.WarnContext(ctx, "admin token mismatch",
					"request_id", request.GetRequestID(ctx),
				)
				writeUnauthorized(w, "admin token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireOperator stores the X-Operator-ID header in the request context and
// rejects requests without one.
func RequireOperator(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			operator := strings.TrimSpace(r.Header.Get(HeaderOperatorID))
			if operator == "" {
				ctx := r.Context()
				logger.WarnContext(ctx, "operator identity missing",
					"request_id", request.GetRequestID(ctx),
					"path", r.URL.Path,
				)
				writeUnauthorized(w, "operator identity required")
				return
			}
			ctx := requestcontext.WithOperatorID(r.Context(), operator)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"` + desc + `"}`))
}
