package handlers

import (
	"crypto/subtle"
	"net/http"

	"go.uber.org/zap"

	"cron-keeper/errs"
	"cron-keeper/logger"
)

const AdminTokenHeader = "X-Admin-Token"

// AdminOnly rejects requests that do not carry token in the X-Admin-Token
// header. An empty token locks the admin surface entirely.
func AdminOnly(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(AdminTokenHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				logger.Logger.Warn("Rejected admin request",
					zap.String("method", r.Method), zap.String("path", r.URL.Path))
				writeError(w, errs.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
