package httpx

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// RequireToken rejects requests whose X-Builder-Token header does not match
// expected. An empty expected token disables the check.
func RequireToken(expected string, logger *slog.Logger, next http.HandlerFunc) http.HandlerFunc {
	expected = strings.TrimSpace(expected)
	return func(w http.ResponseWriter, req *http.Request) {
		if expected == "" {
			next(w, req)
			return
		}
		token := strings.TrimSpace(req.Header.Get("X-Builder-Token"))
		if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			logger.Warn("builder token mismatch", "path", req.URL.Path)
			WriteError(w, http.StatusUnauthorized, "invalid builder token")
			return
		}
		next(w, req)
	}
}
