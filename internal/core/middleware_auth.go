package core

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"subledger/internal/types"
)

// RequireOpsToken guards the ops surface with the static operator token from
// configuration. It expects "Authorization: Bearer <token>" and compares the
// presented token against OPS_API_TOKEN in constant time.
//
// Distinct error codes on 401:
//   - auth_token_missing: No Authorization header or empty Bearer token.
//   - auth_token_invalid: Token does not match.
//
// The guard carries no identity: every caller holding the token is the same
// "operator". Requests that pass are attributed to a system Actor in context
// so audit fields downstream have something to record.
func (s *Server) RequireOpsToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authorization header is required")
			return
		}

		token := extractBearerToken(authHeader)
		if token == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
			return
		}

		expected := s.Config.Ops.APIToken.Unmask()
		if expected == "" {
			// Startup validation requires the token, so reaching this means
			// the server was built with a hand-rolled config. Fail closed.
			s.Logger.Error("ops token is not configured, rejecting request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			s.Logger.Warn("ops token mismatch",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}

		ctx := types.WithActor(r.Context(), types.Actor{
			ID:   "ops",
			Type: types.ActorSystem,
		})

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractBearerToken parses the Authorization header value and returns
// the token string. It expects the format "Bearer <token>" (case-insensitive
// scheme per RFC 7235). Returns empty string if the format is invalid.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	// Case-insensitive comparison of the "Bearer " scheme prefix per RFC 7235.
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	token := authHeader[len(prefix):]
	return strings.TrimSpace(token)
}

// writeAuthError writes a 401 Unauthorized JSON response with the given error code.
func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	requestID := types.GetRequestID(r.Context())
	resp := APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: requestID,
		},
	}
	JSON(w, r, http.StatusUnauthorized, resp)
}
