package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"silvenger/internal/constants"
	"silvenger/internal/errors"
	"silvenger/internal/tracing"

	"github.com/sirupsen/logrus"
)

type contextKey string

const userIDKey contextKey = "authenticated_user_id"

// UserID returns the authenticated user stored by BearerAuth.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// WithUserID stores an authenticated user id. Exposed for handler tests.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// TokenTable maps bearer tokens to user ids. It can be swapped at runtime
// when the configuration is reloaded.
type TokenTable struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewTokenTable(tokens map[string]string) *TokenTable {
	t := &TokenTable{}
	t.Replace(tokens)
	return t
}

// Replace installs a copy of tokens.
func (t *TokenTable) Replace(tokens map[string]string) {
	next := make(map[string]string, len(tokens))
	for token, userID := range tokens {
		next[token] = userID
	}
	t.mu.Lock()
	t.tokens = next
	t.mu.Unlock()
}

func (t *TokenTable) Lookup(token string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	userID, ok := t.tokens[token]
	return userID, ok
}

func (t *TokenTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tokens)
}

// BearerAuth resolves "Authorization: Bearer <token>" against the token table
// and rejects the request with 401 when it does not match. When apiKey is set
// the apikey header must match it too. Websocket clients that cannot set
// headers may pass access_token as a query parameter.
func BearerAuth(tokens *TokenTable, apiKey string, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("apikey")), []byte(apiKey)) != 1 &&
				subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("apikey")), []byte(apiKey)) != 1 {
				writeAuthError(w, r, errors.NewAuthError("invalid api key"), logger)
				return
			}

			token := bearerToken(r)
			if token == "" {
				writeAuthError(w, r, errors.NewAuthError("missing bearer token"), logger)
				return
			}

			userID, ok := tokens.Lookup(token)
			if !ok {
				writeAuthError(w, r, errors.NewAuthError("unknown bearer token"), logger)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

func writeAuthError(w http.ResponseWriter, r *http.Request, appErr *errors.AppError, logger *logrus.Logger) {
	requestID := tracing.GetRequestID(r.Context())
	logger.WithFields(logrus.Fields{
		constants.LogFieldRequestID: requestID,
		constants.LogFieldEndpoint:  r.URL.Path,
		"reason":                    appErr.Context["reason"],
	}).Warn("Rejected unauthenticated request")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errors.ToHTTPResponse(appErr, requestID))
}
