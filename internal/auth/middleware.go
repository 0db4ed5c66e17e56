package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/hcloud/hcloud/internal/logging"
	"github.com/hcloud/hcloud/internal/metrics"
)

// Verifier resolves a bearer token to an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// Chain tries each verifier in order. Nil verifiers are skipped.
type Chain []Verifier

// Verify returns the first successful verification.
func (c Chain) Verify(ctx context.Context, token string) (*Identity, error) {
	var errs []error
	for _, v := range c {
		if v == nil {
			continue
		}
		id, err := v.Verify(ctx, token)
		if err == nil {
			return id, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, errors.New("no verifier configured")
	}
	return nil, errors.Join(errs...)
}

// Middleware returns HTTP middleware that requires a valid bearer token and
// stores the identity in the request context.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := extractToken(r)
			if tokenStr == "" {
				metrics.RecordAuthAttempt(false)
				sendAuthError(w, http.StatusUnauthorized, "missing authentication token")
				return
			}

			id, err := v.Verify(r.Context(), tokenStr)
			if err != nil {
				metrics.RecordAuthAttempt(false)
				logging.Debug("token rejected", logging.Err(err))
				sendAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			metrics.RecordAuthAttempt(true)
			ctx := WithIdentity(r.Context(), id)
			ctx = logging.WithUser(ctx, id.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID resolves the authenticated user of r, for use by other middleware.
func UserID(r *http.Request) (string, bool) {
	id, ok := FromContext(r.Context())
	if !ok {
		return "", false
	}
	return id.UserID, true
}

func extractToken(r *http.Request) string {
	// Bearer token from Authorization header
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Query parameter fallback for EventSource, which cannot set headers
	return r.URL.Query().Get("token")
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": message,
		"code":  code,
	})
}
