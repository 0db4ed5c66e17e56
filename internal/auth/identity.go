// Package auth turns bearer tokens into an authenticated Identity. It never
// manages accounts; tokens are minted by an external identity provider or,
// for development, by IssueToken.
package auth

import "context"

type contextKey string

const identityContextKey contextKey = "identity"

// Identity is the authenticated user of a request.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photo_url,omitempty"`
}

// WithIdentity injects an identity into a context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// FromContext extracts the identity from a request context.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(*Identity)
	return id, ok && id != nil
}
