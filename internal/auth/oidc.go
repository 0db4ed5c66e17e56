package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"

	"github.com/hcloud/hcloud/internal/logging"
)

// OIDCConfig holds OIDC provider configuration.
type OIDCConfig struct {
	IssuerURL string // e.g. https://accounts.example.com
	ClientID  string
}

// OIDCVerifier validates ID tokens from an OIDC provider.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the provider at cfg.IssuerURL.
// Returns nil if IssuerURL is empty (OIDC disabled).
func NewOIDCVerifier(ctx context.Context, cfg OIDCConfig) (*OIDCVerifier, error) {
	if cfg.IssuerURL == "" {
		return nil, nil
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider init: %w", err)
	}

	logging.Info("OIDC provider initialized",
		zap.String("issuer", cfg.IssuerURL),
		zap.String("client_id", cfg.ClientID))

	return &OIDCVerifier{
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

// Verify validates an ID token and maps its standard claims.
func (o *OIDCVerifier) Verify(ctx context.Context, tokenStr string) (*Identity, error) {
	if o == nil {
		return nil, fmt.Errorf("oidc disabled")
	}
	idToken, err := o.verifier.Verify(ctx, tokenStr)
	if err != nil {
		return nil, err
	}

	var claims struct {
		Sub               string `json:"sub"`
		Name              string `json:"name"`
		PreferredUsername string `json:"preferred_username"`
		Email             string `json:"email"`
		Picture           string `json:"picture"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse oidc claims: %w", err)
	}

	// Prefer name, then preferred_username, then email, then sub
	name := claims.Name
	for _, alt := range []string{claims.PreferredUsername, claims.Email, claims.Sub} {
		if name != "" {
			break
		}
		name = alt
	}
	return &Identity{UserID: claims.Sub, DisplayName: name, PhotoURL: claims.Picture}, nil
}
