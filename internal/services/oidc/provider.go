// Package oidc verifies bearer tokens issued by the configured identity provider.
package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/benvon/picklepal/internal/database"
	"github.com/benvon/picklepal/internal/models"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// ErrNotConfigured is returned when no usable provider configuration exists
var ErrNotConfigured = errors.New("identity provider not configured")

// Provider resolves the identity provider configuration and verifies tokens against it
type Provider struct {
	repo     database.OIDCConfigRepositoryInterface
	name     string
	jwks     *JWKSManager
	client   *http.Client
	discover func(ctx context.Context, issuer string) (string, error)
}

// NewProvider creates a provider for the named oidc_config row
func NewProvider(repo database.OIDCConfigRepositoryInterface, name string, jwks *JWKSManager) *Provider {
	p := &Provider{
		repo:   repo,
		name:   name,
		jwks:   jwks,
		client: &http.Client{Timeout: 5 * time.Second},
	}
	p.discover = p.discoverJWKSURL
	return p
}

// GetConfig retrieves the OIDC configuration
func (p *Provider) GetConfig(ctx context.Context) (*models.OIDCConfig, error) {
	config, err := p.repo.GetByProvider(ctx, p.name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotConfigured, err)
	}
	return config, nil
}

// Authenticate verifies tokenString and returns its claims. Verification failures wrap
// ErrInvalidToken; configuration problems wrap ErrNotConfigured.
func (p *Provider) Authenticate(ctx context.Context, tokenString string) (*models.JWTClaims, error) {
	config, err := p.GetConfig(ctx)
	if err != nil {
		return nil, err
	}

	jwksURL, err := p.jwksURL(ctx, config)
	if err != nil {
		return nil, err
	}
	return NewVerifier(p.jwks, config.Issuer, config.ClientID).Verify(ctx, tokenString, jwksURL)
}

// ResolveJWKS returns the JWKS URL in effect and the keys it serves
func (p *Provider) ResolveJWKS(ctx context.Context) (string, jwk.Set, error) {
	config, err := p.GetConfig(ctx)
	if err != nil {
		return "", nil, err
	}
	jwksURL, err := p.jwksURL(ctx, config)
	if err != nil {
		return "", nil, err
	}
	set, err := p.jwks.GetJWKS(ctx, jwksURL)
	if err != nil {
		return jwksURL, nil, err
	}
	return jwksURL, set, nil
}

// jwksURL prefers the configured URL and falls back to issuer discovery
func (p *Provider) jwksURL(ctx context.Context, config *models.OIDCConfig) (string, error) {
	if config.JWKSUrl != nil && *config.JWKSUrl != "" {
		return *config.JWKSUrl, nil
	}
	u, err := p.discover(ctx, config.Issuer)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotConfigured, err)
	}
	return u, nil
}

// discoverJWKSURL reads jwks_uri from the issuer's discovery document
func (p *Provider) discoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	discoveryURL := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create discovery request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}
	var discovery struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&discovery); err != nil {
		return "", fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if discovery.JWKSURI == "" {
		return "", errors.New("discovery document has no jwks_uri")
	}
	return discovery.JWKSURI, nil
}
