// Package auth provides bearer token acquisition for the Fabric APIs and
// the Logs Ingestion endpoint. The collector consumes a CredentialProvider;
// the prioritized method chain (explicit token, then service principal)
// lives here, behind that interface.
package auth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/fabricsight/fabricsight/pkg/config"
	"github.com/fabricsight/fabricsight/pkg/errors"
)

// Token is a bearer token with its expiry
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token exists and has not expired
func (t Token) Valid() bool {
	return t.Value != "" && (t.ExpiresAt.IsZero() || time.Now().Before(t.ExpiresAt))
}

// CredentialProvider resolves a bearer token for a scope
type CredentialProvider interface {
	Token(ctx context.Context, scope string) (Token, error)
	Name() string
}

// StaticProvider returns a pre-acquired token. It never expires from the
// collector's point of view; refresh requests return the same value.
type StaticProvider struct {
	token string
}

// NewStaticProvider creates a provider around an explicit bearer token
func NewStaticProvider(token string) *StaticProvider {
	return &StaticProvider{token: token}
}

// Token implements CredentialProvider
func (p *StaticProvider) Token(_ context.Context, _ string) (Token, error) {
	if p.token == "" {
		return Token{}, errors.New(errors.ErrorTypeAuthentication, "no static token configured")
	}
	return Token{Value: p.token}, nil
}

// Name implements CredentialProvider
func (p *StaticProvider) Name() string { return "static" }

// ServicePrincipalProvider acquires tokens from Azure AD with the client
// credentials grant.
type ServicePrincipalProvider struct {
	tenantID     string
	clientID     string
	clientSecret string
	tokenURL     string
}

// NewServicePrincipalProvider creates a service principal provider. An
// empty tokenURL derives the v2.0 endpoint from the tenant ID.
func NewServicePrincipalProvider(tenantID, clientID, clientSecret, tokenURL string) *ServicePrincipalProvider {
	if tokenURL == "" {
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID)
	}
	return &ServicePrincipalProvider{
		tenantID:     tenantID,
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
	}
}

// Token implements CredentialProvider
func (p *ServicePrincipalProvider) Token(ctx context.Context, scope string) (Token, error) {
	if p.clientID == "" || p.clientSecret == "" {
		return Token{}, errors.New(errors.ErrorTypeAuthentication, "service principal credentials are incomplete")
	}

	cc := clientcredentials.Config{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		TokenURL:     p.tokenURL,
		Scopes:       []string{scope},
	}

	tok, err := cc.Token(ctx)
	if err != nil {
		return Token{}, errors.Wrap(err, errors.ErrorTypeAuthentication, "client credentials grant failed")
	}

	return Token{Value: tok.AccessToken, ExpiresAt: tok.Expiry}, nil
}

// Name implements CredentialProvider
func (p *ServicePrincipalProvider) Name() string { return "service_principal" }

// ChainProvider tries providers in order and returns the first token.
// Configuration wins: an explicit token provider is placed ahead of the
// service principal provider by NewChainFromConfig.
type ChainProvider struct {
	providers []CredentialProvider
}

// NewChainProvider creates a chain over the given providers
func NewChainProvider(providers ...CredentialProvider) *ChainProvider {
	return &ChainProvider{providers: providers}
}

// Token implements CredentialProvider
func (p *ChainProvider) Token(ctx context.Context, scope string) (Token, error) {
	if len(p.providers) == 0 {
		return Token{}, errors.New(errors.ErrorTypeAuthentication, "no credential providers configured")
	}

	var lastErr error
	for _, provider := range p.providers {
		tok, err := provider.Token(ctx, scope)
		if err == nil {
			return tok, nil
		}
		lastErr = err
	}

	return Token{}, errors.Wrap(lastErr, errors.ErrorTypeAuthentication,
		fmt.Sprintf("all %d credential providers failed", len(p.providers)))
}

// Name implements CredentialProvider
func (p *ChainProvider) Name() string { return "chain" }

// NewChainFromConfig builds the prioritized chain from configuration: an
// explicit token first when present, then the service principal.
func NewChainFromConfig(cfg config.AuthConfig) *ChainProvider {
	var providers []CredentialProvider
	if cfg.Token != "" {
		providers = append(providers, NewStaticProvider(cfg.Token))
	}
	if cfg.TenantID != "" || cfg.ClientID != "" || cfg.TokenURL != "" {
		providers = append(providers, NewServicePrincipalProvider(
			cfg.TenantID, cfg.ClientID, cfg.ClientSecret, cfg.TokenURL))
	}
	return NewChainProvider(providers...)
}
