package secrets

import (
	"context"
	"errors"
	"strings"

	"github.com/ManuelReschke/payhook/internal/pkg/env"
)

// ErrSecretNotFound is returned when no signing secret is configured.
var ErrSecretNotFound = errors.New("signing secret not configured")

// Provider resolves the shared secret used to verify a provider's signatures.
type Provider interface {
	SigningSecret(ctx context.Context, provider, organizationID string) (string, error)
}

// EnvProvider reads WEBHOOK_SECRET_<PROVIDER>_<ORG>, then WEBHOOK_SECRET_<PROVIDER>.
type EnvProvider struct {
	lookup func(key, def string) string
}

func NewEnvProvider() *EnvProvider {
	return &EnvProvider{lookup: env.GetEnv}
}

func (p *EnvProvider) SigningSecret(_ context.Context, provider, organizationID string) (string, error) {
	base := "WEBHOOK_SECRET_" + normalize(provider)
	if organizationID != "" {
		if s := strings.TrimSpace(p.lookup(base+"_"+normalize(organizationID), "")); s != "" {
			return s, nil
		}
	}
	if s := strings.TrimSpace(p.lookup(base, "")); s != "" {
		return s, nil
	}
	return "", ErrSecretNotFound
}

func normalize(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(strings.TrimSpace(s)))
}

// Static is a fixed provider->secret map, used by tests and single-tenant setups.
type Static map[string]string

func (s Static) SigningSecret(_ context.Context, provider, _ string) (string, error) {
	if v, ok := s[provider]; ok && v != "" {
		return v, nil
	}
	return "", ErrSecretNotFound
}
