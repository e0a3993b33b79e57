// Package secrets resolves secret references in configuration values.
// Instead of carrying a JWT secret or a DSN inline, a config value may name
// where it lives: env://VAR, file:///run/secrets/name or
// vault://secret/data/path#field.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Secret holds resolved credential material. Never log or serialize it.
type Secret struct {
	Value    string
	Metadata map[string]string // Where it came from, never the value.
}

// Provider resolves references of one or more schemes.
// Implementations must be safe for concurrent use.
type Provider interface {
	Resolve(ctx context.Context, ref string) (*Secret, error)
	// Name identifies the provider in errors and logs.
	Name() string
}

// ErrSecretNotFound is returned when a reference cannot be resolved.
var ErrSecretNotFound = errors.New("secret not found")

// Reference schemes.
const (
	SchemeEnv   = "env://"
	SchemeFile  = "file://"
	SchemeVault = "vault://"
)

var schemes = []string{SchemeEnv, SchemeFile, SchemeVault}

// IsRef reports whether value is a secret reference rather than a literal.
func IsRef(value string) bool {
	for _, s := range schemes {
		if strings.HasPrefix(value, s) {
			return true
		}
	}
	return false
}

// NewDefault returns a provider for env:// and file:// references, and for
// vault:// references when VAULT_ADDR is set.
func NewDefault() (Provider, error) {
	providers := []Provider{NewEnvProvider(), NewFileProvider()}
	if os.Getenv("VAULT_ADDR") != "" {
		vp, err := NewVaultProvider(VaultConfigFromEnv())
		if err != nil {
			return nil, err
		}
		providers = append(providers, vp)
	}
	return NewCompositeProvider(providers...), nil
}

// Expand replaces *value with the secret it references. Literal values are
// left untouched.
func Expand(ctx context.Context, p Provider, value *string) error {
	if value == nil || !IsRef(*value) {
		return nil
	}
	s, err := p.Resolve(ctx, *value)
	if err != nil {
		scheme, _, _ := strings.Cut(*value, "://")
		return fmt.Errorf("resolving %s:// reference: %w", scheme, err)
	}
	*value = s.Value
	return nil
}
