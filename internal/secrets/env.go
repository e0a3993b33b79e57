package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider resolves env://VARIABLE references.
type EnvProvider struct{}

// NewEnvProvider creates an environment variable provider.
func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	if !strings.HasPrefix(ref, SchemeEnv) {
		return nil, fmt.Errorf("%w: env provider only handles env:// references", ErrSecretNotFound)
	}
	name := strings.TrimPrefix(ref, SchemeEnv)
	if name == "" {
		return nil, fmt.Errorf("%w: empty environment variable name", ErrSecretNotFound)
	}
	value := os.Getenv(name)
	if value == "" {
		return nil, fmt.Errorf("%w: environment variable %q is not set or empty", ErrSecretNotFound, name)
	}
	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "env", "variable": name},
	}, nil
}
