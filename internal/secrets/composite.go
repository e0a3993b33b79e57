package secrets

import (
	"context"
	"fmt"
	"strings"
)

// CompositeProvider hands each reference to the provider of its scheme.
type CompositeProvider struct {
	providers []Provider
}

// NewCompositeProvider combines providers. Each reference goes to the
// first provider whose scheme matches.
func NewCompositeProvider(providers ...Provider) *CompositeProvider {
	return &CompositeProvider{providers: providers}
}

func (p *CompositeProvider) Name() string { return "composite" }

func (p *CompositeProvider) Resolve(ctx context.Context, ref string) (*Secret, error) {
	for _, provider := range p.providers {
		if strings.HasPrefix(ref, provider.Name()+"://") {
			return provider.Resolve(ctx, ref)
		}
	}
	scheme, _, _ := strings.Cut(ref, "://")
	return nil, fmt.Errorf("%w: no provider for %s:// references", ErrSecretNotFound, scheme)
}
