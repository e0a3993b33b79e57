package secrets

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// VaultConfig locates a HashiCorp Vault server.
type VaultConfig struct {
	Address       string
	Token         string
	Namespace     string        // Enterprise namespace.
	Timeout       time.Duration // Default 5s.
	TLSSkipVerify bool
}

// VaultConfigFromEnv reads VAULT_ADDR, VAULT_TOKEN, VAULT_NAMESPACE,
// VAULT_CLIENT_TIMEOUT and VAULT_SKIP_VERIFY, the variables the vault CLI uses.
func VaultConfigFromEnv() VaultConfig {
	cfg := VaultConfig{
		Address:       os.Getenv("VAULT_ADDR"),
		Token:         os.Getenv("VAULT_TOKEN"),
		Namespace:     os.Getenv("VAULT_NAMESPACE"),
		TLSSkipVerify: os.Getenv("VAULT_SKIP_VERIFY") == "true",
	}
	if d, err := time.ParseDuration(os.Getenv("VAULT_CLIENT_TIMEOUT")); err == nil {
		cfg.Timeout = d
	}
	return cfg
}

// VaultProvider resolves vault://<kv v2 api path>#<field> references with
// token authentication. Without a field the whole data map is returned as
// JSON. Safe for concurrent use.
type VaultProvider struct {
	address   string
	token     string
	namespace string
	client    *http.Client
}

// NewVaultProvider creates a Vault KV v2 provider.
func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	if cfg.Address == "" {
		return nil, errors.New("vault address is required (VAULT_ADDR)")
	}
	if cfg.Token == "" {
		return nil, errors.New("vault token is required (VAULT_TOKEN)")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &VaultProvider{
		address:   strings.TrimRight(cfg.Address, "/"),
		token:     cfg.Token,
		namespace: cfg.Namespace,
		client:    &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

func (p *VaultProvider) Name() string { return "vault" }

func (p *VaultProvider) Resolve(ctx context.Context, ref string) (*Secret, error) {
	if !strings.HasPrefix(ref, SchemeVault) {
		return nil, fmt.Errorf("%w: vault provider only handles vault:// references", ErrSecretNotFound)
	}
	path, field, _ := strings.Cut(strings.TrimPrefix(ref, SchemeVault), "#")
	if path == "" {
		return nil, fmt.Errorf("%w: empty vault path", ErrSecretNotFound)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.address+"/v1/"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", p.token)
	if p.namespace != "" {
		req.Header.Set("X-Vault-Namespace", p.namespace)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading vault response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: vault path %q not found", ErrSecretNotFound, path)
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("vault access denied for path %q (check token policies)", path)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("vault returned status %d for path %q", resp.StatusCode, path)
	}

	// KV v2 envelope: {"data": {"data": {...}, "metadata": {...}}}
	var envelope struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("parsing vault response: %w", err)
	}
	data := envelope.Data.Data
	if data == nil {
		return nil, fmt.Errorf("%w: vault path %q returned no data", ErrSecretNotFound, path)
	}

	metadata := map[string]string{"source": "vault", "path": path}
	if field == "" {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding vault data: %w", err)
		}
		return &Secret{Value: string(raw), Metadata: metadata}, nil
	}

	metadata["field"] = field
	val, ok := data[field]
	if !ok {
		return nil, fmt.Errorf("%w: field %q not found in vault path %q", ErrSecretNotFound, field, path)
	}
	str, ok := val.(string)
	if !ok {
		return nil, fmt.Errorf("vault field %q in path %q is not a string", field, path)
	}
	return &Secret{Value: str, Metadata: metadata}, nil
}
