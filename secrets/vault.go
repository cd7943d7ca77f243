package secrets

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/vault/api"
)

// VaultConfig locates a single KV secret whose fields hold the values
// served by [Vault].
type VaultConfig struct {
	Address string
	Token   string
	// Path is the logical path read, e.g. "secret/data/tenantgate" for a
	// KV v2 mount.
	Path    string
	Timeout time.Duration
}

// Vault reads secrets from one HashiCorp Vault KV path. Both KV v1 and KV v2
// response shapes are understood.
type Vault struct {
	client *api.Client
	path   string
}

// NewVault creates a Vault provider. The client is otherwise configured from
// the standard VAULT_* environment variables.
func NewVault(cfg VaultConfig) (*Vault, error) {
	apiCfg := api.DefaultConfig()
	if apiCfg.Error != nil {
		return nil, apiCfg.Error
	}
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}
	if cfg.Timeout > 0 {
		apiCfg.Timeout = cfg.Timeout
	}
	// Retries are handled by Cached at startup.
	apiCfg.MaxRetries = 0

	c, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("secrets: vault client: %w", err)
	}
	if cfg.Token != "" {
		c.SetToken(cfg.Token)
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("secrets: vault path is required")
	}
	return &Vault{client: c, path: cfg.Path}, nil
}

// Secret implements Provider.
func (v *Vault) Secret(ctx context.Context, key string) (string, error) {
	s, err := v.client.Logical().ReadWithContext(ctx, v.path)
	if err != nil {
		return "", fmt.Errorf("secrets: vault read %s: %w", v.path, err)
	}
	if s == nil || s.Data == nil {
		return "", ErrNotFound
	}
	data := s.Data
	// KV v2 nests the fields under "data".
	if inner, ok := data["data"].(map[string]any); ok {
		data = inner
	}
	val, ok := data[key].(string)
	if !ok || val == "" {
		return "", ErrNotFound
	}
	return val, nil
}
