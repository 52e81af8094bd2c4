// Package secrets resolves the wallet private key from HashiCorp Vault when
// it is not provided through the environment.
package secrets

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"

	"webui-deployer/internal/config"
	"webui-deployer/internal/logger"
)

// Reader reads a KV v2 secret path.
type Reader interface {
	ReadWithContext(ctx context.Context, path string) (*vault.Secret, error)
}

// NewVaultReader builds a token-authenticated Vault logical client.
func NewVaultReader(addr, token string) (Reader, error) {
	if addr == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	if token == "" {
		return nil, fmt.Errorf("vault token is required")
	}

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = addr

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(token)

	return client.Logical(), nil
}

// ResolvePrivateKey fills cfg.PrivateKey from Vault when the environment left
// it empty and VAULT_ADDR is configured. A key already present is kept.
func ResolvePrivateKey(ctx context.Context, cfg *config.Config) error {
	if cfg.PrivateKey != "" || cfg.VaultAddr == "" {
		return nil
	}

	reader, err := NewVaultReader(cfg.VaultAddr, cfg.VaultToken)
	if err != nil {
		return err
	}

	key, err := ReadKV(ctx, reader, cfg.VaultSecretPath, cfg.VaultSecretKey)
	if err != nil {
		return err
	}

	cfg.PrivateKey = key
	logger.WithModule("secrets").WithField("path", cfg.VaultSecretPath).Info("Private key loaded from Vault")
	return nil
}

// ReadKV fetches one string field of a KV v2 secret.
func ReadKV(ctx context.Context, reader Reader, path, key string) (string, error) {
	secret, err := reader.ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret at %s: %w", path, err)
	}
	if secret == nil {
		return "", fmt.Errorf("secret not found at path: %s", path)
	}

	// KV v2 nests the payload under "data"
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("unexpected secret format at path: %s", path)
	}

	value, ok := data[key].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("key %s not found in secret at path: %s", key, path)
	}

	return strings.TrimSpace(value), nil
}
