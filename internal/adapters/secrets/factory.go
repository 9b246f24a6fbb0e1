package secrets

import (
	"context"
	"fmt"

	"github.com/kevin07696/checkout-authorizer/internal/adapters/ports"
	"github.com/kevin07696/checkout-authorizer/internal/config"
	"go.uber.org/zap"
)

// Supported backends for SECRETS_BACKEND
const (
	BackendLocal = "local"
	BackendAWS   = "aws"
	BackendVault = "vault"
)

// NewSecretManager builds the secret manager selected by cfg.Backend
func NewSecretManager(ctx context.Context, cfg config.SecretsConfig, logger *zap.Logger) (ports.SecretManagerAdapter, error) {
	switch cfg.Backend {
	case BackendLocal:
		logger.Warn("Using local filesystem secrets, not for production use",
			zap.String("path", cfg.LocalPath),
		)
		return NewLocalSecretManager(cfg.LocalPath, logger), nil

	case BackendAWS:
		awsCfg := DefaultAWSSecretsManagerConfig(cfg.AWSRegion)
		awsCfg.Profile = cfg.AWSProfile
		awsCfg.Endpoint = cfg.AWSEndpoint
		if cfg.CacheTTL > 0 {
			awsCfg.CacheTTL = cfg.CacheTTL
		}
		return NewAWSSecretsManagerAdapter(ctx, awsCfg, logger)

	case BackendVault:
		vaultCfg := DefaultVaultConfig(cfg.VaultAddress)
		vaultCfg.AuthMethod = cfg.VaultAuthMethod
		vaultCfg.Token = cfg.VaultToken
		vaultCfg.RoleID = cfg.VaultRoleID
		vaultCfg.SecretID = cfg.VaultSecretID
		vaultCfg.Namespace = cfg.VaultNamespace
		if cfg.VaultMountPath != "" {
			vaultCfg.MountPath = cfg.VaultMountPath
		}
		if cfg.VaultKVVersion != "" {
			vaultCfg.KVVersion = cfg.VaultKVVersion
		}
		if cfg.CacheTTL > 0 {
			vaultCfg.CacheTTL = cfg.CacheTTL
		}
		return NewVaultAdapter(ctx, vaultCfg, logger)

	default:
		return nil, fmt.Errorf("unknown secrets backend %q", cfg.Backend)
	}
}
