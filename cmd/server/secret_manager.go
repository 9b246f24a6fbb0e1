package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/kevin07696/checkout-authorizer/internal/adapters/ports"
	"github.com/kevin07696/checkout-authorizer/internal/adapters/secrets"
	"github.com/kevin07696/checkout-authorizer/internal/config"
	"go.uber.org/zap"
)

// initSecretManager initializes the secret manager selected by SECRETS_BACKEND
//
// Backends:
//   - local: JSON files under SECRETS_LOCAL_PATH (development only)
//   - aws: AWS Secrets Manager in SECRETS_AWS_REGION
//   - vault: HashiCorp Vault KV at SECRETS_VAULT_ADDRESS
func initSecretManager(ctx context.Context, cfg *config.Config, logger *zap.Logger) ports.SecretManagerAdapter {
	sm, err := secrets.NewSecretManager(ctx, cfg.Secrets, logger)
	if err != nil {
		logger.Fatal("Failed to initialize secret manager",
			zap.String("backend", cfg.Secrets.Backend),
			zap.Error(err),
		)
	}

	logger.Info("Secret manager initialized", zap.String("backend", cfg.Secrets.Backend))
	return sm
}

// loadGatewaySecretKey reads the gateway's server-to-server key
func loadGatewaySecretKey(ctx context.Context, sm ports.SecretManagerAdapter, path string) (string, error) {
	secret, err := sm.GetSecret(ctx, path)
	if err != nil {
		return "", fmt.Errorf("get gateway secret key at %s: %w", path, err)
	}

	key := strings.TrimSpace(secret.Value)
	if key == "" {
		return "", fmt.Errorf("gateway secret key at %s is empty", path)
	}
	return key, nil
}
