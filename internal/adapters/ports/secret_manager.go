package ports

import (
	"context"
)

// Secret represents a retrieved secret with metadata
type Secret struct {
	Value     string            // The secret value (e.g., a store's public key)
	Version   string            // Secret version identifier
	Metadata  map[string]string // Additional secret metadata
	CreatedAt string            // When this version was created
}

// SecretManagerAdapter defines the port for reading and provisioning secrets
// Supports multiple backends: AWS Secrets Manager, HashiCorp Vault, local files
// Implementations cache reads with a TTL and invalidate on write.
type SecretManagerAdapter interface {
	// GetSecret retrieves a secret by its path/name
	// Path format: "stores/{store_code}/public_key"
	// Returns an error wrapping ErrSecretNotFound when the secret does not exist
	GetSecret(ctx context.Context, path string) (*Secret, error)

	// PutSecret creates or updates a secret and returns the new version identifier
	PutSecret(ctx context.Context, path string, value string, metadata map[string]string) (version string, err error)
}
