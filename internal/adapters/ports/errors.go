package ports

import "errors"

// ErrSecretNotFound is returned by secret managers for unknown paths
var ErrSecretNotFound = errors.New("secret not found")
