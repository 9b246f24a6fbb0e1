package authorization

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	adapterports "github.com/kevin07696/checkout-authorizer/internal/adapters/ports"
	"github.com/kevin07696/checkout-authorizer/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// StoreDefaults apply to every store unless its secret metadata overrides them.
type StoreDefaults struct {
	SuccessURL    string
	FailureURL    string
	WalletEnabled bool
}

// Secret metadata keys that override StoreDefaults
const (
	metadataSuccessURL    = "success_url"
	metadataFailureURL    = "failure_url"
	metadataWalletEnabled = "wallet_enabled"
)

var storeCodePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// StorePublicKeyPath is where a store's public credential lives in the secret manager
func StorePublicKeyPath(storeCode string) string {
	return fmt.Sprintf("stores/%s/public_key", storeCode)
}

// StoreCredentialResolver builds StoreContext values from the secret manager
type StoreCredentialResolver struct {
	secretManager adapterports.SecretManagerAdapter
	defaults      StoreDefaults
	logger        *zap.Logger
	ttl           time.Duration
	now           func() time.Time

	mu     sync.RWMutex
	cache  map[string]cachedStore
	lookup singleflight.Group
}

type cachedStore struct {
	store     domain.StoreContext
	expiresAt time.Time
}

// NewStoreCredentialResolver creates a new store credential resolver
func NewStoreCredentialResolver(
	secretManager adapterports.SecretManagerAdapter,
	defaults StoreDefaults,
	ttl time.Duration,
	logger *zap.Logger,
) *StoreCredentialResolver {
	return &StoreCredentialResolver{
		secretManager: secretManager,
		defaults:      defaults,
		logger:        logger,
		ttl:           ttl,
		now:           time.Now,
		cache:         make(map[string]cachedStore),
	}
}

// Resolve returns the store's context. Unknown stores fail with
// ErrorCodeStoreNotFound.
func (r *StoreCredentialResolver) Resolve(ctx context.Context, storeCode string) (domain.StoreContext, error) {
	code := strings.ToLower(strings.TrimSpace(storeCode))
	if !storeCodePattern.MatchString(code) {
		return domain.StoreContext{}, domain.WrapError(domain.ErrorCodeStoreNotFound,
			fmt.Sprintf("invalid store code %q", storeCode), nil)
	}

	if store, ok := r.cached(code); ok {
		return store, nil
	}

	v, err, _ := r.lookup.Do(code, func() (interface{}, error) {
		return r.load(ctx, code)
	})
	if err != nil {
		return domain.StoreContext{}, err
	}
	return v.(domain.StoreContext), nil
}

func (r *StoreCredentialResolver) load(ctx context.Context, code string) (domain.StoreContext, error) {
	secret, err := r.secretManager.GetSecret(ctx, StorePublicKeyPath(code))
	if err != nil {
		if errors.Is(err, adapterports.ErrSecretNotFound) {
			return domain.StoreContext{}, domain.WrapError(domain.ErrorCodeStoreNotFound,
				fmt.Sprintf("store %s has no public key", code), err)
		}
		return domain.StoreContext{}, fmt.Errorf("failed to load store credential: %w", err)
	}

	key := strings.TrimSpace(secret.Value)
	if key == "" {
		return domain.StoreContext{}, domain.WrapError(domain.ErrorCodeStoreNotFound,
			fmt.Sprintf("store %s has an empty public key", code), nil)
	}

	store := domain.StoreContext{
		Code:          code,
		PublicKey:     key,
		SuccessURL:    r.defaults.SuccessURL,
		FailureURL:    r.defaults.FailureURL,
		WalletEnabled: r.defaults.WalletEnabled,
	}
	if v := secret.Metadata[metadataSuccessURL]; v != "" {
		store.SuccessURL = v
	}
	if v := secret.Metadata[metadataFailureURL]; v != "" {
		store.FailureURL = v
	}
	if v, ok := secret.Metadata[metadataWalletEnabled]; ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			r.logger.Warn("Ignoring malformed wallet_enabled flag",
				zap.String("store_code", code),
				zap.String("value", v),
			)
		} else {
			store.WalletEnabled = enabled
		}
	}

	if r.ttl > 0 {
		r.mu.Lock()
		r.cache[code] = cachedStore{store: store, expiresAt: r.now().Add(r.ttl)}
		r.mu.Unlock()
	}
	return store, nil
}

func (r *StoreCredentialResolver) cached(code string) (domain.StoreContext, bool) {
	r.mu.RLock()
	entry, ok := r.cache[code]
	r.mu.RUnlock()
	if !ok || r.now().After(entry.expiresAt) {
		return domain.StoreContext{}, false
	}
	return entry.store, true
}

// VerifyToken compares the caller's token with the store's public key in
// constant time. An unconfigured key never matches.
func VerifyToken(store domain.StoreContext, token string) bool {
	if store.PublicKey == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(store.PublicKey), []byte(token)) == 1
}
