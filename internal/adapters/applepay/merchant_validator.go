package applepay

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kevin07696/checkout-authorizer/internal/domain"
	"github.com/kevin07696/checkout-authorizer/internal/domain/ports"
	pkghttp "github.com/kevin07696/checkout-authorizer/pkg/http"
	"go.uber.org/zap"
)

const maxSessionBytes = 64 << 10

// Config identifies the merchant to the wallet gateway
type Config struct {
	MerchantIdentifier string
	DisplayName        string

	// Merchant identity certificate, PEM encoded
	CertFile string
	KeyFile  string

	Timeout time.Duration
}

// MerchantValidator requests merchant sessions from the Apple Pay gateway
// using the merchant identity certificate.
type MerchantValidator struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger
}

var _ ports.MerchantValidator = (*MerchantValidator)(nil)

// NewMerchantValidator loads the identity certificate and builds the client
func NewMerchantValidator(config Config, logger *zap.Logger) (*MerchantValidator, error) {
	cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load merchant identity certificate: %w", err)
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := pkghttp.NewHTTPClient(pkghttp.WalletClientConfig(cert), timeout)
	return newMerchantValidator(config, client, logger), nil
}

func newMerchantValidator(config Config, client *http.Client, logger *zap.Logger) *MerchantValidator {
	return &MerchantValidator{config: config, httpClient: client, logger: logger}
}

type sessionRequest struct {
	MerchantIdentifier string `json:"merchantIdentifier"`
	DisplayName        string `json:"displayName"`
	Initiative         string `json:"initiative"`
	InitiativeContext  string `json:"initiativeContext"`
}

// ValidateMerchant returns the opaque merchant session body unchanged
func (v *MerchantValidator) ValidateMerchant(ctx context.Context, validationURL string, domainName string) ([]byte, error) {
	body, err := json.Marshal(sessionRequest{
		MerchantIdentifier: v.config.MerchantIdentifier,
		DisplayName:        v.config.DisplayName,
		Initiative:         "web",
		InitiativeContext:  domainName,
	})
	if err != nil {
		return nil, fmt.Errorf("encode session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, validationURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("merchant session request: %w", err)
	}
	defer resp.Body.Close()

	session, err := io.ReadAll(io.LimitReader(resp.Body, maxSessionBytes))
	if err != nil {
		return nil, fmt.Errorf("read merchant session: %w", err)
	}

	v.logger.Debug("Merchant session response",
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("merchant session request returned %d", resp.StatusCode)
	}
	if !json.Valid(session) {
		return nil, fmt.Errorf("merchant session is not valid JSON")
	}
	return session, nil
}

// DisabledValidator rejects every validation. Used when no merchant identity
// certificate is configured.
type DisabledValidator struct{}

var _ ports.MerchantValidator = DisabledValidator{}

// ValidateMerchant always fails with ErrorCodeWalletMerchantValidationFailed
func (DisabledValidator) ValidateMerchant(context.Context, string, string) ([]byte, error) {
	return nil, domain.NewDomainError(domain.ErrorCodeWalletMerchantValidationFailed,
		"merchant identity certificate is not configured")
}
