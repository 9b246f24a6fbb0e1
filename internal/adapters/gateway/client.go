package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kevin07696/checkout-authorizer/internal/domain"
	"github.com/kevin07696/checkout-authorizer/internal/domain/ports"
	"github.com/kevin07696/checkout-authorizer/pkg/observability"
	"github.com/kevin07696/checkout-authorizer/pkg/resilience"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	operationCharge = "charge"
	operationFetch  = "fetch"

	maxResponseBytes = 1 << 20
)

// Config contains configuration for the gateway client
type Config struct {
	// Base URL of the payments API
	// Sandbox: https://api.sandbox.checkout.com
	// Production: https://api.checkout.com
	BaseURL string

	// Secret key used for server-to-server calls
	SecretKey string

	// Per-request timeout, applied on top of the caller's context
	Timeout time.Duration

	// Attempts for read-only lookups. Charges are never retried.
	FetchMaxAttempts int

	// Request 3-D Secure on charges
	ThreeDSEnabled bool

	// Authorize and capture in one step
	AutoCapture bool

	CircuitBreaker CircuitBreakerConfig
}

// DefaultConfig returns default configuration for the given environment
func DefaultConfig(environment string) Config {
	baseURL := "https://api.checkout.com"
	if environment != "production" {
		baseURL = "https://api.sandbox.checkout.com"
	}

	return Config{
		BaseURL:          baseURL,
		Timeout:          30 * time.Second,
		FetchMaxAttempts: 3,
		ThreeDSEnabled:   true,
		CircuitBreaker:   DefaultCircuitBreakerConfig(),
	}
}

// Client implements ports.GatewayClient over the gateway's JSON API
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger
	breaker    *CircuitBreaker
	backoff    resilience.BackoffStrategy
	fetches    singleflight.Group
}

var _ ports.GatewayClient = (*Client)(nil)

// NewClient creates a gateway client. httpClient is typically built with
// pkg/http.NewHTTPClient(pkg/http.GatewayClientConfig(), ...).
func NewClient(config Config, httpClient *http.Client, logger *zap.Logger) *Client {
	breakerCfg := config.CircuitBreaker
	breakerCfg.IsFailure = countsAgainstGateway
	breakerCfg.OnStateChange = func(from, to CircuitState) {
		observability.SetGatewayCircuitState(int(to))
		logger.Warn("Gateway circuit breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
		breaker:    NewCircuitBreaker(breakerCfg),
		backoff:    resilience.DefaultExponentialBackoff(),
	}
}

// countsAgainstGateway trips the breaker only for transport-level failures.
// A 4xx means our request was wrong, not that the gateway is down.
func countsAgainstGateway(err error) bool {
	return domain.IsDomainError(err, domain.ErrorCodeGatewayUnreachable)
}

// Wire format

type paymentSource struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type threeDSRequest struct {
	Enabled bool `json:"enabled"`
}

type paymentRequest struct {
	Source     paymentSource     `json:"source"`
	ThreeDS    *threeDSRequest   `json:"3ds,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Currency   string            `json:"currency"`
	Reference  string            `json:"reference"`
	SuccessURL string            `json:"success_url,omitempty"`
	FailureURL string            `json:"failure_url,omitempty"`
	Amount     int64             `json:"amount"`
	Capture    bool              `json:"capture"`
}

type link struct {
	Href string `json:"href"`
}

type paymentResponse struct {
	Approved  *bool  `json:"approved"`
	ID        string `json:"id"`
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Links     struct {
		Redirect *link `json:"redirect"`
	} `json:"_links"`
}

// Charge submits a new payment. It is sent at most once.
func (c *Client) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.GatewayResponse, error) {
	amount, err := domain.ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, domain.WrapError(domain.ErrorCodeValidationFailed, "invalid charge amount", err)
	}

	body := paymentRequest{
		Source:     paymentSource{Type: "token", Token: req.PaymentToken},
		Amount:     amount,
		Currency:   strings.ToUpper(req.Currency),
		Reference:  req.Reference,
		Capture:    c.config.AutoCapture,
		SuccessURL: req.SuccessURL,
		FailureURL: req.FailureURL,
	}
	if c.config.ThreeDSEnabled {
		body.ThreeDS = &threeDSRequest{Enabled: true}
	}
	if req.CardBin != "" {
		body.Metadata = map[string]string{"card_bin": req.CardBin}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode charge: %w", err)
	}

	c.logger.Info("Sending gateway charge",
		zap.String("reference", req.Reference),
		zap.Int64("amount", amount),
		zap.String("currency", body.Currency),
		zap.Bool("three_ds", c.config.ThreeDSEnabled),
	)

	var resp *domain.GatewayResponse
	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = c.do(ctx, operationCharge, http.MethodPost, "/payments", payload, "order-"+req.Reference)
		return callErr
	})
	if err != nil {
		return nil, c.classifyError(operationCharge, err)
	}

	c.logger.Info("Gateway charge completed",
		zap.String("reference", req.Reference),
		zap.String("payment_id", resp.ID),
		zap.String("status", resp.Status),
		zap.Stringer("kind", resp.Kind()),
	)

	return resp, nil
}

// FetchByID looks up a payment or challenge session. Concurrent lookups for
// the same id share one round trip.
func (c *Client) FetchByID(ctx context.Context, id string) (*domain.GatewayResponse, error) {
	if strings.TrimSpace(id) == "" {
		return nil, domain.WrapError(domain.ErrorCodeValidationFailed, "payment id is required", nil)
	}

	ch := c.fetches.DoChan(id, func() (interface{}, error) {
		// Joined callers must not inherit the first caller's deadline.
		flightCtx, cancel := c.flightContext(ctx)
		defer cancel()

		var resp *domain.GatewayResponse
		err := resilience.Retry(flightCtx, c.backoff, c.config.FetchMaxAttempts, countsAgainstGateway,
			func(ctx context.Context, attempt int) error {
				if attempt > 0 {
					c.logger.Info("Retrying gateway lookup",
						zap.String("payment_id", id),
						zap.Int("attempt", attempt),
					)
				}
				return c.breaker.Execute(ctx, func(ctx context.Context) error {
					var callErr error
					resp, callErr = c.do(ctx, operationFetch, http.MethodGet, "/payments/"+url.PathEscape(id), nil, "")
					return callErr
				})
			})
		return resp, err
	})

	select {
	case <-ctx.Done():
		return nil, domain.WrapError(domain.ErrorCodeGatewayUnreachable, "gateway lookup cancelled", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, c.classifyError(operationFetch, res.Err)
		}
		return res.Val.(*domain.GatewayResponse), nil
	}
}

// flightContext detaches a shared lookup from the caller that started it and
// bounds it by the per-attempt timeout times the attempt budget.
func (c *Client) flightContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if c.config.Timeout <= 0 {
		return context.WithCancel(detached)
	}
	attempts := c.config.FetchMaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return context.WithTimeout(detached, c.config.Timeout*time.Duration(attempts))
}

// IsValidResponse checks the fields the authorizer relies on
func (c *Client) IsValidResponse(resp *domain.GatewayResponse) bool {
	if resp == nil {
		return false
	}
	if resp.ID == "" || resp.Status == "" {
		return false
	}
	if len(resp.Raw) == 0 || !json.Valid(resp.Raw) {
		return false
	}
	if resp.Kind() == domain.ResponseKindChallenge {
		u, err := url.Parse(resp.Challenge.RedirectURL)
		return err == nil && u.Scheme == "https" && u.Host != ""
	}
	return true
}

func (c *Client) do(ctx context.Context, operation, method, path string, payload []byte, idempotencyKey string) (*domain.GatewayResponse, error) {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.config.BaseURL, "/")+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.config.SecretKey)
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		httpReq.Header.Set("Cko-Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		observability.RecordGatewayRequest(operation, "unreachable", time.Since(start).Seconds())
		return nil, domain.WrapError(domain.ErrorCodeGatewayUnreachable, "gateway request failed", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		observability.RecordGatewayRequest(operation, "unreachable", time.Since(start).Seconds())
		return nil, domain.WrapError(domain.ErrorCodeGatewayUnreachable, "failed to read gateway response", err)
	}

	c.logger.Debug("Received gateway response",
		zap.String("operation", operation),
		zap.Int("status_code", httpResp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("body_length", len(body)),
	)

	switch {
	case httpResp.StatusCode >= 500:
		observability.RecordGatewayRequest(operation, "unreachable", time.Since(start).Seconds())
		return nil, domain.WrapError(domain.ErrorCodeGatewayUnreachable,
			fmt.Sprintf("gateway returned HTTP %d", httpResp.StatusCode), nil).
			WithDetail("request_id", httpResp.Header.Get("Cko-Request-Id"))
	case httpResp.StatusCode >= 400:
		observability.RecordGatewayRequest(operation, "rejected", time.Since(start).Seconds())
		return nil, domain.WrapError(domain.ErrorCodeGatewayRejected,
			fmt.Sprintf("gateway returned HTTP %d", httpResp.StatusCode), nil).
			WithDetail("request_id", httpResp.Header.Get("Cko-Request-Id"))
	}

	resp, err := normalize(body)
	if err != nil {
		observability.RecordGatewayRequest(operation, "rejected", time.Since(start).Seconds())
		return nil, err
	}

	observability.RecordGatewayRequest(operation, "ok", time.Since(start).Seconds())
	return resp, nil
}

// normalize maps the gateway body onto the discriminated response type
func normalize(body []byte) (*domain.GatewayResponse, error) {
	var parsed paymentResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, domain.WrapError(domain.ErrorCodeGatewayRejected, "gateway response is not valid JSON", err)
	}
	if parsed.ID == "" {
		return nil, domain.WrapError(domain.ErrorCodeGatewayRejected, "gateway response missing id", nil)
	}
	if parsed.Status == "" {
		return nil, domain.WrapError(domain.ErrorCodeGatewayRejected, "gateway response missing status", nil)
	}

	resp := &domain.GatewayResponse{
		ID:         parsed.ID,
		Status:     parsed.Status,
		Reference:  parsed.Reference,
		Successful: parsed.Approved != nil && *parsed.Approved,
		Raw:        json.RawMessage(body),
	}
	if parsed.Links.Redirect != nil && strings.TrimSpace(parsed.Links.Redirect.Href) != "" {
		resp.Challenge = &domain.Challenge{RedirectURL: parsed.Links.Redirect.Href}
		resp.Successful = false
	}
	return resp, nil
}

// classifyError makes sure every failure leaving the client carries a
// gateway error code
func (c *Client) classifyError(operation string, err error) error {
	if domain.IsGatewayError(err) || domain.IsDomainError(err, domain.ErrorCodeValidationFailed) {
		c.logger.Warn("Gateway call failed",
			zap.String("operation", operation),
			zap.String("code", string(domain.GetErrorCode(err))),
			zap.Error(err),
		)
		return err
	}

	switch {
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrTooManyRequests):
		observability.RecordGatewayRequest(operation, "unreachable", 0)
		c.logger.Warn("Gateway call short-circuited", zap.String("operation", operation), zap.Error(err))
	default:
		c.logger.Error("Gateway call failed", zap.String("operation", operation), zap.Error(err))
	}
	return domain.WrapError(domain.ErrorCodeGatewayUnreachable, "gateway unavailable", err)
}

// State exposes the breaker state for health reporting
func (c *Client) State() CircuitState {
	return c.breaker.State()
}
