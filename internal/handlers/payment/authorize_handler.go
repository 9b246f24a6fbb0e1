package payment

import (
	"context"
	"net/http"
	"strings"

	"github.com/kevin07696/checkout-authorizer/internal/domain"
	"github.com/kevin07696/checkout-authorizer/internal/middleware"
	"github.com/kevin07696/checkout-authorizer/pkg/resilience"
	"go.uber.org/zap"
)

// Request headers and parameters
const (
	HeaderStoreCode = "X-Store-Code"
	ParamSessionID  = "cko-session-id"
)

// Authorizer runs one authorization attempt
type Authorizer interface {
	Authorize(ctx context.Context, store domain.StoreContext, req domain.AuthorizationRequest) (*domain.AuthorizationResult, error)
}

// StoreResolver resolves the calling store's context
type StoreResolver interface {
	Resolve(ctx context.Context, storeCode string) (domain.StoreContext, error)
}

// AuthorizeRequest is the JSON body of the authorize endpoint
type AuthorizeRequest struct {
	PaymentToken string  `json:"payment_token"`
	CardBin      string  `json:"card_bin"`
	SuccessURL   string  `json:"success_url"`
	FailureURL   string  `json:"failure_url"`
	QuoteID      QuoteID `json:"quote_id"`
}

// AuthorizeHandler serves the authorization endpoint. Every outcome, including
// rejected credentials and malformed bodies, is a 200 with an
// AuthorizationResult body; clients branch on "success".
type AuthorizeHandler struct {
	authorizer   Authorizer
	stores       StoreResolver
	defaultStore string
	timeouts     *resilience.TimeoutConfig
	logger       *zap.Logger
}

// NewAuthorizeHandler creates a new authorize handler
func NewAuthorizeHandler(
	authorizer Authorizer,
	stores StoreResolver,
	defaultStore string,
	timeouts *resilience.TimeoutConfig,
	logger *zap.Logger,
) *AuthorizeHandler {
	if timeouts == nil {
		timeouts = resilience.DefaultTimeoutConfig()
	}
	return &AuthorizeHandler{
		authorizer:   authorizer,
		stores:       stores,
		defaultStore: defaultStore,
		timeouts:     timeouts,
		logger:       logger,
	}
}

// ServeHTTP handles POST /api/v2/payments
func (h *AuthorizeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := middleware.LoggerFrom(r.Context(), h.logger)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := h.timeouts.AuthorizationContext(r.Context())
	defer cancel()

	store, ok := resolveStore(ctx, h.stores, r, h.defaultStore, logger)
	if !ok {
		writeJSON(w, http.StatusOK, domain.FailedResult(0, domain.MessageInvalidRequest), logger)
		return
	}

	var body AuthorizeRequest
	if err := decodeJSON(r, &body); err != nil {
		logger.Warn("Malformed authorization request", zap.Error(err))
		writeJSON(w, http.StatusOK, domain.FailedResult(0, domain.MessageInvalidRequest), logger)
		return
	}

	req, err := buildRequest(r, body)
	if err != nil {
		logger.Warn("Invalid authorization request",
			zap.Int64("quote_id", int64(body.QuoteID)),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, domain.FailedResult(0, domain.MessageInvalidRequest), logger)
		return
	}

	result, err := h.authorizer.Authorize(ctx, store, req)
	if err != nil {
		logger.Info("Authorization not approved",
			zap.Int64("quote_id", req.QuoteID),
			zap.Int64("order_id", result.OrderID),
			zap.String("error_code", string(domain.GetErrorCode(err))),
			zap.Error(err),
		)
	}
	writeJSON(w, http.StatusOK, result, logger)
}

// buildRequest picks the request variant: a session id on the query string
// or header means the buyer is back from a challenge.
func buildRequest(r *http.Request, body AuthorizeRequest) (domain.AuthorizationRequest, error) {
	sessionID := r.URL.Query().Get(ParamSessionID)
	if sessionID == "" {
		sessionID = r.Header.Get(ParamSessionID)
	}

	source, err := domain.NewPaymentSource(sessionID, domain.FreshSubmission{
		PaymentToken: strings.TrimSpace(body.PaymentToken),
		CardBin:      body.CardBin,
		SuccessURL:   strings.TrimSpace(body.SuccessURL),
		FailureURL:   strings.TrimSpace(body.FailureURL),
	})
	if err != nil {
		return domain.AuthorizationRequest{}, err
	}

	return domain.AuthorizationRequest{
		AuthToken: bearerToken(r.Header.Get("Authorization")),
		QuoteID:   int64(body.QuoteID),
		Source:    source,
	}, nil
}

func resolveStore(ctx context.Context, stores StoreResolver, r *http.Request, defaultStore string, logger *zap.Logger) (domain.StoreContext, bool) {
	code := r.Header.Get(HeaderStoreCode)
	if code == "" {
		code = defaultStore
	}

	store, err := stores.Resolve(ctx, code)
	if err != nil {
		if domain.IsDomainError(err, domain.ErrorCodeStoreNotFound) {
			logger.Warn("Unknown store", zap.String("store_code", code))
		} else {
			logger.Error("Failed to resolve store", zap.String("store_code", code), zap.Error(err))
		}
		return domain.StoreContext{}, false
	}
	return store, true
}
