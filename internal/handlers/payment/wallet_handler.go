package payment

import (
	"context"
	"net/http"

	"github.com/kevin07696/checkout-authorizer/internal/domain"
	"github.com/kevin07696/checkout-authorizer/internal/middleware"
	"github.com/kevin07696/checkout-authorizer/internal/services/wallet"
	"github.com/kevin07696/checkout-authorizer/pkg/observability"
	"github.com/kevin07696/checkout-authorizer/pkg/resilience"
	"go.uber.org/zap"
)

// WalletSession is the wallet payment sheet flow
type WalletSession interface {
	ValidateMerchant(ctx context.Context, store domain.StoreContext, validationURL string) ([]byte, error)
	SelectShippingContact(ctx context.Context, store domain.StoreContext, quoteID int64, address domain.Address) (*wallet.ShippingContactUpdate, error)
	SelectShippingMethod(ctx context.Context, store domain.StoreContext, quoteID int64, address domain.Address, methodCode string) (*wallet.LineItem, error)
	SelectPaymentMethod(ctx context.Context, store domain.StoreContext, quoteID int64, address domain.Address, methodCode string) (*wallet.LineItem, error)
	AuthorizePayment(ctx context.Context, store domain.StoreContext, authToken string, payload domain.WalletAuthorizationPayload) (*domain.AuthorizationResult, error)
}

// WalletErrorResponse is returned by the wallet steps that fail before authorization
type WalletErrorResponse struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type validateMerchantRequest struct {
	ValidationURL string `json:"validation_url"`
}

type shippingRequest struct {
	Address    domain.Address `json:"address"`
	MethodCode string         `json:"method_code"`
	QuoteID    QuoteID        `json:"quote_id"`
}

type totalResponse struct {
	Total wallet.LineItem `json:"total"`
}

type walletAuthorizeRequest struct {
	ShippingAddress domain.Address `json:"shipping_address"`
	BillingAddress  domain.Address `json:"billing_address"`
	WalletMethodID  string         `json:"wallet_method_id"`
	CardToken       string         `json:"card_token"`
	ShippingMethod  string         `json:"shipping_method"`
	QuoteID         QuoteID        `json:"quote_id"`
}

// WalletHandler exposes the wallet session steps as JSON endpoints
type WalletHandler struct {
	session      WalletSession
	stores       StoreResolver
	defaultStore string
	timeouts     *resilience.TimeoutConfig
	logger       *zap.Logger
}

// NewWalletHandler creates a new wallet handler
func NewWalletHandler(
	session WalletSession,
	stores StoreResolver,
	defaultStore string,
	timeouts *resilience.TimeoutConfig,
	logger *zap.Logger,
) *WalletHandler {
	if timeouts == nil {
		timeouts = resilience.DefaultTimeoutConfig()
	}
	return &WalletHandler{
		session:      session,
		stores:       stores,
		defaultStore: defaultStore,
		timeouts:     timeouts,
		logger:       logger,
	}
}

// RegisterRoutes mounts the wallet endpoints under /api/v2/wallet/
func (h *WalletHandler) RegisterRoutes(mux *http.ServeMux) {
	routes := map[string]http.HandlerFunc{
		"POST /api/v2/wallet/validate-merchant": h.ValidateMerchant,
		"POST /api/v2/wallet/shipping-contact":  h.ShippingContact,
		"POST /api/v2/wallet/shipping-method":   h.ShippingMethod,
		"POST /api/v2/wallet/payment-method":    h.PaymentMethod,
		"POST /api/v2/wallet/authorize":         h.Authorize,
	}
	for pattern, fn := range routes {
		mux.Handle(pattern, observability.HTTPMetrics(pattern, fn))
	}
}

// ValidateMerchant returns the wallet merchant session unchanged
func (h *WalletHandler) ValidateMerchant(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, func(ctx context.Context, store domain.StoreContext, logger *zap.Logger) {
		var req validateMerchantRequest
		if err := decodeJSON(r, &req); err != nil {
			h.writeError(w, domain.WrapError(domain.ErrorCodeValidationFailed, "malformed request", err), logger)
			return
		}

		session, err := h.session.ValidateMerchant(ctx, store, req.ValidationURL)
		if err != nil {
			h.writeError(w, err, logger)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(session)
	})
}

// ShippingContact lists shipping methods for the buyer's address
func (h *WalletHandler) ShippingContact(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, func(ctx context.Context, store domain.StoreContext, logger *zap.Logger) {
		var req shippingRequest
		if err := decodeJSON(r, &req); err != nil {
			h.writeError(w, domain.WrapError(domain.ErrorCodeValidationFailed, "malformed request", err), logger)
			return
		}

		update, err := h.session.SelectShippingContact(ctx, store, int64(req.QuoteID), req.Address)
		if err != nil {
			h.writeError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, update, logger)
	})
}

// ShippingMethod recomputes the total for a method
func (h *WalletHandler) ShippingMethod(w http.ResponseWriter, r *http.Request) {
	h.total(w, r, h.session.SelectShippingMethod)
}

// PaymentMethod returns the current total
func (h *WalletHandler) PaymentMethod(w http.ResponseWriter, r *http.Request) {
	h.total(w, r, h.session.SelectPaymentMethod)
}

type totalFunc func(ctx context.Context, store domain.StoreContext, quoteID int64, address domain.Address, methodCode string) (*wallet.LineItem, error)

func (h *WalletHandler) total(w http.ResponseWriter, r *http.Request, fn totalFunc) {
	h.step(w, r, func(ctx context.Context, store domain.StoreContext, logger *zap.Logger) {
		var req shippingRequest
		if err := decodeJSON(r, &req); err != nil {
			h.writeError(w, domain.WrapError(domain.ErrorCodeValidationFailed, "malformed request", err), logger)
			return
		}

		total, err := fn(ctx, store, int64(req.QuoteID), req.Address, req.MethodCode)
		if err != nil {
			h.writeError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, totalResponse{Total: *total}, logger)
	})
}

// Authorize completes the wallet payment. Like the card endpoint it always
// answers with an AuthorizationResult.
func (h *WalletHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	logger := middleware.LoggerFrom(r.Context(), h.logger)

	ctx, cancel := h.timeouts.AuthorizationContext(r.Context())
	defer cancel()

	store, ok := resolveStore(ctx, h.stores, r, h.defaultStore, logger)
	if !ok {
		writeJSON(w, http.StatusOK, domain.FailedResult(0, domain.MessageInvalidRequest), logger)
		return
	}

	var req walletAuthorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		logger.Warn("Malformed wallet authorization request", zap.Error(err))
		writeJSON(w, http.StatusOK, domain.FailedResult(0, domain.MessageInvalidRequest), logger)
		return
	}

	result, err := h.session.AuthorizePayment(ctx, store, bearerToken(r.Header.Get("Authorization")), domain.WalletAuthorizationPayload{
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		WalletMethodID:  req.WalletMethodID,
		CardToken:       req.CardToken,
		ShippingMethod:  req.ShippingMethod,
		QuoteID:         int64(req.QuoteID),
	})
	if err != nil {
		log := logger.Warn
		if domain.IsWalletError(err) {
			log = logger.Info
		}
		log("Wallet authorization not approved",
			zap.Int64("quote_id", int64(req.QuoteID)),
			zap.String("error_code", string(domain.GetErrorCode(err))),
			zap.Error(err),
		)
	}
	writeJSON(w, http.StatusOK, result, logger)
}

func (h *WalletHandler) step(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, store domain.StoreContext, logger *zap.Logger)) {
	logger := middleware.LoggerFrom(r.Context(), h.logger)

	ctx, cancel := h.timeouts.HandlerContext(r.Context())
	defer cancel()

	store, ok := resolveStore(ctx, h.stores, r, h.defaultStore, logger)
	if !ok {
		h.writeError(w, domain.NewDomainError(domain.ErrorCodeStoreNotFound, "unknown store"), logger)
		return
	}
	fn(ctx, store, logger)
}

// writeError maps wallet step failures to a status the sheet can act on.
// Unclassified errors are reported generically.
func (h *WalletHandler) writeError(w http.ResponseWriter, err error, logger *zap.Logger) {
	code := domain.GetErrorCode(err)

	status := http.StatusInternalServerError
	message := domain.MessageInvalidRequest
	switch code {
	case domain.ErrorCodeValidationFailed:
		status = http.StatusBadRequest
	case domain.ErrorCodeStoreNotFound, domain.ErrorCodeUnauthorized:
		status = http.StatusUnauthorized
	case domain.ErrorCodeWalletDisabled:
		status = http.StatusForbidden
		message = "Wallet payments are not available."
	case domain.ErrorCodeWalletNoShippingMethods:
		status = http.StatusUnprocessableEntity
		message = "No shipping methods are available for this address."
	case domain.ErrorCodeWalletMerchantValidationFailed:
		status = http.StatusBadGateway
		message = "The merchant could not be validated."
	case domain.ErrorCodeQuoteNotFound:
		status = http.StatusNotFound
		message = domain.MessageOrderNotCreated
	default:
		code = "INTERNAL_ERROR"
		logger.Error("Wallet step failed", zap.Error(err))
	}

	writeJSON(w, status, WalletErrorResponse{ErrorCode: string(code), ErrorMessage: message}, logger)
}
