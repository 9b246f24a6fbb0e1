package wallet

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/kevin07696/checkout-authorizer/internal/domain"
	"github.com/kevin07696/checkout-authorizer/internal/domain/ports"
	"github.com/kevin07696/checkout-authorizer/internal/services/authorization"
	"github.com/kevin07696/checkout-authorizer/pkg/observability"
	"go.uber.org/zap"
)

// Session steps, used as metric labels
const (
	stepValidateMerchant = "validate_merchant"
	stepShippingContact  = "shipping_contact"
	stepShippingMethod   = "shipping_method"
	stepPaymentMethod    = "payment_method"
	stepAuthorize        = "authorize"
)

const totalTypeFinal = "final"

// Authorizer is the part of the orchestrator the wallet flow hands off to.
type Authorizer interface {
	Authorize(ctx context.Context, store domain.StoreContext, req domain.AuthorizationRequest) (*domain.AuthorizationResult, error)
}

// Config holds the merchant identity presented to the wallet
type Config struct {
	// Domain the wallet session is initiated from, sent during merchant validation
	MerchantDomain string
	// Label shown next to the total in the payment sheet
	DisplayLabel string
	// Hosts allowed as merchant validation endpoints. A leading dot matches any subdomain.
	ValidationHosts []string
}

// DefaultValidationHosts accepts any Apple Pay gateway host
var DefaultValidationHosts = []string{".apple.com"}

// LineItem is a wallet sheet amount
type LineItem struct {
	Type   string `json:"type,omitempty"`
	Label  string `json:"label"`
	Amount string `json:"amount"`
}

// ShippingOption is one shipping method as the wallet sheet shows it
type ShippingOption struct {
	Label      string `json:"label"`
	Amount     string `json:"amount"`
	Identifier string `json:"identifier"`
	Detail     string `json:"detail"`
}

// ShippingContactUpdate answers a shipping contact selection
type ShippingContactUpdate struct {
	ShippingMethods []ShippingOption `json:"shipping_methods"`
	Total           LineItem         `json:"total"`
}

// SessionAdapter drives a wallet payment sheet against the cart and hands the
// final payment to the authorizer. Shipping and totals are always recomputed
// server side; nothing the sheet reports is trusted.
type SessionAdapter struct {
	estimator  ports.ShippingEstimator
	validator  ports.MerchantValidator
	authorizer Authorizer
	cfg        Config
	logger     *zap.Logger
}

// NewSessionAdapter creates a new wallet session adapter
func NewSessionAdapter(
	estimator ports.ShippingEstimator,
	validator ports.MerchantValidator,
	authorizer Authorizer,
	cfg Config,
	logger *zap.Logger,
) *SessionAdapter {
	if len(cfg.ValidationHosts) == 0 {
		cfg.ValidationHosts = DefaultValidationHosts
	}
	return &SessionAdapter{
		estimator:  estimator,
		validator:  validator,
		authorizer: authorizer,
		cfg:        cfg,
		logger:     logger,
	}
}

// ValidateMerchant obtains an opaque merchant session for the wallet sheet.
func (a *SessionAdapter) ValidateMerchant(ctx context.Context, store domain.StoreContext, validationURL string) ([]byte, error) {
	session, err := a.validateMerchant(ctx, store, validationURL)
	a.record(stepValidateMerchant, err)
	return session, err
}

func (a *SessionAdapter) validateMerchant(ctx context.Context, store domain.StoreContext, validationURL string) ([]byte, error) {
	if err := requireWallet(store); err != nil {
		return nil, err
	}

	if !a.allowedValidationURL(validationURL) {
		a.logger.Warn("Rejected merchant validation URL",
			zap.String("store_code", store.Code),
			zap.String("validation_url", validationURL),
		)
		return nil, domain.WrapError(domain.ErrorCodeWalletMerchantValidationFailed, "validation URL is not a wallet gateway", nil)
	}

	session, err := a.validator.ValidateMerchant(ctx, validationURL, a.cfg.MerchantDomain)
	if err != nil {
		a.logger.Error("Merchant validation failed",
			zap.String("store_code", store.Code),
			zap.Error(err),
		)
		return nil, domain.WrapError(domain.ErrorCodeWalletMerchantValidationFailed, "merchant validation failed", err)
	}
	return session, nil
}

func (a *SessionAdapter) allowedValidationURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range a.cfg.ValidationHosts {
		allowed = strings.ToLower(allowed)
		if strings.HasPrefix(allowed, ".") {
			if strings.HasSuffix(host, allowed) && len(host) > len(allowed) {
				return true
			}
			continue
		}
		if host == allowed {
			return true
		}
	}
	return false
}

// SelectShippingContact lists the methods available for the address and the
// total with the first one applied.
func (a *SessionAdapter) SelectShippingContact(ctx context.Context, store domain.StoreContext, quoteID int64, address domain.Address) (*ShippingContactUpdate, error) {
	update, err := a.selectShippingContact(ctx, store, quoteID, address)
	a.record(stepShippingContact, err)
	return update, err
}

func (a *SessionAdapter) selectShippingContact(ctx context.Context, store domain.StoreContext, quoteID int64, address domain.Address) (*ShippingContactUpdate, error) {
	if err := requireWallet(store); err != nil {
		return nil, err
	}

	address = address.Normalize()
	methods, err := a.availableMethods(ctx, quoteID, address)
	if err != nil {
		return nil, err
	}

	totals, err := a.estimator.CartTotals(ctx, quoteID, address, selectionOf(methods[0]))
	if err != nil {
		return nil, err
	}

	places := domain.CurrencyExponent(totals.Currency)
	options := make([]ShippingOption, 0, len(methods))
	for _, m := range methods {
		options = append(options, ShippingOption{
			Label:      m.MethodTitle,
			Amount:     m.PriceInclTax.StringFixed(places),
			Identifier: m.MethodCode,
			Detail:     m.CarrierTitle,
		})
	}

	return &ShippingContactUpdate{
		ShippingMethods: options,
		Total:           a.total(totals),
	}, nil
}

// SelectShippingMethod recomputes the total for the chosen method
func (a *SessionAdapter) SelectShippingMethod(ctx context.Context, store domain.StoreContext, quoteID int64, address domain.Address, methodCode string) (*LineItem, error) {
	total, err := a.totalFor(ctx, store, quoteID, address, methodCode)
	a.record(stepShippingMethod, err)
	return total, err
}

// SelectPaymentMethod returns the current total. Card type does not change
// pricing, so this is the same computation as a method selection.
func (a *SessionAdapter) SelectPaymentMethod(ctx context.Context, store domain.StoreContext, quoteID int64, address domain.Address, methodCode string) (*LineItem, error) {
	total, err := a.totalFor(ctx, store, quoteID, address, methodCode)
	a.record(stepPaymentMethod, err)
	return total, err
}

func (a *SessionAdapter) totalFor(ctx context.Context, store domain.StoreContext, quoteID int64, address domain.Address, methodCode string) (*LineItem, error) {
	if err := requireWallet(store); err != nil {
		return nil, err
	}

	address = address.Normalize()
	method, err := a.chosenMethod(ctx, quoteID, address, methodCode)
	if err != nil {
		return nil, err
	}

	totals, err := a.estimator.CartTotals(ctx, quoteID, address, selectionOf(*method))
	if err != nil {
		return nil, err
	}
	total := a.total(totals)
	return &total, nil
}

// AuthorizePayment saves the wallet's addresses and shipping choice onto the
// quote and then authorizes the card token. The returned result is always
// client-safe.
func (a *SessionAdapter) AuthorizePayment(ctx context.Context, store domain.StoreContext, authToken string, payload domain.WalletAuthorizationPayload) (*domain.AuthorizationResult, error) {
	result, err := a.authorizePayment(ctx, store, authToken, payload)

	status := "ok"
	if err != nil || !result.Success {
		status = "failed"
	}
	observability.RecordWalletSessionEvent(stepAuthorize, status)
	return result, err
}

func (a *SessionAdapter) authorizePayment(ctx context.Context, store domain.StoreContext, authToken string, payload domain.WalletAuthorizationPayload) (*domain.AuthorizationResult, error) {
	if err := requireWallet(store); err != nil {
		return domain.FailedResult(0, domain.MessageInvalidRequest), err
	}
	// Checked here as well so an unauthenticated caller cannot write to the quote.
	if !authorization.VerifyToken(store, authToken) {
		return domain.FailedResult(0, domain.MessageInvalidRequest),
			domain.WrapError(domain.ErrorCodeUnauthorized, "store credential mismatch", nil)
	}
	if payload.QuoteID <= 0 || strings.TrimSpace(payload.CardToken) == "" {
		return domain.FailedResult(0, domain.MessageInvalidRequest),
			domain.WrapError(domain.ErrorCodeValidationFailed, "quote_id and card token are required", nil)
	}

	payload = payload.WithContactFallback()
	logger := a.logger.With(
		zap.String("store_code", store.Code),
		zap.Int64("quote_id", payload.QuoteID),
		zap.String("wallet_method_id", payload.WalletMethodID),
	)

	method, err := a.chosenMethod(ctx, payload.QuoteID, payload.ShippingAddress, payload.ShippingMethod)
	if err != nil {
		logger.Warn("Wallet shipping method no longer offered", zap.Error(err))
		return domain.FailedResult(0, domain.MessageOrderNotCreated), err
	}

	totals, err := a.estimator.SaveShippingInformation(ctx, payload.QuoteID, domain.ShippingInformation{
		ShippingAddress: payload.ShippingAddress,
		BillingAddress:  payload.BillingAddress,
		Selection:       selectionOf(*method),
	})
	if err != nil {
		logger.Error("Failed to save wallet shipping information", zap.Error(err))
		return domain.FailedResult(0, domain.MessageOrderNotCreated), err
	}

	logger.Info("Wallet shipping saved, authorizing",
		zap.String("method_code", method.MethodCode),
		zap.String("grand_total", totals.BaseGrandTotal.String()),
	)

	return a.authorizer.Authorize(ctx, store, domain.AuthorizationRequest{
		AuthToken: authToken,
		QuoteID:   payload.QuoteID,
		Source:    domain.FreshSubmission{PaymentToken: payload.CardToken},
	})
}

// availableMethods returns the offered methods for the address, never empty
func (a *SessionAdapter) availableMethods(ctx context.Context, quoteID int64, address domain.Address) ([]domain.ShippingMethod, error) {
	if quoteID <= 0 {
		return nil, domain.WrapError(domain.ErrorCodeValidationFailed, "quote_id is required", nil)
	}
	address = address.Normalize()
	if address.CountryID == "" {
		return nil, domain.WrapError(domain.ErrorCodeValidationFailed, "country is required", nil)
	}

	estimates, err := a.estimator.EstimateShippingMethods(ctx, quoteID, address)
	if err != nil {
		return nil, err
	}

	available := make([]domain.ShippingMethod, 0, len(estimates))
	for _, m := range estimates {
		if m.Available {
			available = append(available, m)
		}
	}
	if len(available) == 0 {
		return nil, domain.WrapError(domain.ErrorCodeWalletNoShippingMethods,
			fmt.Sprintf("no shipping methods for %s %s", address.CountryID, address.Postcode), nil)
	}
	return available, nil
}

// chosenMethod finds methodCode among the offered methods. An empty code
// picks the first one, as the sheet does before the buyer chooses.
func (a *SessionAdapter) chosenMethod(ctx context.Context, quoteID int64, address domain.Address, methodCode string) (*domain.ShippingMethod, error) {
	methods, err := a.availableMethods(ctx, quoteID, address)
	if err != nil {
		return nil, err
	}

	methodCode = strings.TrimSpace(methodCode)
	if methodCode == "" {
		return &methods[0], nil
	}
	for i := range methods {
		if methods[i].MethodCode == methodCode {
			return &methods[i], nil
		}
	}
	return nil, domain.WrapError(domain.ErrorCodeWalletNoShippingMethods,
		fmt.Sprintf("shipping method %q is not offered", methodCode), nil)
}

func (a *SessionAdapter) total(totals *domain.CartTotals) LineItem {
	return LineItem{
		Type:   totalTypeFinal,
		Label:  a.cfg.DisplayLabel,
		Amount: totals.BaseGrandTotal.StringFixed(domain.CurrencyExponent(totals.Currency)),
	}
}

func (a *SessionAdapter) record(step string, err error) {
	status := "ok"
	if err != nil {
		status = "failed"
	}
	observability.RecordWalletSessionEvent(step, status)
}

func requireWallet(store domain.StoreContext) error {
	if !store.WalletEnabled {
		return domain.NewDomainError(domain.ErrorCodeWalletDisabled,
			fmt.Sprintf("wallet payments are disabled for store %q", store.Code))
	}
	return nil
}

func selectionOf(m domain.ShippingMethod) domain.ShippingSelection {
	return domain.ShippingSelection{CarrierCode: m.CarrierCode, MethodCode: m.MethodCode}
}
