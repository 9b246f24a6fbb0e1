package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kevin07696/checkout-authorizer/internal/domain"
	"github.com/kevin07696/checkout-authorizer/internal/services/wallet"
	"github.com/kevin07696/checkout-authorizer/pkg/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockWalletSession mocks the wallet session adapter
type MockWalletSession struct {
	mock.Mock
}

func (m *MockWalletSession) ValidateMerchant(ctx context.Context, store domain.StoreContext, validationURL string) ([]byte, error) {
	args := m.Called(ctx, store, validationURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockWalletSession) SelectShippingContact(ctx context.Context, store domain.StoreContext, quoteID int64, address domain.Address) (*wallet.ShippingContactUpdate, error) {
	args := m.Called(ctx, store, quoteID, address)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*wallet.ShippingContactUpdate), args.Error(1)
}

func (m *MockWalletSession) SelectShippingMethod(ctx context.Context, store domain.StoreContext, quoteID int64, address domain.Address, methodCode string) (*wallet.LineItem, error) {
	args := m.Called(ctx, store, quoteID, address, methodCode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*wallet.LineItem), args.Error(1)
}

func (m *MockWalletSession) SelectPaymentMethod(ctx context.Context, store domain.StoreContext, quoteID int64, address domain.Address, methodCode string) (*wallet.LineItem, error) {
	args := m.Called(ctx, store, quoteID, address, methodCode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*wallet.LineItem), args.Error(1)
}

func (m *MockWalletSession) AuthorizePayment(ctx context.Context, store domain.StoreContext, authToken string, payload domain.WalletAuthorizationPayload) (*domain.AuthorizationResult, error) {
	args := m.Called(ctx, store, authToken, payload)
	return args.Get(0).(*domain.AuthorizationResult), args.Error(1)
}

func newWalletMux(t *testing.T) (*http.ServeMux, *MockWalletSession, *MockStoreResolver) {
	t.Helper()
	session := new(MockWalletSession)
	stores := new(MockStoreResolver)
	t.Cleanup(func() {
		session.AssertExpectations(t)
		stores.AssertExpectations(t)
	})

	mux := http.NewServeMux()
	NewWalletHandler(session, stores, "default", resilience.TestTimeoutConfig(), zap.NewNop()).RegisterRoutes(mux)
	return mux, session, stores
}

func post(mux http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

var gbAddress = domain.Address{CountryID: "GB", Postcode: "SW1A 1AA"}

func TestWalletHandler_ValidateMerchant(t *testing.T) {
	mux, session, stores := newWalletMux(t)
	stores.On("Resolve", mock.Anything, "default").Return(defaultStore, nil)
	session.On("ValidateMerchant", mock.Anything, defaultStore, "https://apple-pay-gateway.apple.com/x").
		Return([]byte(`{"merchantSessionIdentifier":"SSH1"}`), nil)

	rec := post(mux, "/api/v2/wallet/validate-merchant", `{"validation_url":"https://apple-pay-gateway.apple.com/x"}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"merchantSessionIdentifier":"SSH1"}`, rec.Body.String())
}

func TestWalletHandler_ShippingContact(t *testing.T) {
	mux, session, stores := newWalletMux(t)
	stores.On("Resolve", mock.Anything, "default").Return(defaultStore, nil)
	session.On("SelectShippingContact", mock.Anything, defaultStore, int64(42), gbAddress).
		Return(&wallet.ShippingContactUpdate{
			ShippingMethods: []wallet.ShippingOption{{Label: "Fixed", Amount: "5.00", Identifier: "flatrate", Detail: "Flat Rate"}},
			Total:           wallet.LineItem{Type: "final", Label: "shop", Amount: "105.00"},
		}, nil)

	rec := post(mux, "/api/v2/wallet/shipping-contact",
		`{"quote_id":42,"address":{"country_id":"GB","postcode":"SW1A 1AA"}}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"shipping_methods":[{"label":"Fixed","amount":"5.00","identifier":"flatrate","detail":"Flat Rate"}],
		"total":{"type":"final","label":"shop","amount":"105.00"}
	}`, rec.Body.String())
}

func TestWalletHandler_Totals(t *testing.T) {
	for _, tt := range []struct {
		path   string
		method string
	}{
		{path: "/api/v2/wallet/shipping-method", method: "SelectShippingMethod"},
		{path: "/api/v2/wallet/payment-method", method: "SelectPaymentMethod"},
	} {
		t.Run(tt.method, func(t *testing.T) {
			mux, session, stores := newWalletMux(t)
			stores.On("Resolve", mock.Anything, "default").Return(defaultStore, nil)
			session.On(tt.method, mock.Anything, defaultStore, int64(42), gbAddress, "next_day").
				Return(&wallet.LineItem{Type: "final", Label: "shop", Amount: "112.50"}, nil)

			rec := post(mux, tt.path,
				`{"quote_id":42,"method_code":"next_day","address":{"country_id":"GB","postcode":"SW1A 1AA"}}`, nil)

			require.Equal(t, http.StatusOK, rec.Code)
			assert.JSONEq(t, `{"total":{"type":"final","label":"shop","amount":"112.50"}}`, rec.Body.String())
		})
	}
}

func TestWalletHandler_StepErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"no shipping", domain.NewDomainError(domain.ErrorCodeWalletNoShippingMethods, "none"), http.StatusUnprocessableEntity, "WALLET_NO_SHIPPING_METHODS"},
		{"disabled", domain.NewDomainError(domain.ErrorCodeWalletDisabled, "off"), http.StatusForbidden, "WALLET_DISABLED"},
		{"merchant validation", domain.NewDomainError(domain.ErrorCodeWalletMerchantValidationFailed, "bad"), http.StatusBadGateway, "WALLET_MERCHANT_VALIDATION_FAILED"},
		{"quote not found", domain.NewDomainError(domain.ErrorCodeQuoteNotFound, "gone"), http.StatusNotFound, "QUOTE_NOT_FOUND"},
		{"unclassified", assert.AnError, http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux, session, stores := newWalletMux(t)
			stores.On("Resolve", mock.Anything, "default").Return(defaultStore, nil)
			session.On("SelectShippingContact", mock.Anything, defaultStore, int64(42), mock.Anything).Return(nil, tt.err)

			rec := post(mux, "/api/v2/wallet/shipping-contact", `{"quote_id":42,"address":{"country_id":"GB"}}`, nil)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body WalletErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, body.ErrorCode)
			assert.NotContains(t, body.ErrorMessage, "assert.AnError")
		})
	}
}

func TestWalletHandler_UnknownStore(t *testing.T) {
	mux, _, stores := newWalletMux(t)
	stores.On("Resolve", mock.Anything, "nope").
		Return(domain.StoreContext{}, domain.NewDomainError(domain.ErrorCodeStoreNotFound, "unknown"))

	rec := post(mux, "/api/v2/wallet/shipping-contact", `{"quote_id":42}`, map[string]string{HeaderStoreCode: "nope"})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWalletHandler_MalformedBody(t *testing.T) {
	mux, _, stores := newWalletMux(t)
	stores.On("Resolve", mock.Anything, "default").Return(defaultStore, nil)

	rec := post(mux, "/api/v2/wallet/shipping-method", `not json`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWalletHandler_Authorize(t *testing.T) {
	mux, session, stores := newWalletMux(t)
	stores.On("Resolve", mock.Anything, "default").Return(defaultStore, nil)
	session.On("AuthorizePayment", mock.Anything, defaultStore, "pk_test", domain.WalletAuthorizationPayload{
		ShippingAddress: gbAddress,
		BillingAddress:  gbAddress,
		WalletMethodID:  "checkoutcom_apple_pay",
		CardToken:       "tok_wallet",
		ShippingMethod:  "flatrate",
		QuoteID:         42,
	}).Return(domain.ApprovedResult(42), nil)

	rec := post(mux, "/api/v2/wallet/authorize", `{
		"quote_id":"42",
		"wallet_method_id":"checkoutcom_apple_pay",
		"card_token":"tok_wallet",
		"shipping_method":"flatrate",
		"shipping_address":{"country_id":"GB","postcode":"SW1A 1AA"},
		"billing_address":{"country_id":"GB","postcode":"SW1A 1AA"}
	}`, map[string]string{"Authorization": "Bearer pk_test"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"order_id":42,"redirect_url":"","error_message":""}`, rec.Body.String())
}

func TestWalletHandler_RejectsGet(t *testing.T) {
	mux, _, _ := newWalletMux(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v2/wallet/authorize", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
