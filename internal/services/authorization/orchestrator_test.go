package authorization_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/kevin07696/checkout-authorizer/internal/domain"
	"github.com/kevin07696/checkout-authorizer/internal/domain/ports"
	"github.com/kevin07696/checkout-authorizer/internal/services/authorization"
	"github.com/kevin07696/checkout-authorizer/pkg/resilience"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// MockOrderAssembler mocks the order assembler
type MockOrderAssembler struct {
	mock.Mock
}

func (m *MockOrderAssembler) Acquire(ctx context.Context, quoteID int64) (*domain.Order, bool, error) {
	args := m.Called(ctx, quoteID)
	if args.Get(0) == nil {
		return nil, false, args.Error(2)
	}
	return args.Get(0).(*domain.Order), args.Bool(1), args.Error(2)
}

// MockGatewayClient mocks the gateway client
type MockGatewayClient struct {
	mock.Mock
}

func (m *MockGatewayClient) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.GatewayResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.GatewayResponse), args.Error(1)
}

func (m *MockGatewayClient) FetchByID(ctx context.Context, id string) (*domain.GatewayResponse, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.GatewayResponse), args.Error(1)
}

func (m *MockGatewayClient) IsValidResponse(resp *domain.GatewayResponse) bool {
	args := m.Called(resp)
	return args.Bool(0)
}

// MockPaymentRecorder mocks the payment recorder
type MockPaymentRecorder struct {
	mock.Mock
}

func (m *MockPaymentRecorder) Attach(ctx context.Context, order *domain.Order, gatewayPaymentID string, gatewayData json.RawMessage, approved bool) (*domain.Order, error) {
	args := m.Called(ctx, order, gatewayPaymentID, gatewayData, approved)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

func (m *MockPaymentRecorder) MarkFailed(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	args := m.Called(ctx, order)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []ports.AuthorizationEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, event ports.AuthorizationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

const (
	storeKey  = "pk_test_store"
	reference = "000000042"
)

var testStore = domain.StoreContext{
	Code:       "default",
	PublicKey:  storeKey,
	SuccessURL: "https://shop.example/checkout/success",
	FailureURL: "https://shop.example/checkout/failure",
}

type harness struct {
	assembler *MockOrderAssembler
	gateway   *MockGatewayClient
	recorder  *MockPaymentRecorder
	publisher *recordingPublisher
	logs      *observer.ObservedLogs
	orch      *authorization.Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	h := &harness{
		assembler: new(MockOrderAssembler),
		gateway:   new(MockGatewayClient),
		recorder:  new(MockPaymentRecorder),
		publisher: &recordingPublisher{},
		logs:      logs,
	}
	h.orch = authorization.NewOrchestrator(
		h.assembler,
		h.gateway,
		h.recorder,
		authorization.NewMemoryLocker(time.Second),
		h.publisher,
		resilience.TestTimeoutConfig(),
		zap.New(core),
	)
	return h
}

func (h *harness) assertExpectations(t *testing.T) {
	h.assembler.AssertExpectations(t)
	h.gateway.AssertExpectations(t)
	h.recorder.AssertExpectations(t)
}

func assembledOrder() *domain.Order {
	return &domain.Order{
		ID:         42,
		QuoteID:    42,
		StoreCode:  "default",
		Reference:  reference,
		State:      domain.OrderStateAssembled,
		GrandTotal: decimal.RequireFromString("129.99"),
		Currency:   "USD",
	}
}

func orderIn(state domain.OrderState, paymentID string) *domain.Order {
	o := assembledOrder()
	o.State = state
	if paymentID != "" {
		o.GatewayPaymentID = &paymentID
		o.PaymentInfo = json.RawMessage(`{"transaction_info":{"id":"` + paymentID + `"}}`)
	}
	return o
}

func finalResponse(id string, approved bool) *domain.GatewayResponse {
	status := "Declined"
	if approved {
		status = "Authorized"
	}
	return &domain.GatewayResponse{
		ID:         id,
		Status:     status,
		Reference:  reference,
		Successful: approved,
		Raw:        json.RawMessage(`{"id":"` + id + `","status":"` + status + `"}`),
	}
}

func freshRequest() domain.AuthorizationRequest {
	return domain.AuthorizationRequest{
		AuthToken: storeKey,
		QuoteID:   42,
		Source:    domain.FreshSubmission{PaymentToken: "tok_123"},
	}
}

func resumeRequest(sessionID string) domain.AuthorizationRequest {
	return domain.AuthorizationRequest{
		AuthToken: storeKey,
		QuoteID:   42,
		Source:    domain.ResumeChallenge{SessionID: sessionID},
	}
}

func byOrderID(id int64) interface{} {
	return mock.MatchedBy(func(o *domain.Order) bool { return o.ID == id })
}

func TestAuthorize_RejectsInvalidCredential(t *testing.T) {
	tests := []struct {
		name  string
		store domain.StoreContext
		token string
	}{
		{name: "wrong token", store: testStore, token: "pk_wrong"},
		{name: "missing token", store: testStore, token: ""},
		{name: "store without key", store: domain.StoreContext{Code: "default"}, token: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			req := freshRequest()
			req.AuthToken = tt.token

			result, err := h.orch.Authorize(context.Background(), tt.store, req)

			assert.True(t, domain.IsDomainError(err, domain.ErrorCodeUnauthorized))
			assert.Equal(t, &domain.AuthorizationResult{ErrorMessage: domain.MessageInvalidRequest}, result)
			h.assembler.AssertNotCalled(t, "Acquire", mock.Anything, mock.Anything)
			h.gateway.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything)
			h.gateway.AssertNotCalled(t, "FetchByID", mock.Anything, mock.Anything)
			h.recorder.AssertNotCalled(t, "Attach", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			assert.Empty(t, h.publisher.types())
		})
	}
}

func TestAuthorize_RejectsMalformedRequest(t *testing.T) {
	h := newHarness(t)

	result, err := h.orch.Authorize(context.Background(), testStore, domain.AuthorizationRequest{
		AuthToken: storeKey,
		QuoteID:   42,
	})

	assert.True(t, domain.IsDomainError(err, domain.ErrorCodeValidationFailed))
	assert.False(t, result.Success)
	assert.Equal(t, int64(0), result.OrderID)
	assert.Equal(t, domain.MessageInvalidRequest, result.ErrorMessage)
	h.assembler.AssertNotCalled(t, "Acquire", mock.Anything, mock.Anything)
}

// Scenario A: direct approval
func TestAuthorize_FreshApproved(t *testing.T) {
	h := newHarness(t)
	order := assembledOrder()
	resp := finalResponse("pay_1", true)

	h.assembler.On("Acquire", mock.Anything, int64(42)).Return(order, true, nil)
	h.gateway.On("Charge", mock.Anything, mock.MatchedBy(func(req domain.ChargeRequest) bool {
		return req.PaymentToken == "tok_123" &&
			req.Amount.Equal(decimal.RequireFromString("129.99")) &&
			req.Currency == "USD" &&
			req.Reference == reference &&
			req.SuccessURL == testStore.SuccessURL &&
			req.FailureURL == testStore.FailureURL
	})).Return(resp, nil).Once()
	h.gateway.On("IsValidResponse", mock.Anything).Return(true)
	h.gateway.On("FetchByID", mock.Anything, "pay_1").Return(resp, nil).Once()
	h.recorder.On("Attach", mock.Anything, byOrderID(42), "pay_1", resp.Raw, true).
		Return(orderIn(domain.OrderStatePaid, "pay_1"), nil).Once()

	result, err := h.orch.Authorize(context.Background(), testStore, freshRequest())
	require.NoError(t, err)

	assert.Equal(t, &domain.AuthorizationResult{Success: true, OrderID: 42}, result)
	assert.Equal(t, []string{ports.EventTypeApproved}, h.publisher.types())
	h.assertExpectations(t)
}

// Scenario B: challenge required
func TestAuthorize_FreshChallenge(t *testing.T) {
	h := newHarness(t)

	challenge := &domain.GatewayResponse{
		ID:        "pay_3ds",
		Status:    "Pending",
		Reference: reference,
		Challenge: &domain.Challenge{RedirectURL: "https://3ds.example/x"},
		Raw:       json.RawMessage(`{"id":"pay_3ds"}`),
	}
	h.assembler.On("Acquire", mock.Anything, int64(42)).Return(assembledOrder(), true, nil)
	h.gateway.On("Charge", mock.Anything, mock.Anything).Return(challenge, nil).Once()

	result, err := h.orch.Authorize(context.Background(), testStore, freshRequest())
	require.NoError(t, err)

	assert.Equal(t, &domain.AuthorizationResult{
		Success:     true,
		OrderID:     42,
		RedirectURL: "https://3ds.example/x",
	}, result)
	assert.True(t, result.IsChallenge())
	h.recorder.AssertNotCalled(t, "Attach", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	h.recorder.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything)
	assert.Equal(t, []string{ports.EventTypeChallengeRequired}, h.publisher.types())
}

// Scenario C: resumed challenge declined
func TestAuthorize_ResumeDeclined(t *testing.T) {
	h := newHarness(t)
	resp := finalResponse("pay_3ds", false)

	h.assembler.On("Acquire", mock.Anything, int64(42)).Return(assembledOrder(), false, nil)
	h.gateway.On("FetchByID", mock.Anything, "sess_9").Return(resp, nil).Once()
	h.gateway.On("IsValidResponse", mock.Anything).Return(true)
	h.gateway.On("FetchByID", mock.Anything, "pay_3ds").Return(resp, nil).Once()
	h.recorder.On("Attach", mock.Anything, byOrderID(42), "pay_3ds", resp.Raw, false).
		Return(orderIn(domain.OrderStateFailed, "pay_3ds"), nil).Once()

	result, err := h.orch.Authorize(context.Background(), testStore, resumeRequest("sess_9"))
	require.NoError(t, err)

	assert.Equal(t, &domain.AuthorizationResult{OrderID: 42, ErrorMessage: domain.MessageDeclined}, result)
	h.gateway.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything)
	assert.Equal(t, []string{ports.EventTypeDeclined}, h.publisher.types())
	h.assertExpectations(t)
}

// Scenario D: unknown quote
func TestAuthorize_QuoteNotFound(t *testing.T) {
	h := newHarness(t)
	req := freshRequest()
	req.QuoteID = 999

	h.assembler.On("Acquire", mock.Anything, int64(999)).
		Return(nil, false, domain.WrapError(domain.ErrorCodeQuoteNotFound, "quote 999 not found", nil))

	result, err := h.orch.Authorize(context.Background(), testStore, req)

	assert.True(t, domain.IsDomainError(err, domain.ErrorCodeQuoteNotFound))
	assert.Equal(t, &domain.AuthorizationResult{ErrorMessage: domain.MessageOrderNotCreated}, result)
	h.gateway.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything)
}

func TestAuthorize_ExistingOrders(t *testing.T) {
	tests := []struct {
		name       string
		order      *domain.Order
		req        domain.AuthorizationRequest
		wantResult *domain.AuthorizationResult
		wantCode   domain.ErrorCode
	}{
		{
			name:       "paid order resumed again is idempotent",
			order:      orderIn(domain.OrderStatePaid, "pay_1"),
			req:        resumeRequest("sess_9"),
			wantResult: &domain.AuthorizationResult{Success: true, OrderID: 42},
		},
		{
			name:       "paid order submitted fresh is not charged again",
			order:      orderIn(domain.OrderStatePaid, "pay_1"),
			req:        freshRequest(),
			wantResult: &domain.AuthorizationResult{Success: true, OrderID: 42},
		},
		{
			name:       "declined order stays declined",
			order:      orderIn(domain.OrderStateFailed, "pay_2"),
			req:        resumeRequest("sess_9"),
			wantResult: &domain.AuthorizationResult{OrderID: 42, ErrorMessage: domain.MessageDeclined},
		},
		{
			name:       "fresh submission while challenge pending",
			order:      assembledOrder(),
			req:        freshRequest(),
			wantResult: &domain.AuthorizationResult{ErrorMessage: domain.MessageOrderNotCreated},
			wantCode:   domain.ErrorCodeOrderAlreadyInFlight,
		},
		{
			name:       "resumed order with payment info but no outcome",
			order:      orderIn(domain.OrderStateAssembled, "pay_3"),
			req:        resumeRequest("sess_9"),
			wantResult: &domain.AuthorizationResult{OrderID: 42, ErrorMessage: domain.MessageDeclined},
			wantCode:   domain.ErrorCodeOrderAssemblyFailed,
		},
		{
			name:       "fresh submission awaiting reconciliation",
			order:      orderIn(domain.OrderStateFailed, ""),
			req:        freshRequest(),
			wantResult: &domain.AuthorizationResult{ErrorMessage: domain.MessageOrderNotCreated},
			wantCode:   domain.ErrorCodeOrderAssemblyFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.assembler.On("Acquire", mock.Anything, int64(42)).Return(tt.order, false, nil)

			result, err := h.orch.Authorize(context.Background(), testStore, tt.req)

			assert.Equal(t, tt.wantResult, result)
			if tt.wantCode == "" {
				assert.NoError(t, err)
			} else {
				assert.True(t, domain.IsDomainError(err, tt.wantCode), "got %v", err)
			}
			h.gateway.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything)
			h.gateway.AssertNotCalled(t, "FetchByID", mock.Anything, mock.Anything)
			h.recorder.AssertNotCalled(t, "Attach", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestAuthorize_ResumeReconcilesFailedOrderWithoutPaymentInfo(t *testing.T) {
	h := newHarness(t)
	resp := finalResponse("pay_1", true)

	h.assembler.On("Acquire", mock.Anything, int64(42)).Return(orderIn(domain.OrderStateFailed, ""), false, nil)
	h.gateway.On("FetchByID", mock.Anything, "pay_1").Return(resp, nil)
	h.gateway.On("IsValidResponse", mock.Anything).Return(true)
	h.recorder.On("Attach", mock.Anything, byOrderID(42), "pay_1", resp.Raw, true).
		Return(orderIn(domain.OrderStatePaid, "pay_1"), nil).Once()

	result, err := h.orch.Authorize(context.Background(), testStore, resumeRequest("pay_1"))
	require.NoError(t, err)
	assert.Equal(t, &domain.AuthorizationResult{Success: true, OrderID: 42}, result)
}

func TestAuthorize_ResumeWithForeignSession(t *testing.T) {
	h := newHarness(t)
	foreign := finalResponse("pay_other", true)
	foreign.Reference = "000000077"

	h.assembler.On("Acquire", mock.Anything, int64(42)).Return(assembledOrder(), false, nil)
	h.gateway.On("FetchByID", mock.Anything, "sess_other").Return(foreign, nil)

	result, err := h.orch.Authorize(context.Background(), testStore, resumeRequest("sess_other"))

	assert.True(t, domain.IsDomainError(err, domain.ErrorCodeGatewayRejected))
	assert.Equal(t, &domain.AuthorizationResult{OrderID: 42, ErrorMessage: domain.MessageDeclined}, result)
	h.recorder.AssertNotCalled(t, "Attach", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	h.recorder.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything)
}

func TestAuthorize_GatewayFailureLeavesOrderFailed(t *testing.T) {
	tests := []struct {
		name string
		code domain.ErrorCode
	}{
		{name: "unreachable", code: domain.ErrorCodeGatewayUnreachable},
		{name: "rejected", code: domain.ErrorCodeGatewayRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			h.assembler.On("Acquire", mock.Anything, int64(42)).Return(assembledOrder(), true, nil)
			h.gateway.On("Charge", mock.Anything, mock.Anything).
				Return(nil, domain.WrapError(tt.code, "gateway said no", nil)).Once()
			h.recorder.On("MarkFailed", mock.Anything, byOrderID(42)).
				Return(orderIn(domain.OrderStateFailed, ""), nil).Once()

			result, err := h.orch.Authorize(context.Background(), testStore, freshRequest())

			assert.True(t, domain.IsDomainError(err, tt.code))
			assert.Equal(t, &domain.AuthorizationResult{OrderID: 42, ErrorMessage: domain.MessageDeclined}, result)
			h.gateway.AssertNumberOfCalls(t, "Charge", 1)
			h.recorder.AssertNotCalled(t, "Attach", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			h.assertExpectations(t)
		})
	}
}

func TestAuthorize_InvalidFinalResponse(t *testing.T) {
	h := newHarness(t)
	resp := &domain.GatewayResponse{ID: "pay_1", Raw: json.RawMessage(`{}`)}

	h.assembler.On("Acquire", mock.Anything, int64(42)).Return(assembledOrder(), true, nil)
	h.gateway.On("Charge", mock.Anything, mock.Anything).Return(resp, nil)
	h.gateway.On("IsValidResponse", resp).Return(false)
	h.recorder.On("MarkFailed", mock.Anything, byOrderID(42)).Return(orderIn(domain.OrderStateFailed, ""), nil).Once()

	result, err := h.orch.Authorize(context.Background(), testStore, freshRequest())

	assert.True(t, domain.IsDomainError(err, domain.ErrorCodeGatewayRejected))
	assert.Equal(t, &domain.AuthorizationResult{OrderID: 42, ErrorMessage: domain.MessageDeclined}, result)
	h.recorder.AssertNotCalled(t, "Attach", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	h.assertExpectations(t)
}

func TestAuthorize_PersistFailureAfterApprovalRequiresReconciliation(t *testing.T) {
	h := newHarness(t)
	resp := finalResponse("pay_1", true)

	h.assembler.On("Acquire", mock.Anything, int64(42)).Return(assembledOrder(), true, nil)
	h.gateway.On("Charge", mock.Anything, mock.Anything).Return(resp, nil)
	h.gateway.On("IsValidResponse", mock.Anything).Return(true)
	h.gateway.On("FetchByID", mock.Anything, "pay_1").Return(resp, nil)
	h.recorder.On("Attach", mock.Anything, byOrderID(42), "pay_1", resp.Raw, true).
		Return(nil, domain.WrapError(domain.ErrorCodePersistFailed, "update order payment", assert.AnError))
	h.recorder.On("MarkFailed", mock.Anything, byOrderID(42)).Return(orderIn(domain.OrderStateFailed, ""), nil).Once()

	result, err := h.orch.Authorize(context.Background(), testStore, freshRequest())

	assert.True(t, domain.IsDomainError(err, domain.ErrorCodePersistFailed))
	assert.Equal(t, &domain.AuthorizationResult{OrderID: 42, ErrorMessage: domain.MessageDeclined}, result)

	entries := h.logs.FilterLevelExact(zapcore.ErrorLevel).FilterField(zap.Bool("reconciliation_required", true)).All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(42), fields["order_id"])
	assert.Equal(t, "pay_1", fields["gateway_payment_id"])
	h.assertExpectations(t)
}

func TestAuthorize_DetailsLookupFailureKeepsApproval(t *testing.T) {
	h := newHarness(t)
	resp := finalResponse("pay_1", true)

	h.assembler.On("Acquire", mock.Anything, int64(42)).Return(assembledOrder(), true, nil)
	h.gateway.On("Charge", mock.Anything, mock.Anything).Return(resp, nil)
	h.gateway.On("IsValidResponse", mock.Anything).Return(true)
	h.gateway.On("FetchByID", mock.Anything, "pay_1").
		Return(nil, domain.WrapError(domain.ErrorCodeGatewayUnreachable, "timeout", nil))
	h.recorder.On("Attach", mock.Anything, byOrderID(42), "pay_1", resp.Raw, true).
		Return(orderIn(domain.OrderStatePaid, "pay_1"), nil).Once()

	result, err := h.orch.Authorize(context.Background(), testStore, freshRequest())
	require.NoError(t, err)
	assert.True(t, result.Success)
	h.recorder.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything)
}

func TestAuthorize_ChargeRequestOverrides(t *testing.T) {
	h := newHarness(t)
	req := freshRequest()
	req.Source = domain.FreshSubmission{
		PaymentToken: "tok_123",
		CardBin:      "42x",
		SuccessURL:   "https://client.example/ok",
	}

	h.assembler.On("Acquire", mock.Anything, int64(42)).Return(assembledOrder(), true, nil)
	h.gateway.On("Charge", mock.Anything, mock.MatchedBy(func(c domain.ChargeRequest) bool {
		return c.CardBin == "" &&
			c.SuccessURL == "https://client.example/ok" &&
			c.FailureURL == testStore.FailureURL
	})).Return(&domain.GatewayResponse{
		ID:        "pay_3ds",
		Challenge: &domain.Challenge{RedirectURL: "https://3ds.example/x"},
	}, nil).Once()

	result, err := h.orch.Authorize(context.Background(), testStore, req)
	require.NoError(t, err)
	assert.True(t, result.IsChallenge())
	h.gateway.AssertExpectations(t)
}

func TestAuthorize_PublishFailureDoesNotChangeResult(t *testing.T) {
	h := newHarness(t)
	h.publisher.err = assert.AnError
	resp := finalResponse("pay_1", true)

	h.assembler.On("Acquire", mock.Anything, int64(42)).Return(assembledOrder(), true, nil)
	h.gateway.On("Charge", mock.Anything, mock.Anything).Return(resp, nil)
	h.gateway.On("IsValidResponse", mock.Anything).Return(true)
	h.gateway.On("FetchByID", mock.Anything, "pay_1").Return(resp, nil)
	h.recorder.On("Attach", mock.Anything, byOrderID(42), "pay_1", resp.Raw, true).
		Return(orderIn(domain.OrderStatePaid, "pay_1"), nil)

	result, err := h.orch.Authorize(context.Background(), testStore, freshRequest())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, h.logs.FilterMessage("Failed to publish authorization event").Len())
}

func TestAuthorize_LockTimeout(t *testing.T) {
	assembler := new(MockOrderAssembler)
	gateway := new(MockGatewayClient)
	locker := authorization.NewMemoryLocker(20 * time.Millisecond)

	release, err := locker.Lock(context.Background(), 42)
	require.NoError(t, err)
	defer release()

	orch := authorization.NewOrchestrator(assembler, gateway, new(MockPaymentRecorder), locker, nil,
		resilience.TestTimeoutConfig(), zap.NewNop())

	result, err := orch.Authorize(context.Background(), testStore, freshRequest())

	assert.True(t, domain.IsDomainError(err, domain.ErrorCodeOrderAlreadyInFlight))
	assert.Equal(t, &domain.AuthorizationResult{ErrorMessage: domain.MessageOrderNotCreated}, result)
	assembler.AssertNotCalled(t, "Acquire", mock.Anything, mock.Anything)
}

// fakeOrderStore is a stateful assembler and recorder for concurrency tests
type fakeOrderStore struct {
	mu    sync.Mutex
	order *domain.Order
}

func (s *fakeOrderStore) Acquire(ctx context.Context, quoteID int64) (*domain.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.order != nil {
		o := *s.order
		return &o, false, nil
	}
	s.order = assembledOrder()
	o := *s.order
	return &o, true, nil
}

func (s *fakeOrderStore) Attach(ctx context.Context, order *domain.Order, id string, data json.RawMessage, approved bool) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if approved {
		s.order.State = domain.OrderStatePaid
	} else {
		s.order.State = domain.OrderStateFailed
	}
	s.order.GatewayPaymentID = &id
	s.order.PaymentInfo = data
	o := *s.order
	return &o, nil
}

func (s *fakeOrderStore) MarkFailed(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.order.State != domain.OrderStatePaid {
		s.order.State = domain.OrderStateFailed
	}
	o := *s.order
	return &o, nil
}

type slowGateway struct {
	mu      sync.Mutex
	charges int
}

func (g *slowGateway) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.GatewayResponse, error) {
	g.mu.Lock()
	g.charges++
	g.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	return finalResponse("pay_1", true), nil
}

func (g *slowGateway) FetchByID(ctx context.Context, id string) (*domain.GatewayResponse, error) {
	return finalResponse(id, true), nil
}

func (g *slowGateway) IsValidResponse(resp *domain.GatewayResponse) bool {
	return resp != nil && resp.ID != ""
}

func TestAuthorize_ConcurrentSubmissionsChargeOnce(t *testing.T) {
	store := &fakeOrderStore{}
	gateway := &slowGateway{}
	orch := authorization.NewOrchestrator(store, gateway, store, authorization.NewMemoryLocker(5*time.Second), nil,
		resilience.TestTimeoutConfig(), zap.NewNop())

	const callers = 8
	results := make([]*domain.AuthorizationResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = orch.Authorize(context.Background(), testStore, freshRequest())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, gateway.charges)
	for _, r := range results {
		assert.Equal(t, &domain.AuthorizationResult{Success: true, OrderID: 42}, r)
	}
}
