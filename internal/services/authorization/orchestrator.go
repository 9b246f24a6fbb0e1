package authorization

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kevin07696/checkout-authorizer/internal/domain"
	"github.com/kevin07696/checkout-authorizer/internal/domain/ports"
	"github.com/kevin07696/checkout-authorizer/pkg/observability"
	"github.com/kevin07696/checkout-authorizer/pkg/resilience"
	"go.uber.org/zap"
)

// Outcome labels for the authorizations_total metric
const (
	outcomeApproved       = "approved"
	outcomeDeclined       = "declined"
	outcomeChallenge      = "challenge"
	outcomeUnauthorized   = "unauthorized"
	outcomeInvalid        = "invalid"
	outcomeOrderNotCreate = "order_not_created"
)

// Orchestrator turns an authorization request into a persisted order outcome.
// Every call returns a non-nil, client-safe result. The returned error is the
// classified local failure, meant for logs only.
type Orchestrator struct {
	assembler ports.OrderAssembler
	gateway   ports.GatewayClient
	recorder  ports.PaymentRecorder
	locker    ports.OrderLocker
	publisher ports.OutcomePublisher
	evaluator *ChallengeEvaluator
	timeouts  *resilience.TimeoutConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewOrchestrator creates a new authorization orchestrator
func NewOrchestrator(
	assembler ports.OrderAssembler,
	gateway ports.GatewayClient,
	recorder ports.PaymentRecorder,
	locker ports.OrderLocker,
	publisher ports.OutcomePublisher,
	timeouts *resilience.TimeoutConfig,
	logger *zap.Logger,
) *Orchestrator {
	if timeouts == nil {
		timeouts = resilience.DefaultTimeoutConfig()
	}
	return &Orchestrator{
		assembler: assembler,
		gateway:   gateway,
		recorder:  recorder,
		locker:    locker,
		publisher: publisher,
		evaluator: NewChallengeEvaluator(),
		timeouts:  timeouts,
		logger:    logger,
		now:       time.Now,
	}
}

// Authorize runs one authorization attempt for store.
func (o *Orchestrator) Authorize(ctx context.Context, store domain.StoreContext, req domain.AuthorizationRequest) (*domain.AuthorizationResult, error) {
	start := time.Now()

	result, err := o.authorize(ctx, store, req)

	path := "unknown"
	if req.Source != nil {
		path = string(req.Source.Path())
	}
	observability.RecordAuthorization(path, outcomeOf(result, err), time.Since(start).Seconds())

	return result, err
}

func (o *Orchestrator) authorize(ctx context.Context, store domain.StoreContext, req domain.AuthorizationRequest) (*domain.AuthorizationResult, error) {
	if !VerifyToken(store, req.AuthToken) {
		o.logger.Warn("Rejected authorization with invalid store credential",
			zap.String("store_code", store.Code),
			zap.Int64("quote_id", req.QuoteID),
		)
		return domain.FailedResult(0, domain.MessageInvalidRequest),
			domain.WrapError(domain.ErrorCodeUnauthorized, "store credential mismatch", nil)
	}

	if err := req.Validate(); err != nil {
		return domain.FailedResult(0, domain.MessageInvalidRequest), err
	}

	logger := o.logger.With(
		zap.String("store_code", store.Code),
		zap.Int64("quote_id", req.QuoteID),
		zap.String("path", string(req.Source.Path())),
	)

	release, err := o.locker.Lock(ctx, req.QuoteID)
	if err != nil {
		logger.Warn("Could not lock quote", zap.Error(err))
		return domain.FailedResult(0, domain.MessageOrderNotCreated), err
	}
	defer release()

	order, created, err := o.assembler.Acquire(ctx, req.QuoteID)
	if err != nil {
		if domain.IsDomainError(err, domain.ErrorCodeQuoteNotFound) {
			logger.Warn("Quote not found", zap.String("error_code", string(domain.ErrorCodeQuoteNotFound)))
		} else {
			logger.Error("Order assembly failed", zap.Error(err))
		}
		return domain.FailedResult(0, domain.MessageOrderNotCreated), err
	}

	logger = logger.With(
		zap.Int64("order_id", order.ID),
		zap.String("reference", order.Reference),
	)

	if !created {
		if result, done, err := o.settleExisting(order, req.Source, logger); done {
			return result, err
		}
	}

	var resp *domain.GatewayResponse
	switch source := req.Source.(type) {
	case domain.FreshSubmission:
		resp, err = o.charge(ctx, store, order, source, logger)
	case domain.ResumeChallenge:
		resp, err = o.resume(ctx, source)
		if err == nil && resp.Reference != "" && resp.Reference != order.Reference {
			// The session belongs to another order; leave this one untouched.
			logger.Warn("Challenge session belongs to another order",
				zap.String("session_reference", resp.Reference),
			)
			return domain.FailedResult(order.ID, domain.MessageDeclined),
				domain.WrapError(domain.ErrorCodeGatewayRejected, "session reference does not match order", nil).
					WithDetail("order_id", order.ID)
		}
	default:
		return domain.FailedResult(0, domain.MessageInvalidRequest),
			domain.WrapError(domain.ErrorCodeValidationFailed, fmt.Sprintf("unsupported payment source %T", source), nil)
	}

	// Past this point the gateway may hold a charge for this order, so the
	// remaining steps run to completion even if the caller goes away.
	persistCtx := context.WithoutCancel(ctx)

	if err != nil {
		logger.Warn("Gateway call failed", zap.Error(err))
		o.markFailed(persistCtx, order, logger)
		o.publish(persistCtx, ports.EventTypeDeclined, order, "")
		return domain.FailedResult(order.ID, domain.MessageDeclined), err
	}

	classification := o.evaluator.Classify(resp)
	if classification.IsPendingChallenge() {
		logger.Info("Gateway requires a challenge",
			zap.String("gateway_payment_id", resp.ID),
		)
		o.publish(persistCtx, ports.EventTypeChallengeRequired, order, resp.ID)
		return domain.ChallengeResult(order.ID, classification.RedirectURL), nil
	}

	return o.finalize(persistCtx, order, resp, logger)
}

// settleExisting decides what to do with an order that existed before this
// call. done is false when the gateway should still be consulted.
func (o *Orchestrator) settleExisting(order *domain.Order, source domain.PaymentSource, logger *zap.Logger) (*domain.AuthorizationResult, bool, error) {
	switch {
	case order.IsPaid():
		logger.Info("Order already paid")
		return domain.ApprovedResult(order.ID), true, nil

	case order.IsFinallyDeclined():
		logger.Info("Order already declined")
		return domain.FailedResult(order.ID, domain.MessageDeclined), true, nil

	case source.Path() == domain.PathResume && !order.CanAttachPayment():
		// The recorder would refuse the write; skip the gateway round trip.
		logger.Warn("Resumed order already carries payment info",
			zap.String("state", string(order.State)),
		)
		return domain.FailedResult(order.ID, domain.MessageDeclined), true,
			domain.WrapError(domain.ErrorCodeOrderAssemblyFailed,
				fmt.Sprintf("order %d already carries payment info", order.ID), nil).
				WithDetail("order_id", order.ID)

	case source.Path() == domain.PathResume:
		return nil, false, nil

	case order.State == domain.OrderStateAssembled:
		logger.Warn("Fresh submission for an order with a pending challenge")
		return domain.FailedResult(0, domain.MessageOrderNotCreated), true,
			domain.WrapError(domain.ErrorCodeOrderAlreadyInFlight,
				fmt.Sprintf("order %d is awaiting challenge completion", order.ID), nil).
				WithDetail("order_id", order.ID)

	default:
		logger.Warn("Fresh submission for an order awaiting reconciliation",
			zap.String("state", string(order.State)),
		)
		return domain.FailedResult(0, domain.MessageOrderNotCreated), true,
			domain.WrapError(domain.ErrorCodeOrderAssemblyFailed,
				fmt.Sprintf("order %d is awaiting reconciliation", order.ID), nil).
				WithDetail("order_id", order.ID)
	}
}

func (o *Orchestrator) charge(ctx context.Context, store domain.StoreContext, order *domain.Order, source domain.FreshSubmission, logger *zap.Logger) (*domain.GatewayResponse, error) {
	bin, err := domain.NormalizeCardBin(source.CardBin)
	if err != nil {
		logger.Warn("Dropping malformed card bin", zap.Error(err))
		bin = ""
	}

	req := domain.ChargeRequest{
		Amount:       order.GrandTotal,
		Currency:     order.Currency,
		Reference:    order.Reference,
		PaymentToken: source.PaymentToken,
		CardBin:      bin,
		SuccessURL:   firstNonEmpty(source.SuccessURL, store.SuccessURL),
		FailureURL:   firstNonEmpty(source.FailureURL, store.FailureURL),
	}

	gatewayCtx, cancel := o.timeouts.GatewayContext(ctx)
	defer cancel()

	logger.Info("Submitting charge",
		zap.String("amount", order.GrandTotal.String()),
		zap.String("currency", order.Currency),
	)
	return o.gateway.Charge(gatewayCtx, req)
}

func (o *Orchestrator) resume(ctx context.Context, source domain.ResumeChallenge) (*domain.GatewayResponse, error) {
	gatewayCtx, cancel := o.timeouts.GatewayContext(ctx)
	defer cancel()

	return o.gateway.FetchByID(gatewayCtx, source.SessionID)
}

// finalize records a final gateway outcome on the order
func (o *Orchestrator) finalize(ctx context.Context, order *domain.Order, resp *domain.GatewayResponse, logger *zap.Logger) (*domain.AuthorizationResult, error) {
	if !o.gateway.IsValidResponse(resp) {
		logger.Warn("Gateway returned an invalid final response",
			zap.String("gateway_payment_id", resp.ID),
			zap.String("status", resp.Status),
		)
		o.markFailed(ctx, order, logger)
		o.publish(ctx, ports.EventTypeDeclined, order, resp.ID)
		return domain.FailedResult(order.ID, domain.MessageDeclined),
			domain.WrapError(domain.ErrorCodeGatewayRejected, "invalid gateway response", nil)
	}

	details := o.extendedDetails(ctx, resp, logger)

	updated, err := o.recorder.Attach(ctx, order, details.ID, details.Raw, details.Successful)
	if err != nil {
		if details.Successful {
			logger.Error("Payment authorized at gateway but not recorded",
				zap.Bool("reconciliation_required", true),
				zap.String("gateway_payment_id", details.ID),
				zap.Error(err),
			)
			observability.RecordReconciliationRequired()
		} else {
			logger.Error("Failed to record declined payment",
				zap.String("gateway_payment_id", details.ID),
				zap.Error(err),
			)
		}
		o.markFailed(ctx, order, logger)
		o.publish(ctx, ports.EventTypeDeclined, order, details.ID)
		return domain.FailedResult(order.ID, domain.MessageDeclined), err
	}

	if updated.IsPaid() {
		logger.Info("Payment approved", zap.String("gateway_payment_id", details.ID))
		o.publish(ctx, ports.EventTypeApproved, updated, details.ID)
		return domain.ApprovedResult(updated.ID), nil
	}

	logger.Info("Payment declined",
		zap.String("gateway_payment_id", details.ID),
		zap.String("status", details.Status),
	)
	o.publish(ctx, ports.EventTypeDeclined, updated, details.ID)
	return domain.FailedResult(updated.ID, domain.MessageDeclined), nil
}

// extendedDetails fetches the full payment by id. The already validated
// response is used when the lookup fails so an approval is never lost.
func (o *Orchestrator) extendedDetails(ctx context.Context, resp *domain.GatewayResponse, logger *zap.Logger) *domain.GatewayResponse {
	gatewayCtx, cancel := o.timeouts.GatewayContext(ctx)
	defer cancel()

	details, err := o.gateway.FetchByID(gatewayCtx, resp.ID)
	if err != nil {
		logger.Warn("Could not fetch payment details, recording the authorization response",
			zap.String("gateway_payment_id", resp.ID),
			zap.Error(err),
		)
		return resp
	}
	if details.ID != resp.ID || !o.gateway.IsValidResponse(details) || details.Kind() != domain.ResponseKindFinal {
		logger.Warn("Payment details do not match the authorization response",
			zap.String("gateway_payment_id", resp.ID),
			zap.String("details_id", details.ID),
		)
		return resp
	}
	return details
}

func (o *Orchestrator) markFailed(ctx context.Context, order *domain.Order, logger *zap.Logger) {
	dbCtx, cancel := o.timeouts.DatabaseContext(ctx)
	defer cancel()

	if _, err := o.recorder.MarkFailed(dbCtx, order); err != nil {
		logger.Error("Failed to mark order failed", zap.Error(err))
	}
}

func (o *Orchestrator) publish(ctx context.Context, eventType string, order *domain.Order, gatewayPaymentID string) {
	if o.publisher == nil {
		return
	}

	pubCtx, cancel := o.timeouts.PublishContext(ctx)
	defer cancel()

	event := ports.AuthorizationEvent{
		EventID:          uuid.NewString(),
		Type:             eventType,
		OrderID:          order.ID,
		QuoteID:          order.QuoteID,
		Reference:        order.Reference,
		StoreCode:        order.StoreCode,
		GatewayPaymentID: gatewayPaymentID,
		OccurredAt:       o.now().UTC(),
	}
	if err := o.publisher.Publish(pubCtx, event); err != nil {
		observability.RecordEventPublished(eventType, "error")
		o.logger.Warn("Failed to publish authorization event",
			zap.String("event_type", eventType),
			zap.Int64("order_id", order.ID),
			zap.Error(err),
		)
		return
	}
	observability.RecordEventPublished(eventType, "success")
}

func outcomeOf(result *domain.AuthorizationResult, err error) string {
	switch {
	case result.IsChallenge():
		return outcomeChallenge
	case result.Success:
		return outcomeApproved
	case domain.IsDomainError(err, domain.ErrorCodeUnauthorized):
		return outcomeUnauthorized
	case domain.IsDomainError(err, domain.ErrorCodeValidationFailed):
		return outcomeInvalid
	case result.OrderID == 0:
		return outcomeOrderNotCreate
	default:
		return outcomeDeclined
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
