package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// Client-facing messages. Internal error detail is never returned to callers.
const (
	MessageInvalidRequest  = "The request is invalid."
	MessageOrderNotCreated = "The order could not be created."
	MessageDeclined        = "The payment request was declined by the gateway."
)

// AuthorizationPath distinguishes the two ways into the authorizer.
type AuthorizationPath string

const (
	PathFresh  AuthorizationPath = "fresh"
	PathResume AuthorizationPath = "resume"
)

// PaymentSource is what drives one authorization call. It is either a
// FreshSubmission or a ResumeChallenge, never both.
type PaymentSource interface {
	Path() AuthorizationPath
	validate() error
}

// FreshSubmission charges a newly tokenized card or wallet token.
type FreshSubmission struct {
	PaymentToken string
	CardBin      string
	SuccessURL   string
	FailureURL   string
}

func (FreshSubmission) Path() AuthorizationPath { return PathFresh }

func (s FreshSubmission) validate() error {
	if strings.TrimSpace(s.PaymentToken) == "" {
		return WrapError(ErrorCodeValidationFailed, "payment_token is required", nil)
	}
	return nil
}

// ResumeChallenge re-enters the authorizer with the gateway session id the
// buyer brought back from a challenge redirect.
type ResumeChallenge struct {
	SessionID string
}

func (ResumeChallenge) Path() AuthorizationPath { return PathResume }

func (s ResumeChallenge) validate() error {
	if strings.TrimSpace(s.SessionID) == "" {
		return WrapError(ErrorCodeValidationFailed, "session id is required", nil)
	}
	return nil
}

// AuthorizationRequest is built once per inbound call and never mutated.
type AuthorizationRequest struct {
	Source    PaymentSource
	AuthToken string
	QuoteID   int64
}

// Validate checks the request shape. Credentials are checked separately.
func (r AuthorizationRequest) Validate() error {
	if r.QuoteID <= 0 {
		return WrapError(ErrorCodeValidationFailed, "quote_id is required", nil)
	}
	if r.Source == nil {
		return WrapError(ErrorCodeValidationFailed, "payment_token or session id is required", nil)
	}
	return r.Source.validate()
}

// NewPaymentSource picks the request variant. A non-empty session id wins
// over a payment token.
func NewPaymentSource(sessionID string, fresh FreshSubmission) (PaymentSource, error) {
	if id := strings.TrimSpace(sessionID); id != "" {
		return ResumeChallenge{SessionID: id}, nil
	}
	if strings.TrimSpace(fresh.PaymentToken) != "" {
		return fresh, nil
	}
	return nil, WrapError(ErrorCodeValidationFailed, "payment_token or session id is required", nil)
}

var cardBinPattern = regexp.MustCompile(`^\d{6}(\d{2})?$`)

// NormalizeCardBin returns the bin if it is a 6 or 8 digit prefix.
func NormalizeCardBin(bin string) (string, error) {
	bin = strings.TrimSpace(bin)
	if bin == "" {
		return "", nil
	}
	if !cardBinPattern.MatchString(bin) {
		return "", fmt.Errorf("card bin must be 6 or 8 digits")
	}
	return bin, nil
}

// AuthorizationResult is the client-facing outcome of one call.
type AuthorizationResult struct {
	RedirectURL  string `json:"redirect_url"`
	ErrorMessage string `json:"error_message"`
	OrderID      int64  `json:"order_id"`
	Success      bool   `json:"success"`
}

// FailedResult returns an unsuccessful result with the given client message.
func FailedResult(orderID int64, message string) *AuthorizationResult {
	return &AuthorizationResult{OrderID: orderID, ErrorMessage: message}
}

// ApprovedResult returns a successful final result.
func ApprovedResult(orderID int64) *AuthorizationResult {
	return &AuthorizationResult{OrderID: orderID, Success: true}
}

// ChallengeResult instructs the client to follow a redirect and come back
// with the session id.
func ChallengeResult(orderID int64, redirectURL string) *AuthorizationResult {
	return &AuthorizationResult{OrderID: orderID, Success: true, RedirectURL: redirectURL}
}

// IsChallenge reports whether the result is a pending redirect.
func (r *AuthorizationResult) IsChallenge() bool {
	return r.Success && r.RedirectURL != ""
}
