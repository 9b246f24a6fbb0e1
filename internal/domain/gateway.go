package domain

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// ResponseKind discriminates final gateway outcomes from pending challenges.
type ResponseKind int

const (
	ResponseKindFinal ResponseKind = iota
	ResponseKindChallenge
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseKindFinal:
		return "final"
	case ResponseKindChallenge:
		return "challenge"
	default:
		return "unknown"
	}
}

// Challenge is set on a response that requires the buyer to complete an
// out-of-band verification before an outcome is known.
type Challenge struct {
	RedirectURL string
}

// GatewayResponse is the normalized gateway payload. Challenge is non-nil iff
// the response carries a non-empty redirect link.
type GatewayResponse struct {
	Challenge  *Challenge
	ID         string
	Status     string
	Reference  string
	Raw        json.RawMessage
	Successful bool
}

// Kind returns the response variant.
func (r *GatewayResponse) Kind() ResponseKind {
	if r.Challenge != nil && r.Challenge.RedirectURL != "" {
		return ResponseKindChallenge
	}
	return ResponseKindFinal
}

// ChargeRequest is what the authorizer asks the gateway to charge.
type ChargeRequest struct {
	Amount       decimal.Decimal
	PaymentToken string
	CardBin      string
	SuccessURL   string
	FailureURL   string
	Currency     string
	Reference    string
}
