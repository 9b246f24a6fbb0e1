package authorization

import (
	"strings"

	"github.com/kevin07696/checkout-authorizer/internal/domain"
)

// Classification is the evaluator's verdict on one gateway response.
type Classification struct {
	RedirectURL string
	Kind        domain.ResponseKind
}

// IsPendingChallenge reports whether the buyer must follow RedirectURL
// before an outcome exists.
func (c Classification) IsPendingChallenge() bool {
	return c.Kind == domain.ResponseKindChallenge
}

// ChallengeEvaluator separates final outcomes from pending challenges.
type ChallengeEvaluator struct{}

// NewChallengeEvaluator creates a new evaluator
func NewChallengeEvaluator() *ChallengeEvaluator {
	return &ChallengeEvaluator{}
}

// Classify returns a pending challenge iff the response carries a non-empty
// redirect link. Successful is deliberately ignored: a challenge is neither
// an approval nor a decline.
func (e *ChallengeEvaluator) Classify(resp *domain.GatewayResponse) Classification {
	if resp == nil || resp.Challenge == nil {
		return Classification{Kind: domain.ResponseKindFinal}
	}
	url := strings.TrimSpace(resp.Challenge.RedirectURL)
	if url == "" {
		return Classification{Kind: domain.ResponseKindFinal}
	}
	return Classification{Kind: domain.ResponseKindChallenge, RedirectURL: url}
}
