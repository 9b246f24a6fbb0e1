package resilience

import (
	"context"
	"time"
)

// TimeoutConfig defines timeout values for the authorization call chain
//
// Timeout Hierarchy (from outermost to innermost):
//
//	HTTP Handler (45s)
//	  ↓
//	Authorization (40s)
//	  ↓
//	Lock wait (10s)  /  Gateway call (30s)
//	  ↓
//	Database Query (5s)
//
// Event publishing runs detached from the request with its own budget.
type TimeoutConfig struct {
	HTTPHandler   time.Duration
	Authorization time.Duration
	Gateway       time.Duration
	LockWait      time.Duration
	Database      time.Duration
	Publish       time.Duration
}

// DefaultTimeoutConfig returns production timeout values
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		HTTPHandler:   45 * time.Second,
		Authorization: 40 * time.Second,
		Gateway:       30 * time.Second,
		LockWait:      10 * time.Second,
		Database:      5 * time.Second,
		Publish:       5 * time.Second,
	}
}

// TestTimeoutConfig returns shorter timeouts for testing
func TestTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		HTTPHandler:   5 * time.Second,
		Authorization: 4 * time.Second,
		Gateway:       2 * time.Second,
		LockWait:      500 * time.Millisecond,
		Database:      1 * time.Second,
		Publish:       1 * time.Second,
	}
}

// HandlerContext creates a context with timeout for HTTP handlers
func (tc *TimeoutConfig) HandlerContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.HTTPHandler)
}

// AuthorizationContext bounds one authorize call
func (tc *TimeoutConfig) AuthorizationContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.Authorization)
}

// GatewayContext creates a context for a single gateway call
func (tc *TimeoutConfig) GatewayContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.Gateway)
}

// DatabaseContext creates a context for a single query
func (tc *TimeoutConfig) DatabaseContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.Database)
}

// PublishContext creates a context for event publishing. It is detached from
// the parent's cancellation so a finished request does not abort delivery.
func (tc *TimeoutConfig) PublishContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), tc.Publish)
}
