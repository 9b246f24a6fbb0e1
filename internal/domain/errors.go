package domain

import (
	"errors"
	"fmt"
)

// ErrorCode represents a machine-readable error code
type ErrorCode string

const (
	// Authentication Errors (AUTH_*)
	ErrorCodeUnauthorized ErrorCode = "AUTH_UNAUTHORIZED"

	// Store Errors (STORE_*)
	ErrorCodeStoreNotFound ErrorCode = "STORE_NOT_FOUND"

	// Order Errors
	ErrorCodeQuoteNotFound        ErrorCode = "QUOTE_NOT_FOUND"
	ErrorCodeOrderAssemblyFailed  ErrorCode = "ORDER_ASSEMBLY_FAILED"
	ErrorCodeOrderAlreadyInFlight ErrorCode = "ORDER_ALREADY_IN_FLIGHT"
	ErrorCodePersistFailed        ErrorCode = "PERSIST_FAILED"

	// Payment Gateway Errors (GATEWAY_*)
	ErrorCodeGatewayUnreachable ErrorCode = "GATEWAY_UNREACHABLE"
	ErrorCodeGatewayRejected    ErrorCode = "GATEWAY_REJECTED"

	// Validation Errors (VALIDATION_*)
	ErrorCodeValidationFailed ErrorCode = "VALIDATION_FAILED"

	// Wallet Errors (WALLET_*)
	ErrorCodeWalletDisabled                 ErrorCode = "WALLET_DISABLED"
	ErrorCodeWalletMerchantValidationFailed ErrorCode = "WALLET_MERCHANT_VALIDATION_FAILED"
	ErrorCodeWalletNoShippingMethods        ErrorCode = "WALLET_NO_SHIPPING_METHODS"
)

// DomainError represents a structured domain error with error code and context
type DomainError struct {
	Err     error
	Details map[string]interface{}
	Code    ErrorCode
	Message string
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a DomainError carrying the same code, so that
// errors.Is(err, ErrQuoteNotFound) matches wrapped instances too.
func (e *DomainError) Is(target error) bool {
	var t *DomainError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithDetail adds a detail field to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(code ErrorCode, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with a domain error code
func WrapError(code ErrorCode, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Err:     err,
	}
}

// IsDomainError checks if an error is a DomainError with the given code
func IsDomainError(err error, code ErrorCode) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error, returns empty string if not a DomainError
func GetErrorCode(err error) ErrorCode {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// IsGatewayError checks if an error is a payment gateway error
func IsGatewayError(err error) bool {
	code := GetErrorCode(err)
	return code == ErrorCodeGatewayUnreachable ||
		code == ErrorCodeGatewayRejected
}

// IsWalletError checks if an error should be surfaced to the wallet UI as a step failure
func IsWalletError(err error) bool {
	code := GetErrorCode(err)
	return code == ErrorCodeWalletDisabled ||
		code == ErrorCodeWalletMerchantValidationFailed ||
		code == ErrorCodeWalletNoShippingMethods
}

// Sentinel instances. Compare with errors.Is, never by pointer.
var (
	ErrUnauthorized  = NewDomainError(ErrorCodeUnauthorized, "invalid store credential")
	ErrStoreNotFound = NewDomainError(ErrorCodeStoreNotFound, "store not found")

	ErrQuoteNotFound        = NewDomainError(ErrorCodeQuoteNotFound, "quote not found")
	ErrOrderAssemblyFailed  = NewDomainError(ErrorCodeOrderAssemblyFailed, "order could not be assembled")
	ErrOrderAlreadyInFlight = NewDomainError(ErrorCodeOrderAlreadyInFlight, "authorization already in flight for order")
	ErrPersistFailed        = NewDomainError(ErrorCodePersistFailed, "failed to persist payment outcome")

	ErrGatewayUnreachable = NewDomainError(ErrorCodeGatewayUnreachable, "payment gateway unreachable")
	ErrGatewayRejected    = NewDomainError(ErrorCodeGatewayRejected, "payment gateway returned an invalid response")

	ErrValidationFailed = NewDomainError(ErrorCodeValidationFailed, "validation failed")

	ErrWalletDisabled                 = NewDomainError(ErrorCodeWalletDisabled, "wallet payments are disabled for this store")
	ErrWalletMerchantValidationFailed = NewDomainError(ErrorCodeWalletMerchantValidationFailed, "merchant validation failed")
	ErrWalletNoShippingMethods        = NewDomainError(ErrorCodeWalletNoShippingMethods, "no shipping methods available")
)
