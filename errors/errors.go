// Package errors defines the internal error types used between components.
// The web layer maps these onto RFC 7807 problem documents; everything below
// it speaks in terms of these types.
package errors

import (
	"fmt"
	"time"

	"github.com/trellisca/trellis/identifier"
)

// ErrorType provides a coarse category for TrellisErrors.
// Objects of type ErrorType should never be directly returned by other
// functions; wrap them in a TrellisError instance instead.
type ErrorType int

const (
	// InternalServer is deserving of a 500 and never shows its detail to
	// clients.
	InternalServer ErrorType = iota
	Malformed
	Unauthorized
	NotFound
	RateLimit
	RejectedIdentifier
	UnsupportedIdentifier
	ConnectionFailure
	Duplicate
	OrderNotReady
	DNS
	BadPublicKey
	BadCSR
	BadNonce
	BadSignatureAlgorithm
	AccountDoesNotExist
)

func (ErrorType) Error() string {
	return "urn:ietf:params:acme:error"
}

// TrellisError represents internal errors, with an
// integer type and detail string. The reason for this is to facilitate
// clearly distinguishing between different types of error on the basis of the
// error type, while allowing the detail to be flexible.
type TrellisError struct {
	Type      ErrorType
	Detail    string
	SubErrors []SubTrellisError

	// RetryAfter the duration a client should wait before retrying the request
	// which resulted in this error.
	RetryAfter time.Duration
}

// SubTrellisError represents sub-errors specific to an identifier that are
// related to a top-level internal error.
type SubTrellisError struct {
	*TrellisError
	Identifier identifier.ACMEIdentifier
}

func (be *TrellisError) Error() string {
	return be.Detail
}

func (be *TrellisError) Unwrap() error {
	return be.Type
}

// WithSubErrors returns a new TrellisError instance created by adding the
// provided subErrs to the existing TrellisError.
func (be *TrellisError) WithSubErrors(subErrs []SubTrellisError) *TrellisError {
	return &TrellisError{
		Type:       be.Type,
		Detail:     be.Detail,
		SubErrors:  append(be.SubErrors, subErrs...),
		RetryAfter: be.RetryAfter,
	}
}

// New is a convenience function for creating a new TrellisError.
func New(errType ErrorType, msg string, args ...interface{}) error {
	return &TrellisError{
		Type:   errType,
		Detail: fmt.Sprintf(msg, args...),
	}
}

func InternalServerError(msg string, args ...interface{}) error {
	return New(InternalServer, msg, args...)
}

func MalformedError(msg string, args ...interface{}) error {
	return New(Malformed, msg, args...)
}

func UnauthorizedError(msg string, args ...interface{}) error {
	return New(Unauthorized, msg, args...)
}

func NotFoundError(msg string, args ...interface{}) error {
	return New(NotFound, msg, args...)
}

func RateLimitError(retryAfter time.Duration, msg string, args ...interface{}) error {
	return &TrellisError{
		Type:       RateLimit,
		Detail:     fmt.Sprintf(msg+": see https://trellisca.example/docs/rate-limits/", args...),
		RetryAfter: retryAfter,
	}
}

func RejectedIdentifierError(msg string, args ...interface{}) error {
	return New(RejectedIdentifier, msg, args...)
}

func UnsupportedIdentifierError(msg string, args ...interface{}) error {
	return New(UnsupportedIdentifier, msg, args...)
}

func ConnectionFailureError(msg string, args ...interface{}) error {
	return New(ConnectionFailure, msg, args...)
}

func DuplicateError(msg string, args ...interface{}) error {
	return New(Duplicate, msg, args...)
}

func OrderNotReadyError(msg string, args ...interface{}) error {
	return New(OrderNotReady, msg, args...)
}

func DNSError(msg string, args ...interface{}) error {
	return New(DNS, msg, args...)
}

func BadPublicKeyError(msg string, args ...interface{}) error {
	return New(BadPublicKey, msg, args...)
}

func BadCSRError(msg string, args ...interface{}) error {
	return New(BadCSR, msg, args...)
}

func BadNonceError(msg string, args ...interface{}) error {
	return New(BadNonce, msg, args...)
}

func BadSignatureAlgorithmError(msg string, args ...interface{}) error {
	return New(BadSignatureAlgorithm, msg, args...)
}

func AccountDoesNotExistError(msg string, args ...interface{}) error {
	return New(AccountDoesNotExist, msg, args...)
}
