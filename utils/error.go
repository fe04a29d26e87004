package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

// ErrorKind classifies every failure a money-affecting operation can surface.
// Handlers map kinds to HTTP statuses; the reconciliation code maps them to
// retry decisions. Only gateway_unreachable is ever retried.
type ErrorKind string

const (
	ErrorKindValidation         ErrorKind = "validation"
	ErrorKindBusinessRule       ErrorKind = "business_rule"
	ErrorKindGatewayRejected    ErrorKind = "gateway_rejected"
	ErrorKindGatewayUnreachable ErrorKind = "gateway_unreachable"
	ErrorKindConsistency        ErrorKind = "consistency"
)

type KindedError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *KindedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *KindedError) Unwrap() error {
	return e.Err
}

func NewValidationError(format string, args ...any) error {
	return &KindedError{Kind: ErrorKindValidation, Message: fmt.Sprintf(format, args...)}
}

func NewBusinessRuleError(format string, args ...any) error {
	return &KindedError{Kind: ErrorKindBusinessRule, Message: fmt.Sprintf(format, args...)}
}

func NewGatewayRejectedError(message string, cause error) error {
	return &KindedError{Kind: ErrorKindGatewayRejected, Message: message, Err: cause}
}

func NewGatewayUnreachableError(message string, cause error) error {
	return &KindedError{Kind: ErrorKindGatewayUnreachable, Message: message, Err: cause}
}

func NewConsistencyError(format string, args ...any) error {
	return &KindedError{Kind: ErrorKindConsistency, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or "" when err carries no kind.
func KindOf(err error) ErrorKind {
	var ke *KindedError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}

func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the whole operation may be retried.
// Business-rule and gateway-rejected failures must never be retried.
func IsRetryable(err error) bool {
	return IsKind(err, ErrorKindGatewayUnreachable)
}
