// Package apperr is the error taxonomy shared by every service. Errors carry a Kind
// that transport layers map to status codes; sentinels match on kind through errors.Is.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation          Kind = "validation"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindNonceInvalid        Kind = "nonce_invalid"
	KindKYCRestricted       Kind = "kyc_restricted"
	KindAlreadyProcessed    Kind = "already_processed"
	KindExternal            Kind = "external_service"
	KindInvalidState        Kind = "invalid_state"
	KindNotFound            Kind = "not_found"
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindConflict            Kind = "conflict"
	KindRateLimited         Kind = "rate_limited"
	KindUnavailable         Kind = "unavailable"
	KindInternal            Kind = "internal"
)

var (
	ErrValidation          = &Error{Kind: KindValidation, Message: "invalid request"}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance, Message: "insufficient balance"}
	ErrNonceInvalid        = &Error{Kind: KindNonceInvalid, Message: "nonce is invalid or expired"}
	ErrKYCRestricted       = &Error{Kind: KindKYCRestricted, Message: "kyc restriction"}
	ErrAlreadyProcessed    = &Error{Kind: KindAlreadyProcessed, Message: "already processed"}
	ErrExternal            = &Error{Kind: KindExternal, Message: "external service failure", Retryable: true}
	ErrInvalidState        = &Error{Kind: KindInvalidState, Message: "invalid state"}
	ErrNotFound            = &Error{Kind: KindNotFound, Message: "not found"}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
	ErrForbidden           = &Error{Kind: KindForbidden, Message: "forbidden"}
	ErrConflict            = &Error{Kind: KindConflict, Message: "conflict"}
	ErrRateLimited         = &Error{Kind: KindRateLimited, Message: "too many requests"}
	ErrUnavailable         = &Error{Kind: KindUnavailable, Message: "feature unavailable"}
)

type Error struct {
	Kind      Kind
	Message   string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports kind equality so that errors.Is(err, ErrInsufficientBalance) holds for any
// insufficient balance error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Message: msg, Err: err, Retryable: kind == KindExternal}
}

func Validation(msg string) error {
	return &Error{Kind: KindValidation, Message: msg}
}

func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func InsufficientBalance(msg string) error {
	return &Error{Kind: KindInsufficientBalance, Message: msg}
}

func KYCRestricted(msg string) error {
	return &Error{Kind: KindKYCRestricted, Message: msg}
}

func AlreadyProcessed(msg string) error {
	return &Error{Kind: KindAlreadyProcessed, Message: msg}
}

func InvalidState(msg string) error {
	return &Error{Kind: KindInvalidState, Message: msg}
}

func NotFound(what string) error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

func Conflict(msg string) error {
	return &Error{Kind: KindConflict, Message: msg}
}

func Unavailable(msg string) error {
	return &Error{Kind: KindUnavailable, Message: msg}
}

// External marks a collaborator failure. These are always retryable by caller policy.
func External(op string, err error) error {
	return &Error{Kind: KindExternal, Message: op + " failed", Err: err, Retryable: true}
}

func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// PublicMessage is the message safe to show to a caller. Internal failures are never described.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindInternal || e.Kind == KindInvalidState {
		return "internal error"
	}
	if e.Kind == KindExternal {
		return e.Message
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindInsufficientBalance:
		return http.StatusBadRequest
	case KindNonceInvalid, KindUnauthorized:
		return http.StatusUnauthorized
	case KindKYCRestricted, KindForbidden:
		return http.StatusForbidden
	case KindAlreadyProcessed, KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindExternal:
		return http.StatusBadGateway
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func Code(kind Kind) string {
	switch kind {
	case KindValidation:
		return "INVALID_REQUEST"
	case KindInsufficientBalance:
		return "INSUFFICIENT_BALANCE"
	case KindNonceInvalid:
		return "NONCE_INVALID"
	case KindKYCRestricted:
		return "KYC_RESTRICTED"
	case KindAlreadyProcessed:
		return "ALREADY_PROCESSED"
	case KindExternal:
		return "EXTERNAL_SERVICE_FAILURE"
	case KindNotFound:
		return "NOT_FOUND"
	case KindUnauthorized:
		return "UNAUTHORIZED"
	case KindForbidden:
		return "FORBIDDEN"
	case KindConflict:
		return "CONFLICT"
	case KindRateLimited:
		return "RATE_LIMITED"
	case KindUnavailable:
		return "UNAVAILABLE"
	default:
		return "INTERNAL_ERROR"
	}
}
