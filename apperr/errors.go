// Package apperr classifies pipeline failures so the queue, the HTTP layer and
// the stage handlers agree on what is retried and what is surfaced.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindAccessDenied
	KindProviderTransient
	KindProviderTerminal
	KindQuotaExhausted
	KindInsufficientCredits
	KindConflict
	KindPartialBatch
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindAccessDenied:
		return "access_denied"
	case KindProviderTransient:
		return "provider_transient"
	case KindProviderTerminal:
		return "provider_terminal"
	case KindQuotaExhausted:
		return "quota_exhausted"
	case KindInsufficientCredits:
		return "insufficient_credits"
	case KindConflict:
		return "conflict"
	case KindPartialBatch:
		return "partial_batch"
	default:
		return "internal"
	}
}

// Error is a classified failure. Op names the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, format, args...)
}

func NotFound(op, format string, args ...any) *Error {
	return New(KindNotFound, op, format, args...)
}

func AccessDenied(op, format string, args ...any) *Error {
	return New(KindAccessDenied, op, format, args...)
}

func Transient(op string, err error) *Error {
	return Wrap(KindProviderTransient, op, err)
}

func Terminal(op, format string, args ...any) *Error {
	return New(KindProviderTerminal, op, format, args...)
}

func QuotaExhausted(op, format string, args ...any) *Error {
	return New(KindQuotaExhausted, op, format, args...)
}

func InsufficientCredits(op, format string, args ...any) *Error {
	return New(KindInsufficientCredits, op, format, args...)
}

func Conflict(op, format string, args ...any) *Error {
	return New(KindConflict, op, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the queue should redeliver a job that failed with err.
// Unclassified errors (database hiccups, I/O) count as retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindInternal, KindProviderTransient:
		return true
	default:
		return false
	}
}

// HTTPStatus maps err onto the status code the API responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAccessDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInsufficientCredits:
		return http.StatusPaymentRequired
	case KindQuotaExhausted:
		return http.StatusTooManyRequests
	case KindProviderTransient, KindProviderTerminal:
		return http.StatusBadGateway
	case KindPartialBatch:
		return http.StatusMultiStatus
	default:
		return http.StatusInternalServerError
	}
}
