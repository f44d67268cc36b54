package domain

import (
	"context"
	"errors"
)

// Status is the terminal state of one account's task
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusExhausted Status = "exhausted"
)

// ErrorKind classifies why a mint attempt (or a whole task) did not succeed
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindNetwork             ErrorKind = "network"
	KindTimeout             ErrorKind = "timeout"
	KindRateLimited         ErrorKind = "rate_limited"
	KindServerError         ErrorKind = "server_error"
	KindPaymentRequired     ErrorKind = "payment_required"
	KindUnexpectedStatus    ErrorKind = "unexpected_status"
	KindNotFound            ErrorKind = "not_found"
	KindRejected            ErrorKind = "rejected"
	KindInvalidCredential   ErrorKind = "invalid_credential"
	KindInvalidRequirements ErrorKind = "invalid_requirements"
	KindInternal            ErrorKind = "internal"
	KindRunTimeout          ErrorKind = "run_timeout"
	KindCanceled            ErrorKind = "canceled"
)

// Retryable reports whether another attempt may succeed after this kind of failure
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindRateLimited, KindServerError,
		KindPaymentRequired, KindUnexpectedStatus:
		return true
	default:
		return false
	}
}

// RunLevel reports whether the kind was caused by the run ending rather than the endpoint
func (k ErrorKind) RunLevel() bool {
	return k == KindRunTimeout || k == KindCanceled
}

// KindForContext maps the error of a finished context to a run-level kind
func KindForContext(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindRunTimeout
	}
	return KindCanceled
}
