// Package syncerr classifies failures seen by the sync engine so that each
// one is contained at the right scope: a record, an entity type, or a cycle.
package syncerr

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindUnknown      Kind = "unknown"
	KindConnectivity Kind = "connectivity"
	KindAuth         Kind = "auth"
	KindValidation   Kind = "validation"
	KindConflict     Kind = "conflict"
	KindRateLimit    Kind = "rate_limit"
	KindSchema       Kind = "schema"
	KindPartialBatch Kind = "partial_batch"
	KindConfig       Kind = "config"
	// KindDeferredRelation marks a record written without a relation whose
	// target has no cross-id mapping yet.
	KindDeferredRelation Kind = "deferred_relation"
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
	// RetryAfter is the server's backoff hint, zero when absent.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func Connectivity(op string, err error) error { return New(KindConnectivity, op, err) }
func Auth(op string, err error) error { return New(KindAuth, op, err) }
func Validation(op string, err error) error { return New(KindValidation, op, err) }
func Schema(op string, err error) error { return New(KindSchema, op, err) }
func Config(op string, err error) error { return New(KindConfig, op, err) }

// RateLimited builds a rate limit error carrying the server's hint.
func RateLimited(op string, retryAfter time.Duration, err error) error {
	if err == nil {
		err = errors.New("too many requests")
	}
	return &Error{Kind: KindRateLimit, Op: op, Err: err, RetryAfter: retryAfter}
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// RetryAfterOf returns the backoff hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// IsFatal reports whether err must abort the whole cycle.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindAuth, KindConfig:
		return true
	}
	return false
}

// IsRecordScoped reports whether err concerns a single record only and
// belongs in the failure ledger. Unclassified errors from a single write
// are treated as record rejections.
func IsRecordScoped(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindUnknown, KindDeferredRelation:
		return true
	}
	return false
}

// IsRetryable reports whether a single call may be retried with backoff.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindConnectivity:
		return true
	}
	return false
}
