package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrSigningFailed     = errors.New("signing failed")
	ErrWSDisconnect      = errors.New("websocket disconnected")
	ErrLockHeld          = errors.New("lock already held")
	ErrIllegalTransition = errors.New("illegal position transition")
	ErrEngineStopped     = errors.New("engine stopped")
	ErrUnknownMarket     = errors.New("unknown market")
)

// ErrorKind tags an error with the handling policy it calls for.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTransientNetwork
	KindRateLimited
	KindRejectedOrder
	KindInsufficientBalance
	KindMalformedOrder
	KindInsufficientLiquidity
	KindFeedDisconnected
	KindMarketExpiredWithOpenPosition
	KindConfigInvalid
)

var kindNames = map[ErrorKind]string{
	KindUnknown:                       "unknown",
	KindTransientNetwork:              "transient_network",
	KindRateLimited:                   "rate_limited",
	KindRejectedOrder:                 "rejected_order",
	KindInsufficientBalance:           "insufficient_balance",
	KindMalformedOrder:                "malformed_order",
	KindInsufficientLiquidity:         "insufficient_liquidity",
	KindFeedDisconnected:              "feed_disconnected",
	KindMarketExpiredWithOpenPosition: "market_expired_with_open_position",
	KindConfigInvalid:                 "config_invalid",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels, one per kind, so callers can use errors.Is.
var (
	ErrTransientNetwork              = &Error{Kind: KindTransientNetwork}
	ErrRateLimited                   = &Error{Kind: KindRateLimited}
	ErrRejectedOrder                 = &Error{Kind: KindRejectedOrder}
	ErrInsufficientBalance           = &Error{Kind: KindInsufficientBalance}
	ErrMalformedOrder                = &Error{Kind: KindMalformedOrder}
	ErrInsufficientLiquidity         = &Error{Kind: KindInsufficientLiquidity}
	ErrFeedDisconnected              = &Error{Kind: KindFeedDisconnected}
	ErrMarketExpiredWithOpenPosition = &Error{Kind: KindMarketExpiredWithOpenPosition}
	ErrConfigInvalid                 = &Error{Kind: KindConfigInvalid}
)

// Error is a classified failure. Op names the operation that failed and Err
// carries the underlying cause, if any.
type Error struct {
	Kind       ErrorKind
	Op         string
	RetryAfter time.Duration
	Err        error
}

// NewError builds a classified error for op wrapping cause.
func NewError(kind ErrorKind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, which makes the sentinels above
// usable with errors.Is regardless of Op or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf reports the kind of err. Context deadline errors count as transient
// network failures since they come from per-call timeouts.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientNetwork
	}
	return KindUnknown
}

// IsRetryable reports whether err may succeed if the same request is sent again.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransientNetwork, KindRateLimited:
		return true
	default:
		return false
	}
}

// RetryAfter returns the server supplied backoff hint carried by err, or zero.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
