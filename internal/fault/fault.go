// Package fault defines the error taxonomy shared by every component:
// typed kinds, a wrapping error type, and classification of foreign errors
// (context, net, syscall) into those kinds.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind labels an error with the policy that applies to it.
type Kind string

const (
	// Unknown is the zero value for errors this package cannot classify.
	Unknown Kind = ""
	// InvalidArgument rejects a call before any work happens. Never retried.
	InvalidArgument Kind = "invalid_argument"
	// ContentPolicy marks a provider refusal on content grounds. The
	// moderation refiner rewrites the prompt and retries.
	ContentPolicy Kind = "content_policy"
	// ContentPolicyExhausted means the rewrite budget ran out. Terminal for
	// the candidate.
	ContentPolicyExhausted Kind = "content_policy_exhausted"
	// ServiceUnavailable covers unreachable or stop-locked model services.
	ServiceUnavailable Kind = "service_unavailable"
	// Timeout is a deadline expiry on a provider call or health probe.
	Timeout Kind = "timeout"
	// ParseFailure means a model answered but the answer could not be
	// decoded into the expected structure.
	ParseFailure Kind = "parse_failure"
	// ComparisonFailure marks a single pairwise comparison that failed after
	// retries; the ranking engine skips the pair.
	ComparisonFailure Kind = "comparison_failure"
	// Cancelled is cooperative cancellation via context.
	Cancelled Kind = "cancelled"
	// Fatal is an unrecoverable internal error; the session fails.
	Fatal Kind = "fatal"
)

// Error carries a kind, the operation that failed, and an optional cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
		if e.Err != nil {
			b.WriteString(": ")
		}
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	}
	if b.Len() == 0 {
		return string(e.Kind)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with no cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to an existing error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf attaches a kind, operation and formatted message to an existing error.
func Wrapf(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf walks the error chain and returns the dominant kind. Foreign errors
// are mapped: context deadline to Timeout, context cancellation to Cancelled,
// connection-level failures to ServiceUnavailable. Anything else is Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Kind != Unknown {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return ServiceUnavailable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ServiceUnavailable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ServiceUnavailable
	}
	return Unknown
}

// IsKind reports whether the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Terminal reports whether the error should end the session rather than be
// absorbed by a lower layer. Only these kinds reach the scheduler.
func Terminal(err error) bool {
	switch KindOf(err) {
	case InvalidArgument, ContentPolicyExhausted, Fatal:
		return true
	}
	return false
}
