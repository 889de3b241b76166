// Package upstream holds the HTTP plumbing shared by every third-party
// integration: a classified error type, a circuit-broken JSON client and
// the read-through helper that degrades to stale cache entries.
package upstream

import (
	"errors"
	"fmt"
)

// Kind classifies why an upstream call failed.
type Kind int

const (
	// UpstreamUnavailable covers network failures, timeouts, 5xx responses,
	// malformed bodies and unknown upstream error codes.
	UpstreamUnavailable Kind = iota
	NotConfigured
	InvalidInput
	Unauthorized
	Forbidden
	RateLimited
	SignatureInvalid
)

func (k Kind) String() string {
	switch k {
	case NotConfigured:
		return "not_configured"
	case InvalidInput:
		return "invalid_input"
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case RateLimited:
		return "rate_limited"
	case SignatureInvalid:
		return "signature_invalid"
	default:
		return "upstream_unavailable"
	}
}

// Error is a classified upstream failure. Code carries the upstream's own
// error code when it reported one.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s (code %s)", msg, e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so errors.Is(err, &Error{Kind: RateLimited})
// works without comparing messages.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain. Unclassified
// errors count as UpstreamUnavailable.
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return UpstreamUnavailable
}

// Degradable reports whether a cached value may stand in for err. Errors
// caused by local configuration or caller input surface unchanged.
func Degradable(err error) bool {
	switch KindOf(err) {
	case NotConfigured, InvalidInput:
		return false
	default:
		return true
	}
}
