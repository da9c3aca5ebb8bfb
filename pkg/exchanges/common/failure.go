package common

import (
	"errors"
	"fmt"
)

// FailureKind classifies why a venue call produced no result.
type FailureKind string

const (
	// FailureTransport: network error, timeout or HTTP 5xx.
	FailureTransport FailureKind = "transport"
	// FailureProtocol: the response could not be understood.
	FailureProtocol FailureKind = "protocol"
	// FailureRejected: the venue answered with a non-zero return code.
	FailureRejected FailureKind = "rejected"
)

// Failure is the only error type a Gateway returns.
type Failure struct {
	Kind FailureKind
	Op   string
	Code int
	Msg  string
	Err  error
}

func (f *Failure) Error() string {
	switch {
	case f.Kind == FailureRejected:
		return fmt.Sprintf("%s rejected: %d %s", f.Op, f.Code, f.Msg)
	case f.Err != nil:
		return fmt.Sprintf("%s %s failure: %v", f.Op, f.Kind, f.Err)
	default:
		return fmt.Sprintf("%s %s failure: %s", f.Op, f.Kind, f.Msg)
	}
}

func (f *Failure) Unwrap() error { return f.Err }

// AsFailure extracts a *Failure from err's chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsKind reports whether err is a Failure of kind k.
func IsKind(err error, k FailureKind) bool {
	f, ok := AsFailure(err)
	return ok && f.Kind == k
}
