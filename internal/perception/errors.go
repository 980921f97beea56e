package perception

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// transientSignatures are matched against the lowercased error message.
// Anything that matches none of them is terminal.
var transientSignatures = []string{
	"rate limit",
	"429",
	"resource_exhausted",
	"unavailable",
	"503",
	"internal",
	"500",
	"server error",
	"quota",
	"overloaded",
	"timeout",
	"deadline_exceeded",
	"deadline exceeded",
	"504",
}

// IsTransient reports whether err looks like a provider-side hiccup worth
// retrying. Cancellation is never transient. Timeouts are, so callers must
// check their own context before trusting a deadline error here.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// InvocationError is returned by the Invoker when a call did not succeed.
// Transient is true when the retry budget ran out on transient errors.
type InvocationError struct {
	Model     string
	Attempts  int
	Transient bool
	Err       error
}

func (e *InvocationError) Error() string {
	kind := "terminal"
	if e.Transient {
		kind = "retries exhausted"
	}
	return fmt.Sprintf("invoke %s: %s after %d attempt(s): %v", e.Model, kind, e.Attempts, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// IsExhausted reports whether err is an InvocationError that gave up on
// transient failures.
func IsExhausted(err error) bool {
	var ie *InvocationError
	return errors.As(err, &ie) && ie.Transient
}
