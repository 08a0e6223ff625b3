// Package macroerr implements the four-category error taxonomy used
// throughout the coordination, tree, and session packages: Validation,
// State, External, and Integrity.
package macroerr

import (
	"errors"
	"fmt"
)

// Kind classifies a DomainError for routing by callers: HTTP handlers map it
// to a status code, the session driver maps it to an exit behavior.
type Kind string

const (
	// Validation covers bad payloads and unknown ids. Returned to the
	// caller; never mutates storage.
	Validation Kind = "validation"

	// State covers an operation incompatible with the current coordinator
	// state (e.g. permitting a finished process). Callers should no-op
	// and log rather than fail loudly.
	State Kind = "state"

	// External covers orchestrator or store failures. Surfaces to the
	// session driver, which tears down the current instance.
	External Kind = "external"

	// Integrity covers violated tree invariants (duplicate root,
	// non-monotone curr_bp). Fatal for the session; further writes are
	// refused.
	Integrity Kind = "integrity"
)

// DomainError is a classified error carrying enough context for a caller to
// decide how to react without string-matching the message.
type DomainError struct {
	Kind    Kind
	Op      string // component/operation that produced the error, e.g. "ingest.Submit"
	Message string
	Cause   error
}

func (e *DomainError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// New constructs a DomainError with no wrapped cause.
func New(kind Kind, op, message string) *DomainError {
	return &DomainError{Kind: kind, Op: op, Message: message}
}

// Wrap constructs a DomainError wrapping cause.
func Wrap(kind Kind, op, message string, cause error) *DomainError {
	return &DomainError{Kind: kind, Op: op, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) a *DomainError,
// defaulting to External for anything unclassified since an unclassified
// failure is safest treated as an infrastructure problem.
func KindOf(err error) Kind {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}
	return External
}

// Sentinel errors for conditions that multiple packages need to compare
// against directly rather than through Kind classification.
var (
	ErrInstanceNotFound = errors.New("instance not found")
	ErrProcessNotFound  = errors.New("process not found")
	ErrDuplicateRoot    = errors.New("application already has a root node")
	ErrNonMonotoneBP    = errors.New("breakpoint number is not curr_bp+1")

	// ErrMalformedPayload marks a request body that isn't parseable JSON at
	// all, distinct from one that parses but fails key/type validation.
	ErrMalformedPayload = errors.New("payload is not valid JSON")
)
