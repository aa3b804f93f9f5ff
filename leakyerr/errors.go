// Package leakyerr defines the sentinel error kinds shared across the
// block client, mount, manifest, and sync packages.
package leakyerr

import "fmt"

var (
	// ErrNotFound indicates a CID or path lookup failed.
	ErrNotFound = fmt.Errorf("leaky: not found")
	// ErrDecode indicates a fetched block did not parse as the expected entity.
	ErrDecode = fmt.Errorf("leaky: decode failed")
	// ErrInvalidPath indicates a path failed shape validation.
	ErrInvalidPath = fmt.Errorf("leaky: invalid path")
	// ErrNotADirectory indicates an operation expected a directory link.
	ErrNotADirectory = fmt.Errorf("leaky: not a directory")
	// ErrNotAFile indicates an operation expected a file link.
	ErrNotAFile = fmt.Errorf("leaky: not a file")
	// ErrNotEmpty indicates a non-recursive remove hit a non-empty directory.
	ErrNotEmpty = fmt.Errorf("leaky: directory not empty")
	// ErrIntegrity indicates a fetched block's hash did not match its CID.
	ErrIntegrity = fmt.Errorf("leaky: block integrity check failed")
)

// TransportError wraps a network failure from a block client or remote head
// service. Callers inspect IsRetryable to decide whether to retry.
type TransportError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("leaky: transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable reports whether the caller may retry the failed operation.
func (e *TransportError) IsRetryable() bool { return e.Retryable }

// NewTransportError wraps err as a TransportError for operation op.
func NewTransportError(op string, err error, retryable bool) error {
	return &TransportError{Op: op, Err: err, Retryable: retryable}
}

// SchemaViolation reports that an object's metadata failed validation
// against the schema installed at the nearest enclosing directory.
type SchemaViolation struct {
	Path   string
	Reason string
}

func (e *SchemaViolation) Error() string {
	return fmt.Sprintf("leaky: %s: schema violation: %s", e.Path, e.Reason)
}

// MultiSchemaViolation aggregates every path that failed re-validation
// after a SetSchema call, so the mount can report the whole affected set
// instead of aborting on the first failure.
type MultiSchemaViolation struct {
	Violations []*SchemaViolation
}

func (e *MultiSchemaViolation) Error() string {
	return fmt.Sprintf("leaky: schema violation on %d path(s), first: %v", len(e.Violations), e.Violations[0])
}

// HeadAdvanced reports that a compare-and-swap push lost the race: the
// remote head had already moved to Actual by the time the push arrived.
type HeadAdvanced struct {
	Expected string
	Actual   string
}

func (e *HeadAdvanced) Error() string {
	return fmt.Sprintf("leaky: head advanced: expected %s, actual %s", e.Expected, e.Actual)
}
