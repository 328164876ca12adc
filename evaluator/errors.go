package evaluator

import "errors"

var (
	// ErrArtifactNotFound means the compiled expression module is missing
	// from disk. It must be built before the host can do anything.
	ErrArtifactNotFound = errors.New("evaluator module not found")

	// ErrAllocationFailed means the guest allocator signalled exhaustion
	// when asked for a request buffer.
	ErrAllocationFailed = errors.New("guest allocator exhausted")

	// ErrNoOutput means the guest entry point returned without ever
	// invoking the output import. That breaks the host/guest contract, so
	// there is no response to interpret.
	ErrNoOutput = errors.New("guest returned without producing output")

	// ErrBadResponse means the bytes handed back by the guest could not be
	// parsed as a response envelope.
	ErrBadResponse = errors.New("malformed evaluator response")

	// ErrBusy means Evaluate was called while another evaluation was in
	// flight on the same Evaluator. One instance has a single allocator
	// and a single output slot; calls must not overlap.
	ErrBusy = errors.New("evaluation already in progress")

	// ErrClosed means the Evaluator or Engine has been closed.
	ErrClosed = errors.New("evaluator closed")
)

// EvalError is a semantic failure reported by the expression evaluator
// itself: a syntax error, a type mismatch, an unknown field. This is an
// expected outcome, not a protocol problem. Message carries the guest's
// text unmodified.
type EvalError struct {
	Message string
}

func (e *EvalError) Error() string { return e.Message }
