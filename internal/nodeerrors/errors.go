// Package nodeerrors defines the node's error-kind taxonomy (spec §7):
// malformed input, auth failure, transient I/O, storage failure, worker
// failure, and fatal init. Each kind carries its own logging/propagation
// policy, applied at the boundary where the error is first observed.
package nodeerrors

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Wrap with fmt.Errorf("...: %w", ErrX) at the call site
// so errors.Is still matches through added context.
var (
	// ErrMalformedInput: unparseable message or missing field. Drop, log
	// at warn, do not disconnect the peer.
	ErrMalformedInput = errors.New("malformed input")

	// ErrAuthFailure: signature verification failed. Drop, log at warn,
	// count per peer.
	ErrAuthFailure = errors.New("authentication failure")

	// ErrTransientIO: socket read/write error. Close that stream; the
	// overlay reconnects.
	ErrTransientIO = errors.New("transient I/O error")

	// ErrStorageFailure: store backend error. Log, keep operating; the
	// decision is not replayed.
	ErrStorageFailure = errors.New("storage failure")

	// ErrWorkerFailure: container task exited nonzero.
	ErrWorkerFailure = errors.New("worker failure")

	// ErrFatalInit: keypair load/generate or overlay bootstrap failure.
	// Propagates to main, which exits 1.
	ErrFatalInit = errors.New("fatal initialization failure")
)

// Wrap annotates err with a sentinel kind and a short message, keeping
// errors.Is(wrapped, kind) true.
func Wrap(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}
