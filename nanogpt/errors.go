package nanogpt

import "errors"

var (
	// ErrConfiguration reports an invalid model configuration.
	ErrConfiguration = errors.New("nanogpt: invalid configuration")

	// ErrSequenceTooLong reports an input longer than the configured block size.
	// Callers may truncate or chunk and retry.
	ErrSequenceTooLong = errors.New("nanogpt: sequence longer than block size")

	// ErrNumeric reports non-finite values produced by a computation.
	ErrNumeric = errors.New("nanogpt: non-finite value")

	// ErrInvalidInput reports malformed token batches, ids or state.
	ErrInvalidInput = errors.New("nanogpt: invalid input")
)
