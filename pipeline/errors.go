package pipeline

import "errors"

// Error taxonomy (spec §7). Each sentinel is wrapped into a human-readable
// message with fmt.Errorf("%w: ..."), so callers can use errors.Is against
// the taxonomy while still seeing the exact required message prefix for the
// two externally-specified error strings ("Error in processing request
// id: ...", "Output ... is not produced by the final stage").
var (
	// ErrConfig covers a missing required key, mismatched parallel vector
	// lengths, or an output name collision between present_output_names and
	// inter_stage_output_input_map. Detected at load or admission.
	ErrConfig = errors.New("config error")

	// ErrPrecondition covers a caller-supplied request missing
	// input_to_use_for_seq_len, a negative dimension, overflow in a buffer
	// size calculation, or max_seq_len too small for the requested steps.
	ErrPrecondition = errors.New("precondition error")

	// ErrStageExecution covers a runtime error raised while a stage worker
	// was binding or running a session.
	ErrStageExecution = errors.New("stage execution error")

	// ErrMissingOutput covers a caller-requested output name the final
	// stage never produced.
	ErrMissingOutput = errors.New("missing output error")
)

// stageExecutionError and missingOutputError preserve the two externally
// mandated literal message prefixes ("Error in processing request id: ...",
// "Output ... is not produced by the final stage") as the error's own
// Error() text, while still unwrapping to the taxonomy sentinel so callers
// can match with errors.Is.
type stageExecutionError struct{ msg string }

func (e *stageExecutionError) Error() string { return e.msg }
func (e *stageExecutionError) Unwrap() error { return ErrStageExecution }

type missingOutputError struct{ msg string }

func (e *missingOutputError) Error() string { return e.msg }
func (e *missingOutputError) Unwrap() error { return ErrMissingOutput }
