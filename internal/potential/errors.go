package potential

import "fmt"

// EvaluationError reports that the evaluator failed to produce a value.
// The run is aborted; retry policy, if any, belongs to the evaluator.
type EvaluationError struct {
	Err error
}

func (e *EvaluationError) Error() string {
	return "evaluation failed: " + e.Err.Error()
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// UsageError reports a caller or model contract violation, such as a model
// omitting forces or a position vector of the wrong length.
type UsageError struct {
	Op     string
	Reason string
}

func (e *UsageError) Error() string {
	if e.Op == "" {
		return "usage error: " + e.Reason
	}
	return e.Op + ": " + e.Reason
}

// lengthMismatch builds the UsageError returned for vectors of the wrong size.
func lengthMismatch(op string, want, got int) *UsageError {
	return &UsageError{
		Op:     op,
		Reason: fmt.Sprintf("length mismatch: expected %d, got %d", want, got),
	}
}
