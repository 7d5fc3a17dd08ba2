package agent

import (
	"errors"
	"fmt"
)

// Inference stages used in InferenceError.
const (
	StageCompletion = "completion"
	StageTool       = "tool"
)

// InferenceError wraps a non-transient model or tool failure that survived
// the provider transport retries.
type InferenceError struct {
	// Stage names where the run failed: StageCompletion or StageTool.
	Stage string

	// Provider is the provider that served the run, when known.
	Provider string

	// Err is the underlying failure.
	Err error
}

func (e *InferenceError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("inference failed at %s (%s): %v", e.Stage, e.Provider, e.Err)
	}
	return fmt.Sprintf("inference failed at %s: %v", e.Stage, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// IsInferenceError reports whether err carries an InferenceError.
func IsInferenceError(err error) bool {
	var ie *InferenceError
	return errors.As(err, &ie)
}
