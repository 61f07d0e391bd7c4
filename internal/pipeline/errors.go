package pipeline

import (
	"errors"
	"fmt"

	"github.com/ShayCichocki/swarmops/pkg/models"
)

// TemplateError reports a missing or unreadable prompt template.
type TemplateError struct {
	Stage string
	Kind  string
	Err   error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("%s: template %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// OracleError reports a failed oracle call or an unparseable answer.
type OracleError struct {
	Stage string
	Err   error
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("%s: oracle: %v", e.Stage, e.Err)
}

func (e *OracleError) Unwrap() error { return e.Err }

// ValidationError reports malformed input. The unit is skipped and never retried.
type ValidationError struct {
	Stage   string
	Subject string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("%s: invalid input: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: invalid %s: %v", e.Stage, e.Subject, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// StoreError reports a failed state store or queue operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// DispatchError reports an allocation decision that names no usable agent.
// It means "no agent available" and is logged, not propagated.
type DispatchError struct {
	TaskID string
	Reason string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("task %s not dispatched: %s", e.TaskID, e.Reason)
}

// PartialError reports a failure after a stage already wrote part of its
// output. Running the stage again would duplicate that output, so it is
// never retried.
type PartialError struct {
	Stage string
	// Done describes what was written before the failure.
	Done string
	Err  error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%s: failed after %s: %v", e.Stage, e.Done, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// Retryable reports whether processing the same input again could succeed
// without duplicating output.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var ve *ValidationError
	var de *DispatchError
	var te *TemplateError
	var pe *PartialError
	switch {
	case errors.As(err, &pe):
		return false
	case errors.As(err, &ve), errors.As(err, &de), errors.As(err, &te):
		return false
	case errors.Is(err, models.ErrUnknownTaskType):
		return false
	}
	return true
}
