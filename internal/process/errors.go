package process

import (
	"errors"
	"fmt"
)

// GenericFailureMessage is what users see when a job fails for an unexpected reason.
const GenericFailureMessage = "An unexpected error occurred"

// JobError is the expected failure path of a job. Its message is recorded verbatim.
type JobError struct {
	Message string
}

func (e *JobError) Error() string { return e.Message }

func Fail(msg string) error { return &JobError{Message: msg} }

func Failf(format string, args ...any) error {
	return &JobError{Message: fmt.Sprintf(format, args...)}
}

func AsJobError(err error) (*JobError, bool) {
	var je *JobError
	if errors.As(err, &je) {
		return je, true
	}
	return nil, false
}
