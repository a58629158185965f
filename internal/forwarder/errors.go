package forwarder

import (
	"errors"
	"fmt"
)

// Error is the outcome of a job that did not fully succeed. Retryable tells
// the job runner whether running the same job again can help.
type Error struct {
	JobID     string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("job %s failed (%s): %v", e.JobID, kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is worth retrying. Errors that did not
// come from Handle are assumed transient; nil is not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return true
}
