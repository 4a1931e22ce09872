package contract

import (
	"errors"
	"fmt"
)

var (
	ErrModelInvoke     = errors.New("model invoke failed")
	ErrSchemaViolation = errors.New("model response violates schema")
	ErrPromptMissing   = errors.New("required prompt is missing")
	ErrValidation      = errors.New("validation failed")

	// Oracle and classifier failures. Rate limits and timeouts are transient
	// and retried once; invalid responses are not.
	ErrRateLimited     = errors.New("upstream rate limited")
	ErrOracleTimeout   = errors.New("upstream timed out")
	ErrInvalidResponse = errors.New("upstream returned an invalid response")

	ErrNotFound           = errors.New("record not found")
	ErrSlotAlreadyWritten = errors.New("run state slot already written")
	ErrBranchUnavailable  = errors.New("branch result unavailable")
)

// IsTransient reports whether err is worth a single retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrOracleTimeout)
}

// FatalStageError terminates a run with an ERROR outcome.
type FatalStageError struct {
	Stage Stage
	Err   error
}

func (e *FatalStageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *FatalStageError) Unwrap() error {
	return e.Err
}
