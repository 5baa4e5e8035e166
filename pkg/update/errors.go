package update

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned when an expected version does not hold.
	ErrConflict = errors.New("version conflict")
	// ErrBadRequest is returned for malformed update commands.
	ErrBadRequest = errors.New("bad request")
	// ErrServiceUnavailable is returned when this core cannot take part in
	// the update right now: no leader, wrong role, or forwarding failed.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// ConflictError carries the versions of a failed expected-version check.
type ConflictError struct {
	ID       string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict for %s expected=%d actual=%d", e.ID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrServiceUnavailable, fmt.Sprintf(format, args...))
}
