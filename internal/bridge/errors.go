package bridge

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTimeout is returned when the external program outlives the configured timeout.
	ErrTimeout = errors.New("external program timed out")
	// ErrBootFailure is returned when stderr shows the program could not run at all.
	ErrBootFailure = errors.New("external program failed to boot")
)

// SpawnError wraps a failure to start the external program.
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError reports a non-zero exit code. Stderr holds the last lines the
// program wrote there.
type ExitError struct {
	Code   int
	Stderr []string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("external program exited with code %d", e.Code)
	if len(e.Stderr) > 0 {
		msg += ": " + strings.Join(e.Stderr, " | ")
	}
	return msg
}
