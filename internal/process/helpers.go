package process

import (
	"errors"
	"fmt"
	"os/exec"
)

// ErrSpawn marks failures to launch the executable (not found, not runnable).
var ErrSpawn = errors.New("spawn failed")

// ExitError reports that a service process exited, carrying its exit code.
// Code is -1 when the process was terminated by a signal.
type ExitError struct {
	Name   string
	Code   int
	Signal string
	Err    error
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("%s terminated by signal %s", e.Name, e.Signal)
	}
	return fmt.Sprintf("%s exited with code %d", e.Name, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// newExitError converts the result of cmd.Wait into an *ExitError.
// It returns nil for a clean exit.
func newExitError(name string, err error) *ExitError {
	if err == nil {
		return nil
	}
	ee := &ExitError{Name: name, Code: -1, Err: err}
	var xe *exec.ExitError
	if errors.As(err, &xe) {
		ee.Code = xe.ExitCode()
		ee.Signal = signalName(xe)
	}
	return ee
}
