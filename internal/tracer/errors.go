package tracer

import "fmt"

// Error is a failed ptrace or wait operation.
type Error struct {
	Op  string
	Pid int
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (pid %d): %v", e.Op, e.Pid, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
