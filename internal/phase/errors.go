package phase

import "fmt"

// ExecutionError records a test or lint command that exited non-zero.
// It is captured inside the phase's Result and never aborts sibling
// phases.
type ExecutionError struct {
	Phase   string
	Command string
	Cause   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("phase %q: command %q failed: %v", e.Phase, e.Command, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// CoverageMissingError means a coverage phase finished cleanly but left
// no artifact behind. Unreported coverage silently degrades the report,
// so this counts as a phase failure.
type CoverageMissingError struct {
	Phase string
	Path  string
}

func (e *CoverageMissingError) Error() string {
	return fmt.Sprintf("phase %q: expected coverage artifact %s not found", e.Phase, e.Path)
}
