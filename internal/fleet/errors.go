package fleet

import "fmt"

// ProvisionError reports a backend that failed to become ready. The
// whole run aborts on it; by the time it propagates the supervisor has
// already rolled back every instance it started.
type ProvisionError struct {
	Service string
	Cause   error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("service %q failed to provision: %v", e.Service, e.Cause)
}

func (e *ProvisionError) Unwrap() error {
	return e.Cause
}
