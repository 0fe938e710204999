package tabsync

import "fmt"

// LockTimeoutError is returned when a named coordination lock is held by
// another live process. Recoverable: the caller may retry or proceed without
// coordination.
type LockTimeoutError struct {
	Name   string
	Holder string
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock %q is held by %s", e.Name, e.Holder)
}

func (e *LockTimeoutError) Retryable() bool { return true }

// DataRequestTimeoutError is returned when no peer answers a cross-process
// data request within the request window.
type DataRequestTimeoutError struct {
	Key string
}

func (e *DataRequestTimeoutError) Error() string {
	return fmt.Sprintf("data request for %q timed out", e.Key)
}

func (e *DataRequestTimeoutError) Retryable() bool { return true }
