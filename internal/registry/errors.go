package registry

import "fmt"

// NotFoundError reports an operation against a session id that is not in
// the registry.
type NotFoundError struct {
	ID SessionID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", e.ID)
}

// SpawnError reports that the child process or its emulator could not be
// constructed.
type SpawnError struct {
	Shell string
	Cwd   string
	Cause error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s in %s: %v", e.Shell, e.Cwd, e.Cause)
}

func (e *SpawnError) Unwrap() error { return e.Cause }

// WriteError reports a failed write into a session's PTY, usually because
// the child side closed while input was in flight.
type WriteError struct {
	ID    SessionID
	Cause error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to %s: %v", e.ID, e.Cause)
}

func (e *WriteError) Unwrap() error { return e.Cause }

// CwdError reports a working-directory lookup with no usable result: the
// OS lookup failed and there is no last-known value to fall back to.
type CwdError struct {
	ID    SessionID
	Cause error
}

func (e *CwdError) Error() string {
	return fmt.Sprintf("cwd lookup for %s: %v", e.ID, e.Cause)
}

func (e *CwdError) Unwrap() error { return e.Cause }
