package types

import "fmt"

// ConfigError reports a bad configuration file or a semantic violation
// in a declared topology (circular links, unknown link target, duplicate
// runtime names, negative start delay, neutral ∧ holy, invalid options).
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return e.Message }

func NewConfigError(format string, args ...interface{}) *ConfigError {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

// NameError reports a topology identifier that violates the allowed
// pattern ([a-zA-Z0-9.-]+, non-empty, <=25 characters).
type NameError struct {
	Name string
}

func (e *NameError) Error() string {
	return fmt.Sprintf("invalid blockade name: %q", e.Name)
}

// StateErrorKind distinguishes the three StateError cases.
type StateErrorKind string

const (
	AlreadyInitialized StateErrorKind = "already_initialized"
	NotInitialized      StateErrorKind = "not_initialized"
	InconsistentState   StateErrorKind = "inconsistent_state"
)

// StateError reports that a topology's persisted state is missing,
// already present, or unreadable.
type StateError struct {
	Kind    StateErrorKind
	Message string
}

func (e *StateError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func NewStateError(kind StateErrorKind, format string, args ...interface{}) *StateError {
	return &StateError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// RuntimeContainerNotFound reports that the container runtime returned
// 404 for a container we expected to exist.
type RuntimeContainerNotFound struct {
	Name string
}

func (e *RuntimeContainerNotFound) Error() string {
	return fmt.Sprintf("container %q not found in the runtime", e.Name)
}

// ContainerConflict reports a 409 from the runtime on create, because a
// container with the same name already exists.
type ContainerConflict struct {
	Name string
}

func (e *ContainerConflict) Error() string {
	return fmt.Sprintf("container %q already exists", e.Name)
}

// PermissionsError reports that a privileged operation was denied.
type PermissionsError struct {
	Message string
}

func (e *PermissionsError) Error() string { return e.Message }

func NewPermissionsError(format string, args ...interface{}) *PermissionsError {
	return &PermissionsError{Message: fmt.Sprintf(format, args...)}
}

// HostExecError reports that a Host Executor run() call exited non-zero.
// It carries the exit code and captured output so callers can pattern
// match on it (e.g. the Traffic Shaper's "no qdisc to delete" case).
type HostExecError struct {
	Message  string
	ExitCode int
	Output   string
}

func (e *HostExecError) Error() string {
	switch {
	case e.ExitCode != 0 && e.Output != "":
		return fmt.Sprintf("rc=%d output=%s", e.ExitCode, e.Output)
	case e.Output != "":
		return fmt.Sprintf("output=%s", e.Output)
	case e.Message != "":
		return e.Message
	default:
		return fmt.Sprintf("host exec failed with rc=%d", e.ExitCode)
	}
}

// InvalidTransitionError reports that the chaos state machine rejected an
// event because no transition is defined for the current state.
type InvalidTransitionError struct {
	State ChaosState
	Event ChaosEvent
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("error processing the event %s when in the %s state", e.Event, e.State)
}

// UsageError is a user-facing wrapper that converts InvalidTransitionError
// and similar internal errors into a single HTTP 400 / CLI exit-1 path.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string { return e.Message }

func NewUsageError(format string, args ...interface{}) *UsageError {
	return &UsageError{Message: fmt.Sprintf(format, args...)}
}
