package store

import "errors"

// Sentinel error kinds. Callers type-switch on these via errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrWrongAgent        = errors.New("wrong agent")
	ErrPolicyBlocked     = errors.New("policy blocked")
	ErrDependencyUnmet   = errors.New("dependency unmet")
	ErrTransient         = errors.New("transient store error")
)

// UserMessage returns the fixed, user-visible string for the four most common
// error kinds; other kinds return the error's own message.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "Task not found"
	case errors.Is(err, ErrInvalidTransition):
		return "Task is not in the expected state"
	case errors.Is(err, ErrWrongAgent):
		return "This task was reserved for a different agent"
	case errors.Is(err, ErrPolicyBlocked):
		return "Prompt blocked by security policy"
	default:
		if err == nil {
			return ""
		}
		return err.Error()
	}
}
