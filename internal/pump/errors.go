package pump

import "fmt"

// HandlerError is a failure returned (or panicked) by a message handler. The
// message it refers to is left on the queue.
type HandlerError struct {
	MessageID string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handling message %s: %v", e.MessageID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// ConfigurationError is returned by New when the pump cannot start.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid pump configuration: %s is required", e.Field)
	}
	return fmt.Sprintf("invalid pump configuration: %s %s", e.Field, e.Reason)
}
