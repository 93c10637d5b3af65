package session

import "fmt"

// ConfigurationError means a required credential or setting is missing. It is
// fatal for the attempt and never retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// DeviceError wraps a media-acquisition or audio-context failure. It aborts
// the current attempt without automatic retry.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error: %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// TransportError wraps a network or protocol fault on the live link. It is
// informational: recovery is driven by the close event, never by the error
// itself, so one failure cannot trigger two recovery actions.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
