package servo

import "errors"

var (
	// ErrOutOfRange is returned for goals, percents or limits outside their valid range.
	ErrOutOfRange = errors.New("value out of range")
	// ErrNotConnected is returned when an operation needs an open device.
	ErrNotConnected = errors.New("no device connected")
	// ErrDeviceNotFound is returned by Connect when no device matches the serial.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrIO wraps any failure of a hardware call.
	ErrIO = errors.New("device i/o failed")
	// ErrConnection wraps enumeration and open failures.
	ErrConnection = errors.New("device connection failed")
	// ErrPolling is returned for configuration changes attempted while polling.
	ErrPolling = errors.New("not allowed while polling")
	// ErrAlreadyPolling is returned by StartPolling when a loop is running.
	ErrAlreadyPolling = errors.New("polling already active")
	// ErrNotPolling is returned by operations that need sampled state.
	ErrNotPolling = errors.New("polling not active")
	// ErrClosed is returned after the session has been closed.
	ErrClosed = errors.New("session closed")
)
