// Package maestro is the device boundary for Pololu Maestro USB servo
// controllers. It exposes the small call surface the servo session needs:
// enumeration, open, per-channel target/speed/acceleration writes and a single
// read returning the status of every channel.
package maestro

import "errors"

// DeviceDescriptor identifies a controller found during enumeration.
type DeviceDescriptor struct {
	Serial   string `json:"serial"`
	Port     string `json:"port,omitempty"`
	Model    string `json:"model,omitempty"`
	Channels int    `json:"channels"`
}

// ChannelStatus is the state the controller reports for one servo output.
// Position is in quarter-microseconds, the same unit used for targets.
type ChannelStatus struct {
	Position     uint16 `json:"position"`
	Speed        uint16 `json:"speed"`
	Acceleration uint16 `json:"acceleration"`
}

// Controller enumerates and opens devices.
type Controller interface {
	ListDevices() ([]DeviceDescriptor, error)
	Open(d DeviceDescriptor) (Device, error)
}

// Device is an open controller handle. Implementations are not safe for
// concurrent use; callers serialize access.
type Device interface {
	Serial() string
	SetTarget(channel uint8, raw uint16) error
	SetSpeed(channel uint8, raw uint16) error
	SetAcceleration(channel uint8, raw uint16) error
	// ReadAllChannels returns one status per channel, indexed by channel number.
	ReadAllChannels() ([]ChannelStatus, error)
	Close() error
}

// ErrClosed is returned by calls on a device handle after Close.
var ErrClosed = errors.New("maestro: device closed")

// DefaultChannels is the channel count of the Micro Maestro 6.
const DefaultChannels = 6
