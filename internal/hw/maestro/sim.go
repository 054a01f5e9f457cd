package maestro

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/PanTilt/internal/debug"
)

// SimHome is the position every simulated channel starts at (1500µs).
const SimHome uint16 = 6000

// SimController is an in-memory controller used for development on a PC
// and in tests. Each device keeps its state across Open/Close so callers can
// inspect it.
type SimController struct {
	mu      sync.Mutex
	devices []*SimDevice
	listErr error
	openErr error
}

// NewSimController creates a controller exposing one simulated device per serial.
func NewSimController(channels int, serials ...string) *SimController {
	if channels <= 0 {
		channels = DefaultChannels
	}
	c := &SimController{}
	for _, s := range serials {
		c.devices = append(c.devices, newSimDevice(s, channels))
	}
	debug.Info("Using SIMULATED Maestro controller (%d device(s))", len(serials))
	return c
}

// SetListError makes ListDevices fail with err (nil clears it).
func (c *SimController) SetListError(err error) {
	c.mu.Lock()
	c.listErr = err
	c.mu.Unlock()
}

// SetOpenError makes Open fail with err (nil clears it).
func (c *SimController) SetOpenError(err error) {
	c.mu.Lock()
	c.openErr = err
	c.mu.Unlock()
}

// Device returns the simulated device with the given serial, or nil.
func (c *SimController) Device(serial string) *SimDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.devices {
		if d.serial == serial {
			return d
		}
	}
	return nil
}

func (c *SimController) ListDevices() ([]DeviceDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	out := make([]DeviceDescriptor, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, DeviceDescriptor{
			Serial:   d.serial,
			Port:     "sim:" + d.serial,
			Model:    "Maestro (simulated)",
			Channels: len(d.channels),
		})
	}
	return out, nil
}

func (c *SimController) Open(desc DeviceDescriptor) (Device, error) {
	c.mu.Lock()
	openErr := c.openErr
	c.mu.Unlock()
	if openErr != nil {
		return nil, openErr
	}
	d := c.Device(desc.Serial)
	if d == nil {
		return nil, fmt.Errorf("no simulated device %q", desc.Serial)
	}
	d.mu.Lock()
	d.closed = false
	d.opens++
	d.mu.Unlock()
	return d, nil
}

// SimDevice simulates servo ramping: each ReadAllChannels advances every
// channel toward its target by speed*StepsPerRead units (instantly when
// speed is zero). Acceleration is reported but not modelled.
type SimDevice struct {
	mu           sync.Mutex
	serial       string
	channels     []ChannelStatus
	targets      []uint16
	StepsPerRead int // Maestro speed unit is per 10ms; 10 matches a 100ms poll

	closed   bool
	opens    int
	reads    int
	readErr  error
	writeErr error
	closeErr error
}

func newSimDevice(serial string, n int) *SimDevice {
	d := &SimDevice{
		serial:       serial,
		channels:     make([]ChannelStatus, n),
		targets:      make([]uint16, n),
		StepsPerRead: 10,
	}
	for i := range d.channels {
		d.channels[i].Position = SimHome
		d.targets[i] = SimHome
	}
	return d
}

func (d *SimDevice) Serial() string { return d.serial }

// SetReadError makes ReadAllChannels fail with err (nil clears it).
func (d *SimDevice) SetReadError(err error) {
	d.mu.Lock()
	d.readErr = err
	d.mu.Unlock()
}

// SetWriteError makes every write fail with err (nil clears it).
func (d *SimDevice) SetWriteError(err error) {
	d.mu.Lock()
	d.writeErr = err
	d.mu.Unlock()
}

// SetCloseError makes Close fail with err (the device is still marked closed).
func (d *SimDevice) SetCloseError(err error) {
	d.mu.Lock()
	d.closeErr = err
	d.mu.Unlock()
}

// SetPosition forces the reported position of a channel.
func (d *SimDevice) SetPosition(ch uint8, pos uint16) {
	d.mu.Lock()
	d.channels[ch].Position = pos
	d.mu.Unlock()
}

// Target returns the last target written to a channel.
func (d *SimDevice) Target(ch uint8) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.targets[ch]
}

// Status returns the current status of a channel without advancing the simulation.
func (d *SimDevice) Status(ch uint8) ChannelStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[ch]
}

// Reads returns how many times ReadAllChannels was called.
func (d *SimDevice) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

// Closed reports whether the device handle is closed.
func (d *SimDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *SimDevice) writable(ch uint8) error {
	if d.closed {
		return ErrClosed
	}
	if d.writeErr != nil {
		return d.writeErr
	}
	if int(ch) >= len(d.channels) {
		return fmt.Errorf("channel %d out of range (device has %d)", ch, len(d.channels))
	}
	return nil
}

func (d *SimDevice) SetTarget(ch uint8, raw uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writable(ch); err != nil {
		return err
	}
	d.targets[ch] = raw
	return nil
}

func (d *SimDevice) SetSpeed(ch uint8, raw uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writable(ch); err != nil {
		return err
	}
	d.channels[ch].Speed = raw
	return nil
}

func (d *SimDevice) SetAcceleration(ch uint8, raw uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writable(ch); err != nil {
		return err
	}
	d.channels[ch].Acceleration = raw
	return nil
}

func (d *SimDevice) ReadAllChannels() ([]ChannelStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if d.readErr != nil {
		return nil, d.readErr
	}
	d.reads++
	for i := range d.channels {
		d.channels[i].Position = step(d.channels[i].Position, d.targets[i], int(d.channels[i].Speed)*d.StepsPerRead)
	}
	out := make([]ChannelStatus, len(d.channels))
	copy(out, d.channels)
	return out, nil
}

// step moves pos toward target by at most max units; max == 0 jumps directly.
func step(pos, target uint16, max int) uint16 {
	diff := int(target) - int(pos)
	if max == 0 || (diff <= max && diff >= -max) {
		return target
	}
	if diff > 0 {
		return uint16(int(pos) + max)
	}
	return uint16(int(pos) - max)
}

func (d *SimDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.closeErr
}
