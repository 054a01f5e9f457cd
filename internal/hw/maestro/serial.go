package maestro

import (
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/tarm/serial"

	"github.com/cjeanneret/PanTilt/internal/debug"
)

// Compact protocol command bytes (Maestro user's guide, "Serial Servo Commands").
const (
	cmdSetTarget       byte = 0x84
	cmdSetSpeed        byte = 0x87
	cmdSetAcceleration byte = 0x89
	cmdGetPosition     byte = 0x90
)

// DefaultByIDGlob matches the command port udev creates for every Maestro.
const DefaultByIDGlob = "/dev/serial/by-id/*Pololu*Maestro*-if00"

var serialPattern = regexp.MustCompile(`_([0-9A-Fa-f]{8})-if[0-9]+$`)

// SerialConfig holds the settings for the USB command-port driver.
type SerialConfig struct {
	ByIDGlob    string             // udev glob used for enumeration; "" = DefaultByIDGlob
	Ports       []DeviceDescriptor // explicitly configured ports, listed after globbed ones
	Baud        int                // ignored by the USB CDC port, kept for TTL adapters
	Channels    int                // 0 = DefaultChannels
	ReadTimeout time.Duration      // 0 = 100ms
}

// portOpener opens a serial port. It is swapped out in tests.
type portOpener func(name string, baud int, timeout time.Duration) (io.ReadWriteCloser, error)

func openTarm(name string, baud int, timeout time.Duration) (io.ReadWriteCloser, error) {
	p, err := serial.OpenPort(&serial.Config{Name: name, Baud: baud, ReadTimeout: timeout})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SerialController drives Maestro devices through their USB virtual
// command port using the compact serial protocol.
type SerialController struct {
	cfg  SerialConfig
	glob func(pattern string) ([]string, error)
	open portOpener
}

// NewSerialController creates a controller, filling zero config fields with defaults.
func NewSerialController(cfg SerialConfig) *SerialController {
	if cfg.ByIDGlob == "" {
		cfg.ByIDGlob = DefaultByIDGlob
	}
	if cfg.Baud <= 0 {
		cfg.Baud = 9600
	}
	if cfg.Channels <= 0 {
		cfg.Channels = DefaultChannels
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}
	return &SerialController{cfg: cfg, glob: filepath.Glob, open: openTarm}
}

// ListDevices returns globbed udev devices (sorted by path) followed by configured ports.
func (c *SerialController) ListDevices() ([]DeviceDescriptor, error) {
	matches, err := c.glob(c.cfg.ByIDGlob)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", c.cfg.ByIDGlob, err)
	}
	sort.Strings(matches)

	var out []DeviceDescriptor
	seen := make(map[string]bool)
	for _, m := range matches {
		d := DeviceDescriptor{
			Serial:   serialFromPath(m),
			Port:     m,
			Model:    "Maestro",
			Channels: c.cfg.Channels,
		}
		seen[m] = true
		out = append(out, d)
	}
	for _, d := range c.cfg.Ports {
		if seen[d.Port] {
			continue
		}
		if d.Channels <= 0 {
			d.Channels = c.cfg.Channels
		}
		out = append(out, d)
	}
	debug.Verbose("Maestro enumeration: %d device(s)", len(out))
	return out, nil
}

// serialFromPath extracts the 8-digit serial number from a by-id link name.
func serialFromPath(p string) string {
	m := serialPattern.FindStringSubmatch(filepath.Base(p))
	if m == nil {
		return ""
	}
	return m[1]
}

// Open opens the device's command port.
func (c *SerialController) Open(d DeviceDescriptor) (Device, error) {
	if d.Port == "" {
		return nil, fmt.Errorf("device %q has no port", d.Serial)
	}
	p, err := c.open(d.Port, c.cfg.Baud, c.cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Port, err)
	}
	n := d.Channels
	if n <= 0 {
		n = c.cfg.Channels
	}
	debug.Info("Opened Maestro %s on %s (%d channels)", d.Serial, d.Port, n)
	return &serialDevice{
		port:   p,
		serial: d.Serial,
		speed:  make([]uint16, n),
		accel:  make([]uint16, n),
	}, nil
}

// serialDevice is one open command port.
//
// The compact protocol has no query for speed or acceleration, so the values
// last written on each channel are reported back instead.
type serialDevice struct {
	port   io.ReadWriteCloser
	serial string
	speed  []uint16
	accel  []uint16
	closed bool
}

func (d *serialDevice) Serial() string { return d.serial }

func (d *serialDevice) checkChannel(ch uint8) error {
	if d.closed {
		return ErrClosed
	}
	if int(ch) >= len(d.speed) {
		return fmt.Errorf("channel %d out of range (device has %d)", ch, len(d.speed))
	}
	return nil
}

func (d *serialDevice) write(b []byte) error {
	debug.Serial("tx", b)
	if _, err := d.port.Write(b); err != nil {
		return fmt.Errorf("write %s: %w", d.serial, err)
	}
	return nil
}

// command sends a 4-byte compact command carrying a 14-bit value.
func (d *serialDevice) command(cmd byte, ch uint8, v uint16) error {
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	return d.write([]byte{cmd, ch, byte(v & 0x7F), byte((v >> 7) & 0x7F)})
}

func (d *serialDevice) SetTarget(ch uint8, raw uint16) error {
	return d.command(cmdSetTarget, ch, raw)
}

func (d *serialDevice) SetSpeed(ch uint8, raw uint16) error {
	if err := d.command(cmdSetSpeed, ch, raw); err != nil {
		return err
	}
	d.speed[ch] = raw
	return nil
}

func (d *serialDevice) SetAcceleration(ch uint8, raw uint16) error {
	if err := d.command(cmdSetAcceleration, ch, raw); err != nil {
		return err
	}
	d.accel[ch] = raw
	return nil
}

func (d *serialDevice) position(ch uint8) (uint16, error) {
	if err := d.write([]byte{cmdGetPosition, ch}); err != nil {
		return 0, err
	}
	var buf [2]byte
	if _, err := io.ReadFull(d.port, buf[:]); err != nil {
		return 0, fmt.Errorf("read position ch%d from %s: %w", ch, d.serial, err)
	}
	debug.Serial("rx", buf[:])
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

func (d *serialDevice) ReadAllChannels() ([]ChannelStatus, error) {
	if d.closed {
		return nil, ErrClosed
	}
	out := make([]ChannelStatus, len(d.speed))
	for i := range out {
		pos, err := d.position(uint8(i))
		if err != nil {
			return nil, err
		}
		out[i] = ChannelStatus{Position: pos, Speed: d.speed[i], Acceleration: d.accel[i]}
	}
	return out, nil
}

func (d *serialDevice) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	debug.Trace("Maestro %s: closing port", d.serial)
	return d.port.Close()
}
