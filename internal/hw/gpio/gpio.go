// Package gpio drives Raspberry Pi pins. The bracket uses one output pin for
// the "moving" indicator LED.
package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/PanTilt/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "high"
	}
	return "low"
}

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

// Driver is the pin interface; RPiDriver talks to the SoC, MockDriver
// records levels in memory for PC development and tests.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// NewDriver returns a MockDriver when mock is true, the real driver otherwise.
func NewDriver(mock bool) (Driver, error) {
	if mock {
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	}
	return NewRPiRealDriver()
}

// MockDriver keeps pin modes and levels in memory and counts writes.
type MockDriver struct {
	mu     sync.Mutex
	modes  map[int]PinMode
	levels map[int]Level
	writes map[int]int
	closed bool
}

func NewMockDriver() *MockDriver {
	return &MockDriver{
		modes:  make(map[int]PinMode),
		levels: make(map[int]Level),
		writes: make(map[int]int),
	}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	m.mu.Lock()
	defer m.mu.Unlock()
	if mode != Input && mode != Output {
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
	m.modes[pin] = mode
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("write pin %d: driver closed", pin)
	}
	if _, ok := m.modes[pin]; !ok {
		m.modes[pin] = Output
	}
	m.levels[pin] = level
	m.writes[pin]++
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin], nil
}

// Writes returns how many times pin was written.
func (m *MockDriver) Writes(pin int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[pin]
}

// Mode returns the mode pin was set up with.
func (m *MockDriver) Mode(pin int) (PinMode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mode, ok := m.modes[pin]
	return mode, ok
}

func (m *MockDriver) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
