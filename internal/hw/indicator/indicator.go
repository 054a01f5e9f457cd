// Package indicator lights a status LED while the bracket is moving.
package indicator

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/PanTilt/internal/debug"
	"github.com/cjeanneret/PanTilt/internal/hw/gpio"
	"github.com/cjeanneret/PanTilt/internal/servo"
)

// Indicator is anything that can show an on/off state.
type Indicator interface {
	Set(on bool) error
}

// LED drives a single GPIO output:
// - on: pin HIGH (LOW when activeLow)
// - off: pin LOW (HIGH when activeLow)
//
// Wiring is a plain LED + resistor between the pin and ground, or an
// opto-isolated input for activeLow.
type LED struct {
	gpio      gpio.Driver
	pin       int
	activeLow bool

	mu sync.Mutex
	on bool
}

// NewLED configures pin as an output and switches it off.
func NewLED(g gpio.Driver, pin int, activeLow bool) (*LED, error) {
	if err := g.SetupPin(pin, gpio.Output); err != nil {
		return nil, fmt.Errorf("setup indicator pin %d: %w", pin, err)
	}
	l := &LED{gpio: g, pin: pin, activeLow: activeLow}
	if err := g.WritePin(pin, l.level(false)); err != nil {
		return nil, fmt.Errorf("reset indicator pin %d: %w", pin, err)
	}
	return l, nil
}

func (l *LED) level(on bool) gpio.Level {
	return gpio.Level(on != l.activeLow)
}

// Set switches the LED. Writing the current state again is a no-op.
func (l *LED) Set(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if on == l.on {
		return nil
	}
	debug.Verbose("Indicator: pin %d -> %v", l.pin, l.level(on))
	if err := l.gpio.WritePin(l.pin, l.level(on)); err != nil {
		return err
	}
	l.on = on
	return nil
}

// On reports the last state written.
func (l *LED) On() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}

// Close switches the LED off. The GPIO driver is left open.
func (l *LED) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.on = false
	return l.gpio.WritePin(l.pin, l.level(false))
}

// Attach follows the movement edges of s: on when a movement starts, off
// when it ends. Disconnecting or disabling events leaves the last state, so
// callers should Set(false) after stopping. The returned func detaches.
func Attach(s *servo.Session, ind Indicator) (detach func()) {
	return s.OnMovement(func(ev servo.MovementEvent) {
		var err error
		switch ev.Edge {
		case servo.EdgeStarted:
			err = ind.Set(true)
		case servo.EdgeEnded:
			err = ind.Set(false)
		}
		if err != nil {
			debug.Error(fmt.Errorf("indicator on %s: %w", ev.Edge, err))
		}
	})
}
