package indicator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/PanTilt/internal/hw/gpio"
	"github.com/cjeanneret/PanTilt/internal/hw/maestro"
	"github.com/cjeanneret/PanTilt/internal/servo"
)

// recordingDriver records GPIO calls for verification.
type recordingDriver struct {
	mu       sync.Mutex
	calls    []gpioCall
	writeErr error
}

type gpioCall struct {
	op    string
	pin   int
	level gpio.Level
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, gpioCall{op: "setup", pin: pin})
	return nil
}

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writeErr != nil {
		return d.writeErr
	}
	d.calls = append(d.calls, gpioCall{op: "write", pin: pin, level: level})
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (gpio.Level, error) {
	return gpio.Low, nil
}

func (d *recordingDriver) Close() error { return nil }

func (d *recordingDriver) writeCalls() []gpioCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" {
			result = append(result, c)
		}
	}
	return result
}

func TestLED_InitializedOff(t *testing.T) {
	drv := &recordingDriver{}
	if _, err := NewLED(drv, 17, false); err != nil {
		t.Fatalf("NewLED: %v", err)
	}
	if len(drv.calls) != 2 || drv.calls[0].op != "setup" {
		t.Fatalf("calls = %+v, want setup then write", drv.calls)
	}
	if w := drv.writeCalls(); w[0].pin != 17 || w[0].level != gpio.Low {
		t.Errorf("initial write = %+v, want pin 17 LOW", w[0])
	}
}

func TestLED_ActiveLow(t *testing.T) {
	drv := &recordingDriver{}
	led, err := NewLED(drv, 4, true)
	if err != nil {
		t.Fatalf("NewLED: %v", err)
	}
	if err := led.Set(true); err != nil {
		t.Fatalf("Set: %v", err)
	}
	w := drv.writeCalls()
	if w[0].level != gpio.High || w[1].level != gpio.Low {
		t.Errorf("writes = %+v, want HIGH (off) then LOW (on)", w)
	}
}

func TestLED_SetIsIdempotent(t *testing.T) {
	drv := &recordingDriver{}
	led, _ := NewLED(drv, 17, false)

	_ = led.Set(true)
	_ = led.Set(true)
	_ = led.Set(false)
	_ = led.Set(false)

	w := drv.writeCalls()
	if len(w) != 3 {
		t.Fatalf("got %d writes, want 3 (init, on, off): %+v", len(w), w)
	}
	if w[1].level != gpio.High || w[2].level != gpio.Low {
		t.Errorf("writes = %+v", w)
	}
}

func TestLED_WriteErrorKeepsState(t *testing.T) {
	drv := &recordingDriver{}
	led, _ := NewLED(drv, 17, false)
	drv.writeErr = errors.New("bus")

	if err := led.Set(true); err == nil {
		t.Fatal("expected error")
	}
	if led.On() {
		t.Error("LED should still be off")
	}
}

func TestLED_Close(t *testing.T) {
	drv := gpio.NewMockDriver()
	led, _ := NewLED(drv, 17, false)
	_ = led.Set(true)

	if err := led.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if lvl, _ := drv.ReadPin(17); lvl != gpio.Low {
		t.Error("pin should be LOW after Close")
	}
	if led.On() {
		t.Error("On() after Close")
	}
}

func TestAttach_FollowsMovement(t *testing.T) {
	sim := maestro.NewSimController(6, "00000001")
	opts := servo.DefaultOptions()
	opts.PollInterval = time.Millisecond
	opts.EventsEnabled = true
	s := servo.NewSession(sim, opts)
	defer s.Close()
	if err := s.Connect(""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for _, a := range []servo.Axis{servo.Pan, servo.Tilt} {
		_ = s.SetSpeed(a, 1)
		_ = s.SetAccel(a, 1)
	}

	drv := gpio.NewMockDriver()
	led, _ := NewLED(drv, 17, false)
	detach := Attach(s, led)
	defer detach()

	if err := s.StartPolling(context.Background()); err != nil {
		t.Fatalf("StartPolling: %v", err)
	}
	if err := s.SetGoalRaw(servo.Pan, maestro.SimHome+300); err != nil {
		t.Fatalf("SetGoalRaw: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for drv.Writes(17) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := drv.Writes(17); n != 3 {
		t.Fatalf("pin written %d times, want 3 (init, on, off)", n)
	}
	if led.On() {
		t.Error("LED should be off once the move ended")
	}
}
