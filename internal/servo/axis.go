package servo

import (
	"fmt"
	"strings"
)

// Axis selects one of the two servos of the bracket.
type Axis int

const (
	Pan Axis = iota
	Tilt
)

// Default channel assignment on the controller.
const (
	DefaultPanChannel  uint8 = 0
	DefaultTiltChannel uint8 = 1
)

func (a Axis) String() string {
	switch a {
	case Pan:
		return "pan"
	case Tilt:
		return "tilt"
	}
	return fmt.Sprintf("axis(%d)", int(a))
}

func (a Axis) valid() bool { return a == Pan || a == Tilt }

// ParseAxis accepts "pan" or "tilt" (case-insensitive).
func ParseAxis(s string) (Axis, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pan":
		return Pan, nil
	case "tilt":
		return Tilt, nil
	}
	return 0, fmt.Errorf("unknown axis %q", s)
}

// AxisState is the model of one servo. Goal fields are written by the
// foreground setters only; Actual, Speed and Accel are written by whoever
// last read the device (the polling loop while it runs).
type AxisState struct {
	Channel       uint8  `json:"channel"`
	Limits        Limits `json:"limits"`
	GoalRaw       uint16 `json:"goal_raw"`
	GoalPercent   int    `json:"goal_percent"`
	ActualRaw     uint16 `json:"actual_raw"`
	ActualPercent int    `json:"actual_percent"`
	Speed         uint16 `json:"speed"`
	Accel         uint16 `json:"accel"`
	// Synced is false when the last device write for this axis failed, so
	// the goal held here may not be what the controller is driving toward.
	Synced bool `json:"synced"`
}

// newAxisState centres the goal within the limits until a device is read.
func newAxisState(ch uint8, l Limits) AxisState {
	mid := uint16((int(l.Min) + int(l.Max)) / 2)
	a := AxisState{Channel: ch, Limits: l, GoalRaw: mid, ActualRaw: mid, Synced: true}
	a.GoalPercent = ToPercent(mid, l)
	a.refreshDerived()
	return a
}

// refreshDerived recomputes the percent view of the actual position.
func (a *AxisState) refreshDerived() {
	a.ActualPercent = ToPercent(a.ActualRaw, a.Limits)
}

// Delta returns |GoalRaw - ActualRaw|.
func (a AxisState) Delta() int {
	d := int(a.GoalRaw) - int(a.ActualRaw)
	if d < 0 {
		return -d
	}
	return d
}
