package servo

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FuzzyGoalRange is the goal/actual distance, in raw units, below which an
// axis counts as arrived. Found by trial on servos with a noticeable dead zone.
const FuzzyGoalRange uint16 = 45

// MovementKind is the coarse motion classification of the bracket.
type MovementKind int

const (
	// MovementUnknown means speed or acceleration is zero on an axis, so
	// moves are instantaneous from the controller's point of view.
	MovementUnknown MovementKind = iota
	MovementStopped
	MovementPan
	MovementTilt
	MovementBoth
)

var movementNames = [...]string{"unknown", "stopped", "pan", "tilt", "both"}

func (k MovementKind) String() string {
	if k < 0 || int(k) >= len(movementNames) {
		return fmt.Sprintf("movement(%d)", int(k))
	}
	return movementNames[k]
}

// MarshalText encodes the kind by name.
func (k MovementKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *MovementKind) UnmarshalText(b []byte) error {
	for i, n := range movementNames {
		if n == string(b) {
			*k = MovementKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown movement kind %q", b)
}

// Moving reports whether k is Pan, Tilt or Both.
func (k MovementKind) Moving() bool {
	return k == MovementPan || k == MovementTilt || k == MovementBoth
}

// Classify derives the movement kind from both axes. Either axis with a zero
// speed or acceleration yields MovementUnknown.
func Classify(pan, tilt AxisState, fuzzy uint16) MovementKind {
	if pan.Speed == 0 || pan.Accel == 0 || tilt.Speed == 0 || tilt.Accel == 0 {
		return MovementUnknown
	}
	panMoving := pan.Delta() > int(fuzzy)
	tiltMoving := tilt.Delta() > int(fuzzy)
	switch {
	case panMoving && tiltMoving:
		return MovementBoth
	case panMoving:
		return MovementPan
	case tiltMoving:
		return MovementTilt
	}
	return MovementStopped
}

// Edge is a movement transition notification.
type Edge int

const (
	EdgeStarted Edge = iota + 1
	EdgeEnded
)

func (e Edge) String() string {
	switch e {
	case EdgeStarted:
		return "started"
	case EdgeEnded:
		return "ended"
	}
	return fmt.Sprintf("edge(%d)", int(e))
}

// MarshalText encodes the edge by name.
func (e Edge) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// MovementEvent is delivered to movement observers on each edge.
type MovementEvent struct {
	Edge   Edge         `json:"edge"`
	Kind   MovementKind `json:"kind"`
	Pan    AxisState    `json:"pan"`
	Tilt   AxisState    `json:"tilt"`
	Serial string       `json:"serial"`
	RunID  uuid.UUID    `json:"run_id"`
	Time   time.Time    `json:"time"`
}

// movementTracker keeps the previous classification and reports edges.
// Its zero value behaves as the initial, non-moving state.
type movementTracker struct {
	prev MovementKind
}

// update records cur and returns the edge it produced, if any. A start needs
// a moving kind after a non-moving one; an end needs a moving kind followed
// by Stopped. Transitions into Unknown never produce an edge.
func (t *movementTracker) update(cur MovementKind) (Edge, bool) {
	prev := t.prev
	t.prev = cur
	switch {
	case cur.Moving() && !prev.Moving():
		return EdgeStarted, true
	case prev.Moving() && cur == MovementStopped:
		return EdgeEnded, true
	}
	return 0, false
}
