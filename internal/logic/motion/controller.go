// Package motion sits between scan logic and the servo session: it commands
// both axes and waits for the bracket to come to rest.
package motion

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/PanTilt/internal/debug"
	"github.com/cjeanneret/PanTilt/internal/servo"
)

// DefaultSettleTimeout bounds WaitSettled when no deadline is set on ctx.
const DefaultSettleTimeout = 10 * time.Second

// Controller orchestrates pan/tilt moves over a Session.
type Controller struct {
	s             *servo.Session
	settleTimeout time.Duration
}

// NewController wraps s. A zero settleTimeout uses DefaultSettleTimeout;
// a negative one disables the bound.
func NewController(s *servo.Session, settleTimeout time.Duration) *Controller {
	if settleTimeout == 0 {
		settleTimeout = DefaultSettleTimeout
	}
	return &Controller{s: s, settleTimeout: settleTimeout}
}

// Session returns the underlying session.
func (c *Controller) Session() *servo.Session { return c.s }

// MoveTo sets both goals in percent. While polling it then blocks until the
// bracket has settled; otherwise it returns once the targets are written.
func (c *Controller) MoveTo(ctx context.Context, pan, tilt int) error {
	debug.Live("Move to pan=%d%% tilt=%d%%", pan, tilt)
	if err := c.s.SetGoalPercent(servo.Pan, pan); err != nil {
		return err
	}
	if err := c.s.SetGoalPercent(servo.Tilt, tilt); err != nil {
		return err
	}
	return c.settleIfPolling(ctx)
}

// MoveToRaw is MoveTo in controller units.
func (c *Controller) MoveToRaw(ctx context.Context, pan, tilt uint16) error {
	debug.Live("Move to pan=%d tilt=%d (raw)", pan, tilt)
	if err := c.s.SetGoalRaw(servo.Pan, pan); err != nil {
		return err
	}
	if err := c.s.SetGoalRaw(servo.Tilt, tilt); err != nil {
		return err
	}
	return c.settleIfPolling(ctx)
}

// MovePan moves the pan axis only.
func (c *Controller) MovePan(ctx context.Context, percent int) error {
	if err := c.s.SetGoalPercent(servo.Pan, percent); err != nil {
		return err
	}
	return c.settleIfPolling(ctx)
}

// MoveTilt moves the tilt axis only.
func (c *Controller) MoveTilt(ctx context.Context, percent int) error {
	if err := c.s.SetGoalPercent(servo.Tilt, percent); err != nil {
		return err
	}
	return c.settleIfPolling(ctx)
}

// Center moves both axes to 50%.
func (c *Controller) Center(ctx context.Context) error {
	return c.MoveTo(ctx, 50, 50)
}

func (c *Controller) settleIfPolling(ctx context.Context) error {
	if !c.s.State().Polling {
		debug.Verbose("Not polling, not waiting for the move to settle")
		return nil
	}
	return c.WaitSettled(ctx)
}

// WaitSettled blocks until a polling tick taken after the call reports the
// bracket at rest. Stopped always counts as at rest; Unknown counts when
// both axes are within FuzzyGoalRange of their goals. It fails with
// ErrNotPolling when no loop is running, and with the loop error if the loop
// ends while waiting.
func (c *Controller) WaitSettled(ctx context.Context) error {
	if c.settleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.settleTimeout)
		defer cancel()
	}

	samples := make(chan servo.Snapshot, 1)
	unsubscribe := c.s.OnSample(func(snap servo.Snapshot) {
		select {
		case samples <- snap:
		default:
		}
	})
	defer unsubscribe()

	// Registered first, so no tick newer than after can be missed.
	after := c.s.Snapshot().Tick
	if !c.s.State().Polling {
		return servo.ErrNotPolling
	}
	loopDone := c.s.Done()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait settled: %w", ctx.Err())
		case <-loopDone:
			if err := c.s.Err(); err != nil {
				return fmt.Errorf("wait settled: %w", err)
			}
			return fmt.Errorf("wait settled: %w", servo.ErrNotPolling)
		case snap := <-samples:
			if snap.Tick > after && AtRest(snap) {
				debug.Verbose("Settled at tick %d (%s)", snap.Tick, snap.Movement)
				return nil
			}
		}
	}
}

// AtRest reports whether snap shows a bracket that is not moving. In the
// Unknown state both axes must be within the session's goal tolerance.
func AtRest(snap servo.Snapshot) bool {
	switch snap.Movement {
	case servo.MovementStopped:
		return true
	case servo.MovementUnknown:
		fuzzy := int(snap.FuzzyRange)
		if fuzzy == 0 {
			fuzzy = int(servo.FuzzyGoalRange)
		}
		return snap.Pan.Delta() <= fuzzy && snap.Tilt.Delta() <= fuzzy
	}
	return false
}
