// Package sequence runs multi-point scans: serpentine grids and waypoint tours.
package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/PanTilt/internal/debug"
)

// Mover moves the bracket to a percent position and returns once it is there.
// *motion.Controller implements it.
type Mover interface {
	MoveTo(ctx context.Context, pan, tilt int) error
}

// Waypoint is one stop of a tour.
type Waypoint struct {
	Pan   int
	Tilt  int
	Dwell time.Duration // 0 = Runner.Dwell
}

// Runner contains the scan logic on top of a Mover.
type Runner struct {
	motion Mover

	// Dwell is the pause at each point once the move has settled.
	Dwell time.Duration
	// OnPoint, when set, is called at each point after the dwell.
	// Returning an error aborts the scan.
	OnPoint func(ctx context.Context, p Point) error
}

func NewRunner(m Mover, dwell time.Duration) *Runner {
	return &Runner{motion: m, Dwell: dwell}
}

// RunGrid visits every grid point in serpentine order.
func (r *Runner) RunGrid(ctx context.Context, p GridParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	debug.Section("Grid scan")
	debug.Value("Columns", p.Columns)
	debug.Value("Rows", p.Rows)

	points := p.Points()
	for i, pt := range points {
		if err := ctx.Err(); err != nil {
			return err
		}
		debug.Step(i+1, fmt.Sprintf("column %d/%d row %d/%d: pan=%d%% tilt=%d%%",
			pt.Col+1, p.Columns, pt.Row+1, p.Rows, pt.Pan, pt.Tilt))
		if err := r.visit(ctx, pt, r.Dwell); err != nil {
			return fmt.Errorf("grid point %d,%d: %w", pt.Col, pt.Row, err)
		}
	}
	debug.Info("Grid scan complete (%d points)", len(points))
	return nil
}

// RunTour visits waypoints in order.
func (r *Runner) RunTour(ctx context.Context, tour []Waypoint) error {
	if len(tour) == 0 {
		return fmt.Errorf("tour has no waypoints")
	}
	debug.Section("Tour")
	for i, wp := range tour {
		if err := ctx.Err(); err != nil {
			return err
		}
		dwell := wp.Dwell
		if dwell == 0 {
			dwell = r.Dwell
		}
		debug.Step(i+1, fmt.Sprintf("pan=%d%% tilt=%d%% dwell=%v", wp.Pan, wp.Tilt, dwell))
		pt := Point{Col: i, Pan: wp.Pan, Tilt: wp.Tilt}
		if err := r.visit(ctx, pt, dwell); err != nil {
			return fmt.Errorf("waypoint %d: %w", i, err)
		}
	}
	debug.Info("Tour complete (%d waypoints)", len(tour))
	return nil
}

func (r *Runner) visit(ctx context.Context, pt Point, dwell time.Duration) error {
	if err := r.motion.MoveTo(ctx, pt.Pan, pt.Tilt); err != nil {
		return err
	}
	if dwell > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dwell):
		}
	}
	if r.OnPoint != nil {
		return r.OnPoint(ctx, pt)
	}
	return nil
}
