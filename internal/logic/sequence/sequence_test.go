package sequence

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/PanTilt/internal/hw/maestro"
	"github.com/cjeanneret/PanTilt/internal/logic/motion"
	"github.com/cjeanneret/PanTilt/internal/servo"
)

// recordingMover records MoveTo calls.
type recordingMover struct {
	mu    sync.Mutex
	moves [][2]int
	err   error
}

func (m *recordingMover) MoveTo(ctx context.Context, pan, tilt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.moves = append(m.moves, [2]int{pan, tilt})
	return nil
}

// ---------- grid ----------

func TestGridParams_Validate(t *testing.T) {
	tests := []struct {
		name    string
		p       GridParams
		wantErr bool
	}{
		{"ok", GridParams{PanTo: 100, TiltTo: 100, Columns: 3, Rows: 2}, false},
		{"single point", GridParams{PanFrom: 50, PanTo: 50, TiltFrom: 50, TiltTo: 50, Columns: 1, Rows: 1}, false},
		{"no columns", GridParams{PanTo: 100, TiltTo: 100, Rows: 2}, true},
		{"no rows", GridParams{PanTo: 100, TiltTo: 100, Columns: 2}, true},
		{"pan above 100", GridParams{PanTo: 101, Columns: 2, Rows: 2}, true},
		{"tilt negative", GridParams{TiltFrom: -1, Columns: 2, Rows: 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGridParams_PointsSerpentine(t *testing.T) {
	p := GridParams{PanFrom: 0, PanTo: 100, TiltFrom: 20, TiltTo: 80, Columns: 3, Rows: 3}

	want := []Point{
		{0, 0, 0, 20}, {0, 1, 0, 50}, {0, 2, 0, 80},
		{1, 2, 50, 80}, {1, 1, 50, 50}, {1, 0, 50, 20},
		{2, 0, 100, 20}, {2, 1, 100, 50}, {2, 2, 100, 80},
	}
	if got := p.Points(); !reflect.DeepEqual(got, want) {
		t.Errorf("Points =\n%v\nwant\n%v", got, want)
	}
}

func TestGridParams_PointsReversedRange(t *testing.T) {
	p := GridParams{PanFrom: 90, PanTo: 10, TiltFrom: 60, TiltTo: 60, Columns: 2, Rows: 1}

	got := p.Points()
	if len(got) != 2 || got[0].Pan != 90 || got[1].Pan != 10 {
		t.Errorf("Points = %v", got)
	}
}

func TestGridParams_PointsRounding(t *testing.T) {
	p := GridParams{PanFrom: 0, PanTo: 100, TiltFrom: 0, TiltTo: 0, Columns: 4, Rows: 1}

	var pans []int
	for _, pt := range p.Points() {
		pans = append(pans, pt.Pan)
	}
	if want := []int{0, 33, 67, 100}; !reflect.DeepEqual(pans, want) {
		t.Errorf("pans = %v, want %v", pans, want)
	}
}

// ---------- runner ----------

func TestRunGrid_VisitsAllPoints(t *testing.T) {
	m := &recordingMover{}
	r := NewRunner(m, 0)
	var visited []Point
	r.OnPoint = func(ctx context.Context, p Point) error {
		visited = append(visited, p)
		return nil
	}

	p := GridParams{PanTo: 100, TiltTo: 100, Columns: 2, Rows: 2}
	if err := r.RunGrid(context.Background(), p); err != nil {
		t.Fatalf("RunGrid: %v", err)
	}
	want := [][2]int{{0, 0}, {0, 100}, {100, 100}, {100, 0}}
	if !reflect.DeepEqual(m.moves, want) {
		t.Errorf("moves = %v, want %v", m.moves, want)
	}
	if len(visited) != 4 {
		t.Errorf("OnPoint called %d times, want 4", len(visited))
	}
}

func TestRunGrid_InvalidParams(t *testing.T) {
	m := &recordingMover{}
	r := NewRunner(m, 0)

	if err := r.RunGrid(context.Background(), GridParams{}); err == nil {
		t.Fatal("expected error")
	}
	if len(m.moves) != 0 {
		t.Error("no move expected for invalid grid")
	}
}

func TestRunGrid_MoveError(t *testing.T) {
	boom := errors.New("stall")
	r := NewRunner(&recordingMover{err: boom}, 0)

	err := r.RunGrid(context.Background(), GridParams{PanTo: 100, TiltTo: 100, Columns: 2, Rows: 2})
	if !errors.Is(err, boom) {
		t.Errorf("RunGrid = %v, want wrapped stall", err)
	}
}

func TestRunGrid_OnPointAborts(t *testing.T) {
	m := &recordingMover{}
	r := NewRunner(m, 0)
	stop := errors.New("enough")
	r.OnPoint = func(ctx context.Context, p Point) error {
		if p.Col == 1 {
			return stop
		}
		return nil
	}

	err := r.RunGrid(context.Background(), GridParams{PanTo: 100, TiltTo: 100, Columns: 3, Rows: 2})
	if !errors.Is(err, stop) {
		t.Fatalf("RunGrid = %v", err)
	}
	if len(m.moves) != 3 {
		t.Errorf("moves = %d, want 3", len(m.moves))
	}
}

func TestRunGrid_Cancelled(t *testing.T) {
	m := &recordingMover{}
	r := NewRunner(m, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- r.RunGrid(ctx, GridParams{PanTo: 100, TiltTo: 100, Columns: 5, Rows: 5})
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("RunGrid = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunGrid did not return after cancel")
	}
}

func TestRunTour(t *testing.T) {
	m := &recordingMover{}
	r := NewRunner(m, 0)
	tour := []Waypoint{{Pan: 10, Tilt: 20}, {Pan: 90, Tilt: 80, Dwell: time.Millisecond}, {Pan: 50, Tilt: 50}}

	if err := r.RunTour(context.Background(), tour); err != nil {
		t.Fatalf("RunTour: %v", err)
	}
	want := [][2]int{{10, 20}, {90, 80}, {50, 50}}
	if !reflect.DeepEqual(m.moves, want) {
		t.Errorf("moves = %v, want %v", m.moves, want)
	}
}

func TestRunTour_Empty(t *testing.T) {
	if err := NewRunner(&recordingMover{}, 0).RunTour(context.Background(), nil); err == nil {
		t.Error("expected error for empty tour")
	}
}

func TestRunGrid_OnSimulatedBracket(t *testing.T) {
	sim := maestro.NewSimController(6, "00000001")
	opts := servo.DefaultOptions()
	opts.PollInterval = time.Millisecond
	s := servo.NewSession(sim, opts)
	defer s.Close()
	if err := s.Connect(""); err != nil {
		t.Fatal(err)
	}
	for _, a := range []servo.Axis{servo.Pan, servo.Tilt} {
		_ = s.SetSpeed(a, 20)
		_ = s.SetAccel(a, 20)
	}
	if err := s.StartPolling(context.Background()); err != nil {
		t.Fatal(err)
	}

	r := NewRunner(motion.NewController(s, 2*time.Second), 0)
	var rest []bool
	r.OnPoint = func(ctx context.Context, p Point) error {
		rest = append(rest, motion.AtRest(s.Snapshot()))
		return nil
	}
	if err := r.RunGrid(context.Background(), GridParams{PanFrom: 20, PanTo: 80, TiltFrom: 30, TiltTo: 70, Columns: 2, Rows: 2}); err != nil {
		t.Fatalf("RunGrid: %v", err)
	}
	for i, ok := range rest {
		if !ok {
			t.Errorf("point %d visited while moving", i)
		}
	}
	if got := s.Axis(servo.Pan).GoalPercent; got != 80 {
		t.Errorf("final pan goal = %d%%, want 80", got)
	}
}
