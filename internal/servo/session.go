// Package servo models a pan/tilt servo bracket driven by a Maestro
// controller: raw/percent conversion, per-axis state, the polling loop that
// samples the device and the movement classification derived from it.
package servo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/PanTilt/internal/debug"
	"github.com/cjeanneret/PanTilt/internal/hw/maestro"
)

// DefaultPollInterval is the pause between two polling samples.
const DefaultPollInterval = 100 * time.Millisecond

// AxisConfig is the static configuration of one axis.
type AxisConfig struct {
	Channel uint8
	Limits  Limits
}

// Options configures a Session.
type Options struct {
	Pan            AxisConfig
	Tilt           AxisConfig
	FuzzyGoalRange uint16        // 0 = FuzzyGoalRange
	PollInterval   time.Duration // 0 = DefaultPollInterval
	EventsEnabled  bool
}

// Validate checks both axis limits.
func (o Options) Validate() error {
	if err := o.Pan.Limits.Validate(); err != nil {
		return fmt.Errorf("pan limits: %w", err)
	}
	if err := o.Tilt.Limits.Validate(); err != nil {
		return fmt.Errorf("tilt limits: %w", err)
	}
	return nil
}

// DefaultOptions returns pan on channel 0, tilt on channel 1, both 4000..8000.
func DefaultOptions() Options {
	return Options{
		Pan:            AxisConfig{Channel: DefaultPanChannel, Limits: DefaultLimits()},
		Tilt:           AxisConfig{Channel: DefaultTiltChannel, Limits: DefaultLimits()},
		FuzzyGoalRange: FuzzyGoalRange,
		PollInterval:   DefaultPollInterval,
	}
}

// SessionState is the connection lifecycle of a Session.
type SessionState struct {
	Connected    bool   `json:"connected"`
	DeviceSerial string `json:"device_serial"`
	Polling      bool   `json:"polling"`
}

// Snapshot is an immutable copy of the session model.
type Snapshot struct {
	State         SessionState `json:"state"`
	Pan           AxisState    `json:"pan"`
	Tilt          AxisState    `json:"tilt"`
	Movement      MovementKind `json:"movement"`
	EventsEnabled bool         `json:"events_enabled"`
	FuzzyRange    uint16       `json:"fuzzy_goal_range"`
	Tick          uint64       `json:"tick"`
	RunID         uuid.UUID    `json:"run_id"`
	SampledAt     time.Time    `json:"sampled_at"`
}

// Axis returns the state of a.
func (s Snapshot) Axis(a Axis) AxisState {
	if a == Tilt {
		return s.Tilt
	}
	return s.Pan
}

// Session owns the device handle and both axis states.
//
// Lock order is lifeMu, then ioMu, then mu. lifeMu serializes connect,
// disconnect and starting a polling loop. ioMu serializes every call on the device
// handle; mu guards the model. Observers run with no lock held, but must not
// call Disconnect or Close from a polling callback since those wait for the
// loop that is running them.
type Session struct {
	ctrl maestro.Controller

	lifeMu sync.Mutex
	ioMu sync.Mutex

	mu            sync.RWMutex
	dev           maestro.Device
	state         SessionState
	axes          [2]AxisState
	movement      MovementKind
	tracker       movementTracker
	eventsEnabled bool
	fuzzy         uint16
	interval      time.Duration
	tick          uint64
	runID         uuid.UUID
	sampledAt     time.Time
	closed        bool

	// polling loop bookkeeping, guarded by mu
	cancel  context.CancelFunc
	done    chan struct{}
	loopErr error

	obsMu       sync.Mutex
	nextObs     int
	movementObs map[int]func(MovementEvent)
	sampleObs   map[int]func(Snapshot)
}

// NewSession creates a disconnected session. Invalid limits are logged and
// replaced with the defaults; callers that need to fail call opts.Validate.
func NewSession(ctrl maestro.Controller, opts Options) *Session {
	if err := opts.Validate(); err != nil {
		debug.Error(fmt.Errorf("session options: %w; using default limits", err))
	}
	if opts.Pan.Limits.Validate() != nil {
		opts.Pan.Limits = DefaultLimits()
	}
	if opts.Tilt.Limits.Validate() != nil {
		opts.Tilt.Limits = DefaultLimits()
	}
	if opts.FuzzyGoalRange == 0 {
		opts.FuzzyGoalRange = FuzzyGoalRange
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	s := &Session{
		ctrl:          ctrl,
		eventsEnabled: opts.EventsEnabled,
		fuzzy:         opts.FuzzyGoalRange,
		interval:      opts.PollInterval,
		movementObs:   make(map[int]func(MovementEvent)),
		sampleObs:     make(map[int]func(Snapshot)),
	}
	s.axes[Pan] = newAxisState(opts.Pan.Channel, opts.Pan.Limits)
	s.axes[Tilt] = newAxisState(opts.Tilt.Channel, opts.Tilt.Limits)
	return s
}

// --- connection lifecycle ---

// Devices lists the devices the controller can currently see.
func (s *Session) Devices() ([]maestro.DeviceDescriptor, error) {
	devs, err := s.ctrl.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %w", ErrConnection, err)
	}
	return devs, nil
}

// Connect opens the first device whose serial matches, or the first device
// found when serial is empty. When nothing matches, ErrDeviceNotFound is
// returned and the current connection is left as it was.
func (s *Session) Connect(serial string) error {
	if s.isClosed() {
		return ErrClosed
	}
	devs, err := s.Devices()
	if err != nil {
		return err
	}
	for _, d := range devs {
		if serial != "" && d.Serial != serial {
			continue
		}
		return s.ConnectDevice(d)
	}
	if serial == "" {
		return fmt.Errorf("%w: no controller plugged in (check lsusb)", ErrDeviceNotFound)
	}
	return fmt.Errorf("%w: no controller with serial %q", ErrDeviceNotFound, serial)
}

// ConnectDevice opens a specific device, replacing any current connection.
// The current connection is released before d is opened, so when Open fails
// the session is left disconnected.
func (s *Session) ConnectDevice(d maestro.DeviceDescriptor) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.isClosed() {
		return ErrClosed
	}
	if s.State().Connected {
		s.disconnect()
	}

	dev, err := s.ctrl.Open(d)
	if err != nil {
		return fmt.Errorf("%w: open %q: %w", ErrConnection, d.Serial, err)
	}

	s.ioMu.Lock()
	s.mu.Lock()
	s.dev = dev
	s.state = SessionState{Connected: true, DeviceSerial: dev.Serial()}
	s.movement = MovementUnknown
	s.tracker = movementTracker{}
	s.mu.Unlock()
	s.ioMu.Unlock()

	debug.Info("Connected to controller %s", dev.Serial())
	s.seed()
	return nil
}

// seed reads the device once so goals start where the servos already are.
// A failed read leaves the centred defaults in place.
func (s *Session) seed() {
	var st []maestro.ChannelStatus
	err := s.withDevice(func(d maestro.Device) error {
		var err error
		st, err = d.ReadAllChannels()
		return err
	})
	if err != nil {
		debug.Error(fmt.Errorf("initial read: %w", err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.axes {
		a := &s.axes[i]
		if int(a.Channel) >= len(st) {
			continue
		}
		c := st[a.Channel]
		a.ActualRaw, a.Speed, a.Accel = c.Position, c.Speed, c.Acceleration
		if a.Limits.Contains(c.Position) {
			a.GoalRaw = c.Position
			a.GoalPercent = ToPercent(c.Position, a.Limits)
		}
		a.Synced = true
		a.refreshDerived()
	}
}

// Disconnect stops polling, then releases the device. It is safe to call
// when nothing is connected; close errors are logged, not returned.
func (s *Session) Disconnect() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.disconnect()
}

// disconnect is Disconnect with lifeMu held.
func (s *Session) disconnect() {
	s.StopPolling()
	s.waitLoop()

	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	s.mu.Lock()
	dev := s.dev
	serial := s.state.DeviceSerial
	s.dev = nil
	s.state = SessionState{}
	s.movement = MovementUnknown
	s.mu.Unlock()

	if dev == nil {
		debug.Verbose("No connected controller to disconnect from; state reset anyway")
		return
	}
	if err := dev.Close(); err != nil {
		debug.Error(fmt.Errorf("failed to close controller %s cleanly: %w", serial, err))
	}
	debug.Info("Disconnected from %s", serial)
}

// Close disconnects and releases the polling cancel func. It can be called
// any number of times and always returns nil.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	defer func() {
		s.obsMu.Lock()
		clear(s.movementObs)
		clear(s.sampleObs)
		s.obsMu.Unlock()
	}()
	defer func() {
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		s.mu.Unlock()
	}()
	s.Disconnect()
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// withDevice runs fn with exclusive access to the device handle.
func (s *Session) withDevice(fn func(maestro.Device) error) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	s.mu.RLock()
	dev := s.dev
	s.mu.RUnlock()
	if dev == nil {
		return ErrNotConnected
	}
	if err := fn(dev); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}

// --- observers ---

// OnMovement registers fn for movement edges; call the returned func to remove it.
func (s *Session) OnMovement(fn func(MovementEvent)) (cancel func()) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.movementObs[id] = fn
	return func() {
		s.obsMu.Lock()
		delete(s.movementObs, id)
		s.obsMu.Unlock()
	}
}

// OnSample registers fn for every completed polling tick.
func (s *Session) OnSample(fn func(Snapshot)) (cancel func()) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.sampleObs[id] = fn
	return func() {
		s.obsMu.Lock()
		delete(s.sampleObs, id)
		s.obsMu.Unlock()
	}
}

func (s *Session) notifyMovement(ev MovementEvent) {
	s.obsMu.Lock()
	fns := make([]func(MovementEvent), 0, len(s.movementObs))
	for _, fn := range s.movementObs {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Session) notifySample(snap Snapshot) {
	s.obsMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.sampleObs))
	for _, fn := range s.sampleObs {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// --- reads ---

// State returns the connection state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Movement returns the classification of the last completed tick.
func (s *Session) Movement() MovementKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.movement
}

// EventsEnabled reports whether movement edges are delivered to observers.
func (s *Session) EventsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eventsEnabled
}

// SetEventsEnabled turns movement notifications on or off.
func (s *Session) SetEventsEnabled(on bool) {
	s.mu.Lock()
	s.eventsEnabled = on
	s.mu.Unlock()
}

// Axis returns the cached state of a.
func (s *Session) Axis(a Axis) AxisState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.axes[a]
}

// Snapshot returns a copy of the whole model.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		State:         s.state,
		Pan:           s.axes[Pan],
		Tilt:          s.axes[Tilt],
		Movement:      s.movement,
		EventsEnabled: s.eventsEnabled,
		FuzzyRange:    s.fuzzy,
		Tick:          s.tick,
		RunID:         s.runID,
		SampledAt:     s.sampledAt,
	}
}

// ActualRaw returns the position the controller reports for a. Without
// polling it reads the device; while polling it returns the last sample.
func (s *Session) ActualRaw(a Axis) (uint16, error) {
	st, err := s.actual(a)
	return st.ActualRaw, err
}

// ActualPercent is ActualRaw expressed in percent of the axis limits.
func (s *Session) ActualPercent(a Axis) (int, error) {
	st, err := s.actual(a)
	return st.ActualPercent, err
}

func (s *Session) actual(a Axis) (AxisState, error) {
	if !a.valid() {
		return AxisState{}, fmt.Errorf("%w: %v", ErrOutOfRange, a)
	}
	s.mu.RLock()
	polling := s.state.Polling
	cached := s.axes[a]
	s.mu.RUnlock()
	if polling {
		return cached, nil
	}

	var st []maestro.ChannelStatus
	err := s.withDevice(func(d maestro.Device) error {
		var err error
		st, err = d.ReadAllChannels()
		return err
	})
	if err != nil {
		return cached, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ax := &s.axes[a]
	if int(ax.Channel) >= len(st) {
		return *ax, fmt.Errorf("%w: channel %d not reported (%d channels)", ErrIO, ax.Channel, len(st))
	}
	c := st[ax.Channel]
	ax.ActualRaw, ax.Speed, ax.Accel = c.Position, c.Speed, c.Acceleration
	ax.refreshDerived()
	return *ax, nil
}

// --- writes ---

// SetGoalRaw commands axis a to raw. Out-of-limit values fail with
// ErrOutOfRange and change nothing. A failed device write is returned but
// the goal is kept, and the axis is marked not Synced.
func (s *Session) SetGoalRaw(a Axis, raw uint16) error {
	if !a.valid() {
		return fmt.Errorf("%w: %v", ErrOutOfRange, a)
	}
	s.mu.Lock()
	l := s.axes[a].Limits
	if !l.Contains(raw) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s goal %d not in %d..%d", ErrOutOfRange, a, raw, l.Min, l.Max)
	}
	return s.commitGoal(a, raw, ToPercent(raw, l))
}

// SetGoalPercent converts percent with the axis limits and commands it.
func (s *Session) SetGoalPercent(a Axis, percent int) error {
	if !a.valid() {
		return fmt.Errorf("%w: %v", ErrOutOfRange, a)
	}
	s.mu.Lock()
	raw, err := ToRaw(percent, s.axes[a].Limits)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%s goal: %w", a, err)
	}
	return s.commitGoal(a, raw, percent)
}

// commitGoal is entered with mu held and releases it before device I/O.
func (s *Session) commitGoal(a Axis, raw uint16, percent int) error {
	if s.dev == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.axes[a].GoalRaw = raw
	s.axes[a].GoalPercent = percent
	ch := s.axes[a].Channel
	s.mu.Unlock()

	debug.Goal(a.String(), raw, percent)
	err := s.withDevice(func(d maestro.Device) error { return d.SetTarget(ch, raw) })
	s.markSynced(a, err == nil)
	if err != nil {
		return fmt.Errorf("set %s target: %w", a, err)
	}
	return nil
}

// SetSpeed writes the speed limit of a. Zero means unlimited.
func (s *Session) SetSpeed(a Axis, v uint16) error {
	return s.setRate(a, "speed", v, func(st *AxisState) { st.Speed = v },
		func(d maestro.Device, ch uint8) error { return d.SetSpeed(ch, v) })
}

// SetAccel writes the acceleration limit of a. Zero means unlimited.
func (s *Session) SetAccel(a Axis, v uint16) error {
	return s.setRate(a, "acceleration", v, func(st *AxisState) { st.Accel = v },
		func(d maestro.Device, ch uint8) error { return d.SetAcceleration(ch, v) })
}

func (s *Session) setRate(a Axis, what string, v uint16, apply func(*AxisState), write func(maestro.Device, uint8) error) error {
	if !a.valid() {
		return fmt.Errorf("%w: %v", ErrOutOfRange, a)
	}
	s.mu.Lock()
	if s.dev == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	apply(&s.axes[a])
	ch := s.axes[a].Channel
	s.mu.Unlock()

	debug.Live("Set %s %s = %d", a, what, v)
	err := s.withDevice(func(d maestro.Device) error { return write(d, ch) })
	s.markSynced(a, err == nil)
	if err != nil {
		return fmt.Errorf("set %s %s: %w", a, what, err)
	}
	return nil
}

func (s *Session) markSynced(a Axis, ok bool) {
	s.mu.Lock()
	s.axes[a].Synced = ok
	s.mu.Unlock()
}

// SetLimits replaces the limits of a. It is rejected while polling, and with
// ErrOutOfRange when the current goal lies outside l.
func (s *Session) SetLimits(a Axis, l Limits) error {
	if !a.valid() {
		return fmt.Errorf("%w: %v", ErrOutOfRange, a)
	}
	if err := l.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Polling {
		return fmt.Errorf("set %s limits: %w", a, ErrPolling)
	}
	ax := &s.axes[a]
	if !l.Contains(ax.GoalRaw) {
		return fmt.Errorf("%w: %s goal %d not in new limits %d..%d", ErrOutOfRange, a, ax.GoalRaw, l.Min, l.Max)
	}
	ax.Limits = l
	ax.GoalPercent = ToPercent(ax.GoalRaw, l)
	ax.refreshDerived()
	return nil
}

// SetChannel reassigns the controller channel of a. Rejected while polling.
func (s *Session) SetChannel(a Axis, ch uint8) error {
	if !a.valid() {
		return fmt.Errorf("%w: %v", ErrOutOfRange, a)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Polling {
		return fmt.Errorf("set %s channel: %w", a, ErrPolling)
	}
	s.axes[a].Channel = ch
	return nil
}
