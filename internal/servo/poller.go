package servo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/PanTilt/internal/debug"
	"github.com/cjeanneret/PanTilt/internal/hw/maestro"
)

// StartPolling launches the background sampling loop. It fails with
// ErrNotConnected when no device is open and ErrAlreadyPolling when a loop
// is already running. The loop stops when ctx is cancelled, StopPolling is
// called, or a device read fails; Wait returns the reason.
func (s *Session) StartPolling(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case !s.state.Connected:
		return fmt.Errorf("start polling: %w", ErrNotConnected)
	case s.state.Polling:
		return ErrAlreadyPolling
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.loopErr = nil
	s.state.Polling = true
	s.runID = uuid.New()
	s.tracker = movementTracker{}

	debug.Info("Polling %s every %v (run %s)", s.state.DeviceSerial, s.interval, s.runID)
	go s.pollLoop(ctx, cancel, done)
	return nil
}

// StopPolling requests the loop to stop after its current iteration.
// It does not wait; use Wait for that.
func (s *Session) StopPolling() {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the current (or last) polling loop has exited and
// returns the error that ended it, nil for a requested stop.
func (s *Session) Wait() error {
	s.waitLoop()
	return s.Err()
}

// Done is closed when the current polling loop exits. It is already closed
// when no loop has ever been started.
func (s *Session) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.done == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return s.done
}

// Err returns the error that ended the last polling loop.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loopErr
}

func (s *Session) waitLoop() {
	<-s.Done()
}

func (s *Session) pollLoop(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	var err error
	defer func() {
		cancel()
		s.mu.Lock()
		s.state.Polling = false
		s.loopErr = err
		s.mu.Unlock()
		close(done)
		if err != nil {
			debug.Error(fmt.Errorf("polling stopped: %w", err))
		} else {
			debug.Info("Polling stopped")
		}
	}()

	for {
		if err = s.sample(); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.interval):
		}
	}
}

// sample performs one tick: read, update actuals, classify, notify.
func (s *Session) sample() error {
	var st []maestro.ChannelStatus
	err := s.withDevice(func(d maestro.Device) error {
		var err error
		st, err = d.ReadAllChannels()
		return err
	})
	if err != nil {
		return fmt.Errorf("read all channels: %w", err)
	}

	s.mu.Lock()
	for i := range s.axes {
		a := &s.axes[i]
		if int(a.Channel) >= len(st) {
			s.mu.Unlock()
			return fmt.Errorf("%w: channel %d not reported (%d channels)", ErrIO, a.Channel, len(st))
		}
		c := st[a.Channel]
		a.ActualRaw, a.Speed, a.Accel = c.Position, c.Speed, c.Acceleration
		a.refreshDerived()
	}
	kind := Classify(s.axes[Pan], s.axes[Tilt], s.fuzzy)
	s.movement = kind
	s.tick++
	s.sampledAt = time.Now()
	edge, fired := s.tracker.update(kind)
	emit := fired && s.eventsEnabled
	snap := s.snapshotLocked()
	s.mu.Unlock()

	debug.Sample(snap.Tick, snap.Pan.ActualRaw, snap.Tilt.ActualRaw, kind.String())
	if emit {
		debug.Movement(edge.String(), kind.String())
		s.notifyMovement(MovementEvent{
			Edge:   edge,
			Kind:   kind,
			Pan:    snap.Pan,
			Tilt:   snap.Tilt,
			Serial: snap.State.DeviceSerial,
			RunID:  snap.RunID,
			Time:   snap.SampledAt,
		})
	}
	s.notifySample(snap)
	return nil
}
