package web

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/PanTilt/internal/debug"
	"github.com/cjeanneret/PanTilt/internal/servo"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Command is a websocket request. Command is one of "goal", "speed",
// "accel", "start_polling", "stop_polling", "events".
type Command struct {
	Command string  `json:"command"`
	Axis    string  `json:"axis"`
	Raw     *uint16 `json:"raw,omitempty"`
	Percent *int    `json:"percent,omitempty"`
	Value   uint16  `json:"value"`
	Enabled bool    `json:"enabled"`
}

// Reply answers a Command.
type Reply struct {
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// exec runs one websocket command against the session.
func (h *Handlers) exec(cmd Command) error {
	axis := servo.Pan
	switch cmd.Command {
	case "goal", "speed", "accel":
		a, err := servo.ParseAxis(cmd.Axis)
		if err != nil {
			return err
		}
		axis = a
	}
	switch cmd.Command {
	case "goal":
		switch {
		case cmd.Raw != nil && cmd.Percent == nil:
			return h.Session.SetGoalRaw(axis, *cmd.Raw)
		case cmd.Percent != nil && cmd.Raw == nil:
			return h.Session.SetGoalPercent(axis, *cmd.Percent)
		}
		return fmt.Errorf("goal needs exactly one of raw or percent")
	case "speed":
		return h.Session.SetSpeed(axis, cmd.Value)
	case "accel":
		return h.Session.SetAccel(axis, cmd.Value)
	case "start_polling":
		return h.Session.StartPolling(h.ctx)
	case "stop_polling":
		h.Session.StopPolling()
		return nil
	case "events":
		h.Session.SetEventsEnabled(cmd.Enabled)
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd.Command)
}

// HandleWebSocket streams a snapshot after every polling tick and accepts
// JSON commands. Snapshots a slow client cannot take are skipped.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Error(fmt.Errorf("websocket upgrade: %w", err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	snapshots := make(chan servo.Snapshot, 1)
	unsubscribe := h.Session.OnSample(func(snap servo.Snapshot) {
		select {
		case snapshots <- snap:
		default:
		}
	})
	defer unsubscribe()

	replies := make(chan Reply, 8)

	// Read and process incoming messages
	go func() {
		defer cancel()
		for {
			var cmd Command
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			reply := Reply{Command: cmd.Command, OK: true}
			if err := h.exec(cmd); err != nil {
				reply.OK, reply.Error = false, err.Error()
			}
			select {
			case replies <- reply:
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := conn.WriteJSON(h.Session.Snapshot()); err != nil {
		return
	}
	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case snap := <-snapshots:
			err = conn.WriteJSON(snap)
		case reply := <-replies:
			err = conn.WriteJSON(reply)
		}
		if err != nil {
			debug.Verbose("websocket client gone: %v", err)
			return
		}
	}
}
