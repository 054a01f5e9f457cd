package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cjeanneret/PanTilt/internal/debug"
	"github.com/cjeanneret/PanTilt/internal/logic/sequence"
	"github.com/cjeanneret/PanTilt/internal/servo"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// minRunInterval is the minimum delay between two accepted POST /run.
const minRunInterval = 5 * time.Second

// RunRequest selects a scan for POST /run. Kind is "grid" or "tour".
type RunRequest struct {
	Kind    string               `json:"kind"`
	Grid    *sequence.GridParams `json:"grid,omitempty"`
	Tour    []Waypoint           `json:"tour,omitempty"`
	DwellMs int                  `json:"dwell_ms"`
}

// Waypoint is a tour stop in a RunRequest.
type Waypoint struct {
	Pan     int `json:"pan"`
	Tilt    int `json:"tilt"`
	DwellMs int `json:"dwell_ms"`
}

// Validate checks the request shape and ranges.
func (r RunRequest) Validate() error {
	if r.DwellMs < 0 || r.DwellMs > 60000 {
		return fmt.Errorf("dwell_ms must be between 0 and 60000")
	}
	switch r.Kind {
	case "grid":
		if r.Grid == nil {
			return fmt.Errorf("grid parameters are required")
		}
		if r.Grid.Columns*r.Grid.Rows > 10000 {
			return fmt.Errorf("grid is limited to 10000 points")
		}
		return r.Grid.Validate()
	case "tour":
		if len(r.Tour) == 0 {
			return fmt.Errorf("tour needs at least one waypoint")
		}
		for i, w := range r.Tour {
			if w.Pan < 0 || w.Pan > 100 || w.Tilt < 0 || w.Tilt > 100 {
				return fmt.Errorf("tour[%d]: pan and tilt must be in 0..100", i)
			}
			if w.DwellMs < 0 || w.DwellMs > 60000 {
				return fmt.Errorf("tour[%d]: dwell_ms must be between 0 and 60000", i)
			}
		}
		return nil
	}
	return fmt.Errorf("kind must be \"grid\" or \"tour\", got %q", r.Kind)
}

// Waypoints converts the tour stops.
func (r RunRequest) Waypoints() []sequence.Waypoint {
	out := make([]sequence.Waypoint, 0, len(r.Tour))
	for _, w := range r.Tour {
		out = append(out, sequence.Waypoint{Pan: w.Pan, Tilt: w.Tilt, Dwell: time.Duration(w.DwellMs) * time.Millisecond})
	}
	return out
}

// RunScanFunc runs a scan. It is called from the POST /run handler in a goroutine.
type RunScanFunc func(ctx context.Context, req RunRequest) error

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Session     *servo.Session
	Broadcaster *StatusBroadcaster
	RunScan     RunScanFunc

	// ctx outlives single requests: polling loops and scans started over
	// HTTP run under it.
	ctx context.Context

	runningMu sync.Mutex
	running   bool
	lastRun   time.Time
}

// NewHandlers creates handlers with the given dependencies.
// If runScan is nil, POST /run will return 503 Service Unavailable.
func NewHandlers(s *servo.Session, broadcaster *StatusBroadcaster, runScan RunScanFunc) *Handlers {
	return &Handlers{
		Session:     s,
		Broadcaster: broadcaster,
		RunScan:     runScan,
		ctx:         context.Background(),
	}
}

// statusFor maps session errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, servo.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, servo.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, servo.ErrNotConnected),
		errors.Is(err, servo.ErrAlreadyPolling),
		errors.Is(err, servo.ErrNotPolling),
		errors.Is(err, servo.ErrPolling):
		return http.StatusConflict
	case errors.Is(err, servo.ErrIO), errors.Is(err, servo.ErrConnection):
		return http.StatusBadGateway
	case errors.Is(err, servo.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debug.Error(fmt.Errorf("web: encode response: %w", err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// decode reads a JSON body of at most maxBodyBytes into v.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// HandleStatus returns the current snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Session.Snapshot())
}

// HandleDevices lists the controllers that can be connected to.
func (h *Handlers) HandleDevices(w http.ResponseWriter, r *http.Request) {
	devs, err := h.Session.Devices()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devs)
}

type connectRequest struct {
	Serial string `json:"serial"`
}

// HandleConnect connects to the device with the given serial ("" = first found).
func (h *Handlers) HandleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	if err := h.Session.Connect(req.Serial); err != nil {
		writeError(w, err)
		return
	}
	h.Broadcaster.Broadcast("info", "Connected to "+h.Session.State().DeviceSerial)
	writeJSON(w, http.StatusOK, h.Session.State())
}

// HandleDisconnect stops polling and releases the device.
func (h *Handlers) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	h.Session.Disconnect()
	h.Broadcaster.Broadcast("info", "Disconnected")
	writeJSON(w, http.StatusOK, h.Session.State())
}

type goalRequest struct {
	Axis    string  `json:"axis"`
	Raw     *uint16 `json:"raw,omitempty"`
	Percent *int    `json:"percent,omitempty"`
}

// HandleGoal sets a goal in raw units or percent (exactly one of them).
func (h *Handlers) HandleGoal(w http.ResponseWriter, r *http.Request) {
	var req goalRequest
	if !decode(w, r, &req) {
		return
	}
	axis, err := servo.ParseAxis(req.Axis)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch {
	case req.Raw != nil && req.Percent == nil:
		err = h.Session.SetGoalRaw(axis, *req.Raw)
	case req.Percent != nil && req.Raw == nil:
		err = h.Session.SetGoalPercent(axis, *req.Percent)
	default:
		http.Error(w, "exactly one of raw or percent is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Session.Axis(axis))
}

type rateRequest struct {
	Axis  string  `json:"axis"`
	Value *uint16 `json:"value"`
}

func (h *Handlers) handleRate(w http.ResponseWriter, r *http.Request, set func(servo.Axis, uint16) error) {
	var req rateRequest
	if !decode(w, r, &req) {
		return
	}
	axis, err := servo.ParseAxis(req.Axis)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Value == nil {
		http.Error(w, "value is required", http.StatusBadRequest)
		return
	}
	if err := set(axis, *req.Value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Session.Axis(axis))
}

// HandleSpeed sets the speed limit of an axis.
func (h *Handlers) HandleSpeed(w http.ResponseWriter, r *http.Request) {
	h.handleRate(w, r, h.Session.SetSpeed)
}

// HandleAccel sets the acceleration limit of an axis.
func (h *Handlers) HandleAccel(w http.ResponseWriter, r *http.Request) {
	h.handleRate(w, r, h.Session.SetAccel)
}

// HandlePollingStart starts the sampling loop under the server context.
func (h *Handlers) HandlePollingStart(w http.ResponseWriter, r *http.Request) {
	if err := h.Session.StartPolling(h.ctx); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Session.State())
}

// HandlePollingStop stops the sampling loop and waits for it to exit.
func (h *Handlers) HandlePollingStop(w http.ResponseWriter, r *http.Request) {
	h.Session.StopPolling()
	if err := h.Session.Wait(); err != nil {
		debug.Verbose("Polling had ended with: %v", err)
	}
	writeJSON(w, http.StatusOK, h.Session.State())
}

type eventsRequest struct {
	Enabled bool `json:"enabled"`
}

// HandleEvents turns movement notifications on or off.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	var req eventsRequest
	if !decode(w, r, &req) {
		return
	}
	h.Session.SetEventsEnabled(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"events_enabled": h.Session.EventsEnabled()})
}

// HandleRun handles POST /run to start a scan.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RunRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.RunScan == nil {
		http.Error(w, "scan not configured", http.StatusServiceUnavailable)
		return
	}

	h.runningMu.Lock()
	if h.running {
		h.runningMu.Unlock()
		http.Error(w, "scan already in progress", http.StatusConflict)
		return
	}
	if !h.lastRun.IsZero() && time.Since(h.lastRun) < minRunInterval {
		h.runningMu.Unlock()
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	h.running = true
	h.lastRun = time.Now()
	h.runningMu.Unlock()

	// Run in goroutine; clear running when done
	go func() {
		defer func() {
			h.runningMu.Lock()
			h.running = false
			h.runningMu.Unlock()
		}()

		if err := h.RunScan(h.ctx, req); err != nil {
			h.Broadcaster.Broadcast("error", "Scan failed: "+err.Error())
			debug.Error(fmt.Errorf("scan failed: %w", err))
		} else {
			h.Broadcaster.Broadcast("info", "Sequence complete")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
