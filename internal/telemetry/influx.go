package telemetry

import (
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"

	"github.com/cjeanneret/PanTilt/internal/debug"
	"github.com/cjeanneret/PanTilt/internal/servo"
)

// Measurement names.
const (
	MeasurementSample   = "pantilt.sample"
	MeasurementMovement = "pantilt.movement"
)

// InfluxConfig holds the InfluxDB 2 connection settings.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

type pointFunc func(name string, tags map[string]string, fields map[string]interface{}, ts time.Time)

// Recorder writes every polling sample as a point. Writes are asynchronous:
// the client batches them and reports failures on its error channel.
type Recorder struct {
	write pointFunc
	flush func()
	close func()
}

// NewInfluxRecorder creates the client and its non-blocking write API.
func NewInfluxRecorder(cfg InfluxConfig) *Recorder {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	writeApi := client.WriteApi(cfg.Org, cfg.Bucket)
	go logWriteErrors(writeApi)
	debug.Info("Recording samples to InfluxDB %s (bucket %s)", cfg.URL, cfg.Bucket)

	return &Recorder{
		write: func(name string, tags map[string]string, fields map[string]interface{}, ts time.Time) {
			writeApi.WritePoint(influxdb2.NewPoint(name, tags, fields, ts))
		},
		flush: writeApi.Flush,
		close: func() {
			writeApi.Close()
			client.Close()
		},
	}
}

func logWriteErrors(w api.WriteApi) {
	for err := range w.Errors() {
		debug.Error(fmt.Errorf("influx write: %w", err))
	}
}

// Attach records samples and movement edges of s until detached.
func (r *Recorder) Attach(s *servo.Session) (detach func()) {
	offSample := s.OnSample(func(snap servo.Snapshot) {
		tags, fields := sampleFields(snap)
		r.write(MeasurementSample, tags, fields, snap.SampledAt)
	})
	offMove := s.OnMovement(func(ev servo.MovementEvent) {
		tags, fields := movementFields(ev)
		r.write(MeasurementMovement, tags, fields, ev.Time)
	})
	return func() {
		offSample()
		offMove()
	}
}

// Flush forces pending points out.
func (r *Recorder) Flush() {
	if r.flush != nil {
		r.flush()
	}
}

// Close flushes and releases the client.
func (r *Recorder) Close() {
	if r.close != nil {
		r.close()
	}
}

func sampleFields(snap servo.Snapshot) (map[string]string, map[string]interface{}) {
	tags := map[string]string{
		"serial": snap.State.DeviceSerial,
		"run":    snap.RunID.String(),
	}
	fields := map[string]interface{}{
		"tick":     int64(snap.Tick),
		"movement": snap.Movement.String(),
	}
	axisFields(fields, "pan", snap.Pan)
	axisFields(fields, "tilt", snap.Tilt)
	return tags, fields
}

func movementFields(ev servo.MovementEvent) (map[string]string, map[string]interface{}) {
	tags := map[string]string{
		"serial": ev.Serial,
		"run":    ev.RunID.String(),
		"edge":   ev.Edge.String(),
	}
	fields := map[string]interface{}{
		"kind": ev.Kind.String(),
	}
	axisFields(fields, "pan", ev.Pan)
	axisFields(fields, "tilt", ev.Tilt)
	return tags, fields
}

func axisFields(fields map[string]interface{}, prefix string, a servo.AxisState) {
	fields[prefix+".goal_raw"] = int64(a.GoalRaw)
	fields[prefix+".actual_raw"] = int64(a.ActualRaw)
	fields[prefix+".actual_percent"] = int64(a.ActualPercent)
	fields[prefix+".speed"] = int64(a.Speed)
	fields[prefix+".accel"] = int64(a.Accel)
}
