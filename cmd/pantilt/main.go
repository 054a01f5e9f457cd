package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/PanTilt/internal/config"
	"github.com/cjeanneret/PanTilt/internal/debug"
	"github.com/cjeanneret/PanTilt/internal/hw/gpio"
	"github.com/cjeanneret/PanTilt/internal/hw/indicator"
	"github.com/cjeanneret/PanTilt/internal/hw/maestro"
	"github.com/cjeanneret/PanTilt/internal/logic/motion"
	"github.com/cjeanneret/PanTilt/internal/logic/sequence"
	"github.com/cjeanneret/PanTilt/internal/servo"
	"github.com/cjeanneret/PanTilt/internal/telemetry"
	"github.com/cjeanneret/PanTilt/internal/web"
)

// simSerial names the simulated controller when the config does not.
const simSerial = "00000000"

// overrides holds CLI values that replace config entries when set.
type overrides struct {
	Serial string
	PollMs int
}

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	serial := flag.String("serial", "", "connect to the controller with this serial number")
	pollMs := flag.Int("poll", 0, "override polling interval in ms (1-10000)")
	scan := flag.String("scan", "", "run a configured scan and exit: grid or tour")
	list := flag.Bool("list", false, "list connected controllers and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	if err := validateCLIOverrides(*pollMs, *scan); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, overrides{Serial: *serial, PollMs: *pollMs})

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	debug.Step(1, "Initializing servo controller")
	session := servo.NewSession(newController(cfg), cfg.SessionOptions())
	defer session.Close()

	if *list {
		if err := listDevices(os.Stdout, session); err != nil {
			log.Fatalf("list devices: %v", err)
		}
		return
	}

	debug.Value("Serial", orFirst(cfg.Controller.Serial))
	if err := session.Connect(cfg.Controller.Serial); err != nil {
		log.Fatalf("connect failed: %v", err)
	}
	if err := applyAxisRates(session, cfg); err != nil {
		log.Fatalf("configure axes failed: %v", err)
	}
	debug.PrintStruct("Pan axis", session.Axis(servo.Pan))
	debug.PrintStruct("Tilt axis", session.Axis(servo.Tilt))

	if cfg.Indicator.LEDPin > 0 {
		debug.Step(2, "Initializing motion indicator")
		led, closeLED, err := newIndicator(cfg)
		if err != nil {
			log.Fatalf("init indicator failed: %v", err)
		}
		defer closeLED()
		defer indicator.Attach(session, led)()
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	debug.Step(3, "Initializing telemetry")
	if mc, ok := cfg.MQTTSettings(); ok {
		pub, err := telemetry.NewMQTTPublisher(mc)
		if err != nil {
			log.Fatalf("init MQTT failed: %v", err)
		}
		defer pub.Attach(session)()
		g.Go(func() error { return pub.Run(gctx) })
	}
	if ic, ok := cfg.InfluxSettings(); ok {
		rec := telemetry.NewInfluxRecorder(ic)
		defer rec.Close()
		defer rec.Attach(session)()
	}

	if cfg.Polling.Autostart || *scan != "" {
		debug.Step(4, "Starting polling")
		if err := session.StartPolling(gctx); err != nil {
			log.Fatalf("start polling failed: %v", err)
		}
	}

	runner := sequence.NewRunner(motion.NewController(session, cfg.SettleTimeout()), cfg.ScanDwell())
	runScan := func(ctx context.Context, req web.RunRequest) error {
		return executeScan(ctx, session, runner, cfg, req)
	}

	switch {
	case webPort.port() > 0:
		webAddr := fmt.Sprintf(":%d", webPort.port())
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
		defer broadcaster.Attach(session)()

		srv := web.NewServer(webAddr, session, broadcaster, runScan)
		g.Go(func() error { return srv.Run(gctx) })

	case *scan != "":
		req, err := scanRequest(cfg, *scan)
		if err != nil {
			log.Fatalf("scan: %v", err)
		}
		g.Go(func() error {
			defer stop()
			return runScan(gctx, req)
		})

	case session.State().Polling:
		g.Go(func() error { return watchPolling(gctx, session) })

	default:
		debug.PrintStruct("Snapshot", session.Snapshot())
		stop()
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("%v", err)
	}
	debug.Section("Shutdown")
}

// newController selects the simulated or the USB serial controller.
func newController(cfg *config.Config) maestro.Controller {
	if cfg.Controller.Mock {
		return maestro.NewSimController(cfg.Controller.Channels, orDefault(cfg.Controller.Serial, simSerial))
	}
	return maestro.NewSerialController(cfg.SerialConfig())
}

// newIndicator opens the GPIO driver and the LED on it.
func newIndicator(cfg *config.Config) (*indicator.LED, func(), error) {
	debug.Value("Mock GPIO", cfg.Indicator.MockGPIO)
	drv, err := gpio.NewDriver(cfg.Indicator.MockGPIO)
	if err != nil {
		return nil, nil, err
	}
	led, err := indicator.NewLED(drv, cfg.Indicator.LEDPin, cfg.Indicator.ActiveLow)
	if err != nil {
		_ = drv.Close()
		return nil, nil, err
	}
	return led, func() {
		if err := led.Close(); err != nil {
			log.Printf("switching indicator off failed: %v", err)
		}
		if err := drv.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}, nil
}

// applyAxisRates writes the speed and acceleration set in config.
func applyAxisRates(s *servo.Session, cfg *config.Config) error {
	for _, ax := range []struct {
		axis servo.Axis
		cfg  config.AxisConfig
	}{{servo.Pan, cfg.Pan}, {servo.Tilt, cfg.Tilt}} {
		if ax.cfg.Speed != nil {
			if err := s.SetSpeed(ax.axis, *ax.cfg.Speed); err != nil {
				return err
			}
		}
		if ax.cfg.Accel != nil {
			if err := s.SetAccel(ax.axis, *ax.cfg.Accel); err != nil {
				return err
			}
		}
	}
	return nil
}

// watchPolling blocks until ctx ends or the polling loop dies.
func watchPolling(ctx context.Context, s *servo.Session) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.Done():
		return s.Err()
	}
}

// executeScan runs a grid or a tour, starting polling first when needed so
// every move can settle.
func executeScan(ctx context.Context, s *servo.Session, r *sequence.Runner, cfg *config.Config, req web.RunRequest) error {
	if err := s.StartPolling(ctx); err != nil && !errors.Is(err, servo.ErrAlreadyPolling) {
		return err
	}

	runner := *r
	if req.DwellMs > 0 {
		runner.Dwell = time.Duration(req.DwellMs) * time.Millisecond
	}

	start := time.Now()
	var err error
	switch req.Kind {
	case "grid":
		err = runner.RunGrid(ctx, *req.Grid)
	case "tour":
		err = runner.RunTour(ctx, req.Waypoints())
	default:
		err = fmt.Errorf("unknown scan kind %q", req.Kind)
	}
	if err != nil {
		return err
	}
	debug.Summary("Scan Summary")
	debug.Value("Kind", req.Kind)
	debug.Value("Duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// scanRequest builds a run request from the scan section of cfg.
func scanRequest(cfg *config.Config, kind string) (web.RunRequest, error) {
	req := web.RunRequest{Kind: kind, DwellMs: cfg.Scan.DwellMs}
	switch kind {
	case "grid":
		if cfg.Scan.Grid == nil {
			return req, fmt.Errorf("no scan.grid in config")
		}
		g := *cfg.Scan.Grid
		req.Grid = &g
	case "tour":
		if len(cfg.Scan.Tour) == 0 {
			return req, fmt.Errorf("no scan.tour in config")
		}
		for _, s := range cfg.Scan.Tour {
			req.Tour = append(req.Tour, web.Waypoint{Pan: s.Pan, Tilt: s.Tilt, DwellMs: s.DwellMs})
		}
	default:
		return req, fmt.Errorf("scan must be grid or tour, got %q", kind)
	}
	return req, req.Validate()
}

// listDevices prints one line per visible controller.
func listDevices(w io.Writer, s *servo.Session) error {
	devs, err := s.Devices()
	if err != nil {
		return err
	}
	if len(devs) == 0 {
		fmt.Fprintln(w, "no Maestro controller found (check lsusb)")
		return nil
	}
	for _, d := range devs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d channels\n", d.Serial, d.Port, d.Model, d.Channels)
	}
	return nil
}

// validateCLIOverrides checks that non-zero CLI overrides are within valid ranges.
// Zero values are ignored (they mean "use config default").
func validateCLIOverrides(pollMs int, scan string) error {
	if pollMs != 0 && (pollMs < 1 || pollMs > 10000) {
		return fmt.Errorf("poll must be between 1 and 10000 ms, got %d", pollMs)
	}
	switch scan {
	case "", "grid", "tour":
	default:
		return fmt.Errorf("scan must be grid or tour, got %q", scan)
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only non-zero override values are applied.
func applyOverrides(cfg *config.Config, o overrides) {
	if o.Serial != "" {
		cfg.Controller.Serial = o.Serial
	}
	if o.PollMs > 0 {
		cfg.Polling.IntervalMs = o.PollMs
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orFirst(serial string) string {
	return orDefault(serial, "(first found)")
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
