package debug

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (connection, polling start/stop)
	LevelLive    = 2 // Live info (goals, movement start/end)
	LevelVerbose = 3 // Verbose (config details, per-tick classification)
	LevelTrace   = 4 // Trace (device I/O, GPIO, very low level)
)

var (
	mu     sync.RWMutex
	level  int
	logger *log.Logger
	out    io.Writer = os.Stdout
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (device connected, polling state)
// 2 = live info (goals, movement events)
// 3 = verbose (config, classification per tick)
// 4 = trace (serial bytes, GPIO)
func Init(debugLevel int) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	if level > LevelOff {
		logger = log.New(out, "[PanTilt] ", log.LstdFlags|log.Lmicroseconds)
	} else {
		logger = nil
	}
}

// SetOutput redirects debug output (e.g. to also feed the web status stream).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	if logger != nil {
		logger.SetOutput(w)
	}
}

// Level returns the current debug level.
func Level() int {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return Level() >= minLevel
}

func logf(minLevel int, format string, args ...interface{}) {
	mu.RLock()
	l, lv := logger, level
	mu.RUnlock()
	if lv >= minLevel && l != nil {
		l.Printf(format, args...)
	}
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	logf(LevelInfo, "[INFO] "+format, args...)
}

// Summary prints an important summary (level 1).
func Summary(title string) {
	logf(LevelInfo, "═══════════════════════════════════════")
	logf(LevelInfo, "  %s", title)
	logf(LevelInfo, "═══════════════════════════════════════")
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	logf(LevelInfo, "[INFO]   %s = %v", name, value)
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	logf(LevelLive, "[LIVE] "+format, args...)
}

// Goal prints a goal command sent to an axis (level 2).
func Goal(axis string, raw uint16, percent int) {
	logf(LevelLive, "[LIVE] Goal %s: raw=%d (%d%%)", axis, raw, percent)
}

// Movement prints a movement edge (level 2).
func Movement(edge, kind string) {
	logf(LevelLive, "[LIVE] Movement %s: %s", edge, kind)
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	logf(LevelVerbose, "[VERBOSE] "+format, args...)
}

// Printf is an alias for Verbose.
func Printf(format string, args ...interface{}) {
	Verbose(format, args...)
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	logf(LevelVerbose, "[VERBOSE] %s: %+v", name, v)
}

// Section prints a section separator (level 3).
func Section(name string) {
	logf(LevelVerbose, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	logf(LevelVerbose, "  %s", name)
	logf(LevelVerbose, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	logf(LevelVerbose, "[VERBOSE] Step %d: %s", num, description)
}

// Sample prints one polling tick (level 3).
func Sample(tick uint64, panRaw, tiltRaw uint16, kind string) {
	logf(LevelVerbose, "[VERBOSE] Tick %d: pan=%d tilt=%d moving=%s", tick, panRaw, tiltRaw, kind)
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace).
func Trace(format string, args ...interface{}) {
	logf(LevelTrace, "[TRACE] "+format, args...)
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	logf(LevelTrace, "[GPIO] %s pin=%d value=%v", operation, pin, value)
}

// Serial prints bytes exchanged with the controller (level 4).
func Serial(direction string, b []byte) {
	logf(LevelTrace, "[SERIAL] %s % x", direction, b)
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	logf(LevelInfo, "[ERROR] %v", err)
}

// Fmt returns a formatted string only if debug is enabled
// (to avoid unnecessary allocations).
func Fmt(format string, args ...interface{}) string {
	if Level() > 0 {
		return fmt.Sprintf(format, args...)
	}
	return ""
}
