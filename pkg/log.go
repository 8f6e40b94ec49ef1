package pkg

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Component identifies a subsystem for log filtering.
type Component string

// Host controller driver component identifiers.
const (
	ComponentHCD       Component = "hcd"
	ComponentScheduler Component = "scheduler"
	ComponentDoneQueue Component = "donequeue"
	ComponentRootHub   Component = "roothub"
	ComponentHAL       Component = "hal"
	ComponentSim       Component = "sim"
	ComponentCLI       Component = "cli"
)

// Components lists every component in a stable order.
var Components = []Component{
	ComponentHCD,
	ComponentScheduler,
	ComponentDoneQueue,
	ComponentRootHub,
	ComponentHAL,
	ComponentSim,
	ComponentCLI,
}

// LogFormat specifies the output format for logging.
type LogFormat int

// Log format options.
const (
	LogFormatText LogFormat = iota // Text format (default)
	LogFormatJSON                  // JSON format
)

// ParseLogFormat maps "text" or "json" to a LogFormat. The empty string
// is text.
func ParseLogFormat(name string) (LogFormat, bool) {
	switch name {
	case "", "text":
		return LogFormatText, true
	case "json":
		return LogFormatJSON, true
	default:
		return LogFormatText, false
	}
}

// The handler passes every record; levels are applied per component in
// logAt so that one component can log below the global level.
var (
	logMu     sync.RWMutex
	logger    *slog.Logger
	logOut    io.Writer = os.Stderr
	logFormat LogFormat
	logLevel  = slog.LevelWarn
	overrides = map[Component]slog.Level{}
)

func init() {
	logger = newHandlerLogger(logOut, logFormat)
}

func newHandlerLogger(w io.Writer, format LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	if format == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SetLogLevel sets the minimum level of components without an override.
func SetLogLevel(level slog.Level) {
	logMu.Lock()
	defer logMu.Unlock()
	logLevel = level
}

// GetLogLevel returns the global minimum level.
func GetLogLevel() slog.Level {
	logMu.RLock()
	defer logMu.RUnlock()
	return logLevel
}

// SetComponentLevel overrides the minimum level for one component.
func SetComponentLevel(c Component, level slog.Level) {
	logMu.Lock()
	defer logMu.Unlock()
	overrides[c] = level
}

// ResetComponentLevels drops every component override.
func ResetComponentLevels() {
	logMu.Lock()
	defer logMu.Unlock()
	clear(overrides)
}

// SetLogFormat rebuilds the logger in format, keeping its output.
func SetLogFormat(format LogFormat) {
	logMu.Lock()
	defer logMu.Unlock()
	logFormat = format
	logger = newHandlerLogger(logOut, format)
}

// SetLogOutput rebuilds the logger to write to w, keeping its format.
func SetLogOutput(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	logOut = w
	logger = newHandlerLogger(w, logFormat)
}

// SetLogger replaces the logger. Component levels still apply before the
// record reaches it.
func SetLogger(l *slog.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	logger = l
}

// Logger returns the current logger.
func Logger() *slog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

// ParseLogLevel maps a level name (debug, info, warn, error) to a slog.Level.
// Unknown names report false and leave the level at warn.
func ParseLogLevel(name string) (slog.Level, bool) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelWarn, false
	}
	return level, true
}

// ParseComponentLevel reads an override of the form component=level, for
// example scheduler=debug.
func ParseComponentLevel(s string) (Component, slog.Level, error) {
	name, lvl, ok := strings.Cut(s, "=")
	if !ok {
		return "", 0, fmt.Errorf("%w: component level %q: want component=level", ErrInvalidParameter, s)
	}
	c := Component(name)
	found := false
	for _, k := range Components {
		found = found || k == c
	}
	if !found {
		return "", 0, fmt.Errorf("%w: unknown log component %q", ErrInvalidParameter, name)
	}
	level, ok := ParseLogLevel(lvl)
	if !ok {
		return "", 0, fmt.Errorf("%w: log level %q", ErrInvalidParameter, lvl)
	}
	return c, level, nil
}

// Enabled reports whether c logs at level.
func Enabled(c Component, level slog.Level) bool {
	logMu.RLock()
	defer logMu.RUnlock()
	return enabled(c, level)
}

func enabled(c Component, level slog.Level) bool {
	floor, ok := overrides[c]
	if !ok {
		floor = logLevel
	}
	return level >= floor
}

func logAt(level slog.Level, c Component, msg string, args []any) {
	logMu.RLock()
	on := enabled(c, level)
	l := logger
	logMu.RUnlock()
	if !on {
		return
	}
	l.Log(context.Background(), level, msg, append([]any{"component", string(c)}, args...)...)
}

// LogDebug logs a debug message with the given component.
func LogDebug(component Component, msg string, args ...any) {
	logAt(slog.LevelDebug, component, msg, args)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	logAt(slog.LevelInfo, component, msg, args)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	logAt(slog.LevelWarn, component, msg, args)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	logAt(slog.LevelError, component, msg, args)
}
