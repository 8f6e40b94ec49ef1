package pkg

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

// captureLogs sends logs to a buffer for the duration of the test.
func captureLogs(t *testing.T, format LogFormat) *bytes.Buffer {
	t.Helper()
	level := GetLogLevel()
	var buf bytes.Buffer
	SetLogOutput(&buf)
	SetLogFormat(format)
	t.Cleanup(func() {
		SetLogLevel(level)
		ResetComponentLevels()
		SetLogFormat(LogFormatText)
		SetLogOutput(logOutDefault)
	})
	return &buf
}

var logOutDefault = logOut

// =============================================================================
// Level Tests
// =============================================================================

func TestSetLogLevel(t *testing.T) {
	original := GetLogLevel()
	defer SetLogLevel(original)

	tests := []struct {
		name  string
		level slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLogLevel(tt.level)
			if got := GetLogLevel(); got != tt.level {
				t.Errorf("GetLogLevel() = %v, want %v", got, tt.level)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name   string
		want   slog.Level
		wantOK bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{"warn", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"chatty", slog.LevelWarn, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseLogLevel(tt.name)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ParseLogLevel(%q) = %v, %v; want %v, %v", tt.name, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestParseLogFormat(t *testing.T) {
	for name, want := range map[string]LogFormat{"": LogFormatText, "text": LogFormatText, "json": LogFormatJSON} {
		if got, ok := ParseLogFormat(name); !ok || got != want {
			t.Errorf("ParseLogFormat(%q) = %v, %v", name, got, ok)
		}
	}
	if _, ok := ParseLogFormat("xml"); ok {
		t.Error("ParseLogFormat(xml) accepted")
	}
}

// =============================================================================
// Component Tests
// =============================================================================

func TestParseComponentLevel(t *testing.T) {
	tests := []struct {
		in    string
		c     Component
		level slog.Level
		ok    bool
	}{
		{"scheduler=debug", ComponentScheduler, slog.LevelDebug, true},
		{"donequeue=ERROR", ComponentDoneQueue, slog.LevelError, true},
		{"scheduler", "", 0, false},
		{"disk=debug", "", 0, false},
		{"hcd=loud", "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			c, level, err := ParseComponentLevel(tt.in)
			if !tt.ok {
				if !errors.Is(err, ErrInvalidParameter) {
					t.Errorf("ParseComponentLevel(%q) error = %v, want ErrInvalidParameter", tt.in, err)
				}
				return
			}
			if err != nil || c != tt.c || level != tt.level {
				t.Errorf("ParseComponentLevel(%q) = %s, %v, %v", tt.in, c, level, err)
			}
		})
	}
}

func TestComponentLevel(t *testing.T) {
	buf := captureLogs(t, LogFormatText)
	SetLogLevel(slog.LevelWarn)
	SetComponentLevel(ComponentScheduler, slog.LevelDebug)
	SetComponentLevel(ComponentHAL, slog.LevelError)

	LogDebug(ComponentScheduler, "placed")
	LogDebug(ComponentHCD, "queued")
	LogWarn(ComponentHAL, "slow")
	LogError(ComponentHAL, "broken")

	out := buf.String()
	for _, want := range []string{"msg=placed", "component=scheduler", "msg=broken"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
	for _, unwanted := range []string{"queued", "slow"} {
		if strings.Contains(out, unwanted) {
			t.Errorf("log output contains %q:\n%s", unwanted, out)
		}
	}

	if !Enabled(ComponentScheduler, slog.LevelDebug) || Enabled(ComponentHCD, slog.LevelInfo) {
		t.Error("Enabled() disagrees with the configured levels")
	}
	ResetComponentLevels()
	if Enabled(ComponentScheduler, slog.LevelDebug) {
		t.Error("override survived ResetComponentLevels()")
	}
}

// =============================================================================
// Output Tests
// =============================================================================

func TestLogLevels(t *testing.T) {
	tests := []struct {
		name string
		log  func(Component, string, ...any)
		want string
	}{
		{"debug", LogDebug, "level=DEBUG"},
		{"info", LogInfo, "level=INFO"},
		{"warn", LogWarn, "level=WARN"},
		{"error", LogError, "level=ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t, LogFormatText)
			SetLogLevel(slog.LevelDebug)

			tt.log(ComponentRootHub, "port changed", "port", 2)
			out := buf.String()
			for _, want := range []string{tt.want, "msg=\"port changed\"", "component=roothub", "port=2"} {
				if !strings.Contains(out, want) {
					t.Errorf("log output missing %q: %s", want, out)
				}
			}
		})
	}
}

func TestSetLogFormat_JSON(t *testing.T) {
	buf := captureLogs(t, LogFormatJSON)

	LogError(ComponentDoneQueue, "fault", "kind", "td-not-found")
	out := buf.String()
	for _, want := range []string{`"msg":"fault"`, `"component":"donequeue"`, `"kind":"td-not-found"`} {
		if !strings.Contains(out, want) {
			t.Errorf("JSON output missing %s: %s", want, out)
		}
	}
}

func TestSetLogger(t *testing.T) {
	captureLogs(t, LogFormatText)
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	LogWarn(ComponentSim, "custom logger test")
	LogDebug(ComponentSim, "filtered before the handler")
	if !strings.Contains(buf.String(), "custom logger test") {
		t.Error("custom logger not used")
	}
	if strings.Contains(buf.String(), "filtered") {
		t.Error("debug record reached the custom logger at warn level")
	}
}
