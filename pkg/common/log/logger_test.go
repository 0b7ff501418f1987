package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestStandardLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := NewStandardLogger(
		WithOutput(&buf),
		WithLevel(LevelDebug),
	)

	levels := []struct {
		tag string
		fn  func(string, ...interface{})
	}{
		{"[DEBUG]", logger.Debug},
		{"[INFO]", logger.Info},
		{"[WARN]", logger.Warn},
		{"[ERROR]", logger.Error},
	}
	for _, lv := range levels {
		lv.fn("message at %s", lv.tag)
		out := buf.String()
		if !strings.Contains(out, lv.tag) || !strings.Contains(out, "message at "+lv.tag) {
			t.Errorf("logging at %s failed, got: %s", lv.tag, out)
		}
		buf.Reset()
	}

	// Fields render sorted by key
	logger.WithFields(map[string]interface{}{
		"path":      "/data/files",
		"component": "blockstore",
	}).Info("opened")
	output := buf.String()
	if !strings.Contains(output, "component=blockstore path=/data/files opened") {
		t.Errorf("fields not rendered in order, got: %s", output)
	}
	buf.Reset()

	// Level filtering
	logger.SetLevel(LevelError)
	logger.Debug("should not appear")
	logger.Info("should not appear")
	logger.Warn("should not appear")
	logger.Error("should appear")
	output = buf.String()
	if strings.Contains(output, "should not appear") || !strings.Contains(output, "should appear") {
		t.Errorf("level filtering failed, got: %s", output)
	}
	buf.Reset()

	if logger.GetLevel() != LevelError {
		t.Errorf("expected LevelError, got %v", logger.GetLevel())
	}
}

func TestDerivedLoggerSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	parent := NewStandardLogger(WithOutput(&buf), WithLevel(LevelInfo))
	child := parent.WithField("component", "keyindex")

	parent.SetLevel(LevelDebug)
	child.Debug("visible")
	if !strings.Contains(buf.String(), "component=keyindex visible") {
		t.Errorf("derived logger did not follow parent level, got: %s", buf.String())
	}
}

func TestFatalCallsExit(t *testing.T) {
	var buf bytes.Buffer
	exitCode := -1
	logger := NewStandardLogger(
		WithOutput(&buf),
		WithExitFunc(func(code int) { exitCode = code }),
	)

	logger.Fatal("cannot load superblock")

	if exitCode != 1 {
		t.Errorf("expected exit code 1, got %d", exitCode)
	}
	if !strings.Contains(buf.String(), "[FATAL] cannot load superblock") {
		t.Errorf("fatal message missing, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"Error", LevelError, false},
		{"fatal", LevelFatal, false},
		{"verbose", LevelInfo, true},
	}

	for _, tc := range tests {
		got, err := ParseLevel(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestDefaultLogger(t *testing.T) {
	original := GetDefaultLogger()
	defer SetDefaultLogger(original)

	var buf bytes.Buffer
	SetDefaultLogger(NewStandardLogger(WithOutput(&buf), WithLevel(LevelInfo)))

	Info("global info message")
	if !strings.Contains(buf.String(), "[INFO] global info message") {
		t.Errorf("global info logging failed, got: %s", buf.String())
	}
	buf.Reset()

	Component("storage").Warn("checksum mismatch for %s", "msg-1")
	if !strings.Contains(buf.String(), "component=storage checksum mismatch for msg-1") {
		t.Errorf("component logger failed, got: %s", buf.String())
	}
}
