package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) LogEntry {
	t.Helper()
	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, buf.String())
	}
	return entry
}

func TestLogger_LevelGate(t *testing.T) {
	tests := []struct {
		name    string
		min     LogLevel
		emit    func(*Logger)
		written bool
	}{
		{"debug dropped at info", InfoLevel, func(l *Logger) { l.Debug("x") }, false},
		{"info passes at info", InfoLevel, func(l *Logger) { l.Info("x") }, true},
		{"warn passes at info", InfoLevel, func(l *Logger) { l.Warn("x") }, true},
		{"info dropped at error", ErrorLevel, func(l *Logger) { l.Infof("%d", 42) }, false},
		{"error passes at error", ErrorLevel, func(l *Logger) { l.Errorf("%d", 42) }, true},
		{"debug passes at debug", DebugLevel, func(l *Logger) { l.Debugf("%d", 42) }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.emit(NewLogger(tt.min, &buf))
			if got := buf.Len() > 0; got != tt.written {
				t.Errorf("written = %v, want %v (output %q)", got, tt.written, buf.String())
			}
		})
	}
}

func TestLogger_EntryShape(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(InfoLevel, &buf).WithField("crate", "serde").Warnf("yank %s", "1.0.1")

	entry := decodeEntry(t, &buf)
	if entry.Level != "WARN" {
		t.Errorf("Level = %q", entry.Level)
	}
	if entry.Message != "yank 1.0.1" {
		t.Errorf("Message = %q", entry.Message)
	}
	if entry.Fields["crate"] != "serde" {
		t.Errorf("Fields = %v", entry.Fields)
	}
	if entry.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
	if !strings.HasSuffix(buf.String(), "\n") {
		t.Error("line not newline-terminated")
	}
}

func TestLogger_WellKnownFieldsPromoted(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(InfoLevel, &buf).
		WithField("request_id", "req-1").
		WithField("user_id", "alice").
		WithError(errors.New("index down")).
		Error("publish failed")

	entry := decodeEntry(t, &buf)
	if entry.RequestID != "req-1" || entry.UserID != "alice" || entry.Error != "index down" {
		t.Errorf("entry = %+v, want promoted request/user/error slots", entry)
	}
	// Promoted keys must not also appear under fields.
	for _, k := range []string{"request_id", "user_id", "error"} {
		if _, ok := entry.Fields[k]; ok {
			t.Errorf("%s duplicated in Fields", k)
		}
	}
}

func TestLogger_CopyOnWrite(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(InfoLevel, &buf)
	child := parent.WithFields(map[string]interface{}{"crate": "foo", "version": "1.0.0"})

	child.Info("child line")
	buf.Reset()
	parent.Info("parent line")

	entry := decodeEntry(t, &buf)
	if len(entry.Fields) != 0 {
		t.Errorf("parent inherited child fields: %v", entry.Fields)
	}
	if child == parent {
		t.Error("WithFields returned the receiver")
	}
}

func TestLogger_WithErrorNil(t *testing.T) {
	l := NewLogger(InfoLevel, &bytes.Buffer{})
	if l.WithError(nil) != l {
		t.Error("WithError(nil) should return the receiver unchanged")
	}
}

func TestLogger_UnmarshalableFieldFallsBack(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(InfoLevel, &buf).WithField("bad", func() {}).Info("still logged")

	out := buf.String()
	if out == "" {
		t.Fatal("line swallowed on marshal failure")
	}
	if !strings.Contains(out, "still logged") || !strings.Contains(out, "INFO") {
		t.Errorf("fallback line = %q", out)
	}
}

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  string
	}{
		{DebugLevel, "DEBUG"},
		{InfoLevel, "INFO"},
		{WarnLevel, "WARN"},
		{ErrorLevel, "ERROR"},
		{LogLevel(9), "LEVEL(9)"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("String(%d) = %q, want %q", int(tt.level), got, tt.want)
		}
	}
}

func TestContextPlumbing(t *testing.T) {
	ctx := context.Background()
	if GetRequestID(ctx) != "" || GetUserID(ctx) != "" {
		t.Error("empty context should carry no identity")
	}

	ctx = WithRequestID(ctx, "req-7")
	ctx = WithUserID(ctx, "alice")
	if GetRequestID(ctx) != "req-7" || GetUserID(ctx) != "alice" {
		t.Errorf("round-trip = %q/%q", GetRequestID(ctx), GetUserID(ctx))
	}

	var buf bytes.Buffer
	ctx = WithLogger(ctx, NewLogger(InfoLevel, &buf))
	FromContext(ctx).Info("correlated")

	entry := decodeEntry(t, &buf)
	if entry.RequestID != "req-7" || entry.UserID != "alice" {
		t.Errorf("FromContext entry = %+v", entry)
	}
}

func TestGetLogger_DefaultIsUsable(t *testing.T) {
	// A context without a logger still yields one; it must not panic.
	GetLogger(context.Background()).Debug("dropped at default level")
}
