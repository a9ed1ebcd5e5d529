package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// LogLevel orders log severities; messages below a logger's level are
// dropped before serialization.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l LogLevel) String() string {
	if l < DebugLevel || l > ErrorLevel {
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
	return levelNames[l]
}

// Logger emits one JSON object per line. Loggers are immutable: the With*
// methods return copies, so a request-scoped logger can be derived from the
// process logger without synchronization.
type Logger struct {
	level  LogLevel
	out    io.Writer
	fields map[string]interface{}
}

// NewLogger builds a logger writing to out (stdout when nil) at the given
// minimum level.
func NewLogger(level LogLevel, out io.Writer) *Logger {
	if out == nil {
		out = os.Stdout
	}
	return &Logger{level: level, out: out, fields: map[string]interface{}{}}
}

// LogEntry is the wire shape of one log line. The identifiers every
// registry operation carries (request id, acting user, error) get their own
// slots; everything else rides in Fields.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// clone copies the logger with room for n additional fields.
func (l *Logger) clone(n int) *Logger {
	c := &Logger{
		level:  l.level,
		out:    l.out,
		fields: make(map[string]interface{}, len(l.fields)+n),
	}
	for k, v := range l.fields {
		c.fields[k] = v
	}
	return c
}

// WithField returns a copy of the logger carrying key=value on every line.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	c := l.clone(1)
	c.fields[key] = value
	return c
}

// WithFields returns a copy carrying all of fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	c := l.clone(len(fields))
	for k, v := range fields {
		c.fields[k] = v
	}
	return c
}

// WithError attaches err under the dedicated error slot; a nil err returns
// the logger unchanged.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

func (l *Logger) Debug(message string) { l.log(DebugLevel, message) }

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DebugLevel, fmt.Sprintf(format, args...))
}

func (l *Logger) Info(message string) { l.log(InfoLevel, message) }

func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(InfoLevel, fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(message string) { l.log(WarnLevel, message) }

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WarnLevel, fmt.Sprintf(format, args...))
}

func (l *Logger) Error(message string) { l.log(ErrorLevel, message) }

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ErrorLevel, fmt.Sprintf(format, args...))
}

func (l *Logger) log(level LogLevel, message string) {
	if level < l.level {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level.String(),
		Message:   message,
	}
	for k, v := range l.fields {
		switch k {
		case "request_id":
			entry.RequestID, _ = v.(string)
		case "user_id":
			entry.UserID, _ = v.(string)
		case "error":
			entry.Error, _ = v.(string)
		default:
			if entry.Fields == nil {
				entry.Fields = make(map[string]interface{}, len(l.fields))
			}
			entry.Fields[k] = v
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		// A field that refuses to marshal must not swallow the line.
		fmt.Fprintf(l.out, "[%s] %s: %s\n", entry.Timestamp.Format(time.RFC3339), entry.Level, message)
		return
	}
	data = append(data, '\n')
	l.out.Write(data)
}

// ctxKey keys the values this package stashes in request contexts.
type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyUserID
	ctxKeyLogger
)

// WithRequestID stores the request correlation id in ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, requestID)
}

// GetRequestID returns the correlation id, or "" when none was set.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// WithUserID stores the authenticated principal's login in ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKeyUserID, userID)
}

// GetUserID returns the acting user's login, or "" when unauthenticated.
func GetUserID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyUserID).(string)
	return id
}

// WithLogger stores a logger in ctx, typically the process logger already
// narrowed with request-scoped fields.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, ctxKeyLogger, logger)
}

// GetLogger returns the context's logger, or a default stdout logger so
// callers never need a nil check.
func GetLogger(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(ctxKeyLogger).(*Logger); ok {
		return logger
	}
	return NewLogger(InfoLevel, os.Stdout)
}

// FromContext returns the context's logger annotated with whatever request
// and user identity the middleware stored.
func FromContext(ctx context.Context) *Logger {
	logger := GetLogger(ctx)
	if id := GetRequestID(ctx); id != "" {
		logger = logger.WithField("request_id", id)
	}
	if id := GetUserID(ctx); id != "" {
		logger = logger.WithField("user_id", id)
	}
	return logger
}
