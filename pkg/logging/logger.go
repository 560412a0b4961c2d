// Package logging provides a small structured JSON logger used across the
// mirror pipeline.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Fields represents structured log fields.
type Fields map[string]any

// Logger writes one JSON object per line.
type Logger struct {
	service string
	level   Level
	out     io.Writer
	mu      *sync.Mutex
	fields  Fields
}

// New creates a logger for a service. A nil output defaults to stdout.
func New(service string, level Level, out io.Writer) *Logger {
	if out == nil {
		out = os.Stdout
	}
	return &Logger{service: service, level: level, out: out, mu: &sync.Mutex{}, fields: Fields{}}
}

// With returns a logger carrying additional base fields. The underlying
// writer and its lock are shared.
func (l *Logger) With(fields Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{service: l.service, level: l.level, out: l.out, mu: l.mu, fields: merged}
}

func (l *Logger) Debug(msg string, fields Fields) { l.log(LevelDebug, msg, fields) }
func (l *Logger) Info(msg string, fields Fields)  { l.log(LevelInfo, msg, fields) }
func (l *Logger) Warn(msg string, fields Fields)  { l.log(LevelWarn, msg, fields) }
func (l *Logger) Error(msg string, fields Fields) { l.log(LevelError, msg, fields) }

func (l *Logger) log(level Level, msg string, fields Fields) {
	if level < l.level {
		return
	}
	all := make(Fields, len(l.fields)+len(fields)+4)
	for k, v := range l.fields {
		all[k] = v
	}
	for k, v := range fields {
		all[k] = v
	}
	all["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	all["level"] = level.String()
	all["service"] = l.service
	all["msg"] = msg

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := json.NewEncoder(l.out).Encode(all); err != nil {
		fmt.Fprintf(os.Stderr, "LOG_ERROR: %v\n", err)
	}
}

// Nop returns a logger that discards everything. Used in tests.
func Nop() *Logger {
	return New("nop", LevelError+1, io.Discard)
}
