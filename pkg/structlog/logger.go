// Package structlog is the WAF's structured JSON logger: leveled records
// with merged base fields, a sanitizer that masks credential-like fields,
// and dedicated markers for security and audit events.
package structlog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

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
	}
	return "UNKNOWN"
}

// ParseLevel maps a config string to a level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}

// Fields holds per-record structured fields.
type Fields map[string]any

// Logger writes one JSON object per record.
type Logger struct {
	service string
	level   Level
	out     io.Writer
	base    Fields
	mu      *sync.Mutex
}

// sensitive field names are masked before encoding. The WAF logs request
// fragments, so header/credential material must never land in plain text.
var sensitive = []string{"password", "secret", "token", "apikey", "authorization", "cookie"}

func New(service string, level Level, out io.Writer) *Logger {
	if out == nil {
		out = os.Stdout
	}
	return &Logger{service: service, level: level, out: out, base: Fields{}, mu: &sync.Mutex{}}
}

// WithFields returns a logger whose records always carry the given fields.
func (l *Logger) WithFields(fields Fields) *Logger {
	merged := make(Fields, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{service: l.service, level: l.level, out: l.out, base: merged, mu: l.mu}
}

func (l *Logger) Debug(msg string, fields Fields) { l.write(LevelDebug, msg, fields) }
func (l *Logger) Info(msg string, fields Fields)  { l.write(LevelInfo, msg, fields) }
func (l *Logger) Warn(msg string, fields Fields)  { l.write(LevelWarn, msg, fields) }
func (l *Logger) Error(msg string, fields Fields) { l.write(LevelError, msg, fields) }

// SecurityEvent marks records that feed the security audit trail.
func (l *Logger) SecurityEvent(event string, fields Fields) {
	if fields == nil {
		fields = Fields{}
	}
	fields["event_type"] = "security"
	l.write(LevelWarn, "SECURITY: "+event, fields)
}

// AuditLog marks operator actions (rule approvals, feedback resolution).
func (l *Logger) AuditLog(action string, fields Fields) {
	if fields == nil {
		fields = Fields{}
	}
	fields["event_type"] = "audit"
	l.write(LevelInfo, "AUDIT: "+action, fields)
}

func (l *Logger) write(level Level, msg string, fields Fields) {
	if level < l.level {
		return
	}
	rec := make(Fields, len(l.base)+len(fields)+5)
	for k, v := range l.base {
		rec[k] = v
	}
	for k, v := range fields {
		rec[k] = v
	}
	rec["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	rec["level"] = level.String()
	rec["service"] = l.service
	rec["message"] = msg

	if level >= LevelError {
		if _, file, line, ok := runtime.Caller(2); ok {
			rec["caller"] = fmt.Sprintf("%s:%d", file, line)
		}
	}

	for k := range rec {
		lk := strings.ToLower(k)
		for _, pat := range sensitive {
			if strings.Contains(lk, pat) {
				rec[k] = "MASKED"
				break
			}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := json.NewEncoder(l.out).Encode(rec); err != nil {
		fmt.Fprintf(os.Stderr, "structlog: encode failed: %v\n", err)
	}
}
