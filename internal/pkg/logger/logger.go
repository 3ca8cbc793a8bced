// Package logger emits structured JSON log lines with contact redaction.
// Operational noise elsewhere in the codebase goes through the stdlib log
// package; this logger is for events that carry contact handles or phone
// numbers and may end up in shipped log archives.
package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger writes one JSON object per entry to stderr. Field values pass
// through contact redaction unless it is switched off.
type Logger struct {
	level  Level
	mu     sync.Mutex
	redact bool
}

var std = &Logger{level: INFO, redact: true}

// SetLevel sets the minimum level the default logger emits.
func SetLevel(l Level) { std.level = l }

// SetRedactPII toggles contact redaction on the default logger. Only turn
// this off in local development.
func SetRedactPII(r bool) { std.redact = r }

// Debug logs at DEBUG level. Fields are alternating key, value pairs.
func Debug(msg string, fields ...interface{}) { std.emit(DEBUG, msg, fields...) }

// Info logs at INFO level.
func Info(msg string, fields ...interface{}) { std.emit(INFO, msg, fields...) }

// Warn logs at WARN level.
func Warn(msg string, fields ...interface{}) { std.emit(WARN, msg, fields...) }

// Error logs at ERROR level.
func Error(msg string, fields ...interface{}) { std.emit(ERROR, msg, fields...) }

func (l *Logger) emit(level Level, msg string, fields ...interface{}) {
	if level < l.level {
		return
	}

	entry := map[string]interface{}{
		"time":  time.Now().UTC().Format(time.RFC3339),
		"level": level.String(),
		"msg":   msg,
	}
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		val := fmt.Sprintf("%v", fields[i+1])
		if l.redact {
			val = redactValue(key, val)
		}
		entry[key] = val
	}

	data, _ := json.Marshal(entry)
	l.mu.Lock()
	fmt.Fprintln(os.Stderr, string(data))
	l.mu.Unlock()
}

var handleRegex = regexp.MustCompile(`@[a-zA-Z0-9_]{3,}`)

// redactValue masks contact fields by key name and scrubs any handle-shaped
// substrings out of everything else.
func redactValue(key, val string) string {
	key = strings.ToLower(key)
	if strings.Contains(key, "handle") || strings.Contains(key, "username") {
		return RedactHandle(val)
	}
	if strings.Contains(key, "phone") {
		return RedactPhone(val)
	}
	return handleRegex.ReplaceAllStringFunc(val, RedactHandle)
}
