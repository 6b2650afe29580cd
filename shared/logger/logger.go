// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

var levelRank = map[LogLevel]int{
	DEBUG: 0,
	INFO:  1,
	WARN:  2,
	ERROR: 3,
}

// Logger writes structured entries for one component
type Logger struct {
	Component  string
	InstanceID string
	Container  string

	minLevel LogLevel
	mu       sync.Mutex
	out      io.Writer
}

// LogEntry is the JSON shape of one log line
type LogEntry struct {
	Timestamp  string                 `json:"timestamp"`
	Level      LogLevel               `json:"level"`
	Component  string                 `json:"component"`
	InstanceID string                 `json:"instance_id"`
	Container  string                 `json:"container"`
	UserID     int64                  `json:"user_id,omitempty"`
	QuestionID int64                  `json:"question_id,omitempty"`
	Message    string                 `json:"message"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// New creates a Logger for the named component writing to stdout
func New(component string) *Logger {
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
		minLevel:   ParseLevel(os.Getenv("LOG_LEVEL")),
		out:        os.Stdout,
	}
}

// NewWithWriter creates a Logger writing to w; used by tests and tools
func NewWithWriter(component string, w io.Writer) *Logger {
	l := New(component)
	l.out = w
	return l
}

// Discard returns a Logger that drops everything
func Discard() *Logger {
	return NewWithWriter("discard", io.Discard)
}

// Named returns a sibling Logger for another component sharing the same output
func (l *Logger) Named(component string) *Logger {
	return &Logger{
		Component:  component,
		InstanceID: l.InstanceID,
		Container:  l.Container,
		minLevel:   l.minLevel,
		out:        l.out,
	}
}

// SetLevel changes the minimum level that is written
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

// ParseLevel maps a level name to a LogLevel, defaulting to INFO
func ParseLevel(s string) LogLevel {
	switch LogLevel(strings.ToUpper(strings.TrimSpace(s))) {
	case DEBUG:
		return DEBUG
	case WARN:
		return WARN
	case ERROR:
		return ERROR
	default:
		return INFO
	}
}

// Log creates a structured log entry and writes it
func (l *Logger) Log(level LogLevel, userID, questionID int64, message string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if levelRank[level] < levelRank[l.minLevel] {
		return
	}

	entry := LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      level,
		Component:  l.Component,
		InstanceID: l.InstanceID,
		Container:  l.Container,
		UserID:     userID,
		QuestionID: questionID,
		Message:    message,
		Fields:     fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fields may hold values json cannot encode; keep the message
		fmt.Fprintf(l.out, "ERROR: failed to marshal log entry %q: %v\n", message, err)
		return
	}

	_, _ = l.out.Write(append(jsonBytes, '\n'))
}

// Info logs an informational message
func (l *Logger) Info(userID, questionID int64, message string, fields map[string]interface{}) {
	l.Log(INFO, userID, questionID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(userID, questionID int64, message string, fields map[string]interface{}) {
	l.Log(ERROR, userID, questionID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(userID, questionID int64, message string, fields map[string]interface{}) {
	l.Log(WARN, userID, questionID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(userID, questionID int64, message string, fields map[string]interface{}) {
	l.Log(DEBUG, userID, questionID, message, fields)
}

// ErrorWithErr logs an error message with the error text under fields.error
func (l *Logger) ErrorWithErr(userID, questionID int64, message string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(userID, questionID, message, fields)
}

// Alert logs an operational alert: an ERROR entry tagged alert=true
func (l *Logger) Alert(message string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["alert"] = true
	l.ErrorWithErr(0, 0, message, err, fields)
}

// InfoWithDuration logs an info message with a duration_ms field
func (l *Logger) InfoWithDuration(userID, questionID int64, message string, d time.Duration, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = float64(d.Microseconds()) / 1000.0
	l.Info(userID, questionID, message, fields)
}
