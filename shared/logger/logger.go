// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// ParseLevel converts a configured level name into a LogLevel.
// An empty string means INFO.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "INFO":
		return INFO, nil
	case "DEBUG":
		return DEBUG, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger provides structured logging scoped to one component
type Logger struct {
	Component  string
	InstanceID string
	Container  string

	z *zap.Logger
}

// New creates a JSON logger for the specified component writing to stdout.
// The minimum level is read from LOG_LEVEL and defaults to INFO.
func New(component string) *Logger {
	level, err := ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = INFO
	}
	return NewWithLevel(component, level)
}

// NewWithLevel creates a stdout JSON logger with an explicit minimum level
func NewWithLevel(component string, level LogLevel) *Logger {
	return NewWithWriter(component, level, os.Stdout)
}

// NewWithWriter creates a JSON logger writing to w
func NewWithWriter(component string, level LogLevel, w io.Writer) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.MessageKey = "message"
	encoderConfig.LevelKey = "level"
	encoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.CallerKey = zapcore.OmitKey
	encoderConfig.StacktraceKey = zapcore.OmitKey

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.Lock(zapcore.AddSync(w)),
		level.zapLevel(),
	)
	return NewWithCore(component, core)
}

// NewWithCore wires the logger to an arbitrary zap core
func NewWithCore(component string, core zapcore.Core) *Logger {
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}
	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	l := &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
	}
	l.z = zap.New(core).With(
		zap.String("component", component),
		zap.String("instance_id", instanceID),
		zap.String("container", container),
	)
	return l
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return NewWithCore("nop", zapcore.NewNopCore())
}

// Named returns a copy of the logger for a sub-component
func (l *Logger) Named(component string) *Logger {
	if l == nil {
		return Nop()
	}
	return &Logger{
		Component:  component,
		InstanceID: l.InstanceID,
		Container:  l.Container,
		z:          l.z.With(zap.String("subcomponent", component)),
	}
}

// Log writes one structured entry. Fields are flattened in key order.
func (l *Logger) Log(level LogLevel, connectionID, requestID, message string, fields map[string]interface{}) {
	if l == nil || l.z == nil {
		return
	}
	ce := l.z.Check(level.zapLevel(), message)
	if ce == nil {
		return
	}

	zfields := make([]zap.Field, 0, len(fields)+2)
	if connectionID != "" {
		zfields = append(zfields, zap.String("connection_id", connectionID))
	}
	if requestID != "" {
		zfields = append(zfields, zap.String("request_id", requestID))
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		zfields = append(zfields, zap.Any(k, fields[k]))
	}
	ce.Write(zfields...)
}

// Info logs an informational message
func (l *Logger) Info(connectionID, requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, connectionID, requestID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(connectionID, requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, connectionID, requestID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(connectionID, requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, connectionID, requestID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(connectionID, requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, connectionID, requestID, message, fields)
}

// InfoWithDuration logs an info message with duration field
func (l *Logger) InfoWithDuration(connectionID, requestID, message string, durationMS float64, fields map[string]interface{}) {
	fields = copyFields(fields)
	fields["duration_ms"] = durationMS
	l.Info(connectionID, requestID, message, fields)
}

// ErrorWithKind logs an error together with its taxonomy kind. The error's
// Error() text is logged as-is, so callers must only pass sanitized errors.
func (l *Logger) ErrorWithKind(connectionID, requestID, message, kind string, err error, fields map[string]interface{}) {
	fields = copyFields(fields)
	fields["error_kind"] = kind
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(connectionID, requestID, message, fields)
}

// Sync flushes buffered entries
func (l *Logger) Sync() error {
	if l == nil || l.z == nil {
		return nil
	}
	return l.z.Sync()
}

func copyFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	return out
}
