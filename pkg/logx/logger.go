package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger provides structured, leveled logging for all geofix components.
// Fields are passed as alternating key/value pairs or as a single
// map[string]interface{}.
type Logger struct {
	entry     *logrus.Entry
	base      *logrus.Logger
	component string
	mu        sync.Mutex
}

// NewLogger creates a logger for the given component at the given level.
// Unknown levels fall back to "info".
func NewLogger(level, component string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})
	base.SetLevel(parseLevel(level))

	return &Logger{
		entry:     base.WithField("component", component),
		base:      base,
		component: component,
	}
}

// NewLoggerWithOutput creates a logger writing to the given sink. Used by
// tests and by the daemon when a log file is configured.
func NewLoggerWithOutput(level, component string, out io.Writer) *Logger {
	l := NewLogger(level, component)
	l.base.SetOutput(out)
	return l
}

// WithComponent returns a logger that shares level and output with the
// receiver but tags entries with a different component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		entry:     l.base.WithField("component", component),
		base:      l.base,
		component: component,
	}
}

// SetLevel changes the log level at runtime.
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.base.SetLevel(parseLevel(level))
}

// GetLevel returns the current level as a string.
func (l *Logger) GetLevel() string {
	return l.base.GetLevel().String()
}

// Trace logs at trace level.
func (l *Logger) Trace(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Trace(msg)
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Debug(msg)
}

// Info logs at info level.
func (l *Logger) Info(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Info(msg)
}

// Warn logs at warning level.
func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Warn(msg)
}

// Error logs at error level.
func (l *Logger) Error(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Error(msg)
}

// LogVerbose logs a structured event with an explicit field map at info level.
func (l *Logger) LogVerbose(event string, fields map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(fields)).Info(event)
}

// LogDebugVerbose logs a structured event with an explicit field map at debug
// level.
func (l *Logger) LogDebugVerbose(event string, fields map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(fields)).Debug(event)
}

// LogStateChange records a state machine transition.
func (l *Logger) LogStateChange(component, fromState, toState, reason string, fields map[string]interface{}) {
	f := logrus.Fields{
		"state_component": component,
		"from_state":      fromState,
		"to_state":        toState,
		"reason":          reason,
	}
	for k, v := range fields {
		f[k] = v
	}
	l.entry.WithFields(f).Info("state_change")
}

// LogDataFlow records data moving between pipeline stages.
func (l *Logger) LogDataFlow(source, dataType, destination string, count int, fields map[string]interface{}) {
	f := logrus.Fields{
		"flow_source":      source,
		"data_type":        dataType,
		"flow_destination": destination,
		"count":            count,
	}
	for k, v := range fields {
		f[k] = v
	}
	l.entry.WithFields(f).Debug("data_flow")
}

// toFields converts alternating key/value pairs into logrus fields. A single
// map[string]interface{} argument is accepted directly. Dangling keys are
// logged under "EXTRA_VALUE".
func toFields(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	if len(kv) == 1 {
		if m, ok := kv[0].(map[string]interface{}); ok {
			for k, v := range m {
				fields[k] = v
			}
			return fields
		}
	}
	for i := 0; i < len(kv); i += 2 {
		if i+1 >= len(kv) {
			fields["EXTRA_VALUE"] = kv[i]
			break
		}
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kv[i])
		}
		fields[key] = kv[i+1]
	}
	return fields
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "info", "":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
