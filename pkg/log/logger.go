// Package log provides structured logging utilities for the poolaudit tools.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// NewWithWriter creates a new logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return NewWithWriter(io.Discard, "discard", "test", "error", "json")
}

// ParseLevel maps a level name to a slog.Level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithTarget returns a logger scoped to a pool endpoint
func (l *Logger) WithTarget(host string, port int) *Logger {
	return l.WithFields("target_host", host, "target_port", port)
}

// WithDevice returns a logger scoped to a polled device
func (l *Logger) WithDevice(ip, name string) *Logger {
	if name == "" {
		return l.WithFields("device_ip", ip)
	}
	return l.WithFields("device_ip", ip, "device_name", name)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// Connection logging helpers

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs Stratum protocol messages (debug level)
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// Probe helpers

// LogPhase logs the outcome of a handshake phase
func (l *Logger) LogPhase(phase, outcome string, fields ...any) {
	l.Info("probe phase",
		append([]any{"phase", phase, "outcome", outcome}, fields...)...,
	)
}

// LogJob logs a captured mining.notify job
func (l *Logger) LogJob(jobID string, cleanJobs bool, merkleBranches int) {
	l.Info("job received",
		"job_id", jobID,
		"clean_jobs", cleanJobs,
		"merkle_branches", merkleBranches,
	)
}

// LogDifficulty logs a mining.set_difficulty update
func (l *Logger) LogDifficulty(difficulty float64) {
	l.Info("difficulty set", "difficulty", difficulty)
}

// Agent helpers

// LogSample logs one device sample forwarded to the ingestion endpoint
func (l *Logger) LogSample(name string, hashrateGHs, temperature float64) {
	l.Info(fmt.Sprintf("%s: %.1f GH/s | %.1f°C", name, hashrateGHs, temperature),
		"miner", name,
		"hashrate_ghs", hashrateGHs,
		"temperature_c", temperature,
	)
}

// LogCycle logs a polling cycle summary
func (l *Logger) LogCycle(sent, total int) {
	l.Info(fmt.Sprintf("Summary: %d/%d miners reporting", sent, total),
		"reporting", sent,
		"miners", total,
	)
}
