// Package audit writes structured audit events for client access to the
// file API and for rejected peer traffic.
package audit

import (
	"github.com/rs/zerolog"
)

// Results.
const (
	Allowed = "allowed"
	Denied  = "denied"
	Failed  = "failed"
)

// Logger provides structured audit logging. A nil *Logger discards events.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger writing through logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

// LogAuth logs an API authentication attempt.
// method: "bearer" for client tokens, "jwt" for peer messages.
func (l *Logger) LogAuth(method, result, details, sourceIP string) {
	if l == nil {
		return
	}
	level := zerolog.DebugLevel
	if result != Allowed {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "auth").
		Str("method", method).
		Str("result", result).
		Str("source_ip", sourceIP)
	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("Authentication event")
}

// LogFileOp logs one client file operation.
// operation: save, update, load, delete, exists or status.
func (l *Logger) LogFileOp(operation, owner, filename, result, details, sourceIP string) {
	if l == nil {
		return
	}
	level := zerolog.InfoLevel
	switch {
	case result == Failed:
		level = zerolog.WarnLevel
	case operation == "load" || operation == "exists" || operation == "status":
		level = zerolog.DebugLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "file_operation").
		Str("operation", operation).
		Str("owner", owner).
		Str("filename", filename).
		Str("result", result).
		Str("source_ip", sourceIP)
	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("File operation")
}

// LogPeerReject logs an inbound peer message refused by the transport.
func (l *Logger) LogPeerReject(peer string, status int, reason, sourceIP string) {
	if l == nil {
		return
	}
	l.logger.Warn().
		Str("event_type", "peer_reject").
		Str("peer", peer).
		Int("status", status).
		Str("reason", reason).
		Str("source_ip", sourceIP).
		Msg("Peer message rejected")
}
