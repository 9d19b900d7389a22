package audit

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "log line: %s", buf.String())
	return entry
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf))
	require.NotNil(t, l)

	l.LogAuth("bearer", Denied, "", "10.0.0.1:5000")
	assert.Equal(t, "audit", decode(t, &buf)["component"])
}

func TestLogAuth(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		result      string
		details     string
		wantLevel   string
		wantDetails bool
	}{
		{name: "allowed bearer", method: "bearer", result: Allowed, wantLevel: "debug"},
		{name: "denied bearer", method: "bearer", result: Denied, details: "invalid token", wantLevel: "warn", wantDetails: true},
		{name: "failed jwt", method: "jwt", result: Failed, details: "expired", wantLevel: "warn", wantDetails: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			NewLogger(zerolog.New(&buf)).LogAuth(tt.method, tt.result, tt.details, "172.30.0.5:41000")

			entry := decode(t, &buf)
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, "auth", entry["event_type"])
			assert.Equal(t, tt.method, entry["method"])
			assert.Equal(t, tt.result, entry["result"])
			assert.Equal(t, "172.30.0.5:41000", entry["source_ip"])
			if tt.wantDetails {
				assert.Equal(t, tt.details, entry["details"])
			} else {
				assert.NotContains(t, entry, "details")
			}
		})
	}
}

func TestLogFileOp(t *testing.T) {
	tests := []struct {
		operation string
		result    string
		wantLevel string
	}{
		{operation: "save", result: Allowed, wantLevel: "info"},
		{operation: "update", result: Allowed, wantLevel: "info"},
		{operation: "delete", result: Allowed, wantLevel: "info"},
		{operation: "load", result: Allowed, wantLevel: "debug"},
		{operation: "exists", result: Allowed, wantLevel: "debug"},
		{operation: "status", result: Allowed, wantLevel: "debug"},
		{operation: "load", result: Failed, wantLevel: "warn"},
		{operation: "save", result: Failed, wantLevel: "warn"},
	}

	for _, tt := range tests {
		t.Run(tt.operation+"_"+tt.result, func(t *testing.T) {
			var buf bytes.Buffer
			NewLogger(zerolog.New(&buf)).LogFileOp(tt.operation, "alice", "notes.txt", tt.result, "", "10.0.0.2:8000")

			entry := decode(t, &buf)
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, "file_operation", entry["event_type"])
			assert.Equal(t, tt.operation, entry["operation"])
			assert.Equal(t, "alice", entry["owner"])
			assert.Equal(t, "notes.txt", entry["filename"])
			assert.Equal(t, "File operation", entry["message"])
		})
	}
}

func TestLogPeerReject(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(zerolog.New(&buf)).LogPeerReject("node-b", 401, "token expired", "10.0.0.3:9000")

	entry := decode(t, &buf)
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "peer_reject", entry["event_type"])
	assert.Equal(t, "node-b", entry["peer"])
	assert.EqualValues(t, 401, entry["status"])
	assert.Equal(t, "token expired", entry["reason"])
}

func TestNilLogger(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() {
		l.LogAuth("bearer", Denied, "x", "")
		l.LogFileOp("save", "a", "b", Failed, "x", "")
		l.LogPeerReject("p", 403, "x", "")
	})
}
