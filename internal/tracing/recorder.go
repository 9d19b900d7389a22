// Package tracing keeps a rolling runtime trace using the FlightRecorder so
// a slow replication round can be inspected after the fact.
package tracing

import (
	"errors"
	"io"
	"runtime/trace"
	"sync"
	"time"
)

// DefaultBufferSize is the default size of the trace ring buffer (10MB).
const DefaultBufferSize = 10 * 1024 * 1024

// ErrNotEnabled is returned by Snapshot on a nil or stopped Recorder.
var ErrNotEnabled = errors.New("tracing not enabled")

// Recorder wraps one FlightRecorder. A nil *Recorder is valid and disabled.
type Recorder struct {
	mu sync.Mutex
	fr *trace.FlightRecorder
}

// New starts a flight recorder holding at least minAge of trace data,
// bounded by bufferSize bytes.
func New(bufferSize int, minAge time.Duration) (*Recorder, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if minAge <= 0 {
		minAge = 30 * time.Second
	}

	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   minAge,
		MaxBytes: uint64(bufferSize),
	})
	if err := fr.Start(); err != nil {
		return nil, err
	}
	return &Recorder{fr: fr}, nil
}

// Enabled reports whether the recorder is running.
func (r *Recorder) Enabled() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fr != nil
}

// Snapshot writes the buffered trace to w in `go tool trace` format.
func (r *Recorder) Snapshot(w io.Writer) error {
	if r == nil {
		return ErrNotEnabled
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fr == nil {
		return ErrNotEnabled
	}
	_, err := r.fr.WriteTo(w)
	return err
}

// Stop stops the recorder. It is safe to call more than once.
func (r *Recorder) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fr != nil {
		r.fr.Stop()
		r.fr = nil
	}
}
