// Package loki provides a zerolog writer that pushes node logs to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
)

// PushPath is Loki's push API path.
const PushPath = "/loki/api/v1/push"

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Loki base URL (e.g., "http://10.0.0.9:3100")
	Labels        map[string]string // Static labels added to every stream
	BatchSize     int               // Max entries before flush (default: 100)
	FlushInterval time.Duration     // Flush interval (default: 5s)
	Timeout       time.Duration     // HTTP timeout (default: 10s)
	Uncompressed  bool              // Send plain JSON instead of gzip
}

// Writer implements io.Writer and pushes log lines to Loki in batches.
// It never returns an error, so an unreachable Loki cannot block logging.
type Writer struct {
	url      string
	labels   map[string]string
	client   *http.Client
	compress bool

	mu        sync.Mutex
	buffer    []entry
	batchSize int

	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	flushInterval time.Duration

	flushing     atomic.Bool
	flushTrigger chan struct{}

	pushed      atomic.Uint64
	flushErrors atomic.Uint64
}

type entry struct {
	timestamp time.Time
	line      string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewWriter creates a Loki writer. Call Start to begin background flushing.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	labels := maps.Clone(cfg.Labels)
	if labels == nil {
		labels = make(map[string]string)
	}
	if _, ok := labels["job"]; !ok {
		labels["job"] = "avstore"
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Writer{
		url:           strings.TrimSuffix(cfg.URL, "/") + PushPath,
		labels:        labels,
		client:        &http.Client{Timeout: cfg.Timeout},
		compress:      !cfg.Uncompressed,
		buffer:        make([]entry, 0, cfg.BatchSize),
		batchSize:     cfg.BatchSize,
		ctx:           ctx,
		cancel:        cancel,
		flushInterval: cfg.FlushInterval,
		flushTrigger:  make(chan struct{}, 1),
	}
}

// Write buffers one log line and schedules a flush when the batch is full.
func (w *Writer) Write(p []byte) (n int, err error) {
	// zerolog reuses p
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, entry{timestamp: time.Now(), line: line})
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushTrigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Start begins the background flush goroutine.
func (w *Writer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-w.ctx.Done():
				return
			case <-ticker.C:
				w.flush()
			case <-w.flushTrigger:
				w.flush()
			}
		}
	}()
}

// Stop stops the flush goroutine and pushes whatever is still buffered.
func (w *Writer) Stop() {
	w.cancel()
	w.wg.Wait()
	w.flush()
}

func (w *Writer) flush() {
	if !w.flushing.CompareAndSwap(false, true) {
		return
	}
	defer w.flushing.Store(false)

	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	entries := w.buffer
	w.buffer = make([]entry, 0, w.batchSize)
	labels := maps.Clone(w.labels)
	w.mu.Unlock()

	values := make([][]string, len(entries))
	for i, e := range entries {
		// Loki expects nanosecond timestamps as strings
		values[i] = []string{strconv.FormatInt(e.timestamp.UnixNano(), 10), e.line}
	}

	body, err := w.encode(pushRequest{Streams: []stream{{Stream: labels, Values: values}}})
	if err != nil {
		w.fail("encode payload", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.fail("create request", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if w.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.fail("send logs", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		w.fail("push", fmt.Errorf("server returned status %d", resp.StatusCode))
		return
	}
	w.pushed.Add(uint64(len(entries)))
}

func (w *Writer) encode(req pushRequest) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil || !w.compress {
		return data, err
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// fail counts a flush error and reports the first few on stderr, since
// logging through zerolog would loop back into this writer.
func (w *Writer) fail(step string, err error) {
	if n := w.flushErrors.Add(1); n <= 3 {
		fmt.Fprintf(os.Stderr, "loki: %s: %v\n", step, err)
	}
}

// Pushed returns the number of lines Loki accepted.
func (w *Writer) Pushed() uint64 {
	return w.pushed.Load()
}

// FlushErrors returns the number of failed flushes.
func (w *Writer) FlushErrors() uint64 {
	return w.flushErrors.Load()
}

// SetLabels merges labels into the stream labels of future pushes.
func (w *Writer) SetLabels(labels map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	maps.Copy(w.labels, labels)
}
