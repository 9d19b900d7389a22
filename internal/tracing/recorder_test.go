package tracing

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Only one flight recorder may run per process, so these tests never
// overlap recorders.

func TestNilRecorder(t *testing.T) {
	var r *Recorder

	assert.False(t, r.Enabled())
	assert.ErrorIs(t, r.Snapshot(&bytes.Buffer{}), ErrNotEnabled)
	assert.NotPanics(t, r.Stop)
}

func TestRecorder_Snapshot(t *testing.T) {
	r, err := New(0, 0)
	require.NoError(t, err)
	defer r.Stop()

	assert.True(t, r.Enabled())

	var buf bytes.Buffer
	require.NoError(t, r.Snapshot(&buf))
	assert.NotZero(t, buf.Len())
}

func TestRecorder_StopMultiple(t *testing.T) {
	r, err := New(DefaultBufferSize, time.Second)
	require.NoError(t, err)

	r.Stop()
	r.Stop()

	assert.False(t, r.Enabled())
	assert.ErrorIs(t, r.Snapshot(&bytes.Buffer{}), ErrNotEnabled)
}

func TestRecorder_RestartAfterStop(t *testing.T) {
	first, err := New(DefaultBufferSize, 0)
	require.NoError(t, err)
	first.Stop()

	second, err := New(DefaultBufferSize, 0)
	require.NoError(t, err)
	defer second.Stop()
	assert.True(t, second.Enabled())
}
