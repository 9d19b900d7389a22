package replication

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lukw00heck/av-service/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingListener struct {
	calls   atomic.Int32
	explode bool
}

func (l *countingListener) OnTopologyChanged() {
	l.calls.Add(1)
	if l.explode {
		panic("listener exploded")
	}
}

type flag struct{ v atomic.Bool }

func (f *flag) Ready() bool { return f.v.Load() }

func newTestDiscovery(t *testing.T, listener topologyListener, waitFor ...readiness) (*Discovery, *mockTransport) {
	t.Helper()

	tr := newMockTransport()
	c := newTestCorrelator(t, CorrelatorConfig{})
	tr.RegisterHandler(func(msg *proto.ReplicationMessage) { c.Deliver(msg) })

	d := NewDiscovery(DiscoveryConfig{
		NodeID:          "a",
		Transport:       tr,
		Correlator:      c,
		Listener:        listener,
		WaitFor:         waitFor,
		Logger:          zerolog.Nop(),
		Interval:        20 * time.Millisecond,
		ResponseTimeout: 30 * time.Millisecond,
	})
	t.Cleanup(d.Stop)
	return d, tr
}

func TestNeighbors_Snapshot(t *testing.T) {
	var nilSet *Neighbors
	assert.Equal(t, 0, nilSet.Len())
	assert.Nil(t, nilSet.IDs())
	assert.False(t, nilSet.Contains("a"))

	n := &Neighbors{ids: []string{"b", "c"}}
	assert.True(t, n.Contains("c"))
	assert.False(t, n.Contains("d"))

	ids := n.IDs()
	ids[0] = "mutated"
	assert.Equal(t, []string{"b", "c"}, n.IDs(), "callers get a copy")
}

func TestDiscovery_Refresh(t *testing.T) {
	listener := &countingListener{}
	d, tr := newTestDiscovery(t, listener)

	tr.setRespond(func(msg *proto.ReplicationMessage) []*proto.ReplicationMessage {
		return []*proto.ReplicationMessage{
			replyFrom(msg, "c", proto.StatusReady),
			replyFrom(msg, "b", proto.StatusReady),
			replyFrom(msg, "b", proto.StatusReady), // duplicate
			replyFrom(msg, "a", proto.StatusReady), // self
			replyFrom(msg, "x", proto.StatusFailed),
		}
	})

	changed, err := d.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"b", "c"}, d.Neighbors().IDs())
	assert.Equal(t, int32(1), listener.calls.Load())

	discover := tr.sentWith(proto.CommandDiscover)
	require.Len(t, discover, 1)
	assert.Equal(t, proto.RoutingBroadcast, discover[0].Routing)
	assert.Equal(t, "a", discover[0].FromID)

	// Same membership: no signal
	changed, err = d.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int32(1), listener.calls.Load())
	assert.Equal(t, uint64(1), d.TopologyChanges())
	assert.Equal(t, uint64(2), d.Cycles())
}

func TestDiscovery_EmptyResultReplacesSet(t *testing.T) {
	listener := &countingListener{}
	d, tr := newTestDiscovery(t, listener)

	tr.setRespond(newPeers("b").respond)
	_, err := d.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, d.NeighborCount())

	tr.setRespond(nil)
	changed, err := d.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 0, d.NeighborCount())
	assert.Equal(t, int32(2), listener.calls.Load())
}

func TestDiscovery_SnapshotIsNotMutated(t *testing.T) {
	d, tr := newTestDiscovery(t, nil)

	tr.setRespond(newPeers("b").respond)
	_, err := d.Refresh(context.Background())
	require.NoError(t, err)
	before := d.Neighbors()

	tr.setRespond(newPeers("b", "c").respond)
	_, err = d.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"b"}, before.IDs(), "old snapshot is unchanged")
	assert.Equal(t, []string{"b", "c"}, d.Neighbors().IDs())
}

func TestDiscovery_SendFailureKeepsSet(t *testing.T) {
	d, tr := newTestDiscovery(t, nil)
	tr.setRespond(newPeers("b").respond)
	_, err := d.Refresh(context.Background())
	require.NoError(t, err)

	tr.setSendErr(assert.AnError)
	_, err = d.Refresh(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, d.NeighborCount())
}

func TestDiscovery_WaitsForReadiness(t *testing.T) {
	ready := &flag{}
	d, tr := newTestDiscovery(t, nil, ready)

	d.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, tr.sentWith(proto.CommandDiscover), "no cycle before dependencies are ready")

	ready.v.Store(true)
	assert.Eventually(t, func() bool {
		return len(tr.sentWith(proto.CommandDiscover)) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestDiscovery_LoopRepeats(t *testing.T) {
	d, tr := newTestDiscovery(t, nil)
	tr.setRespond(newPeers("b").respond)

	d.Start(context.Background())
	assert.Eventually(t, func() bool {
		return d.Cycles() >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, d.NeighborCount())
}

func TestDiscovery_SurvivesFailingCycles(t *testing.T) {
	listener := &countingListener{explode: true}
	d, tr := newTestDiscovery(t, listener)

	tr.setRespond(newPeers("b").respond)

	d.Start(context.Background())
	assert.Eventually(t, func() bool {
		return listener.calls.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDiscovery_StopDuringCycle(t *testing.T) {
	d, _ := newTestDiscovery(t, nil)
	d.responseTimeout = time.Hour

	d.Start(context.Background())
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not interrupt the running cycle")
	}
	assert.Equal(t, uint64(0), d.Cycles(), "a cut-short cycle does not replace the set")
}
