package replication_test

import (
	"context"
	"testing"
	"time"

	"github.com/lukw00heck/av-service/internal/replication"
	"github.com/lukw00heck/av-service/internal/store"
	"github.com/lukw00heck/av-service/internal/transport/memory"
	"github.com/lukw00heck/av-service/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clusterNode struct {
	svc   *replication.Service
	store *store.MemoryStore
}

// newCluster starts one service per id on a shared in-process network and
// waits until every node sees all others.
func newCluster(t *testing.T, interval time.Duration, ids ...string) (*memory.Network, map[string]*clusterNode) {
	t.Helper()

	network := memory.NewNetwork(zerolog.Nop())
	t.Cleanup(network.Close)

	nodes := make(map[string]*clusterNode, len(ids))
	for _, id := range ids {
		tr, err := network.Join(id)
		require.NoError(t, err)

		st := store.NewMemoryStore()
		svc, err := replication.New(replication.Config{
			NodeID:            id,
			Transport:         tr,
			Store:             st,
			Logger:            zerolog.Nop(),
			ReplicationCount:  len(ids),
			ResponseTimeout:   200 * time.Millisecond,
			DiscoveryInterval: interval,
			LockWaitTimeout:   time.Second,
			RateLimit:         -1,
		})
		require.NoError(t, err)
		require.NoError(t, svc.Start(context.Background()))
		t.Cleanup(func() { _ = svc.Stop() })

		nodes[id] = &clusterNode{svc: svc, store: st}
	}

	for _, n := range nodes {
		n := n
		require.Eventually(t, func() bool {
			return n.svc.NeighborCount() == len(ids)-1
		}, 5*time.Second, 10*time.Millisecond, "node %s did not converge", n.svc.NodeID())
	}
	return network, nodes
}

func TestCluster_SaveLoadDelete(t *testing.T) {
	_, nodes := newCluster(t, 50*time.Millisecond, "a", "b", "c")
	ctx := context.Background()

	file := proto.NewFileMessage("report.txt", "alice", []byte("clean"), proto.FileSave)
	require.NoError(t, nodes["a"].svc.Save(ctx, file))

	for id, n := range nodes {
		assert.Equal(t, 1, n.store.Len(), "node %s holds a copy", id)
	}

	// A second save of the same key is refused anywhere in the cluster
	err := nodes["b"].svc.Save(ctx, file)
	assert.ErrorIs(t, err, replication.ErrAlreadyExists)

	report, err := nodes["c"].svc.Status(ctx, "report.txt", "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Copies)
	assert.Equal(t, proto.StatusOK, report.Status)

	// Drop c's copy; it must fetch from a neighbor
	require.NoError(t, nodes["c"].store.Delete(ctx, "report.txt", "alice"))
	loaded, err := nodes["c"].svc.Load(ctx, proto.NewFileMessage("report.txt", "alice", nil, proto.FileLoad))
	require.NoError(t, err)
	assert.Equal(t, []byte("clean"), loaded.Data)

	update := proto.NewFileMessage("report.txt", "alice", []byte("infected"), proto.FileUpdate)
	require.NoError(t, nodes["b"].svc.Update(ctx, update))
	loaded, err = nodes["a"].svc.Load(ctx, proto.NewFileMessage("report.txt", "alice", nil, proto.FileLoad))
	require.NoError(t, err)
	assert.Equal(t, []byte("infected"), loaded.Data)

	require.NoError(t, nodes["a"].svc.Delete(ctx, proto.NewFileMessage("report.txt", "alice", nil, proto.FileDelete)))
	for id, n := range nodes {
		exists, err := n.svc.Exists(ctx, "report.txt", "alice")
		require.NoError(t, err)
		assert.False(t, exists, "node %s still sees the file", id)
	}
}

func TestCluster_SequentialOpsAcrossNodes(t *testing.T) {
	_, nodes := newCluster(t, time.Hour, "a", "b", "c")
	ctx := context.Background()

	// Each step starts on another node right after the previous one returned,
	// while that node's UNLOCK may still be in flight
	for round := 0; round < 5; round++ {
		name := "k.txt"
		data := []byte{byte('0' + round)}

		require.NoError(t, nodes["a"].svc.Save(ctx, proto.NewFileMessage(name, "alice", data, proto.FileSave)), "round %d save", round)

		loaded, err := nodes["b"].svc.Load(ctx, proto.NewFileMessage(name, "alice", nil, proto.FileLoad))
		require.NoError(t, err, "round %d load", round)
		assert.Equal(t, data, loaded.Data)

		updated := []byte{data[0], '!'}
		require.NoError(t, nodes["c"].svc.Update(ctx, proto.NewFileMessage(name, "alice", updated, proto.FileUpdate)), "round %d update", round)

		loaded, err = nodes["a"].svc.Load(ctx, proto.NewFileMessage(name, "alice", nil, proto.FileLoad))
		require.NoError(t, err, "round %d load after update", round)
		assert.Equal(t, updated, loaded.Data)

		require.NoError(t, nodes["b"].svc.Delete(ctx, proto.NewFileMessage(name, "alice", nil, proto.FileDelete)), "round %d delete", round)

		exists, err := nodes["c"].svc.Exists(ctx, name, "alice")
		require.NoError(t, err)
		assert.False(t, exists, "round %d: file survived delete", round)
	}

	for id, n := range nodes {
		require.Eventually(t, func() bool { return n.svc.HeldLocks() == 0 },
			time.Second, 5*time.Millisecond, "node %s kept a grant", id)
	}
}

func TestCluster_ConcurrentSavesOfOneKey(t *testing.T) {
	_, nodes := newCluster(t, time.Hour, "a", "b", "c")
	ctx := context.Background()

	file := proto.NewFileMessage("race.bin", "bob", []byte("x"), proto.FileSave)
	errs := make(chan error, 2)
	for _, id := range []string{"a", "b"} {
		go func(svc *replication.Service) { errs <- svc.Save(ctx, file) }(nodes[id].svc)
	}

	succeeded := 0
	for range 2 {
		if err := <-errs; err == nil {
			succeeded++
		}
	}
	assert.LessOrEqual(t, succeeded, 1, "at most one writer wins a key")

	// Losers roll back; winners leave a full set of copies
	total := 0
	for _, n := range nodes {
		total += n.store.Len()
	}
	assert.Equal(t, 3*succeeded, total)
}

func TestCluster_DiscoveryFollowsPartitions(t *testing.T) {
	network, nodes := newCluster(t, 30*time.Millisecond, "a", "b", "c")

	before := nodes["a"].svc.Discovery().TopologyChanges()
	network.Isolate("c")
	require.Eventually(t, func() bool {
		return nodes["a"].svc.NeighborCount() == 1 && nodes["c"].svc.NeighborCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"b"}, nodes["a"].svc.Neighbors().IDs())
	assert.Equal(t, before+1, nodes["a"].svc.Discovery().TopologyChanges())

	network.Heal("c")
	require.Eventually(t, func() bool {
		return nodes["a"].svc.NeighborCount() == 2 && nodes["c"].svc.NeighborCount() == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"b", "c"}, nodes["a"].svc.Neighbors().IDs())
	assert.Equal(t, before+2, nodes["a"].svc.Discovery().TopologyChanges())
}

func TestCluster_SaveWithPartitionedPeer(t *testing.T) {
	network, nodes := newCluster(t, time.Hour, "a", "b", "c")
	ctx := context.Background()

	// a still believes c is a neighbor, but c is unreachable
	network.Isolate("c")

	file := proto.NewFileMessage("lost.txt", "carol", []byte("x"), proto.FileSave)
	err := nodes["a"].svc.Save(ctx, file)
	require.Error(t, err)

	for id, n := range nodes {
		assert.Equal(t, 0, n.store.Len(), "node %s kept a copy after rollback", id)
	}
}
