// Package cluster resolves node ids to the HTTP addresses the mesh
// transport posts to. StaticBook serves a fixed peer list from the node
// config; GossipBook learns members through hashicorp/memberlist.
package cluster

import (
	"sort"
	"sync"
)

// StaticBook is an address book backed by a fixed map of node id to address.
type StaticBook struct {
	mu    sync.RWMutex
	addrs map[string]string
}

// NewStaticBook copies peers into a new book.
func NewStaticBook(peers map[string]string) *StaticBook {
	addrs := make(map[string]string, len(peers))
	for id, addr := range peers {
		if id == "" || addr == "" {
			continue
		}
		addrs[id] = addr
	}
	return &StaticBook{addrs: addrs}
}

// Address returns the address of nodeID.
func (b *StaticBook) Address(nodeID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	addr, ok := b.addrs[nodeID]
	return addr, ok
}

// Members returns the known node ids in sorted order.
func (b *StaticBook) Members() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.addrs))
	for id := range b.addrs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Set adds or replaces the address of nodeID.
func (b *StaticBook) Set(nodeID, addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addrs[nodeID] = addr
}

// Remove forgets nodeID.
func (b *StaticBook) Remove(nodeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.addrs, nodeID)
}
