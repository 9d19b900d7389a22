package cluster

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticBook(t *testing.T) {
	peers := map[string]string{
		"b": "10.0.0.2:8080",
		"a": "10.0.0.1:8080",
		"":  "ignored:1",
		"c": "",
	}
	book := NewStaticBook(peers)

	assert.Equal(t, []string{"a", "b"}, book.Members())

	addr, ok := book.Address("b")
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.2:8080", addr)

	_, ok = book.Address("c")
	assert.False(t, ok)

	// The book owns its copy
	peers["d"] = "10.0.0.4:8080"
	assert.Len(t, book.Members(), 2)

	book.Set("d", "10.0.0.4:8080")
	book.Remove("a")
	assert.Equal(t, []string{"b", "d"}, book.Members())
}

func newTestGossip(t *testing.T, id string, seeds ...string) *GossipBook {
	t.Helper()
	book, err := NewGossipBook(GossipConfig{
		NodeID:     id,
		APIAddress: "http://" + id + ":8080",
		Bind:       "127.0.0.1:0",
		Seeds:      seeds,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = book.Shutdown() })
	return book
}

func TestNewGossipBook_Validation(t *testing.T) {
	tests := []struct {
		name   string
		config GossipConfig
	}{
		{"missing node id", GossipConfig{Bind: "127.0.0.1:0"}},
		{"invalid bind address", GossipConfig{NodeID: "a", Bind: "invalid"}},
		{"invalid port", GossipConfig{NodeID: "a", Bind: "127.0.0.1:notaport"}},
		{"metadata too large", GossipConfig{NodeID: "a", Bind: "127.0.0.1:0", APIAddress: strings.Repeat("x", 1024)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGossipBook(tt.config)
			assert.Error(t, err)
		})
	}
}

func TestGossipBook_Self(t *testing.T) {
	book := newTestGossip(t, "a")

	assert.Equal(t, 1, book.NumMembers())
	assert.Equal(t, []string{"a"}, book.Members())

	addr, ok := book.Address("a")
	assert.True(t, ok)
	assert.Equal(t, "http://a:8080", addr)

	_, ok = book.Address("b")
	assert.False(t, ok)
}

func TestGossipBook_UnreachableSeedIsNotFatal(t *testing.T) {
	book := newTestGossip(t, "a", "127.0.0.1:1")
	assert.Equal(t, 1, book.NumMembers())
}

func TestGossipBook_Join(t *testing.T) {
	a := newTestGossip(t, "a")
	b := newTestGossip(t, "b", a.GossipAddress())

	require.Eventually(t, func() bool {
		return a.NumMembers() == 2 && b.NumMembers() == 2
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, []string{"a", "b"}, a.Members())
	addr, ok := a.Address("b")
	assert.True(t, ok)
	assert.Equal(t, "http://b:8080", addr)

	assert.NoError(t, b.Join(nil))
	require.NoError(t, b.Leave())
	assert.Eventually(t, func() bool {
		return a.NumMembers() == 1
	}, 5*time.Second, 50*time.Millisecond)
}
