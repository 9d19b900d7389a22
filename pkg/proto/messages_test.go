package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder_Build(t *testing.T) {
	tests := []struct {
		name    string
		build   func() *Builder
		wantErr string
	}{
		{
			name: "broadcast discover",
			build: func() *Builder {
				return NewBuilder("").Command(CommandDiscover).Routing(RoutingBroadcast).From("node-a")
			},
		},
		{
			name: "unicast without target",
			build: func() *Builder {
				return NewBuilder("id-1").Command(CommandSave).Routing(RoutingUnicast).From("node-a")
			},
			wantErr: "to_id is required",
		},
		{
			name: "unknown command",
			build: func() *Builder {
				return NewBuilder("id-1").Command("STATUS").Routing(RoutingBroadcast).From("node-a")
			},
			wantErr: "unknown command",
		},
		{
			name: "missing sender",
			build: func() *Builder {
				return NewBuilder("id-1").Command(CommandExists).Routing(RoutingBroadcast)
			},
			wantErr: "from_id is required",
		},
		{
			name: "unknown status",
			build: func() *Builder {
				return NewBuilder("id-1").Command(CommandExists).Routing(RoutingBroadcast).From("a").Status("MAYBE")
			},
			wantErr: "unknown status",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := tt.build().Build()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, msg.ID)
			assert.Equal(t, ProtocolVersion, msg.Version)
		})
	}
}

func TestBuilder_FileIsCopied(t *testing.T) {
	fm := NewFileMessage("a.txt", "alice", []byte("hello"), FileSave)
	b := NewBuilder(fm.ID).Command(CommandSave).Routing(RoutingUnicast).From("a").To("b").File(fm)

	fm.Filename = "changed.txt"
	msg, err := b.Build()
	require.NoError(t, err)

	assert.Equal(t, "a.txt", msg.Filename())
	assert.Equal(t, "alice", msg.Owner())
}

func TestReplicationMessage_RoundTrip(t *testing.T) {
	fm := NewFileMessage("report.pdf", "bob", []byte{0x00, 0x01, 0xfe}, FileSave)
	msg, err := NewBuilder(fm.ID).
		Command(CommandSave).
		Routing(RoutingUnicast).
		From("node-a").
		To("node-b").
		Status(StatusOK).
		File(fm).
		Build()
	require.NoError(t, err)

	data, err := msg.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalMessage(data)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestUnmarshalMessage_Version(t *testing.T) {
	t.Run("missing version treated as v1", func(t *testing.T) {
		data := []byte(`{"id":"x","command":"DISCOVER","routing":"BROADCAST","from_id":"a"}`)
		msg, err := UnmarshalMessage(data)
		require.NoError(t, err)
		assert.Equal(t, 1, msg.Version)
	})

	t.Run("future version rejected", func(t *testing.T) {
		data := []byte(`{"version":2,"id":"x","command":"DISCOVER","routing":"BROADCAST","from_id":"a"}`)
		_, err := UnmarshalMessage(data)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "incompatible protocol version")
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := UnmarshalMessage([]byte(`{`))
		assert.Error(t, err)
	})
}

func TestReplicationMessage_Reply(t *testing.T) {
	req, err := NewBuilder("req-1").Command(CommandExists).Routing(RoutingBroadcast).From("node-a").Build()
	require.NoError(t, err)

	reply, err := req.Reply("node-b", StatusOK).Build()
	require.NoError(t, err)

	assert.Equal(t, "req-1", reply.ID)
	assert.Equal(t, CommandExists, reply.Command)
	assert.Equal(t, RoutingUnicast, reply.Routing)
	assert.Equal(t, "node-b", reply.FromID)
	assert.Equal(t, "node-a", reply.ToID)
	assert.True(t, reply.IsReply())
	assert.False(t, req.IsReply())
}

func TestFileMessage_Derive(t *testing.T) {
	save := NewFileMessage("a", "o", []byte("x"), FileSave)
	del := save.Derive(FileDelete)

	assert.Equal(t, FileSave, save.Type)
	assert.Equal(t, FileDelete, del.Type)
	assert.Equal(t, save.ID, del.ID)
	assert.Equal(t, save.Key(), del.Key())
	assert.NotEqual(t, FileKey("a", "o"), FileKey("o", "a"))
}
