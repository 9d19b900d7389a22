// Package proto defines the replication protocol messages exchanged between
// storage nodes.
package proto

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ProtocolVersion is the current replication protocol version.
// Version history:
//   - v1: discovery, existence queries, CRUD commands and cluster locking
const ProtocolVersion = 1

// FileMessageType identifies the operation a FileMessage was built for.
type FileMessageType string

const (
	FileSave     FileMessageType = "SAVE"
	FileLoad     FileMessageType = "LOAD"
	FileUpdate   FileMessageType = "UPDATE"
	FileDelete   FileMessageType = "DELETE"
	FileNotFound FileMessageType = "NOT_FOUND"
)

// FileMessage carries one file identified by (Filename, Owner).
// It is treated as a value: derived operations build a new message.
type FileMessage struct {
	ID       string          `json:"id"` // Correlation key of the logical operation
	Filename string          `json:"filename"`
	Owner    string          `json:"owner"`
	Data     []byte          `json:"data,omitempty"`
	Type     FileMessageType `json:"type"`
}

// NewFileMessage creates a file message with a fresh correlation id.
func NewFileMessage(filename, owner string, data []byte, typ FileMessageType) FileMessage {
	return FileMessage{
		ID:       uuid.New().String(),
		Filename: filename,
		Owner:    owner,
		Data:     data,
		Type:     typ,
	}
}

// Derive returns a copy of m for another operation on the same key.
// The copy keeps the correlation id and drops nothing but the type.
func (m FileMessage) Derive(typ FileMessageType) FileMessage {
	m.Type = typ
	return m
}

// WithData returns a copy of m carrying data.
func (m FileMessage) WithData(data []byte) FileMessage {
	m.Data = data
	return m
}

// Key returns the identity of the file within the owner's namespace.
func (m FileMessage) Key() string {
	return FileKey(m.Filename, m.Owner)
}

// String formats the message for logs without the payload.
func (m FileMessage) String() string {
	return fmt.Sprintf("FileMessage{id=%s filename=%q owner=%q type=%s size=%d}",
		m.ID, m.Filename, m.Owner, m.Type, len(m.Data))
}

// FileKey builds the map key used for (filename, owner) pairs.
func FileKey(filename, owner string) string {
	return owner + "\x00" + filename
}

// Command is the peer protocol command carried by a ReplicationMessage.
type Command string

const (
	CommandDiscover Command = "DISCOVER"
	CommandExists   Command = "EXISTS"
	CommandSave     Command = "SAVE"
	CommandLoad     Command = "LOAD"
	CommandUpdate   Command = "UPDATE"
	CommandDelete   Command = "DELETE"
	CommandLock     Command = "LOCK"
	CommandUnlock   Command = "UNLOCK"
)

// Valid reports whether c is a known command.
func (c Command) Valid() bool {
	switch c {
	case CommandDiscover, CommandExists, CommandSave, CommandLoad,
		CommandUpdate, CommandDelete, CommandLock, CommandUnlock:
		return true
	}
	return false
}

// Routing tells the transport how to address a message.
type Routing string

const (
	// RoutingBroadcast delivers to every known node except the sender.
	RoutingBroadcast Routing = "BROADCAST"
	// RoutingUnicast delivers to the node named by ToID.
	RoutingUnicast Routing = "UNICAST"
)

// Valid reports whether r is a known routing.
func (r Routing) Valid() bool {
	return r == RoutingBroadcast || r == RoutingUnicast
}

// Status is the outcome carried by a reply. Requests leave it empty.
type Status string

const (
	StatusNone   Status = ""
	StatusReady  Status = "READY"
	StatusOK     Status = "OK"
	StatusFailed Status = "FAILED"
)

// ReplicationMessage is the envelope for all peer protocol messages.
type ReplicationMessage struct {
	Version int          `json:"version"` // Protocol version for compatibility checking
	ID      string       `json:"id"`      // Correlates replies to the originating request
	Command Command      `json:"command"`
	Routing Routing      `json:"routing"`
	FromID  string       `json:"from_id"`
	ToID    string       `json:"to_id,omitempty"`
	Status  Status       `json:"status,omitempty"`
	File    *FileMessage `json:"file,omitempty"`
}

// IsReply reports whether the message answers an earlier request.
func (m *ReplicationMessage) IsReply() bool {
	return m.Status != StatusNone
}

// Filename returns the embedded file name, or "" without a payload.
func (m *ReplicationMessage) Filename() string {
	if m.File == nil {
		return ""
	}
	return m.File.Filename
}

// Owner returns the embedded file owner, or "" without a payload.
func (m *ReplicationMessage) Owner() string {
	if m.File == nil {
		return ""
	}
	return m.File.Owner
}

// Reply starts a unicast reply to m from node from.
func (m *ReplicationMessage) Reply(from string, status Status) *Builder {
	return NewBuilder(m.ID).
		Command(m.Command).
		Routing(RoutingUnicast).
		From(from).
		To(m.FromID).
		Status(status)
}

// Validate checks the structural invariants of the envelope.
func (m *ReplicationMessage) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if !m.Command.Valid() {
		return fmt.Errorf("unknown command: %q", m.Command)
	}
	if !m.Routing.Valid() {
		return fmt.Errorf("unknown routing: %q", m.Routing)
	}
	if m.FromID == "" {
		return fmt.Errorf("from_id is required")
	}
	if m.Routing == RoutingUnicast && m.ToID == "" {
		return fmt.Errorf("to_id is required for unicast")
	}
	switch m.Status {
	case StatusNone, StatusReady, StatusOK, StatusFailed:
	default:
		return fmt.Errorf("unknown status: %q", m.Status)
	}
	return nil
}

// Builder assembles a ReplicationMessage. Messages are never mutated after Build.
type Builder struct {
	msg ReplicationMessage
}

// NewBuilder starts a message with the given correlation id.
// An empty id is replaced by a random one.
func NewBuilder(id string) *Builder {
	if id == "" {
		id = uuid.New().String()
	}
	return &Builder{msg: ReplicationMessage{Version: ProtocolVersion, ID: id}}
}

func (b *Builder) Command(c Command) *Builder {
	b.msg.Command = c
	return b
}

func (b *Builder) Routing(r Routing) *Builder {
	b.msg.Routing = r
	return b
}

func (b *Builder) From(nodeID string) *Builder {
	b.msg.FromID = nodeID
	return b
}

func (b *Builder) To(nodeID string) *Builder {
	b.msg.ToID = nodeID
	return b
}

func (b *Builder) Status(s Status) *Builder {
	b.msg.Status = s
	return b
}

// File embeds a copy of fm.
func (b *Builder) File(fm FileMessage) *Builder {
	b.msg.File = &fm
	return b
}

// Build validates and returns the message.
func (b *Builder) Build() (*ReplicationMessage, error) {
	msg := b.msg
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("build message: %w", err)
	}
	return &msg, nil
}

// Marshal serializes the message to JSON.
func (m *ReplicationMessage) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

// UnmarshalMessage deserializes and validates a message from JSON.
func UnmarshalMessage(data []byte) (*ReplicationMessage, error) {
	var msg ReplicationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}

	// Version 0 is treated as version 1 for senders that omit the field
	if msg.Version == 0 {
		msg.Version = 1
	}
	if msg.Version != ProtocolVersion {
		return nil, fmt.Errorf("incompatible protocol version: got %d, expected %d", msg.Version, ProtocolVersion)
	}

	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	return &msg, nil
}
