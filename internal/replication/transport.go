package replication

import (
	"context"

	"github.com/lukw00heck/av-service/pkg/proto"
)

// Transport moves envelopes between nodes.
//
// Send is fire-and-forget: a nil error means the message was accepted for
// delivery, not that any peer received it. Broadcasts go to every known
// node except the sender; unicasts go to msg.ToID.
type Transport interface {
	Send(ctx context.Context, msg *proto.ReplicationMessage) error

	// RegisterHandler sets the callback for every inbound envelope.
	RegisterHandler(handler func(msg *proto.ReplicationMessage))
}

// LocalStore persists files on this node.
type LocalStore interface {
	Save(ctx context.Context, file proto.FileMessage) error
	Load(ctx context.Context, file proto.FileMessage) (proto.FileMessage, error)
	Update(ctx context.Context, file proto.FileMessage) error
	Delete(ctx context.Context, filename, owner string) error
	Exists(ctx context.Context, filename, owner string) (bool, error)
}
