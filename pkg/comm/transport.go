package comm

import (
	"fmt"

	"github.com/therealutkarshpriyadarshi/entityd/pkg/entity"
)

// ErrNodeUnknown reports a send to a node the transport has no route for.
type ErrNodeUnknown struct {
	Node string
}

// Error implements the error interface.
func (e *ErrNodeUnknown) Error() string {
	return fmt.Sprintf("no route to node %q", e.Node)
}

// GroupSender sends messages between servers in a stripe. Implementations
// must deliver messages to a given destination in send order.
type GroupSender interface {
	// SendReplication delivers one replication message to a node.
	SendReplication(node string, msg *ReplicationMessage) error

	// SendReplicationWithCallback delivers one replication message and
	// invokes sent once the bytes have been handed to the network layer.
	// The callback fires at most once, on an unspecified goroutine.
	SendReplicationWithCallback(node string, msg *ReplicationMessage, sent func()) error

	// SendAckBatch delivers an acknowledgment batch to a node and invokes
	// sent once the write has been handed to the network layer.
	SendAckBatch(node string, batch *AckBatch, sent func()) error

	// RequestSync asks the named active node to start a bulk sync toward
	// the caller.
	RequestSync(node string) error
}

// ClientChannel is the response path to one connected client.
type ClientChannel interface {
	// SendResponses delivers a response batch to the client.
	SendResponses(batch *ResponseBatch) error
}

// ClientChannels resolves connected clients to their response channels.
type ClientChannels interface {
	// Channel returns the channel for a client, or false if the client is
	// no longer connected.
	Channel(client entity.ClientID) (ClientChannel, bool)
}
