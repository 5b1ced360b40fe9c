package comm

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/therealutkarshpriyadarshi/entityd/pkg/entity"
)

// Endpoint is one node's receive side on a Loopback transport.
type Endpoint interface {
	// ReceiveReplication handles one replication message from a peer.
	ReceiveReplication(from string, msg *ReplicationMessage)

	// ReceiveAcks handles an acknowledgment batch from a peer.
	ReceiveAcks(from string, batch *AckBatch)

	// ReceiveSyncRequest handles a bulk-sync request from a peer.
	ReceiveSyncRequest(from string)
}

// Loopback is an in-process transport connecting the nodes of one stripe
// within a single process. Each registered node gets a dedicated delivery
// goroutine, so messages to a node arrive in send order, and the sender
// never runs receiver code on its own goroutine.
type Loopback struct {
	logger logr.Logger

	mu     sync.Mutex
	nodes  map[string]*loopbackNode
	closed bool
}

type loopbackNode struct {
	endpoint Endpoint
	queue    chan func()
	done     chan struct{}
}

// LoopbackOption configures a Loopback.
type LoopbackOption func(*Loopback)

// WithLoopbackLogger sets the transport logger.
func WithLoopbackLogger(logger logr.Logger) LoopbackOption {
	return func(l *Loopback) {
		l.logger = logger
	}
}

// NewLoopback creates an empty loopback transport.
func NewLoopback(options ...LoopbackOption) *Loopback {
	l := &Loopback{
		logger: logr.Discard(),
		nodes:  make(map[string]*loopbackNode),
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// Register attaches a node's endpoint and starts its delivery goroutine.
// Registering the same name twice replaces the previous endpoint.
func (l *Loopback) Register(name string, endpoint Endpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.nodes[name]; ok {
		close(prev.queue)
		<-prev.done
	}
	node := &loopbackNode{
		endpoint: endpoint,
		queue:    make(chan func(), 1024),
		done:     make(chan struct{}),
	}
	l.nodes[name] = node
	go func() {
		defer close(node.done)
		for fn := range node.queue {
			fn()
		}
	}()
}

// Unregister detaches a node and stops its delivery goroutine after the
// pending queue drains.
func (l *Loopback) Unregister(name string) {
	l.mu.Lock()
	node, ok := l.nodes[name]
	if ok {
		delete(l.nodes, name)
	}
	l.mu.Unlock()
	if ok {
		close(node.queue)
		<-node.done
	}
}

// Close detaches every node, draining pending deliveries.
func (l *Loopback) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	nodes := l.nodes
	l.nodes = make(map[string]*loopbackNode)
	l.mu.Unlock()
	for _, node := range nodes {
		close(node.queue)
		<-node.done
	}
}

func (l *Loopback) deliver(node string, fn func()) error {
	l.mu.Lock()
	target, ok := l.nodes[node]
	l.mu.Unlock()
	if !ok {
		return &ErrNodeUnknown{Node: node}
	}
	target.queue <- fn
	return nil
}

// Sender returns a GroupSender whose messages carry the given origin.
func (l *Loopback) Sender(origin string) GroupSender {
	return &loopbackSender{loopback: l, origin: origin}
}

type loopbackSender struct {
	loopback *Loopback
	origin   string
}

func (s *loopbackSender) SendReplication(node string, msg *ReplicationMessage) error {
	return s.SendReplicationWithCallback(node, msg, nil)
}

func (s *loopbackSender) SendReplicationWithCallback(node string, msg *ReplicationMessage, sent func()) error {
	from := s.origin
	copied := *msg
	copied.From = from
	err := s.loopback.deliver(node, func() {
		s.loopback.endpointFor(node).ReceiveReplication(from, &copied)
	})
	if err != nil {
		return err
	}
	// The enqueue is the handoff to the wire.
	if sent != nil {
		sent()
	}
	return nil
}

func (s *loopbackSender) SendAckBatch(node string, batch *AckBatch, sent func()) error {
	from := s.origin
	copied := &AckBatch{Acks: append([]Ack(nil), batch.Acks...)}
	err := s.loopback.deliver(node, func() {
		s.loopback.endpointFor(node).ReceiveAcks(from, copied)
	})
	if err != nil {
		return err
	}
	if sent != nil {
		sent()
	}
	return nil
}

func (s *loopbackSender) RequestSync(node string) error {
	from := s.origin
	return s.loopback.deliver(node, func() {
		s.loopback.endpointFor(node).ReceiveSyncRequest(from)
	})
}

func (l *Loopback) endpointFor(node string) Endpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n, ok := l.nodes[node]; ok {
		return n.endpoint
	}
	return nopEndpoint{}
}

type nopEndpoint struct{}

func (nopEndpoint) ReceiveReplication(string, *ReplicationMessage) {}
func (nopEndpoint) ReceiveAcks(string, *AckBatch)                 {}
func (nopEndpoint) ReceiveSyncRequest(string)                     {}

// ClientHub tracks connected clients and their response channels. It
// implements ClientChannels for the server side.
type ClientHub struct {
	mu       sync.RWMutex
	channels map[entity.ClientID]ClientChannel
}

// NewClientHub creates an empty hub.
func NewClientHub() *ClientHub {
	return &ClientHub{channels: make(map[entity.ClientID]ClientChannel)}
}

// Connect registers a client's response channel.
func (h *ClientHub) Connect(client entity.ClientID, channel ClientChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channels[client] = channel
}

// Disconnect removes a client.
func (h *ClientHub) Disconnect(client entity.ClientID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.channels, client)
}

// Channel implements ClientChannels.
func (h *ClientHub) Channel(client entity.ClientID) (ClientChannel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.channels[client]
	return ch, ok
}
