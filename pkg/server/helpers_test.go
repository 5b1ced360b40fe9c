package server

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/entityd/pkg/comm"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/entity"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/persistence"
)

func testLogger() logr.Logger {
	return logr.Discard()
}

// echo is the test entity class: payloads of the form "<digit><body>" run
// on the concurrency key named by the digit, and invokes echo back.
type echoStrategy struct{}

func (echoStrategy) ConcurrencyKey(payload []byte) int {
	if len(payload) == 0 || payload[0] < '1' || payload[0] > '9' {
		return 1
	}
	return int(payload[0] - '0')
}

func (echoStrategy) Keys() []int {
	return []int{1, 2}
}

type echoMessage struct {
	body string
}

type echoCodec struct{}

func (echoCodec) Decode(raw []byte) (entity.Message, error) {
	if len(raw) > 0 && raw[0] == '!' {
		return nil, errors.New("malformed payload")
	}
	return &echoMessage{body: string(raw)}, nil
}

type echoActive struct {
	mu       sync.Mutex
	config   []byte
	applied  []string
	syncSeed map[int][][]byte
}

func (a *echoActive) CreateNew() error    { return nil }
func (a *echoActive) LoadExisting() error { return nil }
func (a *echoActive) Destroy() error      { return nil }

func (a *echoActive) Invoke(_ entity.ClientDescriptor, payload []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, string(payload))
	return append([]byte("echo:"), payload...), nil
}

func (a *echoActive) Connected(entity.ClientDescriptor)    {}
func (a *echoActive) Disconnected(entity.ClientDescriptor) {}
func (a *echoActive) GetConfig() []byte                    { return a.config }

func (a *echoActive) Sync(key int) [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.syncSeed[key]
}

func (a *echoActive) ConcurrencyStrategy() entity.ConcurrencyStrategy {
	return echoStrategy{}
}

func (a *echoActive) appliedPayloads() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.applied...)
}

type echoPassive struct {
	mu      sync.Mutex
	applied []string
	holds   map[string]chan struct{}
}

func (p *echoPassive) CreateNew() error    { return nil }
func (p *echoPassive) LoadExisting() error { return nil }
func (p *echoPassive) Destroy() error      { return nil }

// holdOn makes the next Invoke of payload block until the returned
// channel is closed.
func (p *echoPassive) holdOn(payload string) chan struct{} {
	release := make(chan struct{})
	p.mu.Lock()
	if p.holds == nil {
		p.holds = make(map[string]chan struct{})
	}
	p.holds[payload] = release
	p.mu.Unlock()
	return release
}

func (p *echoPassive) Invoke(payload []byte) error {
	p.mu.Lock()
	p.applied = append(p.applied, string(payload))
	gate := p.holds[string(payload)]
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return nil
}

func (p *echoPassive) appliedPayloads() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.applied...)
}

type echoService struct {
	mu       sync.Mutex
	actives  []*echoActive
	passives []*echoPassive
}

func (s *echoService) CreateActiveEntity(_ entity.ServiceRegistry, configuration []byte) (entity.ActiveEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := &echoActive{config: configuration, syncSeed: map[int][][]byte{}}
	s.actives = append(s.actives, active)
	return active, nil
}

func (s *echoService) CreatePassiveEntity(_ entity.ServiceRegistry, configuration []byte) (entity.PassiveEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	passive := &echoPassive{}
	s.passives = append(s.passives, passive)
	return passive, nil
}

func (s *echoService) Codec() entity.MessageCodec {
	return echoCodec{}
}

func (s *echoService) lastActive() *echoActive {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.actives) == 0 {
		return nil
	}
	return s.actives[len(s.actives)-1]
}

func (s *echoService) lastPassive() *echoPassive {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.passives) == 0 {
		return nil
	}
	return s.passives[len(s.passives)-1]
}

var echoID = entity.EntityID{ClassName: "echo", EntityName: "one"}

// sinkChannel records one client's response stream.
type sinkChannel struct {
	mu        sync.Mutex
	responses []comm.Response
}

func (c *sinkChannel) SendResponses(batch *comm.ResponseBatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, batch.Responses...)
	return nil
}

func (c *sinkChannel) snapshot() []comm.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]comm.Response(nil), c.responses...)
}

// forTransaction returns the client's responses for one transaction, in
// delivery order.
func (c *sinkChannel) forTransaction(transaction entity.TransactionID) []comm.Response {
	var out []comm.Response
	for _, response := range c.snapshot() {
		if response.Transaction == transaction {
			out = append(out, response)
		}
	}
	return out
}

type sinkHub struct {
	mu       sync.Mutex
	channels map[entity.ClientID]*sinkChannel
}

func newSinkHub() *sinkHub {
	return &sinkHub{channels: make(map[entity.ClientID]*sinkChannel)}
}

func (h *sinkHub) add(client entity.ClientID) *sinkChannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	channel := &sinkChannel{}
	h.channels[client] = channel
	return channel
}

func (h *sinkHub) Channel(client entity.ClientID) (comm.ClientChannel, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	channel, ok := h.channels[client]
	return channel, ok
}

// awaitResponses blocks until the client has received at least n responses.
func awaitResponses(t *testing.T, sink *sinkChannel, n int) []comm.Response {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(sink.snapshot()) >= n
	}, 2*time.Second, 2*time.Millisecond, "waiting for %d responses", n)
	return sink.snapshot()
}

func kindsOf(responses []comm.Response) []comm.ResponseKind {
	kinds := make([]comm.ResponseKind, 0, len(responses))
	for _, response := range responses {
		kinds = append(kinds, response.Kind)
	}
	return kinds
}

// recordingReplicator captures the active's replication fan-out.
type recordingReplicator struct {
	mu   sync.Mutex
	msgs []*comm.ReplicationMessage
}

func (r *recordingReplicator) Replicate(msg *comm.ReplicationMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *msg
	r.msgs = append(r.msgs, &copied)
}

func (r *recordingReplicator) snapshot() []*comm.ReplicationMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*comm.ReplicationMessage(nil), r.msgs...)
}

func (r *recordingReplicator) activities() []comm.Activity {
	var out []comm.Activity
	for _, msg := range r.snapshot() {
		out = append(out, msg.Activity)
	}
	return out
}

// fakeSender records group sends and invokes write callbacks inline.
type fakeSender struct {
	mu           sync.Mutex
	sent         map[string][]*comm.ReplicationMessage
	acks         map[string][]comm.Ack
	syncRequests []string
	failNodes    map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		sent:      make(map[string][]*comm.ReplicationMessage),
		acks:      make(map[string][]comm.Ack),
		failNodes: make(map[string]bool),
	}
}

func (s *fakeSender) SendReplication(node string, msg *comm.ReplicationMessage) error {
	return s.SendReplicationWithCallback(node, msg, nil)
}

func (s *fakeSender) SendReplicationWithCallback(node string, msg *comm.ReplicationMessage, sent func()) error {
	s.mu.Lock()
	if s.failNodes[node] {
		s.mu.Unlock()
		return &comm.ErrNodeUnknown{Node: node}
	}
	copied := *msg
	s.sent[node] = append(s.sent[node], &copied)
	s.mu.Unlock()
	if sent != nil {
		sent()
	}
	return nil
}

func (s *fakeSender) SendAckBatch(node string, batch *comm.AckBatch, sent func()) error {
	s.mu.Lock()
	s.acks[node] = append(s.acks[node], batch.Acks...)
	s.mu.Unlock()
	if sent != nil {
		sent()
	}
	return nil
}

func (s *fakeSender) RequestSync(node string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncRequests = append(s.syncRequests, node)
	return nil
}

func (s *fakeSender) sentTo(node string) []*comm.ReplicationMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*comm.ReplicationMessage(nil), s.sent[node]...)
}

func (s *fakeSender) acksTo(node string) []comm.Ack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]comm.Ack(nil), s.acks[node]...)
}

func (s *fakeSender) requestedSync() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.syncRequests...)
}

func (s *fakeSender) failNode(node string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNodes[node] = true
}

// ackFor returns the acknowledgments recorded for one message id.
func (s *fakeSender) ackFor(node string, messageID uint64) []comm.AckCode {
	var codes []comm.AckCode
	for _, ack := range s.acksTo(node) {
		if ack.MessageID == messageID {
			codes = append(codes, ack.Code)
		}
	}
	return codes
}

// activeRig assembles the active-side ingress over in-memory persistence.
type activeRig struct {
	service    *echoService
	manager    *entity.Manager
	entities   *persistence.MemoryEntityPersistor
	order      *persistence.MemoryOrderPersistor
	hub        *sinkHub
	batcher    *ResponseBatcher
	replicated *recordingReplicator
	handler    *TransactionHandler
}

func newActiveRig(t *testing.T) *activeRig {
	t.Helper()
	pool := entity.NewPool(4)
	t.Cleanup(pool.Close)

	rig := &activeRig{
		service:    &echoService{},
		entities:   persistence.NewMemoryEntityPersistor(),
		order:      persistence.NewMemoryOrderPersistor(),
		hub:        newSinkHub(),
		replicated: &recordingReplicator{},
	}
	manager, err := entity.NewManager(entity.NullServiceRegistry{}, pool,
		map[string]entity.Service{"echo": rig.service})
	require.NoError(t, err)
	require.NoError(t, manager.EnterActiveState())
	rig.manager = manager

	rig.batcher = NewResponseBatcher(rig.hub)
	t.Cleanup(rig.batcher.Close)
	rig.handler = NewTransactionHandler(manager, rig.entities, rig.order,
		rig.batcher, rig.replicated, WithIngressLogger(testLogger()))
	return rig
}

// replicaRig assembles the passive-side ingress over in-memory persistence.
type replicaRig struct {
	service  *echoService
	manager  *entity.Manager
	entities *persistence.MemoryEntityPersistor
	order    *persistence.MemoryOrderPersistor
	state    *StateManager
	sender   *fakeSender
	handler  *ReplicaHandler
}

func newReplicaRig(t *testing.T) *replicaRig {
	t.Helper()
	pool := entity.NewPool(4)
	t.Cleanup(pool.Close)

	rig := &replicaRig{
		service:  &echoService{},
		entities: persistence.NewMemoryEntityPersistor(),
		order:    persistence.NewMemoryOrderPersistor(),
		state:    NewStateManager(testLogger()),
		sender:   newFakeSender(),
	}
	manager, err := entity.NewManager(entity.NullServiceRegistry{}, pool,
		map[string]entity.Service{"echo": rig.service})
	require.NoError(t, err)
	rig.manager = manager

	rig.handler = NewReplicaHandler(manager, rig.entities, rig.order, rig.state,
		rig.sender, WithReplicaLogger(testLogger()))
	return rig
}
