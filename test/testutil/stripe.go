// Package testutil assembles in-process stripes for integration tests: an
// active node, any number of passives, and a loopback transport wiring
// them together.
package testutil

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/entityd/pkg/comm"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/entity"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/kv"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/persistence"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/server"
)

// DefaultTimeout bounds every wait in the harness.
const DefaultTimeout = 5 * time.Second

// StripeConfig describes the stripe to assemble.
type StripeConfig struct {
	ActiveName string
	Passives   []string
}

// DefaultStripeConfig is one active with two passives.
func DefaultStripeConfig() StripeConfig {
	return StripeConfig{
		ActiveName: "active-1",
		Passives:   []string{"passive-1", "passive-2"},
	}
}

// Node is one assembled stripe member.
type Node struct {
	Name     string
	Manager  *entity.Manager
	Entities *persistence.MemoryEntityPersistor
	Order    *persistence.MemoryOrderPersistor
	State    *server.StateManager
	Storage  *kv.Storage
	Pool     *entity.Pool
	Replica  *server.ReplicaHandler
}

// Stripe is a fully wired in-process stripe.
type Stripe struct {
	T          *testing.T
	Loopback   *comm.Loopback
	Hub        *comm.ClientHub
	Active     *Node
	Passives   []*Node
	Batcher    *server.ResponseBatcher
	Ingress    *server.TransactionHandler
	Replicator *server.ActiveReplicator
}

func newNode(t *testing.T, name string) *Node {
	t.Helper()
	storage := kv.NewStorage()
	registry := entity.MapRegistry{kv.StorageServiceName: storage}
	pool := entity.NewPool(4)
	t.Cleanup(pool.Close)

	manager, err := entity.NewManager(registry, pool,
		map[string]entity.Service{kv.ClassName: kv.Service{}})
	require.NoError(t, err)

	return &Node{
		Name:     name,
		Manager:  manager,
		Entities: persistence.NewMemoryEntityPersistor(),
		Order:    persistence.NewMemoryOrderPersistor(),
		State:    server.NewStateManager(logr.Discard()),
		Storage:  storage,
		Pool:     pool,
	}
}

// NewStripe assembles and starts a stripe. Every passive is announced the
// new active and left to bulk sync; call WaitForStandby before asserting
// replicated state.
func NewStripe(t *testing.T, cfg StripeConfig) *Stripe {
	t.Helper()

	s := &Stripe{
		T:        t,
		Loopback: comm.NewLoopback(),
		Hub:      comm.NewClientHub(),
	}
	t.Cleanup(s.Loopback.Close)

	s.Active = newNode(t, cfg.ActiveName)
	require.NoError(t, s.Active.Manager.EnterActiveState())
	s.Active.State.MoveToActive()

	s.Replicator = server.NewActiveReplicator(s.Loopback.Sender(cfg.ActiveName),
		s.Active.Manager, s.Active.Entities, logr.Discard())
	s.Loopback.Register(cfg.ActiveName, s.Replicator)

	s.Batcher = server.NewResponseBatcher(s.Hub)
	t.Cleanup(s.Batcher.Close)
	s.Ingress = server.NewTransactionHandler(s.Active.Manager, s.Active.Entities,
		s.Active.Order, s.Batcher, s.Replicator)

	for _, name := range cfg.Passives {
		s.AddPassive(name)
	}
	return s
}

// AddPassive builds a passive node, attaches it to the transport, and
// announces the active so it requests a bulk sync.
func (s *Stripe) AddPassive(name string) *Node {
	s.T.Helper()
	node := newNode(s.T, name)
	node.Replica = server.NewReplicaHandler(node.Manager, node.Entities, node.Order,
		node.State, s.Loopback.Sender(name))
	s.Loopback.Register(name, node.Replica)
	s.Passives = append(s.Passives, node)

	require.NoError(s.T, s.Loopback.Sender(s.Active.Name).SendReplication(name,
		&comm.ReplicationMessage{Kind: comm.KindStart}))
	return node
}

// WaitForStandby blocks until every passive has finished its bulk sync.
func (s *Stripe) WaitForStandby() {
	s.T.Helper()
	for _, node := range s.Passives {
		node := node
		require.Eventually(s.T, func() bool {
			return node.State.State() == server.StatePassiveStandby
		}, DefaultTimeout, 2*time.Millisecond, "passive %s never reached standby", node.Name)
	}
}

// WaitForReplication blocks until the active has no outstanding passive
// acknowledgments.
func (s *Stripe) WaitForReplication() {
	s.T.Helper()
	require.Eventually(s.T, func() bool {
		return s.Replicator.PendingAcks() == 0
	}, DefaultTimeout, 2*time.Millisecond, "replication acks still outstanding")
}

// Promote turns one passive into a serving active and returns an ingress
// over it. The old active keeps running; tests that need it gone should
// simply stop submitting to it.
func (s *Stripe) Promote(node *Node) *server.TransactionHandler {
	s.T.Helper()
	s.Loopback.Unregister(node.Name)
	node.Replica.Close()
	require.NoError(s.T, node.Manager.EnterActiveState())
	node.State.MoveToActive()

	batcher := server.NewResponseBatcher(s.Hub)
	s.T.Cleanup(batcher.Close)
	return server.NewTransactionHandler(node.Manager, node.Entities, node.Order,
		batcher, server.NullReplicator{})
}
