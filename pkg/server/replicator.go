package server

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/therealutkarshpriyadarshi/entityd/pkg/comm"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/entity"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/persistence"
)

// Replicator forwards client operations from the active to its passives.
type Replicator interface {
	// Replicate sends one operation to every tracked passive. The message
	// id is assigned here; callers leave it zero.
	Replicate(msg *comm.ReplicationMessage)
}

// NullReplicator discards everything. Used when the stripe has no
// passives.
type NullReplicator struct{}

// Replicate implements Replicator.
func (NullReplicator) Replicate(*comm.ReplicationMessage) {}

// ActiveReplicator is the active's replication fan-out. It assigns stream
// message ids, tracks outstanding passive acknowledgments, and runs the
// bulk sync when a passive requests one.
type ActiveReplicator struct {
	sender   comm.GroupSender
	manager  *entity.Manager
	entities persistence.EntityPersistor
	logger   logr.Logger

	mu       sync.Mutex
	passives map[string]struct{}
	nextID   uint64
	pending  map[uint64]int
}

// NewActiveReplicator creates a replicator with no passives attached.
func NewActiveReplicator(sender comm.GroupSender, manager *entity.Manager, entities persistence.EntityPersistor, logger logr.Logger) *ActiveReplicator {
	return &ActiveReplicator{
		sender:   sender,
		manager:  manager,
		entities: entities,
		logger:   logger,
		passives: make(map[string]struct{}),
		pending:  make(map[uint64]int),
	}
}

// AddPassive starts replicating to a node.
func (r *ActiveReplicator) AddPassive(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passives[node] = struct{}{}
}

// RemovePassive stops replicating to a node.
func (r *ActiveReplicator) RemovePassive(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.passives, node)
}

// PendingAcks returns the number of sent messages not yet fully
// acknowledged.
func (r *ActiveReplicator) PendingAcks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Replicate implements Replicator.
func (r *ActiveReplicator) Replicate(msg *comm.ReplicationMessage) {
	r.mu.Lock()
	r.nextID++
	msg.MessageID = r.nextID
	targets := make([]string, 0, len(r.passives))
	for node := range r.passives {
		targets = append(targets, node)
	}
	if len(targets) > 0 {
		r.pending[msg.MessageID] = len(targets)
	}
	r.mu.Unlock()

	for _, node := range targets {
		if err := r.sender.SendReplication(node, msg); err != nil {
			r.logger.Error(err, "replicating to passive", "node", node, "messageID", msg.MessageID)
			r.RemovePassive(node)
			r.acknowledge(msg.MessageID)
		}
	}
}

func (r *ActiveReplicator) acknowledge(messageID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	remaining, ok := r.pending[messageID]
	if !ok {
		return
	}
	if remaining <= 1 {
		delete(r.pending, messageID)
	} else {
		r.pending[messageID] = remaining - 1
	}
}

// ReceiveAcks implements comm.Endpoint for the active side.
func (r *ActiveReplicator) ReceiveAcks(from string, batch *comm.AckBatch) {
	for _, ack := range batch.Acks {
		if ack.Code == comm.AckFail {
			r.logger.Info("passive reported failed apply", "node", from, "messageID", ack.MessageID)
		}
		if ack.Code != comm.AckReceived {
			r.acknowledge(ack.MessageID)
		}
	}
}

// ReceiveSyncRequest implements comm.Endpoint: a passive is asking to be
// brought up to date.
func (r *ActiveReplicator) ReceiveSyncRequest(from string) {
	go func() {
		if err := r.runSync(from); err != nil {
			r.logger.Error(err, "bulk sync failed", "node", from)
			r.RemovePassive(from)
		}
	}()
}

// ReceiveReplication implements comm.Endpoint. An active never receives
// replication traffic.
func (r *ActiveReplicator) ReceiveReplication(from string, msg *comm.ReplicationMessage) {
	r.logger.Info("ignoring replication message on active", "from", from, "messageID", msg.MessageID)
}

// runSync streams the full entity state to one passive. The passive is
// attached to the replication fan-out under the catalog lock, so every
// operation after the snapshot reaches it through normal replication and
// every entity in the snapshot is streamed in full.
func (r *ActiveReplicator) runSync(node string) error {
	r.logger.Info("starting bulk sync", "node", node)
	if err := r.sendSync(node, &comm.ReplicationMessage{
		Kind: comm.KindSync, Activity: comm.ActivitySyncBegin,
	}); err != nil {
		return err
	}

	snapshot := r.manager.Snapshot(func() {
		r.AddPassive(node)
	}, nil)

	for _, ent := range snapshot {
		if ent.ID() == entity.PlatformID {
			continue
		}
		target := &syncStream{replicator: r, node: node, version: ent.Version(), consumerID: ent.ConsumerID()}
		if err := ent.Sync(target); err != nil {
			return fmt.Errorf("syncing entity %s: %w", ent.ID(), err)
		}
	}

	catalog, err := r.entities.SnapshotCatalog()
	if err != nil {
		return fmt.Errorf("snapshotting catalog: %w", err)
	}
	if err := r.sendSync(node, &comm.ReplicationMessage{
		Kind: comm.KindSync, Activity: comm.ActivitySyncEnd, Payload: catalog,
	}); err != nil {
		return err
	}
	r.logger.Info("bulk sync complete", "node", node)
	return nil
}

func (r *ActiveReplicator) sendSync(node string, msg *comm.ReplicationMessage) error {
	r.mu.Lock()
	r.nextID++
	msg.MessageID = r.nextID
	r.mu.Unlock()
	return r.sender.SendReplication(node, msg)
}

// syncStream adapts the replication stream to one entity's sync. EndKey
// blocks until the end marker's write has been handed to the network,
// which paces the active at the passive's apply rate.
type syncStream struct {
	replicator *ActiveReplicator
	node       string
	version    uint64
	consumerID int64
}

func (s *syncStream) BeginEntitySync(id entity.EntityID, version uint64, deletable bool, configuration []byte) error {
	undeletable := 0
	if !deletable {
		undeletable = 1
	}
	return s.replicator.sendSync(s.node, &comm.ReplicationMessage{
		Kind:        comm.KindSync,
		Activity:    comm.ActivitySyncEntityBegin,
		Descriptor:  entity.EntityDescriptor{ID: id, Version: version},
		Payload:     configuration,
		Concurrency: undeletable,
		ConsumerID:  s.consumerID,
	})
}

func (s *syncStream) BeginKey(id entity.EntityID, key int) error {
	return s.replicator.sendSync(s.node, &comm.ReplicationMessage{
		Kind:        comm.KindSync,
		Activity:    comm.ActivitySyncKeyBegin,
		Descriptor:  entity.EntityDescriptor{ID: id, Version: s.version},
		Concurrency: key,
	})
}

func (s *syncStream) SendPayload(id entity.EntityID, key int, payload []byte) error {
	return s.replicator.sendSync(s.node, &comm.ReplicationMessage{
		Kind:        comm.KindSync,
		Activity:    comm.ActivitySyncKeyPayload,
		Descriptor:  entity.EntityDescriptor{ID: id, Version: s.version},
		Payload:     payload,
		Concurrency: key,
	})
}

func (s *syncStream) EndKey(id entity.EntityID, key int) error {
	msg := &comm.ReplicationMessage{
		Kind:        comm.KindSync,
		Activity:    comm.ActivitySyncKeyEnd,
		Descriptor:  entity.EntityDescriptor{ID: id, Version: s.version},
		Concurrency: key,
	}
	s.replicator.mu.Lock()
	s.replicator.nextID++
	msg.MessageID = s.replicator.nextID
	s.replicator.mu.Unlock()

	written := make(chan struct{})
	if err := s.replicator.sender.SendReplicationWithCallback(s.node, msg, func() {
		close(written)
	}); err != nil {
		return err
	}
	<-written
	return nil
}

func (s *syncStream) EndEntitySync(id entity.EntityID, version uint64) error {
	return s.replicator.sendSync(s.node, &comm.ReplicationMessage{
		Kind:       comm.KindSync,
		Activity:   comm.ActivitySyncEntityEnd,
		Descriptor: entity.EntityDescriptor{ID: id, Version: version},
	})
}
