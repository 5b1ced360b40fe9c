package server

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/therealutkarshpriyadarshi/entityd/pkg/comm"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/entity"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/persistence"
)

// ackBatcher coalesces acknowledgments toward the active into a single
// in-flight batch. A new batch is not written until the previous write
// completes, which couples ack throughput to network readiness.
type ackBatcher struct {
	sender comm.GroupSender
	node   string
	logger logr.Logger

	mu       sync.Mutex
	pending  []comm.Ack
	inFlight bool
}

func newAckBatcher(sender comm.GroupSender, node string, logger logr.Logger) *ackBatcher {
	return &ackBatcher{sender: sender, node: node, logger: logger}
}

func (b *ackBatcher) add(messageID uint64, code comm.AckCode) {
	b.mu.Lock()
	b.pending = append(b.pending, comm.Ack{MessageID: messageID, Code: code})
	b.mu.Unlock()
	b.flush()
}

func (b *ackBatcher) flush() {
	b.mu.Lock()
	if b.inFlight || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	b.inFlight = true
	batch := &comm.AckBatch{Acks: b.pending}
	b.pending = nil
	b.mu.Unlock()

	err := b.sender.SendAckBatch(b.node, batch, func() {
		b.mu.Lock()
		b.inFlight = false
		b.mu.Unlock()
		b.flush()
	})
	if err != nil {
		b.logger.Error(err, "sending ack batch", "node", b.node)
		b.mu.Lock()
		b.inFlight = false
		b.mu.Unlock()
	}
}

// ReplicaHandler is the passive's ingress: it applies the active's
// replication stream, runs the bulk-sync state machine, and acknowledges
// every message back to the active.
type ReplicaHandler struct {
	manager  *entity.Manager
	entities persistence.EntityPersistor
	order    persistence.TransactionOrderPersistor
	state    *StateManager
	sender   comm.GroupSender
	logger   logr.Logger

	mu   sync.Mutex
	sync *syncState
	acks *ackBatcher
}

// ReplicaOption configures a ReplicaHandler.
type ReplicaOption func(*ReplicaHandler)

// WithReplicaLogger sets the handler's logger.
func WithReplicaLogger(logger logr.Logger) ReplicaOption {
	return func(h *ReplicaHandler) {
		h.logger = logger
	}
}

// NewReplicaHandler creates the passive ingress.
func NewReplicaHandler(manager *entity.Manager, entities persistence.EntityPersistor,
	order persistence.TransactionOrderPersistor, state *StateManager,
	sender comm.GroupSender, options ...ReplicaOption) *ReplicaHandler {
	h := &ReplicaHandler{
		manager:  manager,
		entities: entities,
		order:    order,
		state:    state,
		sender:   sender,
		sync:     newSyncState(),
		logger:   logr.Discard(),
	}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// MakeStandby skips the bulk sync and marks the passive caught up. Only
// valid when the node's state is established out of band, such as a
// stripe bootstrapping with an empty active.
func (h *ReplicaHandler) MakeStandby(activeNode string) {
	h.mu.Lock()
	h.sync.start()
	h.sync.finish()
	h.mu.Unlock()
	h.state.SetActiveNode(activeNode)
	h.state.MoveToPassiveStandby()
}

func (h *ReplicaHandler) ackTo(from string) *ackBatcher {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.acks == nil || h.acks.node != from {
		h.acks = newAckBatcher(h.sender, from, h.logger)
	}
	return h.acks
}

func (h *ReplicaHandler) ack(from string, msg *comm.ReplicationMessage, code comm.AckCode) {
	// Synthetic local messages carry no id and are never acknowledged.
	if from == "" || msg.MessageID == 0 {
		return
	}
	h.ackTo(from).add(msg.MessageID, code)
}

// ReceiveReplication implements comm.Endpoint.
func (h *ReplicaHandler) ReceiveReplication(from string, msg *comm.ReplicationMessage) {
	switch msg.Kind {
	case comm.KindStart:
		h.handleStart(from, msg)
	case comm.KindReplicate:
		h.replicated(from, msg)
	case comm.KindSync:
		h.syncMessage(from, msg)
	default:
		h.logger.Info("dropping replication message of unknown kind", "kind", int(msg.Kind))
		h.ack(from, msg, comm.AckNone)
	}
}

// ReceiveAcks implements comm.Endpoint. Passives do not receive acks.
func (h *ReplicaHandler) ReceiveAcks(from string, batch *comm.AckBatch) {
	h.logger.Info("ignoring ack batch on passive", "from", from, "count", len(batch.Acks))
}

// ReceiveSyncRequest implements comm.Endpoint. Passives do not serve sync.
func (h *ReplicaHandler) ReceiveSyncRequest(from string) {
	h.logger.Info("ignoring sync request on passive", "from", from)
}

// handleStart resets entity state and requests a fresh bulk sync from the
// new active. Everything except the platform entity is discarded; work
// still queued on a discarded entity is aborted so its acks settle.
func (h *ReplicaHandler) handleStart(from string, msg *comm.ReplicationMessage) {
	h.logger.Info("new active announced", "node", from)
	h.state.SetActiveNode(from)
	for _, managed := range h.manager.All() {
		if managed.ID() != entity.PlatformID {
			managed.ClearQueue()
		}
	}
	h.manager.ResetReferences()
	h.mu.Lock()
	h.sync = newSyncState()
	h.mu.Unlock()
	h.ack(from, msg, comm.AckSuccess)
	if err := h.sender.RequestSync(from); err != nil {
		h.logger.Error(err, "requesting bulk sync", "node", from)
	}
}

func (h *ReplicaHandler) replicated(from string, msg *comm.ReplicationMessage) {
	h.ack(from, msg, comm.AckReceived)

	if msg.Source != entity.NullClientID {
		if msg.Oldest == entity.NullTransactionID {
			if err := h.order.RemoveTrackingForClient(msg.Source); err != nil {
				h.logger.Error(err, "purging transaction order for client", "client", string(msg.Source))
			}
			if err := h.entities.RemoveTrackingForClient(msg.Source); err != nil {
				h.logger.Error(err, "purging journal for client", "client", string(msg.Source))
			}
		} else if err := h.order.UpdateWithNewMessage(msg.Source, msg.Transaction, msg.Oldest); err != nil {
			h.logger.Error(err, "recording transaction order",
				"client", string(msg.Source), "transaction", int64(msg.Transaction))
		}
	}

	h.mu.Lock()
	decision := h.sync.decide(msg)
	if decision == syncDefer {
		h.sync.deferMessage(msg)
	}
	h.mu.Unlock()

	switch decision {
	case syncIgnore:
		h.ack(from, msg, comm.AckNone)
	case syncDefer:
		// Acked when the key it targets finishes syncing and the message
		// replays.
	case syncApply:
		h.apply(from, msg)
	}
}

// apply runs one replicated operation and acknowledges its outcome.
func (h *ReplicaHandler) apply(from string, msg *comm.ReplicationMessage) {
	if msg.Descriptor.ID.IsNull() {
		// Stripe-level traffic with no entity target.
		h.ack(from, msg, comm.AckSuccess)
		return
	}

	switch msg.Activity {
	case comm.ActivityCreate:
		h.applyCreate(from, msg)
	case comm.ActivityInvoke:
		h.applyDispatch(from, msg, entity.ActionInvoke,
			entity.MessagePayload{Raw: msg.Payload, ConcurrencyKey: msg.Concurrency}, nil)
	case comm.ActivityReconfigure:
		h.applyDispatch(from, msg, entity.ActionReconfigure,
			entity.MessagePayload{Raw: msg.Payload, ConcurrencyKey: entity.ManagementKey},
			func(previous []byte) {
				if err := h.entities.EntityReconfigureSucceeded(msg.Source, msg.Transaction,
					msg.Descriptor.ID, msg.Payload, previous); err != nil {
					h.logger.Error(err, "persisting reconfigured entity", "entity", msg.Descriptor.ID.String())
				}
			})
	case comm.ActivityDestroy:
		h.applyDispatch(from, msg, entity.ActionDestroy, entity.EmptyPayload,
			func([]byte) {
				if err := h.entities.EntityDestroyed(msg.Source, msg.Transaction, msg.Descriptor.ID); err != nil {
					h.logger.Error(err, "persisting destroyed entity", "entity", msg.Descriptor.ID.String())
				}
				h.manager.RemoveDestroyed(msg.Descriptor.ID)
			})
	case comm.ActivityNoop:
		h.applyDispatch(from, msg, entity.ActionNoop,
			entity.MessagePayload{ConcurrencyKey: msg.Concurrency}, nil)
	case comm.ActivityFetch, comm.ActivityRelease:
		// Client references live on the active only.
		h.ack(from, msg, comm.AckSuccess)
	default:
		h.logger.Info("unexpected replicated activity", "activity", msg.Activity.String())
		h.ack(from, msg, comm.AckFail)
	}
}

func (h *ReplicaHandler) applyCreate(from string, msg *comm.ReplicationMessage) {
	id := msg.Descriptor.ID
	managed, err := h.manager.Create(id, msg.Descriptor.Version, msg.ConsumerID, true)
	if err != nil {
		h.logger.Error(err, "creating replicated entity", "entity", id.String())
		h.ack(from, msg, comm.AckFail)
		return
	}
	req := entity.NewRequest(entity.ActionCreate, msg.Source, msg.Transaction, msg.Oldest, msg.Descriptor,
		entity.WithObserver(func(result []byte, err error) {
			if err != nil {
				if jerr := h.entities.EntityCreateFailed(msg.Source, msg.Transaction, err.Error()); jerr != nil {
					h.logger.Error(jerr, "journaling failed create", "entity", id.String())
				}
				h.ack(from, msg, comm.AckFail)
				return
			}
			record := persistence.EntityRecord{
				ID:            id,
				Version:       msg.Descriptor.Version,
				ConsumerID:    msg.ConsumerID,
				CanDelete:     true,
				Configuration: msg.Payload,
			}
			if jerr := h.entities.EntityCreated(msg.Source, msg.Transaction, record); jerr != nil {
				h.logger.Error(jerr, "persisting created entity", "entity", id.String())
			}
			h.ack(from, msg, comm.AckSuccess)
		}))
	managed.Dispatch(req, entity.MessagePayload{Raw: msg.Payload, ConcurrencyKey: entity.ManagementKey})
}

// applyDispatch dispatches one replicated action against its entity and
// acknowledges the outcome. An absent entity acknowledges FAIL; the
// active owns what happens next.
func (h *ReplicaHandler) applyDispatch(from string, msg *comm.ReplicationMessage,
	action entity.Action, payload entity.MessagePayload, persisted func(result []byte)) {
	managed, ok := h.manager.Get(msg.Descriptor.ID, msg.Descriptor.Version)
	if !ok {
		h.logger.Info("replicated message for unknown entity",
			"entity", msg.Descriptor.ID.String(), "activity", msg.Activity.String())
		h.ack(from, msg, comm.AckFail)
		return
	}
	req := entity.NewRequest(action, msg.Source, msg.Transaction, msg.Oldest, msg.Descriptor,
		entity.WithObserver(func(result []byte, err error) {
			if err != nil {
				h.ack(from, msg, comm.AckFail)
				return
			}
			if persisted != nil {
				persisted(result)
			}
			h.ack(from, msg, comm.AckSuccess)
		}))
	managed.Dispatch(req, payload)
}

func (h *ReplicaHandler) syncMessage(from string, msg *comm.ReplicationMessage) {
	switch msg.Activity {
	case comm.ActivitySyncBegin:
		h.mu.Lock()
		h.sync.start()
		h.mu.Unlock()
		h.state.SetActiveNode(from)
		h.state.MoveToPassiveSyncing()
		h.ack(from, msg, comm.AckSuccess)

	case comm.ActivitySyncEntityBegin:
		h.syncEntityBegin(from, msg)

	case comm.ActivitySyncKeyBegin:
		h.mu.Lock()
		h.sync.startKey(msg.Descriptor.ID, msg.Concurrency)
		h.mu.Unlock()
		h.applyDispatch(from, msg, entity.ActionReceiveSyncKeyStart,
			entity.MessagePayload{ConcurrencyKey: msg.Concurrency}, nil)

	case comm.ActivitySyncKeyPayload:
		h.applyDispatch(from, msg, entity.ActionReceiveSyncPayload,
			entity.MessagePayload{Raw: msg.Payload, ConcurrencyKey: msg.Concurrency}, nil)

	case comm.ActivitySyncKeyEnd:
		h.mu.Lock()
		deferred := h.sync.endKey(msg.Descriptor.ID, msg.Concurrency)
		h.mu.Unlock()
		h.applyDispatch(from, msg, entity.ActionReceiveSyncKeyEnd,
			entity.MessagePayload{ConcurrencyKey: msg.Concurrency}, nil)
		// Traffic observed while this key was syncing replays now, in
		// original order. The per-key scheduler queues it behind the
		// payloads already dispatched above.
		for _, held := range deferred {
			h.apply(from, held)
		}

	case comm.ActivitySyncEntityEnd:
		h.mu.Lock()
		h.sync.endEntity(msg.Descriptor.ID)
		h.mu.Unlock()
		h.ack(from, msg, comm.AckSuccess)

	case comm.ActivitySyncEnd:
		if err := h.entities.RestoreCatalog(msg.Payload); err != nil {
			h.logger.Error(err, "restoring catalog at sync end")
			h.ack(from, msg, comm.AckFail)
			return
		}
		h.mu.Lock()
		h.sync.finish()
		h.mu.Unlock()
		h.state.MoveToPassiveStandby()
		h.logger.Info("bulk sync complete, entering standby")
		h.ack(from, msg, comm.AckSuccess)

	default:
		h.logger.Info("unexpected sync activity", "activity", msg.Activity.String())
		h.ack(from, msg, comm.AckFail)
	}
}

// syncEntityBegin admits one streamed entity. The entity must not already
// exist; sync and create cannot overlap for the same entity.
func (h *ReplicaHandler) syncEntityBegin(from string, msg *comm.ReplicationMessage) {
	id := msg.Descriptor.ID
	if _, exists := h.manager.Get(id, msg.Descriptor.Version); exists {
		panic("sync began for entity that already exists: " + id.String())
	}
	h.mu.Lock()
	h.sync.startEntity(id)
	h.mu.Unlock()

	deletable := msg.Concurrency == 0
	managed, err := h.manager.Create(id, msg.Descriptor.Version, msg.ConsumerID, deletable)
	if err != nil {
		h.logger.Error(err, "creating synced entity", "entity", id.String())
		h.ack(from, msg, comm.AckFail)
		return
	}
	req := entity.NewRequest(entity.ActionCreate, entity.NullClientID, entity.NullTransactionID,
		entity.NullTransactionID, msg.Descriptor,
		entity.WithObserver(func(result []byte, err error) {
			if err != nil {
				h.ack(from, msg, comm.AckFail)
				return
			}
			record := persistence.EntityRecord{
				ID:            id,
				Version:       msg.Descriptor.Version,
				ConsumerID:    msg.ConsumerID,
				CanDelete:     deletable,
				Configuration: msg.Payload,
			}
			if jerr := h.entities.EntityCreatedNoJournal(record); jerr != nil {
				h.logger.Error(jerr, "persisting synced entity", "entity", id.String())
			}
			h.ack(from, msg, comm.AckSuccess)
		}))
	managed.Dispatch(req, entity.MessagePayload{Raw: msg.Payload, ConcurrencyKey: entity.ManagementKey})
}

// Close drains every entity's queue with a management-key barrier, so no
// entity is left with in-flight work when the handler tears down.
func (h *ReplicaHandler) Close() {
	for _, managed := range h.manager.All() {
		req := entity.NewRequest(entity.ActionNoop, entity.NullClientID, entity.NullTransactionID,
			entity.NullTransactionID, entity.EntityDescriptor{ID: managed.ID(), Version: managed.Version()})
		managed.Dispatch(req, entity.MessagePayload{ConcurrencyKey: entity.ManagementKey})
		if _, err := req.Completion().Wait(); err != nil {
			h.logger.Error(err, "draining entity queue", "entity", managed.ID().String())
		}
	}
}
