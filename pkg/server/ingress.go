package server

import (
	"errors"
	"sync"

	"github.com/go-logr/logr"

	"github.com/therealutkarshpriyadarshi/entityd/pkg/comm"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/entity"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/persistence"
)

// ClientMessage is one client-originated operation entering the active.
type ClientMessage struct {
	// Action is the requested operation.
	Action entity.Action

	// Source is the originating client; NullClientID for synthetic
	// messages.
	Source entity.ClientID

	// Instance distinguishes multiple fetches of one entity by one
	// client.
	Instance entity.ClientInstanceID

	// Transaction and Oldest carry the client's transaction identity. A
	// null Oldest on a client-originated message means the client has
	// disconnected.
	Transaction entity.TransactionID
	Oldest      entity.TransactionID

	// ID and Version address the target entity.
	ID      entity.EntityID
	Version uint64

	// Payload is the raw operation payload: configuration for lifecycle
	// operations, the encoded business message for invokes.
	Payload []byte

	// Resent marks a transaction replayed by a reconnecting client.
	Resent bool
}

func (m *ClientMessage) descriptor() entity.EntityDescriptor {
	return entity.EntityDescriptor{ID: m.ID, Instance: m.Instance, Version: m.Version}
}

// TransactionHandler is the active's ingress: it orders, journals,
// replicates, and dispatches client transactions, and owns the resend
// replay that follows a client reconnect window.
type TransactionHandler struct {
	manager    *entity.Manager
	entities   persistence.EntityPersistor
	order      persistence.TransactionOrderPersistor
	batcher    *ResponseBatcher
	replicator Replicator
	logger     logr.Logger

	// submitMu serializes the submission path so that replication order
	// always matches entity dispatch order.
	submitMu sync.Mutex

	mu         sync.Mutex
	fired      bool
	references []*ClientMessage
	replay     sparseList
	fresh      []*ClientMessage
}

// IngressOption configures a TransactionHandler.
type IngressOption func(*TransactionHandler)

// WithIngressLogger sets the handler's logger.
func WithIngressLogger(logger logr.Logger) IngressOption {
	return func(h *TransactionHandler) {
		h.logger = logger
	}
}

// NewTransactionHandler creates the active ingress.
func NewTransactionHandler(manager *entity.Manager, entities persistence.EntityPersistor,
	order persistence.TransactionOrderPersistor, batcher *ResponseBatcher,
	replicator Replicator, options ...IngressOption) *TransactionHandler {
	h := &TransactionHandler{
		manager:    manager,
		entities:   entities,
		order:      order,
		batcher:    batcher,
		replicator: replicator,
		logger:     logr.Discard(),
	}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// Submit runs one client message through the ingress. Submissions are
// serialized: a message is replicated and dispatched before the next one
// is admitted, so passives apply in the same order the active does.
// Resent messages queue for ordered replay; the first fresh message
// closes the reconnect window and triggers the replay.
func (h *TransactionHandler) Submit(msg *ClientMessage) {
	h.submitMu.Lock()
	defer h.submitMu.Unlock()
	if msg.Resent {
		h.submitResent(msg)
		return
	}
	h.processResends()
	h.execute(msg)
}

func (h *TransactionHandler) execute(msg *ClientMessage) {
	if msg.Source != entity.NullClientID {
		if msg.Oldest == entity.NullTransactionID {
			// Null oldest is the client's disconnect marker.
			h.purgeClient(msg.Source)
		} else if err := h.order.UpdateWithNewMessage(msg.Source, msg.Transaction, msg.Oldest); err != nil {
			if errors.Is(err, persistence.ErrStaleTransaction) {
				// Already answered in a previous incarnation; acknowledge
				// and drop.
				h.batcher.Received(msg.Source, msg.Transaction)
				h.batcher.Retired(msg.Source, msg.Transaction)
				return
			}
			h.fail(msg, err)
			return
		}
	}

	if msg.Action != entity.ActionInvoke {
		h.batcher.Received(msg.Source, msg.Transaction)
	}

	switch msg.Action {
	case entity.ActionCreate:
		h.executeCreate(msg)
	case entity.ActionInvoke:
		h.executeInvoke(msg)
	case entity.ActionDestroy:
		h.executeDestroy(msg)
	case entity.ActionReconfigure:
		h.executeReconfigure(msg)
	case entity.ActionFetch, entity.ActionRelease:
		h.executeReference(msg)
	case entity.ActionNoop:
		if !msg.ID.IsNull() {
			h.manager.RemoveDestroyed(msg.ID)
		}
		h.batcher.Result(msg.Source, msg.Transaction, nil)
		h.batcher.Retired(msg.Source, msg.Transaction)
	default:
		h.fail(msg, &entity.InvalidStateError{ID: msg.ID, Reason: "unsupported client action " + msg.Action.String()})
	}
}

func (h *TransactionHandler) purgeClient(client entity.ClientID) {
	if err := h.order.RemoveTrackingForClient(client); err != nil {
		h.logger.Error(err, "purging transaction order for client", "client", string(client))
	}
	if err := h.entities.RemoveTrackingForClient(client); err != nil {
		h.logger.Error(err, "purging journal for client", "client", string(client))
	}
	h.batcher.Disconnected(client)
}

// fail settles a message that never reached an entity.
func (h *TransactionHandler) fail(msg *ClientMessage, err error) {
	h.batcher.Failure(msg.Source, msg.Transaction, err)
	h.batcher.Retired(msg.Source, msg.Transaction)
}

func (h *TransactionHandler) replicate(activity comm.Activity, msg *ClientMessage, concurrency int, consumerID int64) {
	h.replicator.Replicate(&comm.ReplicationMessage{
		Kind:        comm.KindReplicate,
		Activity:    activity,
		Source:      msg.Source,
		Transaction: msg.Transaction,
		Oldest:      msg.Oldest,
		Descriptor:  msg.descriptor(),
		Payload:     msg.Payload,
		Concurrency: concurrency,
		ConsumerID:  consumerID,
	})
}

func (h *TransactionHandler) executeCreate(msg *ClientMessage) {
	consumerID, err := h.entities.NextConsumerID()
	if err != nil {
		h.fail(msg, err)
		return
	}
	managed, err := h.manager.Create(msg.ID, msg.Version, consumerID, true)
	if err != nil {
		if jerr := h.entities.EntityCreateFailed(msg.Source, msg.Transaction, err.Error()); jerr != nil {
			h.logger.Error(jerr, "journaling failed create", "entity", msg.ID.String())
		}
		h.fail(msg, err)
		return
	}

	h.replicate(comm.ActivityCreate, msg, entity.ManagementKey, consumerID)

	req := entity.NewRequest(entity.ActionCreate, msg.Source, msg.Transaction, msg.Oldest, msg.descriptor(),
		entity.WithObserver(func(result []byte, err error) {
			if err != nil {
				if jerr := h.entities.EntityCreateFailed(msg.Source, msg.Transaction, err.Error()); jerr != nil {
					h.logger.Error(jerr, "journaling failed create", "entity", msg.ID.String())
				}
				h.batcher.Failure(msg.Source, msg.Transaction, err)
			} else {
				record := persistence.EntityRecord{
					ID:            msg.ID,
					Version:       msg.Version,
					ConsumerID:    consumerID,
					CanDelete:     true,
					Configuration: msg.Payload,
				}
				if jerr := h.entities.EntityCreated(msg.Source, msg.Transaction, record); jerr != nil {
					h.logger.Error(jerr, "persisting created entity", "entity", msg.ID.String())
				}
				h.batcher.Result(msg.Source, msg.Transaction, result)
			}
			h.batcher.Retired(msg.Source, msg.Transaction)
		}))
	managed.Dispatch(req, entity.MessagePayload{Raw: msg.Payload, ConcurrencyKey: entity.ManagementKey})
}

func (h *TransactionHandler) executeInvoke(msg *ClientMessage) {
	managed, ok := h.manager.Get(msg.ID, msg.Version)
	if !ok {
		h.batcher.Received(msg.Source, msg.Transaction)
		h.fail(msg, entity.NewNotFoundError(msg.ID))
		return
	}

	message, err := managed.Codec().Decode(msg.Payload)
	if err != nil {
		h.batcher.Received(msg.Source, msg.Transaction)
		h.fail(msg, &entity.CodecError{ID: msg.ID, Err: err})
		return
	}

	key := managed.ConcurrencyKey(msg.Payload)
	retirement := managed.RetirementManager()
	retirement.Track(message, key)
	retirement.UpdateWithRetiree(message, &invokeRetiree{
		transaction: msg.Transaction,
		retire: func() {
			h.batcher.Retired(msg.Source, msg.Transaction)
		},
	})

	// Receipt is acknowledged here rather than at the top of execute so
	// it sequences after any earlier invoke's receipt on this client.
	h.batcher.Received(msg.Source, msg.Transaction)
	h.replicate(comm.ActivityInvoke, msg, key, 0)

	req := entity.NewRequest(entity.ActionInvoke, msg.Source, msg.Transaction, msg.Oldest, msg.descriptor(),
		entity.WithObserver(func(result []byte, err error) {
			if err != nil {
				h.batcher.Failure(msg.Source, msg.Transaction, err)
			} else {
				h.batcher.Result(msg.Source, msg.Transaction, result)
			}
			for _, retiree := range retirement.RetireForCompletion(message) {
				retiree.Retired()
			}
		}))
	managed.Dispatch(req, entity.MessagePayload{Raw: msg.Payload, Message: message, ConcurrencyKey: key})
}

func (h *TransactionHandler) executeDestroy(msg *ClientMessage) {
	managed, ok := h.manager.Get(msg.ID, msg.Version)
	if !ok {
		h.fail(msg, entity.NewNotFoundError(msg.ID))
		return
	}

	h.replicate(comm.ActivityDestroy, msg, entity.ManagementKey, 0)

	req := entity.NewRequest(entity.ActionDestroy, msg.Source, msg.Transaction, msg.Oldest, msg.descriptor(),
		entity.WithObserver(func(result []byte, err error) {
			if err != nil {
				if jerr := h.entities.EntityDestroyFailed(msg.Source, msg.Transaction, err.Error()); jerr != nil {
					h.logger.Error(jerr, "journaling failed destroy", "entity", msg.ID.String())
				}
				h.batcher.Failure(msg.Source, msg.Transaction, err)
			} else {
				if jerr := h.entities.EntityDestroyed(msg.Source, msg.Transaction, msg.ID); jerr != nil {
					h.logger.Error(jerr, "persisting destroyed entity", "entity", msg.ID.String())
				}
				h.manager.RemoveDestroyed(msg.ID)
				h.batcher.Result(msg.Source, msg.Transaction, result)
			}
			h.batcher.Retired(msg.Source, msg.Transaction)
		}))
	managed.Dispatch(req, entity.EmptyPayload)
}

func (h *TransactionHandler) executeReconfigure(msg *ClientMessage) {
	managed, ok := h.manager.Get(msg.ID, msg.Version)
	if !ok {
		h.fail(msg, entity.NewNotFoundError(msg.ID))
		return
	}

	h.replicate(comm.ActivityReconfigure, msg, entity.ManagementKey, 0)

	req := entity.NewRequest(entity.ActionReconfigure, msg.Source, msg.Transaction, msg.Oldest, msg.descriptor(),
		entity.WithObserver(func(previous []byte, err error) {
			if err != nil {
				if jerr := h.entities.EntityReconfigureFailed(msg.Source, msg.Transaction, err.Error()); jerr != nil {
					h.logger.Error(jerr, "journaling failed reconfigure", "entity", msg.ID.String())
				}
				h.batcher.Failure(msg.Source, msg.Transaction, err)
			} else {
				if jerr := h.entities.EntityReconfigureSucceeded(msg.Source, msg.Transaction, msg.ID, msg.Payload, previous); jerr != nil {
					h.logger.Error(jerr, "persisting reconfigured entity", "entity", msg.ID.String())
				}
				h.batcher.Result(msg.Source, msg.Transaction, previous)
			}
			h.batcher.Retired(msg.Source, msg.Transaction)
		}))
	managed.Dispatch(req, entity.MessagePayload{Raw: msg.Payload, ConcurrencyKey: entity.ManagementKey})
}

func (h *TransactionHandler) executeReference(msg *ClientMessage) {
	managed, ok := h.manager.Get(msg.ID, msg.Version)
	if !ok {
		h.fail(msg, entity.NewNotFoundError(msg.ID))
		return
	}

	req := entity.NewRequest(msg.Action, msg.Source, msg.Transaction, msg.Oldest, msg.descriptor(),
		entity.WithObserver(func(result []byte, err error) {
			if err != nil {
				h.batcher.Failure(msg.Source, msg.Transaction, err)
			} else {
				h.batcher.Result(msg.Source, msg.Transaction, result)
			}
			h.batcher.Retired(msg.Source, msg.Transaction)
		}))
	managed.Dispatch(req, entity.EmptyPayload)
}

// invokeRetiree delivers one invoke's retirement to its client.
type invokeRetiree struct {
	transaction entity.TransactionID
	retire      func()
}

func (r *invokeRetiree) Retired() {
	r.retire()
}

func (r *invokeRetiree) Transaction() entity.TransactionID {
	return r.transaction
}
