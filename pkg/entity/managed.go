package entity

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
)

// SyncTarget receives one entity's ordered bulk-sync stream. EndKey must
// not return until the end marker's network write has completed, which is
// what throttles the active to the passive's apply rate.
type SyncTarget interface {
	// BeginEntitySync announces the entity about to be streamed.
	BeginEntitySync(id EntityID, version uint64, deletable bool, configuration []byte) error

	// BeginKey announces the start of one concurrency key's stream.
	BeginKey(id EntityID, key int) error

	// SendPayload streams one state payload for the key.
	SendPayload(id EntityID, key int, payload []byte) error

	// EndKey announces the end of one concurrency key's stream.
	EndKey(id EntityID, key int) error

	// EndEntitySync announces the end of the entity's stream.
	EndEntitySync(id EntityID, version uint64) error
}

// instanceRef is the single owned implementation slot of a ManagedEntity.
// At most one side is live at any time.
type instanceRef struct {
	active  ActiveEntity
	passive PassiveEntity
}

func (i instanceRef) common() CommonEntity {
	if i.active != nil {
		return i.active
	}
	if i.passive != nil {
		return i.passive
	}
	return nil
}

// ManagedEntity is the per-entity state machine. It owns at most one live
// business-logic instance — active or passive, never both — plus the
// retirement manager and request scheduler scoped to its lifetime. All
// state transitions run under management-key serialization.
type ManagedEntity struct {
	id         EntityID
	version    uint64
	consumerID int64
	canDelete  bool
	registry   ServiceRegistry
	service    Service
	scheduler  *Scheduler
	retirement *RetirementManager
	logger     logr.Logger

	mu         sync.Mutex
	activeRole bool
	inst       instanceRef
	config     []byte
	clients    map[ClientDescriptor]struct{}
	destroyed  bool
}

func newManagedEntity(id EntityID, version uint64, consumerID int64, canDelete bool,
	registry ServiceRegistry, service Service, pool *Pool, logger logr.Logger, activeRole bool) *ManagedEntity {
	return &ManagedEntity{
		id:         id,
		version:    version,
		consumerID: consumerID,
		canDelete:  canDelete,
		registry:   NewScopedRegistry(registry, id, consumerID),
		service:    service,
		scheduler:  NewScheduler(pool),
		retirement: NewRetirementManager(),
		logger:     logger.WithValues("entity", id.String()),
		activeRole: activeRole,
		clients:    make(map[ClientDescriptor]struct{}),
	}
}

// ID returns the entity's identity.
func (m *ManagedEntity) ID() EntityID {
	return m.id
}

// Version returns the entity's version.
func (m *ManagedEntity) Version() uint64 {
	return m.version
}

// ConsumerID returns the durable consumer id assigned at creation.
func (m *ManagedEntity) ConsumerID() int64 {
	return m.consumerID
}

// CanDelete reports whether the entity may ever be destroyed.
func (m *ManagedEntity) CanDelete() bool {
	return m.canDelete
}

// Codec returns the entity's message codec.
func (m *ManagedEntity) Codec() MessageCodec {
	return m.service.Codec()
}

// RetirementManager returns the entity's retirement tracker.
func (m *ManagedEntity) RetirementManager() *RetirementManager {
	return m.retirement
}

// IsRemovable reports whether the destroyed entity may be reclaimed from
// the catalog: destroyed, deletable, and no pending client references.
func (m *ManagedEntity) IsRemovable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed && m.canDelete && len(m.clients) == 0
}

// ClearQueue aborts all work pending on the entity's scheduler and
// rejects anything dispatched afterwards. Used when the entity is being
// discarded.
func (m *ManagedEntity) ClearQueue() {
	m.scheduler.Clear()
}

// ConcurrencyKey returns the key an invoke with the given payload runs
// on. On an active entity this asks the concurrency strategy; otherwise
// the management key.
func (m *ManagedEntity) ConcurrencyKey(payload []byte) int {
	if strategy := m.activeStrategy(); strategy != nil {
		return strategy.ConcurrencyKey(payload)
	}
	return ManagementKey
}

// Dispatch schedules one request against the entity and returns its
// future. The request runs on the concurrency key derived from its action
// and payload, serialized against everything else on that key. Invoke
// messages subject to retirement ordering must be registered with the
// retirement manager before dispatch.
func (m *ManagedEntity) Dispatch(req *Request, payload MessagePayload) *Completion {
	key := m.concurrencyKeyFor(req, payload)
	m.scheduler.Schedule(key, func() {
		m.invoke(req, payload)
	}, func(err error) {
		req.Fail(err)
	})
	return req.Completion()
}

func (m *ManagedEntity) concurrencyKeyFor(req *Request, payload MessagePayload) int {
	switch req.Action {
	case ActionInvoke:
		if strategy := m.activeStrategy(); strategy != nil {
			return strategy.ConcurrencyKey(payload.Raw)
		}
		// Replicated invokes carry the key the active already assigned.
		return payload.ConcurrencyKey
	case ActionSync:
		return req.syncKey
	case ActionReceiveSyncKeyStart, ActionReceiveSyncPayload, ActionReceiveSyncKeyEnd, ActionNoop:
		return payload.ConcurrencyKey
	default:
		return ManagementKey
	}
}

func (m *ManagedEntity) activeStrategy() ConcurrencyStrategy {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inst.active != nil {
		return m.inst.active.ConcurrencyStrategy()
	}
	return nil
}

type handlerFunc func(*ManagedEntity, *Request, MessagePayload) ([]byte, error)

// activeDispatch and passiveDispatch are the closed per-role action tables.
// An action missing from the current role's table fails the request.
var activeDispatch = map[Action]handlerFunc{
	ActionNoop:         (*ManagedEntity).noop,
	ActionCreate:       (*ManagedEntity).createNew,
	ActionLoadExisting: (*ManagedEntity).loadExisting,
	ActionInvoke:       (*ManagedEntity).invokeActive,
	ActionFetch:        (*ManagedEntity).fetch,
	ActionRelease:      (*ManagedEntity).release,
	ActionDestroy:      (*ManagedEntity).destroy,
	ActionReconfigure:  (*ManagedEntity).reconfigure,
	ActionSync:         (*ManagedEntity).performSync,
}

var passiveDispatch = map[Action]handlerFunc{
	ActionNoop:                   (*ManagedEntity).noop,
	ActionCreate:                 (*ManagedEntity).createNew,
	ActionLoadExisting:           (*ManagedEntity).loadExisting,
	ActionInvoke:                 (*ManagedEntity).invokePassive,
	ActionFetch:                  (*ManagedEntity).rejectOnPassive,
	ActionRelease:                (*ManagedEntity).rejectOnPassive,
	ActionDestroy:                (*ManagedEntity).destroy,
	ActionReconfigure:            (*ManagedEntity).reconfigure,
	ActionPromote:                (*ManagedEntity).promote,
	ActionReceiveSyncEntityStart: (*ManagedEntity).noop,
	ActionReceiveSyncKeyStart:    (*ManagedEntity).noop,
	ActionReceiveSyncPayload:     (*ManagedEntity).receiveSyncPayload,
	ActionReceiveSyncKeyEnd:      (*ManagedEntity).noop,
	ActionReceiveSyncEntityEnd:   (*ManagedEntity).noop,
}

// invoke is the single dispatch point for every action. Handler errors are
// reported as request failures and never propagate into the scheduler.
func (m *ManagedEntity) invoke(req *Request, payload MessagePayload) {
	m.mu.Lock()
	table := passiveDispatch
	if m.activeRole {
		table = activeDispatch
	}
	m.mu.Unlock()

	handler, ok := table[req.Action]
	if !ok {
		req.Fail(fmt.Errorf("entity %s: unknown action %s", m.id, req.Action))
		return
	}
	result, err := handler(m, req, payload)
	if err != nil {
		req.Fail(err)
		return
	}
	req.Complete(result)
}

func (m *ManagedEntity) noop(*Request, MessagePayload) ([]byte, error) {
	return nil, nil
}

func (m *ManagedEntity) rejectOnPassive(req *Request, _ MessagePayload) ([]byte, error) {
	return nil, &InvalidStateError{ID: m.id, Reason: fmt.Sprintf("%s called on passive entity", req.Action)}
}

func (m *ManagedEntity) createNew(req *Request, payload MessagePayload) ([]byte, error) {
	return m.instantiate(payload.Raw, false)
}

func (m *ManagedEntity) loadExisting(req *Request, payload MessagePayload) ([]byte, error) {
	return m.instantiate(payload.Raw, true)
}

// instantiate allocates the role-appropriate implementation and runs its
// create-new or load-existing initialization.
func (m *ManagedEntity) instantiate(configuration []byte, loadExisting bool) ([]byte, error) {
	m.mu.Lock()
	activeRole := m.activeRole
	if (activeRole && m.inst.active != nil) || (!activeRole && m.inst.passive != nil) {
		role := "passive"
		if activeRole {
			role = "active"
		}
		m.mu.Unlock()
		return nil, &AlreadyExistsError{ID: m.id, Role: role}
	}
	m.mu.Unlock()

	var created CommonEntity
	var next instanceRef
	if activeRole {
		active, err := m.service.CreateActiveEntity(m.registry, configuration)
		if err != nil {
			return nil, err
		}
		next = instanceRef{active: active}
		created = active
	} else {
		passive, err := m.service.CreatePassiveEntity(m.registry, configuration)
		if err != nil {
			return nil, err
		}
		next = instanceRef{passive: passive}
		created = passive
	}

	init := created.CreateNew
	if loadExisting {
		init = created.LoadExisting
	}
	if err := init(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.inst = next
	m.config = configuration
	m.destroyed = false
	m.mu.Unlock()
	return nil, nil
}

func (m *ManagedEntity) invokeActive(req *Request, payload MessagePayload) ([]byte, error) {
	m.mu.Lock()
	active := m.inst.active
	m.mu.Unlock()
	if active == nil {
		return nil, errNoInstance(m.id)
	}
	return active.Invoke(ClientDescriptor{Client: req.Source, Descriptor: req.Descriptor}, payload.Raw)
}

func (m *ManagedEntity) invokePassive(req *Request, payload MessagePayload) ([]byte, error) {
	m.mu.Lock()
	passive := m.inst.passive
	m.mu.Unlock()
	if passive == nil {
		return nil, errNoInstance(m.id)
	}
	return nil, passive.Invoke(payload.Raw)
}

func (m *ManagedEntity) fetch(req *Request, _ MessagePayload) ([]byte, error) {
	descriptor := ClientDescriptor{Client: req.Source, Descriptor: req.Descriptor}
	m.mu.Lock()
	active := m.inst.active
	if active != nil {
		m.clients[descriptor] = struct{}{}
	}
	m.mu.Unlock()
	if active == nil {
		// The entity exists in the catalog but has no live instance; the
		// client side treats an empty config as "not found".
		return nil, nil
	}
	active.Connected(descriptor)
	return active.GetConfig(), nil
}

func (m *ManagedEntity) release(req *Request, _ MessagePayload) ([]byte, error) {
	descriptor := ClientDescriptor{Client: req.Source, Descriptor: req.Descriptor}
	m.mu.Lock()
	active := m.inst.active
	delete(m.clients, descriptor)
	m.mu.Unlock()
	if active != nil {
		active.Disconnected(descriptor)
	}
	return nil, nil
}

func (m *ManagedEntity) destroy(req *Request, _ MessagePayload) ([]byte, error) {
	descriptor := ClientDescriptor{Client: req.Source, Descriptor: req.Descriptor}
	m.mu.Lock()
	instance := m.inst.common()
	delete(m.clients, descriptor)
	m.mu.Unlock()
	if instance == nil {
		// Nothing to destroy; completing keeps the single failure path.
		return nil, nil
	}
	if err := instance.Destroy(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.inst = instanceRef{}
	m.destroyed = true
	m.mu.Unlock()
	return nil, nil
}

// reconfigure swaps the stored configuration blob and returns the previous
// one. The next promotion or load uses the new configuration.
func (m *ManagedEntity) reconfigure(req *Request, payload MessagePayload) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inst.common() == nil {
		return nil, errNoInstance(m.id)
	}
	previous := m.config
	m.config = payload.Raw
	return previous, nil
}

// promote flips a passive entity to active, recreating the implementation
// from the saved passive configuration. Promoting an entity that is
// already active is a bug in the role transition protocol.
func (m *ManagedEntity) promote(req *Request, _ MessagePayload) ([]byte, error) {
	m.mu.Lock()
	if m.activeRole || m.inst.active != nil {
		m.mu.Unlock()
		panic(fmt.Sprintf("entity %s: promote on an already active entity", m.id))
	}
	m.activeRole = true
	passive := m.inst.passive
	configuration := m.config
	m.mu.Unlock()

	if passive == nil {
		return nil, nil
	}
	active, err := m.service.CreateActiveEntity(m.registry, configuration)
	if err != nil {
		return nil, err
	}
	if err := active.LoadExisting(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.inst = instanceRef{active: active}
	m.mu.Unlock()
	return nil, nil
}

// performSync streams one concurrency key's state payloads to the sync
// target. It runs serialized on that key, so the streamed state cannot
// interleave with concurrent invokes on the same key.
func (m *ManagedEntity) performSync(req *Request, _ MessagePayload) ([]byte, error) {
	m.mu.Lock()
	active := m.inst.active
	m.mu.Unlock()
	if active == nil {
		return nil, errNoInstance(m.id)
	}
	for _, payload := range active.Sync(req.syncKey) {
		if err := req.syncTarget.SendPayload(m.id, req.syncKey, payload); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (m *ManagedEntity) receiveSyncPayload(req *Request, payload MessagePayload) ([]byte, error) {
	m.mu.Lock()
	passive := m.inst.passive
	m.mu.Unlock()
	if passive == nil {
		return nil, errNoInstance(m.id)
	}
	return nil, passive.Invoke(payload.Raw)
}

// Sync streams the entity's full state to a passive, one concurrency key
// at a time. For each key it sends the begin marker, schedules the payload
// stream on that key, blocks until the stream has been applied locally,
// then sends the end marker; the target's EndKey gates on the network
// write, throttling the active to the passive's apply rate.
func (m *ManagedEntity) Sync(target SyncTarget) error {
	m.mu.Lock()
	active := m.inst.active
	configuration := m.config
	deletable := m.canDelete
	m.mu.Unlock()
	if active == nil {
		return errNoInstance(m.id)
	}

	if err := target.BeginEntitySync(m.id, m.version, deletable, configuration); err != nil {
		return err
	}
	for _, key := range active.ConcurrencyStrategy().Keys() {
		if err := target.BeginKey(m.id, key); err != nil {
			return err
		}
		req := newSyncRequest(m.id, m.version, key, target)
		m.scheduler.Schedule(key, func() {
			m.invoke(req, MessagePayload{ConcurrencyKey: key})
		}, func(err error) {
			req.Fail(err)
		})
		if _, err := req.Completion().Wait(); err != nil {
			return err
		}
		if err := target.EndKey(m.id, key); err != nil {
			return err
		}
	}
	return target.EndEntitySync(m.id, m.version)
}
