package entity

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
)

// Manager owns the live set of ManagedEntity instances on a node: the
// entity catalog. It resolves entity classes to their registered services
// and carries the node's current role into newly created entities.
type Manager struct {
	registry ServiceRegistry
	pool     *Pool
	logger   logr.Logger

	mu       sync.Mutex
	entities map[EntityID]*ManagedEntity
	services map[string]Service
	active   bool
	platform *ManagedEntity
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger inherited by every managed entity.
func WithLogger(logger logr.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a catalog with the given entity services, keyed by
// class name, and materializes the platform entity in the passive role.
func NewManager(registry ServiceRegistry, pool *Pool, services map[string]Service, options ...ManagerOption) (*Manager, error) {
	m := &Manager{
		registry: registry,
		pool:     pool,
		logger:   logr.Discard(),
		entities: make(map[EntityID]*ManagedEntity),
		services: make(map[string]Service),
	}
	for _, opt := range options {
		opt(m)
	}
	for class, service := range services {
		m.services[class] = service
	}
	if _, ok := m.services[PlatformClassName]; !ok {
		m.services[PlatformClassName] = platformService{}
	}

	platform := newManagedEntity(PlatformID, PlatformVersion, 0, false,
		m.registry, m.services[PlatformClassName], m.pool, m.logger, m.active)
	req := NewRequest(ActionCreate, NullClientID, NullTransactionID, NullTransactionID,
		EntityDescriptor{ID: PlatformID, Version: PlatformVersion})
	if _, err := platform.Dispatch(req, EmptyPayload).Wait(); err != nil {
		return nil, fmt.Errorf("creating platform entity: %w", err)
	}
	m.platform = platform
	m.entities[PlatformID] = platform
	return m, nil
}

// Platform returns the built-in platform entity.
func (m *Manager) Platform() *ManagedEntity {
	return m.platform
}

// Create allocates a ManagedEntity for the identity, in the node's current
// role, and registers it in the catalog. The caller dispatches the CREATE
// request; this only reserves the catalog slot.
func (m *Manager) Create(id EntityID, version uint64, consumerID int64, deletable bool) (*ManagedEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entities[id]; exists {
		role := "passive"
		if m.active {
			role = "active"
		}
		return nil, &AlreadyExistsError{ID: id, Role: role}
	}
	service, ok := m.services[id.ClassName]
	if !ok {
		return nil, fmt.Errorf("no service registered for entity class %q", id.ClassName)
	}
	ent := newManagedEntity(id, version, consumerID, deletable, m.registry, service, m.pool, m.logger, m.active)
	m.entities[id] = ent
	return ent, nil
}

// Get looks up an entity by identity and client-observed version.
func (m *Manager) Get(id EntityID, version uint64) (*ManagedEntity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ent, ok := m.entities[id]
	if !ok || ent.Version() != version {
		return nil, false
	}
	return ent, true
}

// All returns the current catalog contents, platform entity included.
func (m *Manager) All() []*ManagedEntity {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*ManagedEntity, 0, len(m.entities))
	for _, ent := range m.entities {
		all = append(all, ent)
	}
	return all
}

// LoadExisting recreates a persisted entity in the catalog and replays its
// LOAD_EXISTING initialization with the stored configuration. Used when
// the catalog is rebuilt from durable storage at startup.
func (m *Manager) LoadExisting(id EntityID, version uint64, consumerID int64, deletable bool, configuration []byte) (*ManagedEntity, error) {
	ent, err := m.Create(id, version, consumerID, deletable)
	if err != nil {
		return nil, err
	}
	req := NewRequest(ActionLoadExisting, NullClientID, NullTransactionID, NullTransactionID,
		EntityDescriptor{ID: id, Version: version})
	if _, err := ent.Dispatch(req, MessagePayload{Raw: configuration, ConcurrencyKey: ManagementKey}).Wait(); err != nil {
		return nil, err
	}
	return ent, nil
}

// RemoveDestroyed reclaims a fully destroyed entity from the catalog.
// Returns false if the entity is still referenced or not destroyed.
func (m *Manager) RemoveDestroyed(id EntityID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ent, ok := m.entities[id]
	if !ok || !ent.IsRemovable() {
		return false
	}
	m.logger.V(1).Info("removing destroyed entity", "entity", id.String())
	delete(m.entities, id)
	return true
}

// ResetReferences discards every entity except the platform entity. Called
// when a new active is established and the passive must be re-synced from
// scratch.
func (m *Manager) ResetReferences() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.entities {
		if id != PlatformID {
			delete(m.entities, id)
		}
	}
}

// EnterActiveState flips the node role to active and promotes every
// catalog entity, blocking until each promotion completes. New entities
// created afterwards are created in the active role.
func (m *Manager) EnterActiveState() error {
	m.mu.Lock()
	m.active = true
	all := make([]*ManagedEntity, 0, len(m.entities))
	for _, ent := range m.entities {
		all = append(all, ent)
	}
	m.mu.Unlock()

	for _, ent := range all {
		req := NewRequest(ActionPromote, NullClientID, NullTransactionID, NullTransactionID,
			EntityDescriptor{ID: ent.ID(), Version: ent.Version()})
		if _, err := ent.Dispatch(req, EmptyPayload).Wait(); err != nil {
			return fmt.Errorf("promoting %s: %w", ent.ID(), err)
		}
	}
	return nil
}

// Snapshot captures the current entity set under the catalog lock. The
// prepare function runs while the lock is held, before the set is
// captured; each, if non-nil, runs against every captured entity, still
// under the lock, so no entity can be created or removed until the
// snapshot is consistent.
func (m *Manager) Snapshot(prepare func(), each func(*ManagedEntity)) []*ManagedEntity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prepare != nil {
		prepare()
	}
	all := make([]*ManagedEntity, 0, len(m.entities))
	for _, ent := range m.entities {
		all = append(all, ent)
		if each != nil {
			each(ent)
		}
	}
	return all
}
