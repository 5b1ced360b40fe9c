package entity

// CommonEntity is the lifecycle shared by active and passive
// implementations of an entity.
type CommonEntity interface {
	// CreateNew initializes a brand new instance.
	CreateNew() error

	// LoadExisting initializes an instance from previously persisted or
	// promoted state.
	LoadExisting() error

	// Destroy releases the instance's state.
	Destroy() error
}

// ActiveEntity is the active-side implementation of an entity.
type ActiveEntity interface {
	CommonEntity

	// Invoke applies one business payload for the given client and
	// returns the response payload.
	Invoke(client ClientDescriptor, payload []byte) ([]byte, error)

	// Connected notifies the instance that a client fetched it.
	Connected(client ClientDescriptor)

	// Disconnected notifies the instance that a client released it.
	Disconnected(client ClientDescriptor)

	// GetConfig returns the configuration blob handed to fetching
	// clients.
	GetConfig() []byte

	// Sync returns the state payloads for one concurrency key, in the
	// order a passive must apply them.
	Sync(concurrencyKey int) [][]byte

	// ConcurrencyStrategy returns the partitioning strategy for this
	// instance's business messages.
	ConcurrencyStrategy() ConcurrencyStrategy
}

// PassiveEntity is the passive-side implementation of an entity. Sync
// payloads are applied through Invoke; the active encodes them so that a
// passive cannot tell a synced payload from a replicated one.
type PassiveEntity interface {
	CommonEntity

	// Invoke applies one business payload with no response.
	Invoke(payload []byte) error
}

// ConcurrencyStrategy maps business messages onto concurrency keys.
// Returned keys must be positive; the reserved keys are never returned.
type ConcurrencyStrategy interface {
	// ConcurrencyKey returns the partition the payload serializes on.
	ConcurrencyKey(payload []byte) int

	// Keys lists every partition a bulk sync of the entity must cover.
	Keys() []int
}

// MessageCodec decodes raw business payloads into message objects used for
// retirement tracking.
type MessageCodec interface {
	// Decode parses a raw payload. A returned error is converted into a
	// user-facing failure on the originating request.
	Decode(raw []byte) (Message, error)
}

// Service creates entity implementations for one entity class.
type Service interface {
	// CreateActiveEntity allocates the active-side implementation.
	CreateActiveEntity(registry ServiceRegistry, configuration []byte) (ActiveEntity, error)

	// CreatePassiveEntity allocates the passive-side implementation.
	CreatePassiveEntity(registry ServiceRegistry, configuration []byte) (PassiveEntity, error)

	// Codec returns the message codec shared by both sides.
	Codec() MessageCodec
}

// ServiceRegistry provides platform services to entity implementations.
type ServiceRegistry interface {
	// GetService looks up a platform service by name.
	GetService(name string) (any, bool)
}

// ScopedRegistry binds a registry to one entity's identity, so shared
// node services can key their state by the consuming entity. Every
// implementation created by a ManagedEntity receives a scoped registry.
type ScopedRegistry struct {
	base       ServiceRegistry
	id         EntityID
	consumerID int64
}

// NewScopedRegistry wraps base with the entity's identity.
func NewScopedRegistry(base ServiceRegistry, id EntityID, consumerID int64) *ScopedRegistry {
	return &ScopedRegistry{base: base, id: id, consumerID: consumerID}
}

// GetService implements ServiceRegistry.
func (r *ScopedRegistry) GetService(name string) (any, bool) {
	return r.base.GetService(name)
}

// EntityID returns the consuming entity's identity.
func (r *ScopedRegistry) EntityID() EntityID {
	return r.id
}

// ConsumerID returns the consuming entity's storage namespace handle.
func (r *ScopedRegistry) ConsumerID() int64 {
	return r.consumerID
}

// NullServiceRegistry is a registry with no services.
type NullServiceRegistry struct{}

// GetService always reports a miss.
func (NullServiceRegistry) GetService(string) (any, bool) {
	return nil, false
}

// MapRegistry is a fixed name-to-service registry.
type MapRegistry map[string]any

// GetService implements ServiceRegistry.
func (m MapRegistry) GetService(name string) (any, bool) {
	service, ok := m[name]
	return service, ok
}
