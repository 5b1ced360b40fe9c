package kv

import (
	"sync"

	"github.com/therealutkarshpriyadarshi/entityd/pkg/entity"
)

// StorageServiceName is the registry name the shared kv storage binds to.
const StorageServiceName = "kv:storage"

// Storage holds the node-local state behind every kv entity. Keeping the
// store outside the entity implementation lets state survive a
// passive-to-active promotion, which tears down the implementation and
// rebuilds it from configuration.
type Storage struct {
	mu     sync.Mutex
	stores map[entity.EntityID]*store
}

// NewStorage creates an empty storage service. Register it in the node's
// service registry under StorageServiceName.
func NewStorage() *Storage {
	return &Storage{stores: make(map[entity.EntityID]*store)}
}

func (s *Storage) storeFor(id entity.EntityID, cfg Config) *store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stores[id]; ok {
		return st
	}
	st := newStore(cfg)
	s.stores[id] = st
	return st
}

func (s *Storage) drop(id entity.EntityID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stores, id)
}

// resolveStore attaches to the shared storage service when the registry
// carries one; otherwise the instance owns a private store. The returned
// discard releases the state on destroy.
func resolveStore(registry entity.ServiceRegistry, cfg Config) (*store, func()) {
	if scoped, ok := registry.(*entity.ScopedRegistry); ok {
		if service, found := scoped.GetService(StorageServiceName); found {
			if storage, ok := service.(*Storage); ok {
				id := scoped.EntityID()
				return storage.storeFor(id, cfg), func() { storage.drop(id) }
			}
		}
	}
	st := newStore(cfg)
	return st, func() {}
}
