package server

import (
	"fmt"

	"github.com/therealutkarshpriyadarshi/entityd/pkg/comm"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/entity"
)

// syncDecision classifies one replicated message against the sync stream.
type syncDecision int

const (
	// syncApply runs the message through normal replicated processing.
	syncApply syncDecision = iota
	// syncDefer holds the message until its key finishes syncing.
	syncDefer
	// syncIgnore drops the message; its effect arrives inside the synced
	// state instead.
	syncIgnore
)

// syncState tracks the passive's position in the bulk sync stream and
// classifies concurrent replication traffic. Callers serialize access.
type syncState struct {
	started  bool
	finished bool

	// synced holds entities whose full state has arrived.
	synced map[entity.EntityID]struct{}

	// The entity currently streaming, with the keys already caught up
	// inside it. The reserved keys are seeded as synced because entity
	// creation itself establishes their state.
	syncingEntity entity.EntityID
	entityActive  bool
	syncedKeys    map[int]struct{}

	// The key currently streaming, and the traffic deferred against it.
	currentKey int
	keyActive  bool
	deferred   []*comm.ReplicationMessage
}

func newSyncState() *syncState {
	return &syncState{synced: make(map[entity.EntityID]struct{})}
}

func (s *syncState) start() {
	s.started = true
}

func (s *syncState) finish() {
	s.finished = true
}

func (s *syncState) startEntity(id entity.EntityID) {
	if s.entityActive {
		panic(fmt.Sprintf("sync of %s began while %s is still syncing", id, s.syncingEntity))
	}
	s.syncingEntity = id
	s.entityActive = true
	s.syncedKeys = map[int]struct{}{
		entity.ManagementKey: {},
		entity.UniversalKey:  {},
	}
}

func (s *syncState) endEntity(id entity.EntityID) {
	if !s.entityActive || s.syncingEntity != id {
		panic(fmt.Sprintf("sync end for %s does not match syncing entity", id))
	}
	s.synced[id] = struct{}{}
	s.entityActive = false
	s.syncedKeys = nil
}

func (s *syncState) startKey(id entity.EntityID, key int) {
	if !s.entityActive || s.syncingEntity != id {
		panic(fmt.Sprintf("key sync for %s outside its entity sync", id))
	}
	s.currentKey = key
	s.keyActive = true
}

// endKey marks the key caught up and returns the traffic deferred against
// it, in original receipt order.
func (s *syncState) endKey(id entity.EntityID, key int) []*comm.ReplicationMessage {
	if !s.keyActive || s.currentKey != key {
		panic(fmt.Sprintf("key sync end for %s key %d does not match syncing key", id, key))
	}
	s.syncedKeys[key] = struct{}{}
	s.keyActive = false
	deferred := s.deferred
	s.deferred = nil
	return deferred
}

func (s *syncState) deferMessage(msg *comm.ReplicationMessage) {
	s.deferred = append(s.deferred, msg)
}

// decide classifies one replicated message. Anything arriving before the
// first sync-begin is invalid and dropped; once finished everything
// applies.
func (s *syncState) decide(msg *comm.ReplicationMessage) syncDecision {
	if s.finished {
		return syncApply
	}
	if !s.started {
		return syncIgnore
	}

	id := msg.Descriptor.ID
	if _, ok := s.synced[id]; ok {
		return syncApply
	}

	if s.entityActive && id == s.syncingEntity {
		switch msg.Activity {
		case comm.ActivityCreate, comm.ActivityDestroy:
			// Sync assumes the entity exists for its whole duration.
			panic(fmt.Sprintf("%s for %s while it is being synced", msg.Activity, id))
		case comm.ActivityNoop:
			return syncApply
		}
		if _, ok := s.syncedKeys[msg.Concurrency]; ok {
			return syncApply
		}
		if s.keyActive && msg.Concurrency == s.currentKey {
			return syncDefer
		}
		return syncIgnore
	}

	// The entity has not been synced yet. A create means the active made
	// it after the sync snapshot, so it will never appear in the stream:
	// admit it and apply everything that follows.
	if msg.Activity == comm.ActivityCreate {
		s.synced[id] = struct{}{}
		return syncApply
	}
	return syncIgnore
}
