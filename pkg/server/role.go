// Package server wires the entity runtime to the stripe: client ingress
// and resend handling on the active, replication and bulk-sync apply on
// passives, and the role state machine both share.
package server

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
)

// State is the node's position in the stripe lifecycle.
type State int

const (
	// StatePassiveUninitialized is a fresh passive with no entity state.
	StatePassiveUninitialized State = iota
	// StatePassiveSyncing is a passive receiving the bulk sync stream.
	StatePassiveSyncing
	// StatePassiveStandby is a fully synced passive applying replication.
	StatePassiveStandby
	// StateActive is the node serving clients.
	StateActive
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StatePassiveUninitialized:
		return "PASSIVE_UNINITIALIZED"
	case StatePassiveSyncing:
		return "PASSIVE_SYNCING"
	case StatePassiveStandby:
		return "PASSIVE_STANDBY"
	case StateActive:
		return "ACTIVE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateManager tracks the node's role and the identity of the current
// active. Transitions only move forward: uninitialized, syncing, standby,
// active.
type StateManager struct {
	logger logr.Logger

	mu         sync.RWMutex
	state      State
	activeNode string
}

// NewStateManager creates a state manager in StatePassiveUninitialized.
func NewStateManager(logger logr.Logger) *StateManager {
	return &StateManager{logger: logger}
}

// State returns the current state.
func (s *StateManager) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsActive reports whether the node is serving clients.
func (s *StateManager) IsActive() bool {
	return s.State() == StateActive
}

// ActiveNode returns the known active's name, empty if unknown.
func (s *StateManager) ActiveNode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeNode
}

// SetActiveNode records the current active's name.
func (s *StateManager) SetActiveNode(node string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeNode = node
}

func (s *StateManager) transition(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from != to {
		s.logger.Info("server state transition", "from", from.String(), "to", to.String())
	}
}

// MoveToPassiveSyncing marks the start of the bulk sync stream.
func (s *StateManager) MoveToPassiveSyncing() {
	s.transition(StatePassiveSyncing)
}

// MoveToPassiveStandby marks the sync stream complete.
func (s *StateManager) MoveToPassiveStandby() {
	s.transition(StatePassiveStandby)
}

// MoveToActive marks the node as the serving active.
func (s *StateManager) MoveToActive() {
	s.transition(StateActive)
}
