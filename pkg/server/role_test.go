package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateManagerLifecycle(t *testing.T) {
	s := NewStateManager(testLogger())
	assert.Equal(t, StatePassiveUninitialized, s.State())
	assert.False(t, s.IsActive())
	assert.Empty(t, s.ActiveNode())

	s.SetActiveNode("a1")
	s.MoveToPassiveSyncing()
	assert.Equal(t, StatePassiveSyncing, s.State())
	assert.Equal(t, "a1", s.ActiveNode())

	s.MoveToPassiveStandby()
	assert.Equal(t, StatePassiveStandby, s.State())

	s.MoveToActive()
	assert.True(t, s.IsActive())
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "PASSIVE_UNINITIALIZED", StatePassiveUninitialized.String())
	assert.Equal(t, "PASSIVE_SYNCING", StatePassiveSyncing.String())
	assert.Equal(t, "PASSIVE_STANDBY", StatePassiveStandby.String())
	assert.Equal(t, "ACTIVE", StateActive.String())
}
