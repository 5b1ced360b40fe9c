package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/entityd/pkg/comm"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/entity"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/persistence"
)

const activeNode = "a1"

// awaitAcks blocks until the replica has acknowledged at least n messages.
func awaitAcks(t *testing.T, sender *fakeSender, n int) []comm.Ack {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(sender.acksTo(activeNode)) >= n
	}, 2*time.Second, 2*time.Millisecond, "waiting for %d acks", n)
	return sender.acksTo(activeNode)
}

func replicatedCreate(messageID uint64, consumerID int64, config []byte) *comm.ReplicationMessage {
	return &comm.ReplicationMessage{
		Kind:        comm.KindReplicate,
		Activity:    comm.ActivityCreate,
		MessageID:   messageID,
		Source:      "c1",
		Transaction: entity.TransactionID(messageID),
		Oldest:      1,
		Descriptor:  entity.EntityDescriptor{ID: echoID, Version: 1},
		Payload:     config,
		Concurrency: entity.ManagementKey,
		ConsumerID:  consumerID,
	}
}

func replicatedInvoke(messageID uint64, key int, payload string) *comm.ReplicationMessage {
	return &comm.ReplicationMessage{
		Kind:        comm.KindReplicate,
		Activity:    comm.ActivityInvoke,
		MessageID:   messageID,
		Source:      "c1",
		Transaction: entity.TransactionID(messageID),
		Oldest:      1,
		Descriptor:  entity.EntityDescriptor{ID: echoID, Version: 1},
		Payload:     []byte(payload),
		Concurrency: key,
	}
}

func TestStartResetsStateAndRequestsSync(t *testing.T) {
	rig := newReplicaRig(t)
	_, err := rig.manager.LoadExisting(echoID, 1, 5, true, nil)
	require.NoError(t, err)

	rig.handler.ReceiveReplication(activeNode, &comm.ReplicationMessage{
		Kind: comm.KindStart, MessageID: 1,
	})

	assert.Equal(t, activeNode, rig.state.ActiveNode())
	assert.Equal(t, []string{activeNode}, rig.sender.requestedSync())
	_, ok := rig.manager.Get(echoID, 1)
	assert.False(t, ok, "start must discard everything but the platform entity")

	acks := awaitAcks(t, rig.sender, 1)
	assert.Equal(t, comm.Ack{MessageID: 1, Code: comm.AckSuccess}, acks[0])
}

func TestStartAbortsQueuedEntityWork(t *testing.T) {
	rig := newReplicaRig(t)
	rig.handler.MakeStandby(activeNode)
	rig.handler.ReceiveReplication(activeNode, replicatedCreate(1, 7, nil))
	awaitAcks(t, rig.sender, 2)

	passive := rig.service.lastPassive()
	release := passive.holdOn("1slow")
	defer close(release)

	rig.handler.ReceiveReplication(activeNode, replicatedInvoke(2, 1, "1slow"))
	require.Eventually(t, func() bool {
		return len(passive.appliedPayloads()) == 1
	}, 2*time.Second, 2*time.Millisecond, "blocking invoke never started")
	rig.handler.ReceiveReplication(activeNode, replicatedInvoke(3, 1, "1queued"))

	rig.handler.ReceiveReplication(activeNode, &comm.ReplicationMessage{
		Kind: comm.KindStart, MessageID: 4,
	})

	// The invoke queued behind the blocked one settles with a failure
	// instead of hanging on the discarded entity's queue.
	require.Eventually(t, func() bool {
		for _, code := range rig.sender.ackFor(activeNode, 3) {
			if code == comm.AckFail {
				return true
			}
		}
		return false
	}, 2*time.Second, 2*time.Millisecond, "queued work never settled after start")
	assert.NotContains(t, passive.appliedPayloads(), "1queued")
}

func TestReplicatedCreateAndInvokeApply(t *testing.T) {
	rig := newReplicaRig(t)
	rig.handler.MakeStandby(activeNode)

	rig.handler.ReceiveReplication(activeNode, replicatedCreate(1, 7, []byte("cfg")))
	rig.handler.ReceiveReplication(activeNode, replicatedInvoke(2, 1, "1hello"))

	awaitAcks(t, rig.sender, 4)
	assert.Equal(t, []comm.AckCode{comm.AckReceived, comm.AckSuccess}, rig.sender.ackFor(activeNode, 1))
	assert.Equal(t, []comm.AckCode{comm.AckReceived, comm.AckSuccess}, rig.sender.ackFor(activeNode, 2))

	managed, ok := rig.manager.Get(echoID, 1)
	require.True(t, ok)
	assert.Equal(t, int64(7), managed.ConsumerID())
	assert.Equal(t, []string{"1hello"}, rig.service.lastPassive().appliedPayloads())

	records, err := rig.entities.LoadEntityData()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, echoID, records[0].ID)
	assert.Equal(t, []byte("cfg"), records[0].Configuration)
}

func TestReplicatedInvokeForUnknownEntityFails(t *testing.T) {
	rig := newReplicaRig(t)
	rig.handler.MakeStandby(activeNode)

	rig.handler.ReceiveReplication(activeNode, replicatedInvoke(1, 1, "1hello"))

	awaitAcks(t, rig.sender, 2)
	assert.Equal(t, []comm.AckCode{comm.AckReceived, comm.AckFail}, rig.sender.ackFor(activeNode, 1))
}

func TestReplicationBeforeSyncIsDropped(t *testing.T) {
	rig := newReplicaRig(t)

	rig.handler.ReceiveReplication(activeNode, replicatedInvoke(1, 1, "1early"))

	acks := awaitAcks(t, rig.sender, 2)
	assert.Equal(t, []comm.AckCode{comm.AckReceived, comm.AckNone}, rig.sender.ackFor(activeNode, 1))
	assert.Nil(t, rig.service.lastPassive())
	_ = acks
}

func TestReplicatedDisconnectPurgesClient(t *testing.T) {
	rig := newReplicaRig(t)
	rig.handler.MakeStandby(activeNode)

	rig.handler.ReceiveReplication(activeNode, replicatedCreate(1, 7, nil))
	awaitAcks(t, rig.sender, 2)
	require.NotZero(t, rig.order.IndexToReplay("c1", 1)+1)

	rig.handler.ReceiveReplication(activeNode, &comm.ReplicationMessage{
		Kind: comm.KindReplicate, Activity: comm.ActivityNoop, MessageID: 2,
		Source: "c1", Transaction: 2, Oldest: entity.NullTransactionID,
	})
	awaitAcks(t, rig.sender, 4)

	assert.Equal(t, -1, rig.order.IndexToReplay("c1", 1))
	entry, err := rig.entities.WasEntityCreatedInJournal("c1", 1)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func syncMsg(messageID uint64, activity comm.Activity, key int, payload []byte) *comm.ReplicationMessage {
	return &comm.ReplicationMessage{
		Kind:        comm.KindSync,
		Activity:    activity,
		MessageID:   messageID,
		Descriptor:  entity.EntityDescriptor{ID: echoID, Version: 1},
		Payload:     payload,
		Concurrency: key,
	}
}

func TestBulkSyncAppliesDefersAndIgnores(t *testing.T) {
	rig := newReplicaRig(t)

	receive := func(msg *comm.ReplicationMessage) {
		rig.handler.ReceiveReplication(activeNode, msg)
	}

	receive(&comm.ReplicationMessage{Kind: comm.KindSync, Activity: comm.ActivitySyncBegin, MessageID: 1})
	assert.Equal(t, StatePassiveSyncing, rig.state.State())

	begin := syncMsg(2, comm.ActivitySyncEntityBegin, 0, []byte("cfg"))
	begin.ConsumerID = 5
	receive(begin)
	receive(syncMsg(3, comm.ActivitySyncKeyBegin, 1, nil))
	receive(syncMsg(4, comm.ActivitySyncKeyPayload, 1, []byte("1seed")))

	// Live traffic while key 1 streams: same key defers, another key is
	// ignored, its state arrives inside the later key sync.
	receive(replicatedInvoke(5, 1, "1live"))
	receive(replicatedInvoke(6, 2, "2live"))

	receive(syncMsg(7, comm.ActivitySyncKeyEnd, 1, nil))
	receive(syncMsg(8, comm.ActivitySyncKeyBegin, 2, nil))
	receive(syncMsg(9, comm.ActivitySyncKeyPayload, 2, []byte("2seed")))
	receive(syncMsg(10, comm.ActivitySyncKeyEnd, 2, nil))
	receive(syncMsg(11, comm.ActivitySyncEntityEnd, 0, nil))

	catalog, err := json.Marshal([]persistence.EntityRecord{{
		ID: echoID, Version: 1, ConsumerID: 5, CanDelete: true, Configuration: []byte("cfg"),
	}})
	require.NoError(t, err)
	receive(&comm.ReplicationMessage{
		Kind: comm.KindSync, Activity: comm.ActivitySyncEnd, MessageID: 12, Payload: catalog,
	})

	rig.handler.Close()
	assert.Equal(t, StatePassiveStandby, rig.state.State())

	// Deferred traffic replayed after its key's seed, ignored traffic never
	// applied. Keys apply concurrently, so only per-key order is fixed.
	applied := rig.service.lastPassive().appliedPayloads()
	assert.ElementsMatch(t, []string{"1seed", "1live", "2seed"}, applied)
	assert.Less(t, indexOf(applied, "1seed"), indexOf(applied, "1live"))

	// The deferred invoke was eventually acknowledged as applied.
	awaitAcks(t, rig.sender, 3)
	assert.Equal(t, []comm.AckCode{comm.AckReceived, comm.AckSuccess}, rig.sender.ackFor(activeNode, 5))
	assert.Equal(t, []comm.AckCode{comm.AckReceived, comm.AckNone}, rig.sender.ackFor(activeNode, 6))

	// The restored catalog matches the active's snapshot.
	records, err := rig.entities.LoadEntityData()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(5), records[0].ConsumerID)

	// After standby, replication applies directly.
	receive(replicatedInvoke(13, 2, "2after"))
	require.Eventually(t, func() bool {
		payloads := rig.service.lastPassive().appliedPayloads()
		return indexOf(payloads, "2after") > indexOf(payloads, "2seed")
	}, 2*time.Second, 2*time.Millisecond)
}

func indexOf(payloads []string, payload string) int {
	for i, p := range payloads {
		if p == payload {
			return i
		}
	}
	return -1
}

func TestSyncEntityBeginForExistingEntityPanics(t *testing.T) {
	rig := newReplicaRig(t)
	_, err := rig.manager.LoadExisting(echoID, 1, 5, true, nil)
	require.NoError(t, err)

	rig.handler.ReceiveReplication(activeNode, &comm.ReplicationMessage{
		Kind: comm.KindSync, Activity: comm.ActivitySyncBegin, MessageID: 1,
	})
	assert.Panics(t, func() {
		rig.handler.ReceiveReplication(activeNode, syncMsg(2, comm.ActivitySyncEntityBegin, 0, nil))
	})
}

func TestUndeletableEntitySurvivesSyncFlag(t *testing.T) {
	rig := newReplicaRig(t)
	rig.handler.ReceiveReplication(activeNode, &comm.ReplicationMessage{
		Kind: comm.KindSync, Activity: comm.ActivitySyncBegin, MessageID: 1,
	})

	// Concurrency 1 on SYNC_ENTITY_BEGIN marks the entity undeletable.
	begin := syncMsg(2, comm.ActivitySyncEntityBegin, 1, nil)
	begin.ConsumerID = 5
	rig.handler.ReceiveReplication(activeNode, begin)

	awaitAcks(t, rig.sender, 2)
	managed, ok := rig.manager.Get(echoID, 1)
	require.True(t, ok)
	assert.False(t, managed.CanDelete())
}
