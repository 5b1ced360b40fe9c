package comm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/entityd/pkg/entity"
)

type recordingEndpoint struct {
	mu           sync.Mutex
	replications []*ReplicationMessage
	acks         []*AckBatch
	syncRequests []string
}

func (e *recordingEndpoint) ReceiveReplication(from string, msg *ReplicationMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.replications = append(e.replications, msg)
}

func (e *recordingEndpoint) ReceiveAcks(from string, batch *AckBatch) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acks = append(e.acks, batch)
}

func (e *recordingEndpoint) ReceiveSyncRequest(from string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncRequests = append(e.syncRequests, from)
}

func (e *recordingEndpoint) waitReplications(t *testing.T, n int) []*ReplicationMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		got := len(e.replications)
		e.mu.Unlock()
		if got >= n {
			e.mu.Lock()
			defer e.mu.Unlock()
			return append([]*ReplicationMessage(nil), e.replications...)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d replications", n)
	return nil
}

func TestLoopbackDeliversInOrder(t *testing.T) {
	lb := NewLoopback()
	defer lb.Close()

	passive := &recordingEndpoint{}
	lb.Register("passive-1", passive)
	sender := lb.Sender("active-1")

	for i := 0; i < 100; i++ {
		msg := &ReplicationMessage{Kind: KindReplicate, Activity: ActivityInvoke, MessageID: uint64(i + 1)}
		require.NoError(t, sender.SendReplication("passive-1", msg))
	}

	got := passive.waitReplications(t, 100)
	for i, msg := range got {
		assert.Equal(t, uint64(i+1), msg.MessageID)
		assert.Equal(t, "active-1", msg.From)
	}
}

func TestLoopbackSentCallback(t *testing.T) {
	lb := NewLoopback()
	defer lb.Close()
	lb.Register("passive-1", &recordingEndpoint{})

	sender := lb.Sender("active-1")
	fired := false
	msg := &ReplicationMessage{Kind: KindReplicate, Activity: ActivityNoop, MessageID: 1}
	require.NoError(t, sender.SendReplicationWithCallback("passive-1", msg, func() { fired = true }))
	assert.True(t, fired)
}

func TestLoopbackUnknownNode(t *testing.T) {
	lb := NewLoopback()
	defer lb.Close()

	sender := lb.Sender("active-1")
	err := sender.SendReplication("nobody", &ReplicationMessage{})
	var unknown *ErrNodeUnknown
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "nobody", unknown.Node)
}

func TestLoopbackSyncRequestCarriesOrigin(t *testing.T) {
	lb := NewLoopback()
	defer lb.Close()

	active := &recordingEndpoint{}
	lb.Register("active-1", active)
	require.NoError(t, lb.Sender("passive-2").RequestSync("active-1"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		active.mu.Lock()
		got := append([]string(nil), active.syncRequests...)
		active.mu.Unlock()
		if len(got) > 0 {
			assert.Equal(t, []string{"passive-2"}, got)
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("sync request never delivered")
}

func TestClientHub(t *testing.T) {
	hub := NewClientHub()
	client := entity.ClientID("client-1")

	_, ok := hub.Channel(client)
	assert.False(t, ok)

	ch := channelFunc(func(*ResponseBatch) error { return nil })
	hub.Connect(client, ch)
	_, ok = hub.Channel(client)
	assert.True(t, ok)

	hub.Disconnect(client)
	_, ok = hub.Channel(client)
	assert.False(t, ok)
}

type channelFunc func(*ResponseBatch) error

func (f channelFunc) SendResponses(batch *ResponseBatch) error { return f(batch) }

func TestActivityActionMapping(t *testing.T) {
	assert.Equal(t, entity.ActionCreate, ActivityCreate.Action())
	assert.Equal(t, entity.ActionNoop, ActivitySyncBegin.Action())
	assert.Equal(t, entity.ActionReceiveSyncPayload, ActivitySyncKeyPayload.Action())
	assert.Equal(t, entity.ActionReceiveSyncEntityEnd, ActivitySyncEntityEnd.Action())
}
