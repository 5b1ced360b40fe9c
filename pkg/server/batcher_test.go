package server

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/entityd/pkg/comm"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/entity"
)

func TestBatcherDeliversInOrder(t *testing.T) {
	hub := newSinkHub()
	sink := hub.add("c1")
	b := NewResponseBatcher(hub, WithBatcherLogger(testLogger()))
	defer b.Close()

	b.Received("c1", 1)
	b.Result("c1", 1, []byte("ok"))
	b.Retired("c1", 1)

	responses := awaitResponses(t, sink, 3)
	assert.Equal(t, []comm.ResponseKind{
		comm.ResponseReceived, comm.ResponseResult, comm.ResponseRetired,
	}, kindsOf(responses))
	assert.Equal(t, []byte("ok"), responses[1].Result)
}

func TestBatcherCarriesFailureText(t *testing.T) {
	hub := newSinkHub()
	sink := hub.add("c1")
	b := NewResponseBatcher(hub)
	defer b.Close()

	b.Failure("c1", 7, errors.New("entity exploded"))

	responses := awaitResponses(t, sink, 1)
	assert.Equal(t, comm.ResponseFailure, responses[0].Kind)
	assert.Equal(t, entity.TransactionID(7), responses[0].Transaction)
	assert.Equal(t, "entity exploded", responses[0].Error)
}

func TestBatcherKeepsClientsIndependent(t *testing.T) {
	hub := newSinkHub()
	first := hub.add("c1")
	second := hub.add("c2")
	b := NewResponseBatcher(hub)
	defer b.Close()

	for i := entity.TransactionID(1); i <= 20; i++ {
		b.Received("c1", i)
		b.Received("c2", i+100)
	}

	one := awaitResponses(t, first, 20)
	two := awaitResponses(t, second, 20)
	for i := 0; i < 20; i++ {
		assert.Equal(t, entity.TransactionID(i+1), one[i].Transaction)
		assert.Equal(t, entity.TransactionID(i+101), two[i].Transaction)
	}
}

func TestBatcherIgnoresNullClient(t *testing.T) {
	hub := newSinkHub()
	b := NewResponseBatcher(hub)
	defer b.Close()

	b.Received(entity.NullClientID, 1)
	b.Result(entity.NullClientID, 1, nil)

	b.mu.Lock()
	queues := len(b.clients)
	b.mu.Unlock()
	assert.Zero(t, queues)
}

func TestBatcherDropsUnknownClient(t *testing.T) {
	b := NewResponseBatcher(newSinkHub())
	b.Received("nobody", 1)
	// Draining must not block on the dropped write.
	b.Close()
}

func TestBatcherDisconnectedDrains(t *testing.T) {
	hub := newSinkHub()
	sink := hub.add("c1")
	b := NewResponseBatcher(hub)
	defer b.Close()

	for i := entity.TransactionID(1); i <= 100; i++ {
		b.Received("c1", i)
	}
	b.Disconnected("c1")

	// Disconnected returns only after the queue is fully flushed.
	responses := sink.snapshot()
	require.Len(t, responses, 100)

	b.mu.Lock()
	_, tracked := b.clients["c1"]
	b.mu.Unlock()
	assert.False(t, tracked)
}

func TestBatcherCloseStopsEnqueues(t *testing.T) {
	hub := newSinkHub()
	sink := hub.add("c1")
	b := NewResponseBatcher(hub)

	b.Received("c1", 1)
	b.Close()
	b.Received("c1", 2)
	b.Close()

	responses := sink.snapshot()
	require.Len(t, responses, 1)
	assert.Equal(t, entity.TransactionID(1), responses[0].Transaction)
}
