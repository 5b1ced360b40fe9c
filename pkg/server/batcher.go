package server

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/therealutkarshpriyadarshi/entityd/pkg/comm"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/entity"
)

// ResponseBatcher coalesces the responses bound for each client. Every
// client gets a dedicated flush goroutine: responses enqueued while a
// batch is being written accumulate into the next batch, so a slow client
// costs one goroutine, not a blocked processing thread, and per-client
// response order is preserved.
type ResponseBatcher struct {
	channels comm.ClientChannels
	logger   logr.Logger

	mu      sync.Mutex
	clients map[entity.ClientID]*clientQueue
	closed  bool
}

type clientQueue struct {
	responses chan comm.Response
	done      chan struct{}
}

// BatcherOption configures a ResponseBatcher.
type BatcherOption func(*ResponseBatcher)

// WithBatcherLogger sets the batcher's logger.
func WithBatcherLogger(logger logr.Logger) BatcherOption {
	return func(b *ResponseBatcher) {
		b.logger = logger
	}
}

// NewResponseBatcher creates a batcher delivering over channels.
func NewResponseBatcher(channels comm.ClientChannels, options ...BatcherOption) *ResponseBatcher {
	b := &ResponseBatcher{
		channels: channels,
		logger:   logr.Discard(),
		clients:  make(map[entity.ClientID]*clientQueue),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Received confirms wire-order receipt of a transaction.
func (b *ResponseBatcher) Received(client entity.ClientID, transaction entity.TransactionID) {
	b.enqueue(client, comm.Response{Kind: comm.ResponseReceived, Transaction: transaction})
}

// Result delivers a completed transaction's result.
func (b *ResponseBatcher) Result(client entity.ClientID, transaction entity.TransactionID, result []byte) {
	b.enqueue(client, comm.Response{Kind: comm.ResponseResult, Transaction: transaction, Result: result})
}

// Failure delivers a failed transaction's error.
func (b *ResponseBatcher) Failure(client entity.ClientID, transaction entity.TransactionID, err error) {
	b.enqueue(client, comm.Response{Kind: comm.ResponseFailure, Transaction: transaction, Error: err.Error()})
}

// Retired confirms a transaction's effects are retired.
func (b *ResponseBatcher) Retired(client entity.ClientID, transaction entity.TransactionID) {
	b.enqueue(client, comm.Response{Kind: comm.ResponseRetired, Transaction: transaction})
}

func (b *ResponseBatcher) enqueue(client entity.ClientID, response comm.Response) {
	if client == entity.NullClientID {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	queue, ok := b.clients[client]
	if !ok {
		queue = &clientQueue{
			responses: make(chan comm.Response, 1024),
			done:      make(chan struct{}),
		}
		b.clients[client] = queue
		go b.flushLoop(client, queue)
	}
	b.mu.Unlock()
	queue.responses <- response
}

// flushLoop drains one client's queue, coalescing everything immediately
// available into a single batch per write.
func (b *ResponseBatcher) flushLoop(client entity.ClientID, queue *clientQueue) {
	defer close(queue.done)
	for {
		first, ok := <-queue.responses
		if !ok {
			return
		}
		batch := &comm.ResponseBatch{Client: client, Responses: []comm.Response{first}}
	coalesce:
		for {
			select {
			case next, ok := <-queue.responses:
				if !ok {
					b.send(client, batch)
					return
				}
				batch.Responses = append(batch.Responses, next)
			default:
				break coalesce
			}
		}
		b.send(client, batch)
	}
}

func (b *ResponseBatcher) send(client entity.ClientID, batch *comm.ResponseBatch) {
	channel, ok := b.channels.Channel(client)
	if !ok {
		b.logger.V(1).Info("dropping responses for disconnected client",
			"client", string(client), "count", len(batch.Responses))
		return
	}
	if err := channel.SendResponses(batch); err != nil {
		b.logger.Error(err, "sending response batch", "client", string(client))
	}
}

// Disconnected drops the queue for a departed client after draining it.
// The caller must have stopped producing responses for the client.
func (b *ResponseBatcher) Disconnected(client entity.ClientID) {
	b.mu.Lock()
	queue, ok := b.clients[client]
	if ok {
		delete(b.clients, client)
	}
	b.mu.Unlock()
	if ok {
		close(queue.responses)
		<-queue.done
	}
}

// Close drains and stops every client queue.
func (b *ResponseBatcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	clients := b.clients
	b.clients = make(map[entity.ClientID]*clientQueue)
	b.mu.Unlock()
	for _, queue := range clients {
		close(queue.responses)
		<-queue.done
	}
}
