package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/entityd/pkg/comm"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/entity"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/kv"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/server"
)

// ResponseSink records one client's response stream.
type ResponseSink struct {
	mu        sync.Mutex
	responses []comm.Response
}

// SendResponses implements comm.ClientChannel.
func (s *ResponseSink) SendResponses(batch *comm.ResponseBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, batch.Responses...)
	return nil
}

// Responses returns everything received so far, in delivery order.
func (s *ResponseSink) Responses() []comm.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]comm.Response(nil), s.responses...)
}

// ForTransaction returns the responses received for one transaction.
func (s *ResponseSink) ForTransaction(transaction entity.TransactionID) []comm.Response {
	var out []comm.Response
	for _, response := range s.Responses() {
		if response.Transaction == transaction {
			out = append(out, response)
		}
	}
	return out
}

// Client drives one client's transactions through an ingress.
type Client struct {
	T       *testing.T
	ID      entity.ClientID
	Sink    *ResponseSink
	ingress *server.TransactionHandler

	mu   sync.Mutex
	next entity.TransactionID
}

// NewClient connects a client to the stripe's active ingress.
func (s *Stripe) NewClient() *Client {
	return s.ClientFor(s.Ingress)
}

// ClientFor connects a client to a specific ingress, such as one built
// over a freshly promoted passive.
func (s *Stripe) ClientFor(ingress *server.TransactionHandler) *Client {
	c := &Client{
		T:       s.T,
		ID:      entity.ClientID(uuid.NewString()),
		Sink:    &ResponseSink{},
		ingress: ingress,
	}
	s.Hub.Connect(c.ID, c.Sink)
	s.T.Cleanup(func() { s.Hub.Disconnect(c.ID) })
	return c
}

// Submit sends one operation and returns its transaction id.
func (c *Client) Submit(action entity.Action, id entity.EntityID, version uint64, payload []byte) entity.TransactionID {
	c.mu.Lock()
	c.next++
	transaction := c.next
	c.mu.Unlock()

	c.ingress.Submit(&server.ClientMessage{
		Action:      action,
		Source:      c.ID,
		Transaction: transaction,
		Oldest:      1,
		ID:          id,
		Version:     version,
		Payload:     payload,
	})
	return transaction
}

// Disconnect submits the client's disconnect marker.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.next++
	transaction := c.next
	c.mu.Unlock()
	c.ingress.Submit(&server.ClientMessage{
		Action:      entity.ActionNoop,
		Source:      c.ID,
		Transaction: transaction,
		Oldest:      entity.NullTransactionID,
	})
}

// await blocks until the transaction has settled and retired.
func (c *Client) await(transaction entity.TransactionID) []comm.Response {
	c.T.Helper()
	require.Eventually(c.T, func() bool {
		for _, response := range c.Sink.ForTransaction(transaction) {
			if response.Kind == comm.ResponseRetired {
				return true
			}
		}
		return false
	}, DefaultTimeout, 2*time.Millisecond, "transaction %d never retired", transaction)
	return c.Sink.ForTransaction(transaction)
}

// MustSucceed waits for the transaction and returns its result, failing
// the test on a failure response.
func (c *Client) MustSucceed(transaction entity.TransactionID) []byte {
	c.T.Helper()
	for _, response := range c.await(transaction) {
		switch response.Kind {
		case comm.ResponseResult:
			return response.Result
		case comm.ResponseFailure:
			c.T.Fatalf("transaction %d failed: %s", transaction, response.Error)
		}
	}
	c.T.Fatalf("transaction %d retired without an outcome", transaction)
	return nil
}

// MustFail waits for the transaction and returns its failure text.
func (c *Client) MustFail(transaction entity.TransactionID) string {
	c.T.Helper()
	for _, response := range c.await(transaction) {
		switch response.Kind {
		case comm.ResponseFailure:
			return response.Error
		case comm.ResponseResult:
			c.T.Fatalf("transaction %d unexpectedly succeeded", transaction)
		}
	}
	c.T.Fatalf("transaction %d retired without an outcome", transaction)
	return ""
}

// CreateKV creates a kv entity and waits for the create to settle.
func (c *Client) CreateKV(name string, config []byte) entity.EntityID {
	c.T.Helper()
	id := entity.EntityID{ClassName: kv.ClassName, EntityName: name}
	c.MustSucceed(c.Submit(entity.ActionCreate, id, kv.Version, config))
	return id
}

// Put stores one key and waits for the write to settle.
func (c *Client) Put(id entity.EntityID, key string, value []byte) {
	c.T.Helper()
	payload, err := kv.EncodeCommand(&kv.Command{Type: kv.CommandPut, Key: key, Value: value})
	require.NoError(c.T, err)
	result := c.MustSucceed(c.Submit(entity.ActionInvoke, id, kv.Version, payload))
	decoded, err := kv.DecodeResult(result)
	require.NoError(c.T, err)
	require.True(c.T, decoded.Success, "put %q failed: %s", key, decoded.Error)
}

// Get reads one key; the second return is false when the key is absent.
func (c *Client) Get(id entity.EntityID, key string) ([]byte, bool) {
	c.T.Helper()
	payload, err := kv.EncodeCommand(&kv.Command{Type: kv.CommandGet, Key: key})
	require.NoError(c.T, err)
	result := c.MustSucceed(c.Submit(entity.ActionInvoke, id, kv.Version, payload))
	decoded, err := kv.DecodeResult(result)
	require.NoError(c.T, err)
	if !decoded.Success {
		return nil, false
	}
	return decoded.Value, true
}

// Delete removes one key and waits for the write to settle.
func (c *Client) Delete(id entity.EntityID, key string) {
	c.T.Helper()
	payload, err := kv.EncodeCommand(&kv.Command{Type: kv.CommandDelete, Key: key})
	require.NoError(c.T, err)
	c.MustSucceed(c.Submit(entity.ActionInvoke, id, kv.Version, payload))
}
