package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/entityd/pkg/comm"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/entity"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/kv"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/server"
	"github.com/therealutkarshpriyadarshi/entityd/test/testutil"
)

// countKind tallies one response kind for a transaction.
func countKind(sink *testutil.ResponseSink, transaction entity.TransactionID, kind comm.ResponseKind) int {
	count := 0
	for _, response := range sink.ForTransaction(transaction) {
		if response.Kind == kind {
			count++
		}
	}
	return count
}

func TestResentCreateAnsweredFromJournalAfterRestart(t *testing.T) {
	stripe := testutil.NewStripe(t, testutil.StripeConfig{ActiveName: "active-1"})
	client := stripe.NewClient()

	id := client.CreateKV("ledger", nil)

	// A restarted ingress over the same durable state: the reconnecting
	// client replays its create.
	restarted := server.NewTransactionHandler(stripe.Active.Manager, stripe.Active.Entities,
		stripe.Active.Order, stripe.Batcher, server.NullReplicator{})
	restarted.Submit(&server.ClientMessage{
		Action:      entity.ActionCreate,
		Source:      client.ID,
		Transaction: 1,
		Oldest:      1,
		ID:          id,
		Version:     kv.Version,
		Resent:      true,
	})

	// Answered from the journal: a second success, never a failure. A
	// re-executed create would fail with already-exists.
	require.Eventually(t, func() bool {
		return countKind(client.Sink, 1, comm.ResponseResult) >= 2
	}, testutil.DefaultTimeout, 2*time.Millisecond)
	assert.Zero(t, countKind(client.Sink, 1, comm.ResponseFailure))
}

func TestResendWindowReplaysInDurableOrder(t *testing.T) {
	stripe := testutil.NewStripe(t, testutil.StripeConfig{ActiveName: "active-1"})
	client := stripe.NewClient()
	id := client.CreateKV("ledger", nil)
	client.Put(id, "k", []byte("first"))
	client.Put(id, "k", []byte("second"))

	// The restarted ingress sees the two puts resent out of order; the
	// durable arrival order wins.
	restarted := server.NewTransactionHandler(stripe.Active.Manager, stripe.Active.Entities,
		stripe.Active.Order, stripe.Batcher, server.NullReplicator{})
	resend := func(transaction entity.TransactionID, value string) {
		payload, err := kv.EncodeCommand(&kv.Command{Type: kv.CommandPut, Key: "k", Value: []byte(value)})
		require.NoError(t, err)
		restarted.Submit(&server.ClientMessage{
			Action:      entity.ActionInvoke,
			Source:      client.ID,
			Transaction: transaction,
			Oldest:      1,
			ID:          id,
			Version:     kv.Version,
			Payload:     payload,
			Resent:      true,
		})
	}
	resend(3, "second")
	resend(2, "first")
	restarted.ProcessResends()

	require.Eventually(t, func() bool {
		return countKind(client.Sink, 2, comm.ResponseRetired) >= 2 &&
			countKind(client.Sink, 3, comm.ResponseRetired) >= 2
	}, testutil.DefaultTimeout, 2*time.Millisecond)

	// The replay preserved the original order: "second" is still the
	// final value.
	reader := stripe.ClientFor(restarted)
	value, ok := reader.Get(id, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("second"), value)
}

func TestDisconnectPurgesClientTracking(t *testing.T) {
	stripe := testutil.NewStripe(t, testutil.StripeConfig{ActiveName: "active-1"})
	client := stripe.NewClient()
	client.CreateKV("ledger", nil)
	require.GreaterOrEqual(t, stripe.Active.Order.IndexToReplay(client.ID, 1), 0)

	client.Disconnect()

	require.Eventually(t, func() bool {
		return stripe.Active.Order.IndexToReplay(client.ID, 1) == -1
	}, testutil.DefaultTimeout, 2*time.Millisecond)
	entry, err := stripe.Active.Entities.WasEntityCreatedInJournal(client.ID, 1)
	require.NoError(t, err)
	assert.Nil(t, entry)
}
