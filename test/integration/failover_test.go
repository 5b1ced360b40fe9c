package integration

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/entityd/test/testutil"
)

func TestPromotedPassiveServesReplicatedState(t *testing.T) {
	stripe := testutil.NewStripe(t, testutil.DefaultStripeConfig())
	stripe.WaitForStandby()
	client := stripe.NewClient()

	id := client.CreateKV("ledger", nil)
	for i := 0; i < 10; i++ {
		client.Put(id, fmt.Sprintf("key-%d", i), []byte(fmt.Sprintf("value-%d", i)))
	}
	stripe.WaitForReplication()

	promoted := stripe.Promote(stripe.Passives[0])
	survivor := stripe.ClientFor(promoted)

	for i := 0; i < 10; i++ {
		value, ok := survivor.Get(id, fmt.Sprintf("key-%d", i))
		require.True(t, ok, "key-%d lost in failover", i)
		assert.Equal(t, []byte(fmt.Sprintf("value-%d", i)), value)
	}

	// The promoted node accepts new writes.
	survivor.Put(id, "post-failover", []byte("yes"))
	value, ok := survivor.Get(id, "post-failover")
	require.True(t, ok)
	assert.Equal(t, []byte("yes"), value)
}

func TestLateJoiningPassiveBulkSyncs(t *testing.T) {
	stripe := testutil.NewStripe(t, testutil.StripeConfig{ActiveName: "active-1"})
	client := stripe.NewClient()

	// State exists before the passive ever connects; it must arrive
	// through the sync stream, not replication.
	id := client.CreateKV("warehouse", nil)
	for i := 0; i < 20; i++ {
		client.Put(id, fmt.Sprintf("item-%d", i), []byte(fmt.Sprintf("%d", i*i)))
	}

	late := stripe.AddPassive("late-1")
	stripe.WaitForStandby()

	// Post-sync traffic flows through normal replication.
	client.Put(id, "after-sync", []byte("fresh"))
	stripe.WaitForReplication()

	promoted := stripe.Promote(late)
	survivor := stripe.ClientFor(promoted)
	for i := 0; i < 20; i++ {
		value, ok := survivor.Get(id, fmt.Sprintf("item-%d", i))
		require.True(t, ok, "item-%d missing after sync", i)
		assert.Equal(t, []byte(fmt.Sprintf("%d", i*i)), value)
	}
	value, ok := survivor.Get(id, "after-sync")
	require.True(t, ok)
	assert.Equal(t, []byte("fresh"), value)
}

func TestWritesDuringSyncAreNotLost(t *testing.T) {
	stripe := testutil.NewStripe(t, testutil.StripeConfig{ActiveName: "active-1"})
	client := stripe.NewClient()

	id := client.CreateKV("busy", nil)
	for i := 0; i < 50; i++ {
		client.Put(id, fmt.Sprintf("pre-%d", i), []byte("x"))
	}

	// Keep writing while the passive syncs.
	late := stripe.AddPassive("late-1")
	for i := 0; i < 50; i++ {
		client.Put(id, fmt.Sprintf("during-%d", i), []byte("y"))
	}
	stripe.WaitForStandby()
	stripe.WaitForReplication()

	promoted := stripe.Promote(late)
	survivor := stripe.ClientFor(promoted)
	for i := 0; i < 50; i++ {
		_, ok := survivor.Get(id, fmt.Sprintf("pre-%d", i))
		require.True(t, ok, "pre-sync key %d missing", i)
		_, ok = survivor.Get(id, fmt.Sprintf("during-%d", i))
		require.True(t, ok, "mid-sync key %d missing", i)
	}
}
