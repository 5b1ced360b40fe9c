// Package comm defines the message model and transport contracts between
// the active server, its passives, and connected clients. The wire
// encoding itself is owned by the transport implementation.
package comm

import (
	"fmt"

	"github.com/therealutkarshpriyadarshi/entityd/pkg/entity"
)

// Kind is the top-level replication message kind.
type Kind int

const (
	// KindReplicate carries one ordered, replicated operation.
	KindReplicate Kind = iota
	// KindSync carries bulk-sync stream traffic.
	KindSync
	// KindStart announces that a new active has taken over the stream.
	KindStart
)

// String returns a string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindReplicate:
		return "REPLICATE"
	case KindSync:
		return "SYNC"
	case KindStart:
		return "START"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Activity qualifies what a replicated or sync message does.
type Activity int

const (
	// ActivityNoop is an ordering barrier.
	ActivityNoop Activity = iota
	// ActivityCreate creates an entity.
	ActivityCreate
	// ActivityReconfigure replaces an entity's configuration.
	ActivityReconfigure
	// ActivityInvoke applies a business message.
	ActivityInvoke
	// ActivityDestroy destroys an entity.
	ActivityDestroy
	// ActivityFetch registers a client reference.
	ActivityFetch
	// ActivityRelease removes a client reference.
	ActivityRelease
	// ActivitySyncBegin starts the whole bulk sync.
	ActivitySyncBegin
	// ActivitySyncEnd ends the whole bulk sync; its payload carries the
	// serialized entity catalog snapshot.
	ActivitySyncEnd
	// ActivitySyncEntityBegin starts one entity's sync. The concurrency
	// field is repurposed as a deletability flag: 0 deletable, 1 not.
	ActivitySyncEntityBegin
	// ActivitySyncEntityEnd ends one entity's sync.
	ActivitySyncEntityEnd
	// ActivitySyncKeyBegin starts one concurrency key's sync.
	ActivitySyncKeyBegin
	// ActivitySyncKeyPayload carries one state payload for the key.
	ActivitySyncKeyPayload
	// ActivitySyncKeyEnd ends one concurrency key's sync.
	ActivitySyncKeyEnd
)

// String returns a string representation of the activity.
func (a Activity) String() string {
	switch a {
	case ActivityNoop:
		return "NOOP"
	case ActivityCreate:
		return "CREATE_ENTITY"
	case ActivityReconfigure:
		return "RECONFIGURE_ENTITY"
	case ActivityInvoke:
		return "INVOKE_ACTION"
	case ActivityDestroy:
		return "DESTROY_ENTITY"
	case ActivityFetch:
		return "FETCH_ENTITY"
	case ActivityRelease:
		return "RELEASE_ENTITY"
	case ActivitySyncBegin:
		return "SYNC_BEGIN"
	case ActivitySyncEnd:
		return "SYNC_END"
	case ActivitySyncEntityBegin:
		return "SYNC_ENTITY_BEGIN"
	case ActivitySyncEntityEnd:
		return "SYNC_ENTITY_END"
	case ActivitySyncKeyBegin:
		return "SYNC_ENTITY_CONCURRENCY_BEGIN"
	case ActivitySyncKeyPayload:
		return "SYNC_ENTITY_CONCURRENCY_PAYLOAD"
	case ActivitySyncKeyEnd:
		return "SYNC_ENTITY_CONCURRENCY_END"
	default:
		return fmt.Sprintf("Activity(%d)", int(a))
	}
}

// Action maps the activity onto the entity action a passive dispatches.
func (a Activity) Action() entity.Action {
	switch a {
	case ActivityNoop, ActivitySyncBegin, ActivitySyncEnd:
		return entity.ActionNoop
	case ActivityCreate:
		return entity.ActionCreate
	case ActivityReconfigure:
		return entity.ActionReconfigure
	case ActivityInvoke:
		return entity.ActionInvoke
	case ActivityDestroy:
		return entity.ActionDestroy
	case ActivityFetch:
		return entity.ActionFetch
	case ActivityRelease:
		return entity.ActionRelease
	case ActivitySyncEntityBegin:
		return entity.ActionReceiveSyncEntityStart
	case ActivitySyncKeyBegin:
		return entity.ActionReceiveSyncKeyStart
	case ActivitySyncKeyPayload:
		return entity.ActionReceiveSyncPayload
	case ActivitySyncKeyEnd:
		return entity.ActionReceiveSyncKeyEnd
	case ActivitySyncEntityEnd:
		return entity.ActionReceiveSyncEntityEnd
	default:
		panic(fmt.Sprintf("unmapped replication activity %d", int(a)))
	}
}

// ReplicationMessage is one message on the active-to-passive stream.
type ReplicationMessage struct {
	// Kind routes top-level handling.
	Kind Kind

	// Activity qualifies replicate and sync messages.
	Activity Activity

	// MessageID orders and acknowledges the message. Assigned by the
	// sending active, unique per stream.
	MessageID uint64

	// From is the sending node; empty for synthetic local messages,
	// which are never acknowledged.
	From string

	// Source is the originating client, if any.
	Source entity.ClientID

	// Transaction and Oldest carry the client's transaction identity.
	Transaction entity.TransactionID
	Oldest      entity.TransactionID

	// Descriptor is the target entity binding.
	Descriptor entity.EntityDescriptor

	// Payload is the raw business or sync payload.
	Payload []byte

	// Concurrency is the key assigned by the active, or the repurposed
	// deletability flag on SYNC_ENTITY_BEGIN.
	Concurrency int

	// ConsumerID carries the active's storage namespace assignment on
	// entity creation and sync, so both sides persist the same handle.
	ConsumerID int64
}

// AckCode is the passive's per-message acknowledgment result.
type AckCode int

const (
	// AckNone acknowledges a message dropped without effect.
	AckNone AckCode = iota
	// AckReceived acknowledges receipt before processing.
	AckReceived
	// AckSuccess acknowledges a successful apply.
	AckSuccess
	// AckFail acknowledges a failed apply; the active owns the retry.
	AckFail
)

// String returns a string representation of the code.
func (c AckCode) String() string {
	switch c {
	case AckNone:
		return "NONE"
	case AckReceived:
		return "RECEIVED"
	case AckSuccess:
		return "SUCCESS"
	case AckFail:
		return "FAIL"
	default:
		return fmt.Sprintf("AckCode(%d)", int(c))
	}
}

// Ack pairs a replicated message with its result code.
type Ack struct {
	MessageID uint64
	Code      AckCode
}

// AckBatch coalesces acknowledgments bound for the active into one
// network write.
type AckBatch struct {
	Acks []Ack
}

// Add appends one acknowledgment to the batch.
func (b *AckBatch) Add(messageID uint64, code AckCode) {
	b.Acks = append(b.Acks, Ack{MessageID: messageID, Code: code})
}

// ResponseKind is the kind of one client response entry.
type ResponseKind int

const (
	// ResponseReceived confirms wire-order receipt of a transaction.
	ResponseReceived ResponseKind = iota
	// ResponseResult carries a completed transaction's result.
	ResponseResult
	// ResponseFailure carries a failed transaction's error.
	ResponseFailure
	// ResponseRetired confirms a transaction's effects are retired.
	ResponseRetired
)

// Response is one entry in a client's batched response stream.
type Response struct {
	Kind        ResponseKind
	Transaction entity.TransactionID
	Result      []byte
	Error       string
}

// ResponseBatch accumulates the responses bound for one client within one
// processing pass.
type ResponseBatch struct {
	// Client is the destination.
	Client entity.ClientID

	// Responses in append order.
	Responses []Response
}

// AddReceived appends a receipt confirmation.
func (b *ResponseBatch) AddReceived(transaction entity.TransactionID) {
	b.Responses = append(b.Responses, Response{Kind: ResponseReceived, Transaction: transaction})
}

// AddResult appends a completion result.
func (b *ResponseBatch) AddResult(transaction entity.TransactionID, result []byte) {
	b.Responses = append(b.Responses, Response{Kind: ResponseResult, Transaction: transaction, Result: result})
}

// AddFailure appends a failure.
func (b *ResponseBatch) AddFailure(transaction entity.TransactionID, err error) {
	b.Responses = append(b.Responses, Response{Kind: ResponseFailure, Transaction: transaction, Error: err.Error()})
}

// AddRetired appends a retirement confirmation.
func (b *ResponseBatch) AddRetired(transaction entity.TransactionID) {
	b.Responses = append(b.Responses, Response{Kind: ResponseRetired, Transaction: transaction})
}
