package entity

import "fmt"

// Reserved concurrency keys. Business messages always map onto positive
// keys; the reserved keys serialize against all other activity on an entity.
const (
	// ManagementKey is the partition used for entity lifecycle actions
	// (create, destroy, promote). Nothing else runs while it runs.
	ManagementKey = 0

	// UniversalKey marks a message as applying to every partition of an
	// entity. Like ManagementKey it is exclusive against all activity.
	UniversalKey = -1
)

// EntityID identifies an entity kind and instance. It is stable for the
// lifetime of the entity.
type EntityID struct {
	// ClassName is the entity type (resolves the service factory).
	ClassName string

	// EntityName is the instance name within the class.
	EntityName string
}

// NullEntityID is the zero EntityID, used by control messages that do not
// target a particular entity.
var NullEntityID = EntityID{}

// IsNull returns true if this is the null entity ID.
func (id EntityID) IsNull() bool {
	return id == NullEntityID
}

// String returns "class/name".
func (id EntityID) String() string {
	return id.ClassName + "/" + id.EntityName
}

// ClientID identifies a connected client. The empty string is the null
// client, used for synthetic and system-originated requests.
type ClientID string

// NullClientID is the null client.
const NullClientID ClientID = ""

// IsNull returns true for the null client.
func (c ClientID) IsNull() bool {
	return c == NullClientID
}

// ClientInstanceID distinguishes multiple fetches of the same entity by the
// same client.
type ClientInstanceID uint64

// TransactionID is a monotonically increasing, per-client identifier for a
// client-originated operation. Ordering is defined only within one client.
type TransactionID int64

// NullTransactionID means "no transaction": synthetic or system-originated.
const NullTransactionID TransactionID = 0

// IsNull returns true for the null transaction.
func (t TransactionID) IsNull() bool {
	return t == NullTransactionID
}

// EntityDescriptor identifies one client's binding to one entity instance.
type EntityDescriptor struct {
	// ID is the target entity.
	ID EntityID

	// Instance is the client-side instance of the binding.
	Instance ClientInstanceID

	// Version is the client-observed entity version.
	Version uint64
}

// NullDescriptor is the zero descriptor used by synthetic requests.
var NullDescriptor = EntityDescriptor{}

// ClientDescriptor is the identity handed to entity implementations for a
// connected client: the client plus its binding to this entity.
type ClientDescriptor struct {
	Client     ClientID
	Descriptor EntityDescriptor
}

// Action is the closed set of operations a request can carry against an
// entity.
type Action int

const (
	// ActionNoop performs no entity work; it is used as an ordering
	// barrier and to trigger removal of fully destroyed entities.
	ActionNoop Action = iota
	// ActionCreate allocates a new business instance.
	ActionCreate
	// ActionLoadExisting allocates an instance from persisted state.
	ActionLoadExisting
	// ActionInvoke applies a business message.
	ActionInvoke
	// ActionFetch registers a client reference and returns the config.
	ActionFetch
	// ActionRelease removes a client reference.
	ActionRelease
	// ActionDestroy destroys the business instance.
	ActionDestroy
	// ActionReconfigure replaces the stored configuration.
	ActionReconfigure
	// ActionPromote flips a passive entity to active.
	ActionPromote
	// ActionSync streams the entity's state to a passive, one
	// concurrency key at a time.
	ActionSync
	// ActionReceiveSyncEntityStart marks the beginning of an inbound
	// entity sync on a passive.
	ActionReceiveSyncEntityStart
	// ActionReceiveSyncKeyStart marks the beginning of one key's sync.
	ActionReceiveSyncKeyStart
	// ActionReceiveSyncPayload applies one inbound sync payload.
	ActionReceiveSyncPayload
	// ActionReceiveSyncKeyEnd marks the end of one key's sync.
	ActionReceiveSyncKeyEnd
	// ActionReceiveSyncEntityEnd marks the end of an inbound entity sync.
	ActionReceiveSyncEntityEnd
)

// String returns a string representation of the action.
func (a Action) String() string {
	switch a {
	case ActionNoop:
		return "NOOP"
	case ActionCreate:
		return "CREATE"
	case ActionLoadExisting:
		return "LOAD_EXISTING"
	case ActionInvoke:
		return "INVOKE"
	case ActionFetch:
		return "FETCH"
	case ActionRelease:
		return "RELEASE"
	case ActionDestroy:
		return "DESTROY"
	case ActionReconfigure:
		return "RECONFIGURE"
	case ActionPromote:
		return "PROMOTE"
	case ActionSync:
		return "SYNC"
	case ActionReceiveSyncEntityStart:
		return "RECEIVE_SYNC_ENTITY_START"
	case ActionReceiveSyncKeyStart:
		return "RECEIVE_SYNC_KEY_START"
	case ActionReceiveSyncPayload:
		return "RECEIVE_SYNC_PAYLOAD"
	case ActionReceiveSyncKeyEnd:
		return "RECEIVE_SYNC_KEY_END"
	case ActionReceiveSyncEntityEnd:
		return "RECEIVE_SYNC_ENTITY_END"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Message is a decoded business message. Implementations must be comparable
// (typically pointers) since messages key retirement tracking.
type Message any

// MessagePayload carries the raw bytes of a business message, optionally its
// decoded form, the concurrency key it targets, and whether it must be
// replicated to passives.
type MessagePayload struct {
	// Raw is the wire payload.
	Raw []byte

	// Message is the decoded business message, nil if not decoded.
	Message Message

	// ConcurrencyKey partitions ordering within the entity. Zero is the
	// management key; when a strategy is available it takes precedence
	// for invokes.
	ConcurrencyKey int

	// RequiresReplication is set on messages that must reach passives.
	RequiresReplication bool
}

// EmptyPayload is the payload of synthetic barrier requests. It targets the
// management key so it serializes against everything on the entity.
var EmptyPayload = MessagePayload{ConcurrencyKey: ManagementKey}
