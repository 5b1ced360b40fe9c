// Package persistence defines the durable state the server keeps across
// restarts: the entity catalog, the per-client operation journal used to
// answer resends, and the received-transaction order used to replay them.
package persistence

import (
	"errors"

	"github.com/therealutkarshpriyadarshi/entityd/pkg/entity"
)

// ErrStaleTransaction reports a transaction older than the client's
// declared resend window. Such messages were already acknowledged and must
// not be applied again.
var ErrStaleTransaction = errors.New("transaction below client resend window")

// EntityRecord is the persisted form of one entity.
type EntityRecord struct {
	// ID is the entity identity.
	ID entity.EntityID

	// Version is the class version the entity was created at.
	Version uint64

	// ConsumerID is the stable storage namespace handle assigned at
	// creation.
	ConsumerID int64

	// CanDelete is false for built-in entities that must survive destroy.
	CanDelete bool

	// Configuration is the entity's current configuration blob.
	Configuration []byte
}

// JournalEntry is the persisted outcome of one journaled lifecycle
// operation, keyed by originating client and transaction.
type JournalEntry struct {
	// Transaction is the client's transaction id.
	Transaction entity.TransactionID

	// Failure is the error message if the operation failed, empty on
	// success.
	Failure string

	// Result is the operation result returned to a resend. For
	// reconfigure this is the previous configuration.
	Result []byte
}

// Failed reports whether the journaled operation failed.
func (e *JournalEntry) Failed() bool {
	return e.Failure != ""
}

// EntityPersistor stores the entity catalog and the lifecycle journal.
// Lifecycle operations originated by clients are journaled so that a
// resend after failover receives the original outcome instead of running
// the operation twice.
type EntityPersistor interface {
	// NextConsumerID allocates the next storage namespace handle.
	NextConsumerID() (int64, error)

	// LoadEntityData returns every persisted entity, in consumer id
	// order.
	LoadEntityData() ([]EntityRecord, error)

	// EntityCreated persists a new entity and journals the successful
	// create for the client transaction.
	EntityCreated(client entity.ClientID, transaction entity.TransactionID, record EntityRecord) error

	// EntityCreatedNoJournal persists a new entity without journaling.
	// Used on passives applying sync, where no client transaction exists.
	EntityCreatedNoJournal(record EntityRecord) error

	// EntityCreateFailed journals a failed create.
	EntityCreateFailed(client entity.ClientID, transaction entity.TransactionID, failure string) error

	// WasEntityCreatedInJournal returns the journaled outcome of a
	// create, or nil if the transaction was never journaled.
	WasEntityCreatedInJournal(client entity.ClientID, transaction entity.TransactionID) (*JournalEntry, error)

	// EntityDestroyed removes the entity and journals the successful
	// destroy.
	EntityDestroyed(client entity.ClientID, transaction entity.TransactionID, id entity.EntityID) error

	// EntityDestroyFailed journals a failed destroy.
	EntityDestroyFailed(client entity.ClientID, transaction entity.TransactionID, failure string) error

	// WasEntityDestroyedInJournal returns the journaled outcome of a
	// destroy, or nil if the transaction was never journaled.
	WasEntityDestroyedInJournal(client entity.ClientID, transaction entity.TransactionID) (*JournalEntry, error)

	// EntityReconfigureSucceeded replaces the stored configuration and
	// journals the previous one as the operation result.
	EntityReconfigureSucceeded(client entity.ClientID, transaction entity.TransactionID, id entity.EntityID, configuration, previous []byte) error

	// EntityReconfigureFailed journals a failed reconfigure.
	EntityReconfigureFailed(client entity.ClientID, transaction entity.TransactionID, failure string) error

	// ReconfiguredResultInJournal returns the journaled outcome of a
	// reconfigure, or nil if the transaction was never journaled.
	ReconfiguredResultInJournal(client entity.ClientID, transaction entity.TransactionID) (*JournalEntry, error)

	// RemoveTrackingForClient drops every journal entry for a departed
	// client.
	RemoveTrackingForClient(client entity.ClientID) error

	// SnapshotCatalog serializes the full entity catalog for transfer to
	// a syncing passive.
	SnapshotCatalog() ([]byte, error)

	// RestoreCatalog replaces the persisted catalog with a snapshot
	// produced by SnapshotCatalog on the active.
	RestoreCatalog(snapshot []byte) error
}

// TransactionOrderPersistor records the global receive order of client
// transactions. After failover, resent transactions replay in this
// recorded order rather than in resend arrival order.
type TransactionOrderPersistor interface {
	// UpdateWithNewMessage records one received transaction and advances
	// the client's resend window to oldest. Returns ErrStaleTransaction
	// when the transaction is below the window; records below it are kept
	// but can never be replayed.
	UpdateWithNewMessage(client entity.ClientID, transaction, oldest entity.TransactionID) error

	// IndexToReplay returns the recorded global order index for a resent
	// transaction, or -1 if it was never recorded.
	IndexToReplay(client entity.ClientID, transaction entity.TransactionID) int

	// RemoveTrackingForClient drops all order records for a client.
	RemoveTrackingForClient(client entity.ClientID) error

	// ClearAllRecords discards the recorded order once replay is done.
	ClearAllRecords() error
}
