package persistence

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/therealutkarshpriyadarshi/entityd/pkg/entity"
)

type journalKey struct {
	client      entity.ClientID
	transaction entity.TransactionID
}

// MemoryEntityPersistor is an in-memory EntityPersistor. State does not
// survive a restart; it backs tests and ephemeral nodes.
type MemoryEntityPersistor struct {
	mu           sync.Mutex
	nextConsumer int64
	entities     map[entity.EntityID]EntityRecord
	creates      map[journalKey]*JournalEntry
	destroys     map[journalKey]*JournalEntry
	reconfigures map[journalKey]*JournalEntry
}

// NewMemoryEntityPersistor creates an empty in-memory persistor.
func NewMemoryEntityPersistor() *MemoryEntityPersistor {
	return &MemoryEntityPersistor{
		nextConsumer: 1,
		entities:     make(map[entity.EntityID]EntityRecord),
		creates:      make(map[journalKey]*JournalEntry),
		destroys:     make(map[journalKey]*JournalEntry),
		reconfigures: make(map[journalKey]*JournalEntry),
	}
}

// NextConsumerID implements EntityPersistor.
func (p *MemoryEntityPersistor) NextConsumerID() (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextConsumer
	p.nextConsumer++
	return id, nil
}

// LoadEntityData implements EntityPersistor.
func (p *MemoryEntityPersistor) LoadEntityData() ([]EntityRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	records := make([]EntityRecord, 0, len(p.entities))
	for _, record := range p.entities {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ConsumerID < records[j].ConsumerID
	})
	return records, nil
}

func (p *MemoryEntityPersistor) journal(journal map[journalKey]*JournalEntry, client entity.ClientID, transaction entity.TransactionID, entry *JournalEntry) {
	if client == entity.NullClientID {
		return
	}
	journal[journalKey{client: client, transaction: transaction}] = entry
}

// EntityCreated implements EntityPersistor.
func (p *MemoryEntityPersistor) EntityCreated(client entity.ClientID, transaction entity.TransactionID, record EntityRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entities[record.ID] = record
	p.journal(p.creates, client, transaction, &JournalEntry{Transaction: transaction})
	return nil
}

// EntityCreatedNoJournal implements EntityPersistor.
func (p *MemoryEntityPersistor) EntityCreatedNoJournal(record EntityRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entities[record.ID] = record
	if record.ConsumerID >= p.nextConsumer {
		p.nextConsumer = record.ConsumerID + 1
	}
	return nil
}

// EntityCreateFailed implements EntityPersistor.
func (p *MemoryEntityPersistor) EntityCreateFailed(client entity.ClientID, transaction entity.TransactionID, failure string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.journal(p.creates, client, transaction, &JournalEntry{Transaction: transaction, Failure: failure})
	return nil
}

// WasEntityCreatedInJournal implements EntityPersistor.
func (p *MemoryEntityPersistor) WasEntityCreatedInJournal(client entity.ClientID, transaction entity.TransactionID) (*JournalEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creates[journalKey{client: client, transaction: transaction}], nil
}

// EntityDestroyed implements EntityPersistor.
func (p *MemoryEntityPersistor) EntityDestroyed(client entity.ClientID, transaction entity.TransactionID, id entity.EntityID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entities, id)
	p.journal(p.destroys, client, transaction, &JournalEntry{Transaction: transaction})
	return nil
}

// EntityDestroyFailed implements EntityPersistor.
func (p *MemoryEntityPersistor) EntityDestroyFailed(client entity.ClientID, transaction entity.TransactionID, failure string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.journal(p.destroys, client, transaction, &JournalEntry{Transaction: transaction, Failure: failure})
	return nil
}

// WasEntityDestroyedInJournal implements EntityPersistor.
func (p *MemoryEntityPersistor) WasEntityDestroyedInJournal(client entity.ClientID, transaction entity.TransactionID) (*JournalEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroys[journalKey{client: client, transaction: transaction}], nil
}

// EntityReconfigureSucceeded implements EntityPersistor.
func (p *MemoryEntityPersistor) EntityReconfigureSucceeded(client entity.ClientID, transaction entity.TransactionID, id entity.EntityID, configuration, previous []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	record, ok := p.entities[id]
	if !ok {
		return fmt.Errorf("reconfigure of unknown entity %s", id)
	}
	record.Configuration = configuration
	p.entities[id] = record
	p.journal(p.reconfigures, client, transaction, &JournalEntry{Transaction: transaction, Result: previous})
	return nil
}

// EntityReconfigureFailed implements EntityPersistor.
func (p *MemoryEntityPersistor) EntityReconfigureFailed(client entity.ClientID, transaction entity.TransactionID, failure string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.journal(p.reconfigures, client, transaction, &JournalEntry{Transaction: transaction, Failure: failure})
	return nil
}

// ReconfiguredResultInJournal implements EntityPersistor.
func (p *MemoryEntityPersistor) ReconfiguredResultInJournal(client entity.ClientID, transaction entity.TransactionID) (*JournalEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reconfigures[journalKey{client: client, transaction: transaction}], nil
}

// RemoveTrackingForClient implements EntityPersistor.
func (p *MemoryEntityPersistor) RemoveTrackingForClient(client entity.ClientID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, journal := range []map[journalKey]*JournalEntry{p.creates, p.destroys, p.reconfigures} {
		for key := range journal {
			if key.client == client {
				delete(journal, key)
			}
		}
	}
	return nil
}

// SnapshotCatalog implements EntityPersistor.
func (p *MemoryEntityPersistor) SnapshotCatalog() ([]byte, error) {
	records, err := p.LoadEntityData()
	if err != nil {
		return nil, err
	}
	return json.Marshal(records)
}

// RestoreCatalog implements EntityPersistor.
func (p *MemoryEntityPersistor) RestoreCatalog(snapshot []byte) error {
	var records []EntityRecord
	if err := json.Unmarshal(snapshot, &records); err != nil {
		return fmt.Errorf("decoding catalog snapshot: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entities = make(map[entity.EntityID]EntityRecord, len(records))
	for _, record := range records {
		p.entities[record.ID] = record
		if record.ConsumerID >= p.nextConsumer {
			p.nextConsumer = record.ConsumerID + 1
		}
	}
	return nil
}

type orderRecord struct {
	client      entity.ClientID
	transaction entity.TransactionID
}

// MemoryOrderPersistor is an in-memory TransactionOrderPersistor.
type MemoryOrderPersistor struct {
	mu       sync.Mutex
	received []orderRecord
	oldest   map[entity.ClientID]entity.TransactionID
}

// NewMemoryOrderPersistor creates an empty order persistor.
func NewMemoryOrderPersistor() *MemoryOrderPersistor {
	return &MemoryOrderPersistor{oldest: make(map[entity.ClientID]entity.TransactionID)}
}

// UpdateWithNewMessage implements TransactionOrderPersistor.
func (p *MemoryOrderPersistor) UpdateWithNewMessage(client entity.ClientID, transaction, oldest entity.TransactionID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if watermark, ok := p.oldest[client]; ok && transaction < watermark {
		return ErrStaleTransaction
	}
	if oldest != entity.NullTransactionID {
		if transaction < oldest {
			return ErrStaleTransaction
		}
		p.oldest[client] = oldest
	}
	p.received = append(p.received, orderRecord{client: client, transaction: transaction})
	return nil
}

// IndexToReplay implements TransactionOrderPersistor.
func (p *MemoryOrderPersistor) IndexToReplay(client entity.ClientID, transaction entity.TransactionID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, record := range p.received {
		if record.client == client && record.transaction == transaction {
			return i
		}
	}
	return -1
}

// RemoveTrackingForClient implements TransactionOrderPersistor.
func (p *MemoryOrderPersistor) RemoveTrackingForClient(client entity.ClientID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.received[:0]
	for _, record := range p.received {
		if record.client != client {
			kept = append(kept, record)
		}
	}
	p.received = kept
	delete(p.oldest, client)
	return nil
}

// ClearAllRecords implements TransactionOrderPersistor.
func (p *MemoryOrderPersistor) ClearAllRecords() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = nil
	return nil
}
