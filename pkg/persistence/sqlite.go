package persistence

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/therealutkarshpriyadarshi/entityd/pkg/entity"
)

//go:embed schema.sql
var schemaSQL string

const (
	opCreate      = "create"
	opDestroy     = "destroy"
	opReconfigure = "reconfigure"

	consumerCounter = "consumer_id"
)

// Store is the SQLite-backed persistence layer. It exposes the
// EntityPersistor and TransactionOrderPersistor views over one database.
// SQLite allows a single writer, so the connection pool is limited to one
// connection.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path, applying pragmas and the
// schema. Safe to call on an existing database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("executing %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// EntityPersistor returns the catalog and journal view of the store.
func (s *Store) EntityPersistor() EntityPersistor {
	return &sqliteEntityPersistor{db: s.db}
}

// OrderPersistor returns the transaction order view of the store.
func (s *Store) OrderPersistor() TransactionOrderPersistor {
	return &sqliteOrderPersistor{db: s.db}
}

type sqliteEntityPersistor struct {
	db *sql.DB
}

func (p *sqliteEntityPersistor) NextConsumerID() (int64, error) {
	tx, err := p.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO counters (name, value) VALUES (?, 0) ON CONFLICT(name) DO NOTHING`,
		consumerCounter); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(
		`UPDATE counters SET value = value + 1 WHERE name = ?`, consumerCounter); err != nil {
		return 0, err
	}
	var id int64
	if err := tx.QueryRow(
		`SELECT value FROM counters WHERE name = ?`, consumerCounter).Scan(&id); err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func (p *sqliteEntityPersistor) LoadEntityData() ([]EntityRecord, error) {
	rows, err := p.db.Query(
		`SELECT class_name, entity_name, version, consumer_id, can_delete, configuration
		 FROM entities ORDER BY consumer_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []EntityRecord
	for rows.Next() {
		var record EntityRecord
		var canDelete int
		if err := rows.Scan(&record.ID.ClassName, &record.ID.EntityName,
			&record.Version, &record.ConsumerID, &canDelete, &record.Configuration); err != nil {
			return nil, err
		}
		record.CanDelete = canDelete != 0
		records = append(records, record)
	}
	return records, rows.Err()
}

func (p *sqliteEntityPersistor) insertEntity(record EntityRecord) error {
	canDelete := 0
	if record.CanDelete {
		canDelete = 1
	}
	_, err := p.db.Exec(
		`INSERT INTO entities (class_name, entity_name, version, consumer_id, can_delete, configuration)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(class_name, entity_name) DO UPDATE SET
		   version = excluded.version,
		   consumer_id = excluded.consumer_id,
		   can_delete = excluded.can_delete,
		   configuration = excluded.configuration`,
		record.ID.ClassName, record.ID.EntityName, record.Version,
		record.ConsumerID, canDelete, record.Configuration)
	return err
}

func (p *sqliteEntityPersistor) journal(client entity.ClientID, transaction entity.TransactionID, operation, failure string, result []byte) error {
	if client == entity.NullClientID {
		return nil
	}
	_, err := p.db.Exec(
		`INSERT INTO journal (client_id, transaction_id, operation, failure, result)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(client_id, transaction_id, operation) DO UPDATE SET
		   failure = excluded.failure,
		   result = excluded.result`,
		string(client), int64(transaction), operation, failure, result)
	return err
}

func (p *sqliteEntityPersistor) journalEntry(client entity.ClientID, transaction entity.TransactionID, operation string) (*JournalEntry, error) {
	entry := &JournalEntry{Transaction: transaction}
	err := p.db.QueryRow(
		`SELECT failure, result FROM journal
		 WHERE client_id = ? AND transaction_id = ? AND operation = ?`,
		string(client), int64(transaction), operation).Scan(&entry.Failure, &entry.Result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (p *sqliteEntityPersistor) EntityCreated(client entity.ClientID, transaction entity.TransactionID, record EntityRecord) error {
	if err := p.insertEntity(record); err != nil {
		return err
	}
	return p.journal(client, transaction, opCreate, "", nil)
}

func (p *sqliteEntityPersistor) EntityCreatedNoJournal(record EntityRecord) error {
	if err := p.insertEntity(record); err != nil {
		return err
	}
	// Keep the consumer counter ahead of synced ids.
	_, err := p.db.Exec(
		`INSERT INTO counters (name, value) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = MAX(value, excluded.value)`,
		consumerCounter, record.ConsumerID)
	return err
}

func (p *sqliteEntityPersistor) EntityCreateFailed(client entity.ClientID, transaction entity.TransactionID, failure string) error {
	return p.journal(client, transaction, opCreate, failure, nil)
}

func (p *sqliteEntityPersistor) WasEntityCreatedInJournal(client entity.ClientID, transaction entity.TransactionID) (*JournalEntry, error) {
	return p.journalEntry(client, transaction, opCreate)
}

func (p *sqliteEntityPersistor) EntityDestroyed(client entity.ClientID, transaction entity.TransactionID, id entity.EntityID) error {
	if _, err := p.db.Exec(
		`DELETE FROM entities WHERE class_name = ? AND entity_name = ?`,
		id.ClassName, id.EntityName); err != nil {
		return err
	}
	return p.journal(client, transaction, opDestroy, "", nil)
}

func (p *sqliteEntityPersistor) EntityDestroyFailed(client entity.ClientID, transaction entity.TransactionID, failure string) error {
	return p.journal(client, transaction, opDestroy, failure, nil)
}

func (p *sqliteEntityPersistor) WasEntityDestroyedInJournal(client entity.ClientID, transaction entity.TransactionID) (*JournalEntry, error) {
	return p.journalEntry(client, transaction, opDestroy)
}

func (p *sqliteEntityPersistor) EntityReconfigureSucceeded(client entity.ClientID, transaction entity.TransactionID, id entity.EntityID, configuration, previous []byte) error {
	if _, err := p.db.Exec(
		`UPDATE entities SET configuration = ? WHERE class_name = ? AND entity_name = ?`,
		configuration, id.ClassName, id.EntityName); err != nil {
		return err
	}
	return p.journal(client, transaction, opReconfigure, "", previous)
}

func (p *sqliteEntityPersistor) EntityReconfigureFailed(client entity.ClientID, transaction entity.TransactionID, failure string) error {
	return p.journal(client, transaction, opReconfigure, failure, nil)
}

func (p *sqliteEntityPersistor) ReconfiguredResultInJournal(client entity.ClientID, transaction entity.TransactionID) (*JournalEntry, error) {
	return p.journalEntry(client, transaction, opReconfigure)
}

func (p *sqliteEntityPersistor) RemoveTrackingForClient(client entity.ClientID) error {
	_, err := p.db.Exec(`DELETE FROM journal WHERE client_id = ?`, string(client))
	return err
}

func (p *sqliteEntityPersistor) SnapshotCatalog() ([]byte, error) {
	records, err := p.LoadEntityData()
	if err != nil {
		return nil, err
	}
	return json.Marshal(records)
}

func (p *sqliteEntityPersistor) RestoreCatalog(snapshot []byte) error {
	var records []EntityRecord
	if err := json.Unmarshal(snapshot, &records); err != nil {
		return fmt.Errorf("decoding catalog snapshot: %w", err)
	}
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM entities`); err != nil {
		return err
	}
	maxConsumer := int64(0)
	for _, record := range records {
		canDelete := 0
		if record.CanDelete {
			canDelete = 1
		}
		if _, err := tx.Exec(
			`INSERT INTO entities (class_name, entity_name, version, consumer_id, can_delete, configuration)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			record.ID.ClassName, record.ID.EntityName, record.Version,
			record.ConsumerID, canDelete, record.Configuration); err != nil {
			return err
		}
		if record.ConsumerID > maxConsumer {
			maxConsumer = record.ConsumerID
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO counters (name, value) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = MAX(value, excluded.value)`,
		consumerCounter, maxConsumer); err != nil {
		return err
	}
	return tx.Commit()
}

type sqliteOrderPersistor struct {
	db *sql.DB
}

func (p *sqliteOrderPersistor) UpdateWithNewMessage(client entity.ClientID, transaction, oldest entity.TransactionID) error {
	var watermark int64
	err := p.db.QueryRow(
		`SELECT oldest FROM client_watermarks WHERE client_id = ?`, string(client)).Scan(&watermark)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if err == nil && int64(transaction) < watermark {
		return ErrStaleTransaction
	}
	if oldest != entity.NullTransactionID {
		if transaction < oldest {
			return ErrStaleTransaction
		}
		if _, err := p.db.Exec(
			`INSERT INTO client_watermarks (client_id, oldest) VALUES (?, ?)
			 ON CONFLICT(client_id) DO UPDATE SET oldest = excluded.oldest`,
			string(client), int64(oldest)); err != nil {
			return err
		}
	}
	_, err = p.db.Exec(
		`INSERT INTO transaction_order (client_id, transaction_id) VALUES (?, ?)`,
		string(client), int64(transaction))
	return err
}

func (p *sqliteOrderPersistor) IndexToReplay(client entity.ClientID, transaction entity.TransactionID) int {
	var idx int
	err := p.db.QueryRow(
		`SELECT idx FROM transaction_order WHERE client_id = ? AND transaction_id = ?
		 ORDER BY idx LIMIT 1`,
		string(client), int64(transaction)).Scan(&idx)
	if err != nil {
		return -1
	}
	return idx
}

func (p *sqliteOrderPersistor) RemoveTrackingForClient(client entity.ClientID) error {
	if _, err := p.db.Exec(
		`DELETE FROM transaction_order WHERE client_id = ?`, string(client)); err != nil {
		return err
	}
	_, err := p.db.Exec(
		`DELETE FROM client_watermarks WHERE client_id = ?`, string(client))
	return err
}

func (p *sqliteOrderPersistor) ClearAllRecords() error {
	_, err := p.db.Exec(`DELETE FROM transaction_order`)
	return err
}
