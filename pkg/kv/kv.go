// Package kv is a replicated key-value entity service: the reference
// business logic for the entity runtime. Keys are partitioned into shards
// and each shard maps to one concurrency key, so operations on different
// shards run in parallel while one shard stays serialized.
package kv

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/therealutkarshpriyadarshi/entityd/pkg/entity"
)

// ClassName is the entity class this service registers under.
const ClassName = "kv"

// Version is the current class version.
const Version uint64 = 1

// CommandType identifies a key-value operation.
type CommandType int

const (
	// CommandPut stores a value.
	CommandPut CommandType = iota
	// CommandDelete removes a key.
	CommandDelete
	// CommandGet reads a value.
	CommandGet
	// CommandLoad merges a batch of entries. Used by the sync stream.
	CommandLoad
)

// Command is one key-value operation, JSON-encoded on the wire.
type Command struct {
	Type  CommandType `json:"type"`
	Key   string      `json:"key,omitempty"`
	Value []byte      `json:"value,omitempty"`

	// Entries carries a gob-encoded shard batch for CommandLoad.
	Entries []byte `json:"entries,omitempty"`
}

// Result is the response to one command.
type Result struct {
	Success bool   `json:"success"`
	Value   []byte `json:"value,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Config is the entity's configuration blob.
type Config struct {
	// Shards is the number of key partitions, each with its own
	// concurrency key.
	Shards int `json:"shards"`
}

// DefaultShards is used when the configuration does not set a count.
const DefaultShards = 4

func parseConfig(raw []byte) (Config, error) {
	cfg := Config{Shards: DefaultShards}
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decoding kv configuration: %w", err)
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	return cfg, nil
}

// codec decodes raw invoke payloads into *Command messages.
type codec struct{}

// Decode implements entity.MessageCodec.
func (codec) Decode(raw []byte) (entity.Message, error) {
	cmd := &Command{}
	if err := json.Unmarshal(raw, cmd); err != nil {
		return nil, fmt.Errorf("decoding kv command: %w", err)
	}
	return cmd, nil
}

// EncodeCommand serializes a command for submission.
func EncodeCommand(cmd *Command) ([]byte, error) {
	return json.Marshal(cmd)
}

// DecodeResult deserializes an invoke result.
func DecodeResult(raw []byte) (*Result, error) {
	result := &Result{}
	if err := json.Unmarshal(raw, result); err != nil {
		return nil, fmt.Errorf("decoding kv result: %w", err)
	}
	return result, nil
}

// strategy maps each key to the concurrency key of its shard. Shard
// concurrency keys are 1..Shards.
type strategy struct {
	shards int
}

// ConcurrencyKey implements entity.ConcurrencyStrategy.
func (s strategy) ConcurrencyKey(raw []byte) int {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return entity.ManagementKey
	}
	return s.keyFor(cmd.Key)
}

func (s strategy) keyFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return 1 + int(h.Sum32()%uint32(s.shards))
}

// Keys implements entity.ConcurrencyStrategy.
func (s strategy) Keys() []int {
	keys := make([]int, s.shards)
	for i := range keys {
		keys[i] = i + 1
	}
	return keys
}

// store is the shared state behind both roles.
type store struct {
	mu       sync.RWMutex
	strategy strategy
	entries  map[string][]byte
}

func newStore(cfg Config) *store {
	return &store{
		strategy: strategy{shards: cfg.Shards},
		entries:  make(map[string][]byte),
	}
}

func (s *store) apply(cmd *Command) *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch cmd.Type {
	case CommandPut:
		s.entries[cmd.Key] = cmd.Value
		return &Result{Success: true}
	case CommandDelete:
		delete(s.entries, cmd.Key)
		return &Result{Success: true}
	case CommandGet:
		value, ok := s.entries[cmd.Key]
		if !ok {
			return &Result{Error: fmt.Sprintf("key not found: %s", cmd.Key)}
		}
		copied := make([]byte, len(value))
		copy(copied, value)
		return &Result{Success: true, Value: copied}
	case CommandLoad:
		batch := make(map[string][]byte)
		if err := gob.NewDecoder(bytes.NewReader(cmd.Entries)).Decode(&batch); err != nil {
			return &Result{Error: fmt.Sprintf("decoding load batch: %v", err)}
		}
		for key, value := range batch {
			s.entries[key] = value
		}
		return &Result{Success: true}
	default:
		return &Result{Error: fmt.Sprintf("unknown command type: %d", cmd.Type)}
	}
}

// shardEntries copies the entries belonging to one concurrency key.
func (s *store) shardEntries(key int) map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch := make(map[string][]byte)
	for k, v := range s.entries {
		if s.strategy.keyFor(k) == key {
			batch[k] = v
		}
	}
	return batch
}

func (s *store) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// activeStore serves invokes on the active.
type activeStore struct {
	*store
	config  []byte
	discard func()
}

// CreateNew implements entity.CommonEntity.
func (a *activeStore) CreateNew() error { return nil }

// LoadExisting implements entity.CommonEntity.
func (a *activeStore) LoadExisting() error { return nil }

// Destroy implements entity.CommonEntity.
func (a *activeStore) Destroy() error {
	a.discard()
	return nil
}

// Invoke implements entity.ActiveEntity.
func (a *activeStore) Invoke(_ entity.ClientDescriptor, raw []byte) ([]byte, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("decoding kv command: %w", err)
	}
	return json.Marshal(a.apply(&cmd))
}

// Connected implements entity.ActiveEntity.
func (a *activeStore) Connected(entity.ClientDescriptor) {}

// Disconnected implements entity.ActiveEntity.
func (a *activeStore) Disconnected(entity.ClientDescriptor) {}

// GetConfig implements entity.ActiveEntity.
func (a *activeStore) GetConfig() []byte { return a.config }

// Sync implements entity.ActiveEntity: one load command per shard,
// carrying the shard's full contents.
func (a *activeStore) Sync(key int) [][]byte {
	batch := a.shardEntries(key)
	if len(batch) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(batch); err != nil {
		return nil
	}
	payload, err := json.Marshal(&Command{Type: CommandLoad, Entries: buf.Bytes()})
	if err != nil {
		return nil
	}
	return [][]byte{payload}
}

// ConcurrencyStrategy implements entity.ActiveEntity.
func (a *activeStore) ConcurrencyStrategy() entity.ConcurrencyStrategy {
	return a.strategy
}

// passiveStore applies the replication stream on a passive.
type passiveStore struct {
	*store
	discard func()
}

// CreateNew implements entity.CommonEntity.
func (p *passiveStore) CreateNew() error { return nil }

// LoadExisting implements entity.CommonEntity.
func (p *passiveStore) LoadExisting() error { return nil }

// Destroy implements entity.CommonEntity.
func (p *passiveStore) Destroy() error {
	p.discard()
	return nil
}

// Invoke implements entity.PassiveEntity.
func (p *passiveStore) Invoke(raw []byte) error {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return fmt.Errorf("decoding kv command: %w", err)
	}
	if result := p.apply(&cmd); result.Error != "" {
		return fmt.Errorf("applying kv command: %s", result.Error)
	}
	return nil
}

// Service creates kv entity instances.
type Service struct{}

// CreateActiveEntity implements entity.Service.
func (Service) CreateActiveEntity(registry entity.ServiceRegistry, configuration []byte) (entity.ActiveEntity, error) {
	cfg, err := parseConfig(configuration)
	if err != nil {
		return nil, err
	}
	st, discard := resolveStore(registry, cfg)
	return &activeStore{store: st, config: configuration, discard: discard}, nil
}

// CreatePassiveEntity implements entity.Service.
func (Service) CreatePassiveEntity(registry entity.ServiceRegistry, configuration []byte) (entity.PassiveEntity, error) {
	cfg, err := parseConfig(configuration)
	if err != nil {
		return nil, err
	}
	st, discard := resolveStore(registry, cfg)
	return &passiveStore{store: st, discard: discard}, nil
}

// Codec implements entity.Service.
func (Service) Codec() entity.MessageCodec {
	return codec{}
}
