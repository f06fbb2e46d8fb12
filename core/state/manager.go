package state

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"dailymint/storage"
)

var errTxClosed = errors.New("state: transaction already closed")

// Manager provides transactional access to ledger state persisted in a
// key-value database.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// Begin opens a transaction. Writes are staged in memory and become visible to
// other readers only once Commit writes them as one atomic batch.
func (m *Manager) Begin() (*Tx, error) {
	if m == nil || m.db == nil {
		return nil, fmt.Errorf("state: manager unavailable")
	}
	return &Tx{db: m.db, writes: make(map[string][]byte)}, nil
}

// KVGet reads committed state. See Tx.KVGet.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	tx, err := m.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Discard()
	return tx.KVGet(key, out)
}

// KVPut writes value in its own transaction.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	tx, err := m.Begin()
	if err != nil {
		return err
	}
	if err := tx.KVPut(key, value); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit()
}

// Tx is a write overlay over the database. A nil staged value marks a
// deletion.
type Tx struct {
	db     storage.Database
	writes map[string][]byte
	order  []string
	closed bool
}

func (tx *Tx) raw(hashed []byte) ([]byte, error) {
	if tx.closed {
		return nil, errTxClosed
	}
	if staged, ok := tx.writes[string(hashed)]; ok {
		return staged, nil
	}
	data, err := tx.db.Get(hashed)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (tx *Tx) stage(hashed []byte, value []byte) error {
	if tx.closed {
		return errTxClosed
	}
	k := string(hashed)
	if _, ok := tx.writes[k]; !ok {
		tx.order = append(tx.order, k)
	}
	tx.writes[k] = value
	return nil
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is hashed with keccak256 before it reaches the database.
func (tx *Tx) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return tx.stage(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed.
func (tx *Tx) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := tx.raw(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the key.
func (tx *Tx) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return tx.stage(kvKey(key), nil)
}

// KVAppend appends the provided value to the RLP-encoded byte slice list stored
// under the supplied key. Duplicate values are ignored to keep the index
// deterministic.
func (tx *Tx) KVAppend(key []byte, value []byte) error {
	var list [][]byte
	if err := tx.KVGetList(key, &list); err != nil {
		return err
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	return tx.KVPut(key, list)
}

// KVRemove drops value from the list stored under key, preserving the order of
// the remaining entries.
func (tx *Tx) KVRemove(key []byte, value []byte) error {
	var list [][]byte
	if err := tx.KVGetList(key, &list); err != nil {
		return err
	}
	kept := list[:0]
	for _, existing := range list {
		if !bytes.Equal(existing, value) {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(list) {
		return nil
	}
	return tx.KVPut(key, kept)
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. When no value is
// present the destination is initialised with an empty slice to avoid nil
// surprises for callers.
func (tx *Tx) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := tx.raw(kvKey(key))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}

// Pending reports the number of staged writes.
func (tx *Tx) Pending() int { return len(tx.order) }

// Commit writes every staged change as one batch and closes the transaction.
func (tx *Tx) Commit() error {
	if tx.closed {
		return errTxClosed
	}
	tx.closed = true
	if len(tx.order) == 0 {
		return nil
	}
	batch := tx.db.NewBatch()
	for _, k := range tx.order {
		value := tx.writes[k]
		if value == nil {
			batch.Delete([]byte(k))
			continue
		}
		batch.Put([]byte(k), value)
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("state: write batch: %w", err)
	}
	return nil
}

// Discard drops every staged change. It is safe to call after Commit.
func (tx *Tx) Discard() {
	tx.closed = true
	tx.writes = nil
	tx.order = nil
}
