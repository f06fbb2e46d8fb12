package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"dailymint/core/types"
	"dailymint/native/market"
)

var (
	marketBalancePrefix  = []byte("market/balance/")
	marketUnitsPrefix    = []byte("market/units/")
	marketSuppliedPrefix = []byte("market/supplied/")
	marketSeededKey      = []byte("market/seeded")
)

func dayKey(prefix []byte, owner []byte, day uint64) []byte {
	var encoded [8]byte
	binary.BigEndian.PutUint64(encoded[:], day)
	return prefixed(prefix, append(append([]byte(nil), owner...), encoded[:]...))
}

var _ market.Store = (*MarketStore)(nil)

// MarketStore persists the custody ledger's committed book: currency
// balances, per-day unit holdings and per-day acquired supply.
type MarketStore struct {
	manager *Manager
}

// Market returns the custody ledger store bound to the manager.
func (m *Manager) Market() *MarketStore {
	if m == nil {
		return nil
	}
	return &MarketStore{manager: m}
}

// LoadBalance returns the committed currency balance of addr, zero when unset.
func (s *MarketStore) LoadBalance(addr types.Address) (*uint256.Int, error) {
	stored := new(big.Int)
	ok, err := s.manager.KVGet(prefixed(marketBalancePrefix, addr[:]), stored)
	if err != nil || !ok {
		return new(uint256.Int), err
	}
	return fromBig(stored)
}

// LoadUnits returns the units owner holds for day.
func (s *MarketStore) LoadUnits(owner types.Address, day uint64) (uint64, error) {
	var n uint64
	_, err := s.manager.KVGet(dayKey(marketUnitsPrefix, owner[:], day), &n)
	return n, err
}

// LoadSupplied returns the units acquired for day.
func (s *MarketStore) LoadSupplied(day uint64) (uint64, error) {
	var n uint64
	_, err := s.manager.KVGet(dayKey(marketSuppliedPrefix, nil, day), &n)
	return n, err
}

// Seeded reports whether opening balances were already credited.
func (s *MarketStore) Seeded() (bool, error) {
	return s.manager.KVGet(marketSeededKey, nil)
}

// Begin opens a write transaction; its entries land in one batch on Commit.
func (s *MarketStore) Begin() (market.StoreTx, error) {
	if s == nil || s.manager == nil {
		return nil, fmt.Errorf("state: market store unavailable")
	}
	tx, err := s.manager.Begin()
	if err != nil {
		return nil, err
	}
	return &MarketTx{Tx: tx}, nil
}

// MarketTx stages custody ledger writes.
type MarketTx struct {
	*Tx
}

// PutBalance records addr's balance. Zero balances are deleted.
func (tx *MarketTx) PutBalance(addr types.Address, balance *uint256.Int) error {
	key := prefixed(marketBalancePrefix, addr[:])
	if balance == nil || balance.IsZero() {
		return tx.KVDelete(key)
	}
	return tx.KVPut(key, balance.ToBig())
}

// PutUnits records the units owner holds for day. Zero holdings are deleted.
func (tx *MarketTx) PutUnits(owner types.Address, day, count uint64) error {
	key := dayKey(marketUnitsPrefix, owner[:], day)
	if count == 0 {
		return tx.KVDelete(key)
	}
	return tx.KVPut(key, count)
}

// PutSupplied records the units acquired for day.
func (tx *MarketTx) PutSupplied(day, count uint64) error {
	return tx.KVPut(dayKey(marketSuppliedPrefix, nil, day), count)
}

// MarkSeeded records that opening balances were credited.
func (tx *MarketTx) MarkSeeded() error {
	return tx.KVPut(marketSeededKey, true)
}
