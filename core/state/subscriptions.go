package state

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"dailymint/core/types"
	"dailymint/native/subscription"
)

type storedSubscription struct {
	Owner          [20]byte
	Recipient      [20]byte
	Balance        *big.Int
	MintPerDay     uint8
	LastSettledDay uint64
	HasSettled     bool
	CreatedDay     uint64
	ReceiptID      [32]byte
}

type storedReceipt struct {
	Holder     [20]byte
	Subscriber [20]byte
	IssuedDay  uint64
}

type storedAccounting struct {
	FeeBps             uint32
	Withdrawable       *big.Int
	ReceiptNonce       uint64
	TotalSettledUnits  uint64
	TotalFeesCollected *big.Int
}

func toBig(v *uint256.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v.ToBig()
}

func fromBig(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("state: stored amount %s exceeds 256 bits", v)
	}
	return out, nil
}

func newStoredSubscription(sub *subscription.Subscription) *storedSubscription {
	return &storedSubscription{
		Owner:          sub.Owner,
		Recipient:      sub.Recipient,
		Balance:        toBig(sub.Balance),
		MintPerDay:     sub.MintPerDay,
		LastSettledDay: sub.LastSettledDay,
		HasSettled:     sub.HasSettled,
		CreatedDay:     sub.CreatedDay,
		ReceiptID:      sub.ReceiptID,
	}
}

func (s *storedSubscription) toSubscription(subscriber types.Address) (*subscription.Subscription, error) {
	balance, err := fromBig(s.Balance)
	if err != nil {
		return nil, err
	}
	return &subscription.Subscription{
		Subscriber:     subscriber,
		Owner:          s.Owner,
		Recipient:      s.Recipient,
		Balance:        balance,
		MintPerDay:     s.MintPerDay,
		LastSettledDay: s.LastSettledDay,
		HasSettled:     s.HasSettled,
		CreatedDay:     s.CreatedDay,
		ReceiptID:      s.ReceiptID,
	}, nil
}

// SubscriptionStore adapts the manager to the subscription engine's state
// contract.
type SubscriptionStore struct {
	manager *Manager
}

// Subscriptions returns the subscription store bound to the manager.
func (m *Manager) Subscriptions() *SubscriptionStore {
	if m == nil {
		return nil
	}
	return &SubscriptionStore{manager: m}
}

// Begin opens a state transaction for the subscription engine.
func (s *SubscriptionStore) Begin() (subscription.StateTx, error) {
	if s == nil || s.manager == nil {
		return nil, fmt.Errorf("state: subscription store unavailable")
	}
	tx, err := s.manager.Begin()
	if err != nil {
		return nil, err
	}
	return &SubscriptionTx{Tx: tx}, nil
}

// ActiveSubscribers lists every subscriber with a committed record, in the
// order they subscribed.
func (s *SubscriptionStore) ActiveSubscribers() ([]types.Address, error) {
	tx, err := s.manager.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Discard()
	return (&SubscriptionTx{Tx: tx}).ActiveSubscribers()
}

// SubscriptionTx exposes subscription records on top of a state transaction.
type SubscriptionTx struct {
	*Tx
}

var _ subscription.StateTx = (*SubscriptionTx)(nil)

// SubscriptionGet loads the record for subscriber.
func (tx *SubscriptionTx) SubscriptionGet(subscriber types.Address) (*subscription.Subscription, bool, error) {
	var stored storedSubscription
	ok, err := tx.KVGet(prefixed(subscriptionPrefix, subscriber[:]), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	sub, err := stored.toSubscription(subscriber)
	if err != nil {
		return nil, false, err
	}
	return sub, true, nil
}

// SubscriptionPut validates and stores the record, adding new subscribers to
// the active index.
func (tx *SubscriptionTx) SubscriptionPut(sub *subscription.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	if err := tx.KVPut(prefixed(subscriptionPrefix, sub.Subscriber[:]), newStoredSubscription(sub)); err != nil {
		return err
	}
	return tx.KVAppend(subscriptionIndexKey, sub.Subscriber[:])
}

// SubscriptionDelete removes the record and its index entry.
func (tx *SubscriptionTx) SubscriptionDelete(subscriber types.Address) error {
	if err := tx.KVDelete(prefixed(subscriptionPrefix, subscriber[:])); err != nil {
		return err
	}
	return tx.KVRemove(subscriptionIndexKey, subscriber[:])
}

// ReceiptGet loads a receipt by identifier.
func (tx *SubscriptionTx) ReceiptGet(id subscription.ReceiptID) (*subscription.Receipt, bool, error) {
	var stored storedReceipt
	ok, err := tx.KVGet(prefixed(receiptPrefix, id[:]), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return &subscription.Receipt{
		ID:         id,
		Holder:     stored.Holder,
		Subscriber: stored.Subscriber,
		IssuedDay:  stored.IssuedDay,
	}, true, nil
}

// ReceiptPut stores a receipt.
func (tx *SubscriptionTx) ReceiptPut(receipt *subscription.Receipt) error {
	if receipt == nil || receipt.ID.IsZero() {
		return fmt.Errorf("state: receipt id required")
	}
	return tx.KVPut(prefixed(receiptPrefix, receipt.ID[:]), &storedReceipt{
		Holder:     receipt.Holder,
		Subscriber: receipt.Subscriber,
		IssuedDay:  receipt.IssuedDay,
	})
}

// ReceiptDelete burns a receipt.
func (tx *SubscriptionTx) ReceiptDelete(id subscription.ReceiptID) error {
	return tx.KVDelete(prefixed(receiptPrefix, id[:]))
}

// AccountingGet loads the process-wide fee record.
func (tx *SubscriptionTx) AccountingGet() (*subscription.Accounting, bool, error) {
	var stored storedAccounting
	ok, err := tx.KVGet(accountingKey, &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	withdrawable, err := fromBig(stored.Withdrawable)
	if err != nil {
		return nil, false, err
	}
	collected, err := fromBig(stored.TotalFeesCollected)
	if err != nil {
		return nil, false, err
	}
	return &subscription.Accounting{
		FeeBps:             stored.FeeBps,
		Withdrawable:       withdrawable,
		ReceiptNonce:       stored.ReceiptNonce,
		TotalSettledUnits:  stored.TotalSettledUnits,
		TotalFeesCollected: collected,
	}, true, nil
}

// AccountingPut stores the process-wide fee record.
func (tx *SubscriptionTx) AccountingPut(acc *subscription.Accounting) error {
	if acc == nil {
		return fmt.Errorf("state: nil accounting")
	}
	return tx.KVPut(accountingKey, &storedAccounting{
		FeeBps:             acc.FeeBps,
		Withdrawable:       toBig(acc.Withdrawable),
		ReceiptNonce:       acc.ReceiptNonce,
		TotalSettledUnits:  acc.TotalSettledUnits,
		TotalFeesCollected: toBig(acc.TotalFeesCollected),
	})
}

// ActiveSubscribers lists subscribers visible to this transaction.
func (tx *SubscriptionTx) ActiveSubscribers() ([]types.Address, error) {
	var raw [][]byte
	if err := tx.KVGetList(subscriptionIndexKey, &raw); err != nil {
		return nil, err
	}
	out := make([]types.Address, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != len(types.Address{}) {
			return nil, fmt.Errorf("state: malformed subscriber index entry %x", entry)
		}
		var addr types.Address
		copy(addr[:], entry)
		out = append(out, addr)
	}
	return out, nil
}
