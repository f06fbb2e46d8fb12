package subscription

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

type mockState struct {
	subs     map[Address]*Subscription
	receipts map[ReceiptID]*Receipt
	acc      *Accounting
	commits  int
	failNext bool
}

func newMockState() *mockState {
	return &mockState{
		subs:     make(map[Address]*Subscription),
		receipts: make(map[ReceiptID]*Receipt),
	}
}

func (m *mockState) Begin() (StateTx, error) {
	return &mockTx{
		parent:   m,
		subs:     make(map[Address]*Subscription),
		receipts: make(map[ReceiptID]*Receipt),
	}, nil
}

func (m *mockState) seed(sub *Subscription) {
	m.subs[sub.Subscriber] = sub.Clone()
	m.receipts[sub.ReceiptID] = &Receipt{ID: sub.ReceiptID, Holder: sub.Owner, Subscriber: sub.Subscriber}
}

// mockTx stages writes; a nil map value marks a deletion.
type mockTx struct {
	parent   *mockState
	subs     map[Address]*Subscription
	receipts map[ReceiptID]*Receipt
	acc      *Accounting
	done     bool
}

func (t *mockTx) SubscriptionGet(addr Address) (*Subscription, bool, error) {
	if sub, staged := t.subs[addr]; staged {
		if sub == nil {
			return nil, false, nil
		}
		return sub.Clone(), true, nil
	}
	sub, ok := t.parent.subs[addr]
	if !ok {
		return nil, false, nil
	}
	return sub.Clone(), true, nil
}

func (t *mockTx) SubscriptionPut(sub *Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	t.subs[sub.Subscriber] = sub.Clone()
	return nil
}

func (t *mockTx) SubscriptionDelete(addr Address) error {
	t.subs[addr] = nil
	return nil
}

func (t *mockTx) ReceiptGet(id ReceiptID) (*Receipt, bool, error) {
	if r, staged := t.receipts[id]; staged {
		if r == nil {
			return nil, false, nil
		}
		return r.Clone(), true, nil
	}
	r, ok := t.parent.receipts[id]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

func (t *mockTx) ReceiptPut(r *Receipt) error {
	t.receipts[r.ID] = r.Clone()
	return nil
}

func (t *mockTx) ReceiptDelete(id ReceiptID) error {
	t.receipts[id] = nil
	return nil
}

func (t *mockTx) AccountingGet() (*Accounting, bool, error) {
	if t.acc != nil {
		return t.acc.Clone(), true, nil
	}
	if t.parent.acc == nil {
		return nil, false, nil
	}
	return t.parent.acc.Clone(), true, nil
}

func (t *mockTx) AccountingPut(acc *Accounting) error {
	t.acc = acc.Clone()
	return nil
}

func (t *mockTx) Commit() error {
	if t.done {
		return errors.New("transaction closed")
	}
	t.done = true
	if t.parent.failNext {
		t.parent.failNext = false
		return errors.New("disk full")
	}
	for addr, sub := range t.subs {
		if sub == nil {
			delete(t.parent.subs, addr)
			continue
		}
		t.parent.subs[addr] = sub
	}
	for id, r := range t.receipts {
		if r == nil {
			delete(t.parent.receipts, id)
			continue
		}
		t.parent.receipts[id] = r
	}
	if t.acc != nil {
		t.parent.acc = t.acc
	}
	t.parent.commits++
	return nil
}

func (t *mockTx) Discard() { t.done = true }

type mockOracle struct {
	price *uint256.Int
	day   uint64
	err   error
}

func (o *mockOracle) UnitPrice(context.Context) (*uint256.Int, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.price.Clone(), nil
}

func (o *mockOracle) CurrentDay(context.Context) (uint64, error) {
	if o.err != nil {
		return 0, o.err
	}
	return o.day, nil
}

type payment struct {
	from, to Address
	amount   uint64
}

type delivery struct {
	to         Address
	day, count uint64
}

// mockLedger records committed settlement effects. Failures are injected by
// operation name.
type mockLedger struct {
	fail       map[string]bool
	payments   []payment
	acquired   []delivery
	delivered  []delivery
	rollbacks  int
	begins     int
	commitErrs int
}

func newMockLedger() *mockLedger {
	return &mockLedger{fail: make(map[string]bool)}
}

func (l *mockLedger) Begin(context.Context) (Settlement, error) {
	l.begins++
	if l.fail["begin"] {
		return nil, errors.New("ledger unavailable")
	}
	return &mockSettlement{ledger: l}, nil
}

type mockSettlement struct {
	ledger    *mockLedger
	payments  []payment
	acquired  []delivery
	delivered []delivery
}

func (s *mockSettlement) Pay(_ context.Context, from, to Address, amount *uint256.Int) error {
	if s.ledger.fail["pay"] {
		return fmt.Errorf("payment from %s rejected", from.Hex())
	}
	s.payments = append(s.payments, payment{from: from, to: to, amount: amount.Uint64()})
	return nil
}

func (s *mockSettlement) Acquire(_ context.Context, buyer Address, day, count uint64, _ *uint256.Int) error {
	if s.ledger.fail["acquire"] {
		return errors.New("supply exhausted")
	}
	s.acquired = append(s.acquired, delivery{to: buyer, day: day, count: count})
	return nil
}

func (s *mockSettlement) Transfer(_ context.Context, _, to Address, day, count uint64) error {
	if s.ledger.fail["transfer"] {
		return errors.New("recipient rejected units")
	}
	s.delivered = append(s.delivered, delivery{to: to, day: day, count: count})
	return nil
}

func (s *mockSettlement) Commit(context.Context) error {
	if s.ledger.fail["commit"] {
		s.ledger.commitErrs++
		return errors.New("commit rejected")
	}
	s.ledger.payments = append(s.ledger.payments, s.payments...)
	s.ledger.acquired = append(s.ledger.acquired, s.acquired...)
	s.ledger.delivered = append(s.ledger.delivered, s.delivered...)
	return nil
}

func (s *mockSettlement) Rollback(context.Context) { s.ledger.rollbacks++ }

func testAddress(fill byte) Address {
	var addr Address
	copy(addr[:], bytes.Repeat([]byte{fill}, len(addr)))
	return addr
}

var (
	vaultAddr    = testAddress(0xAA)
	operatorAddr = testAddress(0xBB)
	ownerAddr    = testAddress(0xCC)
)
