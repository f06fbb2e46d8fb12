package market

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"dailymint/core/types"
	"dailymint/native/subscription"
)

var (
	ErrInsufficientFunds = errors.New("market: insufficient funds")
	ErrInsufficientUnits = errors.New("market: insufficient units")
	ErrSupplyExhausted   = errors.New("market: daily supply exhausted")
	ErrSettlementClosed  = errors.New("market: settlement already closed")
	errZeroCount         = errors.New("market: unit count must be positive")
)

var _ subscription.SettlementLedger = (*Ledger)(nil)

// Store persists the ledger's committed book. Entries never written read as
// zero.
type Store interface {
	LoadBalance(addr types.Address) (*uint256.Int, error)
	LoadUnits(owner types.Address, day uint64) (uint64, error)
	LoadSupplied(day uint64) (uint64, error)
	Seeded() (bool, error)
	Begin() (StoreTx, error)
}

// StoreTx stages book writes that land together on Commit.
type StoreTx interface {
	PutBalance(addr types.Address, balance *uint256.Int) error
	PutUnits(owner types.Address, day, count uint64) error
	PutSupplied(day, count uint64) error
	MarkSeeded() error
	Commit() error
	Discard()
}

type holding struct {
	owner types.Address
	day   uint64
}

type book struct {
	balances map[types.Address]*uint256.Int
	units    map[holding]uint64
	supplied map[uint64]uint64
}

func newBook() book {
	return book{
		balances: make(map[types.Address]*uint256.Int),
		units:    make(map[holding]uint64),
		supplied: make(map[uint64]uint64),
	}
}

// Ledger is a custody ledger for currency balances and per-day commodity
// units. Each day's supply is capped; acquisition payments go to the
// configured treasury. Settlements stage their effects and apply them
// atomically on Commit. With a Store the committed book survives restarts and
// the in-memory book is a read-through cache over it.
type Ledger struct {
	mu          sync.Mutex
	store       Store
	cache       book
	seeded      bool
	treasury    types.Address
	dailySupply uint64
}

// NewLedger constructs an in-memory ledger. A zero dailySupply disables the
// cap.
func NewLedger(treasury types.Address, dailySupply uint64) *Ledger {
	return NewLedgerWithStore(nil, treasury, dailySupply)
}

// NewLedgerWithStore constructs a ledger whose committed book is persisted in
// store. A nil store keeps everything in memory.
func NewLedgerWithStore(store Store, treasury types.Address, dailySupply uint64) *Ledger {
	return &Ledger{
		store:       store,
		cache:       newBook(),
		treasury:    treasury,
		dailySupply: dailySupply,
	}
}

func (l *Ledger) balanceLocked(addr types.Address) (*uint256.Int, error) {
	if bal, ok := l.cache.balances[addr]; ok {
		return bal, nil
	}
	bal := new(uint256.Int)
	if l.store != nil {
		loaded, err := l.store.LoadBalance(addr)
		if err != nil {
			return nil, fmt.Errorf("market: load balance %s: %w", addr.Hex(), err)
		}
		if loaded != nil {
			bal = loaded
		}
	}
	l.cache.balances[addr] = bal
	return bal, nil
}

func (l *Ledger) unitsLocked(h holding) (uint64, error) {
	if n, ok := l.cache.units[h]; ok {
		return n, nil
	}
	var n uint64
	if l.store != nil {
		loaded, err := l.store.LoadUnits(h.owner, h.day)
		if err != nil {
			return 0, fmt.Errorf("market: load units %s/%d: %w", h.owner.Hex(), h.day, err)
		}
		n = loaded
	}
	l.cache.units[h] = n
	return n, nil
}

func (l *Ledger) suppliedLocked(day uint64) (uint64, error) {
	if n, ok := l.cache.supplied[day]; ok {
		return n, nil
	}
	var n uint64
	if l.store != nil {
		loaded, err := l.store.LoadSupplied(day)
		if err != nil {
			return 0, fmt.Errorf("market: load supply for day %d: %w", day, err)
		}
		n = loaded
	}
	l.cache.supplied[day] = n
	return n, nil
}

// commitLocked persists the overlay's writes, then publishes them to the
// cache. A store failure leaves the cache untouched.
func (l *Ledger) commitLocked(o *overlay, seeded bool) error {
	if l.store != nil {
		tx, err := l.store.Begin()
		if err != nil {
			return fmt.Errorf("market: begin store: %w", err)
		}
		if err := o.persist(tx, seeded); err != nil {
			tx.Discard()
			return fmt.Errorf("market: stage store: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("market: persist book: %w", err)
		}
	}
	o.flush()
	if seeded {
		l.seeded = true
	}
	return nil
}

// Credit adds funds to addr outside any settlement. Dev mode uses it as a
// faucet.
func (l *Ledger) Credit(addr types.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	view := newOverlay(l)
	if err := view.credit(addr, amount); err != nil {
		return err
	}
	return l.commitLocked(view, false)
}

// Seed credits opening balances once per book. It reports false without
// crediting anything when the book was already seeded, including by an
// earlier process sharing the same store.
func (l *Ledger) Seed(balances map[types.Address]*uint256.Int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seeded {
		return false, nil
	}
	if l.store != nil {
		done, err := l.store.Seeded()
		if err != nil {
			return false, fmt.Errorf("market: read seed marker: %w", err)
		}
		if done {
			l.seeded = true
			return false, nil
		}
	}
	view := newOverlay(l)
	for addr, amount := range balances {
		if amount == nil || amount.IsZero() {
			continue
		}
		if err := view.credit(addr, amount); err != nil {
			return false, err
		}
	}
	if err := l.commitLocked(view, true); err != nil {
		return false, err
	}
	return true, nil
}

// BalanceOf returns the committed currency balance of addr.
func (l *Ledger) BalanceOf(addr types.Address) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, err := l.balanceLocked(addr)
	if err != nil {
		return nil, err
	}
	return bal.Clone(), nil
}

// Balance is BalanceOf for callers that treat an unreadable store as empty.
func (l *Ledger) Balance(addr types.Address) *uint256.Int {
	bal, err := l.BalanceOf(addr)
	if err != nil {
		return new(uint256.Int)
	}
	return bal
}

// Units returns the committed commodity units addr holds for day. An
// unreadable store reads as zero.
func (l *Ledger) Units(addr types.Address, day uint64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, _ := l.unitsLocked(holding{owner: addr, day: day})
	return n
}

// Supplied returns the units already acquired for day. An unreadable store
// reads as zero.
func (l *Ledger) Supplied(day uint64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, _ := l.suppliedLocked(day)
	return n
}

// Begin opens a settlement.
func (l *Ledger) Begin(context.Context) (subscription.Settlement, error) {
	if l == nil {
		return nil, fmt.Errorf("market: ledger not configured")
	}
	return &Settlement{ledger: l}, nil
}

type opKind uint8

const (
	opPay opKind = iota + 1
	opAcquire
	opTransfer
)

type ledgerOp struct {
	kind     opKind
	from, to types.Address
	amount   *uint256.Int
	day      uint64
	count    uint64
}

// overlay stages balance and unit changes over the ledger's committed book.
// Callers hold the ledger mutex while using it.
type overlay struct {
	ledger   *Ledger
	balances map[types.Address]*uint256.Int
	units    map[holding]uint64
	supplied map[uint64]uint64
}

func newOverlay(l *Ledger) *overlay {
	return &overlay{
		ledger:   l,
		balances: make(map[types.Address]*uint256.Int),
		units:    make(map[holding]uint64),
		supplied: make(map[uint64]uint64),
	}
}

func (o *overlay) balance(addr types.Address) (*uint256.Int, error) {
	if bal, ok := o.balances[addr]; ok {
		return bal, nil
	}
	bal, err := o.ledger.balanceLocked(addr)
	if err != nil {
		return nil, err
	}
	return bal.Clone(), nil
}

func (o *overlay) held(h holding) (uint64, error) {
	if n, ok := o.units[h]; ok {
		return n, nil
	}
	return o.ledger.unitsLocked(h)
}

func (o *overlay) suppliedOn(day uint64) (uint64, error) {
	if n, ok := o.supplied[day]; ok {
		return n, nil
	}
	return o.ledger.suppliedLocked(day)
}

func (o *overlay) credit(addr types.Address, amount *uint256.Int) error {
	current, err := o.balance(addr)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(current, amount)
	if overflow {
		return fmt.Errorf("market: credit overflows balance of %s", addr.Hex())
	}
	o.balances[addr] = next
	return nil
}

// move checks both legs before writing either.
func (o *overlay) move(from, to types.Address, amount *uint256.Int) error {
	src, err := o.balance(from)
	if err != nil {
		return err
	}
	if src.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, from.Hex(), src.Dec(), amount.Dec())
	}
	debited := new(uint256.Int).Sub(src, amount)
	if from == to {
		return nil
	}
	dst, err := o.balance(to)
	if err != nil {
		return err
	}
	credited, overflow := new(uint256.Int).AddOverflow(dst, amount)
	if overflow {
		return fmt.Errorf("market: balance overflow for %s", to.Hex())
	}
	o.balances[from] = debited
	o.balances[to] = credited
	return nil
}

// apply validates op against the staged view and records its effects. A
// failed op leaves the view unchanged.
func (o *overlay) apply(op ledgerOp) error {
	l := o.ledger
	switch op.kind {
	case opPay:
		return o.move(op.from, op.to, op.amount)
	case opAcquire:
		if op.count == 0 {
			return errZeroCount
		}
		supplied, err := o.suppliedOn(op.day)
		if err != nil {
			return err
		}
		if l.dailySupply > 0 && supplied+op.count > l.dailySupply {
			return fmt.Errorf("%w: day %d has %d of %d left", ErrSupplyExhausted, op.day, l.dailySupply-supplied, l.dailySupply)
		}
		h := holding{owner: op.to, day: op.day}
		have, err := o.held(h)
		if err != nil {
			return err
		}
		if err := o.move(op.to, l.treasury, op.amount); err != nil {
			return err
		}
		o.supplied[op.day] = supplied + op.count
		o.units[h] = have + op.count
		return nil
	case opTransfer:
		if op.count == 0 {
			return errZeroCount
		}
		src := holding{owner: op.from, day: op.day}
		have, err := o.held(src)
		if err != nil {
			return err
		}
		if have < op.count {
			return fmt.Errorf("%w: %s holds %d for day %d, needs %d", ErrInsufficientUnits, op.from.Hex(), have, op.day, op.count)
		}
		if op.from == op.to {
			return nil
		}
		dst := holding{owner: op.to, day: op.day}
		got, err := o.held(dst)
		if err != nil {
			return err
		}
		o.units[src] = have - op.count
		o.units[dst] = got + op.count
		return nil
	default:
		return fmt.Errorf("market: unknown operation %d", op.kind)
	}
}

func (o *overlay) persist(tx StoreTx, seeded bool) error {
	for addr, bal := range o.balances {
		if err := tx.PutBalance(addr, bal); err != nil {
			return err
		}
	}
	for h, n := range o.units {
		if err := tx.PutUnits(h.owner, h.day, n); err != nil {
			return err
		}
	}
	for day, n := range o.supplied {
		if err := tx.PutSupplied(day, n); err != nil {
			return err
		}
	}
	if seeded {
		return tx.MarkSeeded()
	}
	return nil
}

func (o *overlay) flush() {
	cache := &o.ledger.cache
	for addr, bal := range o.balances {
		cache.balances[addr] = bal
	}
	for h, n := range o.units {
		cache.units[h] = n
	}
	for day, n := range o.supplied {
		cache.supplied[day] = n
	}
}

// Settlement is one atomic unit of ledger effects. Each operation is checked
// against the settlement's own staged view when it is staged; Commit replays
// the operations once against the latest committed book.
type Settlement struct {
	ledger *Ledger
	view   *overlay
	ops    []ledgerOp
	closed bool
}

func (s *Settlement) stage(op ledgerOp) error {
	if s.closed {
		return ErrSettlementClosed
	}
	s.ledger.mu.Lock()
	defer s.ledger.mu.Unlock()
	if s.view == nil {
		s.view = newOverlay(s.ledger)
	}
	if err := s.view.apply(op); err != nil {
		return err
	}
	s.ops = append(s.ops, op)
	return nil
}

// Pay moves currency between accounts.
func (s *Settlement) Pay(_ context.Context, from, to types.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	return s.stage(ledgerOp{kind: opPay, from: from, to: to, amount: amount.Clone()})
}

// Acquire buys count units for day into buyer's custody, paying the treasury.
func (s *Settlement) Acquire(_ context.Context, buyer types.Address, day, count uint64, payment *uint256.Int) error {
	if payment == nil {
		payment = new(uint256.Int)
	}
	return s.stage(ledgerOp{kind: opAcquire, to: buyer, day: day, count: count, amount: payment.Clone()})
}

// Transfer moves units for day between holders.
func (s *Settlement) Transfer(_ context.Context, from, to types.Address, day, count uint64) error {
	return s.stage(ledgerOp{kind: opTransfer, from: from, to: to, day: day, count: count})
}

// Commit applies every staged operation or none of them.
func (s *Settlement) Commit(context.Context) error {
	if s.closed {
		return ErrSettlementClosed
	}
	s.closed = true
	s.view = nil
	if len(s.ops) == 0 {
		return nil
	}
	s.ledger.mu.Lock()
	defer s.ledger.mu.Unlock()
	view := newOverlay(s.ledger)
	for _, op := range s.ops {
		if err := view.apply(op); err != nil {
			return err
		}
	}
	return s.ledger.commitLocked(view, false)
}

// Rollback discards staged operations.
func (s *Settlement) Rollback(context.Context) {
	s.closed = true
	s.view = nil
	s.ops = nil
}
