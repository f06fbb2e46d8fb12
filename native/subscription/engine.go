package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/holiman/uint256"

	"dailymint/core/events"
	"dailymint/core/types"
	"dailymint/native/fees"
)

// StateTx is one atomic unit of ledger state. Reads observe the transaction's
// own staged writes; nothing is visible to other transactions until Commit.
type StateTx interface {
	SubscriptionGet(subscriber Address) (*Subscription, bool, error)
	SubscriptionPut(sub *Subscription) error
	SubscriptionDelete(subscriber Address) error
	ReceiptGet(id ReceiptID) (*Receipt, bool, error)
	ReceiptPut(receipt *Receipt) error
	ReceiptDelete(id ReceiptID) error
	AccountingGet() (*Accounting, bool, error)
	AccountingPut(acc *Accounting) error
	Commit() error
	Discard()
}

// StateStore opens state transactions.
type StateStore interface {
	Begin() (StateTx, error)
}

// PriceOracle reports the current unit price of the commodity and the current
// day counter. Results are read once per operation.
type PriceOracle interface {
	UnitPrice(ctx context.Context) (*uint256.Int, error)
	CurrentDay(ctx context.Context) (uint64, error)
}

// OracleReader is implemented by oracles that can report price and day from a
// single observation. ReadOracle prefers it over two separate calls.
type OracleReader interface {
	Read(ctx context.Context) (*uint256.Int, uint64, error)
}

// ReadOracle returns the unit price and current day from one oracle reading.
func ReadOracle(ctx context.Context, oracle PriceOracle) (*uint256.Int, uint64, error) {
	if reader, ok := oracle.(OracleReader); ok {
		price, day, err := reader.Read(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("oracle read: %w", err)
		}
		if price == nil {
			return nil, 0, fmt.Errorf("oracle returned nil price")
		}
		return price.Clone(), day, nil
	}
	price, err := oracle.UnitPrice(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("oracle price: %w", err)
	}
	if price == nil {
		return nil, 0, fmt.Errorf("oracle returned nil price")
	}
	day, err := oracle.CurrentDay(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("oracle day: %w", err)
	}
	return price.Clone(), day, nil
}

// Settlement is one atomic unit of external effects: currency movements and
// commodity acquisition/delivery. Nothing is final until Commit.
type Settlement interface {
	Pay(ctx context.Context, from, to Address, amount *uint256.Int) error
	Acquire(ctx context.Context, buyer Address, day, count uint64, payment *uint256.Int) error
	Transfer(ctx context.Context, from, to Address, day, count uint64) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context)
}

// SettlementLedger is the external system custodying funds and commodity units.
type SettlementLedger interface {
	Begin(ctx context.Context) (Settlement, error)
}

// Config names the identities the engine acts for.
type Config struct {
	// Vault holds subscriber escrow, accrued fees and acquired inventory.
	Vault Address
	// Operator is the only identity allowed to run SettleDaily.
	Operator Address
	// Owner receives withdrawn fees and is the only identity allowed to
	// change the fee rate.
	Owner Address
	// InitialFeeBps seeds the fee rate when no accounting record exists yet.
	InitialFeeBps uint32
}

// Engine wires the subscription ledger, batch settlement and fee accounting
// with persistence, external collaborators and event emission. Every entry
// point runs under one mutex inside one state transaction.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	state   StateStore
	oracle  PriceOracle
	ledger  SettlementLedger
	emitter events.Emitter
	logger  *slog.Logger
}

// NewEngine creates an engine with a no-op emitter. Callers configure state
// and collaborators via the setters.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:     cfg,
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state StateStore) { e.state = state }

// SetOracle configures the price oracle.
func (e *Engine) SetOracle(oracle PriceOracle) { e.oracle = oracle }

// SetSettlementLedger configures the external settlement ledger.
func (e *Engine) SetSettlementLedger(ledger SettlementLedger) { e.ledger = ledger }

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger overrides the logger; nil restores slog.Default.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// Config returns the identities the engine was configured with.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.oracle == nil {
		return errNilOracle
	}
	if e.ledger == nil {
		return errNilLedger
	}
	if e.cfg.Vault.IsZero() || e.cfg.Operator.IsZero() || e.cfg.Owner.IsZero() {
		return errNilIdentity
	}
	return nil
}

// op carries the transactional context of a single entry point.
type op struct {
	tx         StateTx
	settlement Settlement
	buffer     events.Buffer
}

func (o *op) emit(evt *types.Event) {
	if evt != nil {
		o.buffer.Emit(events.Wrap(evt))
	}
}

func (e *Engine) begin() (*op, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	tx, err := e.state.Begin()
	if err != nil {
		return nil, fmt.Errorf("subscription engine: begin state: %w", err)
	}
	return &op{tx: tx}, nil
}

func (e *Engine) settlement(ctx context.Context, o *op) (Settlement, error) {
	if o.settlement != nil {
		return o.settlement, nil
	}
	s, err := e.ledger.Begin(ctx)
	if err != nil {
		return nil, err
	}
	o.settlement = s
	return s, nil
}

// abort discards everything staged by the operation.
func (e *Engine) abort(ctx context.Context, o *op) {
	if o == nil {
		return
	}
	if o.settlement != nil {
		o.settlement.Rollback(ctx)
	}
	o.tx.Discard()
	o.buffer.Reset()
}

// commit finalises external effects, then state, then releases events. A state
// commit failure after the settlement committed cannot be unwound here and is
// logged for operator reconciliation.
func (e *Engine) commit(ctx context.Context, o *op, failure error) error {
	if o.settlement != nil {
		if err := o.settlement.Commit(ctx); err != nil {
			e.abort(ctx, o)
			return fmt.Errorf("%w: %w", failure, err)
		}
	}
	if err := o.tx.Commit(); err != nil {
		if o.settlement != nil {
			e.logger.Error("subscription state commit failed after settlement commit", "error", err)
		}
		o.tx.Discard()
		o.buffer.Reset()
		return fmt.Errorf("subscription engine: commit state: %w", err)
	}
	o.buffer.Flush(e.emitter)
	return nil
}

func loadAccounting(tx StateTx, initialFeeBps uint32) (*Accounting, error) {
	acc, ok, err := tx.AccountingGet()
	if err != nil {
		return nil, err
	}
	if !ok || acc == nil {
		return newAccounting(initialFeeBps), nil
	}
	if acc.Withdrawable == nil {
		acc.Withdrawable = fees.Zero()
	}
	if acc.TotalFeesCollected == nil {
		acc.TotalFeesCollected = fees.Zero()
	}
	return acc, nil
}

func overflow(err error) error {
	return fmt.Errorf("%w: %v", ErrArithmeticOverflow, err)
}

// read runs fn against a throwaway transaction under the engine lock.
func (e *Engine) read(fn func(tx StateTx) error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.state.Begin()
	if err != nil {
		return err
	}
	defer tx.Discard()
	return fn(tx)
}
