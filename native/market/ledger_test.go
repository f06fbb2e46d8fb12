package market_test

import (
	"context"
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"dailymint/core/events"
	"dailymint/core/state"
	"dailymint/core/types"
	"dailymint/native/market"
	"dailymint/native/subscription"
	"dailymint/storage"
)

func addr(fill byte) types.Address {
	var a types.Address
	for i := range a {
		a[i] = fill
	}
	return a
}

var (
	treasury = addr(0xEE)
	vault    = addr(0xAA)
	operator = addr(0xBB)
	owner    = addr(0xCC)
)

func TestLedgerSettlementCommitsAtomically(t *testing.T) {
	ctx := context.Background()
	ledger := market.NewLedger(treasury, 10)
	alice := addr(0x01)
	require.NoError(t, ledger.Credit(alice, uint256.NewInt(500)))

	s, err := ledger.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Pay(ctx, alice, vault, uint256.NewInt(300)))
	require.NoError(t, s.Acquire(ctx, vault, 4, 3, uint256.NewInt(90)))
	require.NoError(t, s.Transfer(ctx, vault, alice, 4, 2))

	require.Equal(t, uint64(500), ledger.Balance(alice).Uint64(), "staged effects must not be visible")
	require.Zero(t, ledger.Supplied(4))

	require.NoError(t, s.Commit(ctx))
	require.Equal(t, uint64(200), ledger.Balance(alice).Uint64())
	require.Equal(t, uint64(210), ledger.Balance(vault).Uint64())
	require.Equal(t, uint64(90), ledger.Balance(treasury).Uint64())
	require.Equal(t, uint64(2), ledger.Units(alice, 4))
	require.Equal(t, uint64(1), ledger.Units(vault, 4))
	require.Equal(t, uint64(3), ledger.Supplied(4))

	require.ErrorIs(t, s.Commit(ctx), market.ErrSettlementClosed)
}

func TestLedgerRejectsInvalidOperations(t *testing.T) {
	ctx := context.Background()
	ledger := market.NewLedger(treasury, 5)
	require.NoError(t, ledger.Credit(vault, uint256.NewInt(100)))

	s, _ := ledger.Begin(ctx)
	require.ErrorIs(t, s.Pay(ctx, addr(0x01), vault, uint256.NewInt(1)), market.ErrInsufficientFunds)
	require.ErrorIs(t, s.Acquire(ctx, vault, 1, 6, uint256.NewInt(0)), market.ErrSupplyExhausted)
	require.ErrorIs(t, s.Acquire(ctx, vault, 1, 1, uint256.NewInt(101)), market.ErrInsufficientFunds)
	require.ErrorIs(t, s.Transfer(ctx, vault, addr(0x01), 1, 1), market.ErrInsufficientUnits)

	require.NoError(t, s.Acquire(ctx, vault, 1, 5, uint256.NewInt(50)))
	require.ErrorIs(t, s.Acquire(ctx, vault, 1, 1, uint256.NewInt(10)), market.ErrSupplyExhausted)
	s.Rollback(ctx)
	require.Zero(t, ledger.Supplied(1))
	require.Equal(t, uint64(100), ledger.Balance(vault).Uint64())
}

func TestLedgerCommitRevalidatesAgainstLatestBook(t *testing.T) {
	ctx := context.Background()
	ledger := market.NewLedger(treasury, 0)
	alice := addr(0x01)
	require.NoError(t, ledger.Credit(alice, uint256.NewInt(100)))

	first, _ := ledger.Begin(ctx)
	second, _ := ledger.Begin(ctx)
	require.NoError(t, first.Pay(ctx, alice, vault, uint256.NewInt(80)))
	require.NoError(t, second.Pay(ctx, alice, vault, uint256.NewInt(80)))

	require.NoError(t, first.Commit(ctx))
	require.ErrorIs(t, second.Commit(ctx), market.ErrInsufficientFunds)
	require.Equal(t, uint64(20), ledger.Balance(alice).Uint64())
	require.Equal(t, uint64(80), ledger.Balance(vault).Uint64())
}

// TestEngineEndToEnd drives the subscription engine over persistent state and
// the custody ledger through a full subscription lifecycle.
func TestEngineEndToEnd(t *testing.T) {
	ctx := context.Background()
	alice := addr(0x01)
	bob := addr(0x02)
	gift := addr(0x03)

	oracle := market.NewManualOracle(uint256.NewInt(100), 1)
	ledger := market.NewLedger(treasury, 100)
	require.NoError(t, ledger.Credit(alice, uint256.NewInt(5_000)))
	require.NoError(t, ledger.Credit(bob, uint256.NewInt(5_000)))

	engine := subscription.NewEngine(subscription.Config{Vault: vault, Operator: operator, Owner: owner, InitialFeeBps: 1000})
	engine.SetState(state.NewManager(storage.NewMemDB()).Subscriptions())
	engine.SetOracle(oracle)
	engine.SetSettlementLedger(ledger)
	recorder := &events.Recorder{}
	engine.SetEmitter(recorder)

	_, receipt, err := engine.Subscribe(ctx, alice, subscription.SubscribeRequest{Amount: uint256.NewInt(1100), MintPerDay: 2, LengthDays: 5, Recipient: &gift})
	require.NoError(t, err)
	_, _, err = engine.Subscribe(ctx, bob, subscription.SubscribeRequest{Amount: uint256.NewInt(110), MintPerDay: 1, LengthDays: 1})
	require.NoError(t, err)
	require.Equal(t, uint64(3_900), ledger.Balance(alice).Uint64())
	require.Equal(t, uint64(1_210), ledger.Balance(vault).Uint64())

	oracle.SetDay(2)
	report, err := engine.SettleDaily(ctx, operator, []types.Address{alice, bob}, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(1), report.TargetDay)
	require.Equal(t, uint64(2), ledger.Units(gift, 1))
	require.Equal(t, uint64(1), ledger.Units(bob, 1))
	require.Equal(t, uint64(300), ledger.Balance(treasury).Uint64(), "acquisition pays price without fee")

	_, err = engine.SettleDaily(ctx, operator, []types.Address{alice, bob}, 3)
	var recon *subscription.ReconciliationError
	require.True(t, errors.As(err, &recon))
	require.Len(t, recon.Skips, 2)
	require.Equal(t, uint64(3), ledger.Supplied(1), "failed reconciliation must not acquire")

	amount, err := engine.Withdraw(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, uint64(30), amount.Uint64())
	require.Equal(t, uint64(30), ledger.Balance(owner).Uint64())

	refund, err := engine.Close(ctx, alice, receipt.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(880), refund.Uint64())
	require.Equal(t, uint64(4_780), ledger.Balance(alice).Uint64())
	require.Zero(t, ledger.Balance(vault).Uint64())

	require.NotEmpty(t, recorder.OfType(subscription.EventTypeBatchSettled))
	require.Len(t, recorder.OfType(subscription.EventTypeClosed), 1)
}

func TestEngineSupplyCapAbortsBatch(t *testing.T) {
	ctx := context.Background()
	alice := addr(0x01)
	oracle := market.NewManualOracle(uint256.NewInt(10), 1)
	ledger := market.NewLedger(treasury, 1)
	require.NoError(t, ledger.Credit(alice, uint256.NewInt(1_000)))

	engine := subscription.NewEngine(subscription.Config{Vault: vault, Operator: operator, Owner: owner})
	engine.SetState(state.NewManager(storage.NewMemDB()).Subscriptions())
	engine.SetOracle(oracle)
	engine.SetSettlementLedger(ledger)

	_, _, err := engine.Subscribe(ctx, alice, subscription.SubscribeRequest{Amount: uint256.NewInt(20), MintPerDay: 2, LengthDays: 1})
	require.NoError(t, err)
	oracle.SetDay(2)
	_, err = engine.SettleDaily(ctx, operator, []types.Address{alice}, 2)
	require.ErrorIs(t, err, subscription.ErrTransferFailed)
	require.ErrorIs(t, err, market.ErrSupplyExhausted)

	sub, ok, err := engine.Subscription(alice)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(20), sub.Balance.Uint64())
	require.False(t, sub.HasSettled)
}

func TestLedgerBookSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	alice := addr(0x01)
	db, err := storage.NewLevelDB(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	manager := state.NewManager(db)
	oracle := market.NewManualOracle(uint256.NewInt(100), 1)

	newEngine := func(ledger *market.Ledger) *subscription.Engine {
		engine := subscription.NewEngine(subscription.Config{Vault: vault, Operator: operator, Owner: owner, InitialFeeBps: 1000})
		engine.SetState(manager.Subscriptions())
		engine.SetOracle(oracle)
		engine.SetSettlementLedger(ledger)
		return engine
	}

	ledger := market.NewLedgerWithStore(manager.Market(), treasury, 100)
	seeded, err := ledger.Seed(map[types.Address]*uint256.Int{alice: uint256.NewInt(5_000)})
	require.NoError(t, err)
	require.True(t, seeded)
	_, receipt, err := newEngine(ledger).Subscribe(ctx, alice, subscription.SubscribeRequest{Amount: uint256.NewInt(1_100), MintPerDay: 2, LengthDays: 5})
	require.NoError(t, err)

	restarted := market.NewLedgerWithStore(manager.Market(), treasury, 100)
	seeded, err = restarted.Seed(map[types.Address]*uint256.Int{alice: uint256.NewInt(5_000)})
	require.NoError(t, err)
	require.False(t, seeded, "opening balances must be credited once per book")
	require.Equal(t, uint64(3_900), restarted.Balance(alice).Uint64())
	require.Equal(t, uint64(1_100), restarted.Balance(vault).Uint64())

	refund, err := newEngine(restarted).Close(ctx, alice, receipt.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(1_100), refund.Uint64())
	require.Equal(t, uint64(5_000), restarted.Balance(alice).Uint64())

	reread := market.NewLedgerWithStore(manager.Market(), treasury, 100)
	bal, err := reread.BalanceOf(vault)
	require.NoError(t, err)
	require.True(t, bal.IsZero())
}

func TestLedgerPersistsUnitsAndSupply(t *testing.T) {
	ctx := context.Background()
	manager := state.NewManager(storage.NewMemDB())
	ledger := market.NewLedgerWithStore(manager.Market(), treasury, 4)
	require.NoError(t, ledger.Credit(vault, uint256.NewInt(100)))

	s, err := ledger.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Acquire(ctx, vault, 2, 3, uint256.NewInt(30)))
	require.NoError(t, s.Transfer(ctx, vault, owner, 2, 1))
	require.NoError(t, s.Commit(ctx))

	restarted := market.NewLedgerWithStore(manager.Market(), treasury, 4)
	require.Equal(t, uint64(3), restarted.Supplied(2))
	require.Equal(t, uint64(2), restarted.Units(vault, 2))
	require.Equal(t, uint64(1), restarted.Units(owner, 2))
	require.Equal(t, uint64(30), restarted.Balance(treasury).Uint64())

	s, _ = restarted.Begin(ctx)
	require.ErrorIs(t, s.Acquire(ctx, vault, 2, 2, uint256.NewInt(20)), market.ErrSupplyExhausted, "persisted supply counts toward the cap")
	s.Rollback(ctx)
}

func TestLedgerStagesEachOperationOnce(t *testing.T) {
	ctx := context.Background()
	alice := addr(0x01)
	store := &countingStore{Store: state.NewManager(storage.NewMemDB()).Market()}
	ledger := market.NewLedgerWithStore(store, treasury, 0)
	require.NoError(t, ledger.Credit(alice, uint256.NewInt(1_000)))

	fresh := market.NewLedgerWithStore(store, treasury, 0)
	s, err := fresh.Begin(ctx)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, s.Pay(ctx, alice, vault, uint256.NewInt(10)))
	}
	require.Equal(t, 2, store.loads, "staging must read each account from the store once")
	require.ErrorIs(t, s.Pay(ctx, alice, vault, uint256.NewInt(501)), market.ErrInsufficientFunds)
	require.NoError(t, s.Pay(ctx, alice, vault, uint256.NewInt(500)))
	require.NoError(t, s.Commit(ctx))
	require.Zero(t, fresh.Balance(alice).Uint64())
	require.Equal(t, uint64(1_000), fresh.Balance(vault).Uint64())
}

type countingStore struct {
	market.Store
	loads int
}

func (c *countingStore) LoadBalance(a types.Address) (*uint256.Int, error) {
	c.loads++
	return c.Store.LoadBalance(a)
}
