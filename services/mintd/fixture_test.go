package mintd

import (
	"context"
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

func addr(b byte) types.Address {
	var out types.Address
	out[19] = b
	return out
}

var (
	vault    = addr(0xAA)
	operator = addr(0xBB)
	owner    = addr(0xCC)
	treasury = addr(0xDD)
	alice    = addr(0x01)
	bob      = addr(0x02)
	carol    = addr(0x03)
)

// fixture is an engine over in-memory state and the in-process market with
// a unit price of 100 and a 10% fee, opened on day 1.
type fixture struct {
	engine   *subscription.Engine
	oracle   *market.ManualOracle
	ledger   *market.Ledger
	store    *state.SubscriptionStore
	recorder *events.Recorder
	planner  *Planner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		oracle:   market.NewManualOracle(uint256.NewInt(100), 1),
		ledger:   market.NewLedger(treasury, 1_000),
		store:    state.NewManager(storage.NewMemDB()).Subscriptions(),
		recorder: &events.Recorder{},
	}
	for _, who := range []types.Address{alice, bob, carol} {
		require.NoError(t, f.ledger.Credit(who, uint256.NewInt(10_000)))
	}
	f.engine = subscription.NewEngine(subscription.Config{Vault: vault, Operator: operator, Owner: owner, InitialFeeBps: 1000})
	f.engine.SetState(f.store)
	f.engine.SetOracle(f.oracle)
	f.engine.SetSettlementLedger(f.ledger)
	f.engine.SetEmitter(f.recorder)
	f.planner = NewPlanner(StateDirectory{Store: f.store}, f.engine, f.oracle)
	return f
}

// subscribe pays the exact quote for perDay units over days.
func (f *fixture) subscribe(t *testing.T, who types.Address, perDay uint8, days uint32) *subscription.Subscription {
	t.Helper()
	quote, _, err := f.engine.Quote(context.Background(), perDay, days)
	require.NoError(t, err)
	sub, _, err := f.engine.Subscribe(context.Background(), who, subscription.SubscribeRequest{
		Amount:     quote.Total,
		MintPerDay: perDay,
		LengthDays: days,
	})
	require.NoError(t, err)
	return sub
}
