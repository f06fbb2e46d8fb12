package market_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"dailymint/core/state"
	"dailymint/native/market"
	"dailymint/native/subscription"
	"dailymint/storage"
)

func TestHTTPOracleIsReadOncePerOperation(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := hits.Add(1)
		// Every response carries a different day so a split read would be visible.
		_, _ = w.Write([]byte(`{"price":"100","day":` + strconv.Itoa(int(n)) + `}`))
	}))
	defer server.Close()

	oracle, err := market.NewHTTPOracle(server.Client(), server.URL, "")
	require.NoError(t, err)

	price, day, err := subscription.ReadOracle(context.Background(), oracle)
	require.NoError(t, err)
	require.Equal(t, uint64(100), price.Uint64())
	require.Equal(t, uint64(1), day)
	require.Equal(t, int32(1), hits.Load())

	ctx := context.Background()
	alice := addr(0x01)
	ledger := market.NewLedger(treasury, 0)
	require.NoError(t, ledger.Credit(alice, uint256.NewInt(1_000)))
	engine := subscription.NewEngine(subscription.Config{Vault: vault, Operator: operator, Owner: owner})
	engine.SetState(state.NewManager(storage.NewMemDB()).Subscriptions())
	engine.SetOracle(oracle)
	engine.SetSettlementLedger(ledger)

	_, receipt, err := engine.Subscribe(ctx, alice, subscription.SubscribeRequest{Amount: uint256.NewInt(200), MintPerDay: 1, LengthDays: 2})
	require.NoError(t, err)
	require.Equal(t, int32(2), hits.Load(), "subscribe must issue a single oracle request")
	require.Equal(t, uint64(2), receipt.IssuedDay)

	_, quotedDay, err := engine.Quote(ctx, 1, 1)
	require.NoError(t, err)
	require.Equal(t, int32(3), hits.Load())
	require.Equal(t, uint64(3), quotedDay)
}
