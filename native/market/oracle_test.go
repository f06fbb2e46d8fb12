package market

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestManualOracle(t *testing.T) {
	ctx := context.Background()
	oracle := NewManualOracle(uint256.NewInt(100), 3)

	price, err := oracle.UnitPrice(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(100), price.Uint64())

	price.SetUint64(1)
	again, err := oracle.UnitPrice(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(100), again.Uint64(), "returned price must be a copy")

	require.NoError(t, oracle.SetDecimal("2500"))
	require.Error(t, oracle.SetDecimal("12.5"))
	require.Error(t, oracle.SetDecimal(""))
	price, err = oracle.UnitPrice(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2500), price.Uint64())

	require.Equal(t, uint64(4), oracle.AdvanceDay())
	day, err := oracle.CurrentDay(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(4), day)

	_, err = NewManualOracle(nil, 0).UnitPrice(ctx)
	require.Error(t, err)
}

func TestClockOracleDerivesDay(t *testing.T) {
	genesis := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewClockOracle(NewManualOracle(uint256.NewInt(7), 0), genesis, 0)

	cases := []struct {
		now  time.Time
		want uint64
	}{
		{genesis.Add(-time.Hour), 0},
		{genesis, 0},
		{genesis.Add(23 * time.Hour), 0},
		{genesis.Add(24 * time.Hour), 1},
		{genesis.Add(10*24*time.Hour + time.Minute), 10},
	}
	for _, tc := range cases {
		clock.SetNowFunc(func() time.Time { return tc.now })
		day, err := clock.CurrentDay(context.Background())
		require.NoError(t, err)
		require.Equal(t, tc.want, day, "now=%s", tc.now)
	}
	price, err := clock.UnitPrice(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(7), price.Uint64())
}

func TestHTTPOracle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "secret", r.Header.Get("x-api-key"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"price": "1000000000000000000000", "day": 42})
	}))
	defer server.Close()

	oracle, err := NewHTTPOracle(server.Client(), server.URL, " secret ")
	require.NoError(t, err)
	price, err := oracle.UnitPrice(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1000000000000000000000", price.Dec())
	day, err := oracle.CurrentDay(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(42), day)
}

func TestHTTPOracleRejectsBadResponses(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
		},
		"malformed": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("{not json"))
		},
		"fractional price": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"price":"1.5","day":1}`))
		},
		"missing day": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"price":"10"}`))
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(handler)
			defer server.Close()
			oracle, err := NewHTTPOracle(server.Client(), server.URL, "")
			require.NoError(t, err)
			_, err = oracle.UnitPrice(context.Background())
			require.Error(t, err)
		})
	}

	_, err := NewHTTPOracle(nil, "  ", "")
	require.Error(t, err)
}
