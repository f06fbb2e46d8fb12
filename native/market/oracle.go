package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"dailymint/native/subscription"
)

var (
	_ subscription.PriceOracle  = (*ManualOracle)(nil)
	_ subscription.PriceOracle  = (*HTTPOracle)(nil)
	_ subscription.PriceOracle  = (*ClockOracle)(nil)
	_ subscription.OracleReader = (*ManualOracle)(nil)
	_ subscription.OracleReader = (*HTTPOracle)(nil)
	_ subscription.OracleReader = (*ClockOracle)(nil)
)

// ManualOracle serves an operator-set price and day. It backs tests, dev mode
// and incident overrides.
type ManualOracle struct {
	mu    sync.RWMutex
	price *uint256.Int
	day   uint64
}

// NewManualOracle constructs an oracle seeded with price and day.
func NewManualOracle(price *uint256.Int, day uint64) *ManualOracle {
	m := &ManualOracle{day: day}
	if price != nil {
		m.price = price.Clone()
	}
	return m
}

// SetPrice replaces the unit price.
func (m *ManualOracle) SetPrice(price *uint256.Int) {
	if m == nil || price == nil {
		return
	}
	m.mu.Lock()
	m.price = price.Clone()
	m.mu.Unlock()
}

// SetDecimal parses and stores a base-10 unit price.
func (m *ManualOracle) SetDecimal(raw string) error {
	if m == nil {
		return fmt.Errorf("manual oracle not configured")
	}
	price, err := ParseAmount(raw)
	if err != nil {
		return fmt.Errorf("manual oracle: %w", err)
	}
	m.SetPrice(price)
	return nil
}

// SetDay replaces the current day counter.
func (m *ManualOracle) SetDay(day uint64) {
	m.mu.Lock()
	m.day = day
	m.mu.Unlock()
}

// AdvanceDay moves the day counter forward by one and returns the new value.
func (m *ManualOracle) AdvanceDay() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.day++
	return m.day
}

func (m *ManualOracle) UnitPrice(context.Context) (*uint256.Int, error) {
	if m == nil {
		return nil, fmt.Errorf("manual oracle not configured")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.price == nil {
		return nil, fmt.Errorf("manual oracle: price not set")
	}
	return m.price.Clone(), nil
}

func (m *ManualOracle) CurrentDay(context.Context) (uint64, error) {
	if m == nil {
		return 0, fmt.Errorf("manual oracle not configured")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.day, nil
}

// Read returns price and day under one lock.
func (m *ManualOracle) Read(context.Context) (*uint256.Int, uint64, error) {
	if m == nil {
		return nil, 0, fmt.Errorf("manual oracle not configured")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.price == nil {
		return nil, 0, fmt.Errorf("manual oracle: price not set")
	}
	return m.price.Clone(), m.day, nil
}

// ClockOracle derives the day index from wall-clock time elapsed since genesis
// and delegates pricing to another oracle.
type ClockOracle struct {
	Prices    subscription.PriceOracle
	Genesis   time.Time
	DayLength time.Duration
	now       func() time.Time
}

// NewClockOracle builds a clock-driven day counter. A zero dayLength means 24h.
func NewClockOracle(prices subscription.PriceOracle, genesis time.Time, dayLength time.Duration) *ClockOracle {
	if dayLength <= 0 {
		dayLength = 24 * time.Hour
	}
	return &ClockOracle{Prices: prices, Genesis: genesis.UTC(), DayLength: dayLength, now: time.Now}
}

// SetNowFunc overrides the clock. Nil restores time.Now.
func (c *ClockOracle) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	c.now = now
}

func (c *ClockOracle) UnitPrice(ctx context.Context) (*uint256.Int, error) {
	if c == nil || c.Prices == nil {
		return nil, fmt.Errorf("clock oracle: price source not configured")
	}
	return c.Prices.UnitPrice(ctx)
}

func (c *ClockOracle) CurrentDay(context.Context) (uint64, error) {
	if c == nil {
		return 0, fmt.Errorf("clock oracle not configured")
	}
	elapsed := c.now().Sub(c.Genesis)
	if elapsed < 0 {
		return 0, nil
	}
	return uint64(elapsed / c.DayLength), nil
}

// Read consults the price source once and derives the day from the clock.
func (c *ClockOracle) Read(ctx context.Context) (*uint256.Int, uint64, error) {
	price, err := c.UnitPrice(ctx)
	if err != nil {
		return nil, 0, err
	}
	day, err := c.CurrentDay(ctx)
	if err != nil {
		return nil, 0, err
	}
	return price, day, nil
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPOracle fetches the unit price and day counter from a JSON endpoint of
// the form {"price":"<decimal>","day":<n>}.
type HTTPOracle struct {
	client   HTTPDoer
	endpoint string
	apiKey   string
}

// NewHTTPOracle constructs an HTTP oracle adapter. When the client is nil
// http.DefaultClient is used. The API key is optional and only added to the
// request headers when supplied.
func NewHTTPOracle(client HTTPDoer, endpoint, apiKey string) (*HTTPOracle, error) {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		return nil, fmt.Errorf("http oracle: endpoint required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPOracle{client: client, endpoint: ep, apiKey: strings.TrimSpace(apiKey)}, nil
}

type oraclePayload struct {
	Price string  `json:"price"`
	Day   *uint64 `json:"day"`
}

// Read performs one request and returns both fields of the payload.
func (o *HTTPOracle) Read(ctx context.Context) (*uint256.Int, uint64, error) {
	if o == nil {
		return nil, 0, fmt.Errorf("http oracle not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if o.apiKey != "" {
		req.Header.Set("x-api-key", o.apiKey)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, 0, fmt.Errorf("http oracle: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload oraclePayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload); err != nil {
		return nil, 0, fmt.Errorf("http oracle: decode: %w", err)
	}
	price, err := ParseAmount(payload.Price)
	if err != nil {
		return nil, 0, fmt.Errorf("http oracle: %w", err)
	}
	if payload.Day == nil {
		return nil, 0, fmt.Errorf("http oracle: day missing")
	}
	return price, *payload.Day, nil
}

func (o *HTTPOracle) UnitPrice(ctx context.Context) (*uint256.Int, error) {
	price, _, err := o.Read(ctx)
	return price, err
}

func (o *HTTPOracle) CurrentDay(ctx context.Context) (uint64, error) {
	_, day, err := o.Read(ctx)
	return day, err
}

// ParseAmount decodes a non-negative base-10 integer amount.
func ParseAmount(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return amount, nil
}
