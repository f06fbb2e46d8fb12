package mintd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"dailymint/core/events"
	"dailymint/core/types"
	"dailymint/services/mintd/index"
	"dailymint/services/mintd/middleware"
)

type apiHarness struct {
	*fixture
	server    *Server
	auth      *middleware.Authenticator
	index     *index.Index
	stream    *events.Broadcaster
	scheduler *Scheduler
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	f := newFixture(t)
	db, err := index.Open(index.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	h := &apiHarness{fixture: f, index: index.New(db, nil), stream: events.NewBroadcaster(64)}
	f.engine.SetEmitter(events.Multi{f.recorder, h.index, h.stream})
	h.scheduler = NewScheduler(f.engine, f.planner, operator)
	h.auth, err = middleware.NewAuthenticator(middleware.AuthConfig{HMACSecret: "api-test-secret"}, nil)
	require.NoError(t, err)
	h.server, err = NewServer(ServerDeps{
		Engine:    f.engine,
		Scheduler: h.scheduler,
		Planner:   f.planner,
		Index:     h.index,
		Stream:    h.stream,
		Auth:      h.auth,
		Limiter: middleware.NewRateLimiter(map[string]middleware.RateLimit{
			"mutate": {RequestsPerMinute: 600, Burst: 100},
		}),
	})
	require.NoError(t, err)
	return h
}

func (h *apiHarness) token(t *testing.T, who types.Address, scopes ...string) string {
	t.Helper()
	token, err := h.auth.Issue(who, time.Minute, scopes...)
	require.NoError(t, err)
	return token
}

func (h *apiHarness) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	h.server.ServeHTTP(res, req)
	return res
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), out))
}

func TestAPISubscriptionLifecycle(t *testing.T) {
	h := newAPIHarness(t)
	aliceToken := h.token(t, alice)

	res := h.do(t, http.MethodGet, "/v1/quote?mint_per_day=2&length_days=5", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var quote quoteResponse
	decodeBody(t, res, &quote)
	require.Equal(t, "1100", quote.Total)
	require.Equal(t, "100", quote.Fee)
	require.Equal(t, uint64(1), quote.Day)

	res = h.do(t, http.MethodPost, "/v1/subscriptions", "", subscribeRequest{Amount: "1100", MintPerDay: 2, LengthDays: 5})
	require.Equal(t, http.StatusUnauthorized, res.Code)

	res = h.do(t, http.MethodPost, "/v1/subscriptions", aliceToken, subscribeRequest{Amount: "1000", MintPerDay: 2, LengthDays: 5})
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	var failure errorResponse
	decodeBody(t, res, &failure)
	require.Equal(t, "arithmetic_mismatch", failure.Kind)

	res = h.do(t, http.MethodPost, "/v1/subscriptions", aliceToken, subscribeRequest{Amount: "1100", MintPerDay: 2, LengthDays: 5, Recipient: carol.Hex()})
	require.Equal(t, http.StatusCreated, res.Code)
	var created subscribeResponse
	decodeBody(t, res, &created)
	require.Equal(t, alice, created.Subscription.Subscriber)
	require.Equal(t, carol, created.Subscription.Recipient)
	require.Equal(t, "1100", created.Subscription.Balance)
	require.NotNil(t, created.Receipt)
	require.Equal(t, alice, created.Receipt.Holder)

	res = h.do(t, http.MethodPost, "/v1/subscriptions", aliceToken, subscribeRequest{Amount: "1100", MintPerDay: 2, LengthDays: 5})
	require.Equal(t, http.StatusConflict, res.Code)

	res = h.do(t, http.MethodPost, "/v1/subscriptions/deposit", aliceToken, depositRequest{Amount: "220"})
	require.Equal(t, http.StatusOK, res.Code)
	var topped subscriptionView
	decodeBody(t, res, &topped)
	require.Equal(t, "1320", topped.Balance)

	res = h.do(t, http.MethodGet, "/v1/subscriptions/"+alice.Hex(), "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	res = h.do(t, http.MethodGet, "/v1/subscriptions/"+bob.Hex(), "", nil)
	require.Equal(t, http.StatusNotFound, res.Code)
	res = h.do(t, http.MethodGet, "/v1/subscriptions/not-an-address", "", nil)
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = h.do(t, http.MethodGet, "/v1/receipts/"+created.Receipt.ID.String(), "", nil)
	require.Equal(t, http.StatusOK, res.Code)

	res = h.do(t, http.MethodPost, "/v1/subscriptions/close", h.token(t, bob), closeRequest{ReceiptID: created.Receipt.ID})
	require.Equal(t, http.StatusForbidden, res.Code)

	res = h.do(t, http.MethodPost, "/v1/subscriptions/close", aliceToken, closeRequest{ReceiptID: created.Receipt.ID})
	require.Equal(t, http.StatusOK, res.Code)
	var refund map[string]string
	decodeBody(t, res, &refund)
	require.Equal(t, "1320", refund["refund"])

	res = h.do(t, http.MethodGet, "/v1/receipts/"+created.Receipt.ID.String(), "", nil)
	require.Equal(t, http.StatusNotFound, res.Code)
}

func TestAPIRejectsMalformedBodies(t *testing.T) {
	h := newAPIHarness(t)
	token := h.token(t, alice)

	res := h.do(t, http.MethodPost, "/v1/subscriptions", token, map[string]interface{}{"amount": "1100", "unexpected": true})
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = h.do(t, http.MethodPost, "/v1/subscriptions", token, subscribeRequest{Amount: "1100", MintPerDay: 0, LengthDays: 5})
	require.Equal(t, http.StatusBadRequest, res.Code)
	var failure errorResponse
	decodeBody(t, res, &failure)
	require.Equal(t, "input", failure.Kind)

	res = h.do(t, http.MethodGet, "/v1/quote?mint_per_day=abc&length_days=1", "", nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestAPISettlementRequiresOperator(t *testing.T) {
	h := newAPIHarness(t)
	h.subscribe(t, alice, 2, 5)
	h.subscribe(t, bob, 1, 1)
	h.oracle.SetDay(2)
	body := settleRequest{Candidates: []types.Address{alice, bob}, Expected: 3}

	res := h.do(t, http.MethodPost, "/v1/settlements", h.token(t, operator), body)
	require.Equal(t, http.StatusForbidden, res.Code, "scope missing")

	res = h.do(t, http.MethodPost, "/v1/settlements", h.token(t, carol, middleware.ScopeOperator), body)
	require.Equal(t, http.StatusForbidden, res.Code, "scope present but caller is not the operator")
	var failure errorResponse
	decodeBody(t, res, &failure)
	require.Equal(t, "authorization", failure.Kind)

	opToken := h.token(t, operator, middleware.ScopeOperator)
	res = h.do(t, http.MethodPost, "/v1/settlements", opToken, settleRequest{Candidates: body.Candidates, Expected: 4})
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	decodeBody(t, res, &failure)
	require.Len(t, failure.Skips, 0)

	res = h.do(t, http.MethodGet, "/v1/settlements/plan", opToken, nil)
	require.Equal(t, http.StatusOK, res.Code)
	var plan Plan
	decodeBody(t, res, &plan)
	require.Equal(t, uint64(3), plan.Expected)

	res = h.do(t, http.MethodPost, "/v1/settlements", opToken, settleRequest{Candidates: plan.Candidates, Expected: plan.Expected})
	require.Equal(t, http.StatusOK, res.Code)
	var report reportResponse
	decodeBody(t, res, &report)
	require.Equal(t, uint64(1), report.TargetDay)
	require.Equal(t, uint64(3), report.Minted)
	require.Len(t, report.Settled, 2)
	require.Equal(t, "10", report.UnitFee)
	require.Equal(t, "30", report.FeesAccrued)

	res = h.do(t, http.MethodGet, "/v1/accounting", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var acc accountingResponse
	decodeBody(t, res, &acc)
	require.Equal(t, "30", acc.Withdrawable)
	require.Equal(t, uint64(3), acc.TotalSettledUnits)

	res = h.do(t, http.MethodGet, "/v1/batches", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var batches []index.Batch
	decodeBody(t, res, &batches)
	require.Len(t, batches, 1)

	res = h.do(t, http.MethodGet, "/v1/events?type=subscription.settled&day=1", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var settled []eventView
	decodeBody(t, res, &settled)
	require.Len(t, settled, 2)
	require.Equal(t, alice.Hex(), settled[0].Attributes["subscriber"])

	res = h.do(t, http.MethodPost, "/v1/accounting/withdraw", h.token(t, bob), nil)
	require.Equal(t, http.StatusOK, res.Code)
	var withdrawn map[string]string
	decodeBody(t, res, &withdrawn)
	require.Equal(t, "30", withdrawn["amount"])
	require.Equal(t, "30", h.ledger.Balance(owner).Dec())
}

func TestAPIFeeRateIsOwnerOnly(t *testing.T) {
	h := newAPIHarness(t)

	res := h.do(t, http.MethodPut, "/v1/accounting/fee", h.token(t, operator, middleware.ScopeOperator), feeRequest{FeeBps: 200})
	require.Equal(t, http.StatusForbidden, res.Code)

	ownerToken := h.token(t, owner, middleware.ScopeOwner)
	res = h.do(t, http.MethodPut, "/v1/accounting/fee", ownerToken, feeRequest{FeeBps: 5000})
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = h.do(t, http.MethodPut, "/v1/accounting/fee", ownerToken, feeRequest{FeeBps: 200})
	require.Equal(t, http.StatusNoContent, res.Code)

	fee, err := h.engine.FeeRate()
	require.NoError(t, err)
	require.Equal(t, uint32(200), fee)
}

func TestAPISchedulerControls(t *testing.T) {
	h := newAPIHarness(t)
	h.subscribe(t, alice, 1, 2)
	h.oracle.SetDay(2)
	opToken := h.token(t, operator, middleware.ScopeOperator)

	res := h.do(t, http.MethodPost, "/v1/scheduler/pause", opToken, nil)
	require.Equal(t, http.StatusNoContent, res.Code)
	res = h.do(t, http.MethodPost, "/v1/scheduler/run", opToken, nil)
	require.Equal(t, http.StatusConflict, res.Code)

	res = h.do(t, http.MethodPost, "/v1/scheduler/resume", opToken, nil)
	require.Equal(t, http.StatusNoContent, res.Code)
	res = h.do(t, http.MethodPost, "/v1/scheduler/run", opToken, nil)
	require.Equal(t, http.StatusOK, res.Code)
	var run RunResult
	decodeBody(t, res, &run)
	require.Equal(t, uint64(1), run.Minted)

	res = h.do(t, http.MethodGet, "/v1/scheduler/status", opToken, nil)
	require.Equal(t, http.StatusOK, res.Code)
	var status Status
	decodeBody(t, res, &status)
	require.False(t, status.Paused)
	require.Equal(t, 1, status.Runs)
	require.NotNil(t, status.LastSettledDay)
}

func TestAPIHealthAndMetrics(t *testing.T) {
	h := newAPIHarness(t)

	res := h.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, res.Code)

	res = h.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), "dailymint_api_requests_total")
}

func TestAPIOptionalComponentsUnavailable(t *testing.T) {
	f := newFixture(t)
	auth, err := middleware.NewAuthenticator(middleware.AuthConfig{HMACSecret: "secret"}, nil)
	require.NoError(t, err)
	server, err := NewServer(ServerDeps{Engine: f.engine, Auth: auth})
	require.NoError(t, err)

	for _, path := range []string{"/v1/events", "/v1/batches", "/v1/events/ws"} {
		res := httptest.NewRecorder()
		server.ServeHTTP(res, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusServiceUnavailable, res.Code, path)
	}

	_, err = NewServer(ServerDeps{Auth: auth})
	require.Error(t, err)
	_, err = NewServer(ServerDeps{Engine: f.engine})
	require.Error(t, err)
}

func TestStatusForMapsKinds(t *testing.T) {
	require.Equal(t, http.StatusConflict, statusFor(ErrSchedulerPaused))
	require.Equal(t, http.StatusInternalServerError, statusFor(fmt.Errorf("boom")))
}
