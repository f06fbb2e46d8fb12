package mintd

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"dailymint/core/events"
	"dailymint/core/types"
	"dailymint/native/market"
	"dailymint/native/subscription"
	"dailymint/services/mintd/index"
	"dailymint/services/mintd/middleware"
)

const maxBodyBytes = 1 << 20

// ServerDeps wires the API server. Index and Stream are optional; their
// routes answer 503 when unset.
type ServerDeps struct {
	Engine    *subscription.Engine
	Scheduler *Scheduler
	Planner   *Planner
	Index     *index.Index
	Stream    *events.Broadcaster
	Auth      *middleware.Authenticator
	Limiter   *middleware.RateLimiter
	Logger    *slog.Logger
}

// Server exposes subscriber, operator and owner endpoints over HTTP.
type Server struct {
	deps   ServerDeps
	router chi.Router
	logger *slog.Logger
}

// NewServer constructs the API router.
func NewServer(deps ServerDeps) (*Server, error) {
	if deps.Engine == nil {
		return nil, errors.New("mintd: engine required")
	}
	if deps.Auth == nil {
		return nil, errors.New("mintd: authenticator required")
	}
	if deps.Limiter == nil {
		deps.Limiter = middleware.NewRateLimiter(nil)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{deps: deps, logger: logger}
	s.router = s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the router wrapped with OpenTelemetry instrumentation.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "mintd.api")
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer, middleware.Observe(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/quote", s.handleQuote)
		r.Get("/subscriptions/{address}", s.handleSubscription)
		r.Get("/receipts/{id}", s.handleReceipt)
		r.Get("/accounting", s.handleAccounting)
		r.Get("/events", s.handleEvents)
		r.Get("/events/ws", s.handleStream)
		r.Get("/batches", s.handleBatches)

		r.Group(func(r chi.Router) {
			r.Use(s.deps.Auth.Middleware(), s.deps.Limiter.Middleware("mutate"))
			r.Post("/subscriptions", s.handleSubscribe)
			r.Post("/subscriptions/deposit", s.handleDeposit)
			r.Post("/subscriptions/close", s.handleClose)
			r.Post("/accounting/withdraw", s.handleWithdraw)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.deps.Auth.Middleware(middleware.ScopeOperator))
			r.Post("/settlements", s.handleSettle)
			r.Get("/settlements/plan", s.handlePlan)
			r.Get("/scheduler/status", s.handleSchedulerStatus)
			r.Post("/scheduler/pause", s.handlePause)
			r.Post("/scheduler/resume", s.handleResume)
			r.Post("/scheduler/run", s.handleRun)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.deps.Auth.Middleware(middleware.ScopeOwner))
			r.Put("/accounting/fee", s.handleSetFee)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if s.deps.Index != nil {
		sqlDB, err := s.deps.Index.DB().DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			status["status"] = "degraded"
			status["index"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	writeJSON(w, http.StatusOK, status)
}

type quoteResponse struct {
	Day        uint64 `json:"day"`
	UnitPrice  string `json:"unit_price"`
	MintPerDay uint8  `json:"mint_per_day"`
	LengthDays uint32 `json:"length_days"`
	FeeBps     uint32 `json:"fee_bps"`
	Subtotal   string `json:"subtotal"`
	Fee        string `json:"fee"`
	Total      string `json:"total"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	perDay, err := strconv.ParseUint(r.URL.Query().Get("mint_per_day"), 10, 8)
	if err != nil {
		writeBadRequest(w, "mint_per_day must be an integer between 1 and 255")
		return
	}
	days, err := strconv.ParseUint(r.URL.Query().Get("length_days"), 10, 32)
	if err != nil {
		writeBadRequest(w, "length_days must be a positive integer")
		return
	}
	quote, day, err := s.deps.Engine.Quote(r.Context(), uint8(perDay), uint32(days))
	if err != nil {
		s.writeError(w, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		Day:        day,
		UnitPrice:  quote.UnitPrice.Dec(),
		MintPerDay: quote.MintPerDay,
		LengthDays: quote.LengthDays,
		FeeBps:     quote.FeeBps,
		Subtotal:   quote.Subtotal.Dec(),
		Fee:        quote.Fee.Dec(),
		Total:      quote.Total.Dec(),
	})
}

type subscriptionView struct {
	Subscriber     types.Address          `json:"subscriber"`
	Owner          types.Address          `json:"owner"`
	Recipient      types.Address          `json:"recipient"`
	Balance        string                 `json:"balance"`
	MintPerDay     uint8                  `json:"mint_per_day"`
	LastSettledDay *uint64                `json:"last_settled_day,omitempty"`
	CreatedDay     uint64                 `json:"created_day"`
	ReceiptID      subscription.ReceiptID `json:"receipt_id"`
}

func viewSubscription(sub *subscription.Subscription) subscriptionView {
	view := subscriptionView{
		Subscriber: sub.Subscriber,
		Owner:      sub.Owner,
		Recipient:  sub.Recipient,
		Balance:    amountOrZero(sub.Balance),
		MintPerDay: sub.MintPerDay,
		CreatedDay: sub.CreatedDay,
		ReceiptID:  sub.ReceiptID,
	}
	if sub.HasSettled {
		day := sub.LastSettledDay
		view.LastSettledDay = &day
	}
	return view
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	addr, err := types.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	sub, ok, err := s.deps.Engine.Subscription(addr)
	if err != nil {
		s.writeError(w, "lookup", err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: subscription.ErrNotSubscribed.Error(), Kind: subscription.KindStateConflict.String()})
		return
	}
	writeJSON(w, http.StatusOK, viewSubscription(sub))
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := subscription.ParseReceiptID(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	receipt, ok, err := s.deps.Engine.Receipt(id)
	if err != nil {
		s.writeError(w, "lookup", err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: subscription.ErrReceiptNotFound.Error(), Kind: subscription.KindStateConflict.String()})
		return
	}
	writeJSON(w, http.StatusOK, viewReceipt(receipt))
}

type receiptView struct {
	ID         subscription.ReceiptID `json:"id"`
	Holder     types.Address          `json:"holder"`
	Subscriber types.Address          `json:"subscriber"`
	IssuedDay  uint64                 `json:"issued_day"`
}

func viewReceipt(receipt *subscription.Receipt) *receiptView {
	if receipt == nil {
		return nil
	}
	return &receiptView{ID: receipt.ID, Holder: receipt.Holder, Subscriber: receipt.Subscriber, IssuedDay: receipt.IssuedDay}
}

type accountingResponse struct {
	FeeBps             uint32 `json:"fee_bps"`
	Withdrawable       string `json:"withdrawable"`
	TotalFeesCollected string `json:"total_fees_collected"`
	TotalSettledUnits  uint64 `json:"total_settled_units"`
	ReceiptsIssued     uint64 `json:"receipts_issued"`
}

func (s *Server) handleAccounting(w http.ResponseWriter, r *http.Request) {
	acc, err := s.deps.Engine.Accounting()
	if err != nil {
		s.writeError(w, "accounting", err)
		return
	}
	writeJSON(w, http.StatusOK, accountingResponse{
		FeeBps:             acc.FeeBps,
		Withdrawable:       amountOrZero(acc.Withdrawable),
		TotalFeesCollected: amountOrZero(acc.TotalFeesCollected),
		TotalSettledUnits:  acc.TotalSettledUnits,
		ReceiptsIssued:     acc.ReceiptNonce,
	})
}

type subscribeRequest struct {
	Amount     string `json:"amount"`
	MintPerDay uint8  `json:"mint_per_day"`
	LengthDays uint32 `json:"length_days"`
	Recipient  string `json:"recipient,omitempty"`
}

type subscribeResponse struct {
	Subscription subscriptionView `json:"subscription"`
	Receipt      *receiptView     `json:"receipt"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFrom(r.Context())
	var req subscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amount, err := market.ParseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	call := subscription.SubscribeRequest{Amount: amount, MintPerDay: req.MintPerDay, LengthDays: req.LengthDays}
	if strings.TrimSpace(req.Recipient) != "" {
		recipient, err := types.ParseAddress(req.Recipient)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		call.Recipient = &recipient
	}
	sub, receipt, err := s.deps.Engine.Subscribe(r.Context(), caller, call)
	if err != nil {
		s.writeError(w, "subscribe", err)
		return
	}
	writeJSON(w, http.StatusCreated, subscribeResponse{Subscription: viewSubscription(sub), Receipt: viewReceipt(receipt)})
}

type depositRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFrom(r.Context())
	var req depositRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amount, err := market.ParseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	sub, err := s.deps.Engine.Deposit(r.Context(), caller, amount)
	if err != nil {
		s.writeError(w, "deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, viewSubscription(sub))
}

type closeRequest struct {
	ReceiptID subscription.ReceiptID `json:"receipt_id"`
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFrom(r.Context())
	var req closeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	refund, err := s.deps.Engine.Close(r.Context(), caller, req.ReceiptID)
	if err != nil {
		s.writeError(w, "close", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"refund": refund.Dec()})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFrom(r.Context())
	amount, err := s.deps.Engine.Withdraw(r.Context(), caller)
	if err != nil {
		s.writeError(w, "withdraw", err)
		return
	}
	NewMetrics().SetWithdrawable(new(uint256.Int))
	writeJSON(w, http.StatusOK, map[string]string{"amount": amount.Dec()})
}

type feeRequest struct {
	FeeBps uint32 `json:"fee_bps"`
}

func (s *Server) handleSetFee(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFrom(r.Context())
	var req feeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Engine.SetFeeRate(caller, req.FeeBps); err != nil {
		s.writeError(w, "set_fee", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type settleRequest struct {
	Candidates []types.Address `json:"candidates"`
	Expected   uint64          `json:"expected"`
}

type settledView struct {
	Subscriber types.Address `json:"subscriber"`
	Recipient  types.Address `json:"recipient"`
	Units      uint8         `json:"units"`
	Cost       string        `json:"cost"`
	Fee        string        `json:"fee"`
	Balance    string        `json:"balance"`
}

type skipView struct {
	Subscriber types.Address           `json:"subscriber"`
	Reason     subscription.SkipReason `json:"reason"`
	Balance    string                  `json:"balance"`
}

type reportResponse struct {
	TargetDay       uint64        `json:"target_day"`
	UnitPrice       string        `json:"unit_price"`
	UnitFee         string        `json:"unit_fee"`
	FeeBps          uint32        `json:"fee_bps"`
	Expected        uint64        `json:"expected"`
	Minted          uint64        `json:"minted"`
	AcquisitionCost string        `json:"acquisition_cost"`
	FeesAccrued     string        `json:"fees_accrued"`
	Settled         []settledView `json:"settled"`
	Skips           []skipView    `json:"skips"`
}

func viewSkips(skips []subscription.Skip) []skipView {
	out := make([]skipView, 0, len(skips))
	for _, skip := range skips {
		out = append(out, skipView{Subscriber: skip.Subscriber, Reason: skip.Reason, Balance: amountOrZero(skip.Balance)})
	}
	return out
}

func viewReport(report *subscription.BatchReport) reportResponse {
	out := reportResponse{
		TargetDay:       report.TargetDay,
		UnitPrice:       amountOrZero(report.UnitPrice),
		UnitFee:         amountOrZero(report.UnitFee),
		FeeBps:          report.FeeBps,
		Expected:        report.Expected,
		Minted:          report.Minted,
		AcquisitionCost: amountOrZero(report.AcquisitionCost),
		FeesAccrued:     amountOrZero(report.FeesAccrued),
		Settled:         make([]settledView, 0, len(report.Settled)),
		Skips:           viewSkips(report.Skips),
	}
	for _, entry := range report.Settled {
		out.Settled = append(out.Settled, settledView{
			Subscriber: entry.Subscriber,
			Recipient:  entry.Recipient,
			Units:      entry.Units,
			Cost:       amountOrZero(entry.Cost),
			Fee:        amountOrZero(entry.Fee),
			Balance:    amountOrZero(entry.Balance),
		})
	}
	return out
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFrom(r.Context())
	var req settleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	report, err := s.deps.Engine.SettleDaily(r.Context(), caller, req.Candidates, req.Expected)
	if err != nil {
		s.writeError(w, "settle", err)
		return
	}
	writeJSON(w, http.StatusOK, viewReport(report))
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	if s.deps.Planner == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "planner not configured"})
		return
	}
	plan, err := s.deps.Planner.Plan(r.Context())
	if err != nil {
		s.writeError(w, "plan", err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Scheduler.Status())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	s.deps.Scheduler.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	s.deps.Scheduler.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	result, err := s.deps.Scheduler.RunOnce(r.Context())
	if err != nil {
		s.writeError(w, "run", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) requireScheduler(w http.ResponseWriter) bool {
	if s.deps.Scheduler == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "scheduler not configured"})
		return false
	}
	return true
}

type eventView struct {
	Seq        uint64            `json:"seq"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  string            `json:"created_at"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Index == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "event index not configured"})
		return
	}
	params := r.URL.Query()
	q := index.EventQuery{Type: strings.TrimSpace(params.Get("type"))}
	if raw := params.Get("subscriber"); raw != "" {
		addr, err := types.ParseAddress(raw)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		q.Subscriber = &addr
	}
	if raw := params.Get("day"); raw != "" {
		day, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeBadRequest(w, "day must be an integer")
			return
		}
		q.Day = &day
	}
	if raw := params.Get("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeBadRequest(w, "after must be an integer")
			return
		}
		q.AfterSeq = after
	}
	if raw := params.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeBadRequest(w, "limit must be an integer")
			return
		}
		q.Limit = limit
	}
	rows, err := s.deps.Index.Events(r.Context(), q)
	if err != nil {
		s.writeError(w, "events", err)
		return
	}
	out := make([]eventView, 0, len(rows))
	for _, row := range rows {
		evt, err := row.Decode()
		if err != nil {
			s.writeError(w, "events", err)
			return
		}
		out = append(out, eventView{Seq: row.Seq, Type: evt.Type, Attributes: evt.Attributes, CreatedAt: row.CreatedAt.UTC().Format("2006-01-02T15:04:05Z")})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	if s.deps.Index == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "event index not configured"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.deps.Index.Batches(r.Context(), limit)
	if err != nil {
		s.writeError(w, "batches", err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type errorResponse struct {
	Error string     `json:"error"`
	Kind  string     `json:"kind,omitempty"`
	Skips []skipView `json:"skips,omitempty"`
}

// statusFor maps an engine error to the HTTP status reported to callers.
func statusFor(err error) int {
	if errors.Is(err, ErrSchedulerPaused) {
		return http.StatusConflict
	}
	switch subscription.KindOf(err) {
	case subscription.KindInput:
		return http.StatusBadRequest
	case subscription.KindStateConflict:
		return http.StatusConflict
	case subscription.KindAuthorization:
		return http.StatusForbidden
	case subscription.KindArithmeticMismatch:
		return http.StatusUnprocessableEntity
	case subscription.KindTransferFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	kind := subscription.KindOf(err)
	status := statusFor(err)
	resp := errorResponse{Error: err.Error(), Kind: kind.String()}
	var recon *subscription.ReconciliationError
	if errors.As(err, &recon) {
		resp.Skips = viewSkips(recon.Skips)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "op", op, "error", err)
	}
	NewMetrics().RecordError(op, kind.String())
	writeJSON(w, status, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Kind: subscription.KindInput.String()})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func amountOrZero(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
