package mintd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dailymint/core/types"
	"dailymint/native/subscription"
	"dailymint/services/mintd/index"
)

// ErrSchedulerPaused is returned when a run is attempted while the scheduler is paused.
var ErrSchedulerPaused = errors.New("mintd: scheduler paused")

// Settler is the write side of the subscription engine used by the scheduler.
type Settler interface {
	SettleDaily(ctx context.Context, caller types.Address, candidates []types.Address, expected uint64) (*subscription.BatchReport, error)
	Withdrawable() (*uint256.Int, error)
}

// DailyReporter writes report artefacts for a committed day.
type DailyReporter interface {
	WriteDailyReport(ctx context.Context, day uint64) (*index.ReportFiles, error)
}

// RunResult describes one scheduler run.
type RunResult struct {
	RunID       string    `json:"run_id"`
	TargetDay   uint64    `json:"target_day"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Expected    uint64    `json:"expected"`
	Minted      uint64    `json:"minted"`
	Settled     int       `json:"settled"`
	Skipped     int       `json:"skipped"`
	Replanned   bool      `json:"replanned,omitempty"`
	AlreadyRan  bool      `json:"already_ran,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Error       string    `json:"error,omitempty"`

	Report *index.ReportFiles `json:"report,omitempty"`
}

// Scheduler plans and submits the daily batch on behalf of the operator.
type Scheduler struct {
	engine   Settler
	planner  *Planner
	operator types.Address
	metrics  *Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	reporter DailyReporter
	interval time.Duration
	now      func() time.Time

	runMu sync.Mutex

	mu         sync.Mutex
	paused     bool
	hasSettled bool
	lastDay    uint64
	lastRun    *RunResult
	runs       int
	failures   int
}

// SchedulerOption customises the scheduler instance.
type SchedulerOption func(*Scheduler)

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithInterval configures how often the scheduler checks for a completed day.
func WithInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = interval }
}

// WithLogger overrides the scheduler logger.
func WithLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// WithTracer overrides the tracer used for run spans.
func WithTracer(tracer trace.Tracer) SchedulerOption {
	return func(s *Scheduler) { s.tracer = tracer }
}

// WithReporter writes a settlement report after every committed batch.
func WithReporter(reporter DailyReporter) SchedulerOption {
	return func(s *Scheduler) { s.reporter = reporter }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = clock }
}

// NewScheduler constructs a scheduler submitting batches as operator.
func NewScheduler(engine Settler, planner *Planner, operator types.Address, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		engine:   engine,
		planner:  planner,
		operator: operator,
		metrics:  NewMetrics(),
		logger:   slog.Default(),
		tracer:   otel.Tracer("dailymint/services/mintd"),
		interval: time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.interval <= 0 {
		s.interval = time.Minute
	}
	return s
}

// Run ticks until ctx is cancelled, attempting one run per tick.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	result, err := s.RunOnce(ctx)
	switch {
	case err == nil:
		if !result.AlreadyRan {
			s.logger.Info("daily batch settled",
				"run_id", result.RunID,
				"day", result.TargetDay,
				"minted", result.Minted,
				"settled", result.Settled,
				"skipped", result.Skipped)
		}
	case errors.Is(err, ErrSchedulerPaused), errors.Is(err, subscription.ErrNoCompletedDay):
		s.logger.Debug("scheduler idle", "reason", err)
	default:
		s.logger.Error("daily batch failed", "error", err)
	}
}

// RunOnce plans and settles the most recently completed day unless this
// scheduler already settled it. A reconciliation failure triggers one
// re-plan; any other failure is returned as is.
func (s *Scheduler) RunOnce(ctx context.Context) (*RunResult, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.isPaused() {
		return nil, ErrSchedulerPaused
	}

	result := &RunResult{RunID: uuid.NewString(), StartedAt: s.now()}
	ctx, span := s.tracer.Start(ctx, "mintd.settle_daily", trace.WithAttributes(
		attribute.String("mintd.run_id", result.RunID),
	))
	defer span.End()

	report, err := s.settle(ctx, result)
	result.FinishedAt = s.now()
	span.SetAttributes(
		attribute.Int64("mintd.target_day", int64(result.TargetDay)),
		attribute.Int64("mintd.expected", int64(result.Expected)),
		attribute.Bool("mintd.replanned", result.Replanned),
	)
	if err != nil {
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.recordFailure(result, err)
		return result, err
	}
	if result.AlreadyRan {
		return result, nil
	}
	result.Minted = report.Minted
	result.Settled = len(report.Settled)
	result.Skipped = len(report.Skips)
	if s.reporter != nil {
		files, err := s.reporter.WriteDailyReport(ctx, report.TargetDay)
		if err != nil {
			s.logger.Warn("settlement report failed", "run_id", result.RunID, "day", report.TargetDay, "error", err)
		} else {
			result.Report = files
		}
	}
	s.recordSuccess(result, report)
	return result, nil
}

func (s *Scheduler) settle(ctx context.Context, result *RunResult) (*subscription.BatchReport, error) {
	if s.engine == nil || s.planner == nil {
		return nil, fmt.Errorf("mintd: scheduler not configured")
	}
	plan, err := s.planner.Plan(ctx)
	if err != nil {
		return nil, err
	}
	result.applyPlan(plan)
	if s.alreadyRan(plan.TargetDay) {
		result.AlreadyRan = true
		return nil, nil
	}
	report, err := s.engine.SettleDaily(ctx, s.operator, plan.Candidates, plan.Expected)
	var recon *subscription.ReconciliationError
	if !errors.As(err, &recon) {
		return report, err
	}
	s.logger.Warn("batch did not reconcile, re-planning",
		"run_id", result.RunID,
		"day", recon.TargetDay,
		"expected", recon.Expected,
		"minted", recon.Minted)
	plan, err = s.planner.Plan(ctx)
	if err != nil {
		return nil, err
	}
	result.applyPlan(plan)
	result.Replanned = true
	return s.engine.SettleDaily(ctx, s.operator, plan.Candidates, plan.Expected)
}

func (r *RunResult) applyPlan(plan *Plan) {
	r.TargetDay = plan.TargetDay
	r.Expected = plan.Expected
	r.Fingerprint = plan.Fingerprint
}

func (s *Scheduler) alreadyRan(day uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasSettled && s.lastDay == day
}

func (s *Scheduler) recordSuccess(result *RunResult, report *subscription.BatchReport) {
	skips := make(map[string]int)
	for _, skip := range report.Skips {
		skips[string(skip.Reason)]++
	}
	s.metrics.ObserveBatch(result.FinishedAt.Sub(result.StartedAt), nil)
	s.metrics.RecordSettlement(report.TargetDay, report.Minted, skips)
	if withdrawable, err := s.engine.Withdrawable(); err == nil {
		s.metrics.SetWithdrawable(withdrawable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasSettled = true
	s.lastDay = report.TargetDay
	s.lastRun = result
	s.runs++
}

func (s *Scheduler) recordFailure(result *RunResult, err error) {
	if errors.Is(err, subscription.ErrNoCompletedDay) {
		return
	}
	s.metrics.ObserveBatch(result.FinishedAt.Sub(result.StartedAt), err)
	s.metrics.RecordError("settle", subscription.KindOf(err).String())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun = result
	s.failures++
}

func (s *Scheduler) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Pause halts scheduled and manual runs.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	s.metrics.SetPause(true)
}

// Resume re-enables runs.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.metrics.SetPause(false)
}

// Status summarises scheduler state for administrative endpoints.
type Status struct {
	Paused         bool       `json:"paused"`
	Interval       string     `json:"interval"`
	Runs           int        `json:"runs"`
	Failures       int        `json:"failures"`
	LastSettledDay *uint64    `json:"last_settled_day,omitempty"`
	LastRun        *RunResult `json:"last_run,omitempty"`
}

// Status reports the current scheduler snapshot.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := Status{
		Paused:   s.paused,
		Interval: s.interval.String(),
		Runs:     s.runs,
		Failures: s.failures,
	}
	if s.hasSettled {
		day := s.lastDay
		status.LastSettledDay = &day
	}
	if s.lastRun != nil {
		run := *s.lastRun
		status.LastRun = &run
	}
	return status
}
