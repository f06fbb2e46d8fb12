package mintd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"dailymint/core/types"
	"dailymint/native/subscription"
	"dailymint/services/mintd/index"
)

func TestSchedulerSettlesOncePerDay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, alice, 2, 5)
	f.subscribe(t, bob, 1, 1)
	f.oracle.SetDay(2)
	scheduler := NewScheduler(f.engine, f.planner, operator)

	result, err := scheduler.RunOnce(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, result.RunID)
	require.Equal(t, uint64(1), result.TargetDay)
	require.Equal(t, uint64(3), result.Expected)
	require.Equal(t, uint64(3), result.Minted)
	require.Equal(t, 2, result.Settled)
	require.Zero(t, result.Skipped)
	require.False(t, result.AlreadyRan)
	require.Len(t, f.recorder.OfType(subscription.EventTypeBatchSettled), 1)

	again, err := scheduler.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, again.AlreadyRan)
	require.Len(t, f.recorder.OfType(subscription.EventTypeBatchSettled), 1)

	status := scheduler.Status()
	require.Equal(t, 1, status.Runs)
	require.Zero(t, status.Failures)
	require.NotNil(t, status.LastSettledDay)
	require.Equal(t, uint64(1), *status.LastSettledDay)
	require.NotNil(t, status.LastRun)
	require.Equal(t, result.RunID, status.LastRun.RunID)

	f.oracle.SetDay(3)
	next, err := scheduler.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), next.TargetDay)
	require.Equal(t, uint64(2), next.Minted)
}

func TestSchedulerPauseBlocksRuns(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, alice, 1, 2)
	f.oracle.SetDay(2)
	scheduler := NewScheduler(f.engine, f.planner, operator)

	scheduler.Pause()
	require.True(t, scheduler.Status().Paused)
	_, err := scheduler.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrSchedulerPaused)

	scheduler.Resume()
	result, err := scheduler.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), result.Minted)
}

func TestSchedulerIdleBeforeFirstCompletedDay(t *testing.T) {
	f := newFixture(t)
	f.oracle.SetDay(0)
	scheduler := NewScheduler(f.engine, f.planner, operator)

	_, err := scheduler.RunOnce(context.Background())
	require.ErrorIs(t, err, subscription.ErrNoCompletedDay)
	status := scheduler.Status()
	require.Zero(t, status.Failures)
	require.Nil(t, status.LastRun)
}

func TestSchedulerRecordsUnauthorizedFailure(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, alice, 1, 2)
	f.oracle.SetDay(2)
	scheduler := NewScheduler(f.engine, f.planner, carol)

	result, err := scheduler.RunOnce(context.Background())
	require.ErrorIs(t, err, subscription.ErrNotAuthorized)
	require.NotEmpty(t, result.Error)
	require.Equal(t, 1, scheduler.Status().Failures)
}

// flakySettler fails its first call with a reconciliation error.
type flakySettler struct {
	calls     int
	expected  []uint64
	reconcile bool
}

func (s *flakySettler) SettleDaily(_ context.Context, _ types.Address, _ []types.Address, expected uint64) (*subscription.BatchReport, error) {
	s.calls++
	s.expected = append(s.expected, expected)
	if s.calls == 1 || s.reconcile {
		return nil, &subscription.ReconciliationError{TargetDay: 1, Expected: expected, Minted: expected - 1}
	}
	return &subscription.BatchReport{TargetDay: 1, Expected: expected, Minted: expected}, nil
}

func (s *flakySettler) Withdrawable() (*uint256.Int, error) { return new(uint256.Int), nil }

func TestSchedulerReplansOnceAfterReconciliationFailure(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, alice, 2, 2)
	f.oracle.SetDay(2)

	settler := &flakySettler{}
	scheduler := NewScheduler(settler, f.planner, operator)
	result, err := scheduler.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, result.Replanned)
	require.Equal(t, 2, settler.calls)
	require.Equal(t, []uint64{2, 2}, settler.expected)

	stuck := &flakySettler{reconcile: true}
	scheduler = NewScheduler(stuck, f.planner, operator)
	result, err = scheduler.RunOnce(context.Background())
	var recon *subscription.ReconciliationError
	require.True(t, errors.As(err, &recon))
	require.ErrorIs(t, err, subscription.ErrInsufficientMinted)
	require.True(t, result.Replanned)
	require.Equal(t, 2, stuck.calls)
}

func TestSchedulerRunLoop(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, alice, 1, 3)
	f.oracle.SetDay(2)
	scheduler := NewScheduler(f.engine, f.planner, operator, WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx) }()

	require.Eventually(t, func() bool { return scheduler.Status().Runs == 1 }, time.Second, 5*time.Millisecond)
	f.oracle.SetDay(3)
	require.Eventually(t, func() bool { return scheduler.Status().Runs == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatalf("scheduler did not stop")
	}
	require.Len(t, f.recorder.OfType(subscription.EventTypeBatchSettled), 2)
}

type recordingReporter struct {
	days []uint64
	err  error
}

func (r *recordingReporter) WriteDailyReport(_ context.Context, day uint64) (*index.ReportFiles, error) {
	r.days = append(r.days, day)
	if r.err != nil {
		return nil, r.err
	}
	return &index.ReportFiles{Day: day, Rows: 1}, nil
}

func TestSchedulerWritesReportAfterCommit(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, alice, 1, 3)
	f.oracle.SetDay(2)

	reporter := &recordingReporter{}
	scheduler := NewScheduler(f.engine, f.planner, operator, WithReporter(reporter))
	result, err := scheduler.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result.Report)
	require.Equal(t, []uint64{1}, reporter.days)

	_, err = scheduler.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, reporter.days)

	failing := &recordingReporter{err: errors.New("disk full")}
	f.oracle.SetDay(3)
	scheduler = NewScheduler(f.engine, f.planner, operator, WithReporter(failing))
	result, err = scheduler.RunOnce(context.Background())
	require.NoError(t, err)
	require.Nil(t, result.Report)
	require.Equal(t, uint64(1), result.Minted)
}
