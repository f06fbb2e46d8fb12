package subscription

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"dailymint/native/fees"
)

// SkipReason names why a candidate was passed over in a batch.
type SkipReason string

const (
	SkipBalanceZero         SkipReason = "balance_zero"
	SkipInsufficientBalance SkipReason = "insufficient_balance"
	SkipAlreadySettled      SkipReason = "already_settled"
)

// Skip describes one candidate that was not settled. Which of Cost and
// LastSettledDay is meaningful depends on Reason.
type Skip struct {
	Subscriber     Address
	Reason         SkipReason
	Balance        *uint256.Int
	MintPerDay     uint8
	Cost           *uint256.Int
	LastSettledDay uint64
	TargetDay      uint64
}

// SettledEntry records a debit and the delivery it paid for.
type SettledEntry struct {
	Subscriber Address
	Recipient  Address
	Units      uint8
	Cost       *uint256.Int
	Fee        *uint256.Int
	// Balance is the escrow remaining after the debit.
	Balance *uint256.Int
}

// BatchReport summarises a committed SettleDaily call.
type BatchReport struct {
	TargetDay       uint64
	UnitPrice       *uint256.Int
	UnitFee         *uint256.Int
	PriceWithFee    *uint256.Int
	FeeBps          uint32
	Expected        uint64
	Minted          uint64
	AcquisitionCost *uint256.Int
	FeesAccrued     *uint256.Int
	Settled         []SettledEntry
	Skips           []Skip
}

// outcome is one candidate's result in list order; exactly one of the fields
// is set.
type outcome struct {
	skip    *Skip
	settled *SettledEntry
}

// SettleDaily runs the batch for the most recently completed day. Every
// candidate is evaluated against staged state in list order; the units that
// would be delivered must equal expected or the batch fails with a
// *ReconciliationError and nothing is acquired or committed.
func (e *Engine) SettleDaily(ctx context.Context, caller Address, candidates []Address, expected uint64) (*BatchReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, err := e.begin()
	if err != nil {
		return nil, err
	}
	report, err := e.settleDaily(ctx, o, caller, candidates, expected)
	if err != nil {
		e.abort(ctx, o)
		return nil, err
	}
	if err := e.commit(ctx, o, ErrTransferFailed); err != nil {
		return nil, err
	}
	return report, nil
}

func (e *Engine) settleDaily(ctx context.Context, o *op, caller Address, candidates []Address, expected uint64) (*BatchReport, error) {
	if caller != e.cfg.Operator {
		return nil, ErrNotAuthorized
	}
	price, currentDay, err := e.readOracle(ctx)
	if err != nil {
		return nil, err
	}
	if currentDay == 0 {
		return nil, ErrNoCompletedDay
	}
	targetDay := currentDay - 1

	acc, err := loadAccounting(o.tx, e.cfg.InitialFeeBps)
	if err != nil {
		return nil, err
	}
	unit, err := fees.UnitCostFor(price, acc.FeeBps)
	if err != nil {
		return nil, overflow(err)
	}

	report := &BatchReport{
		TargetDay:    targetDay,
		UnitPrice:    unit.Price,
		UnitFee:      unit.Fee,
		PriceWithFee: unit.PriceWithFee,
		FeeBps:       acc.FeeBps,
		Expected:     expected,
		FeesAccrued:  fees.Zero(),
	}
	outcomes := make([]outcome, 0, len(candidates))
	for _, candidate := range candidates {
		result, err := e.evaluate(o, candidate, targetDay, unit)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, result)
		if result.skip != nil {
			report.Skips = append(report.Skips, *result.skip)
			continue
		}
		entry := result.settled
		report.Settled = append(report.Settled, *entry)
		report.Minted += uint64(entry.Units)
		if report.FeesAccrued, err = fees.Add(report.FeesAccrued, entry.Fee); err != nil {
			return nil, overflow(err)
		}
	}

	if report.Minted != expected {
		return nil, &ReconciliationError{
			TargetDay: targetDay,
			Expected:  expected,
			Minted:    report.Minted,
			Skips:     report.Skips,
		}
	}

	if acc.Withdrawable, err = fees.Add(acc.Withdrawable, report.FeesAccrued); err != nil {
		return nil, overflow(err)
	}
	if acc.TotalFeesCollected, err = fees.Add(acc.TotalFeesCollected, report.FeesAccrued); err != nil {
		return nil, overflow(err)
	}
	acc.TotalSettledUnits += report.Minted
	if err := o.tx.AccountingPut(acc); err != nil {
		return nil, err
	}

	if report.AcquisitionCost, err = fees.MulUint(unit.Price, expected); err != nil {
		return nil, overflow(err)
	}
	if err := e.deliver(ctx, o, targetDay, report); err != nil {
		return nil, err
	}

	for _, result := range outcomes {
		if result.skip != nil {
			o.emit(NewSkipEvent(*result.skip))
			continue
		}
		o.emit(NewSettledEvent(*result.settled, targetDay))
	}
	o.emit(NewBatchSettledEvent(report))
	return report, nil
}

// evaluate applies the skip rules to one candidate and, when it qualifies,
// stages the debit.
func (e *Engine) evaluate(o *op, candidate Address, targetDay uint64, unit fees.UnitCost) (outcome, error) {
	sub, exists, err := o.tx.SubscriptionGet(candidate)
	if err != nil {
		return outcome{}, err
	}
	if !exists || sub.Balance == nil || sub.Balance.IsZero() {
		skip := &Skip{Subscriber: candidate, Reason: SkipBalanceZero, Balance: fees.Zero(), TargetDay: targetDay}
		if exists {
			skip.MintPerDay = sub.MintPerDay
		}
		return outcome{skip: skip}, nil
	}
	cost, fee, err := unit.ForUnits(uint64(sub.MintPerDay))
	if err != nil {
		return outcome{}, overflow(err)
	}
	if sub.Balance.Lt(cost) {
		return outcome{skip: &Skip{
			Subscriber: candidate,
			Reason:     SkipInsufficientBalance,
			Balance:    sub.Balance.Clone(),
			MintPerDay: sub.MintPerDay,
			Cost:       cost,
			TargetDay:  targetDay,
		}}, nil
	}
	if sub.SettledThrough(targetDay) {
		return outcome{skip: &Skip{
			Subscriber:     candidate,
			Reason:         SkipAlreadySettled,
			Balance:        sub.Balance.Clone(),
			MintPerDay:     sub.MintPerDay,
			LastSettledDay: sub.LastSettledDay,
			TargetDay:      targetDay,
		}}, nil
	}

	sub.Balance = new(uint256.Int).Sub(sub.Balance, cost)
	sub.LastSettledDay = targetDay
	sub.HasSettled = true
	if err := o.tx.SubscriptionPut(sub); err != nil {
		return outcome{}, err
	}
	return outcome{settled: &SettledEntry{
		Subscriber: sub.Subscriber,
		Recipient:  sub.Recipient,
		Units:      sub.MintPerDay,
		Cost:       cost,
		Fee:        fee,
		Balance:    sub.Balance.Clone(),
	}}, nil
}

// deliver acquires the batch's units into vault custody and forwards each
// settled entry's share to its recipient.
func (e *Engine) deliver(ctx context.Context, o *op, targetDay uint64, report *BatchReport) error {
	if report.Expected == 0 {
		return nil
	}
	settlement, err := e.settlement(ctx, o)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	if err := settlement.Acquire(ctx, e.cfg.Vault, targetDay, report.Expected, report.AcquisitionCost); err != nil {
		return fmt.Errorf("%w: acquire day %d: %w", ErrTransferFailed, targetDay, err)
	}
	for _, entry := range report.Settled {
		if err := settlement.Transfer(ctx, e.cfg.Vault, entry.Recipient, targetDay, uint64(entry.Units)); err != nil {
			return fmt.Errorf("%w: deliver to %s: %w", ErrTransferFailed, entry.Recipient.Hex(), err)
		}
	}
	return nil
}
