package subscription

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"dailymint/native/fees"
)

// SetFeeRate replaces the protocol fee rate. The new rate applies to every
// quote and settlement from the next call onwards.
func (e *Engine) SetFeeRate(caller Address, bps uint32) error {
	if caller != e.cfg.Owner {
		return ErrNotAuthorized
	}
	if err := fees.ValidateRate(bps); err != nil {
		return fmt.Errorf("%w: %d bps", ErrFeeTooHigh, bps)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o, err := e.begin()
	if err != nil {
		return err
	}
	if err := e.setFeeRate(o, bps); err != nil {
		e.abort(context.Background(), o)
		return err
	}
	return e.commit(context.Background(), o, ErrTransferFailed)
}

func (e *Engine) setFeeRate(o *op, bps uint32) error {
	acc, err := loadAccounting(o.tx, e.cfg.InitialFeeBps)
	if err != nil {
		return err
	}
	previous := acc.FeeBps
	acc.FeeBps = bps
	if err := o.tx.AccountingPut(acc); err != nil {
		return err
	}
	o.emit(NewFeeUpdatedEvent(previous, bps))
	return nil
}

// Withdraw pays every accrued fee from the vault to the protocol owner. Any
// caller may trigger it. A failed payment leaves the accumulator untouched.
func (e *Engine) Withdraw(ctx context.Context, caller Address) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, err := e.begin()
	if err != nil {
		return nil, err
	}
	amount, err := e.withdraw(ctx, o)
	if err != nil {
		e.abort(ctx, o)
		return nil, err
	}
	if amount.IsZero() {
		e.abort(ctx, o)
		return amount, nil
	}
	if err := e.commit(ctx, o, ErrWithdrawFailed); err != nil {
		return nil, err
	}
	e.logger.Info("protocol fees withdrawn", "caller", caller.Hex(), "to", e.cfg.Owner.Hex(), "amount", amount.Dec())
	return amount, nil
}

func (e *Engine) withdraw(ctx context.Context, o *op) (*uint256.Int, error) {
	acc, err := loadAccounting(o.tx, e.cfg.InitialFeeBps)
	if err != nil {
		return nil, err
	}
	amount := fees.Clone(acc.Withdrawable)
	if amount.IsZero() {
		return amount, nil
	}
	acc.Withdrawable = fees.Zero()
	if err := o.tx.AccountingPut(acc); err != nil {
		return nil, err
	}
	settlement, err := e.settlement(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWithdrawFailed, err)
	}
	if err := settlement.Pay(ctx, e.cfg.Vault, e.cfg.Owner, amount); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWithdrawFailed, err)
	}
	o.emit(NewFeesWithdrawnEvent(e.cfg.Owner, amount))
	return amount, nil
}

// Accounting returns a snapshot of the process-wide fee state.
func (e *Engine) Accounting() (*Accounting, error) {
	var out *Accounting
	err := e.read(func(tx StateTx) error {
		acc, err := loadAccounting(tx, e.cfg.InitialFeeBps)
		if err != nil {
			return err
		}
		out = acc.Clone()
		return nil
	})
	return out, err
}

// FeeRate returns the current fee rate in basis points.
func (e *Engine) FeeRate() (uint32, error) {
	acc, err := e.Accounting()
	if err != nil {
		return 0, err
	}
	return acc.FeeBps, nil
}

// Withdrawable returns the fees accrued since the last withdrawal.
func (e *Engine) Withdrawable() (*uint256.Int, error) {
	acc, err := e.Accounting()
	if err != nil {
		return nil, err
	}
	return fees.Clone(acc.Withdrawable), nil
}
