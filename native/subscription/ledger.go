package subscription

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"dailymint/native/fees"
)

// SubscribeRequest captures the inputs for opening a subscription.
type SubscribeRequest struct {
	// Amount is the deposit; it must equal the quote for the declared length.
	Amount *uint256.Int
	// MintPerDay is the number of units delivered per settled day.
	MintPerDay uint8
	// LengthDays sizes the required deposit. It is not stored.
	LengthDays uint32
	// Recipient overrides the delivery address. Nil delivers to the caller.
	Recipient *Address
}

// Quote prices a subscription of the supplied shape at the current oracle
// price and fee rate.
func (e *Engine) Quote(ctx context.Context, mintPerDay uint8, lengthDays uint32) (fees.Quote, uint64, error) {
	if mintPerDay == 0 {
		return fees.Quote{}, 0, ErrZeroMintPerDay
	}
	if lengthDays == 0 {
		return fees.Quote{}, 0, ErrZeroLength
	}
	if err := e.ready(); err != nil {
		return fees.Quote{}, 0, err
	}
	var feeBps uint32
	if err := e.read(func(tx StateTx) error {
		acc, err := loadAccounting(tx, e.cfg.InitialFeeBps)
		if err != nil {
			return err
		}
		feeBps = acc.FeeBps
		return nil
	}); err != nil {
		return fees.Quote{}, 0, err
	}
	price, day, err := e.readOracle(ctx)
	if err != nil {
		return fees.Quote{}, 0, err
	}
	quote, err := fees.SubscriptionQuote(price, mintPerDay, lengthDays, feeBps)
	if err != nil {
		return fees.Quote{}, 0, overflow(err)
	}
	return quote, day, nil
}

func (e *Engine) readOracle(ctx context.Context) (*uint256.Int, uint64, error) {
	price, day, err := ReadOracle(ctx, e.oracle)
	if err != nil {
		return nil, 0, fmt.Errorf("subscription engine: %w", err)
	}
	return price, day, nil
}

// Subscribe opens a subscription for caller. The deposit must equal the quote
// exactly; the funds move from caller into the vault and the paired receipt is
// issued in the same transaction.
func (e *Engine) Subscribe(ctx context.Context, caller Address, req SubscribeRequest) (*Subscription, *Receipt, error) {
	if req.Amount == nil || req.Amount.IsZero() {
		return nil, nil, ErrZeroAmount
	}
	if req.MintPerDay == 0 {
		return nil, nil, ErrZeroMintPerDay
	}
	if req.LengthDays == 0 {
		return nil, nil, ErrZeroLength
	}
	recipient := caller
	if req.Recipient != nil {
		if req.Recipient.IsZero() {
			return nil, nil, ErrInvalidRecipient
		}
		recipient = *req.Recipient
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	o, err := e.begin()
	if err != nil {
		return nil, nil, err
	}
	sub, receipt, err := e.subscribe(ctx, o, caller, recipient, req)
	if err != nil {
		e.abort(ctx, o)
		return nil, nil, err
	}
	if err := e.commit(ctx, o, ErrTransferFailed); err != nil {
		return nil, nil, err
	}
	return sub, receipt, nil
}

func (e *Engine) subscribe(ctx context.Context, o *op, caller, recipient Address, req SubscribeRequest) (*Subscription, *Receipt, error) {
	if _, exists, err := o.tx.SubscriptionGet(caller); err != nil {
		return nil, nil, err
	} else if exists {
		return nil, nil, ErrAlreadySubscribed
	}
	acc, err := loadAccounting(o.tx, e.cfg.InitialFeeBps)
	if err != nil {
		return nil, nil, err
	}
	price, day, err := e.readOracle(ctx)
	if err != nil {
		return nil, nil, err
	}
	quote, err := fees.SubscriptionQuote(price, req.MintPerDay, req.LengthDays, acc.FeeBps)
	if err != nil {
		return nil, nil, overflow(err)
	}
	if !quote.Total.Eq(req.Amount) {
		return nil, nil, fmt.Errorf("%w: sent %s, required %s", ErrAmountMismatch, req.Amount.Dec(), quote.Total.Dec())
	}
	settlement, err := e.settlement(ctx, o)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	if err := settlement.Pay(ctx, caller, e.cfg.Vault, req.Amount); err != nil {
		return nil, nil, fmt.Errorf("%w: deposit: %w", ErrTransferFailed, err)
	}
	receipt, err := issueReceipt(o.tx, acc, caller, day)
	if err != nil {
		return nil, nil, err
	}
	sub := &Subscription{
		Subscriber: caller,
		Owner:      caller,
		Recipient:  recipient,
		Balance:    req.Amount.Clone(),
		MintPerDay: req.MintPerDay,
		CreatedDay: day,
		ReceiptID:  receipt.ID,
	}
	if err := o.tx.SubscriptionPut(sub); err != nil {
		return nil, nil, err
	}
	if err := o.tx.AccountingPut(acc); err != nil {
		return nil, nil, err
	}
	o.emit(NewSubscribedEvent(sub))
	return sub.Clone(), receipt.Clone(), nil
}

// Deposit tops up the caller's escrow balance.
func (e *Engine) Deposit(ctx context.Context, caller Address, amount *uint256.Int) (*Subscription, error) {
	if amount == nil || amount.IsZero() {
		return nil, ErrZeroAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o, err := e.begin()
	if err != nil {
		return nil, err
	}
	sub, err := e.deposit(ctx, o, caller, amount)
	if err != nil {
		e.abort(ctx, o)
		return nil, err
	}
	if err := e.commit(ctx, o, ErrTransferFailed); err != nil {
		return nil, err
	}
	return sub, nil
}

func (e *Engine) deposit(ctx context.Context, o *op, caller Address, amount *uint256.Int) (*Subscription, error) {
	sub, exists, err := o.tx.SubscriptionGet(caller)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotSubscribed
	}
	balance, err := fees.Add(sub.Balance, amount)
	if err != nil {
		return nil, ErrBalanceOverflow
	}
	settlement, err := e.settlement(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	if err := settlement.Pay(ctx, caller, e.cfg.Vault, amount); err != nil {
		return nil, fmt.Errorf("%w: deposit: %w", ErrTransferFailed, err)
	}
	sub.Balance = balance
	if err := o.tx.SubscriptionPut(sub); err != nil {
		return nil, err
	}
	o.emit(NewExtendedEvent(sub, amount))
	return sub.Clone(), nil
}

// Close deletes the subscription paired with receiptID, burns the receipt and
// refunds the remaining balance to the subscription's owner. The caller must
// hold the receipt.
func (e *Engine) Close(ctx context.Context, caller Address, receiptID ReceiptID) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, err := e.begin()
	if err != nil {
		return nil, err
	}
	refund, err := e.close(ctx, o, caller, receiptID)
	if err != nil {
		e.abort(ctx, o)
		return nil, err
	}
	if err := e.commit(ctx, o, ErrRefundFailed); err != nil {
		return nil, err
	}
	return refund, nil
}

func (e *Engine) close(ctx context.Context, o *op, caller Address, receiptID ReceiptID) (*uint256.Int, error) {
	receipt, ok, err := o.tx.ReceiptGet(receiptID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrReceiptNotFound
	}
	if receipt.Holder != caller {
		return nil, ErrOwnershipMismatch
	}
	sub, exists, err := o.tx.SubscriptionGet(receipt.Subscriber)
	if err != nil {
		return nil, err
	}
	if !exists || sub.ReceiptID != receiptID {
		return nil, ErrNotSubscribed
	}
	if sub.Balance == nil || sub.Balance.IsZero() {
		return nil, ErrNoBalance
	}
	refund := sub.Balance.Clone()
	if err := o.tx.SubscriptionDelete(sub.Subscriber); err != nil {
		return nil, err
	}
	if err := burnReceipt(o.tx, receiptID); err != nil {
		return nil, err
	}
	settlement, err := e.settlement(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRefundFailed, err)
	}
	if err := settlement.Pay(ctx, e.cfg.Vault, sub.Owner, refund); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRefundFailed, err)
	}
	o.emit(NewClosedEvent(sub, refund))
	return refund, nil
}

// Subscription returns the active subscription for subscriber.
func (e *Engine) Subscription(subscriber Address) (*Subscription, bool, error) {
	var (
		out *Subscription
		ok  bool
	)
	err := e.read(func(tx StateTx) error {
		sub, exists, err := tx.SubscriptionGet(subscriber)
		if err != nil {
			return err
		}
		out, ok = sub, exists
		return nil
	})
	return out, ok, err
}

// Receipt returns the receipt with the supplied identifier.
func (e *Engine) Receipt(id ReceiptID) (*Receipt, bool, error) {
	var (
		out *Receipt
		ok  bool
	)
	err := e.read(func(tx StateTx) error {
		receipt, exists, err := tx.ReceiptGet(id)
		if err != nil {
			return err
		}
		out, ok = receipt, exists
		return nil
	})
	return out, ok, err
}

// ReceiptOf returns the receipt paired with subscriber's active subscription.
func (e *Engine) ReceiptOf(subscriber Address) (*Receipt, bool, error) {
	var (
		out *Receipt
		ok  bool
	)
	err := e.read(func(tx StateTx) error {
		sub, exists, err := tx.SubscriptionGet(subscriber)
		if err != nil || !exists {
			return err
		}
		receipt, found, err := tx.ReceiptGet(sub.ReceiptID)
		if err != nil {
			return err
		}
		out, ok = receipt, found
		return nil
	})
	return out, ok, err
}
