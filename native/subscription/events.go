package subscription

import (
	"strconv"

	"github.com/holiman/uint256"

	"dailymint/core/types"
	"dailymint/native/fees"
)

const (
	EventTypeSubscribed              = "subscription.subscribed"
	EventTypeExtended                = "subscription.extended"
	EventTypeClosed                  = "subscription.closed"
	EventTypeFeeUpdated              = "subscription.fee_updated"
	EventTypeFeesWithdrawn           = "subscription.fees_withdrawn"
	EventTypeSkipBalanceZero         = "subscription.skip.balance_zero"
	EventTypeSkipInsufficientBalance = "subscription.skip.insufficient_balance"
	EventTypeSkipAlreadySettled      = "subscription.skip.already_settled"
	EventTypeSettled                 = "subscription.settled"
	EventTypeBatchSettled            = "subscription.batch_settled"
)

func amountString(v *uint256.Int) string { return fees.Clone(v).Dec() }

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

// NewSubscribedEvent returns the payload emitted when a subscription opens.
func NewSubscribedEvent(sub *Subscription) *types.Event {
	return &types.Event{
		Type: EventTypeSubscribed,
		Attributes: map[string]string{
			"subscriber": sub.Subscriber.Hex(),
			"owner":      sub.Owner.Hex(),
			"recipient":  sub.Recipient.Hex(),
			"balance":    amountString(sub.Balance),
			"mintPerDay": u64(uint64(sub.MintPerDay)),
			"receiptId":  sub.ReceiptID.String(),
			"createdDay": u64(sub.CreatedDay),
		},
	}
}

// NewExtendedEvent returns the payload emitted when a subscriber tops up.
func NewExtendedEvent(sub *Subscription, amount *uint256.Int) *types.Event {
	return &types.Event{
		Type: EventTypeExtended,
		Attributes: map[string]string{
			"subscriber": sub.Subscriber.Hex(),
			"amount":     amountString(amount),
			"balance":    amountString(sub.Balance),
		},
	}
}

// NewClosedEvent returns the payload emitted when a subscription is closed and
// its balance refunded to the owner.
func NewClosedEvent(sub *Subscription, refund *uint256.Int) *types.Event {
	return &types.Event{
		Type: EventTypeClosed,
		Attributes: map[string]string{
			"subscriber": sub.Subscriber.Hex(),
			"owner":      sub.Owner.Hex(),
			"receiptId":  sub.ReceiptID.String(),
			"refund":     amountString(refund),
		},
	}
}

// NewFeeUpdatedEvent returns the payload emitted when the fee rate changes.
func NewFeeUpdatedEvent(previous, next uint32) *types.Event {
	return &types.Event{
		Type: EventTypeFeeUpdated,
		Attributes: map[string]string{
			"previousFeeBps": u64(uint64(previous)),
			"feeBps":         u64(uint64(next)),
		},
	}
}

// NewFeesWithdrawnEvent returns the payload emitted when accrued fees are paid
// out to the protocol owner.
func NewFeesWithdrawnEvent(to Address, amount *uint256.Int) *types.Event {
	return &types.Event{
		Type: EventTypeFeesWithdrawn,
		Attributes: map[string]string{
			"to":     to.Hex(),
			"amount": amountString(amount),
		},
	}
}

// NewSkipEvent returns the payload describing a candidate skipped in a batch.
func NewSkipEvent(skip Skip) *types.Event {
	attrs := map[string]string{
		"subscriber": skip.Subscriber.Hex(),
		"balance":    amountString(skip.Balance),
		"targetDay":  u64(skip.TargetDay),
	}
	var eventType string
	switch skip.Reason {
	case SkipBalanceZero:
		eventType = EventTypeSkipBalanceZero
		attrs["mintPerDay"] = u64(uint64(skip.MintPerDay))
	case SkipInsufficientBalance:
		eventType = EventTypeSkipInsufficientBalance
		attrs["cost"] = amountString(skip.Cost)
	case SkipAlreadySettled:
		eventType = EventTypeSkipAlreadySettled
		attrs["lastSettledDay"] = u64(skip.LastSettledDay)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

// NewSettledEvent returns the payload for one settled candidate.
func NewSettledEvent(entry SettledEntry, day uint64) *types.Event {
	return &types.Event{
		Type: EventTypeSettled,
		Attributes: map[string]string{
			"subscriber": entry.Subscriber.Hex(),
			"recipient":  entry.Recipient.Hex(),
			"units":      u64(uint64(entry.Units)),
			"cost":       amountString(entry.Cost),
			"fee":        amountString(entry.Fee),
			"balance":    amountString(entry.Balance),
			"day":        u64(day),
		},
	}
}

// NewBatchSettledEvent returns the summary payload for a committed batch.
func NewBatchSettledEvent(report *BatchReport) *types.Event {
	return &types.Event{
		Type: EventTypeBatchSettled,
		Attributes: map[string]string{
			"day":       u64(report.TargetDay),
			"unitPrice": amountString(report.UnitPrice),
			"unitFee":   amountString(report.UnitFee),
			"minted":    u64(report.Minted),
			"settled":   strconv.Itoa(len(report.Settled)),
			"skipped":   strconv.Itoa(len(report.Skips)),
			"feeBps":    u64(uint64(report.FeeBps)),
		},
	}
}
