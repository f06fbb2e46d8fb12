package subscription

import (
	"errors"
	"fmt"
)

var (
	errNilState    = errors.New("subscription engine: state not configured")
	errNilOracle   = errors.New("subscription engine: price oracle not configured")
	errNilLedger   = errors.New("subscription engine: settlement ledger not configured")
	errNilIdentity = errors.New("subscription engine: vault, operator and owner must be configured")
)

// Input errors.
var (
	ErrZeroAmount       = errors.New("subscription: amount must be positive")
	ErrZeroMintPerDay   = errors.New("subscription: mint per day must be positive")
	ErrZeroLength       = errors.New("subscription: length in days must be positive")
	ErrInvalidRecipient = errors.New("subscription: recipient must not be the zero address")
	ErrFeeTooHigh       = errors.New("subscription: fee rate above cap")
	ErrBalanceOverflow  = errors.New("subscription: balance would overflow")
)

// State conflicts.
var (
	ErrAlreadySubscribed = errors.New("subscription: already subscribed")
	ErrNotSubscribed     = errors.New("subscription: not subscribed")
	ErrNoBalance         = errors.New("subscription: no balance to refund")
	ErrReceiptNotFound   = errors.New("subscription: receipt not found")
	ErrNoCompletedDay    = errors.New("subscription: no completed day to settle")
)

// Authorization failures.
var (
	ErrNotAuthorized     = errors.New("subscription: caller not authorized")
	ErrOwnershipMismatch = errors.New("subscription: caller does not hold receipt")
)

// Arithmetic mismatches.
var (
	ErrAmountMismatch     = errors.New("subscription: amount does not match quote")
	ErrInsufficientMinted = errors.New("subscription: minted units do not match expected total")
	ErrArithmeticOverflow = errors.New("subscription: arithmetic overflow")
)

// Transfer failures.
var (
	ErrRefundFailed   = errors.New("subscription: refund failed")
	ErrWithdrawFailed = errors.New("subscription: withdraw failed")
	ErrTransferFailed = errors.New("subscription: settlement transfer failed")
)

// Kind groups errors by the class of failure they represent.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInput
	KindStateConflict
	KindAuthorization
	KindArithmeticMismatch
	KindTransferFailure
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindStateConflict:
		return "state_conflict"
	case KindAuthorization:
		return "authorization"
	case KindArithmeticMismatch:
		return "arithmetic_mismatch"
	case KindTransferFailure:
		return "transfer_failure"
	default:
		return "unknown"
	}
}

var kinds = map[Kind][]error{
	KindInput:              {ErrZeroAmount, ErrZeroMintPerDay, ErrZeroLength, ErrInvalidRecipient, ErrFeeTooHigh, ErrBalanceOverflow},
	KindStateConflict:      {ErrAlreadySubscribed, ErrNotSubscribed, ErrNoBalance, ErrReceiptNotFound, ErrNoCompletedDay},
	KindAuthorization:      {ErrNotAuthorized, ErrOwnershipMismatch},
	KindArithmeticMismatch: {ErrAmountMismatch, ErrInsufficientMinted, ErrArithmeticOverflow},
	KindTransferFailure:    {ErrRefundFailed, ErrWithdrawFailed, ErrTransferFailed},
}

// KindOf classifies err, unwrapping as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for kind, sentinels := range kinds {
		for _, sentinel := range sentinels {
			if errors.Is(err, sentinel) {
				return kind
			}
		}
	}
	return KindUnknown
}

// ReconciliationError reports a batch whose settled units disagree with the
// operator's expected total. The skip list lets the operator correct the
// candidate list before resubmitting.
type ReconciliationError struct {
	TargetDay uint64
	Expected  uint64
	Minted    uint64
	Skips     []Skip
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("%v: day %d expected %d minted %d (%d skipped)", ErrInsufficientMinted, e.TargetDay, e.Expected, e.Minted, len(e.Skips))
}

// Unwrap exposes ErrInsufficientMinted to errors.Is.
func (e *ReconciliationError) Unwrap() error { return ErrInsufficientMinted }
