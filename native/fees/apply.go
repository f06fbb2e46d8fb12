package fees

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// BasisPointsDenominator is the divisor applied to basis-point rates.
	BasisPointsDenominator = 10_000
	// MaxFeeBps caps the protocol fee at 10%.
	MaxFeeBps = 1_000
)

var (
	// ErrOverflow is returned when an intermediate value exceeds 256 bits.
	ErrOverflow = errors.New("fees: arithmetic overflow")
	// ErrRateTooHigh is returned when a rate exceeds MaxFeeBps.
	ErrRateTooHigh = errors.New("fees: rate above cap")
)

var denominator = uint256.NewInt(BasisPointsDenominator)

// ValidateRate ensures the supplied basis-point rate is within the cap.
func ValidateRate(bps uint32) error {
	if bps > MaxFeeBps {
		return fmt.Errorf("%w: %d > %d", ErrRateTooHigh, bps, MaxFeeBps)
	}
	return nil
}

// Zero returns a fresh zero amount.
func Zero() *uint256.Int { return new(uint256.Int) }

// Clone copies the amount, mapping nil to zero.
func Clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}

// Portion computes amount * bps / 10000 rounding down.
func Portion(amount *uint256.Int, bps uint32) (*uint256.Int, error) {
	scaled, overflow := new(uint256.Int).MulOverflow(Clone(amount), uint256.NewInt(uint64(bps)))
	if overflow {
		return nil, ErrOverflow
	}
	return scaled.Div(scaled, denominator), nil
}

// MulUint multiplies the amount by n with overflow detection.
func MulUint(amount *uint256.Int, n uint64) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).MulOverflow(Clone(amount), uint256.NewInt(n))
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// Add sums two amounts with overflow detection.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).AddOverflow(Clone(a), Clone(b))
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// Quote is the deposit required to open a subscription of the given length.
type Quote struct {
	UnitPrice  *uint256.Int
	MintPerDay uint8
	LengthDays uint32
	FeeBps     uint32
	Subtotal   *uint256.Int
	Fee        *uint256.Int
	Total      *uint256.Int
}

// SubscriptionQuote computes subtotal = price * perDay * days, the fee on the
// subtotal and their sum.
func SubscriptionQuote(price *uint256.Int, perDay uint8, days uint32, bps uint32) (Quote, error) {
	if err := ValidateRate(bps); err != nil {
		return Quote{}, err
	}
	perDaySpend, err := MulUint(price, uint64(perDay))
	if err != nil {
		return Quote{}, err
	}
	subtotal, err := MulUint(perDaySpend, uint64(days))
	if err != nil {
		return Quote{}, err
	}
	fee, err := Portion(subtotal, bps)
	if err != nil {
		return Quote{}, err
	}
	total, err := Add(subtotal, fee)
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		UnitPrice:  Clone(price),
		MintPerDay: perDay,
		LengthDays: days,
		FeeBps:     bps,
		Subtotal:   subtotal,
		Fee:        fee,
		Total:      total,
	}, nil
}

// UnitCost captures the per-unit price and fee used for one settlement batch.
type UnitCost struct {
	Price        *uint256.Int
	Fee          *uint256.Int
	PriceWithFee *uint256.Int
}

// UnitCostFor derives the fee-inclusive unit price for the supplied rate.
func UnitCostFor(price *uint256.Int, bps uint32) (UnitCost, error) {
	if err := ValidateRate(bps); err != nil {
		return UnitCost{}, err
	}
	fee, err := Portion(price, bps)
	if err != nil {
		return UnitCost{}, err
	}
	withFee, err := Add(price, fee)
	if err != nil {
		return UnitCost{}, err
	}
	return UnitCost{Price: Clone(price), Fee: fee, PriceWithFee: withFee}, nil
}

// ForUnits returns the total cost and the fee portion for n units.
func (u UnitCost) ForUnits(n uint64) (cost, fee *uint256.Int, err error) {
	cost, err = MulUint(u.PriceWithFee, n)
	if err != nil {
		return nil, nil, err
	}
	fee, err = MulUint(u.Fee, n)
	if err != nil {
		return nil, nil, err
	}
	return cost, fee, nil
}
