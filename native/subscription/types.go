package subscription

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"dailymint/core/types"
	"dailymint/native/fees"
)

// Address aliases the shared ledger identity type.
type Address = types.Address

// ReceiptID identifies the non-transferable receipt paired with a subscription.
type ReceiptID [32]byte

// String renders the identifier as 0x-prefixed hex.
func (id ReceiptID) String() string { return "0x" + hex.EncodeToString(id[:]) }

// IsZero reports whether the identifier is unset.
func (id ReceiptID) IsZero() bool { return id == ReceiptID{} }

// MarshalText implements encoding.TextMarshaler.
func (id ReceiptID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ReceiptID) UnmarshalText(text []byte) error {
	parsed, err := ParseReceiptID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseReceiptID decodes a hex receipt identifier.
func ParseReceiptID(raw string) (ReceiptID, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return ReceiptID{}, fmt.Errorf("invalid receipt id %q: %w", raw, err)
	}
	if len(decoded) != len(ReceiptID{}) {
		return ReceiptID{}, fmt.Errorf("receipt id must be 32 bytes, got %d", len(decoded))
	}
	var id ReceiptID
	copy(id[:], decoded)
	return id, nil
}

// Subscription is the escrow record authorising recurring daily settlement for
// one subscriber. Presence in the store is the only existence signal; callers
// never infer existence from zero-valued fields.
type Subscription struct {
	Subscriber     Address
	Owner          Address
	Recipient      Address
	Balance        *uint256.Int
	MintPerDay     uint8
	LastSettledDay uint64
	// HasSettled is false until the first debit; LastSettledDay is meaningless
	// before then, so day 0 stays settleable.
	HasSettled bool
	CreatedDay uint64
	ReceiptID  ReceiptID
}

// SettledThrough reports whether day has already been processed for this
// subscription. Days before the last settled one count as processed so the
// marker never moves backwards.
func (s *Subscription) SettledThrough(day uint64) bool {
	return s.HasSettled && day <= s.LastSettledDay
}

// Clone returns a deep copy of the subscription so callers can safely mutate
// the copy without affecting the stored instance.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Balance = fees.Clone(s.Balance)
	return &clone
}

// Validate checks the structural invariants of a stored record.
func (s *Subscription) Validate() error {
	if s == nil {
		return fmt.Errorf("nil subscription")
	}
	if s.Subscriber.IsZero() {
		return fmt.Errorf("subscription subscriber must be set")
	}
	if s.Owner.IsZero() {
		return fmt.Errorf("subscription owner must be set")
	}
	if s.Recipient.IsZero() {
		return fmt.Errorf("subscription recipient must be set")
	}
	if s.MintPerDay == 0 {
		return fmt.Errorf("subscription mint per day must be positive")
	}
	if s.ReceiptID.IsZero() {
		return fmt.Errorf("subscription receipt must be set")
	}
	return nil
}

// Receipt is the identity token minted at subscription creation and burned at
// closure. It cannot be transferred; Holder is fixed at issuance.
type Receipt struct {
	ID         ReceiptID
	Holder     Address
	Subscriber Address
	IssuedDay  uint64
}

// Clone returns a copy of the receipt.
func (r *Receipt) Clone() *Receipt {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

// Accounting is the process-wide fee state.
type Accounting struct {
	FeeBps             uint32
	Withdrawable       *uint256.Int
	ReceiptNonce       uint64
	TotalSettledUnits  uint64
	TotalFeesCollected *uint256.Int
}

// Clone returns a deep copy of the accounting record.
func (a *Accounting) Clone() *Accounting {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Withdrawable = fees.Clone(a.Withdrawable)
	clone.TotalFeesCollected = fees.Clone(a.TotalFeesCollected)
	return &clone
}

func newAccounting(feeBps uint32) *Accounting {
	return &Accounting{
		FeeBps:             feeBps,
		Withdrawable:       fees.Zero(),
		TotalFeesCollected: fees.Zero(),
	}
}
