package types

import (
	"encoding/hex"
	"fmt"
	"strings"

	"dailymint/crypto"
)

// Address identifies a subscriber, recipient, operator or custody account.
type Address [20]byte

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool { return a == Address{} }

// Hex renders the address as 0x-prefixed lowercase hex.
func (a Address) Hex() string { return "0x" + hex.EncodeToString(a[:]) }

// String implements fmt.Stringer using the hex form.
func (a Address) String() string { return a.Hex() }

// Bech32 renders the address with the ledger prefix.
func (a Address) Bech32() string {
	encoded, err := crypto.EncodeBech32(crypto.MintPrefix, a[:])
	if err != nil {
		return a.Hex()
	}
	return encoded
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) { return []byte(a.Hex()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress accepts 0x-prefixed hex, bare hex or a bech32 address carrying
// the ledger prefix.
func ParseAddress(raw string) (Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Address{}, fmt.Errorf("address required")
	}
	if strings.HasPrefix(strings.ToLower(trimmed), string(crypto.MintPrefix)+"1") {
		prefix, payload, err := crypto.DecodeBech32(trimmed)
		if err != nil {
			return Address{}, err
		}
		if prefix != crypto.MintPrefix {
			return Address{}, fmt.Errorf("unexpected address prefix %q", prefix)
		}
		var out Address
		copy(out[:], payload)
		return out, nil
	}
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", raw, err)
	}
	if len(decoded) != len(Address{}) {
		return Address{}, fmt.Errorf("address must be 20 bytes, got %d", len(decoded))
	}
	var out Address
	copy(out[:], decoded)
	return out, nil
}
