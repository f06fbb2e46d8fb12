package types

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseAddressForms(t *testing.T) {
	var want Address
	copy(want[:], bytes.Repeat([]byte{0xAB}, 20))

	forms := []string{want.Hex(), strings.TrimPrefix(want.Hex(), "0x"), want.Bech32(), "  " + want.Hex() + " "}
	for _, form := range forms {
		got, err := ParseAddress(form)
		if err != nil {
			t.Fatalf("parse %q: %v", form, err)
		}
		if got != want {
			t.Fatalf("parse %q: got %s want %s", form, got, want)
		}
	}
}

func TestParseAddressRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "0x1234", "zz", "mint1qqqq"} {
		if _, err := ParseAddress(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestAddressTextRoundTrip(t *testing.T) {
	var addr Address
	addr[19] = 7
	text, err := addr.MarshalText()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Address
	if err := decoded.UnmarshalText(text); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != addr || decoded.IsZero() {
		t.Fatalf("unexpected decoded address %s", decoded)
	}
}
