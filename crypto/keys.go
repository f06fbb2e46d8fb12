package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the human-readable part used for bech32 addresses.
type AddressPrefix string

// MintPrefix is the prefix applied to ledger addresses.
const MintPrefix AddressPrefix = "mint"

// EncodeBech32 renders a 20-byte address with the supplied prefix.
func EncodeBech32(prefix AddressPrefix, b []byte) (string, error) {
	if len(b) != 20 {
		return "", fmt.Errorf("address must be 20 bytes long, got %d", len(b))
	}
	conv, err := bech32.ConvertBits(b, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(string(prefix), conv)
}

// DecodeBech32 parses a bech32 address and returns its prefix and payload.
func DecodeBech32(addrStr string) (AddressPrefix, []byte, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return "", nil, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return "", nil, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != 20 {
		return "", nil, fmt.Errorf("address must be 20 bytes long, got %d", len(conv))
	}
	return AddressPrefix(prefix), conv, nil
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Address derives the 20-byte account identifier for the key.
func (k *PublicKey) Address() [20]byte {
	return [20]byte(crypto.PubkeyToAddress(*k.PublicKey))
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}
