package subscription

import (
	"encoding/binary"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var receiptDomain = []byte("dailymint/receipt")

// deriveReceiptID binds the identifier to the subscriber and a monotonically
// increasing nonce so a re-opened subscription never reuses a burned id.
func deriveReceiptID(subscriber Address, nonce uint64) ReceiptID {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return ReceiptID(ethcrypto.Keccak256Hash(receiptDomain, subscriber[:], buf[:]))
}

// issueReceipt mints the receipt paired with a new subscription inside tx.
func issueReceipt(tx StateTx, acc *Accounting, subscriber Address, day uint64) (*Receipt, error) {
	acc.ReceiptNonce++
	receipt := &Receipt{
		ID:         deriveReceiptID(subscriber, acc.ReceiptNonce),
		Holder:     subscriber,
		Subscriber: subscriber,
		IssuedDay:  day,
	}
	if err := tx.ReceiptPut(receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

// burnReceipt destroys the receipt inside tx.
func burnReceipt(tx StateTx, id ReceiptID) error {
	return tx.ReceiptDelete(id)
}
