package state

var (
	subscriptionPrefix   = []byte("subscription/record/")
	subscriptionIndexKey = []byte("subscription/index")
	receiptPrefix        = []byte("subscription/receipt/")
	accountingKey        = []byte("subscription/accounting")
)

func prefixed(prefix []byte, id []byte) []byte {
	key := make([]byte, len(prefix)+len(id))
	copy(key, prefix)
	copy(key[len(prefix):], id)
	return key
}
