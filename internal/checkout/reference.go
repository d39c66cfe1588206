package checkout

import (
	"crypto/rand"
	"math/big"
)

const (
	referenceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	referenceLength   = 8
)

// NewReference produces a human-readable order reference like "ORD-7K2PQ9XF".
// Uniqueness is enforced by the database; the caller retries on collision.
func NewReference(prefix string) string {
	buf := make([]byte, referenceLength)
	max := big.NewInt(int64(len(referenceAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err) // crypto/rand failure is not recoverable
		}
		buf[i] = referenceAlphabet[n.Int64()]
	}
	return prefix + "-" + string(buf)
}
