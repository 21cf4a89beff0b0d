package helpers

import (
	"crypto/rand"
	"encoding/hex"
)

// PaymentID returns a random 64-character hex payment id, the discriminator
// used by integrated-address wallet families.
func PaymentID() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails when the platform entropy source is broken.
		panic(err)
	}
	return hex.EncodeToString(b)
}
