// Package randhex produces random lowercase hex strings, used for webhook
// secrets and working directory names.
package randhex

import (
	"crypto/rand"
	"encoding/hex"
)

// String returns a random hex string of exactly n characters.
func String(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(buf)[:n]
}
