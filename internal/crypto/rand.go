package crypto

import (
	"crypto/rand"
	"fmt"
)

// RandomBytes returns n cryptographically random bytes. It fails fast
// rather than silently returning short or predictable output.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return b, nil
}
