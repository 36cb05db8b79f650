package ride

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// NewPickupCode returns a random 4-digit code in [1000, 9999].
func NewPickupCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return "", fmt.Errorf("generate pickup code: %w", err)
	}
	return fmt.Sprintf("%d", 1000+n.Int64()), nil
}
