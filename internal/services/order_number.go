package services

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

const orderNumberPrefix = "ORD"

// OrderNumberGenerator mints human-readable order numbers. Numbers are not
// guaranteed unique by construction; the repository's create semantics reject
// duplicates and the orchestrator retries with a fresh number.
type OrderNumberGenerator func(now time.Time) (string, error)

// DefaultOrderNumberGenerator produces "ORD" + UTC timestamp + six random
// digits, e.g. ORD20260828153000042917.
func DefaultOrderNumberGenerator(now time.Time) (string, error) {
	suffix, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("order number: %w", err)
	}
	return fmt.Sprintf("%s%s%06d", orderNumberPrefix, now.UTC().Format("20060102150405"), suffix.Int64()), nil
}
