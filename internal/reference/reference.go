// Package reference mints the one-time keys that tag an order's payment.
//
// A reference is the public half of a freshly generated ed25519 keypair.
// The private half is discarded: the key is never expected to sign, it
// only has to be unique so the payer's transaction can carry it as an
// extra read-only account and be found by it later.
package reference

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	// ErrEntropyUnavailable is returned when the system random source fails.
	ErrEntropyUnavailable = errors.New("entropy unavailable")
	// ErrMalformed is returned by Parse for anything that is not a base58 32-byte key.
	ErrMalformed = errors.New("malformed reference")
)

// Generator produces references. The zero value uses crypto/rand via solana-go.
type Generator struct {
	newKey func() (solana.PrivateKey, error)
}

// New mints a reference using the package default generator.
func New() (solana.PublicKey, error) {
	return Generator{}.New()
}

// New mints a reference.
func (g Generator) New() (solana.PublicKey, error) {
	newKey := g.newKey
	if newKey == nil {
		newKey = solana.NewRandomPrivateKey
	}
	key, err := newKey()
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
	}
	return key.PublicKey(), nil
}

// Parse decodes a base58 reference.
func Parse(s string) (solana.PublicKey, error) {
	if s == "" {
		return solana.PublicKey{}, fmt.Errorf("%w: empty", ErrMalformed)
	}
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return pk, nil
}
