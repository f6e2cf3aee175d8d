package reference

import (
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Unique(t *testing.T) {
	seen := make(map[solana.PublicKey]struct{})
	for i := 0; i < 1000; i++ {
		ref, err := New()
		require.NoError(t, err)
		_, dup := seen[ref]
		require.False(t, dup, "duplicate reference %s", ref)
		seen[ref] = struct{}{}
	}
}

func TestNew_EntropyFailure(t *testing.T) {
	g := Generator{newKey: func() (solana.PrivateKey, error) {
		return nil, errors.New("read /dev/urandom: no such device")
	}}

	_, err := g.New()
	assert.ErrorIs(t, err, ErrEntropyUnavailable)
}

func TestParse_RoundTrip(t *testing.T) {
	ref, err := New()
	require.NoError(t, err)

	parsed, err := Parse(ref.String())
	require.NoError(t, err)
	assert.True(t, ref.Equals(parsed))
}

func TestParse_Malformed(t *testing.T) {
	for _, s := range []string{"", "not-base58-0OIl", "abc"} {
		_, err := Parse(s)
		assert.ErrorIs(t, err, ErrMalformed, s)
	}
}
