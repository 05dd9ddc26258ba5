package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateIdentityUnique(t *testing.T) {
	seen := make(map[PeerID]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateIdentity()
		require.NoError(t, err)
		require.False(t, seen[id.PeerID()], "duplicate identity at %d", i)
		seen[id.PeerID()] = true
	}
}

func TestSignDeterministic(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	msg := []byte("e2e4")
	sig1 := id.Sign(msg)
	sig2 := id.Sign(msg)
	assert.Equal(t, sig1, sig2)

	other := id.Sign([]byte("e2e5"))
	assert.NotEqual(t, sig1, other)

	id2, err := GenerateIdentity()
	require.NoError(t, err)
	assert.NotEqual(t, sig1, id2.Sign(msg))
}

func TestVerify(t *testing.T) {
	alice, err := GenerateIdentity()
	require.NoError(t, err)
	bob, err := GenerateIdentity()
	require.NoError(t, err)

	msg := []byte("hello")
	sig := alice.Sign(msg)

	assert.True(t, Verify(alice.PublicKey(), msg, sig))
	assert.False(t, Verify(bob.PublicKey(), msg, sig), "signature must not verify under another key")
}

func TestVerifyBitFlips(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	msg := []byte("the quick brown fox")
	sig := id.Sign(msg)
	pub := id.PublicKey()

	flip := func(b []byte, bit int) []byte {
		out := bytes.Clone(b)
		out[bit/8] ^= 1 << (bit % 8)
		return out
	}

	for bit := 0; bit < len(sig)*8; bit++ {
		if Verify(pub, msg, flip(sig, bit)) {
			t.Fatalf("Verify() accepted signature with bit %d flipped", bit)
		}
	}
	for bit := 0; bit < len(msg)*8; bit++ {
		if Verify(pub, flip(msg, bit), sig) {
			t.Fatalf("Verify() accepted message with bit %d flipped", bit)
		}
	}
	for bit := 0; bit < len(pub)*8; bit++ {
		if Verify(flip(pub, bit), msg, sig) {
			t.Fatalf("Verify() accepted public key with bit %d flipped", bit)
		}
	}
}

func TestVerifyMalformedInputs(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	msg := []byte("x")
	sig := id.Sign(msg)

	assert.False(t, Verify(nil, msg, sig))
	assert.False(t, Verify(id.PublicKey()[:10], msg, sig))
	assert.False(t, Verify(id.PublicKey(), msg, nil))
	assert.False(t, Verify(id.PublicKey(), msg, sig[:63]))
}

func TestIdentityFromSeed(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	restored, err := IdentityFromSeed(id.Seed())
	require.NoError(t, err)
	assert.Equal(t, id.PeerID(), restored.PeerID())
	assert.Equal(t, id.Sign([]byte("m")), restored.Sign([]byte("m")))

	_, err = IdentityFromSeed([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidSeed)
}
