package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
)

var (
	ErrInvalidSeed     = errors.New("invalid identity seed")
	ErrKeyMismatch     = errors.New("public key does not match secret key")
	ErrInvalidIdentity = errors.New("invalid identity file")
)

// Identity is a peer's Ed25519 signing keypair. It never changes after
// construction and may be shared between goroutines.
type Identity struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	peerID  PeerID
}

// GenerateIdentity creates a fresh random identity.
func GenerateIdentity() (*Identity, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}

	return newIdentity(private, public), nil
}

// IdentityFromSeed rebuilds an identity from its 32-byte seed.
func IdentityFromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSeed, len(seed), ed25519.SeedSize)
	}

	private := ed25519.NewKeyFromSeed(seed)
	return newIdentity(private, private.Public().(ed25519.PublicKey)), nil
}

func newIdentity(private ed25519.PrivateKey, public ed25519.PublicKey) *Identity {
	return &Identity{
		private: private,
		public:  public,
		peerID:  PeerIDFromPublicKey(public),
	}
}

// PeerID returns the identifier derived from the public key.
func (id *Identity) PeerID() PeerID {
	return id.peerID
}

// PublicKey returns a copy of the verifying key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return bytes.Clone(id.public)
}

// Seed returns a copy of the private seed.
func (id *Identity) Seed() []byte {
	return bytes.Clone(id.private.Seed())
}

// Sign signs msg. Ed25519 signatures are deterministic for a given key and
// message.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.private, msg)
}

// Verify checks sig over msg under pub. Malformed keys or signatures are
// rejected rather than panicking.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
