package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

var (
	ErrEmptyPeerID           = errors.New("empty peer id")
	ErrInvalidPeerIDEncoding = errors.New("peer id is not valid base64")
	ErrInvalidPeerIDLength   = errors.New("peer id has wrong key length")
)

// peerIDEncoding rejects non-canonical trailing bits, so every public key has
// exactly one textual PeerID.
var peerIDEncoding = base64.StdEncoding.Strict()

// PeerID identifies a peer by its Ed25519 public key, rendered as padded
// standard base64. The zero value is the empty string and decodes to nothing.
type PeerID string

// PeerIDError describes why a PeerID could not be turned back into a key.
type PeerIDError struct {
	ID     string
	Reason error
	Err    error
}

func (e *PeerIDError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid peer id %q: %v: %v", truncate(e.ID, 16), e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid peer id %q: %v", truncate(e.ID, 16), e.Reason)
}

// Unwrap exposes the reason sentinel so callers can use errors.Is.
func (e *PeerIDError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Reason, e.Err}
	}
	return []error{e.Reason}
}

// PeerIDFromPublicKey encodes pub as a PeerID.
func PeerIDFromPublicKey(pub ed25519.PublicKey) PeerID {
	return PeerID(peerIDEncoding.EncodeToString(pub))
}

// ParsePeerID validates s and returns it as a PeerID.
func ParsePeerID(s string) (PeerID, error) {
	id := PeerID(s)
	if _, err := id.PublicKey(); err != nil {
		return "", err
	}
	return id, nil
}

// PublicKey decodes the verifying key carried by the PeerID.
func (id PeerID) PublicKey() (ed25519.PublicKey, error) {
	if id == "" {
		return nil, &PeerIDError{ID: string(id), Reason: ErrEmptyPeerID}
	}

	raw, err := peerIDEncoding.DecodeString(string(id))
	if err != nil {
		return nil, &PeerIDError{ID: string(id), Reason: ErrInvalidPeerIDEncoding, Err: err}
	}

	if len(raw) != ed25519.PublicKeySize {
		return nil, &PeerIDError{
			ID:     string(id),
			Reason: ErrInvalidPeerIDLength,
			Err:    fmt.Errorf("got %d bytes, want %d", len(raw), ed25519.PublicKeySize),
		}
	}

	return ed25519.PublicKey(raw), nil
}

// Valid reports whether the PeerID decodes to a public key.
func (id PeerID) Valid() bool {
	_, err := id.PublicKey()
	return err == nil
}

// String returns the base64 text.
func (id PeerID) String() string {
	return string(id)
}

// Short returns a prefix suitable for log lines.
func (id PeerID) Short() string {
	return truncate(string(id), 8)
}

// Libp2pID derives the libp2p peer ID for the same Ed25519 key.
func (id PeerID) Libp2pID() (peer.ID, error) {
	pub, err := id.PublicKey()
	if err != nil {
		return "", err
	}

	key, err := p2pcrypto.UnmarshalEd25519PublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to convert key: %w", err)
	}

	return peer.IDFromPublicKey(key)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
