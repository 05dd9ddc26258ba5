package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Digest returns the BLAKE2b-256 hash of data.
func Digest(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

// DigestHex returns the hex-encoded BLAKE2b-256 hash of data.
func DigestHex(data []byte) string {
	sum := Digest(data)
	return hex.EncodeToString(sum[:])
}

// VerifyDigest reports whether expected is the digest of data.
func VerifyDigest(data []byte, expected []byte) bool {
	sum := Digest(data)
	return subtle.ConstantTimeCompare(sum[:], expected) == 1
}

// GenerateNonce generates a random nonce
func GenerateNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	_, err := rand.Read(nonce)
	if err != nil {
		return nil, err
	}
	return nonce, nil
}

// RandomUint64 returns a uniformly random 64-bit value.
func RandomUint64() (uint64, error) {
	buf, err := GenerateNonce(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf), nil
}
