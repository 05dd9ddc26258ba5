package crypto

import (
	"testing"
)

func TestDigestHex(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected string // BLAKE2b-256 hash in hex
	}{
		{
			name:     "empty input",
			input:    []byte{},
			expected: "0e5751c026e543b2e8ab2eb06099daa1d1e5df47778f7787faab45cdf12fe3a8",
		},
		{
			name:     "simple string",
			input:    []byte("hello world"),
			expected: "256c83b297114d201b30179f3f0ef0cace9783622da5974326b436178aeef610",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DigestHex(tt.input)
			if got != tt.expected {
				t.Errorf("DigestHex() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestVerifyDigest(t *testing.T) {
	data := []byte("envelope bytes")
	sum := Digest(data)

	if !VerifyDigest(data, sum[:]) {
		t.Error("VerifyDigest() rejected matching digest")
	}
	if VerifyDigest([]byte("other"), sum[:]) {
		t.Error("VerifyDigest() accepted digest of different data")
	}
	if VerifyDigest(data, sum[:16]) {
		t.Error("VerifyDigest() accepted truncated digest")
	}
}

func TestRandomUint64(t *testing.T) {
	seen := make(map[uint64]bool)
	for i := 0; i < 64; i++ {
		n, err := RandomUint64()
		if err != nil {
			t.Fatalf("RandomUint64() error = %v", err)
		}
		if seen[n] {
			t.Fatalf("RandomUint64() repeated value %d", n)
		}
		seen[n] = true
	}
}
