package protocol

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"ping", NewPing(42, "hello")},
		{"pong", NewPong(42, "hello")},
		{"zero nonce", NewPing(0, "zero")},
		{"max nonce", NewPong(math.MaxUint64, "max")},
		{"empty payload", NewPing(7, "")},
		{"unicode payload", NewPing(8, "♞ Nf3 — 王手 🏁")},
		{"control characters", NewPong(9, "line1\nline2\t\x00\x1b[0m")},
		{"json payload", NewPing(10, `{"game_id":"g-1","color":"white"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.msg.Encode()
			require.NoError(t, err)

			decoded, err := DecodeMessage(data)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, decoded)
		})
	}
}

func TestMessageEncodingDeterministic(t *testing.T) {
	msg := NewPing(12345, "deterministic")

	a, err := msg.Encode()
	require.NoError(t, err)
	b, err := msg.Encode()
	require.NoError(t, err)
	assert.Equal(t, a, b)

	pong, err := NewPong(12345, "deterministic").Encode()
	require.NoError(t, err)
	assert.NotEqual(t, a, pong, "variant tag must be encoded")
}

func TestMessageEncodeRejects(t *testing.T) {
	_, err := Message{Kind: 99, Nonce: 1}.Encode()
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = NewPing(1, string([]byte{0xff, 0xfe})).Encode()
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDecodeMessageMalformed(t *testing.T) {
	valid, err := NewPing(1, "x").Encode()
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"garbage", []byte{0xff, 0x00, 0x13}},
		{"truncated", valid[:len(valid)-1]},
		{"trailing bytes", append(append([]byte{}, valid...), 0x00)},
		{"unknown kind", []byte{0x83, 0x18, 0x63, 0x01, 0x60}},
		{"wrong arity", []byte{0x82, 0x01, 0x01}},
		{"not an array", []byte{0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage(tt.data)
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestMessageHelpers(t *testing.T) {
	ping := NewPing(1, "a")
	assert.True(t, ping.IsPing())
	assert.False(t, ping.IsPong())

	pong := NewPong(1, "a")
	assert.True(t, pong.IsPong())
	assert.False(t, pong.IsPing())

	assert.Equal(t, `ping{nonce:1, payload:"a"}`, ping.String())
}
