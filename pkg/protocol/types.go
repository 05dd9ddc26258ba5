package protocol

import (
	"fmt"
	"time"
)

// Protocol constants
const (
	// Domain tag for the envelope signing pre-image.
	EnvelopeDomain = "mate/envelope/v1"

	// ProtocolVersion is reported by nodes in their status output.
	ProtocolVersion = "mate/1.0"
)

// Freshness defaults for received envelopes.
const (
	DefaultMaxMessageAge = 5 * time.Minute
	DefaultMaxClockSkew  = 60 * time.Second
)

// Kind tags a Message variant.
type Kind uint8

// Message kinds
const (
	KindPing Kind = 1
	KindPong Kind = 2
)

// Valid reports whether k is a known variant.
func (k Kind) Valid() bool {
	switch k {
	case KindPing, KindPong:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}
