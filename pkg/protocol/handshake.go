package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ZentaChain/mate-node/pkg/crypto"
)

var ErrInvalidHandshake = errors.New("invalid handshake message")

// Handshake payload prefixes
const (
	HandshakeRequestPrefix  = "HANDSHAKE_REQUEST:"
	HandshakeResponsePrefix = "HANDSHAKE_RESPONSE:"
	HandshakeConfirmPrefix  = "HANDSHAKE_CONFIRM:"
)

// HandshakeStage identifies one of the three handshake messages.
type HandshakeStage uint8

const (
	HandshakeHello HandshakeStage = iota + 1
	HandshakeResponse
	HandshakeConfirm
)

func (s HandshakeStage) String() string {
	switch s {
	case HandshakeHello:
		return "hello"
	case HandshakeResponse:
		return "response"
	case HandshakeConfirm:
		return "confirm"
	default:
		return "unknown"
	}
}

// Handshake is a parsed handshake message.
type Handshake struct {
	Stage HandshakeStage
	// Nonce is the message nonce: the initiator's nonce for hello and
	// response, the responder's challenge for confirm.
	Nonce uint64
	// Peer is the identity the sender claims.
	Peer crypto.PeerID
	// Challenge is set on responses only.
	Challenge uint64
}

// NewHandshakeHello opens a handshake.
func NewHandshakeHello(nonce uint64, peer crypto.PeerID) Message {
	return NewPing(nonce, HandshakeRequestPrefix+peer.String())
}

// NewHandshakeResponse answers a hello, echoing its nonce and issuing a
// challenge for the initiator.
func NewHandshakeResponse(nonce uint64, peer crypto.PeerID, challenge uint64) Message {
	return NewPong(nonce, HandshakeResponsePrefix+peer.String()+":"+strconv.FormatUint(challenge, 10))
}

// NewHandshakeConfirm answers the responder's challenge.
func NewHandshakeConfirm(challenge uint64, peer crypto.PeerID) Message {
	return NewPong(challenge, HandshakeConfirmPrefix+peer.String())
}

// ParseHandshake interprets m as a handshake message.
func ParseHandshake(m Message) (Handshake, error) {
	switch {
	case m.IsPing() && strings.HasPrefix(m.Payload, HandshakeRequestPrefix):
		peer, err := crypto.ParsePeerID(strings.TrimPrefix(m.Payload, HandshakeRequestPrefix))
		if err != nil {
			return Handshake{}, fmt.Errorf("%w: %w", ErrInvalidHandshake, err)
		}
		return Handshake{Stage: HandshakeHello, Nonce: m.Nonce, Peer: peer}, nil

	case m.IsPong() && strings.HasPrefix(m.Payload, HandshakeResponsePrefix):
		rest := strings.TrimPrefix(m.Payload, HandshakeResponsePrefix)
		idx := strings.LastIndexByte(rest, ':')
		if idx < 0 {
			return Handshake{}, fmt.Errorf("%w: response without challenge", ErrInvalidHandshake)
		}
		peer, err := crypto.ParsePeerID(rest[:idx])
		if err != nil {
			return Handshake{}, fmt.Errorf("%w: %w", ErrInvalidHandshake, err)
		}
		challenge, err := strconv.ParseUint(rest[idx+1:], 10, 64)
		if err != nil {
			return Handshake{}, fmt.Errorf("%w: bad challenge: %v", ErrInvalidHandshake, err)
		}
		return Handshake{Stage: HandshakeResponse, Nonce: m.Nonce, Peer: peer, Challenge: challenge}, nil

	case m.IsPong() && strings.HasPrefix(m.Payload, HandshakeConfirmPrefix):
		peer, err := crypto.ParsePeerID(strings.TrimPrefix(m.Payload, HandshakeConfirmPrefix))
		if err != nil {
			return Handshake{}, fmt.Errorf("%w: %w", ErrInvalidHandshake, err)
		}
		return Handshake{Stage: HandshakeConfirm, Nonce: m.Nonce, Peer: peer}, nil

	default:
		return Handshake{}, fmt.Errorf("%w: %s", ErrInvalidHandshake, m.Kind)
	}
}
