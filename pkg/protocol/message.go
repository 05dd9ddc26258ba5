package protocol

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownKind      = errors.New("unknown message kind")
	ErrInvalidPayload   = errors.New("payload is not valid UTF-8")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.NilContainers = cbor.NilContainerAsEmpty

	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic(err)
	}

	decMode, err = cbor.DecOptions{
		IndefLength:     cbor.IndefLengthForbidden,
		UTF8:            cbor.UTF8RejectInvalid,
		MaxNestedLevels: 4,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Message is an application message. Kind selects the variant; Nonce and
// Payload are its fields.
type Message struct {
	Kind    Kind
	Nonce   uint64
	Payload string
}

type wireMessage struct {
	_       struct{} `cbor:",toarray"`
	Kind    Kind
	Nonce   uint64
	Payload string
}

// NewPing creates a Ping message.
func NewPing(nonce uint64, payload string) Message {
	return Message{Kind: KindPing, Nonce: nonce, Payload: payload}
}

// NewPong creates a Pong message.
func NewPong(nonce uint64, payload string) Message {
	return Message{Kind: KindPong, Nonce: nonce, Payload: payload}
}

// IsPing reports whether m is a Ping.
func (m Message) IsPing() bool { return m.Kind == KindPing }

// IsPong reports whether m is a Pong.
func (m Message) IsPong() bool { return m.Kind == KindPong }

func (m Message) String() string {
	return fmt.Sprintf("%s{nonce:%d, payload:%q}", m.Kind, m.Nonce, m.Payload)
}

// Encode returns the deterministic binary form of m.
func (m Message) Encode() ([]byte, error) {
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, m.Kind)
	}
	if !utf8.ValidString(m.Payload) {
		return nil, ErrInvalidPayload
	}

	return encMode.Marshal(wireMessage{Kind: m.Kind, Nonce: m.Nonce, Payload: m.Payload})
}

// DecodeMessage parses bytes produced by Encode.
func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := decMode.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if !w.Kind.Valid() {
		return Message{}, fmt.Errorf("%w: %w: %d", ErrMalformedMessage, ErrUnknownKind, w.Kind)
	}

	return Message{Kind: w.Kind, Nonce: w.Nonce, Payload: w.Payload}, nil
}
