package protocol

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ZentaChain/mate-node/pkg/crypto"
)

var (
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrStaleEnvelope     = errors.New("envelope timestamp too old")
	ErrFutureEnvelope    = errors.New("envelope timestamp in the future")
)

// SignedEnvelope couples an encoded Message with its sender, a timestamp and
// a signature over all three. Envelopes are not modified after creation.
type SignedEnvelope struct {
	Sender    crypto.PeerID
	Timestamp uint64
	Payload   []byte
	Signature []byte
}

type wireEnvelope struct {
	_         struct{} `cbor:",toarray"`
	Sender    string
	Timestamp uint64
	Payload   []byte
	Signature []byte
}

// CreateEnvelope signs msg with identity, stamped with the current unix time.
func CreateEnvelope(msg Message, identity *crypto.Identity) (*SignedEnvelope, error) {
	return CreateEnvelopeAt(msg, identity, uint64(time.Now().Unix()))
}

// CreateEnvelopeAt signs msg with identity using the given timestamp, which is
// stored as is.
func CreateEnvelopeAt(msg Message, identity *crypto.Identity, timestamp uint64) (*SignedEnvelope, error) {
	payload, err := msg.Encode()
	if err != nil {
		return nil, err
	}

	return &SignedEnvelope{
		Sender:    identity.PeerID(),
		Timestamp: timestamp,
		Payload:   payload,
		Signature: identity.Sign(signingBytes(identity.PublicKey(), timestamp, payload)),
	}, nil
}

// signingBytes builds the canonical pre-image covered by the signature.
func signingBytes(pub ed25519.PublicKey, timestamp uint64, payload []byte) []byte {
	buf := make([]byte, 0, len(EnvelopeDomain)+1+len(pub)+16+len(payload))
	buf = append(buf, EnvelopeDomain...)
	buf = append(buf, 0)
	buf = append(buf, pub...)
	buf = binary.BigEndian.AppendUint64(buf, timestamp)
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	return buf
}

// Verify checks the signature under the sender's key. A sender that is not a
// valid PeerID yields a crypto.PeerIDError; a bad signature yields
// ErrInvalidSignature.
func (e *SignedEnvelope) Verify() error {
	pub, err := e.Sender.PublicKey()
	if err != nil {
		return err
	}

	if !crypto.Verify(pub, signingBytes(pub, e.Timestamp, e.Payload), e.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifySignature reports whether Verify succeeds.
func (e *SignedEnvelope) VerifySignature() bool {
	return e.Verify() == nil
}

// Message decodes the payload. It does not check the signature.
func (e *SignedEnvelope) Message() (Message, error) {
	return DecodeMessage(e.Payload)
}

// ID is a stable identifier for the envelope.
func (e *SignedEnvelope) ID() string {
	return crypto.DigestHex(append([]byte(e.Sender), e.Signature...))
}

// Age returns how long ago the envelope was stamped. Future timestamps have
// age zero.
func (e *SignedEnvelope) Age(now time.Time) time.Duration {
	nowSecs := unixSeconds(now)
	if e.Timestamp >= nowSecs {
		return 0
	}
	diff := nowSecs - e.Timestamp
	if diff > uint64(maxDurationSeconds) {
		return time.Duration(maxDurationSeconds) * time.Second
	}
	return time.Duration(diff) * time.Second
}

const maxDurationSeconds = int64(1<<63-1) / int64(time.Second)

// CheckFreshness rejects envelopes older than maxAge or stamped more than
// maxSkew in the future.
func (e *SignedEnvelope) CheckFreshness(now time.Time, maxAge, maxSkew time.Duration) error {
	nowSecs := unixSeconds(now)

	if e.Timestamp > nowSecs {
		if e.Timestamp-nowSecs > uint64(maxSkew/time.Second) {
			return fmt.Errorf("%w: %ds ahead", ErrFutureEnvelope, e.Timestamp-nowSecs)
		}
		return nil
	}

	if nowSecs-e.Timestamp > uint64(maxAge/time.Second) {
		return fmt.Errorf("%w: %ds old", ErrStaleEnvelope, nowSecs-e.Timestamp)
	}
	return nil
}

// IsTimestampValid reports whether CheckFreshness succeeds.
func (e *SignedEnvelope) IsTimestampValid(now time.Time, maxAge, maxSkew time.Duration) bool {
	return e.CheckFreshness(now, maxAge, maxSkew) == nil
}

// Marshal returns the deterministic binary form of the envelope.
func (e *SignedEnvelope) Marshal() ([]byte, error) {
	return encMode.Marshal(wireEnvelope{
		Sender:    string(e.Sender),
		Timestamp: e.Timestamp,
		Payload:   e.Payload,
		Signature: e.Signature,
	})
}

// UnmarshalEnvelope parses bytes produced by Marshal. It does not verify the
// signature.
func UnmarshalEnvelope(data []byte) (*SignedEnvelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformedEnvelope)
	}

	// CBOR null and undefined decode to a nil pointer rather than an error.
	var w *wireEnvelope
	if err := decMode.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if w == nil {
		return nil, fmt.Errorf("%w: not an envelope array", ErrMalformedEnvelope)
	}

	return &SignedEnvelope{
		Sender:    crypto.PeerID(w.Sender),
		Timestamp: w.Timestamp,
		Payload:   w.Payload,
		Signature: w.Signature,
	}, nil
}

// Equal reports whether two envelopes are field-for-field identical.
func (e *SignedEnvelope) Equal(other *SignedEnvelope) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.Sender == other.Sender &&
		e.Timestamp == other.Timestamp &&
		bytes.Equal(e.Payload, other.Payload) &&
		bytes.Equal(e.Signature, other.Signature)
}

func unixSeconds(t time.Time) uint64 {
	secs := t.Unix()
	if secs < 0 {
		return 0
	}
	return uint64(secs)
}
