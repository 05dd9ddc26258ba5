// Package protocol implements the mate peer-to-peer message layer.
//
// The protocol package defines the application message variants, their
// deterministic binary encoding, and the signed envelope that binds every
// message to the identity of its sender.
//
// # Messages
//
// A Message is a tagged union. The core variants are:
//   - Ping: carries a nonce and a free-form payload
//   - Pong: answers a Ping, echoing its nonce
//
// Higher layers (game invitations, moves, chat) add variants by defining new
// Kind values. Payload text is opaque to this package.
//
// # Encoding
//
// Messages and envelopes are encoded as CBOR arrays using the core
// deterministic profile, so equal values always produce identical bytes:
//
//	Message:        [kind, nonce, payload]
//	SignedEnvelope: [sender, timestamp, payload, signature]
//
// # Signatures
//
// The envelope signature is Ed25519 over a versioned pre-image:
//
//	"mate/envelope/v1" 0x00
//	sender public key   (32 bytes)
//	timestamp           (8 bytes, big-endian)
//	payload length      (8 bytes, big-endian)
//	payload             (encoded Message)
//
// Changing the sender, timestamp, payload or signature breaks verification.
// A new pre-image layout must use a new domain tag.
//
// # Handshake
//
// Connections authenticate with three envelopes built from Ping/Pong:
//   - Hello (Ping):    HANDSHAKE_REQUEST:<peer>
//   - Response (Pong): HANDSHAKE_RESPONSE:<peer>:<challenge>
//   - Confirm (Pong):  HANDSHAKE_CONFIRM:<peer>
//
// Each side signs a nonce chosen by the other, proving possession of its key
// for this session.
package protocol
