package network

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/ZentaChain/mate-node/pkg/crypto"
	"github.com/ZentaChain/mate-node/pkg/protocol"
	"github.com/ZentaChain/mate-node/pkg/wire"
)

var (
	ErrNotAuthenticated     = errors.New("connection not authenticated")
	ErrAlreadyAuthenticated = errors.New("handshake already performed")
	ErrConnectionClosed     = errors.New("connection closed")
	ErrPeerMismatch         = errors.New("envelope sender does not match authenticated peer")
	ErrStaleMessage         = errors.New("message timestamp outside accepted window")
	ErrHandshakeRejected    = errors.New("handshake rejected")
	ErrUnexpectedReply      = errors.New("unexpected reply")
	ErrServerClosed         = errors.New("server closed")
	ErrTooManyConnections   = errors.New("too many connections")
	ErrPoolClosed           = errors.New("connection pool closed")

	// ErrInvalidSignature is returned, wrapped, when an envelope fails
	// verification.
	ErrInvalidSignature = protocol.ErrInvalidSignature
)

// ErrorKind classifies connection-layer failures.
type ErrorKind uint8

const (
	ErrorKindUnknown ErrorKind = iota
	// ErrorKindAddress: the address could not be parsed or resolved.
	ErrorKindAddress
	// ErrorKindRefused: the remote host refused the connection.
	ErrorKindRefused
	// ErrorKindDial: any other failure to open the transport.
	ErrorKindDial
	// ErrorKindHandshake: the peer broke the handshake protocol or the
	// handshake I/O failed.
	ErrorKindHandshake
	// ErrorKindAuthentication: a signature, key or claimed identity did not
	// check out.
	ErrorKindAuthentication
	// ErrorKindNotAuthenticated: the operation needs a completed handshake.
	ErrorKindNotAuthenticated
	// ErrorKindClosed: the connection was closed locally.
	ErrorKindClosed
	// ErrorKindWire: a frame could not be read or written; see wire.KindOf.
	ErrorKindWire
	// ErrorKindLimit: a local resource limit was hit.
	ErrorKindLimit
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindAddress:
		return "address"
	case ErrorKindRefused:
		return "connection refused"
	case ErrorKindDial:
		return "dial"
	case ErrorKindHandshake:
		return "handshake"
	case ErrorKindAuthentication:
		return "authentication"
	case ErrorKindNotAuthenticated:
		return "not authenticated"
	case ErrorKindClosed:
		return "closed"
	case ErrorKindWire:
		return "wire"
	case ErrorKindLimit:
		return "limit"
	default:
		return "unknown"
	}
}

// Error is returned by Connection, Client and Server operations.
type Error struct {
	Kind ErrorKind
	Op   string
	Addr string
	Peer crypto.PeerID
	Err  error
}

func (e *Error) Error() string {
	msg := "network " + e.Op
	if e.Addr != "" {
		msg += " " + e.Addr
	}
	if e.Peer != "" {
		msg += " peer " + e.Peer.Short()
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the ErrorKind of err, or ErrorKindUnknown.
func KindOf(err error) ErrorKind {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Kind
	}
	return ErrorKindUnknown
}

// IsRetryable reports whether DefaultRetryPolicy would retry err.
func IsRetryable(err error) bool {
	return DefaultRetryPolicy().ShouldRetry(err)
}

// IsAuthenticationError reports whether err means the peer could not be
// trusted.
func IsAuthenticationError(err error) bool {
	return KindOf(err) == ErrorKindAuthentication
}

func addressError(op, addr string, err error) *Error {
	return &Error{Kind: ErrorKindAddress, Op: op, Addr: addr, Err: err}
}

// classifyDialError maps a dial failure onto the connection error kinds.
func classifyDialError(addr string, err error) *Error {
	var dnsErr *net.DNSError
	var addrErr *net.AddrError
	switch {
	case errors.As(err, &dnsErr), errors.As(err, &addrErr):
		return &Error{Kind: ErrorKindAddress, Op: "dial", Addr: addr, Err: err}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &Error{Kind: ErrorKindRefused, Op: "dial", Addr: addr, Err: err}
	default:
		return &Error{Kind: ErrorKindDial, Op: "dial", Addr: addr, Err: err}
	}
}

// authError wraps verification failures, keeping the underlying reason.
func authError(op string, peer crypto.PeerID, err error) *Error {
	return &Error{Kind: ErrorKindAuthentication, Op: op, Peer: peer, Err: err}
}

func wireError(op string, peer crypto.PeerID, err error) *Error {
	return &Error{Kind: ErrorKindWire, Op: op, Peer: peer, Err: err}
}

func handshakeError(addr string, err error) *Error {
	var ne *Error
	if errors.As(err, &ne) && ne.Kind == ErrorKindAuthentication {
		return ne
	}
	return &Error{Kind: ErrorKindHandshake, Op: "handshake", Addr: addr, Err: err}
}

func rejectHandshake(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrHandshakeRejected, fmt.Sprintf(format, args...))
}

// errorReason labels an error for metrics.
func errorReason(err error) string {
	switch KindOf(err) {
	case ErrorKindAuthentication:
		return "authentication"
	case ErrorKindClosed:
		return "closed"
	case ErrorKindLimit:
		return "limit"
	}
	if k := wire.KindOf(err); k != wire.KindUnknown {
		return k.String()
	}
	if errors.Is(err, ErrHandshakeRejected) || errors.Is(err, protocol.ErrInvalidHandshake) {
		return "protocol"
	}
	return "other"
}
