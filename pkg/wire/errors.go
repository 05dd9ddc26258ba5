package wire

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies wire failures.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindFraming: truncated prefix or body.
	KindFraming
	// KindSizeLimit: declared or encoded size above the limit.
	KindSizeLimit
	// KindTimeout: deadline expired.
	KindTimeout
	// KindSerialization: the envelope could not be encoded.
	KindSerialization
	// KindDeserialization: a well-sized frame did not decode.
	KindDeserialization
	// KindIO: the stream failed.
	KindIO
	// KindClosed: the peer closed the stream between frames.
	KindClosed
	// KindCanceled: the caller's context was canceled.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindFraming:
		return "framing"
	case KindSizeLimit:
		return "size limit"
	case KindTimeout:
		return "timeout"
	case KindSerialization:
		return "serialization"
	case KindDeserialization:
		return "deserialization"
	case KindIO:
		return "io"
	case KindClosed:
		return "connection closed"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Category groups kinds for metrics and logs.
func (k Kind) Category() string {
	switch k {
	case KindTimeout, KindCanceled:
		return "Timeout"
	case KindSizeLimit:
		return "Message Size"
	case KindSerialization, KindDeserialization:
		return "Data Format"
	case KindIO, KindClosed:
		return "Connection"
	case KindFraming:
		return "Protocol"
	default:
		return "Unknown"
	}
}

// Error is returned by every Codec operation.
type Error struct {
	Kind    Kind
	Op      string // "read" or "write"
	Size    uint64
	Limit   uint64
	Timeout time.Duration
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindSizeLimit:
		return fmt.Sprintf("wire %s: message size %d exceeds limit %d", e.Op, e.Size, e.Limit)
	case KindTimeout:
		if e.Timeout > 0 {
			return fmt.Sprintf("wire %s: timed out after %v", e.Op, e.Timeout)
		}
		return fmt.Sprintf("wire %s: timed out", e.Op)
	}
	if e.Err != nil {
		return fmt.Sprintf("wire %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("wire %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary reports whether retrying on a fresh connection may succeed.
func (e *Error) Temporary() bool {
	switch e.Kind {
	case KindTimeout, KindIO, KindClosed:
		return true
	default:
		return false
	}
}

// SecurityRelated reports whether the failure suggests a hostile peer.
func (e *Error) SecurityRelated() bool {
	switch e.Kind {
	case KindSizeLimit, KindFraming, KindDeserialization:
		return true
	default:
		return false
	}
}

// KindOf extracts the Kind of a wire error, or KindUnknown.
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return KindUnknown
}

// IsSizeLimit reports whether err is a size-limit error.
func IsSizeLimit(err error) bool { return KindOf(err) == KindSizeLimit }

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }

// IsClosed reports whether the peer closed the stream.
func IsClosed(err error) bool { return KindOf(err) == KindClosed }
