package wire

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/mate-node/pkg/protocol"
)

// Observer receives frame events, typically to update metrics.
type Observer interface {
	FrameRead(bytes int)
	FrameWritten(bytes int)
	FrameRejected(kind Kind)
}

type nopObserver struct{}

func (nopObserver) FrameRead(int)      {}
func (nopObserver) FrameWritten(int)   {}
func (nopObserver) FrameRejected(Kind) {}

// Codec reads and writes length-prefixed SignedEnvelope frames:
//
//	[4-byte big-endian length N][N bytes of encoded envelope]
//
// A Codec holds no per-stream state and may be shared by any number of
// connections.
type Codec struct {
	cfg      Config
	logger   *zap.Logger
	observer Observer
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithLogger sets the codec logger.
func WithLogger(logger *zap.Logger) CodecOption {
	return func(c *Codec) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver registers frame event callbacks.
func WithObserver(o Observer) CodecOption {
	return func(c *Codec) {
		if o != nil {
			c.observer = o
		}
	}
}

// NewCodec creates a codec for cfg. Sizes above MaxMessageSize are clamped
// and unset timeouts fall back to the defaults.
func NewCodec(cfg Config, opts ...CodecOption) *Codec {
	cfg.MaxMessageSize = cfg.Limit()
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	c := &Codec{
		cfg:      cfg,
		logger:   zap.NewNop(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective configuration.
func (c *Codec) Config() Config {
	return c.cfg
}

// WriteMessage encodes env and writes it as one frame. Oversized envelopes
// are rejected before anything is written.
func (c *Codec) WriteMessage(ctx context.Context, w io.Writer, env *protocol.SignedEnvelope) error {
	err := runWithContext(ctx, writeDeadlineFunc(w), func() error {
		return c.writeFrame(w, env)
	})
	return c.finish(ctx, "write", 0, err)
}

// WriteMessageWithTimeout is WriteMessage bounded by timeout.
func (c *Codec) WriteMessageWithTimeout(w io.Writer, env *protocol.SignedEnvelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := runWithContext(ctx, writeDeadlineFunc(w), func() error {
		return c.writeFrame(w, env)
	})
	return c.finish(ctx, "write", timeout, err)
}

// WriteMessageWithDefaultTimeout uses the configured write timeout.
func (c *Codec) WriteMessageWithDefaultTimeout(w io.Writer, env *protocol.SignedEnvelope) error {
	return c.WriteMessageWithTimeout(w, env, c.cfg.WriteTimeout)
}

// ReadMessage reads one frame and decodes its envelope. The signature is not
// checked here.
func (c *Codec) ReadMessage(ctx context.Context, r io.Reader) (*protocol.SignedEnvelope, error) {
	var env *protocol.SignedEnvelope
	err := runWithContext(ctx, readDeadlineFunc(r), func() error {
		var err error
		env, err = c.readFrame(r)
		return err
	})
	if err = c.finish(ctx, "read", 0, err); err != nil {
		return nil, err
	}
	return env, nil
}

// ReadMessageWithTimeout is ReadMessage bounded by timeout, covering both the
// prefix and the body.
func (c *Codec) ReadMessageWithTimeout(r io.Reader, timeout time.Duration) (*protocol.SignedEnvelope, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var env *protocol.SignedEnvelope
	err := runWithContext(ctx, readDeadlineFunc(r), func() error {
		var err error
		env, err = c.readFrame(r)
		return err
	})
	if err = c.finish(ctx, "read", timeout, err); err != nil {
		return nil, err
	}
	return env, nil
}

// ReadMessageWithDefaultTimeout uses the configured read timeout.
func (c *Codec) ReadMessageWithDefaultTimeout(r io.Reader) (*protocol.SignedEnvelope, error) {
	return c.ReadMessageWithTimeout(r, c.cfg.ReadTimeout)
}

func (c *Codec) readFrame(r io.Reader) (*protocol.SignedEnvelope, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return nil, &Error{Kind: KindClosed, Op: "read", Err: err}
		case errors.Is(err, io.ErrUnexpectedEOF):
			return nil, &Error{Kind: KindFraming, Op: "read", Err: errors.New("truncated length prefix")}
		default:
			return nil, ioError("read", err)
		}
	}

	size := uint64(binary.BigEndian.Uint32(prefix[:]))
	limit := uint64(c.cfg.MaxMessageSize)
	if size > limit {
		c.logger.Warn("rejected oversized frame", zap.Uint64("size", size), zap.Uint64("limit", limit))
		c.observer.FrameRejected(KindSizeLimit)
		return nil, &Error{Kind: KindSizeLimit, Op: "read", Size: size, Limit: limit}
	}
	if size >= SuspiciousMessageSize {
		c.logger.Warn("peer declared a very large frame", zap.Uint64("size", size))
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &Error{Kind: KindFraming, Op: "read", Size: size, Err: io.ErrUnexpectedEOF}
		}
		return nil, ioError("read", err)
	}

	env, err := protocol.UnmarshalEnvelope(body)
	if err != nil {
		c.observer.FrameRejected(KindDeserialization)
		return nil, &Error{Kind: KindDeserialization, Op: "read", Size: size, Err: err}
	}

	c.observer.FrameRead(LengthPrefixSize + int(size))
	return env, nil
}

func (c *Codec) writeFrame(w io.Writer, env *protocol.SignedEnvelope) error {
	body, err := env.Marshal()
	if err != nil {
		return &Error{Kind: KindSerialization, Op: "write", Err: err}
	}

	limit := uint64(c.cfg.MaxMessageSize)
	if uint64(len(body)) > limit {
		c.observer.FrameRejected(KindSizeLimit)
		return &Error{Kind: KindSizeLimit, Op: "write", Size: uint64(len(body)), Limit: limit}
	}

	frame := make([]byte, LengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[LengthPrefixSize:], body)

	if err := writeFull(w, frame); err != nil {
		return ioError("write", err)
	}
	if f, ok := w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return ioError("write", err)
		}
	}

	c.observer.FrameWritten(len(frame))
	return nil
}

// writeFull loops until buf is written, tolerating writers that return short
// counts without an error.
func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		buf = buf[n:]
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}

func ioError(op string, err error) *Error {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return &Error{Kind: KindClosed, Op: op, Err: err}
	default:
		return &Error{Kind: KindIO, Op: op, Err: err}
	}
}

// finish normalizes errors caused by the context ending.
func (c *Codec) finish(ctx context.Context, op string, timeout time.Duration, err error) error {
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		var we *Error
		if !errors.As(err, &we) || we.Kind == KindTimeout || we.Kind == KindIO || we.Kind == KindClosed || we.Kind == KindFraming {
			kind := KindTimeout
			if errors.Is(ctxErr, context.Canceled) {
				kind = KindCanceled
			}
			c.observer.FrameRejected(kind)
			return &Error{Kind: kind, Op: op, Timeout: timeout, Err: ctxErr}
		}
		return err
	}

	var we *Error
	if errors.As(err, &we) {
		if we.Kind == KindTimeout && we.Timeout == 0 {
			we.Timeout = timeout
		}
		return we
	}
	return &Error{Kind: KindIO, Op: op, Err: err}
}
