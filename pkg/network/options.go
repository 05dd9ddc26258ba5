package network

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ZentaChain/mate-node/pkg/crypto"
	"github.com/ZentaChain/mate-node/pkg/protocol"
	"github.com/ZentaChain/mate-node/pkg/wire"
)

// Defaults
const (
	DefaultMaxConnections  = 1000
	DefaultDialTimeout     = 10 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
)

// Recorder persists verified traffic. peer is the remote side of the
// session in both directions. Implementations must be safe for concurrent
// use.
type Recorder interface {
	RecordEnvelope(ctx context.Context, session string, peer crypto.PeerID, inbound bool, env *protocol.SignedEnvelope, msg protocol.Message) error
}

type options struct {
	wireConfig       wire.Config
	codec            *wire.Codec
	logger           *zap.Logger
	metrics          *Metrics
	recorder         Recorder
	handshakeTimeout time.Duration
	maxAge           time.Duration
	maxSkew          time.Duration
	messageRate      rate.Limit
	messageBurst     int

	// client
	retry       RetryPolicy
	dialTimeout time.Duration

	// server
	handler         Handler
	maxConnections  int
	acceptRate      rate.Limit
	acceptBurst     int
	shutdownTimeout time.Duration
}

// Option configures a Client, Server or Connection. Options that do not
// apply to the receiver are ignored.
type Option func(*options)

func newOptions(cfg wire.Config, opts []Option) options {
	o := options{
		wireConfig:       cfg,
		logger:           zap.NewNop(),
		handshakeTimeout: wire.HandshakeTimeout,
		maxAge:           protocol.DefaultMaxMessageAge,
		maxSkew:          protocol.DefaultMaxClockSkew,
		messageRate:      rate.Inf,
		retry:            RetryNormal.Policy(),
		dialTimeout:      DefaultDialTimeout,
		handler:          EchoHandler(),
		maxConnections:   DefaultMaxConnections,
		acceptRate:       rate.Inf,
		shutdownTimeout:  DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o *options) buildCodec() *wire.Codec {
	if o.codec != nil {
		return o.codec
	}
	codecOpts := []wire.CodecOption{wire.WithLogger(o.logger)}
	if o.metrics != nil {
		codecOpts = append(codecOpts, wire.WithObserver(o.metrics))
	}
	return wire.NewCodec(o.wireConfig, codecOpts...)
}

// WithWireConfig sets frame limits and default I/O timeouts.
func WithWireConfig(cfg wire.Config) Option {
	return func(o *options) { o.wireConfig = cfg }
}

// WithCodec shares an existing codec instead of building one.
func WithCodec(c *wire.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records statistics into m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRecorder persists every verified message sent or received.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithHandshakeTimeout bounds the handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

// WithFreshness sets the accepted envelope age and clock skew. A zero
// maxAge disables the check.
func WithFreshness(maxAge, maxSkew time.Duration) Option {
	return func(o *options) {
		o.maxAge = maxAge
		o.maxSkew = maxSkew
	}
}

// WithMessageRate limits inbound messages per connection. Readers wait for
// a token before reading the next frame.
func WithMessageRate(perSecond float64, burst int) Option {
	return func(o *options) {
		if perSecond > 0 && burst > 0 {
			o.messageRate = rate.Limit(perSecond)
			o.messageBurst = burst
		}
	}
}

// WithRetryPolicy sets the client's connect retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) { o.retry = p }
}

// WithDialTimeout bounds each TCP dial.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dialTimeout = d
		}
	}
}

// WithHandler sets the server's message handler.
func WithHandler(h Handler) Option {
	return func(o *options) {
		if h != nil {
			o.handler = h
		}
	}
}

// WithMaxConnections caps concurrently served connections.
func WithMaxConnections(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConnections = n
		}
	}
}

// WithAcceptRate limits how fast new connections are admitted.
func WithAcceptRate(perSecond float64, burst int) Option {
	return func(o *options) {
		if perSecond > 0 && burst > 0 {
			o.acceptRate = rate.Limit(perSecond)
			o.acceptBurst = burst
		}
	}
}

// WithShutdownTimeout bounds how long Close waits for handlers.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}
