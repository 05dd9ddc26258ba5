package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ZentaChain/mate-node/pkg/crypto"
	"github.com/ZentaChain/mate-node/pkg/protocol"
	"github.com/ZentaChain/mate-node/pkg/wire"
)

// State is the lifecycle stage of a Connection.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionInfo describes a connection for status output.
type ConnectionInfo struct {
	ID               string         `json:"id"`
	State            string         `json:"state"`
	Peer             crypto.PeerID  `json:"peer,omitempty"`
	LocalAddr        string         `json:"local_addr"`
	RemoteAddr       string         `json:"remote_addr"`
	OpenedAt         time.Time      `json:"opened_at"`
	AuthenticatedAt  time.Time      `json:"authenticated_at,omitempty"`
	MessagesSent     uint64         `json:"messages_sent"`
	MessagesReceived uint64         `json:"messages_received"`
	Health           HealthSnapshot `json:"health"`
}

// Connection is an authenticated, bidirectional message channel over one
// net.Conn, which it owns.
//
// One goroutine may send while another receives. Concurrent sends are
// serialized; concurrent receives are not supported.
type Connection struct {
	id       string
	conn     net.Conn
	identity *crypto.Identity
	codec    *wire.Codec
	opts     *options
	logger   *zap.Logger
	health   *HealthTracker
	limiter  *rate.Limiter
	openedAt time.Time

	sendMu sync.Mutex

	mu              sync.RWMutex
	state           State
	peer            crypto.PeerID
	authenticatedAt time.Time

	closeOnce sync.Once
	closeErr  error

	sent     atomic.Uint64
	received atomic.Uint64
}

// NewConnection wraps an open stream. Call Handshake or AcceptHandshake
// before exchanging messages.
func NewConnection(conn net.Conn, identity *crypto.Identity, opts ...Option) *Connection {
	o := newOptions(wire.DefaultConfig(), opts)
	return newConnection(conn, identity, o.buildCodec(), &o)
}

func newConnection(conn net.Conn, identity *crypto.Identity, codec *wire.Codec, o *options) *Connection {
	id := uuid.NewString()
	c := &Connection{
		id:       id,
		conn:     conn,
		identity: identity,
		codec:    codec,
		opts:     o,
		health:   NewHealthTracker(DefaultDegradedThreshold),
		openedAt: time.Now(),
		state:    StateConnecting,
		logger: o.logger.With(
			zap.String("session", id[:8]),
			zap.String("remote", conn.RemoteAddr().String()),
		),
	}
	if o.messageRate != rate.Inf {
		c.limiter = rate.NewLimiter(o.messageRate, o.messageBurst)
	}
	return c
}

// ID returns the session identifier.
func (c *Connection) ID() string { return c.id }

// State returns the current lifecycle stage.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsAuthenticated reports whether the handshake completed and the
// connection is still open.
func (c *Connection) IsAuthenticated() bool {
	return c.State() == StateAuthenticated
}

// IsClosed reports whether Close was called or the handshake failed.
func (c *Connection) IsClosed() bool {
	return c.State() == StateClosed
}

// PeerIdentity returns the authenticated remote identity. It reports false
// before the handshake and after Close.
func (c *Connection) PeerIdentity() (crypto.PeerID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateAuthenticated {
		return "", false
	}
	return c.peer, true
}

// LocalAddr returns the local network address.
func (c *Connection) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// RemoteAddr returns the remote network address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Health returns the connection's health tracker.
func (c *Connection) Health() *HealthTracker { return c.health }

// Info returns a status snapshot.
func (c *Connection) Info() ConnectionInfo {
	c.mu.RLock()
	state, peer, authAt := c.state, c.peer, c.authenticatedAt
	c.mu.RUnlock()

	return ConnectionInfo{
		ID:               c.id,
		State:            state.String(),
		Peer:             peer,
		LocalAddr:        c.conn.LocalAddr().String(),
		RemoteAddr:       c.conn.RemoteAddr().String(),
		OpenedAt:         c.openedAt,
		AuthenticatedAt:  authAt,
		MessagesSent:     c.sent.Load(),
		MessagesReceived: c.received.Load(),
		Health:           c.health.Snapshot(),
	}
}

// SendMessage signs msg and writes it as one frame. Without a context
// deadline the configured write timeout applies.
func (c *Connection) SendMessage(ctx context.Context, msg protocol.Message) error {
	peer, err := c.requireAuthenticated("send")
	if err != nil {
		return err
	}
	return c.send(ctx, peer, msg)
}

func (c *Connection) send(ctx context.Context, peer crypto.PeerID, msg protocol.Message) error {
	env, err := protocol.CreateEnvelope(msg, c.identity)
	if err != nil {
		return wireError("send", peer, &wire.Error{Kind: wire.KindSerialization, Op: "write", Err: err})
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.codec.Config().WriteTimeout)
		defer cancel()
	}

	c.sendMu.Lock()
	err = c.codec.WriteMessage(ctx, c.conn, env)
	c.sendMu.Unlock()
	if err != nil {
		c.health.RecordError(err)
		return wireError("send", peer, err)
	}

	c.health.RecordSuccess()
	c.sent.Add(1)
	c.opts.metrics.messageSent(msg.Kind.String())
	c.record(ctx, peer, false, env, msg)
	return nil
}

// ReceiveMessage reads the next frame, verifies it and returns the message
// with its sender. It blocks until a frame arrives or ctx ends.
func (c *Connection) ReceiveMessage(ctx context.Context) (protocol.Message, crypto.PeerID, error) {
	peer, err := c.requireAuthenticated("receive")
	if err != nil {
		return protocol.Message{}, "", err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return protocol.Message{}, "", &Error{Kind: ErrorKindLimit, Op: "receive", Peer: peer, Err: err}
		}
	}

	env, err := c.codec.ReadMessage(ctx, c.conn)
	if err != nil {
		c.health.RecordError(err)
		return protocol.Message{}, "", wireError("receive", peer, err)
	}

	msg, err := c.verifyInbound(env, peer)
	if err != nil {
		c.health.RecordError(err)
		return protocol.Message{}, "", err
	}

	c.health.RecordSuccess()
	c.received.Add(1)
	c.opts.metrics.messageReceived(msg.Kind.String())
	c.record(ctx, peer, true, env, msg)
	return msg, env.Sender, nil
}

// verifyInbound checks signature, sender and freshness, then decodes.
func (c *Connection) verifyInbound(env *protocol.SignedEnvelope, peer crypto.PeerID) (protocol.Message, error) {
	if err := env.Verify(); err != nil {
		c.logger.Warn("rejected envelope", zap.String("sender", env.Sender.Short()), zap.Error(err))
		return protocol.Message{}, authError("receive", peer, err)
	}
	if env.Sender != peer {
		c.logger.Warn("envelope from unexpected sender", zap.String("sender", env.Sender.Short()))
		return protocol.Message{}, authError("receive", peer, fmt.Errorf("%w: got %s", ErrPeerMismatch, env.Sender.Short()))
	}
	if c.opts.maxAge > 0 {
		if err := env.CheckFreshness(time.Now(), c.opts.maxAge, c.opts.maxSkew); err != nil {
			return protocol.Message{}, authError("receive", peer, fmt.Errorf("%w: %w", ErrStaleMessage, err))
		}
	}

	msg, err := env.Message()
	if err != nil {
		return protocol.Message{}, wireError("receive", peer, &wire.Error{Kind: wire.KindDeserialization, Op: "read", Err: err})
	}
	return msg, nil
}

func (c *Connection) record(ctx context.Context, peer crypto.PeerID, inbound bool, env *protocol.SignedEnvelope, msg protocol.Message) {
	if c.opts.recorder == nil {
		return
	}
	if err := c.opts.recorder.RecordEnvelope(ctx, c.id, peer, inbound, env, msg); err != nil {
		c.logger.Warn("failed to record envelope", zap.Error(err))
	}
}

func (c *Connection) requireAuthenticated(op string) (crypto.PeerID, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.state {
	case StateAuthenticated:
		return c.peer, nil
	case StateClosed:
		return "", &Error{Kind: ErrorKindClosed, Op: op, Err: ErrConnectionClosed}
	default:
		return "", &Error{Kind: ErrorKindNotAuthenticated, Op: op, Err: ErrNotAuthenticated}
	}
}

// Close shuts the transport down. It is safe to call more than once; later
// calls return the first result.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.peer = ""
		c.mu.Unlock()

		c.closeErr = c.conn.Close()
		c.logger.Debug("connection closed")
	})
	return c.closeErr
}
