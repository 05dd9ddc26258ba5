package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/mate-node/pkg/crypto"
	"github.com/ZentaChain/mate-node/pkg/protocol"
	"github.com/ZentaChain/mate-node/pkg/wire"
)

// Client dials peers and authenticates them.
type Client struct {
	identity *crypto.Identity
	opts     options
	codec    *wire.Codec
	dialer   net.Dialer
}

// NewClient creates a new client. Without WithWireConfig it uses
// wire.ClientConfig.
func NewClient(identity *crypto.Identity, opts ...Option) *Client {
	o := newOptions(wire.ClientConfig(), opts)
	c := &Client{
		identity: identity,
		opts:     o,
		dialer:   net.Dialer{Timeout: o.dialTimeout},
	}
	c.codec = c.opts.buildCodec()
	return c
}

// Identity returns the local identity.
func (c *Client) Identity() *crypto.Identity { return c.identity }

// Connect dials addr and performs the handshake, retrying per the client's
// policy.
func (c *Client) Connect(ctx context.Context, addr string) (*Connection, error) {
	return c.connectWithPolicy(ctx, addr, c.opts.retry)
}

// ConnectWithStrategy is Connect with a named retry profile.
func (c *Client) ConnectWithStrategy(ctx context.Context, addr string, strategy RetryStrategy) (*Connection, error) {
	return c.connectWithPolicy(ctx, addr, strategy.Policy())
}

// ConnectOnce makes a single attempt.
func (c *Client) ConnectOnce(ctx context.Context, addr string) (*Connection, error) {
	target, err := ResolveAddress(addr)
	if err != nil {
		return nil, err
	}

	raw, err := c.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Kind: ErrorKindDial, Op: "dial", Addr: target, Err: ctx.Err()}
		}
		return nil, classifyDialError(target, err)
	}

	conn := newConnection(raw, c.identity, c.codec, &c.opts)
	if _, err := conn.Handshake(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) connectWithPolicy(ctx context.Context, addr string, policy RetryPolicy) (*Connection, error) {
	var conn *Connection
	err := policy.Do(ctx, func(ctx context.Context) error {
		var err error
		conn, err = c.ConnectOnce(ctx, addr)
		return err
	}, func(err error, attempt int, next time.Duration) {
		c.opts.logger.Warn("connect failed, retrying",
			zap.String("addr", addr),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", next),
			zap.Error(err),
		)
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Ping sends a Ping with a random nonce and waits for the matching Pong,
// returning the round-trip time.
func (c *Client) Ping(ctx context.Context, conn *Connection, payload string) (time.Duration, error) {
	nonce, err := crypto.RandomUint64()
	if err != nil {
		return 0, err
	}

	start := time.Now()
	reply, err := exchange(ctx, conn, protocol.NewPing(nonce, payload))
	if err != nil {
		return 0, err
	}
	if !reply.IsPong() || reply.Nonce != nonce {
		return 0, fmt.Errorf("%w: %s for ping %d", ErrUnexpectedReply, reply, nonce)
	}
	return time.Since(start), nil
}

// SendMessageTo connects to addr, sends msg, waits for one reply and closes
// the connection.
func (c *Client) SendMessageTo(ctx context.Context, addr string, msg protocol.Message) (protocol.Message, error) {
	conn, err := c.Connect(ctx, addr)
	if err != nil {
		return protocol.Message{}, err
	}
	defer conn.Close()

	return exchange(ctx, conn, msg)
}

// exchange sends msg and returns the next message received, bounded by the
// connection's read timeout when ctx has no deadline.
func exchange(ctx context.Context, conn *Connection, msg protocol.Message) (protocol.Message, error) {
	if err := conn.SendMessage(ctx, msg); err != nil {
		return protocol.Message{}, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, conn.codec.Config().ReadTimeout)
		defer cancel()
	}
	reply, _, err := conn.ReceiveMessage(ctx)
	return reply, err
}
