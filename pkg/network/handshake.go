package network

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/mate-node/pkg/crypto"
	"github.com/ZentaChain/mate-node/pkg/protocol"
)

// Roles used in logs and metrics.
const (
	roleInitiator = "initiator"
	roleResponder = "responder"
)

// Handshake authenticates the connection as the dialing side:
//
//	-> hello    (our nonce)
//	<- response (our nonce, their challenge)
//	-> confirm  (their challenge)
//
// On failure the connection is closed.
func (c *Connection) Handshake(ctx context.Context) (crypto.PeerID, error) {
	return c.runHandshake(ctx, roleInitiator, c.initiate)
}

// AcceptHandshake authenticates the connection as the listening side. On
// failure the connection is closed.
func (c *Connection) AcceptHandshake(ctx context.Context) (crypto.PeerID, error) {
	return c.runHandshake(ctx, roleResponder, c.respond)
}

func (c *Connection) runHandshake(ctx context.Context, role string, exchange func(context.Context) (crypto.PeerID, error)) (crypto.PeerID, error) {
	if err := c.beginHandshake(); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.handshakeTimeout)
	defer cancel()

	start := time.Now()
	peer, err := exchange(ctx)
	if err == nil {
		err = c.authenticate(peer)
	}
	c.opts.metrics.observeHandshake(role, time.Since(start), err)

	if err != nil {
		c.logger.Warn("handshake failed", zap.String("role", role), zap.Error(err))
		c.Close()
		return "", handshakeError(c.conn.RemoteAddr().String(), err)
	}

	c.logger.Info("peer authenticated",
		zap.String("role", role),
		zap.String("peer", peer.Short()),
		zap.Duration("took", time.Since(start)),
	)
	return peer, nil
}

func (c *Connection) beginHandshake() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateConnecting:
		c.state = StateHandshaking
		return nil
	case StateClosed:
		return &Error{Kind: ErrorKindClosed, Op: "handshake", Err: ErrConnectionClosed}
	default:
		return &Error{Kind: ErrorKindHandshake, Op: "handshake", Err: ErrAlreadyAuthenticated}
	}
}

func (c *Connection) authenticate(peer crypto.PeerID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateHandshaking {
		return &Error{Kind: ErrorKindClosed, Op: "handshake", Err: ErrConnectionClosed}
	}
	c.state = StateAuthenticated
	c.peer = peer
	c.authenticatedAt = time.Now()
	return nil
}

func (c *Connection) initiate(ctx context.Context) (crypto.PeerID, error) {
	self := c.identity.PeerID()

	nonce, err := crypto.RandomUint64()
	if err != nil {
		return "", err
	}
	if err := c.writeHandshake(ctx, protocol.NewHandshakeHello(nonce, self)); err != nil {
		return "", err
	}

	env, resp, err := c.readHandshake(ctx, protocol.HandshakeResponse)
	if err != nil {
		return "", err
	}
	if resp.Nonce != nonce {
		return "", rejectHandshake("response nonce %d does not match %d", resp.Nonce, nonce)
	}

	if err := c.writeHandshake(ctx, protocol.NewHandshakeConfirm(resp.Challenge, self)); err != nil {
		return "", err
	}
	return env.Sender, nil
}

func (c *Connection) respond(ctx context.Context) (crypto.PeerID, error) {
	hello, greeting, err := c.readHandshake(ctx, protocol.HandshakeHello)
	if err != nil {
		return "", err
	}

	challenge, err := crypto.RandomUint64()
	if err != nil {
		return "", err
	}
	if err := c.writeHandshake(ctx, protocol.NewHandshakeResponse(greeting.Nonce, c.identity.PeerID(), challenge)); err != nil {
		return "", err
	}

	confirmEnv, confirm, err := c.readHandshake(ctx, protocol.HandshakeConfirm)
	if err != nil {
		return "", err
	}
	if confirmEnv.Sender != hello.Sender {
		return "", authError("handshake", hello.Sender, fmt.Errorf("%w: confirm signed by %s", ErrPeerMismatch, confirmEnv.Sender.Short()))
	}
	if confirm.Nonce != challenge {
		return "", rejectHandshake("confirm answers challenge %d, want %d", confirm.Nonce, challenge)
	}
	return hello.Sender, nil
}

func (c *Connection) writeHandshake(ctx context.Context, msg protocol.Message) error {
	env, err := protocol.CreateEnvelope(msg, c.identity)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.codec.WriteMessage(ctx, c.conn, env)
}

// readHandshake reads one handshake envelope and checks that it is signed by
// the identity it claims and is the expected stage.
func (c *Connection) readHandshake(ctx context.Context, want protocol.HandshakeStage) (*protocol.SignedEnvelope, protocol.Handshake, error) {
	env, err := c.codec.ReadMessage(ctx, c.conn)
	if err != nil {
		return nil, protocol.Handshake{}, err
	}

	if err := env.Verify(); err != nil {
		return nil, protocol.Handshake{}, authError("handshake", env.Sender, err)
	}
	if c.opts.maxAge > 0 {
		if err := env.CheckFreshness(time.Now(), c.opts.maxAge, c.opts.maxSkew); err != nil {
			return nil, protocol.Handshake{}, authError("handshake", env.Sender, fmt.Errorf("%w: %w", ErrStaleMessage, err))
		}
	}

	msg, err := env.Message()
	if err != nil {
		return nil, protocol.Handshake{}, err
	}
	hs, err := protocol.ParseHandshake(msg)
	if err != nil {
		return nil, protocol.Handshake{}, err
	}
	if hs.Stage != want {
		return nil, protocol.Handshake{}, rejectHandshake("got %s, want %s", hs.Stage, want)
	}
	if hs.Peer != env.Sender {
		return nil, protocol.Handshake{}, authError("handshake", env.Sender, fmt.Errorf("%w: claims %s", ErrPeerMismatch, hs.Peer.Short()))
	}
	return env, hs, nil
}
