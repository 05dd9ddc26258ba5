package network

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/mate-node/pkg/crypto"
	"github.com/ZentaChain/mate-node/pkg/protocol"
	"github.com/ZentaChain/mate-node/pkg/wire"
)

func newIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	return id
}

type handshakeResult struct {
	peer crypto.PeerID
	err  error
}

// connectedPair returns two authenticated connections joined by net.Pipe.
func connectedPair(t *testing.T, opts ...Option) (initiator, responder *Connection) {
	t.Helper()
	a, b := net.Pipe()
	initiator = NewConnection(a, newIdentity(t), opts...)
	responder = NewConnection(b, newIdentity(t), opts...)
	t.Cleanup(func() {
		initiator.Close()
		responder.Close()
	})

	ctx := context.Background()
	done := make(chan handshakeResult, 1)
	go func() {
		peer, err := responder.AcceptHandshake(ctx)
		done <- handshakeResult{peer, err}
	}()

	_, err := initiator.Handshake(ctx)
	require.NoError(t, err)
	res := <-done
	require.NoError(t, res.err)
	return initiator, responder
}

func TestHandshakeAuthenticatesBothSides(t *testing.T) {
	initiator, responder := connectedPair(t)

	assert.True(t, initiator.IsAuthenticated())
	assert.True(t, responder.IsAuthenticated())
	assert.Equal(t, StateAuthenticated, initiator.State())

	peer, ok := initiator.PeerIdentity()
	require.True(t, ok)
	assert.Equal(t, responder.identity.PeerID(), peer)

	peer, ok = responder.PeerIdentity()
	require.True(t, ok)
	assert.Equal(t, initiator.identity.PeerID(), peer)

	assert.NotEqual(t, initiator.ID(), responder.ID())
	assert.False(t, initiator.Info().AuthenticatedAt.IsZero())
}

func TestSendReceiveBothDirections(t *testing.T) {
	initiator, responder := connectedPair(t)
	ctx := context.Background()

	sent := make(chan error, 1)
	go func() { sent <- initiator.SendMessage(ctx, protocol.NewPing(42, "hello")) }()
	msg, from, err := responder.ReceiveMessage(ctx)
	require.NoError(t, <-sent)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindPing, msg.Kind)
	assert.Equal(t, uint64(42), msg.Nonce)
	assert.Equal(t, "hello", msg.Payload)
	assert.Equal(t, initiator.identity.PeerID(), from)

	go func() { sent <- responder.SendMessage(ctx, protocol.NewPong(42, "hello")) }()
	msg, from, err = initiator.ReceiveMessage(ctx)
	require.NoError(t, <-sent)
	require.NoError(t, err)
	assert.True(t, msg.IsPong())
	assert.Equal(t, responder.identity.PeerID(), from)

	assert.Equal(t, uint64(1), initiator.Info().MessagesSent)
	assert.Equal(t, uint64(1), initiator.Info().MessagesReceived)
}

func TestMessagesRequireHandshake(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	conn := NewConnection(a, newIdentity(t))
	defer conn.Close()

	err := conn.SendMessage(context.Background(), protocol.NewPing(1, "x"))
	require.Error(t, err)
	assert.Equal(t, ErrorKindNotAuthenticated, KindOf(err))
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	_, _, err = conn.ReceiveMessage(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	_, ok := conn.PeerIdentity()
	assert.False(t, ok)
}

func TestCloseIsIdempotent(t *testing.T) {
	initiator, _ := connectedPair(t)

	require.NoError(t, initiator.Close())
	assert.False(t, initiator.IsAuthenticated())
	assert.True(t, initiator.IsClosed())
	_, ok := initiator.PeerIdentity()
	assert.False(t, ok)
	assert.Empty(t, initiator.Info().Peer)

	assert.NotPanics(t, func() { initiator.Close() })

	err := initiator.SendMessage(context.Background(), protocol.NewPing(1, "late"))
	assert.Equal(t, ErrorKindClosed, KindOf(err))
	assert.ErrorIs(t, err, ErrConnectionClosed)

	_, err = initiator.Handshake(context.Background())
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestHandshakeTwiceIsRejected(t *testing.T) {
	initiator, responder := connectedPair(t)

	_, err := initiator.Handshake(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyAuthenticated)
	_, err = responder.AcceptHandshake(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyAuthenticated)

	assert.True(t, initiator.IsAuthenticated(), "a rejected second handshake leaves the session intact")
}

// writeRaw sends env on the initiator's stream, bypassing signing.
func writeRaw(t *testing.T, c *Connection, env *protocol.SignedEnvelope) {
	t.Helper()
	go func() {
		c.codec.WriteMessage(context.Background(), c.conn, env)
	}()
}

func TestReceiveRejectsTamperedEnvelope(t *testing.T) {
	initiator, responder := connectedPair(t)

	env, err := protocol.CreateEnvelope(protocol.NewPing(7, "original"), initiator.identity)
	require.NoError(t, err)
	forged, err := protocol.NewPing(7, "forged").Encode()
	require.NoError(t, err)
	env.Payload = forged
	writeRaw(t, initiator, env)

	_, _, err = responder.ReceiveMessage(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuthenticationError(err))
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, Broken, responder.Health().State())
}

func TestReceiveRejectsForeignSender(t *testing.T) {
	initiator, responder := connectedPair(t)

	stranger := newIdentity(t)
	env, err := protocol.CreateEnvelope(protocol.NewPing(7, "hi"), stranger)
	require.NoError(t, err)
	require.NoError(t, env.Verify())
	writeRaw(t, initiator, env)

	_, _, err = responder.ReceiveMessage(context.Background())
	assert.True(t, IsAuthenticationError(err))
	assert.ErrorIs(t, err, ErrPeerMismatch)
}

func TestReceiveFreshness(t *testing.T) {
	t.Run("stale rejected", func(t *testing.T) {
		initiator, responder := connectedPair(t)

		old := uint64(time.Now().Add(-time.Hour).Unix())
		env, err := protocol.CreateEnvelopeAt(protocol.NewPing(1, "old"), initiator.identity, old)
		require.NoError(t, err)
		writeRaw(t, initiator, env)

		_, _, err = responder.ReceiveMessage(context.Background())
		assert.ErrorIs(t, err, ErrStaleMessage)
		assert.ErrorIs(t, err, protocol.ErrStaleEnvelope)
	})

	t.Run("disabled", func(t *testing.T) {
		initiator, responder := connectedPair(t, WithFreshness(0, 0))

		env, err := protocol.CreateEnvelopeAt(protocol.NewPing(1, "old"), initiator.identity, 0)
		require.NoError(t, err)
		writeRaw(t, initiator, env)

		msg, _, err := responder.ReceiveMessage(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "old", msg.Payload)
	})
}

func TestHandshakeRejectsNonHandshakeMessage(t *testing.T) {
	a, b := net.Pipe()
	responder := NewConnection(b, newIdentity(t))
	defer responder.Close()
	defer a.Close()

	codec := wire.NewCodec(wire.DefaultConfig())
	env, err := protocol.CreateEnvelope(protocol.NewPing(1, "not a handshake"), newIdentity(t))
	require.NoError(t, err)
	go codec.WriteMessage(context.Background(), a, env)

	_, err = responder.AcceptHandshake(context.Background())
	require.Error(t, err)
	assert.Equal(t, ErrorKindHandshake, KindOf(err))
	assert.ErrorIs(t, err, protocol.ErrInvalidHandshake)
	assert.True(t, responder.IsClosed())
}

func TestHandshakeRejectsImpersonation(t *testing.T) {
	a, b := net.Pipe()
	responder := NewConnection(b, newIdentity(t))
	defer responder.Close()
	defer a.Close()

	// Signed by one identity, claiming another.
	victim := newIdentity(t)
	codec := wire.NewCodec(wire.DefaultConfig())
	env, err := protocol.CreateEnvelope(protocol.NewHandshakeHello(9, victim.PeerID()), newIdentity(t))
	require.NoError(t, err)
	go codec.WriteMessage(context.Background(), a, env)

	_, err = responder.AcceptHandshake(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuthenticationError(err))
	assert.ErrorIs(t, err, ErrPeerMismatch)
	assert.True(t, responder.IsClosed())
}

func TestHandshakeTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	responder := NewConnection(b, newIdentity(t), WithHandshakeTimeout(100*time.Millisecond))

	start := time.Now()
	_, err := responder.AcceptHandshake(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, ErrorKindHandshake, KindOf(err))
	assert.True(t, wire.IsTimeout(err), "got %v", err)
	assert.Less(t, elapsed, 2*time.Second)
	assert.True(t, responder.IsClosed())
}

func TestHandshakeCanceled(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	initiator := NewConnection(b, newIdentity(t))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := initiator.Handshake(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled) || wire.KindOf(err) == wire.KindCanceled, "got %v", err)
	assert.False(t, DefaultRetryPolicy().ShouldRetry(err))
	assert.True(t, initiator.IsClosed())
}

func TestHandshakeMetrics(t *testing.T) {
	m := NewMetrics()
	connectedPair(t, WithMetrics(m))

	assert.Equal(t, 2, testutil.CollectAndCount(m.HandshakeLatency))
	assert.Equal(t, 0, testutil.CollectAndCount(m.HandshakeErrors))
	// hello, response, confirm
	assert.Equal(t, float64(3), testutil.ToFloat64(m.FramesRead))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.FramesWritten))
}

type recordedEnvelope struct {
	session string
	peer    crypto.PeerID
	inbound bool
	msg     protocol.Message
}

type memRecorder struct {
	ch chan recordedEnvelope
}

func (r *memRecorder) RecordEnvelope(_ context.Context, session string, peer crypto.PeerID, inbound bool, _ *protocol.SignedEnvelope, msg protocol.Message) error {
	r.ch <- recordedEnvelope{session, peer, inbound, msg}
	return nil
}

func TestRecorderSeesVerifiedTraffic(t *testing.T) {
	rec := &memRecorder{ch: make(chan recordedEnvelope, 4)}
	initiator, responder := connectedPair(t, WithRecorder(rec))
	ctx := context.Background()

	go initiator.SendMessage(ctx, protocol.NewPing(3, "logged"))
	_, _, err := responder.ReceiveMessage(ctx)
	require.NoError(t, err)

	got := []recordedEnvelope{<-rec.ch, <-rec.ch}
	var sawIn, sawOut bool
	for _, r := range got {
		assert.Equal(t, "logged", r.msg.Payload)
		if r.inbound {
			sawIn = true
			assert.Equal(t, responder.ID(), r.session)
			assert.Equal(t, initiator.identity.PeerID(), r.peer)
		} else {
			sawOut = true
			assert.Equal(t, initiator.ID(), r.session)
			assert.Equal(t, responder.identity.PeerID(), r.peer)
		}
	}
	assert.True(t, sawIn)
	assert.True(t, sawOut)
}
