package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/mate-node/pkg/crypto"
	"github.com/ZentaChain/mate-node/pkg/protocol"
)

func bindLocal(t *testing.T, opts ...Option) *Server {
	t.Helper()
	srv, err := Bind("127.0.0.1:0", newIdentity(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

// serve runs srv.Serve in the background and waits for it on cleanup.
func serve(t *testing.T, srv *Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestScenarioMutualAuthentication(t *testing.T) {
	srv := bindLocal(t)
	client := NewClient(newIdentity(t), WithRetryPolicy(NoRetryPolicy()))
	ctx := context.Background()

	accepted := make(chan *Connection, 1)
	go func() {
		conn, err := srv.Accept(ctx)
		assert.NoError(t, err)
		accepted <- conn
	}()

	clientConn, err := client.Connect(ctx, srv.Addr().String())
	require.NoError(t, err)
	defer clientConn.Close()
	serverConn := <-accepted
	require.NotNil(t, serverConn)
	defer serverConn.Close()

	assert.True(t, clientConn.IsAuthenticated())
	assert.True(t, serverConn.IsAuthenticated())

	peer, ok := clientConn.PeerIdentity()
	require.True(t, ok)
	assert.Equal(t, srv.PeerID(), peer)

	peer, ok = serverConn.PeerIdentity()
	require.True(t, ok)
	assert.Equal(t, client.Identity().PeerID(), peer)

	// Scenario B: the server sees the nonce, payload and sender.
	require.NoError(t, clientConn.SendMessage(ctx, protocol.NewPing(42, "hello")))
	msg, from, err := serverConn.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), msg.Nonce)
	assert.Equal(t, "hello", msg.Payload)
	assert.Equal(t, client.Identity().PeerID(), from)
}

func TestBindMultiaddr(t *testing.T) {
	srv, err := Bind("/ip4/127.0.0.1/tcp/0", newIdentity(t))
	require.NoError(t, err)
	defer srv.Close()

	maddr, err := srv.Multiaddr()
	require.NoError(t, err)
	assert.Contains(t, maddr.String(), "/ip4/127.0.0.1/tcp/")

	client := NewClient(newIdentity(t), WithRetryPolicy(NoRetryPolicy()))
	serve(t, srv)

	conn, err := client.Connect(context.Background(), maddr.String())
	require.NoError(t, err)
	defer conn.Close()
	assert.True(t, conn.IsAuthenticated())
}

func TestBindRejectsBadAddress(t *testing.T) {
	_, err := Bind("not an address", newIdentity(t))
	require.Error(t, err)
	assert.Equal(t, ErrorKindAddress, KindOf(err))
}

func TestServeEchoesPings(t *testing.T) {
	m := NewMetrics()
	srv := bindLocal(t, WithMetrics(m))
	serve(t, srv)

	client := NewClient(newIdentity(t), WithRetryPolicy(NoRetryPolicy()))
	ctx := context.Background()

	conn, err := client.Connect(ctx, srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	rtt, err := client.Ping(ctx, conn, "are you there")
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	reply, err := client.SendMessageTo(ctx, srv.Addr().String(), protocol.NewPing(77, "one shot"))
	require.NoError(t, err)
	assert.True(t, reply.IsPong())
	assert.Equal(t, uint64(77), reply.Nonce)
	assert.Equal(t, "one shot", reply.Payload)

	require.Eventually(t, func() bool { return srv.Stats().MessagesHandled == 2 }, time.Second, 10*time.Millisecond)
	stats := srv.Stats()
	assert.Equal(t, uint64(2), stats.Accepted)
	assert.Equal(t, uint64(0), stats.HandshakeFailed)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Connections.WithLabelValues("authenticated")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.MessagesReceived.WithLabelValues("ping")))
}

func TestServeMultipleClients(t *testing.T) {
	srv := bindLocal(t)
	serve(t, srv)

	const clients = 8
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := crypto.GenerateIdentity()
			if err != nil {
				errs <- err
				return
			}
			client := NewClient(id, WithRetryPolicy(NoRetryPolicy()))
			conn, err := client.Connect(context.Background(), srv.Addr().String())
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			for j := 0; j < 3; j++ {
				if _, err := client.Ping(context.Background(), conn, "concurrent"); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, uint64(clients*3), srv.Stats().MessagesHandled)
}

func TestServeConnectionsListing(t *testing.T) {
	srv := bindLocal(t)
	serve(t, srv)

	client := NewClient(newIdentity(t), WithRetryPolicy(NoRetryPolicy()))
	conn, err := client.Connect(context.Background(), srv.Addr().String())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		infos := srv.Connections()
		return len(infos) == 1 && infos[0].Peer == client.Identity().PeerID()
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "authenticated", srv.Connections()[0].State)

	conn.Close()
	require.Eventually(t, func() bool { return len(srv.Connections()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestServeCustomHandler(t *testing.T) {
	var mu sync.Mutex
	var seen []crypto.PeerID
	handler := HandlerFunc(func(_ context.Context, from crypto.PeerID, msg protocol.Message) (*protocol.Message, error) {
		mu.Lock()
		seen = append(seen, from)
		mu.Unlock()
		reply := protocol.NewPong(msg.Nonce, "ack:"+msg.Payload)
		return &reply, nil
	})

	srv := bindLocal(t, WithHandler(handler))
	serve(t, srv)

	client := NewClient(newIdentity(t), WithRetryPolicy(NoRetryPolicy()))
	reply, err := client.SendMessageTo(context.Background(), srv.Addr().String(), protocol.NewPing(5, "x"))
	require.NoError(t, err)
	assert.Equal(t, "ack:x", reply.Payload)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []crypto.PeerID{client.Identity().PeerID()}, seen)
}

func TestServeRejectsOverLimit(t *testing.T) {
	srv := bindLocal(t, WithMaxConnections(1))
	serve(t, srv)
	ctx := context.Background()

	client := NewClient(newIdentity(t), WithRetryPolicy(NoRetryPolicy()), WithHandshakeTimeout(time.Second))
	first, err := client.Connect(ctx, srv.Addr().String())
	require.NoError(t, err)
	defer first.Close()

	_, err = client.Connect(ctx, srv.Addr().String())
	require.Error(t, err)
	assert.Equal(t, ErrorKindHandshake, KindOf(err))
	assert.Equal(t, uint64(1), srv.Stats().Rejected)

	_, err = client.Ping(ctx, first, "still served")
	assert.NoError(t, err)
}

func TestServeHandshakeFailureCounted(t *testing.T) {
	srv := bindLocal(t, WithHandshakeTimeout(100*time.Millisecond))
	serve(t, srv)

	raw, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Write([]byte{0, 0, 0, 3, 'b', 'a', 'd'})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return srv.Stats().HandshakeFailed == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestServerClose(t *testing.T) {
	srv, err := Bind("127.0.0.1:0", newIdentity(t), WithShutdownTimeout(time.Second))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()

	client := NewClient(newIdentity(t), WithRetryPolicy(NoRetryPolicy()))
	conn, err := client.Connect(context.Background(), srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, srv.Close())
	assert.NotPanics(t, func() { srv.Close() })

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrServerClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}

	_, err = client.Ping(context.Background(), conn, "after close")
	assert.Error(t, err)

	_, err = srv.Accept(context.Background())
	assert.ErrorIs(t, err, ErrServerClosed)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	srv := bindLocal(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestAcceptHonorsContext(t *testing.T) {
	srv := bindLocal(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := srv.Accept(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// failingListener reports a persistent accept error until closed.
type failingListener struct {
	net.Listener
	calls atomic.Int32
}

func (l *failingListener) Accept() (net.Conn, error) {
	l.calls.Add(1)
	return nil, errors.New("accept: too many open files")
}

func TestServeBacksOffOnAcceptErrors(t *testing.T) {
	srv := bindLocal(t)
	fl := &failingListener{Listener: srv.listener}
	srv.listener = fl

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()

	time.Sleep(150 * time.Millisecond)
	calls := fl.calls.Load()
	assert.GreaterOrEqual(t, calls, int32(2))
	assert.Less(t, calls, int32(20), "accept retried without delay")

	require.NoError(t, srv.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}
