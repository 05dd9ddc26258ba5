package network

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/mate-node/pkg/crypto"
	"github.com/ZentaChain/mate-node/pkg/protocol"
)

// closedPort returns a loopback address nothing listens on.
func closedPort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestConnectRefused(t *testing.T) {
	client := NewClient(newIdentity(t))
	_, err := client.ConnectOnce(context.Background(), closedPort(t))
	require.Error(t, err)
	assert.Equal(t, ErrorKindRefused, KindOf(err))
	assert.True(t, IsRetryable(err))
}

func TestConnectRetriesRefused(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: 20 * time.Millisecond, MaxDelay: time.Second, Multiplier: 1, RetryOnConnectionErrors: true}
	client := NewClient(newIdentity(t), WithRetryPolicy(policy))

	start := time.Now()
	_, err := client.Connect(context.Background(), closedPort(t))
	require.Error(t, err)
	assert.Equal(t, ErrorKindRefused, KindOf(err))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "two waits between three attempts")
}

func TestConnectAddressErrorsFailFast(t *testing.T) {
	slow := RetryPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Second, MaxDelay: time.Minute, Multiplier: 2, RetryOnTimeout: true, RetryOnConnectionErrors: true, RetryOnTransientIO: true}
	client := NewClient(newIdentity(t), WithRetryPolicy(slow))

	for _, addr := range []string{"", "no-port", "127.0.0.1:http", "/ip4/127.0.0.1/udp/9000", "/not/a/multiaddr"} {
		start := time.Now()
		_, err := client.Connect(context.Background(), addr)
		require.Error(t, err, addr)
		assert.Equal(t, ErrorKindAddress, KindOf(err), addr)
		assert.Less(t, time.Since(start), time.Second, addr)
	}
}

func TestConnectWithStrategy(t *testing.T) {
	srv := bindLocal(t)
	serve(t, srv)

	client := NewClient(newIdentity(t))
	conn, err := client.ConnectWithStrategy(context.Background(), srv.Addr().String(), RetryQuick)
	require.NoError(t, err)
	defer conn.Close()
	assert.True(t, conn.IsAuthenticated())
}

func TestConnectHonorsContext(t *testing.T) {
	client := NewClient(newIdentity(t), WithRetryPolicy(AggressiveRetryPolicy()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Connect(ctx, closedPort(t))
	assert.Error(t, err)
}

func TestConnectOnceCanceledIsTyped(t *testing.T) {
	client := NewClient(newIdentity(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	addr := closedPort(t)
	_, err := client.ConnectOnce(ctx, addr)
	require.Error(t, err)
	assert.Equal(t, ErrorKindDial, KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsRetryable(err))

	var ne *Error
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, addr, ne.Addr)
}

func TestPingRequiresAuthentication(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	conn := NewConnection(a, newIdentity(t))
	defer conn.Close()

	_, err := NewClient(newIdentity(t)).Ping(context.Background(), conn, "x")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestEchoSession(t *testing.T) {
	srv := bindLocal(t)
	serve(t, srv)

	client := NewClient(newIdentity(t), WithRetryPolicy(NoRetryPolicy()))
	ctx := context.Background()
	conn, err := client.Connect(ctx, srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	report, err := client.EchoSession(ctx, conn, 5, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Sent)
	assert.Equal(t, 5, report.Succeeded)
	assert.Equal(t, 1.0, report.SuccessRate())
	assert.Equal(t, 200+400+600+800+1000, report.BytesSent)
	assert.LessOrEqual(t, report.MinRTT, report.AvgRTT)
	assert.LessOrEqual(t, report.AvgRTT, report.MaxRTT)
	assert.Empty(t, report.Errors)
	assert.Equal(t, Healthy, conn.Health().State())
}

func TestEchoSessionDetectsCorruptEcho(t *testing.T) {
	liar := HandlerFunc(func(_ context.Context, _ crypto.PeerID, msg protocol.Message) (*protocol.Message, error) {
		pong := protocol.NewPong(msg.Nonce, strings.ToUpper(msg.Payload))
		return &pong, nil
	})
	srv := bindLocal(t, WithHandler(liar))
	serve(t, srv)

	client := NewClient(newIdentity(t), WithRetryPolicy(NoRetryPolicy()))
	ctx := context.Background()
	conn, err := client.Connect(ctx, srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	report, err := client.EchoSession(ctx, conn, 3, 0)
	assert.ErrorIs(t, err, ErrEchoFailed)
	require.NotNil(t, report)
	assert.Equal(t, 3, report.Sent)
	assert.Zero(t, report.Succeeded)
	assert.Len(t, report.Errors, 3)
}

func TestEchoPayloadSizes(t *testing.T) {
	for seq, want := range map[int]int{1: 200, 2: 400, 5: 1000, 6: MaxEchoPayloadSize, 50: MaxEchoPayloadSize} {
		p := echoPayload(seq, 1<<63)
		assert.Len(t, p, want, "seq %d", seq)
		assert.True(t, strings.HasPrefix(p, echoPrefix))
	}
}

func TestConnectionQuality(t *testing.T) {
	srv := bindLocal(t)
	serve(t, srv)

	client := NewClient(newIdentity(t), WithRetryPolicy(NoRetryPolicy()))
	report, err := client.TestConnectionQuality(context.Background(), srv.Addr().String(), 3)
	require.NoError(t, err)

	assert.Equal(t, srv.PeerID(), report.Peer)
	assert.Empty(t, report.EchoError)
	require.NotNil(t, report.Echo)
	assert.Equal(t, 3, report.Echo.Succeeded)
	assert.Equal(t, QualityExcellent, report.Rating)
	assert.True(t, report.Acceptable())
	assert.GreaterOrEqual(t, report.Total, report.ConnectTime)
}

func TestConnectionQualityUnreachable(t *testing.T) {
	client := NewClient(newIdentity(t), WithRetryPolicy(NoRetryPolicy()))
	_, err := client.TestConnectionQuality(context.Background(), closedPort(t), 3)
	assert.Equal(t, ErrorKindRefused, KindOf(err))
}

func TestRateQuality(t *testing.T) {
	tests := []struct {
		connect, echo time.Duration
		echoErr       string
		want          string
	}{
		{500 * time.Millisecond, 2 * time.Second, "", QualityExcellent},
		{1500 * time.Millisecond, 2 * time.Second, "", QualityGood},
		{time.Second, 8 * time.Second, "", QualityGood},
		{4 * time.Second, 20 * time.Second, "", QualityFair},
		{6 * time.Second, time.Second, "", QualityPoor},
		{10 * time.Millisecond, 10 * time.Millisecond, "echo failed", QualityPoor},
	}
	for _, tt := range tests {
		q := &QualityReport{ConnectTime: tt.connect, EchoTime: tt.echo, EchoError: tt.echoErr}
		assert.Equal(t, tt.want, rateQuality(q), "connect=%s echo=%s", tt.connect, tt.echo)
	}
}
