package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolReusesConnections(t *testing.T) {
	srv := bindLocal(t)
	serve(t, srv)

	client := NewClient(newIdentity(t), WithRetryPolicy(NoRetryPolicy()))
	pool := NewPool(client, 2)
	defer pool.Close()
	ctx := context.Background()

	first, err := pool.Get(ctx, srv.Addr().String())
	require.NoError(t, err)
	second, err := pool.Get(ctx, srv.Addr().String())
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, pool.Len())

	maddr, err := srv.Multiaddr()
	require.NoError(t, err)
	third, err := pool.Get(ctx, maddr.String())
	require.NoError(t, err)
	assert.Same(t, first, third, "multiaddr and host:port name the same entry")
}

func TestPoolReplacesClosedConnections(t *testing.T) {
	srv := bindLocal(t)
	serve(t, srv)

	client := NewClient(newIdentity(t), WithRetryPolicy(NoRetryPolicy()))
	pool := NewPool(client, 2)
	defer pool.Close()
	ctx := context.Background()

	first, err := pool.Get(ctx, srv.Addr().String())
	require.NoError(t, err)
	first.Close()

	second, err := pool.Get(ctx, srv.Addr().String())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.True(t, second.IsAuthenticated())
	assert.Equal(t, 1, pool.Len())
}

func TestPoolEvictsLeastRecentlyUsed(t *testing.T) {
	servers := []*Server{bindLocal(t), bindLocal(t), bindLocal(t)}
	for _, s := range servers {
		serve(t, s)
	}

	client := NewClient(newIdentity(t), WithRetryPolicy(NoRetryPolicy()))
	pool := NewPool(client, 2)
	defer pool.Close()
	ctx := context.Background()

	a, err := pool.Get(ctx, servers[0].Addr().String())
	require.NoError(t, err)
	b, err := pool.Get(ctx, servers[1].Addr().String())
	require.NoError(t, err)

	// Touch a so b becomes the oldest.
	_, err = pool.Get(ctx, servers[0].Addr().String())
	require.NoError(t, err)

	_, err = pool.Get(ctx, servers[2].Addr().String())
	require.NoError(t, err)

	assert.Equal(t, 2, pool.Len())
	assert.True(t, b.IsClosed())
	assert.False(t, a.IsClosed())
}

func TestPoolPingAllDropsDeadConnections(t *testing.T) {
	alive := bindLocal(t)
	serve(t, alive)
	dying := bindLocal(t, WithShutdownTimeout(time.Second))
	serve(t, dying)

	client := NewClient(newIdentity(t), WithRetryPolicy(NoRetryPolicy()))
	pool := NewPool(client, 4)
	defer pool.Close()
	ctx := context.Background()

	_, err := pool.Get(ctx, alive.Addr().String())
	require.NoError(t, err)
	_, err = pool.Get(ctx, dying.Addr().String())
	require.NoError(t, err)
	require.Equal(t, 2, pool.Len())

	require.NoError(t, dying.Close())

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	pool.PingAll(pingCtx)
	assert.Equal(t, 1, pool.Len())
}

func TestPoolClose(t *testing.T) {
	srv := bindLocal(t)
	serve(t, srv)

	client := NewClient(newIdentity(t), WithRetryPolicy(NoRetryPolicy()))
	pool := NewPool(client, 0)
	ctx := context.Background()

	conn, err := pool.Get(ctx, srv.Addr().String())
	require.NoError(t, err)

	require.NoError(t, pool.Close())
	assert.True(t, conn.IsClosed())
	assert.Zero(t, pool.Len())
	assert.ErrorIs(t, pool.Close(), ErrPoolClosed)

	_, err = pool.Get(ctx, srv.Addr().String())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolRejectsBadAddress(t *testing.T) {
	pool := NewPool(NewClient(newIdentity(t)), 1)
	defer pool.Close()

	_, err := pool.Get(context.Background(), "nope")
	assert.Equal(t, ErrorKindAddress, KindOf(err))
	assert.NotPanics(t, func() { pool.Remove("nope") })
}
