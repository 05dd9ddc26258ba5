package network

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPoolSize is the number of cached connections kept by NewPool when
// maxConns is not positive.
const DefaultPoolSize = 16

type poolEntry struct {
	addr     string
	conn     *Connection
	lastUsed time.Time
}

// Pool caches authenticated connections by address. When full, the least
// recently used connection is closed to make room.
type Pool struct {
	client   *Client
	maxConns int
	logger   *zap.Logger

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	closed  bool
}

// NewPool creates a new connection pool dialing through client.
func NewPool(client *Client, maxConns int) *Pool {
	if maxConns <= 0 {
		maxConns = DefaultPoolSize
	}
	return &Pool{
		client:   client,
		maxConns: maxConns,
		logger:   client.opts.logger.Named("pool"),
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Get returns a live connection to addr, dialing one if needed.
// Connections that are closed or broken are replaced.
func (p *Pool) Get(ctx context.Context, addr string) (*Connection, error) {
	key, err := ResolveAddress(addr)
	if err != nil {
		return nil, err
	}

	if conn, err := p.lookup(key); conn != nil || err != nil {
		return conn, err
	}

	conn, err := p.client.Connect(ctx, key)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		conn.Close()
		return nil, ErrPoolClosed
	}
	// Lost a race with another Get for the same address.
	if el, ok := p.entries[key]; ok {
		e := el.Value.(*poolEntry)
		if usable(e.conn) {
			conn.Close()
			e.lastUsed = time.Now()
			p.lru.MoveToFront(el)
			return e.conn, nil
		}
		p.removeLocked(el)
	}

	for p.lru.Len() >= p.maxConns {
		p.evictOldest()
	}
	p.entries[key] = p.lru.PushFront(&poolEntry{addr: key, conn: conn, lastUsed: time.Now()})
	return conn, nil
}

func (p *Pool) lookup(key string) (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	el, ok := p.entries[key]
	if !ok {
		return nil, nil
	}
	e := el.Value.(*poolEntry)
	if !usable(e.conn) {
		p.removeLocked(el)
		return nil, nil
	}
	e.lastUsed = time.Now()
	p.lru.MoveToFront(el)
	return e.conn, nil
}

func usable(c *Connection) bool {
	return c.IsAuthenticated() && c.Health().AllowAttempt()
}

// Remove closes and forgets the connection to addr.
func (p *Pool) Remove(addr string) {
	key, err := ResolveAddress(addr)
	if err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.entries[key]; ok {
		p.removeLocked(el)
	}
}

// Len returns the number of cached connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Len()
}

// evictOldest closes the least recently used connection (must be called
// with lock held)
func (p *Pool) evictOldest() {
	el := p.lru.Back()
	if el == nil {
		return
	}
	e := el.Value.(*poolEntry)
	p.logger.Debug("evicting connection", zap.String("addr", e.addr), zap.Time("last_used", e.lastUsed))
	p.removeLocked(el)
}

func (p *Pool) removeLocked(el *list.Element) {
	e := p.lru.Remove(el).(*poolEntry)
	delete(p.entries, e.addr)
	e.conn.Close()
}

// PingAll pings every cached connection and drops the ones that fail. It
// reads the pong itself, so it must not run while a caller is receiving on
// a pooled connection.
func (p *Pool) PingAll(ctx context.Context) {
	p.mu.Lock()
	entries := make([]*poolEntry, 0, p.lru.Len())
	for el := p.lru.Front(); el != nil; el = el.Next() {
		entries = append(entries, el.Value.(*poolEntry))
	}
	p.mu.Unlock()

	for _, e := range entries {
		if _, err := p.client.Ping(ctx, e.conn, "keepalive"); err != nil {
			p.logger.Warn("keepalive failed", zap.String("addr", e.addr), zap.Error(err))
			p.drop(e)
		}
	}
}

func (p *Pool) drop(e *poolEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.entries[e.addr]; ok && el.Value.(*poolEntry) == e {
		p.removeLocked(el)
	}
}

// StartHealthCheck pings all connections every interval until ctx ends.
func (p *Pool) StartHealthCheck(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.PingAll(ctx)
			}
		}
	}()
}

// Close closes all connections and shuts down the pool
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	p.closed = true

	for p.lru.Len() > 0 {
		p.removeLocked(p.lru.Front())
	}
	return nil
}
