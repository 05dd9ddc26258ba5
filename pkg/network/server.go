package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ZentaChain/mate-node/pkg/crypto"
	"github.com/ZentaChain/mate-node/pkg/protocol"
	"github.com/ZentaChain/mate-node/pkg/wire"
)

// Handler processes one verified message. A non-nil reply is sent back on
// the same connection. Returning an error closes the connection.
type Handler interface {
	HandleMessage(ctx context.Context, from crypto.PeerID, msg protocol.Message) (*protocol.Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, from crypto.PeerID, msg protocol.Message) (*protocol.Message, error)

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(ctx context.Context, from crypto.PeerID, msg protocol.Message) (*protocol.Message, error) {
	return f(ctx, from, msg)
}

// EchoHandler answers every Ping with a Pong carrying the same nonce and
// payload, and ignores Pongs.
func EchoHandler() Handler {
	return HandlerFunc(func(_ context.Context, _ crypto.PeerID, msg protocol.Message) (*protocol.Message, error) {
		if !msg.IsPing() {
			return nil, nil
		}
		pong := protocol.NewPong(msg.Nonce, msg.Payload)
		return &pong, nil
	})
}

var aLongTimeAgo = time.Unix(1, 0)

// Backoff bounds between failed accepts, e.g. while out of file descriptors.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Stats are the server's monotonic counters plus the live connection count.
type Stats struct {
	Accepted        uint64    `json:"accepted"`
	Rejected        uint64    `json:"rejected"`
	HandshakeFailed uint64    `json:"handshake_failed"`
	Active          int       `json:"active"`
	MessagesHandled uint64    `json:"messages_handled"`
	StartedAt       time.Time `json:"started_at"`
	ListenAddr      string    `json:"listen_addr"`
}

// Server accepts connections, authenticates them and dispatches messages to
// a Handler.
type Server struct {
	identity *crypto.Identity
	opts     options
	codec    *wire.Codec
	logger   *zap.Logger
	listener net.Listener
	limiter  *rate.Limiter
	started  time.Time

	mu     sync.Mutex
	conns  map[string]*Connection
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error

	accepted        atomic.Uint64
	rejected        atomic.Uint64
	handshakeFailed atomic.Uint64
	handled         atomic.Uint64
}

// Bind listens on addr, which may be host:port or a TCP multiaddr. Without
// WithWireConfig it uses wire.ServerConfig.
func Bind(addr string, identity *crypto.Identity, opts ...Option) (*Server, error) {
	target, err := ResolveAddress(addr)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", target)
	if err != nil {
		return nil, addressError("bind", target, err)
	}

	o := newOptions(wire.ServerConfig(), opts)
	s := &Server{
		identity: identity,
		opts:     o,
		listener: listener,
		started:  time.Now(),
		conns:    make(map[string]*Connection),
		done:     make(chan struct{}),
		logger:   o.logger.With(zap.String("listen", listener.Addr().String())),
	}
	s.codec = s.opts.buildCodec()
	if o.acceptRate != rate.Inf {
		s.limiter = rate.NewLimiter(o.acceptRate, o.acceptBurst)
	}

	s.logger.Info("server listening", zap.String("peer", identity.PeerID().Short()))
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Multiaddr returns the listening address as a multiaddr.
func (s *Server) Multiaddr() (multiaddr.Multiaddr, error) {
	return ToMultiaddr(s.listener.Addr())
}

// PeerID returns the server's identity.
func (s *Server) PeerID() crypto.PeerID { return s.identity.PeerID() }

// Accept waits for one stream and authenticates it as the responder. The
// caller owns the returned connection; it is not tracked by the server.
func (s *Server) Accept(ctx context.Context) (*Connection, error) {
	raw, err := s.acceptRaw(ctx)
	if err != nil {
		return nil, err
	}

	conn := newConnection(raw, s.identity, s.codec, &s.opts)
	if _, err := conn.AcceptHandshake(ctx); err != nil {
		s.handshakeFailed.Add(1)
		return nil, err
	}
	return conn, nil
}

func (s *Server) acceptRaw(ctx context.Context) (net.Conn, error) {
	if s.isClosed() {
		return nil, &Error{Kind: ErrorKindClosed, Op: "accept", Err: ErrServerClosed}
	}

	raw, err := s.acceptWithContext(ctx)
	if err != nil {
		if s.isClosed() {
			return nil, &Error{Kind: ErrorKindClosed, Op: "accept", Err: ErrServerClosed}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Kind: ErrorKindDial, Op: "accept", Err: err}
	}
	s.accepted.Add(1)
	return raw, nil
}

// acceptWithContext unblocks Accept when ctx ends by moving the listener
// deadline into the past.
func (s *Server) acceptWithContext(ctx context.Context) (net.Conn, error) {
	tl, ok := s.listener.(*net.TCPListener)
	if !ok {
		return s.listener.Accept()
	}

	tl.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		tl.SetDeadline(aLongTimeAgo)
	})
	defer stop()

	return tl.Accept()
}

// Serve accepts connections until ctx ends or Close is called. Each
// connection is served on its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	var tempDelay time.Duration
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return s.serveErr(ctx)
			}
		}

		raw, err := s.acceptRaw(ctx)
		if err != nil {
			if s.isClosed() || ctx.Err() != nil {
				return s.serveErr(ctx)
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}

			if tempDelay == 0 {
				tempDelay = minAcceptDelay
			} else {
				tempDelay *= 2
			}
			if tempDelay > maxAcceptDelay {
				tempDelay = maxAcceptDelay
			}
			s.logger.Warn("accept error", zap.Error(err), zap.Duration("retry_in", tempDelay))
			select {
			case <-time.After(tempDelay):
			case <-ctx.Done():
				return s.serveErr(ctx)
			case <-s.done:
				return s.serveErr(ctx)
			}
			continue
		}
		tempDelay = 0

		conn, ok := s.track(raw)
		if !ok {
			continue
		}

		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveErr(ctx context.Context) error {
	if s.isClosed() {
		return ErrServerClosed
	}
	return ctx.Err()
}

// track registers a new stream, or closes it if the server is full or
// shutting down.
func (s *Server) track(raw net.Conn) (*Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		raw.Close()
		return nil, false
	}
	if len(s.conns) >= s.opts.maxConnections {
		s.rejected.Add(1)
		s.opts.metrics.connectionResult("rejected")
		raw.Close()
		s.logger.Warn("connection rejected",
			zap.String("remote", raw.RemoteAddr().String()),
			zap.Error(ErrTooManyConnections),
		)
		return nil, false
	}

	conn := newConnection(raw, s.identity, s.codec, &s.opts)
	s.conns[conn.ID()] = conn
	s.wg.Add(1)
	s.opts.metrics.connectionOpened()
	return conn, true
}

func (s *Server) untrack(conn *Connection) {
	s.mu.Lock()
	delete(s.conns, conn.ID())
	s.mu.Unlock()
	s.opts.metrics.connectionClosed()
}

// serveConn handles one peer: handshake, then read, dispatch and reply
// until the peer leaves or the stream fails.
func (s *Server) serveConn(ctx context.Context, conn *Connection) {
	defer s.untrack(conn)
	defer conn.Close()

	peer, err := conn.AcceptHandshake(ctx)
	if err != nil {
		s.handshakeFailed.Add(1)
		s.opts.metrics.connectionResult("handshake_failed")
		return
	}
	s.opts.metrics.connectionResult("authenticated")

	logger := conn.logger.With(zap.String("peer", peer.Short()))
	for {
		msg, from, err := conn.ReceiveMessage(ctx)
		if err != nil {
			switch {
			case wire.IsClosed(err) || KindOf(err) == ErrorKindClosed:
				logger.Debug("peer disconnected")
			case ctx.Err() != nil:
			default:
				logger.Warn("receive failed", zap.Error(err))
			}
			return
		}

		reply, err := s.opts.handler.HandleMessage(ctx, from, msg)
		s.handled.Add(1)
		if err != nil {
			logger.Warn("handler failed", zap.Stringer("msg", msg), zap.Error(err))
			return
		}
		if reply == nil {
			continue
		}
		if err := conn.SendMessage(ctx, *reply); err != nil {
			logger.Warn("reply failed", zap.Error(err))
			return
		}
	}
}

func (s *Server) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Connections lists the connections currently served.
func (s *Server) Connections() []ConnectionInfo {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	infos := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.Info())
	}
	return infos
}

// Stats returns server statistics.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	active := len(s.conns)
	s.mu.Unlock()

	return Stats{
		Accepted:        s.accepted.Load(),
		Rejected:        s.rejected.Load(),
		HandshakeFailed: s.handshakeFailed.Load(),
		Active:          active,
		MessagesHandled: s.handled.Load(),
		StartedAt:       s.started,
		ListenAddr:      s.listener.Addr().String(),
	}
}

// Close stops accepting, closes every live connection and waits for their
// goroutines, at most the shutdown timeout. It is safe to call more than
// once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.done)
		conns := make([]*Connection, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		s.closeErr = s.listener.Close()
		for _, c := range conns {
			c.Close()
		}

		finished := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(s.opts.shutdownTimeout):
			s.logger.Warn("shutdown timed out waiting for connections")
		}
		s.logger.Info("server stopped")
	})
	return s.closeErr
}
