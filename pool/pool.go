// Package pool provides the bounded per-node connection pool.  Multiple
// application goroutines check connections out and in concurrently while
// the tend loop may close the pool when its node is removed.
package pool

import (
	"context"
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("pool: connection pool is closed")
)

// Dialer produces a fresh connection to the pool's endpoint.
type Dialer func(ctx context.Context) (net.Conn, error)

type Options struct {
	Logger *zap.Logger

	// Capacity bounds the number of idle connections retained.  Checked-out
	// connections are not counted; returning one to a full pool closes it.
	Capacity int
	Dial     Dialer
}

type Pool struct {
	logger *zap.Logger
	dial   Dialer

	idle   chan net.Conn
	closed atomic.Bool
}

func New(opts Options) *Pool {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 1
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pool{
		logger: logger,
		dial:   opts.Dial,
		idle:   make(chan net.Conn, capacity),
	}
}

// Get returns an idle connection if one is available, otherwise dials a
// new one.  It never waits for another goroutine to return a connection.
func (p *Pool) Get(ctx context.Context) (net.Conn, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	select {
	case conn, ok := <-p.idle:
		if !ok {
			return nil, ErrPoolClosed
		}
		return conn, nil
	default:
	}

	conn, err := p.dial(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "pool: dial failed")
	}

	return conn, nil
}

// Put returns a healthy connection to the pool.  If the pool has been
// closed, or is already at capacity, the connection is closed instead so
// a borrowed connection from a removed node is never reused.
func (p *Pool) Put(conn net.Conn) {
	if conn == nil {
		return
	}

	if p.closed.Load() {
		p.closeConn(conn)
		return
	}

	select {
	case p.idle <- conn:
	default:
		p.closeConn(conn)
		return
	}

	// Close may have drained between the closed check and the enqueue,
	// which would strand the connection in a closed pool.  Re-check and
	// drain; whichever side observes both the close and the enqueue
	// disposes of it.
	if p.closed.Load() {
		p.drain()
	}
}

// Discard disposes of a connection that failed mid-use.
func (p *Pool) Discard(conn net.Conn) {
	if conn != nil {
		p.closeConn(conn)
	}
}

// Close marks the pool closed and drains every idle connection.  Safe to
// call concurrently with Get/Put.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.drain()
}

func (p *Pool) drain() {
	for {
		select {
		case conn := <-p.idle:
			p.closeConn(conn)
		default:
			return
		}
	}
}

// Len reports the number of idle connections currently pooled.
func (p *Pool) Len() int {
	return len(p.idle)
}

func (p *Pool) closeConn(conn net.Conn) {
	err := conn.Close()
	if err != nil {
		p.logger.Debug("failed to close pooled connection", zap.Error(err))
	}
}

// NewDialer builds a Dialer for one endpoint with an optional TLS wrap.
// serverName selects the expected certificate identity when tlsConfig is
// provided.
func NewDialer(address string, timeout time.Duration, tlsConfig *tls.Config, serverName string) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		dialer := &net.Dialer{Timeout: timeout}

		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, err
		}

		if tlsConfig == nil {
			return conn, nil
		}

		cfg := tlsConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = serverName
		}

		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}

		return tlsConn, nil
	}
}
