// Package server answers hash membership queries over TCP.
//
// The wire protocol is line oriented. Each request is one line terminated
// by "\n" (carriage returns are ignored), uppercased and split on spaces.
// Replies are terminated by "\r\n":
//
//	VERSION: 2.0          OK
//	STATUS                OK NOT SUPPORTED
//	QUERY <hash> ...      OK <one 1 or 0 per hash>
//	UPSHIFT, DOWNSHIFT    NOT OK
//	BYE                   (connection closed)
//
// Any other line, including an empty one, is answered with NOT OK and the
// connection is closed. A line that is not completed within the read timeout,
// or that grows beyond the line limit, also closes the connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tamirms/digestindex"
	idxerrors "github.com/tamirms/digestindex/errors"
)

// Set is the read-only membership view the server queries.
// *digestindex.Index satisfies it.
type Set interface {
	Contains(id digestindex.Identifier) bool
}

const (
	// DefaultPort is the port nsrlsvr listens on unless configured otherwise.
	DefaultPort = 9120

	defaultReadTimeout    = 15 * time.Second
	defaultWriteTimeout   = 15 * time.Second
	defaultMaxLineBytes   = 65535
	defaultMaxConnections = 256

	// Accept failures such as EMFILE are retried with a doubling delay.
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Config configures a Server. Zero values select the defaults.
type Config struct {
	// Addr is the TCP address for ListenAndServe. Default: ":9120"
	Addr string

	// ReadTimeout bounds the wait for one complete request line. Default: 15s
	ReadTimeout time.Duration

	// WriteTimeout bounds writing one reply. Default: 15s
	WriteTimeout time.Duration

	// MaxLineBytes caps a pending request line. Default: 65535
	MaxLineBytes int

	// MaxConnections caps concurrently served clients. Further clients wait
	// in the listen backlog. Default: 256
	MaxConnections int64

	// QueriesPerSecond limits the hashes answered per second on each
	// connection. Zero means unlimited.
	QueriesPerSecond float64

	// Logger receives connection and error records. Default: discard.
	Logger *slog.Logger
}

// Stats is a snapshot of server counters.
type Stats struct {
	Connections uint64 // connections accepted
	Active      int64  // connections currently served
	Queries     uint64 // QUERY commands answered
	Hashes      uint64 // hashes looked up
	Hits        uint64 // hashes found in the set
	Rejected    uint64 // connections closed for protocol violations
}

// Server serves membership queries against a Set.
type Server struct {
	set    Set
	cfg    Config
	logger *slog.Logger
	sem    *semaphore.Weighted

	started atomic.Bool

	connections atomic.Uint64
	active      atomic.Int64
	queries     atomic.Uint64
	hashes      atomic.Uint64
	hits        atomic.Uint64
	rejected    atomic.Uint64
}

// New returns a Server answering from set.
func New(set Set, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = fmt.Sprintf(":%d", DefaultPort)
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = defaultMaxLineBytes
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		set:    set,
		cfg:    cfg,
		logger: logger,
		sem:    semaphore.NewWeighted(cfg.MaxConnections),
	}
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes the
// listener and every live connection and waits for their handlers.
// It returns nil after a cancellation, or the error that stopped the
// accept loop otherwise. A Server serves at most once; later calls
// return ErrServerClosed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.started.CompareAndSwap(false, true) {
		ln.Close()
		return idxerrors.ErrServerClosed
	}

	g, gctx := errgroup.WithContext(ctx)

	// Unblock Accept when the group is cancelled.
	g.Go(func() error {
		<-gctx.Done()
		ln.Close()
		return nil
	})

	g.Go(func() error {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		var delay time.Duration
		for {
			if err := s.sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			conn, err := ln.Accept()
			if err != nil {
				s.sem.Release(1)
				if gctx.Err() != nil {
					return nil
				}
				if errors.Is(err, net.ErrClosed) {
					return fmt.Errorf("%w: %w", idxerrors.ErrServerClosed, err)
				}
				delay = min(max(2*delay, minAcceptDelay), maxAcceptDelay)
				s.logger.Error("accept failed", "error", err, "retry_in", delay)
				select {
				case <-time.After(delay):
				case <-gctx.Done():
					return nil
				}
				continue
			}
			delay = 0

			g.Go(func() error {
				defer s.sem.Release(1)
				s.serveConn(gctx, conn)
				return nil
			})
		}
	})

	err := g.Wait()
	s.logger.Info("server stopped", "connections", s.connections.Load(), "queries", s.queries.Load())
	return err
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Stats {
	return Stats{
		Connections: s.connections.Load(),
		Active:      s.active.Load(),
		Queries:     s.queries.Load(),
		Hashes:      s.hashes.Load(),
		Hits:        s.hits.Load(),
		Rejected:    s.rejected.Load(),
	}
}
