// Package client queries an nsrlsvr membership server.
//
//	c, err := client.Dial(ctx, "localhost:9120")
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//	found, err := c.Query(ctx, ids)
//
// A Client is safe for concurrent use; requests are serialized on the
// single underlying connection.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tamirms/digestindex"
	idxerrors "github.com/tamirms/digestindex/errors"
)

// ProtocolVersion is announced during the handshake.
const ProtocolVersion = "2.0"

const (
	defaultTimeout   = 15 * time.Second
	defaultBatchSize = 1024
)

// Option configures a Client.
type Option func(*options)

type options struct {
	timeout   time.Duration
	batchSize int
	dialer    *net.Dialer
	logger    *slog.Logger
}

// WithTimeout bounds each request when the context carries no deadline.
// Default: 15s.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithBatchSize sets how many identifiers are sent per QUERY line.
// The default of 1024 keeps lines well under the server's line limit.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithDialer sets the dialer used to connect.
func WithDialer(d *net.Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

// WithLogger sets the logger for connection records.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Client is a connection to a membership server.
type Client struct {
	opts options
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	mu  sync.Mutex
	err error // sticky; set once the connection state is unknown
}

// Dial connects to addr and performs the version handshake.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	o := options{
		timeout:   defaultTimeout,
		batchSize: defaultBatchSize,
		dialer:    &net.Dialer{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}

	conn, err := o.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	c := &Client{
		opts: o,
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}

	reply, err := c.roundTrip(ctx, "Version: "+ProtocolVersion)
	if err == nil && reply != "OK" {
		err = fmt.Errorf("%w: handshake rejected: %q", idxerrors.ErrProtocol, reply)
	}
	if err != nil {
		return nil, errors.Join(err, conn.Close())
	}

	o.logger.Debug("connected", "addr", addr)
	return c, nil
}

// Query reports, for each identifier, whether the server's set contains it.
func (c *Client) Query(ctx context.Context, ids []digestindex.Identifier) ([]bool, error) {
	found := make([]bool, 0, len(ids))
	line := make([]byte, 0, len("QUERY")+min(len(ids), c.opts.batchSize)*(digestindex.IdentifierLen+1))

	for batch := range slices.Chunk(ids, c.opts.batchSize) {
		line = append(line[:0], "QUERY"...)
		for _, id := range batch {
			line = append(line, ' ')
			line, _ = id.AppendText(line)
		}

		reply, err := c.roundTrip(ctx, string(line))
		if err != nil {
			return nil, err
		}
		bits, ok := strings.CutPrefix(reply, "OK ")
		if !ok || len(bits) != len(batch) {
			return nil, c.fail(fmt.Errorf("%w: unexpected QUERY reply %q", idxerrors.ErrProtocol, reply))
		}
		for i := range len(bits) {
			switch bits[i] {
			case '1':
				found = append(found, true)
			case '0':
				found = append(found, false)
			default:
				return nil, c.fail(fmt.Errorf("%w: unexpected QUERY reply %q", idxerrors.ErrProtocol, reply))
			}
		}
	}
	return found, nil
}

// QueryStrings parses hashes and queries them. It fails on the first
// malformed hash without contacting the server.
func (c *Client) QueryStrings(ctx context.Context, hashes []string) ([]bool, error) {
	ids := make([]digestindex.Identifier, len(hashes))
	for i, h := range hashes {
		id, err := digestindex.ParseIdentifier(h)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return c.Query(ctx, ids)
}

// Status returns the server's status text.
func (c *Client) Status(ctx context.Context) (string, error) {
	reply, err := c.roundTrip(ctx, "STATUS")
	if err != nil {
		return "", err
	}
	status, ok := strings.CutPrefix(reply, "OK ")
	if !ok {
		return "", fmt.Errorf("%w: unexpected STATUS reply %q", idxerrors.ErrProtocol, reply)
	}
	return status, nil
}

// Close says goodbye and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.err == nil {
		c.conn.SetWriteDeadline(time.Now().Add(c.opts.timeout))
		c.w.WriteString("BYE\r\n")
		if err := c.w.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("sending BYE: %w", err))
		}
		c.err = net.ErrClosed
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// roundTrip sends one request line and reads one reply line.
func (c *Client) roundTrip(ctx context.Context, request string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return "", c.err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.opts.timeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return "", c.failLocked(err)
	}
	// Wake blocked I/O on cancellation.
	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Now()) })
	defer stop()

	c.w.WriteString(request)
	c.w.WriteString("\r\n")
	if err := c.w.Flush(); err != nil {
		return "", c.failLocked(errors.Join(ctx.Err(), err))
	}

	reply, err := c.r.ReadString('\n')
	if err != nil {
		return "", c.failLocked(errors.Join(ctx.Err(), err))
	}
	if !strings.HasSuffix(reply, "\r\n") {
		return "", c.failLocked(fmt.Errorf("%w: reply not CRLF terminated", idxerrors.ErrProtocol))
	}
	return strings.TrimSuffix(reply, "\r\n"), nil
}

// fail marks the connection unusable.
func (c *Client) fail(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failLocked(err)
}

func (c *Client) failLocked(err error) error {
	if c.err == nil {
		c.err = err
	}
	return err
}
