package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamirms/digestindex"
	idxerrors "github.com/tamirms/digestindex/errors"
)

const (
	hashA = "AABBCCDDEEFF00112233445566778899"
	hashB = "00112233445566778899AABBCCDDEEFF"
	hashZ = "FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF"
)

func newTestIndex(t *testing.T) *digestindex.Index {
	t.Helper()
	idx, err := digestindex.Build([]digestindex.Identifier{
		digestindex.MustParseIdentifier(hashA),
		digestindex.MustParseIdentifier(hashB),
	})
	require.NoError(t, err)
	return idx
}

// startServer serves set on a loopback listener until the test ends.
func startServer(t *testing.T, set Set, cfg Config) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(set, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv, ln.Addr().String()
}

type testConn struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *testConn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	return &testConn{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testConn) send(line string) {
	c.t.Helper()
	_, err := io.WriteString(c.conn, line)
	require.NoError(c.t, err)
}

func (c *testConn) recv() string {
	c.t.Helper()
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	require.True(c.t, strings.HasSuffix(line, "\r\n"), "reply %q not CRLF terminated", line)
	return strings.TrimSuffix(line, "\r\n")
}

func (c *testConn) roundTrip(line string) string {
	c.t.Helper()
	c.send(line + "\r\n")
	return c.recv()
}

func (c *testConn) requireClosed() {
	c.t.Helper()
	_, err := c.r.ReadByte()
	require.Error(c.t, err, "connection still open")
}

func TestProtocolReplies(t *testing.T) {
	_, addr := startServer(t, newTestIndex(t), Config{})
	c := dial(t, addr)

	assert.Equal(t, "OK", c.roundTrip("Version: 2.0"))
	assert.Equal(t, "OK NOT SUPPORTED", c.roundTrip("STATUS"))
	assert.Equal(t, "NOT OK", c.roundTrip("UPSHIFT"))
	assert.Equal(t, "NOT OK", c.roundTrip("DOWNSHIFT"))
	assert.Equal(t, "OK 101", c.roundTrip("QUERY "+hashA+" "+hashZ+" "+hashB))

	c.send("BYE\r\n")
	c.requireClosed()
}

func TestQueryNormalizesCase(t *testing.T) {
	_, addr := startServer(t, newTestIndex(t), Config{})
	c := dial(t, addr)

	assert.Equal(t, "OK 11", c.roundTrip("query "+strings.ToLower(hashA)+"   "+hashB))
	assert.Equal(t, "OK 1", c.roundTrip("Query aAbBcCdDeEfF00112233445566778899"))
}

func TestQueryMalformedTokens(t *testing.T) {
	_, addr := startServer(t, newTestIndex(t), Config{})
	c := dial(t, addr)

	assert.Equal(t, "OK 010", c.roundTrip("QUERY not-a-hash "+hashA+" "+hashA[:31]))
	assert.Equal(t, "OK ", c.roundTrip("QUERY"))
}

func TestLineTerminators(t *testing.T) {
	_, addr := startServer(t, newTestIndex(t), Config{})
	c := dial(t, addr)

	c.send("QUERY " + hashA + "\n")
	assert.Equal(t, "OK 1", c.recv())

	// Pipelined requests in one write.
	c.send("STATUS\r\nQUERY " + hashZ + "\r\n")
	assert.Equal(t, "OK NOT SUPPORTED", c.recv())
	assert.Equal(t, "OK 0", c.recv())
}

func TestUnknownCommandCloses(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"unknown", "HELLO"},
		{"empty", ""},
		{"spaces only", "   "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, addr := startServer(t, newTestIndex(t), Config{})
			c := dial(t, addr)

			assert.Equal(t, "NOT OK", c.roundTrip(tt.line))
			c.requireClosed()
			assert.Eventually(t, func() bool { return srv.Stats().Rejected == 1 }, 5*time.Second, 10*time.Millisecond)
		})
	}
}

func TestLineTooLongCloses(t *testing.T) {
	srv, addr := startServer(t, newTestIndex(t), Config{MaxLineBytes: 64})
	c := dial(t, addr)

	c.send("QUERY " + strings.Repeat(hashA+" ", 4) + "\r\n")
	c.requireClosed()
	assert.Eventually(t, func() bool { return srv.Stats().Rejected == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestReadTimeoutCloses(t *testing.T) {
	_, addr := startServer(t, newTestIndex(t), Config{ReadTimeout: 100 * time.Millisecond})
	c := dial(t, addr)

	assert.Equal(t, "OK", c.roundTrip("VERSION: 2.0"))
	c.send("QUERY " + hashA) // never terminated
	c.requireClosed()
}

func TestStats(t *testing.T) {
	srv, addr := startServer(t, newTestIndex(t), Config{})
	c := dial(t, addr)

	c.roundTrip("QUERY " + hashA + " " + hashB + " " + hashZ)
	c.roundTrip("QUERY " + hashZ)

	stats := srv.Stats()
	assert.Equal(t, uint64(1), stats.Connections)
	assert.Equal(t, int64(1), stats.Active)
	assert.Equal(t, uint64(2), stats.Queries)
	assert.Equal(t, uint64(4), stats.Hashes)
	assert.Equal(t, uint64(2), stats.Hits)

	c.send("BYE\r\n")
	c.requireClosed()
	assert.Eventually(t, func() bool { return srv.Stats().Active == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestConcurrentClients(t *testing.T) {
	_, addr := startServer(t, newTestIndex(t), Config{})

	const clients = 16
	errs := make(chan error, clients)
	for range clients {
		go func() {
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			r := bufio.NewReader(conn)
			for range 50 {
				if _, err := io.WriteString(conn, "QUERY "+hashA+" "+hashZ+"\r\n"); err != nil {
					errs <- err
					return
				}
				line, err := r.ReadString('\n')
				if err != nil {
					errs <- err
					return
				}
				if line != "OK 10\r\n" {
					errs <- io.ErrUnexpectedEOF
					return
				}
			}
			errs <- nil
		}()
	}
	for range clients {
		require.NoError(t, <-errs)
	}
}

func TestMaxConnections(t *testing.T) {
	srv, addr := startServer(t, newTestIndex(t), Config{MaxConnections: 1})

	first := dial(t, addr)
	assert.Equal(t, "OK", first.roundTrip("VERSION: 2.0"))

	// The second client is accepted by the kernel but not served yet.
	second := dial(t, addr)
	second.send("VERSION: 2.0\r\n")
	require.NoError(t, second.conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err := second.r.ReadByte()
	require.Error(t, err)
	assert.Equal(t, uint64(1), srv.Stats().Connections)

	first.send("BYE\r\n")
	first.requireClosed()

	require.NoError(t, second.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	assert.Equal(t, "OK", second.recv())
}

func TestRateLimit(t *testing.T) {
	_, addr := startServer(t, newTestIndex(t), Config{QueriesPerSecond: 20})
	c := dial(t, addr)

	// The first 20 hashes use the burst; the next 10 take about half a second.
	start := time.Now()
	assert.Equal(t, "OK "+strings.Repeat("1", 20), c.roundTrip("QUERY"+strings.Repeat(" "+hashA, 20)))
	assert.Equal(t, "OK "+strings.Repeat("0", 10), c.roundTrip("QUERY"+strings.Repeat(" "+hashZ, 10)))
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestShutdownClosesConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(newTestIndex(t), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	c := dial(t, ln.Addr().String())
	assert.Equal(t, "OK", c.roundTrip("VERSION: 2.0"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
	c.requireClosed()

	// A Server serves once.
	ln2, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.ErrorIs(t, srv.Serve(context.Background(), ln2), idxerrors.ErrServerClosed)
}

// failingListener fails every Accept with a non-closed error, as a process
// out of file descriptors would.
type failingListener struct {
	accepts atomic.Int64
}

func (l *failingListener) Accept() (net.Conn, error) {
	l.accepts.Add(1)
	return nil, errors.New("accept: too many open files")
}

func (l *failingListener) Close() error   { return nil }
func (l *failingListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func TestAcceptErrorsBackOff(t *testing.T) {
	ln := &failingListener{}
	srv := New(newTestIndex(t), Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	require.NoError(t, srv.Serve(ctx, ln))
	// 5ms doubling reaches 320ms after seven attempts.
	assert.LessOrEqual(t, ln.accepts.Load(), int64(10))
	assert.GreaterOrEqual(t, ln.accepts.Load(), int64(2))
}

func TestEmptySet(t *testing.T) {
	idx, err := digestindex.Build(nil)
	require.NoError(t, err)
	_, addr := startServer(t, idx, Config{})
	c := dial(t, addr)

	assert.Equal(t, "OK 00", c.roundTrip("QUERY "+hashA+" "+hashZ))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"QUERY", "AB", "CD"}, tokenize("  query ab  cd "))
	assert.Empty(t, tokenize(""))
	assert.Equal(t, []string{"VERSION:", "2.0"}, tokenize("Version: 2.0"))
}
