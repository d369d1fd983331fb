package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/tamirms/digestindex"
	idxerrors "github.com/tamirms/digestindex/errors"
)

const readBufferSize = 8 << 10

// Replies.
const (
	replyOK           = "OK"
	replyNotOK        = "NOT OK"
	replyNotSupported = "OK NOT SUPPORTED"
)

// session is the state of one client connection.
type session struct {
	srv     *Server
	conn    net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	limiter *rate.Limiter
	logger  *slog.Logger
	line    []byte
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.connections.Add(1)
	s.active.Add(1)
	defer s.active.Add(-1)

	sess := &session{
		srv:    s,
		conn:   conn,
		r:      bufio.NewReaderSize(conn, readBufferSize),
		w:      bufio.NewWriter(conn),
		logger: s.logger.With("conn", ulid.Make().String(), "remote", conn.RemoteAddr().String()),
	}
	if s.cfg.QueriesPerSecond > 0 {
		burst := max(int(s.cfg.QueriesPerSecond), 1)
		sess.limiter = rate.NewLimiter(rate.Limit(s.cfg.QueriesPerSecond), burst)
	}

	sess.logger.Debug("client connected")
	err := sess.run(ctx)
	switch {
	case err == nil, errors.Is(err, io.EOF), ctx.Err() != nil:
		sess.logger.Debug("client disconnected")
	case errors.Is(err, idxerrors.ErrLineTooLong):
		s.rejected.Add(1)
		sess.logger.Warn("closing connection", "error", err)
	case isTimeout(err):
		sess.logger.Warn("closing connection", "error", "read timeout")
	default:
		sess.logger.Warn("closing connection", "error", err)
	}
}

// run handles requests until the client leaves or the connection fails.
// It returns nil when the server closed the connection on purpose.
func (sess *session) run(ctx context.Context) error {
	for {
		line, err := sess.readLine()
		if err != nil {
			return err
		}

		reply, keepOpen, err := sess.handle(ctx, line)
		if err != nil {
			return err
		}
		if reply != "" {
			if err := sess.writeLine(reply); err != nil {
				return err
			}
		}
		if !keepOpen {
			return nil
		}
	}
}

// readLine returns the next request line with carriage returns removed.
// The whole line must arrive within the read timeout.
func (sess *session) readLine() (string, error) {
	cfg := &sess.srv.cfg
	if err := sess.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout)); err != nil {
		return "", err
	}

	sess.line = sess.line[:0]
	for {
		chunk, err := sess.r.ReadSlice('\n')
		if len(sess.line)+len(chunk) > cfg.MaxLineBytes+1 {
			return "", idxerrors.ErrLineTooLong
		}
		sess.line = append(sess.line, chunk...)
		if err == nil {
			break
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return "", err
		}
	}

	line := sess.line[:len(sess.line)-1]
	return strings.ReplaceAll(string(line), "\r", ""), nil
}

func (sess *session) writeLine(reply string) error {
	if err := sess.conn.SetWriteDeadline(time.Now().Add(sess.srv.cfg.WriteTimeout)); err != nil {
		return err
	}
	sess.w.WriteString(reply)
	sess.w.WriteString("\r\n")
	return sess.w.Flush()
}

// handle dispatches one request. An empty reply means none is sent.
func (sess *session) handle(ctx context.Context, line string) (reply string, keepOpen bool, err error) {
	tokens := tokenize(line)
	if len(tokens) == 0 {
		sess.srv.rejected.Add(1)
		return replyNotOK, false, nil
	}

	switch tokens[0] {
	case "VERSION:":
		return replyOK, true, nil
	case "BYE":
		return "", false, nil
	case "STATUS":
		return replyNotSupported, true, nil
	case "QUERY":
		reply, err := sess.query(ctx, tokens[1:])
		return reply, err == nil, err
	case "UPSHIFT", "DOWNSHIFT":
		return replyNotOK, true, nil
	default:
		sess.srv.rejected.Add(1)
		sess.logger.Debug("unknown command", "command", tokens[0])
		return replyNotOK, false, nil
	}
}

// query answers one QUERY command. A token that is not a well-formed
// identifier is answered with 0.
func (sess *session) query(ctx context.Context, hashes []string) (string, error) {
	if err := sess.wait(ctx, len(hashes)); err != nil {
		return "", err
	}

	var b strings.Builder
	b.Grow(len(replyOK) + 1 + len(hashes))
	b.WriteString(replyOK)
	b.WriteByte(' ')

	var hits uint64
	for _, h := range hashes {
		id, err := digestindex.ParseIdentifier(h)
		if err == nil && sess.srv.set.Contains(id) {
			b.WriteByte('1')
			hits++
		} else {
			b.WriteByte('0')
		}
	}

	srv := sess.srv
	srv.queries.Add(1)
	srv.hashes.Add(uint64(len(hashes)))
	srv.hits.Add(hits)
	return b.String(), nil
}

// wait blocks until the rate limiter admits n hashes.
func (sess *session) wait(ctx context.Context, n int) error {
	if sess.limiter == nil {
		return nil
	}
	for n > 0 {
		k := min(n, sess.limiter.Burst())
		if err := sess.limiter.WaitN(ctx, k); err != nil {
			return err
		}
		n -= k
	}
	return nil
}

// tokenize uppercases line and splits it on runs of spaces.
func tokenize(line string) []string {
	return strings.FieldsFunc(strings.ToUpper(line), func(r rune) bool { return r == ' ' })
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
