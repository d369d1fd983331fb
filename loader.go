package digestindex

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"

	idxerrors "github.com/tamirms/digestindex/errors"
)

// readBufferSize bounds the memory used per line. Lines longer than this are
// streamed through in chunks; they can never be identifiers.
const readBufferSize = 64 << 10

// LoadStats describes one corpus load.
type LoadStats struct {
	Lines       uint64 // lines read, including malformed ones
	Accepted    uint64 // identifiers returned
	Malformed   uint64 // lines dropped by validation
	Bytes       uint64 // decoded bytes read
	Checksum    uint64 // xxhash64 of the decoded bytes
	Compression string
	Mmap        bool
	Duration    time.Duration
}

// LoadFile opens path and loads its identifiers.
//
// The file is opened here and nowhere else: a preceding existence check by the
// caller is only a sanity check, and a file that disappears in between is
// reported as ErrSourceUnavailable.
func LoadFile(path string, opts ...LoadOption) ([]Identifier, *LoadStats, error) {
	cfg := defaultLoadConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", idxerrors.ErrSourceUnavailable, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: stat %s: %w", idxerrors.ErrSourceUnavailable, path, err)
	}
	if info.IsDir() {
		return nil, nil, fmt.Errorf("%w: %s is a directory", idxerrors.ErrSourceUnavailable, path)
	}

	logger := cfg.logger.With("source", path)

	if cfg.useMmap {
		ids, stats, handled, err := loadMapped(file, info, cfg, logger)
		if handled {
			return ids, stats, err
		}
	}

	if info.Mode().IsRegular() {
		fadviseSequential(int(file.Fd()), 0, info.Size())
	}
	return load(file, cfg, logger)
}

// Load reads identifiers from r until EOF.
//
// Lines that are not exactly 32 hex characters (after removing the line
// terminator) are dropped and counted in LoadStats.Malformed. Every accepted
// identifier is returned in canonical form, in input order, duplicates
// included. A read failure returns ErrSourceRead and no identifiers.
func Load(r io.Reader, opts ...LoadOption) ([]Identifier, *LoadStats, error) {
	cfg := defaultLoadConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return load(r, cfg, cfg.logger)
}

func load(r io.Reader, cfg *loadConfig, logger *slog.Logger) ([]Identifier, *LoadStats, error) {
	start := time.Now()
	s := newCorpusScanner(cfg, logger)

	raw := bufio.NewReaderSize(r, readBufferSize)
	var src io.Reader = raw
	s.stats.Compression = CompressionNone
	if cfg.decompress {
		decoded, kind, closeDecoder, err := openDecompressed(raw)
		if err != nil {
			return nil, nil, err
		}
		defer closeDecoder()
		src = decoded
		s.stats.Compression = kind
	}

	lines := bufio.NewReaderSize(&hashingReader{r: src, s: s}, readBufferSize)
	if err := s.scan(lines); err != nil {
		logger.Error("corpus load failed", "line", s.stats.Lines, "error", err)
		return nil, nil, err
	}
	return s.finish(start)
}

// corpusScanner validates lines and accumulates identifiers and statistics.
// It is shared by the streaming and memory-mapped load paths.
type corpusScanner struct {
	cfg    *loadConfig
	logger *slog.Logger
	ids    []Identifier
	stats  LoadStats
	sum    *xxhash.Digest
}

func newCorpusScanner(cfg *loadConfig, logger *slog.Logger) *corpusScanner {
	return &corpusScanner{
		cfg:    cfg,
		logger: logger,
		ids:    make([]Identifier, 0, cfg.capacityHint),
		sum:    xxhash.New(),
	}
}

// account feeds raw corpus bytes to the source checksum.
func (s *corpusScanner) account(p []byte) {
	s.stats.Bytes += uint64(len(p))
	_, _ = s.sum.Write(p) // xxhash.Digest.Write never fails
}

// scan consumes r line by line.
func (s *corpusScanner) scan(r *bufio.Reader) error {
	for {
		chunk, err := r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			if err := s.overlong(r, chunk); err != nil {
				return err
			}
			continue
		}
		if len(chunk) > 0 {
			if lerr := s.line(chunk); lerr != nil {
				return lerr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: line %d: %w", idxerrors.ErrSourceRead, s.stats.Lines+1, err)
		}
	}
}

// line handles one complete line, terminator included.
func (s *corpusScanner) line(b []byte) error {
	s.stats.Lines++
	b = trimTerminator(b)

	if id, ok := parseIdentifierBytes(b); ok {
		s.ids = append(s.ids, id)
		s.stats.Accepted++
		if n := s.cfg.progressInterval; n > 0 && s.stats.Accepted%uint64(n) == 0 {
			s.logger.Debug("identifiers read", "count", s.stats.Accepted)
		}
		return nil
	}

	if !utf8.Valid(b) {
		return fmt.Errorf("%w: line %d is not valid UTF-8", idxerrors.ErrSourceRead, s.stats.Lines)
	}
	s.stats.Malformed++
	return nil
}

// overlong drains a line that did not fit in the read buffer. It is always
// malformed; it only has to be checked for valid encoding.
func (s *corpusScanner) overlong(r *bufio.Reader, first []byte) error {
	s.stats.Lines++
	var check utf8Stream
	check.write(first)
	for {
		chunk, err := r.ReadSlice('\n')
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) && !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: line %d: %w", idxerrors.ErrSourceRead, s.stats.Lines, err)
		}
		if err == nil {
			chunk = trimTerminator(chunk)
		}
		check.write(chunk)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if !check.valid() {
			return fmt.Errorf("%w: line %d is not valid UTF-8", idxerrors.ErrSourceRead, s.stats.Lines)
		}
		s.stats.Malformed++
		return nil
	}
}

func (s *corpusScanner) finish(start time.Time) ([]Identifier, *LoadStats, error) {
	s.stats.Checksum = s.sum.Sum64()
	s.stats.Duration = time.Since(start)
	stats := s.stats

	s.logger.Info("corpus loaded",
		"identifiers", stats.Accepted,
		"malformed", stats.Malformed,
		"lines", stats.Lines,
		"bytes", stats.Bytes,
		"checksum", fmt.Sprintf("%016x", stats.Checksum),
		"compression", stats.Compression,
		"mmap", stats.Mmap,
		"duration", stats.Duration,
	)
	return s.ids, &stats, nil
}

// trimTerminator removes a trailing "\n" or "\r\n". A "\r" with no "\n"
// after it is part of the line.
func trimTerminator(b []byte) []byte {
	n := len(b)
	if n == 0 || b[n-1] != '\n' {
		return b
	}
	b = b[:n-1]
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return b
}

// hashingReader passes decoded bytes through the scanner's checksum.
type hashingReader struct {
	r io.Reader
	s *corpusScanner
}

func (h *hashingReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if n > 0 {
		h.s.account(p[:n])
	}
	return n, err
}

// utf8Stream validates UTF-8 delivered in arbitrary chunks. An incomplete
// sequence at the end of a chunk is carried into the next one.
type utf8Stream struct {
	carry   []byte
	invalid bool
}

func (u *utf8Stream) write(p []byte) {
	if u.invalid || len(p) == 0 {
		return
	}
	buf := p
	if len(u.carry) > 0 {
		buf = append(u.carry, p...)
	}

	cut := len(buf)
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-utf8.UTFMax; i-- {
		if utf8.RuneStart(buf[i]) {
			if !utf8.FullRune(buf[i:]) {
				cut = i
			}
			break
		}
	}
	if !utf8.Valid(buf[:cut]) {
		u.invalid = true
		return
	}
	u.carry = append(u.carry[:0], buf[cut:]...)
}

// valid reports whether everything written so far is complete, valid UTF-8.
func (u *utf8Stream) valid() bool {
	return !u.invalid && len(u.carry) == 0
}
