package digestindex

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/edsrzf/mmap-go"

	idxerrors "github.com/tamirms/digestindex/errors"
)

// loadMapped loads a regular, uncompressed corpus file through a read-only
// memory map. handled is false when the file is not suitable for mapping (or
// the mapping fails) and the caller should stream it instead.
func loadMapped(file *os.File, info os.FileInfo, cfg *loadConfig, logger *slog.Logger) (ids []Identifier, stats *LoadStats, handled bool, err error) {
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return nil, nil, false, nil
	}

	if cfg.decompress {
		head := make([]byte, magicLen)
		n, _ := file.ReadAt(head, 0)
		if kind := detectCompression(head[:n]); kind != CompressionNone {
			logger.Debug("compressed corpus, streaming instead of mapping", "compression", kind)
			return nil, nil, false, nil
		}
	}

	m, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		logger.Warn("mmap failed, streaming instead", "error", err)
		return nil, nil, false, nil
	}
	defer func() {
		if uerr := m.Unmap(); uerr != nil && err == nil {
			err = fmt.Errorf("%w: unmap: %w", idxerrors.ErrSourceRead, uerr)
			ids, stats = nil, nil
		}
	}()
	madviseSequential(m)

	start := time.Now()
	s := newCorpusScanner(cfg, logger)
	s.stats.Compression = CompressionNone
	s.stats.Mmap = true
	if err := s.scanBytes(m); err != nil {
		logger.Error("corpus load failed", "line", s.stats.Lines, "error", err)
		return nil, nil, true, err
	}
	ids, stats, err = s.finish(start)
	return ids, stats, true, err
}

// scanBytes consumes a mapped corpus line by line.
//
// A page fault on the mapping (the file was truncated after it was mapped)
// surfaces as a recoverable panic because of SetPanicOnFault, and is
// reported as ErrSourceRead.
func (s *corpusScanner) scanBytes(data []byte) (err error) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if fault, ok := r.(interface{ Addr() uintptr }); ok {
			err = fmt.Errorf("%w: fault reading mapped corpus at %#x after line %d",
				idxerrors.ErrSourceRead, fault.Addr(), s.stats.Lines)
			return
		}
		panic(r)
	}()

	for len(data) > 0 {
		var line []byte
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i+1], data[i+1:]
		} else {
			line, data = data, nil
		}
		s.account(line)
		if err := s.line(line); err != nil {
			return err
		}
	}
	return nil
}
