// rdsconvert turns an NSRL Reference Data Set file into a corpus that
// nsrlsvr can load: one uppercase MD5 digest per line.
//
// Usage:
//
//	rdsconvert [flags] NSRLFile.txt
//
// Two input formats are understood. "rds" (the default) is the quoted CSV
// layout of NSRLFile.txt, with a header row naming an MD5 column. "scan"
// accepts any text and takes the first 32-digit hex run on each line.
// Input may be gzip, zstd or LZ4 compressed. The output is compressed when
// its name ends in .gz, .zst or .lz4.
package main

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/tamirms/digestindex"
	"github.com/tamirms/digestindex/internal/logging"
)

const progressInterval = 1_000_000

type options struct {
	output   string
	format   string
	column   string
	sort     bool
	unique   bool
	logLevel string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options
	flagSet := pflag.NewFlagSet("rdsconvert", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.output, "output", "o", "-", "output file, - for stdout")
	flagSet.StringVar(&opts.format, "format", "rds", "input format: rds or scan")
	flagSet.StringVar(&opts.column, "column", "MD5", "digest column name for rds input")
	flagSet.BoolVar(&opts.sort, "sort", false, "write digests in sorted order")
	flagSet.BoolVar(&opts.unique, "unique", false, "drop repeated digests (implies --sort)")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: rdsconvert [flags] INPUT\n\n")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() != 1 {
		flagSet.Usage()
		return fmt.Errorf("expected exactly one input file")
	}
	if opts.format != "rds" && opts.format != "scan" {
		return fmt.Errorf("unknown input format %q", opts.format)
	}

	logger, err := logging.New(os.Stderr, logging.FormatText, opts.logLevel)
	if err != nil {
		return err
	}
	return convert(flagSet.Arg(0), &opts, logger)
}

func convert(input string, opts *options, logger *slog.Logger) (err error) {
	in, err := os.Open(input)
	if err != nil {
		return err
	}
	defer in.Close()

	src, kind, err := digestindex.Decompress(in)
	if err != nil {
		return fmt.Errorf("%s: %w", input, err)
	}
	defer src.Close()
	logger.Debug("reading input", "path", input, "compression", kind)

	out, closeOut, err := createOutput(opts.output)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, closeOut())
		// A failed conversion leaves no partial corpus behind.
		if err != nil && opts.output != "-" {
			os.Remove(opts.output)
		}
	}()

	var sink digestSink
	if opts.sort || opts.unique {
		sink = &sortedSink{b: digestindex.NewBuilder(digestindex.WithLogger(logger)), unique: opts.unique}
	} else {
		sink = &streamSink{w: out}
	}

	var rows uint64
	emit := func(id digestindex.Identifier) error {
		rows++
		if rows%progressInterval == 0 {
			logger.Info("hashes processed", "count", rows)
		}
		return sink.add(id)
	}

	switch opts.format {
	case "rds":
		err = readRDS(src, opts.column, emit)
	default:
		err = scanText(src, emit)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", input, err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: zero hashes found", input)
	}

	written, err := sink.finish(out)
	if err != nil {
		return err
	}
	logger.Info("conversion complete", "read", rows, "written", written, "output", opts.output)
	return nil
}

// readRDS reads the quoted CSV layout of NSRLFile.txt. The first row names
// the columns. Rows whose digest field is not an MD5 digest are skipped.
func readRDS(r io.Reader, column string, emit func(digestindex.Identifier) error) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("reading header: %w", err)
	}
	col := -1
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")), column) {
			col = i
			break
		}
	}
	if col < 0 {
		return fmt.Errorf("no %q column in header %q", column, header)
	}

	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if col >= len(record) {
			continue
		}
		id, err := digestindex.ParseIdentifier(record[col])
		if err != nil {
			continue
		}
		if err := emit(id); err != nil {
			return err
		}
	}
}

// scanText takes the first 32-digit hex run on each line that is not part of
// a longer hex run.
func scanText(r io.Reader, emit func(digestindex.Identifier) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		if id, ok := findDigest(sc.Bytes()); ok {
			if err := emit(id); err != nil {
				return err
			}
		}
	}
	return sc.Err()
}

func findDigest(line []byte) (digestindex.Identifier, bool) {
	start := -1
	for i := 0; i <= len(line); i++ {
		if i < len(line) && isHex(line[i]) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 && i-start == digestindex.IdentifierLen {
			id, err := digestindex.ParseIdentifier(string(line[start:i]))
			return id, err == nil
		}
		start = -1
	}
	return digestindex.Identifier{}, false
}

func isHex(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

// createOutput opens path for writing, compressed according to its extension.
func createOutput(path string) (io.Writer, func() error, error) {
	var f *os.File
	if path == "-" {
		f = os.Stdout
	} else {
		var err error
		if f, err = os.Create(filepath.Clean(path)); err != nil {
			return nil, nil, err
		}
	}

	bw := bufio.NewWriterSize(f, 256<<10)
	zw, err := digestindex.NewCompressor(bw, digestindex.CompressionForPath(path))
	if err != nil {
		if f != os.Stdout {
			f.Close()
		}
		return nil, nil, err
	}

	closeFn := func() error {
		err := errors.Join(zw.Close(), bw.Flush())
		if f != os.Stdout {
			err = errors.Join(err, f.Close())
		}
		return err
	}
	return zw, closeFn, nil
}

type digestSink interface {
	add(id digestindex.Identifier) error
	finish(w io.Writer) (uint64, error)
}

// streamSink writes digests in input order.
type streamSink struct {
	w   io.Writer
	buf []byte
	n   uint64
}

func (s *streamSink) add(id digestindex.Identifier) error {
	s.buf, _ = id.AppendText(s.buf[:0])
	s.buf = append(s.buf, '\n')
	s.n++
	_, err := s.w.Write(s.buf)
	return err
}

func (s *streamSink) finish(io.Writer) (uint64, error) {
	return s.n, nil
}

// sortedSink collects digests into an index and exports it in order.
type sortedSink struct {
	b      *digestindex.Builder
	unique bool
}

func (s *sortedSink) add(id digestindex.Identifier) error {
	return s.b.Add(id)
}

func (s *sortedSink) finish(w io.Writer) (uint64, error) {
	idx, err := s.b.Finish()
	if err != nil {
		return 0, err
	}
	if !s.unique {
		_, err := idx.WriteTo(w)
		return uint64(idx.Len()), err
	}

	bw := bufio.NewWriter(w)
	var (
		n    uint64
		prev digestindex.Identifier
		line []byte
	)
	for id := range idx.All() {
		if n > 0 && id == prev {
			continue
		}
		prev = id
		line, _ = id.AppendText(line[:0])
		line = append(line, '\n')
		if _, err := bw.Write(line); err != nil {
			return n, err
		}
		n++
	}
	return n, bw.Flush()
}
