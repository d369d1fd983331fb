// nsrlsvr loads a corpus of MD5 hashes into memory and answers membership
// queries for them over TCP.
//
// Usage:
//
//	nsrlsvr [-vb] [-f FILE] [-p PORT] [-c CONFIG] [--dry-run]
//
// Settings come from built-in defaults, then an optional YAML file
// (--config or NSRLSVR_CONFIG), then any flags given on the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/tamirms/digestindex"
	"github.com/tamirms/digestindex/internal/config"
	"github.com/tamirms/digestindex/internal/logging"
	"github.com/tamirms/digestindex/server"
)

// Set at link time.
var (
	version    = "1.0.0"
	packageURL = "https://github.com/tamirms/digestindex"
	bugReport  = "https://github.com/tamirms/digestindex/issues"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	program := filepath.Base(os.Args[0])

	var (
		file             string
		port             int
		listen           string
		configPath       string
		logLevel         string
		logFormat        string
		useMmap          bool
		rejectDuplicates bool
		dryRun           bool
		showVersion      bool
		showBugReport    bool
	)

	defaults := config.Default()
	flagSet := pflag.NewFlagSet(program, pflag.ContinueOnError)
	flagSet.StringVarP(&file, "file", "f", defaults.Corpus.File, "hash set to load")
	flagSet.IntVarP(&port, "port", "p", defaults.Server.Port, "listen on `PORT`, between 1 and 65535")
	flagSet.StringVar(&listen, "listen", defaults.Server.Listen, "host to bind (default: all interfaces)")
	flagSet.StringVarP(&configPath, "config", "c", "", "YAML configuration file (default: $"+config.EnvConfigPath+")")
	flagSet.StringVar(&logLevel, "log-level", defaults.Log.Level, "log level: debug, info, warn, error")
	flagSet.StringVar(&logFormat, "log-format", defaults.Log.Format, "log format: text or json")
	flagSet.BoolVar(&useMmap, "mmap", false, "memory-map the hash set instead of streaming it")
	flagSet.BoolVar(&rejectDuplicates, "reject-duplicates", false, "refuse to start if the hash set contains duplicates")
	flagSet.BoolVar(&dryRun, "dry-run", false, "load the hash set and exit without serving")
	flagSet.BoolVarP(&showVersion, "version", "v", false, "print version information")
	flagSet.BoolVarP(&showBugReport, "bug-report", "b", false, "get information on reporting bugs")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-vb] [-f FILE] [-p PORT] [-c CONFIG] [--dry-run]\n\n", program)
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() > 0 {
		flagSet.Usage()
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	switch {
	case showVersion:
		fmt.Printf("%s %s\n\n", program, version)
		return nil
	case showBugReport:
		fmt.Printf("%s %s\n%s\n", program, version, packageURL)
		fmt.Printf("Praise, blame and bug reports to %s.\n\n", bugReport)
		fmt.Print("Please be sure to include your operating system, version of your\n" +
			"operating system, and a detailed description of how to recreate\n" +
			"your bug.\n\n")
		return nil
	}

	cfg, err := config.Resolve(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("file") {
		cfg.Corpus.File = file
	}
	if flagSet.Changed("port") {
		cfg.Server.Port = port
	}
	if flagSet.Changed("listen") {
		cfg.Server.Listen = listen
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flagSet.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if flagSet.Changed("mmap") {
		cfg.Corpus.Mmap = useMmap
	}
	if flagSet.Changed("reject-duplicates") {
		cfg.Corpus.RejectDuplicates = rejectDuplicates
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Early sanity check; LoadFile reports the authoritative error.
	if _, err := os.Stat(cfg.Corpus.File); err != nil {
		return fmt.Errorf("the specified dataset file could not be found: %s", cfg.Corpus.File)
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}

	idx, err := loadIndex(cfg, logger)
	if err != nil {
		return err
	}
	if dryRun {
		logger.Info("dry run complete", "identifiers", idx.Len(), "checksum", idx.Checksum())
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(idx, server.Config{
		Addr:             cfg.Server.Address(),
		ReadTimeout:      cfg.Server.ReadTimeout,
		MaxLineBytes:     cfg.Server.MaxLineBytes,
		MaxConnections:   int64(cfg.Server.MaxConnections),
		QueriesPerSecond: cfg.Server.QueriesPerSecond,
		Logger:           logger,
	})
	if err := srv.ListenAndServe(ctx); err != nil {
		return err
	}

	stats := srv.Stats()
	logger.Info("shut down",
		"connections", stats.Connections,
		"queries", stats.Queries,
		"hashes", stats.Hashes,
		"hits", stats.Hits,
	)
	return nil
}

// loadIndex reads the configured corpus and builds the index served to clients.
func loadIndex(cfg *config.Config, logger *slog.Logger) (*digestindex.Index, error) {
	loadOpts := []digestindex.LoadOption{
		digestindex.WithLoadLogger(logger),
		digestindex.WithProgressInterval(cfg.Corpus.ProgressInterval),
	}
	if cfg.Corpus.Mmap {
		loadOpts = append(loadOpts, digestindex.WithMmap())
	}
	ids, stats, err := digestindex.LoadFile(cfg.Corpus.File, loadOpts...)
	if err != nil {
		return nil, err
	}
	if stats.Malformed > 0 {
		logger.Warn("skipped malformed lines", "count", stats.Malformed)
	}

	buildOpts := []digestindex.BuildOption{digestindex.WithLogger(logger)}
	if cfg.Corpus.RejectDuplicates {
		buildOpts = append(buildOpts, digestindex.WithRejectDuplicates())
	}
	return digestindex.Build(ids, buildOpts...)
}
