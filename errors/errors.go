// Package errors defines all exported error sentinels for the digestindex module.
//
// This is the single source of truth for error values. The root package, the
// server and client packages all import from here, so errors.Is checks work
// across package boundaries.
package errors

import "errors"

// Load errors
var (
	ErrSourceUnavailable = errors.New("digestindex: corpus source cannot be opened")
	ErrSourceRead        = errors.New("digestindex: corpus source read failed")
)

// Build errors
var (
	ErrBuilderClosed       = errors.New("digestindex: builder is closed")
	ErrDuplicateIdentifier = errors.New("digestindex: duplicate identifier in corpus")
	ErrInvalidIdentifier   = errors.New("digestindex: invalid identifier")
)

// Index errors
var (
	ErrUnsorted       = errors.New("digestindex: index is not sorted")
	ErrChecksumFailed = errors.New("digestindex: index checksum verification failed")
)

// Protocol errors
var (
	ErrProtocol     = errors.New("digestindex: protocol error")
	ErrLineTooLong  = errors.New("digestindex: request line exceeds maximum length")
	ErrServerClosed = errors.New("digestindex: server closed")
)

// Configuration errors
var (
	ErrInvalidConfig = errors.New("digestindex: invalid configuration")
)
