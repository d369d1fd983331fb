package digestindex

import (
	"fmt"
	"slices"
	"time"

	idxerrors "github.com/tamirms/digestindex/errors"
)

// Builder collects identifiers and produces an Index.
//
// A Builder is the Building state of an index: it is mutable and cannot be
// queried. Finish sorts the collected identifiers and returns the Ready
// Index; the Builder is closed afterwards.
//
// Usage:
//
//	b := digestindex.NewBuilder(digestindex.WithCapacity(n))
//	defer b.Close()
//
//	for _, id := range ids {
//	    if err := b.Add(id); err != nil { return err }
//	}
//	idx, err := b.Finish()
//
// A Builder is not safe for concurrent use.
type Builder struct {
	cfg    *buildConfig
	ids    []Identifier
	closed bool
}

// NewBuilder creates an empty builder.
func NewBuilder(opts ...BuildOption) *Builder {
	cfg := defaultBuildConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &Builder{
		cfg: cfg,
		ids: make([]Identifier, 0, cfg.capacity),
	}
}

// Build turns a loader result into an Index.
//
// Build takes ownership of ids and sorts it in place; the caller must not
// use the slice afterwards. This avoids holding two copies of a corpus of
// tens of millions of identifiers.
func Build(ids []Identifier, opts ...BuildOption) (*Index, error) {
	cfg := defaultBuildConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	b := &Builder{cfg: cfg, ids: ids}
	return b.Finish()
}

// Add appends one identifier. Duplicates are accepted.
func (b *Builder) Add(id Identifier) error {
	if b.closed {
		return idxerrors.ErrBuilderClosed
	}
	b.ids = append(b.ids, id)
	return nil
}

// AddString parses s in either case and appends it.
func (b *Builder) AddString(s string) error {
	if b.closed {
		return idxerrors.ErrBuilderClosed
	}
	id, err := ParseIdentifier(s)
	if err != nil {
		return err
	}
	b.ids = append(b.ids, id)
	return nil
}

// Len returns the number of identifiers added so far.
func (b *Builder) Len() int {
	return len(b.ids)
}

// Finish sorts the identifiers and returns the immutable Index.
// After calling Finish, the builder cannot be used again.
func (b *Builder) Finish() (*Index, error) {
	if b.closed {
		return nil, idxerrors.ErrBuilderClosed
	}
	b.closed = true

	start := time.Now()
	ids := b.ids
	b.ids = nil

	slices.SortFunc(ids, Identifier.Compare)

	if b.cfg.rejectDuplicates {
		if i, ok := firstDuplicate(ids); ok {
			return nil, fmt.Errorf("%w: %s", idxerrors.ErrDuplicateIdentifier, ids[i])
		}
	}

	idx := &Index{
		ids:      ids,
		checksum: checksumIdentifiers(ids),
	}

	b.cfg.logger.Info("index built",
		"identifiers", len(ids),
		"checksum", idx.Checksum(),
		"duration", time.Since(start),
	)
	return idx, nil
}

// Close discards the builder's identifiers without building.
// Safe to call after Finish.
func (b *Builder) Close() error {
	b.closed = true
	b.ids = nil
	return nil
}

// firstDuplicate returns the position of the first identifier equal to its
// predecessor. ids must be sorted.
func firstDuplicate(ids []Identifier) (int, bool) {
	for i := 1; i < len(ids); i++ {
		if ids[i] == ids[i-1] {
			return i, true
		}
	}
	return 0, false
}
