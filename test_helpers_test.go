package digestindex

import (
	"encoding/binary"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fillFromRNG fills buf with pseudo-random bytes from rng.
func fillFromRNG(rng *rand.Rand, buf []byte) {
	for i := 0; i+8 <= len(buf); i += 8 {
		binary.LittleEndian.PutUint64(buf[i:], rng.Uint64())
	}
	if tail := len(buf) % 8; tail > 0 {
		v := rng.Uint64()
		start := len(buf) - tail
		for j := 0; j < tail; j++ {
			buf[start+j] = byte(v >> (j * 8))
		}
	}
}

// generateRandomIdentifiers creates n deterministic pseudo-random identifiers.
func generateRandomIdentifiers(rng *rand.Rand, n int) []Identifier {
	ids := make([]Identifier, n)
	for i := range ids {
		fillFromRNG(rng, ids[i][:])
	}
	return ids
}

// newTestRNG returns a deterministic generator so failures are reproducible.
func newTestRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// mixedCase renders id with a deterministic mix of upper and lower case.
func mixedCase(id Identifier, rng *rand.Rand) string {
	s := []byte(id.String())
	for i, c := range s {
		if c >= 'A' && c <= 'F' && rng.IntN(2) == 0 {
			s[i] = c - 'A' + 'a'
		}
	}
	return string(s)
}

// corpusText joins lines with "\n", with a trailing newline.
func corpusText(lines ...string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// writeCorpus writes data to a file in a fresh temp dir and returns its path.
func writeCorpus(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

// buildFromText loads text and builds an index, failing the test on error.
func buildFromText(t *testing.T, text string, opts ...BuildOption) *Index {
	t.Helper()
	ids, _, err := Load(strings.NewReader(text))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	idx, err := Build(ids, opts...)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return idx
}

// assertSorted fails the test if idx is not in non-decreasing order.
func assertSorted(t *testing.T, idx *Index) {
	t.Helper()
	for i := 1; i < idx.Len(); i++ {
		if a, b := idx.At(i-1), idx.At(i); a.Compare(b) > 0 {
			t.Fatalf("entries %d and %d out of order: %s > %s", i-1, i, a, b)
		}
	}
}
