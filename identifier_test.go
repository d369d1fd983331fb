package digestindex

import (
	"crypto/md5"
	"errors"
	"slices"
	"strings"
	"testing"

	idxerrors "github.com/tamirms/digestindex/errors"
)

func TestIsIdentifier(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"lowercase", "aabbccddeeff00112233445566778899", true},
		{"uppercase", "AABBCCDDEEFF00112233445566778899", true},
		{"mixed", "AaBbCcDdEeFf00112233445566778899", true},
		{"digits", "00000000000000000000000000000000", true},
		{"empty", "", false},
		{"short", "aabbccddeeff0011223344556677889", false},
		{"long", "aabbccddeeff001122334455667788990", false},
		{"non-hex", "gabbccddeeff00112233445566778899", false},
		{"leading space", " aabbccddeeff0011223344556677889", false},
		{"trailing space", "aabbccddeeff0011223344556677889 ", false},
		{"sha1 length", "da39a3ee5e6b4b0d3255bfef95601890afd80709", false},
		{"not a hash", "not-a-hash", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsIdentifier([]byte(tt.in)); got != tt.want {
				t.Errorf("IsIdentifier(%q) = %v, want %v", tt.in, got, tt.want)
			}
			_, err := ParseIdentifier(tt.in)
			if (err == nil) != tt.want {
				t.Errorf("ParseIdentifier(%q) error = %v, want valid=%v", tt.in, err, tt.want)
			}
		})
	}
}

func TestParseIdentifierErrorWrapsSentinel(t *testing.T) {
	_, err := ParseIdentifier("not-a-hash")
	if !errors.Is(err, idxerrors.ErrInvalidIdentifier) {
		t.Fatalf("expected ErrInvalidIdentifier, got %v", err)
	}
}

func TestIdentifierCanonicalForm(t *testing.T) {
	lower := MustParseIdentifier("aabbccddeeff00112233445566778899")
	upper := MustParseIdentifier("AABBCCDDEEFF00112233445566778899")
	if lower != upper {
		t.Fatalf("case variants parse differently: %x vs %x", lower, upper)
	}
	if got, want := lower.String(), "AABBCCDDEEFF00112233445566778899"; got != want {
		t.Errorf("String() = %s, want %s", got, want)
	}

	text, err := lower.AppendText([]byte("prefix:"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(text), "prefix:AABBCCDDEEFF00112233445566778899"; got != want {
		t.Errorf("AppendText = %s, want %s", got, want)
	}
}

func TestIdentifierFromDigest(t *testing.T) {
	// MD5 of the empty string.
	id := IdentifierFromDigest(md5.Sum(nil))
	if got, want := id.String(), "D41D8CD98F00B204E9800998ECF8427E"; got != want {
		t.Errorf("String() = %s, want %s", got, want)
	}
}

// TestIdentifierOrderMatchesText checks that packed comparison orders
// identifiers exactly like their canonical text.
func TestIdentifierOrderMatchesText(t *testing.T) {
	rng := newTestRNG(1)
	ids := generateRandomIdentifiers(rng, 2000)
	// Force shared prefixes so comparisons reach deep into the value.
	for i := 0; i < len(ids); i += 3 {
		copy(ids[i][:12], ids[0][:12])
	}

	byPacked := slices.Clone(ids)
	slices.SortFunc(byPacked, Identifier.Compare)

	texts := make([]string, len(ids))
	for i, id := range ids {
		texts[i] = id.String()
	}
	slices.Sort(texts)

	for i := range byPacked {
		if byPacked[i].String() != texts[i] {
			t.Fatalf("position %d: packed order %s, text order %s", i, byPacked[i], texts[i])
		}
	}
}

func TestIdentifierRoundTrip(t *testing.T) {
	rng := newTestRNG(2)
	for _, id := range generateRandomIdentifiers(rng, 500) {
		s := mixedCase(id, rng)
		got, err := ParseIdentifier(s)
		if err != nil {
			t.Fatalf("ParseIdentifier(%q): %v", s, err)
		}
		if got != id {
			t.Fatalf("ParseIdentifier(%q) = %s, want %s", s, got, id)
		}
		if got.String() != strings.ToUpper(s) {
			t.Fatalf("String() = %s, want %s", got, strings.ToUpper(s))
		}
	}
}

func TestMustParseIdentifierPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustParseIdentifier did not panic on malformed input")
		}
	}()
	MustParseIdentifier("xyz")
}
