package digestindex

import (
	"bytes"
	"fmt"

	idxerrors "github.com/tamirms/digestindex/errors"
)

const (
	// IdentifierLen is the length of an identifier in its text form.
	IdentifierLen = 32

	// identifierSize is the packed size: two hex characters per byte.
	identifierSize = IdentifierLen / 2

	// invalidNibble marks bytes outside [0-9A-Fa-f] in hexNibble.
	invalidNibble = 0xFF

	upperHexDigits = "0123456789ABCDEF"
)

// Identifier is the canonical form of a 32-character hexadecimal MD5 digest.
//
// Identifiers are stored packed, two hex characters per byte. Byte-wise
// comparison of packed identifiers gives the same order as lexicographic
// comparison of their canonical uppercase text, since hex digit values 0-15
// are ordered like the ASCII characters 0-9A-F.
type Identifier [identifierSize]byte

// hexNibble maps every byte to its hex value, or invalidNibble.
// Built once; validation is a table lookup per character.
var hexNibble = func() [256]byte {
	var t [256]byte
	for i := range t {
		t[i] = invalidNibble
	}
	for c := byte('0'); c <= '9'; c++ {
		t[c] = c - '0'
	}
	for c := byte('a'); c <= 'f'; c++ {
		t[c] = c - 'a' + 10
		t[c-'a'+'A'] = c - 'a' + 10
	}
	return t
}()

// IsIdentifier reports whether b is exactly 32 characters from [0-9A-Fa-f],
// with no leading or trailing content.
func IsIdentifier(b []byte) bool {
	if len(b) != IdentifierLen {
		return false
	}
	for _, c := range b {
		if hexNibble[c] == invalidNibble {
			return false
		}
	}
	return true
}

// parseIdentifierBytes validates and packs b in a single pass.
// Either case is accepted; the result is canonical.
func parseIdentifierBytes(b []byte) (Identifier, bool) {
	var id Identifier
	if len(b) != IdentifierLen {
		return id, false
	}
	for i := range identifierSize {
		hi := hexNibble[b[2*i]]
		lo := hexNibble[b[2*i+1]]
		if hi == invalidNibble || lo == invalidNibble {
			return Identifier{}, false
		}
		id[i] = hi<<4 | lo
	}
	return id, true
}

// ParseIdentifier parses a 32-character hex digest in either case.
// Parsing is normalization: the returned Identifier compares equal for any
// mix of upper and lower case input.
func ParseIdentifier(s string) (Identifier, error) {
	id, ok := parseIdentifierBytes([]byte(s))
	if !ok {
		return Identifier{}, fmt.Errorf("%w: %q", idxerrors.ErrInvalidIdentifier, s)
	}
	return id, nil
}

// MustParseIdentifier is like ParseIdentifier but panics on malformed input.
func MustParseIdentifier(s string) Identifier {
	id, err := ParseIdentifier(s)
	if err != nil {
		panic(err)
	}
	return id
}

// IdentifierFromDigest wraps a raw 16-byte digest (e.g. the result of md5.Sum).
func IdentifierFromDigest(digest [16]byte) Identifier {
	return Identifier(digest)
}

// Compare returns -1, 0 or +1 under the index order.
func (id Identifier) Compare(other Identifier) int {
	return bytes.Compare(id[:], other[:])
}

// AppendText appends the canonical uppercase form of id to b.
func (id Identifier) AppendText(b []byte) ([]byte, error) {
	return id.appendHex(b), nil
}

func (id Identifier) appendHex(b []byte) []byte {
	for _, v := range id {
		b = append(b, upperHexDigits[v>>4], upperHexDigits[v&0x0F])
	}
	return b
}

// String returns the canonical uppercase form of id.
func (id Identifier) String() string {
	var buf [IdentifierLen]byte
	return string(id.appendHex(buf[:0]))
}
