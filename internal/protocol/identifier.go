package protocol

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// =============================================================================
// IDENTIFIER - NUMERIC ID OR NAME
// =============================================================================
//
// Streams and topics can be addressed either by their numeric ID or by their
// name. On the wire an identifier is self-describing:
//
//   ┌──────────┬────────────┬──────────────────────────────┐
//   │ Kind (1B)│ Length (1B)│ Value (Length bytes)         │
//   └──────────┴────────────┴──────────────────────────────┘
//
//   Kind 1 = numeric, Length is always 4, Value is a little-endian uint32
//   Kind 2 = string,  Length is 1..255,   Value is the canonical name
//
// Names are canonicalized on construction (trimmed, lowercased, inner runs of
// whitespace replaced by '.') so "My Stream" and "my.stream" address the same
// entity. Identifier is comparable and can be used as a map key.
//
// =============================================================================

// IdentifierKind discriminates the two identifier variants.
type IdentifierKind uint8

const (
	NumericIdentifier IdentifierKind = 1
	StringIdentifier  IdentifierKind = 2
)

const (
	// MaxNameLength is the longest stream/topic name accepted.
	MaxNameLength = 255

	numericIdentifierLength = 4

	// minIdentifierSize is kind + length + a one byte name.
	minIdentifierSize = 3
)

// Identifier is a tagged union of a numeric ID and a name.
type Identifier struct {
	kind    IdentifierKind
	numeric uint32
	name    string
}

// NumericID builds a numeric identifier. Zero is reserved.
func NumericID(id uint32) (Identifier, error) {
	if id == 0 {
		return Identifier{}, fmt.Errorf("%w: numeric id must be greater than 0", ErrInvalidIdentifier)
	}
	return Identifier{kind: NumericIdentifier, numeric: id}, nil
}

// NamedID builds a string identifier from a name, canonicalizing it first.
func NamedID(name string) (Identifier, error) {
	canonical := NormalizeName(name)
	if len(canonical) == 0 || len(canonical) > MaxNameLength {
		return Identifier{}, fmt.Errorf("%w: name length must be between 1 and %d", ErrInvalidIdentifier, MaxNameLength)
	}
	return Identifier{kind: StringIdentifier, name: canonical}, nil
}

// MustNumericID is NumericID for constants and tests.
func MustNumericID(id uint32) Identifier {
	ident, err := NumericID(id)
	if err != nil {
		panic(err)
	}
	return ident
}

// MustNamedID is NamedID for constants and tests.
func MustNamedID(name string) Identifier {
	ident, err := NamedID(name)
	if err != nil {
		panic(err)
	}
	return ident
}

// ParseIdentifier interprets s as a numeric ID when it parses as one, and as a
// name otherwise. Used by the CLI and HTTP layers.
func ParseIdentifier(s string) (Identifier, error) {
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return NumericID(uint32(n))
	}
	return NamedID(s)
}

// NormalizeName returns the canonical form of a stream or topic name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), "."))
}

// Kind returns the identifier variant.
func (i Identifier) Kind() IdentifierKind {
	return i.kind
}

// IsZero reports whether i was never constructed.
func (i Identifier) IsZero() bool {
	return i.kind == 0
}

// Numeric returns the numeric value and true for numeric identifiers.
func (i Identifier) Numeric() (uint32, bool) {
	return i.numeric, i.kind == NumericIdentifier
}

// Name returns the canonical name and true for string identifiers.
func (i Identifier) Name() (string, bool) {
	return i.name, i.kind == StringIdentifier
}

// Size is the encoded length in bytes.
func (i Identifier) Size() int {
	if i.kind == NumericIdentifier {
		return 2 + numericIdentifierLength
	}
	return 2 + len(i.name)
}

func (i Identifier) String() string {
	switch i.kind {
	case NumericIdentifier:
		return strconv.FormatUint(uint64(i.numeric), 10)
	case StringIdentifier:
		return i.name
	default:
		return "<none>"
	}
}

// AppendBinary appends the wire form of i to b.
func (i Identifier) AppendBinary(b []byte) []byte {
	switch i.kind {
	case NumericIdentifier:
		b = append(b, byte(NumericIdentifier), numericIdentifierLength)
		return binary.LittleEndian.AppendUint32(b, i.numeric)
	default:
		b = append(b, byte(StringIdentifier), byte(len(i.name)))
		return append(b, i.name...)
	}
}

// decodeIdentifier reads one identifier from the front of b and returns it
// together with the number of bytes consumed.
func decodeIdentifier(b []byte) (Identifier, int, error) {
	if len(b) < minIdentifierSize {
		return Identifier{}, 0, ErrInvalidCommand
	}
	kind := IdentifierKind(b[0])
	length := int(b[1])
	if len(b) < 2+length {
		return Identifier{}, 0, ErrInvalidCommand
	}
	value := b[2 : 2+length]

	switch kind {
	case NumericIdentifier:
		if length != numericIdentifierLength {
			return Identifier{}, 0, fmt.Errorf("%w: numeric identifier length %d", ErrInvalidIdentifier, length)
		}
		id, err := NumericID(binary.LittleEndian.Uint32(value))
		return id, 2 + length, err
	case StringIdentifier:
		if length == 0 {
			return Identifier{}, 0, fmt.Errorf("%w: empty name", ErrInvalidIdentifier)
		}
		id, err := NamedID(string(value))
		return id, 2 + length, err
	default:
		return Identifier{}, 0, fmt.Errorf("%w: unknown kind %d", ErrInvalidIdentifier, kind)
	}
}
