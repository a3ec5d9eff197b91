// Package cortical identifies cortical areas. An ID is eight bytes whose
// first byte names the area kind; IDs travel as standard base64.
package cortical

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Len is the byte length of an ID.
const Len = 8

// ErrInvalidID is returned for bytes that do not form a valid ID.
var ErrInvalidID = errors.New("invalid cortical id")

// Kind is the category encoded in an ID's first byte.
type Kind byte

const (
	KindCustom Kind = 'c'
	KindMemory Kind = 'm'
	KindCore   Kind = '_'
	KindInput  Kind = 'i'
	KindOutput Kind = 'o'
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindCustom:
		return "custom"
	case KindMemory:
		return "memory"
	case KindCore:
		return "core"
	case KindInput:
		return "input"
	case KindOutput:
		return "output"
	default:
		return fmt.Sprintf("invalid(%q)", byte(k))
	}
}

func (k Kind) valid() bool {
	switch k {
	case KindCustom, KindMemory, KindCore, KindInput, KindOutput:
		return true
	}
	return false
}

// ID is a cortical area identifier.
type ID [Len]byte

// Core areas with fixed indices.
var (
	Death = ID{'_', '_', '_', 'd', 'e', 'a', 't', 'h'}
	Power = ID{'_', '_', '_', 'p', 'o', 'w', 'e', 'r'}
)

// Core area indices.
const (
	DeathIndex uint32 = 0
	PowerIndex uint32 = 1
)

// FromBytes validates raw ID bytes.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Len {
		return id, fmt.Errorf("%d bytes, want %d: %w", len(b), Len, ErrInvalidID)
	}
	copy(id[:], b)
	if !id.Kind().valid() {
		return ID{}, fmt.Errorf("kind byte %q: %w", b[0], ErrInvalidID)
	}
	return id, nil
}

// FromUint64 decodes a big-endian packed ID.
func FromUint64(u uint64) (ID, error) {
	var b [Len]byte
	binary.BigEndian.PutUint64(b[:], u)
	return FromBytes(b[:])
}

// FromBase64 decodes the transport form produced by Base64.
func FromBase64(s string) (ID, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("decode %q: %v: %w", s, err, ErrInvalidID)
	}
	return FromBytes(b)
}

// Parse builds an ID from a human-readable name of at most eight ASCII
// bytes, padding short names with '_'. Names are raw bytes, not base64.
func Parse(name string) (ID, error) {
	if len(name) == 0 || len(name) > Len {
		return ID{}, fmt.Errorf("name %q: length %d: %w", name, len(name), ErrInvalidID)
	}
	return FromBytes([]byte(name + strings.Repeat("_", Len-len(name))))
}

// MustParse is Parse for constant names. It panics on error.
func MustParse(name string) ID {
	id, err := Parse(name)
	if err != nil {
		panic(err)
	}
	return id
}

// Kind returns the category byte.
func (id ID) Kind() Kind { return Kind(id[0]) }

// Uint64 packs the ID big-endian.
func (id ID) Uint64() uint64 { return binary.BigEndian.Uint64(id[:]) }

// Base64 returns the transport encoding.
func (id ID) Base64() string { return base64.StdEncoding.EncodeToString(id[:]) }

// Name returns the raw bytes as text with trailing padding removed.
func (id ID) Name() string { return strings.TrimRight(string(id[:]), "_\x00") }

// String returns the base64 form; raw bytes may contain control characters.
func (id ID) String() string { return id.Base64() }

// Subtype returns the lower-cased bytes 1..3 of an input or output ID.
func (id ID) Subtype() (string, bool) {
	if k := id.Kind(); k != KindInput && k != KindOutput {
		return "", false
	}
	s := strings.ToLower(strings.TrimRight(string(id[1:4]), "_\x00"))
	return s, s != ""
}

// Unit returns the ASCII digit in byte 4 of an input or output ID.
func (id ID) Unit() (uint8, bool) {
	if k := id.Kind(); k != KindInput && k != KindOutput {
		return 0, false
	}
	switch b := id[4]; {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b == '_' || b == 0:
		return 0, true
	}
	return 0, false
}

// MarshalText implements encoding.TextMarshaler using base64.
func (id ID) MarshalText() ([]byte, error) { return []byte(id.Base64()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	v, err := FromBase64(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}
