package skipgraph

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"math/bits"
	"strings"
)

const (
	// IdentifierSize is the byte length of both Identifier and MembershipVector
	IdentifierSize = 32
	// IdentifierBits is the bit length of an Identifier, and also the number of
	// levels of a lookup table (one level per possible common prefix length)
	IdentifierBits = IdentifierSize * 8
	// MaxLevels is the default number of levels in a lookup table
	MaxLevels = IdentifierBits
)

type Comparison int

const (
	Less    Comparison = -1
	Equal   Comparison = 0
	Greater Comparison = 1
)

func (c Comparison) String() string {
	switch c {
	case Less:
		return "LESS"
	case Equal:
		return "EQUAL"
	case Greater:
		return "GREATER"
	default:
		return "UNKNOWN"
	}
}

// Identifier is a fixed size bit-string ordered by its unsigned big-endian value.
type Identifier [IdentifierSize]byte

// MembershipVector is a fixed size bit-string that is only compared by the
// length of the prefix it shares with another vector.
type MembershipVector [IdentifierSize]byte

// ParseIdentifier accepts either a string of exactly IdentifierBits '0'/'1'
// characters, or exactly 2*IdentifierSize hex characters.
func ParseIdentifier(s string) (Identifier, error) {
	var id Identifier
	if err := parseBitString(id[:], s); err != nil {
		return Identifier{}, &ValidationError{Input: s, Reason: err.Error(), err: ErrInvalidIdentifier}
	}
	return id, nil
}

func IdentifierFromBytes(b []byte) (Identifier, error) {
	var id Identifier
	if len(b) != IdentifierSize {
		return id, &ValidationError{Input: hex.EncodeToString(b), Reason: "unexpected length", err: ErrInvalidIdentifier}
	}
	copy(id[:], b)
	return id, nil
}

// IdentifierFromUint64 places v in the lowest 8 bytes of the identifier.
func IdentifierFromUint64(v uint64) Identifier {
	var id Identifier
	binary.BigEndian.PutUint64(id[IdentifierSize-8:], v)
	return id
}

func RandomIdentifier() Identifier {
	var id Identifier
	if _, err := rand.Read(id[:]); err != nil {
		panic(err)
	}
	return id
}

func (i Identifier) Compare(other Identifier) Comparison {
	return Comparison(bytes.Compare(i[:], other[:]))
}

func (i Identifier) Less(other Identifier) bool {
	return i.Compare(other) == Less
}

func (i Identifier) Bit(n int) bool {
	return bitAt(i[:], n)
}

func (i Identifier) Bits() string {
	return toBitString(i[:])
}

func (i Identifier) Bytes() []byte {
	return append([]byte(nil), i[:]...)
}

// Uint64 returns the lowest 8 bytes of the identifier.
func (i Identifier) Uint64() uint64 {
	return binary.BigEndian.Uint64(i[IdentifierSize-8:])
}

func (i Identifier) String() string {
	return hex.EncodeToString(i[:])
}

// Short returns an abbreviated form suitable for tables and logs.
func (i Identifier) Short() string {
	return shortHex(i[:])
}

func ParseMembershipVector(s string) (MembershipVector, error) {
	var mv MembershipVector
	if err := parseBitString(mv[:], s); err != nil {
		return MembershipVector{}, &ValidationError{Input: s, Reason: err.Error(), err: ErrInvalidMembershipVector}
	}
	return mv, nil
}

func MembershipVectorFromBytes(b []byte) (MembershipVector, error) {
	var mv MembershipVector
	if len(b) != IdentifierSize {
		return mv, &ValidationError{Input: hex.EncodeToString(b), Reason: "unexpected length", err: ErrInvalidMembershipVector}
	}
	copy(mv[:], b)
	return mv, nil
}

// MembershipVectorFromBits builds a vector whose leading bits are prefix and
// whose remaining bits are zero.
func MembershipVectorFromBits(prefix string) (MembershipVector, error) {
	if len(prefix) > IdentifierBits {
		return MembershipVector{}, &ValidationError{Input: prefix, Reason: "prefix too long", err: ErrInvalidMembershipVector}
	}
	return ParseMembershipVector(prefix + strings.Repeat("0", IdentifierBits-len(prefix)))
}

func RandomMembershipVector() MembershipVector {
	var mv MembershipVector
	if _, err := rand.Read(mv[:]); err != nil {
		panic(err)
	}
	return mv
}

// CommonPrefixLength returns the number of leading bits shared with other, in [0, IdentifierBits].
func (m MembershipVector) CommonPrefixLength(other MembershipVector) int {
	for i := 0; i < IdentifierSize; i++ {
		if x := m[i] ^ other[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return IdentifierBits
}

func (m MembershipVector) Bit(n int) bool {
	return bitAt(m[:], n)
}

func (m MembershipVector) Bits() string {
	return toBitString(m[:])
}

func (m MembershipVector) Bytes() []byte {
	return append([]byte(nil), m[:]...)
}

func (m MembershipVector) String() string {
	return hex.EncodeToString(m[:])
}

func (m MembershipVector) Short() string {
	return shortHex(m[:])
}

func parseBitString(dst []byte, s string) error {
	switch len(s) {
	case len(dst) * 8:
		for i := 0; i < len(s); i++ {
			switch s[i] {
			case '0':
			case '1':
				dst[i/8] |= 0x80 >> (i % 8)
			default:
				return errNonBitCharacter
			}
		}
		return nil
	case len(dst) * 2:
		if _, err := hex.Decode(dst, []byte(s)); err != nil {
			return errNonHexCharacter
		}
		return nil
	default:
		return errInvalidLength
	}
}

func bitAt(b []byte, n int) bool {
	if n < 0 || n >= len(b)*8 {
		return false
	}
	return b[n/8]&(0x80>>(n%8)) != 0
}

func toBitString(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b) * 8)
	for i := 0; i < len(b)*8; i++ {
		if bitAt(b, i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

func shortHex(b []byte) string {
	s := hex.EncodeToString(b)
	trimmed := strings.TrimLeft(s, "0")
	if len(trimmed) <= 12 {
		if trimmed == "" {
			return "0"
		}
		return trimmed
	}
	return s[:6] + ".." + s[len(s)-6:]
}
