package skipgraph

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseIdentifier(t *testing.T) {
	as := require.New(t)

	bitStr := strings.Repeat("0", IdentifierBits-3) + "101"
	id, err := ParseIdentifier(bitStr)
	as.NoError(err)
	as.EqualValues(5, id.Uint64())
	as.Equal(bitStr, id.Bits())

	hexStr := strings.Repeat("0", 2*IdentifierSize-2) + "ff"
	id, err = ParseIdentifier(hexStr)
	as.NoError(err)
	as.EqualValues(255, id.Uint64())
	as.Equal(hexStr, id.String())

	parsed, err := ParseIdentifier(id.String())
	as.NoError(err)
	as.Equal(id, parsed)
}

func TestParseIdentifierInvalid(t *testing.T) {
	as := require.New(t)

	inputs := []string{
		"",
		"0101",
		strings.Repeat("2", IdentifierBits),
		strings.Repeat("0", IdentifierBits-1) + "x",
		strings.Repeat("z", 2*IdentifierSize),
		strings.Repeat("0", IdentifierBits+1),
	}

	for _, input := range inputs {
		_, err := ParseIdentifier(input)
		as.Error(err)
		as.ErrorIs(err, ErrInvalidIdentifier)

		var vErr *ValidationError
		as.ErrorAs(err, &vErr)

		_, err = ParseMembershipVector(input)
		as.ErrorIs(err, ErrInvalidMembershipVector)
	}

	_, err := IdentifierFromBytes([]byte{1, 2, 3})
	as.ErrorIs(err, ErrInvalidIdentifier)
}

func TestIdentifierCompare(t *testing.T) {
	as := require.New(t)

	a := IdentifierFromUint64(10)
	b := IdentifierFromUint64(20)

	as.Equal(Less, a.Compare(b))
	as.Equal(Greater, b.Compare(a))
	as.Equal(Equal, a.Compare(a))
	as.True(a.Less(b))

	// ordering is big-endian over all bytes, not just the low word
	var high Identifier
	high[0] = 1
	as.Equal(Greater, high.Compare(IdentifierFromUint64(^uint64(0))))
}

func TestCommonPrefixLength(t *testing.T) {
	as := require.New(t)

	a, err := MembershipVectorFromBits("1010")
	as.NoError(err)
	b, err := MembershipVectorFromBits("1011")
	as.NoError(err)
	c, err := MembershipVectorFromBits("0")
	as.NoError(err)

	as.Equal(3, a.CommonPrefixLength(b))
	as.Equal(3, b.CommonPrefixLength(a))
	as.Equal(0, a.CommonPrefixLength(c))
	as.Equal(IdentifierBits, a.CommonPrefixLength(a))

	var x, y MembershipVector
	y[IdentifierSize-1] = 1
	as.Equal(IdentifierBits-1, x.CommonPrefixLength(y))

	_, err = MembershipVectorFromBits(strings.Repeat("1", IdentifierBits+1))
	as.Error(err)
}

func TestRandomIdentifiers(t *testing.T) {
	as := require.New(t)

	seen := make(map[Identifier]bool)
	for i := 0; i < 64; i++ {
		id := RandomIdentifier()
		as.False(seen[id])
		seen[id] = true
	}

	a := RandomMembershipVector()
	as.Equal(IdentifierBits, a.CommonPrefixLength(a))
}

func TestIdentity(t *testing.T) {
	as := require.New(t)

	as.True(EmptyNode.IsEmpty())
	as.ErrorIs(EmptyNode.Validate(), ErrInvalidIdentity)

	_, err := NewIdentity(IdentifierFromUint64(1), MembershipVector{}, "")
	as.ErrorIs(err, ErrInvalidIdentity)

	n, err := NewIdentity(IdentifierFromUint64(1), MembershipVector{}, "127.0.0.1:1234")
	as.NoError(err)
	as.False(n.IsEmpty())
	as.NotEqual(EmptyNode, n)

	// comparable, usable as map keys
	m := map[Identity]bool{n: true}
	as.True(m[n])
	as.False(m[EmptyNode])

	// an identity with zero identifier is still distinguishable from EmptyNode
	zero, err := NewIdentity(Identifier{}, MembershipVector{}, "a")
	as.NoError(err)
	as.NotEqual(EmptyNode, zero)
}
