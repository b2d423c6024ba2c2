package skipgraph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type sliceTable struct {
	left, right []Identity
}

func (s *sliceTable) GetLeftNode(_ context.Context, level int) (Identity, error) {
	return s.left[level], nil
}

func (s *sliceTable) GetRightNode(_ context.Context, level int) (Identity, error) {
	return s.right[level], nil
}

func (s *sliceTable) UpdateLeftNode(_ context.Context, level int, node Identity) (Identity, error) {
	prev := s.left[level]
	s.left[level] = node
	return prev, nil
}

func (s *sliceTable) UpdateRightNode(_ context.Context, level int, node Identity) (Identity, error) {
	prev := s.right[level]
	s.right[level] = node
	return prev, nil
}

func TestDirection(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	as.Equal(DirectionRight, DirectionLeft.Opposite())
	as.Equal(DirectionLeft, DirectionRight.Opposite())
	as.Equal("left", DirectionLeft.String())
	as.Equal("right", DirectionRight.String())

	a := Identity{ID: IdentifierFromUint64(1), Address: "a"}
	b := Identity{ID: IdentifierFromUint64(2), Address: "b"}
	table := &sliceTable{
		left:  []Identity{EmptyNode, EmptyNode},
		right: []Identity{EmptyNode, EmptyNode},
	}

	prev, err := UpdateNeighbor(ctx, table, DirectionLeft, 1, a)
	as.NoError(err)
	as.Equal(EmptyNode, prev)

	prev, err = UpdateNeighbor(ctx, table, DirectionLeft.Opposite(), 1, b)
	as.NoError(err)
	as.Equal(EmptyNode, prev)

	left, err := GetNeighbor(ctx, table, DirectionLeft, 1)
	as.NoError(err)
	as.Equal(a, left)
	right, err := GetNeighbor(ctx, table, DirectionRight, 1)
	as.NoError(err)
	as.Equal(b, right)

	prev, err = UpdateNeighbor(ctx, table, DirectionRight, 1, a)
	as.NoError(err)
	as.Equal(b, prev)
	as.Equal(EmptyNode, table.right[0])
}
