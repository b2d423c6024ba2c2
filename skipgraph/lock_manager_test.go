package skipgraph

import (
	"context"
	"errors"
	"testing"

	"go.miragespace.co/skipgraph/spec/mocks"
	"go.miragespace.co/skipgraph/spec/skipgraph"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestLockManagerBookkeeping(t *testing.T) {
	as := require.New(t)

	m := NewLockManager()
	a := makeIdentity(1, "")
	b := makeIdentity(2, "")

	m.Add(skipgraph.EmptyNode, 0)
	as.Equal(0, m.Len())

	m.Add(a, 3)
	m.Add(a, 1)
	m.Add(a, 5)
	m.Add(b, 2)
	as.Equal(2, m.Len())
	as.True(m.Holds(a))

	held := m.List()
	as.Len(held, 2)
	as.Equal(a, held[0].Node)
	as.Equal(1, held[0].MinLevel)
	as.Equal(b, held[1].Node)
	as.Equal(2, held[1].MinLevel)

	as.True(m.Remove(a))
	as.False(m.Remove(a))
	as.False(m.Holds(a))
	as.Equal(1, m.Len())
}

func TestLockManagerReleaseAll(t *testing.T) {
	as := require.New(t)

	owner := makeIdentity(100, "")
	a := makeIdentity(1, "")
	b := makeIdentity(2, "")
	c := makeIdentity(3, "")

	nodeA := new(mocks.VNode)
	nodeA.On("ReleaseLock", mock.Anything, owner).Return(true, nil).Once()
	nodeB := new(mocks.VNode)
	nodeB.On("ReleaseLock", mock.Anything, owner).Return(false, nil).Once()
	nodeC := new(mocks.VNode)
	nodeC.On("ReleaseLock", mock.Anything, owner).Return(false, skipgraph.ErrTransport).Once()

	nodes := map[skipgraph.Identity]*mocks.VNode{
		a: nodeA,
		b: nodeB,
		c: nodeC,
	}

	m := NewLockManager()
	m.Add(a, 0)
	m.Add(b, 0)
	m.Add(c, 1)

	err := m.ReleaseAll(context.Background(), owner, func(id skipgraph.Identity) skipgraph.VNodeLock {
		return nodes[id]
	})
	as.Error(err)
	as.True(errors.Is(err, skipgraph.ErrTransport))
	as.Equal(0, m.Len())

	nodeA.AssertExpectations(t)
	nodeB.AssertExpectations(t)
	nodeC.AssertExpectations(t)

	// nothing left to release
	as.NoError(m.ReleaseAll(context.Background(), owner, func(id skipgraph.Identity) skipgraph.VNodeLock {
		t.Fatalf("unexpected release on %s", id)
		return nil
	}))
}
