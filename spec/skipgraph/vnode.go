package skipgraph

import "context"

type Direction int

const (
	DirectionLeft Direction = iota
	DirectionRight
)

func (d Direction) String() string {
	if d == DirectionLeft {
		return "left"
	}
	return "right"
}

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == DirectionLeft {
		return DirectionRight
	}
	return DirectionLeft
}

// SearchResult is the outcome of a membership vector search. Neighbors holds
// the identities visited along the way, for the caller to splice into its own
// table as backups.
type SearchResult struct {
	Identity  Identity
	Neighbors []Identity
	Hops      int
}

// VNode is a participant of the skip graph, either local or reached over a
// Transport. Every method that may cross the network takes a context.
type VNode interface {
	// Identity returns the identity this handle was created with
	Identity() Identity

	GetIdentity(ctx context.Context) (Identity, error)
	IsAvailable(ctx context.Context) (bool, error)

	VNodeTable
	VNodeSearch
	VNodeLock
}

type VNodeTable interface {
	GetLeftNode(ctx context.Context, level int) (Identity, error)
	GetRightNode(ctx context.Context, level int) (Identity, error)

	// UpdateLeftNode and UpdateRightNode return the previous occupant. When the
	// node is locked by someone other than the caller, ErrLocked is returned.
	UpdateLeftNode(ctx context.Context, level int, node Identity) (Identity, error)
	UpdateRightNode(ctx context.Context, level int, node Identity) (Identity, error)
}

type VNodeSearch interface {
	SearchByNumID(ctx context.Context, target Identifier) (Identity, error)
	SearchByMembershipVector(ctx context.Context, target MembershipVector) (*SearchResult, error)
}

type VNodeLock interface {
	AcquireLock(ctx context.Context, requester Identity, version int64) (bool, error)
	ReleaseLock(ctx context.Context, owner Identity) (bool, error)
}

// GetNeighbor is a convenience over GetLeftNode/GetRightNode.
func GetNeighbor(ctx context.Context, node VNodeTable, dir Direction, level int) (Identity, error) {
	if dir == DirectionLeft {
		return node.GetLeftNode(ctx, level)
	}
	return node.GetRightNode(ctx, level)
}

// UpdateNeighbor is a convenience over UpdateLeftNode/UpdateRightNode.
func UpdateNeighbor(ctx context.Context, node VNodeTable, dir Direction, level int, to Identity) (Identity, error) {
	if dir == DirectionLeft {
		return node.UpdateLeftNode(ctx, level, to)
	}
	return node.UpdateRightNode(ctx, level, to)
}
