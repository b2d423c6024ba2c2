package skipgraph

import (
	"context"
	"errors"
	"fmt"

	"go.miragespace.co/skipgraph/spec/skipgraph"

	"github.com/zhangyunhao116/skipset"
	"go.uber.org/zap"
)

// SearchByNumID returns the node whose identifier is closest to target
// without passing it, approaching from this node's side. When a neighbor
// fails to answer, the next candidate in the backup list is tried, then the
// next level down.
func (n *LocalNode) SearchByNumID(ctx context.Context, target skipgraph.Identifier) (skipgraph.Identity, error) {
	if err := n.checkSearchable(); err != nil {
		return skipgraph.EmptyNode, err
	}

	cmp := target.Compare(n.identity.ID)
	if cmp == skipgraph.Equal {
		return n.identity, nil
	}
	dir := skipgraph.DirectionRight
	if cmp == skipgraph.Less {
		dir = skipgraph.DirectionLeft
	}

	var errs []error
	for level := n.table.Height() - 1; level >= 0; level-- {
		for _, candidate := range neighbors(n.table, dir, level) {
			if overshoots(dir, candidate.ID, target) {
				break
			}
			n.Metrics.forward("num_id")
			found, err := n.resolve(candidate).SearchByNumID(ctx, target)
			if err == nil {
				return found, nil
			}
			n.Logger.Warn("Forwarding numeric search failed, trying next candidate",
				zap.Int("level", level),
				zap.Object("candidate", candidate),
				zap.String("target", target.Short()),
				zap.Error(err),
			)
			errs = append(errs, err)
			if ctx.Err() != nil {
				return skipgraph.EmptyNode, ctx.Err()
			}
		}
	}
	if len(errs) > 0 {
		return skipgraph.EmptyNode, fmt.Errorf("every candidate towards %s failed: %w", target.Short(), errors.Join(errs...))
	}

	return n.identity, nil
}

// overshoots reports whether stepping to id would move past target.
func overshoots(dir skipgraph.Direction, id skipgraph.Identifier, target skipgraph.Identifier) bool {
	if dir == skipgraph.DirectionRight {
		return id.Compare(target) == skipgraph.Greater
	}
	return id.Compare(target) == skipgraph.Less
}

// SearchByMembershipVector climbs towards the node sharing the longest prefix
// with target. At each hop the chain at the current common prefix length is
// walked outward until a node more aligned with target (a ladder) is found.
// Every node walked past is returned in Neighbors.
func (n *LocalNode) SearchByMembershipVector(ctx context.Context, target skipgraph.MembershipVector) (*skipgraph.SearchResult, error) {
	if err := n.checkSearchable(); err != nil {
		return nil, err
	}

	result, err := n.ladderSearch(ctx, target)
	if err != nil {
		return nil, err
	}
	if skipgraph.CallerFromContext(ctx).IsEmpty() {
		n.Metrics.hops(result.Hops)
	}
	return result, nil
}

func (n *LocalNode) ladderSearch(ctx context.Context, target skipgraph.MembershipVector) (*skipgraph.SearchResult, error) {
	self := &skipgraph.SearchResult{
		Identity: n.identity,
	}
	if target == n.identity.MV {
		return self, nil
	}
	level := n.identity.MV.CommonPrefixLength(target)
	if level >= n.table.NumLevels() {
		return self, nil
	}

	visited := skipset.NewFunc[skipgraph.Identity](identityLess)
	ladder := n.findLadder(ctx, target, level, visited)
	if ladder.IsEmpty() {
		self.Neighbors = collectVisited(visited, n.identity)
		return self, nil
	}

	n.Metrics.forward("membership_vector")
	result, err := n.resolve(ladder).SearchByMembershipVector(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("forwarding to ladder %s: %w", ladder, err)
	}

	visited.Add(n.identity)
	for _, id := range result.Neighbors {
		visited.Add(id)
	}
	result.Neighbors = collectVisited(visited, result.Identity)
	result.Hops++
	return result, nil
}

// findLadder walks left and right along level in lock step until either side
// yields a node sharing more than level bits with target. A walk that fails
// or stops moving away from this node counts as exhausted.
func (n *LocalNode) findLadder(ctx context.Context, target skipgraph.MembershipVector, level int, visited *skipset.FuncSet[skipgraph.Identity]) skipgraph.Identity {
	cursors := [2]skipgraph.Identity{
		skipgraph.DirectionLeft:  n.table.GetLeft(level),
		skipgraph.DirectionRight: n.table.GetRight(level),
	}
	isLadder := func(c skipgraph.Identity) bool {
		return !c.IsEmpty() && c.MV.CommonPrefixLength(target) > level
	}

	for !cursors[skipgraph.DirectionLeft].IsEmpty() || !cursors[skipgraph.DirectionRight].IsEmpty() {
		for _, dir := range []skipgraph.Direction{skipgraph.DirectionLeft, skipgraph.DirectionRight} {
			if isLadder(cursors[dir]) {
				return cursors[dir]
			}
		}
		for _, dir := range []skipgraph.Direction{skipgraph.DirectionLeft, skipgraph.DirectionRight} {
			curr := cursors[dir]
			if curr.IsEmpty() {
				continue
			}
			visited.Add(curr)
			next, err := skipgraph.GetNeighbor(ctx, n.resolve(curr), dir, level)
			if err != nil {
				n.Logger.Debug("Ladder walk stopped",
					zap.Stringer("direction", dir),
					zap.Int("level", level),
					zap.Object("at", curr),
					zap.Error(err),
				)
				next = skipgraph.EmptyNode
			}
			if !next.IsEmpty() && !closer(dir, curr, next) {
				next = skipgraph.EmptyNode
			}
			cursors[dir] = next
		}
	}
	return skipgraph.EmptyNode
}

func collectVisited(visited *skipset.FuncSet[skipgraph.Identity], exclude skipgraph.Identity) []skipgraph.Identity {
	ids := make([]skipgraph.Identity, 0, visited.Len())
	visited.Range(func(id skipgraph.Identity) bool {
		if id != exclude {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}
