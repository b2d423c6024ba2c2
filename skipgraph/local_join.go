package skipgraph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.miragespace.co/skipgraph/spec/skipgraph"
	"go.miragespace.co/skipgraph/util"
	"go.miragespace.co/skipgraph/util/promise"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

// errStaleNeighbors marks a level step that lost a race: a neighbor was
// locked by someone else, moved, or has yet to settle the level. The step is
// retried from scratch.
var errStaleNeighbors = errors.New("neighbors changed or locked during splice")

// contended reports whether a level step may succeed when retried. A node
// that has yet to settle the level it was asked about is transient as well.
func contended(err error) bool {
	return errors.Is(err, errStaleNeighbors) || errors.Is(err, skipgraph.ErrLevelNotJoined)
}

// neighborPair is the (left, right) pair a node splices itself between at a
// level. Either side may be EmptyNode.
type neighborPair struct {
	left  skipgraph.Identity
	right skipgraph.Identity
}

func (p neighborPair) get(dir skipgraph.Direction) skipgraph.Identity {
	if dir == skipgraph.DirectionLeft {
		return p.left
	}
	return p.right
}

func (p *neighborPair) set(dir skipgraph.Direction, node skipgraph.Identity) {
	if dir == skipgraph.DirectionLeft {
		p.left = node
	} else {
		p.right = node
	}
}

func (p neighborPair) empty() bool {
	return p.left.IsEmpty() && p.right.IsEmpty()
}

var directions = []skipgraph.Direction{skipgraph.DirectionLeft, skipgraph.DirectionRight}

// Create makes this node the first member of a new skip graph.
func (n *LocalNode) Create() error {
	if _, ok := n.state.Transition(skipgraph.Inactive, skipgraph.Joining); !ok {
		return fmt.Errorf("node is not Inactive")
	}
	n.Logger.Info("Creating new skip graph")
	n.joined.Store(int32(n.table.NumLevels()))
	n.state.Set(skipgraph.Active)
	return nil
}

// Join inserts this node into the skip graph the introducer belongs to.
//
// Level 0 is spliced between the numeric predecessor and successor found
// through the introducer. Every level above is found by walking the chain one
// level down, holding the lock of every settled node walked past, so no other
// joiner can appear in that stretch until the level is spliced. Contention is
// retried a bounded number of times; on failure every lock acquired from
// other nodes is released and the node ends up Aborted.
func (n *LocalNode) Join(ctx context.Context, introducer string) error {
	if introducer == "" || introducer == n.identity.Address {
		return n.Create()
	}

	if _, ok := n.state.Transition(skipgraph.Inactive, skipgraph.Joining); !ok {
		return fmt.Errorf("node is not Inactive")
	}
	if !n.lock.StartInsertion() {
		n.state.Set(skipgraph.Inactive)
		return skipgraph.ErrLocked
	}

	start := time.Now()
	locks := NewLockManager()

	n.Logger.Info("Joining skip graph", zap.String("introducer", introducer))

	err := n.executeJoin(ctx, introducer, locks)
	if err != nil {
		if relErr := locks.ReleaseAll(context.Background(), n.identity, n.lockHandle); relErr != nil {
			n.Logger.Warn("Releasing locks after aborted join", zap.Error(relErr))
		}
		if unwindErr := n.unwind(ctx, locks); unwindErr != nil {
			n.Logger.Error("Neighbors still link to the aborted node", zap.Error(unwindErr))
		}
		n.lock.EndInsertion()
		n.state.Set(skipgraph.Aborted)
		n.Metrics.join(start, "aborted")
		n.Logger.Error("Join aborted", zap.Int32("joined", n.joined.Load()), zap.Error(err))
		if errors.Is(err, skipgraph.ErrDuplicateIdentifier) || errors.Is(err, skipgraph.ErrJoinContention) {
			return err
		}
		return fmt.Errorf("%w: %w", skipgraph.ErrJoinAborted, err)
	}

	n.lock.EndInsertion()
	n.state.Set(skipgraph.Active)
	n.Metrics.join(start, "ok")

	n.Logger.Info("Joined skip graph", zap.Int("height", n.table.Height()), zap.Duration("took", time.Since(start)))

	if err := n.absorbBackups(ctx, introducer); err != nil {
		n.Logger.Warn("Populating backup neighbors", zap.Error(err))
	}

	return nil
}

func (n *LocalNode) lockHandle(node skipgraph.Identity) skipgraph.VNodeLock {
	return n.resolve(node)
}

func (n *LocalNode) executeJoin(ctx context.Context, introducer string, locks *LockManager) error {
	for level := 0; level < n.table.NumLevels(); level++ {
		pair, err := n.joinLevel(ctx, introducer, level, locks)
		if err != nil {
			return fmt.Errorf("joining level %d: %w", level, err)
		}
		n.joined.Store(int32(level + 1))

		if pair.empty() {
			n.Logger.Debug("Alone from level onward", zap.Int("level", level))
			break
		}
		n.Logger.Debug("Level spliced",
			zap.Int("level", level),
			zap.Object("left", pair.left),
			zap.Object("right", pair.right),
		)
	}
	n.joined.Store(int32(n.table.NumLevels()))
	return nil
}

// joinLevel settles this node at level, retrying on contention. It returns
// the pair spliced between; an empty pair means this node is the only one
// with its prefix at level.
func (n *LocalNode) joinLevel(ctx context.Context, introducer string, level int, locks *LockManager) (neighborPair, error) {
	attempts := 0
	pair, err := retry.DoWithData(func() (neighborPair, error) {
		attempts++
		pair, err := n.attemptLevel(ctx, introducer, level, locks)
		if err != nil {
			if relErr := locks.ReleaseAll(ctx, n.identity, n.lockHandle); relErr != nil {
				n.Logger.Warn("Releasing neighbor locks", zap.Int("level", level), zap.Error(relErr))
			}
			if contended(err) {
				return neighborPair{}, err
			}
			return neighborPair{}, retry.Unrecoverable(err)
		}
		return pair, nil
	},
		retry.Context(ctx),
		retry.Attempts(n.JoinRetryAttempts),
		retry.DelayType(func(_ uint, _ error, _ *retry.Config) time.Duration {
			return util.RandomTimeRange(n.JoinRetryInterval)
		}),
		retry.RetryIf(contended),
		retry.OnRetry(func(attempt uint, err error) {
			n.Metrics.contention()
			n.Logger.Debug("Retrying level splice", zap.Int("level", level), zap.Uint("attempt", attempt), zap.Error(err))
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if contended(err) {
			return neighborPair{}, fmt.Errorf("%w: level %d after %d attempts: %w", skipgraph.ErrJoinContention, level, attempts, err)
		}
		return neighborPair{}, err
	}
	return pair, nil
}

// attemptLevel runs one lock, verify, splice and release round at level.
func (n *LocalNode) attemptLevel(ctx context.Context, introducer string, level int, locks *LockManager) (neighborPair, error) {
	version := n.version.Inc()

	var (
		pair neighborPair
		err  error
	)
	if level == 0 {
		pair, err = n.levelZeroPair(ctx, introducer)
		if err != nil {
			return neighborPair{}, err
		}
		if err := n.lockPair(ctx, level, version, pair, locks); err != nil {
			return neighborPair{}, err
		}
	} else {
		for _, dir := range directions {
			node, err := n.lockedWalk(ctx, dir, level, version, locks)
			if err != nil {
				return neighborPair{}, err
			}
			pair.set(dir, node)
		}
	}

	if err := n.verifyPair(ctx, level, pair); err != nil {
		return neighborPair{}, err
	}

	if err := n.splice(ctx, level, pair); err != nil {
		return neighborPair{}, err
	}

	if err := locks.ReleaseAll(ctx, n.identity, n.lockHandle); err != nil {
		// the neighbors are consistent already, an unreleased lock only
		// delays other joiners until its lease runs out
		n.Logger.Warn("Releasing neighbor locks", zap.Int("level", level), zap.Error(err))
	}
	return pair, nil
}

// levelZeroPair locates the numeric predecessor and successor of this node
// through the introducer.
func (n *LocalNode) levelZeroPair(ctx context.Context, introducer string) (neighborPair, error) {
	closest, err := n.resolveAddress(introducer).SearchByNumID(ctx, n.identity.ID)
	if err != nil {
		return neighborPair{}, fmt.Errorf("searching for own identifier via %s: %w", introducer, err)
	}
	if closest.IsEmpty() {
		return neighborPair{}, fmt.Errorf("introducer %s returned no node", introducer)
	}

	switch closest.ID.Compare(n.identity.ID) {
	case skipgraph.Equal:
		return neighborPair{}, fmt.Errorf("%w: %s is already held by %s", skipgraph.ErrDuplicateIdentifier, n.identity.ID.Short(), closest.Address)
	case skipgraph.Less:
		right, err := n.resolve(closest).GetRightNode(ctx, 0)
		if err != nil {
			return neighborPair{}, err
		}
		return neighborPair{left: closest, right: right}, nil
	default:
		left, err := n.resolve(closest).GetLeftNode(ctx, 0)
		if err != nil {
			return neighborPair{}, err
		}
		return neighborPair{left: left, right: closest}, nil
	}
}

// lockPair acquires the locks of both sides of pair concurrently.
func (n *LocalNode) lockPair(ctx context.Context, level int, version int64, pair neighborPair, locks *LockManager) error {
	sides := make([]skipgraph.Identity, 0, 2)
	for _, dir := range directions {
		if side := pair.get(dir); !side.IsEmpty() {
			sides = append(sides, side)
		}
	}

	acquire := make([]func(context.Context) (bool, error), 0, len(sides))
	for _, side := range sides {
		side := side
		acquire = append(acquire, func(fnCtx context.Context) (bool, error) {
			return n.resolve(side).AcquireLock(fnCtx, n.identity, version)
		})
	}
	acquired, errs := promise.All(ctx, acquire...)

	refused := false
	for i, side := range sides {
		switch {
		case errs[i] != nil:
		case acquired[i]:
			locks.Add(side, level)
		default:
			refused = true
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("acquiring neighbor locks: %w", err)
	}
	if refused {
		return errStaleNeighbors
	}
	return nil
}

func (n *LocalNode) lockNode(ctx context.Context, node skipgraph.Identity, level int, version int64, locks *LockManager) error {
	acquired, err := n.resolve(node).AcquireLock(ctx, n.identity, version)
	if err != nil {
		return fmt.Errorf("acquiring lock on %s: %w", node, err)
	}
	if !acquired {
		return fmt.Errorf("%w: %s is locked", errStaleNeighbors, node)
	}
	locks.Add(node, level)
	return nil
}

// lockedWalk finds the neighbor at level in direction dir by walking the
// chain at level-1 outward from this node.
//
// Settled nodes walked past are locked, so nobody can splice into the
// stretch being examined. Joining nodes cannot be locked, but their lower
// levels are frozen while they insert. A joining node with enough common
// prefix that has not settled level yet is waited on if its identifier is
// lower than ours and skipped otherwise; it will wait on us in turn.
func (n *LocalNode) lockedWalk(ctx context.Context, dir skipgraph.Direction, level int, version int64, locks *LockManager) (skipgraph.Identity, error) {
	curr := neighbor(n.table, dir, level-1)
	for !curr.IsEmpty() {
		remote := n.resolve(curr)

		if n.identity.MV.CommonPrefixLength(curr.MV) >= level {
			_, err := skipgraph.GetNeighbor(ctx, remote, dir, level)
			switch {
			case err == nil:
				if err := n.lockNode(ctx, curr, level, version, locks); err != nil {
					return skipgraph.EmptyNode, err
				}
				return curr, nil
			case errors.Is(err, skipgraph.ErrLevelNotJoined):
				if curr.ID.Less(n.identity.ID) {
					return skipgraph.EmptyNode, fmt.Errorf("%w: waiting on %s to settle level %d", errStaleNeighbors, curr, level)
				}
			default:
				return skipgraph.EmptyNode, err
			}
		} else {
			available, err := remote.IsAvailable(ctx)
			if err != nil {
				return skipgraph.EmptyNode, err
			}
			if available {
				if err := n.lockNode(ctx, curr, level, version, locks); err != nil {
					return skipgraph.EmptyNode, err
				}
			}
		}

		next, err := skipgraph.GetNeighbor(ctx, remote, dir, level-1)
		if err != nil {
			return skipgraph.EmptyNode, err
		}
		if !next.IsEmpty() && !closer(dir, curr, next) {
			return skipgraph.EmptyNode, fmt.Errorf("chain at level %d is not ordered: %s then %s", level-1, curr, next)
		}
		curr = next
	}
	return skipgraph.EmptyNode, nil
}

// verifyPair checks, with both locks held, that left and right are still
// adjacent to each other at level and on the correct sides of this node.
func (n *LocalNode) verifyPair(ctx context.Context, level int, pair neighborPair) error {
	if !pair.left.IsEmpty() {
		if !pair.left.ID.Less(n.identity.ID) {
			return fmt.Errorf("%w: left %s is not below own identifier", errStaleNeighbors, pair.left)
		}
		right, err := n.resolve(pair.left).GetRightNode(ctx, level)
		if err != nil {
			return err
		}
		if right != pair.right {
			return fmt.Errorf("%w: right of %s is now %s", errStaleNeighbors, pair.left, right)
		}
	}
	if !pair.right.IsEmpty() {
		if !n.identity.ID.Less(pair.right.ID) {
			return fmt.Errorf("%w: right %s is not above own identifier", errStaleNeighbors, pair.right)
		}
		left, err := n.resolve(pair.right).GetLeftNode(ctx, level)
		if err != nil {
			return err
		}
		if left != pair.left {
			return fmt.Errorf("%w: left of %s is now %s", errStaleNeighbors, pair.right, left)
		}
	}
	return nil
}

// splice links this node between pair at level: own table first, then the
// two neighbors. When a step fails, the steps before it are undone while the
// locks are still held, so no neighbor is left pointing at a node that never
// settled the level. A lock lost midway counts as contention.
func (n *LocalNode) splice(ctx context.Context, level int, pair neighborPair) error {
	var undo []func(context.Context) error
	for _, dir := range directions {
		dir := dir
		prev := updateNeighbor(n.table, dir, pair.get(dir), level)
		undo = append(undo, func(context.Context) error {
			updateNeighbor(n.table, dir, prev, level)
			return nil
		})
	}

	for _, dir := range directions {
		side := pair.get(dir)
		if side.IsEmpty() {
			continue
		}
		// our left neighbor points right at us and vice versa
		facing := dir.Opposite()
		remote := n.resolve(side)

		prev, err := skipgraph.UpdateNeighbor(ctx, remote, facing, level, n.identity)
		if err == nil {
			undo = append(undo, func(ctx context.Context) error {
				_, err := skipgraph.UpdateNeighbor(ctx, remote, facing, level, prev)
				return err
			})
			continue
		}

		err = fmt.Errorf("updating %s of %s: %w", facing, side, err)
		locked := errors.Is(err, skipgraph.ErrLocked)
		if !locked {
			// the update may have landed before the failure surfaced
			undo = append(undo, func(ctx context.Context) error {
				if _, err := skipgraph.UpdateNeighbor(ctx, remote, facing, level, pair.get(facing)); err != nil {
					n.Logger.Warn("Restoring neighbor after failed update",
						zap.Int("level", level),
						zap.Object("neighbor", side),
						zap.Error(err),
					)
				}
				return nil
			})
		}
		if undoErr := n.rollback(ctx, undo); undoErr != nil {
			return fmt.Errorf("%w; rolling back: %w", err, undoErr)
		}
		if locked {
			return fmt.Errorf("%w: %w", errStaleNeighbors, err)
		}
		return err
	}
	return nil
}

// rollback runs undo in reverse order. It is not bound to the cancellation of
// ctx, since an undo skipped because the join was cancelled leaves neighbors
// inconsistent.
func (n *LocalNode) rollback(ctx context.Context, undo []func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.RPCTimeout)
	defer cancel()

	var errs []error
	for i := len(undo) - 1; i >= 0; i-- {
		if err := undo[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// absorbBackups runs a membership vector search for this node's own vector
// from the introducer, and keeps the nodes visited on the way as backup
// neighbors.
func (n *LocalNode) absorbBackups(ctx context.Context, introducer string) error {
	if _, ok := n.table.(BackupTable); !ok {
		return nil
	}

	result, err := n.resolveAddress(introducer).SearchByMembershipVector(ctx, n.identity.MV)
	if err != nil {
		return fmt.Errorf("searching own membership vector via %s: %w", introducer, err)
	}

	n.absorb(result.Identity)
	for _, c := range result.Neighbors {
		n.absorb(c)
	}
	return nil
}

// absorb adds c as a backup at every level it qualifies for, but only behind
// an existing neighbor: a backup must never become the head of a list.
func (n *LocalNode) absorb(c skipgraph.Identity) {
	if c.IsEmpty() || c.ID == n.identity.ID {
		return
	}
	dir := skipgraph.DirectionRight
	if c.ID.Less(n.identity.ID) {
		dir = skipgraph.DirectionLeft
	}
	cpl := n.identity.MV.CommonPrefixLength(c.MV)
	for level := 0; level <= cpl && level < n.table.NumLevels(); level++ {
		head := neighbor(n.table, dir, level)
		if head.IsEmpty() || head.ID == c.ID || closer(dir, c, head) {
			continue
		}
		addBackup(n.table, dir, c, level)
	}
}

// unwind splices an aborted joiner out of the levels it had settled, top
// down. A level that cannot be unwound stays linked and readable, along with
// every level below it.
func (n *LocalNode) unwind(ctx context.Context, locks *LockManager) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.RPCTimeout)
	defer cancel()

	for level := int(n.joined.Load()) - 1; level >= 0; level-- {
		if err := n.leaveLevel(ctx, level, locks); err != nil {
			if relErr := locks.ReleaseAll(ctx, n.identity, n.lockHandle); relErr != nil {
				n.Logger.Warn("Releasing neighbor locks", zap.Int("level", level), zap.Error(relErr))
			}
			return fmt.Errorf("unwinding level %d: %w", level, err)
		}
		n.table.RemoveLeft(level)
		n.table.RemoveRight(level)
		n.joined.Store(int32(level))
	}
	return nil
}

// Leave splices this node out of every level, top down, by linking its
// neighbors to each other under their locks. Nodes further away are not
// notified.
func (n *LocalNode) Leave(ctx context.Context) error {
	if _, ok := n.state.Transition(skipgraph.Active, skipgraph.Leaving); !ok {
		return skipgraph.ErrNodeNotActive
	}
	if !n.lock.StartInsertion() {
		n.state.Set(skipgraph.Active)
		return skipgraph.ErrLocked
	}
	defer n.lock.EndInsertion()

	n.Logger.Info("Leaving skip graph")

	locks := NewLockManager()
	var errs []error
	for level := n.table.Height() - 1; level >= 0; level-- {
		if err := n.leaveLevel(ctx, level, locks); err != nil {
			errs = append(errs, fmt.Errorf("leaving level %d: %w", level, err))
			if relErr := locks.ReleaseAll(context.Background(), n.identity, n.lockHandle); relErr != nil {
				errs = append(errs, relErr)
			}
		}
		n.table.RemoveLeft(level)
		n.table.RemoveRight(level)
	}

	n.state.Set(skipgraph.Left)

	if err := errors.Join(errs...); err != nil {
		n.Logger.Warn("Neighbors may be left inconsistent", zap.Error(err))
		return err
	}
	return nil
}

// leaveLevel links the two neighbors at level to each other. Our own lock is
// held throughout, so neither of them can gain a new neighbor on our side.
func (n *LocalNode) leaveLevel(ctx context.Context, level int, locks *LockManager) error {
	pair := neighborPair{
		left:  n.table.GetLeft(level),
		right: n.table.GetRight(level),
	}
	if pair.empty() {
		return nil
	}

	return retry.Do(func() error {
		version := n.version.Inc()
		if err := n.lockPair(ctx, level, version, pair, locks); err != nil {
			if relErr := locks.ReleaseAll(ctx, n.identity, n.lockHandle); relErr != nil {
				return retry.Unrecoverable(relErr)
			}
			if errors.Is(err, errStaleNeighbors) {
				return err
			}
			return retry.Unrecoverable(err)
		}

		if !pair.left.IsEmpty() {
			if _, err := n.resolve(pair.left).UpdateRightNode(ctx, level, pair.right); err != nil {
				return retry.Unrecoverable(err)
			}
		}
		if !pair.right.IsEmpty() {
			if _, err := n.resolve(pair.right).UpdateLeftNode(ctx, level, pair.left); err != nil {
				return retry.Unrecoverable(err)
			}
		}

		if err := locks.ReleaseAll(ctx, n.identity, n.lockHandle); err != nil {
			n.Logger.Warn("Releasing neighbor locks", zap.Int("level", level), zap.Error(err))
		}
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(n.JoinRetryAttempts),
		retry.DelayType(func(_ uint, _ error, _ *retry.Config) time.Duration {
			return util.RandomTimeRange(n.JoinRetryInterval)
		}),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errStaleNeighbors)
		}),
		retry.OnRetry(func(_ uint, _ error) {
			n.Metrics.contention()
		}),
		retry.LastErrorOnly(true),
	)
}
