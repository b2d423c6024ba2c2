package skipgraph

import (
	"context"
	"fmt"

	"go.miragespace.co/skipgraph/spec/skipgraph"

	"github.com/Yiling-J/theine-go"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const remoteCacheSize = 1024

type LocalNode struct {
	NodeConfig
	identity skipgraph.Identity

	table   LookupTable
	lock    *InsertionLock
	state   *nodeState
	version *atomic.Int64
	// levels below joined are final while the node is joining
	joined *atomic.Int32

	remotes *theine.LoadingCache[string, skipgraph.VNode]

	stopCtx    context.Context
	cancelStop context.CancelFunc
}

var _ skipgraph.VNode = (*LocalNode)(nil)

func NewLocalNode(conf NodeConfig) (*LocalNode, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	var table LookupTable
	if conf.BackupSize == 1 {
		table = NewSingleTable(conf.NumLevels)
	} else {
		table = NewBackupTable(conf.Identity, conf.NumLevels, conf.BackupSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &LocalNode{
		NodeConfig: conf,
		identity:   conf.Identity,
		table:      table,
		lock:       NewInsertionLock(conf.LockLease),
		state:      newNodeState(skipgraph.Inactive),
		version:    atomic.NewInt64(0),
		joined:     atomic.NewInt32(0),
		stopCtx:    ctx,
		cancelStop: cancel,
	}
	n.Logger = conf.Logger.With(zap.Object("node", conf.Identity))

	remotes, err := theine.NewBuilder[string, skipgraph.VNode](remoteCacheSize).
		BuildWithLoader(func(ctx context.Context, key string) (theine.Loaded[skipgraph.VNode], error) {
			return n.remoteLoader(ctx, decodeCacheKey(key))
		})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating remote node cache: %w", err)
	}
	n.remotes = remotes

	return n, nil
}

func (n *LocalNode) remoteLoader(_ context.Context, peer skipgraph.Identity) (theine.Loaded[skipgraph.VNode], error) {
	remote := NewRemoteNode(RemoteConfig{
		Logger:    n.Logger,
		Transport: n.Transport,
		Metrics:   n.Metrics,
		Caller:    n.identity,
		Timeout:   n.RPCTimeout,
	}, peer)
	return theine.Loaded[skipgraph.VNode]{
		Value: skipgraph.WrapRetryRead(remote, n.ReadRetryInterval, n.ReadRetryAttempts, func(attempt uint, err error) {
			n.Metrics.readRetry()
			n.Logger.Debug("Retrying remote read", zap.Object("peer", peer), zap.Uint("attempt", attempt), zap.Error(err))
		}),
		Cost: 1,
	}, nil
}

// remote handles are keyed by the raw identity bytes followed by the address
func cacheKey(peer skipgraph.Identity) string {
	return string(peer.ID[:]) + string(peer.MV[:]) + peer.Address
}

func decodeCacheKey(key string) skipgraph.Identity {
	var peer skipgraph.Identity
	copy(peer.ID[:], key[:skipgraph.IdentifierSize])
	copy(peer.MV[:], key[skipgraph.IdentifierSize:2*skipgraph.IdentifierSize])
	peer.Address = key[2*skipgraph.IdentifierSize:]
	return peer
}

// resolve returns a handle to peer, which is the node itself when peer is
// this node's identity.
func (n *LocalNode) resolve(peer skipgraph.Identity) skipgraph.VNode {
	if peer == n.identity {
		return n
	}
	if n.stopCtx.Err() == nil {
		if remote, err := n.remotes.Get(n.stopCtx, cacheKey(peer)); err == nil {
			return remote
		}
	}
	v, _ := n.remoteLoader(n.stopCtx, peer)
	return v.Value
}

// resolveAddress returns a handle to a peer known only by its address, such
// as an introducer.
func (n *LocalNode) resolveAddress(address string) skipgraph.VNode {
	return n.resolve(skipgraph.Identity{Address: address})
}

func (n *LocalNode) Identity() skipgraph.Identity {
	return n.identity
}

func (n *LocalNode) GetIdentity(_ context.Context) (skipgraph.Identity, error) {
	return n.identity, nil
}

func (n *LocalNode) IsAvailable(_ context.Context) (bool, error) {
	return n.state.Get() == skipgraph.Active, nil
}

func (n *LocalNode) State() skipgraph.State {
	return n.state.Get()
}

func (n *LocalNode) Table() LookupTable {
	return n.table
}

func (n *LocalNode) IsLocked() bool {
	return n.lock.IsLocked()
}

func (n *LocalNode) IsLockedBy(address string) bool {
	return n.lock.IsLockedBy(address)
}

// checkServing rejects reads and searches on nodes that are not part of
// the skip graph.
func (n *LocalNode) checkServing() error {
	switch n.state.Get() {
	case skipgraph.Inactive:
		return skipgraph.ErrNodeNotStarted
	case skipgraph.Left:
		return skipgraph.ErrNodeGone
	default:
		return nil
	}
}

// checkSearchable additionally rejects searches on a node whose join was
// aborted, as its table no longer reflects the skip graph.
func (n *LocalNode) checkSearchable() error {
	if err := n.checkServing(); err != nil {
		return err
	}
	if n.state.Get() == skipgraph.Aborted {
		return skipgraph.ErrNodeGone
	}
	return nil
}

// checkLevel rejects reads of levels a joining node has not settled yet, so
// an empty slot is never mistaken for the node being alone at that level.
func (n *LocalNode) checkLevel(level int) error {
	if err := n.checkServing(); err != nil {
		return err
	}
	switch n.state.Get() {
	case skipgraph.Joining, skipgraph.Aborted:
		if level >= int(n.joined.Load()) {
			return skipgraph.ErrLevelNotJoined
		}
	}
	return nil
}

func (n *LocalNode) GetLeftNode(_ context.Context, level int) (skipgraph.Identity, error) {
	if err := n.checkLevel(level); err != nil {
		return skipgraph.EmptyNode, err
	}
	return n.table.GetLeft(level), nil
}

func (n *LocalNode) GetRightNode(_ context.Context, level int) (skipgraph.Identity, error) {
	if err := n.checkLevel(level); err != nil {
		return skipgraph.EmptyNode, err
	}
	return n.table.GetRight(level), nil
}

func (n *LocalNode) UpdateLeftNode(ctx context.Context, level int, node skipgraph.Identity) (skipgraph.Identity, error) {
	return n.updateNeighbor(ctx, skipgraph.DirectionLeft, level, node)
}

func (n *LocalNode) UpdateRightNode(ctx context.Context, level int, node skipgraph.Identity) (skipgraph.Identity, error) {
	return n.updateNeighbor(ctx, skipgraph.DirectionRight, level, node)
}

// updateNeighbor is only honored when the node is unlocked, or locked by the
// caller. A caller that lost its lock to a lease takeover is refused either
// way.
func (n *LocalNode) updateNeighbor(ctx context.Context, dir skipgraph.Direction, level int, node skipgraph.Identity) (skipgraph.Identity, error) {
	if level < 0 || level >= n.table.NumLevels() {
		return skipgraph.EmptyNode, skipgraph.ErrInvalidLevel
	}
	caller := skipgraph.CallerFromContext(ctx)
	if !n.lock.Permits(caller) {
		n.Logger.Debug("Rejecting table update while locked",
			zap.Object("caller", caller),
			zap.Object("owner", n.lock.Owner()),
			zap.Stringer("direction", dir),
			zap.Int("level", level),
		)
		return skipgraph.EmptyNode, skipgraph.ErrLocked
	}

	prev := updateNeighbor(n.table, dir, node, level)

	n.Logger.Debug("Neighbor updated",
		zap.Stringer("direction", dir),
		zap.Int("level", level),
		zap.Object("prev", prev),
		zap.Object("next", node),
	)
	return prev, nil
}

func (n *LocalNode) AcquireLock(_ context.Context, requester skipgraph.Identity, version int64) (bool, error) {
	acquired := n.lock.TryAcquire(requester, version)
	n.Logger.Debug("Lock requested",
		zap.Object("requester", requester),
		zap.Int64("version", version),
		zap.Bool("acquired", acquired),
	)
	return acquired, nil
}

func (n *LocalNode) ReleaseLock(_ context.Context, owner skipgraph.Identity) (bool, error) {
	return n.lock.UnlockOwned(owner), nil
}

// Stop releases resources held by the node. It does not notify neighbors,
// use Leave for that.
func (n *LocalNode) Stop() {
	if n.state.Get() != skipgraph.Left {
		n.state.Set(skipgraph.Left)
	}
	n.cancelStop()
	n.remotes.Close()
}
