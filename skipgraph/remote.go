package skipgraph

import (
	"context"
	"fmt"
	"time"

	"go.miragespace.co/skipgraph/spec/protocol"
	"go.miragespace.co/skipgraph/spec/skipgraph"
	"go.miragespace.co/skipgraph/spec/transport"

	"go.uber.org/zap"
)

// RemoteNode is a skipgraph.VNode reached over a Transport. Every request is
// stamped with the identity of the local caller, which the receiver uses for
// lock ownership checks.
type RemoteNode struct {
	logger    *zap.Logger
	transport transport.Transport
	metrics   *Metrics
	caller    skipgraph.Identity
	id        skipgraph.Identity
	timeout   time.Duration
}

var _ skipgraph.VNode = (*RemoteNode)(nil)

type RemoteConfig struct {
	Logger    *zap.Logger
	Transport transport.Transport
	Metrics   *Metrics
	// Caller is the identity presented to the peer, EmptyNode for clients
	Caller  skipgraph.Identity
	Timeout time.Duration
}

// NewRemoteNode returns a handle to peer. Only the address of peer is needed
// to issue calls; use GetIdentity to learn the rest.
func NewRemoteNode(cfg RemoteConfig, peer skipgraph.Identity) *RemoteNode {
	return &RemoteNode{
		logger:    cfg.Logger,
		transport: cfg.Transport,
		metrics:   cfg.Metrics,
		caller:    cfg.Caller,
		id:        peer,
		timeout:   cfg.Timeout,
	}
}

func newRR(kind protocol.Kind) *protocol.Request {
	return &protocol.Request{
		Kind: kind,
	}
}

func (n *RemoteNode) call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	req.Caller = n.caller

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	resp, err := n.transport.Call(ctx, n.id.Address, req)
	if err != nil {
		n.metrics.rpc(req.Kind.String(), "transport")
		return nil, fmt.Errorf("%w: %s to %s: %w", skipgraph.ErrTransport, req.Kind, n.id.Address, err)
	}
	if resp.Locked {
		n.metrics.rpc(req.Kind.String(), "locked")
		return nil, skipgraph.ErrLocked
	}
	if resp.Error != "" {
		n.metrics.rpc(req.Kind.String(), "error")
		return nil, skipgraph.ErrorFromString(resp.Error)
	}
	if resp.Kind != req.Kind {
		n.metrics.rpc(req.Kind.String(), "transport")
		return nil, fmt.Errorf("%w: expected %s response but got %s", skipgraph.ErrTransport, req.Kind, resp.Kind)
	}
	n.metrics.rpc(req.Kind.String(), "ok")
	return resp, nil
}

func (n *RemoteNode) Identity() skipgraph.Identity {
	return n.id
}

func (n *RemoteNode) GetIdentity(ctx context.Context) (skipgraph.Identity, error) {
	resp, err := n.call(ctx, newRR(protocol.Kind_GET_IDENTITY))
	if err != nil {
		n.logger.Error("remote GetIdentity RPC", zap.String("node", n.id.Address), zap.Error(err))
		return skipgraph.EmptyNode, err
	}
	return resp.Node, nil
}

func (n *RemoteNode) IsAvailable(ctx context.Context) (bool, error) {
	resp, err := n.call(ctx, newRR(protocol.Kind_IS_AVAILABLE))
	if err != nil {
		n.logger.Error("remote IsAvailable RPC", zap.String("node", n.id.Address), zap.Error(err))
		return false, err
	}
	return resp.Bool, nil
}

func (n *RemoteNode) GetLeftNode(ctx context.Context, level int) (skipgraph.Identity, error) {
	return n.getNeighbor(ctx, protocol.Kind_GET_LEFT_NODE, level)
}

func (n *RemoteNode) GetRightNode(ctx context.Context, level int) (skipgraph.Identity, error) {
	return n.getNeighbor(ctx, protocol.Kind_GET_RIGHT_NODE, level)
}

func (n *RemoteNode) getNeighbor(ctx context.Context, kind protocol.Kind, level int) (skipgraph.Identity, error) {
	rReq := newRR(kind)
	rReq.Level = int32(level)
	resp, err := n.call(ctx, rReq)
	if err != nil {
		n.logger.Error("remote neighbor RPC", zap.String("kind", kind.String()), zap.String("node", n.id.Address), zap.Int("level", level), zap.Error(err))
		return skipgraph.EmptyNode, err
	}
	return resp.Node, nil
}

func (n *RemoteNode) UpdateLeftNode(ctx context.Context, level int, node skipgraph.Identity) (skipgraph.Identity, error) {
	return n.updateNeighbor(ctx, protocol.Kind_UPDATE_LEFT_NODE, level, node)
}

func (n *RemoteNode) UpdateRightNode(ctx context.Context, level int, node skipgraph.Identity) (skipgraph.Identity, error) {
	return n.updateNeighbor(ctx, protocol.Kind_UPDATE_RIGHT_NODE, level, node)
}

func (n *RemoteNode) updateNeighbor(ctx context.Context, kind protocol.Kind, level int, node skipgraph.Identity) (skipgraph.Identity, error) {
	rReq := newRR(kind)
	rReq.Level = int32(level)
	rReq.Node = node
	resp, err := n.call(ctx, rReq)
	if err != nil {
		if err != skipgraph.ErrLocked {
			n.logger.Error("remote update RPC", zap.String("kind", kind.String()), zap.String("node", n.id.Address), zap.Int("level", level), zap.Error(err))
		}
		return skipgraph.EmptyNode, err
	}
	return resp.Node, nil
}

func (n *RemoteNode) SearchByNumID(ctx context.Context, target skipgraph.Identifier) (skipgraph.Identity, error) {
	rReq := newRR(protocol.Kind_SEARCH_BY_NUM_ID)
	rReq.TargetID = target
	resp, err := n.call(ctx, rReq)
	if err != nil {
		n.logger.Error("remote SearchByNumID RPC", zap.String("node", n.id.Address), zap.String("target", target.Short()), zap.Error(err))
		return skipgraph.EmptyNode, err
	}
	return resp.Node, nil
}

func (n *RemoteNode) SearchByMembershipVector(ctx context.Context, target skipgraph.MembershipVector) (*skipgraph.SearchResult, error) {
	rReq := newRR(protocol.Kind_SEARCH_BY_MEMBERSHIP_VECTOR)
	rReq.TargetMV = target
	resp, err := n.call(ctx, rReq)
	if err != nil {
		n.logger.Error("remote SearchByMembershipVector RPC", zap.String("node", n.id.Address), zap.String("target", target.Short()), zap.Error(err))
		return nil, err
	}
	return resp.Result.ToSearchResult(), nil
}

func (n *RemoteNode) AcquireLock(ctx context.Context, requester skipgraph.Identity, version int64) (bool, error) {
	rReq := newRR(protocol.Kind_ACQUIRE_LOCK)
	rReq.Node = requester
	rReq.Version = version
	resp, err := n.call(ctx, rReq)
	if err != nil {
		if err == skipgraph.ErrLocked {
			return false, nil
		}
		n.logger.Error("remote AcquireLock RPC", zap.String("node", n.id.Address), zap.Error(err))
		return false, err
	}
	return resp.Bool, nil
}

func (n *RemoteNode) ReleaseLock(ctx context.Context, owner skipgraph.Identity) (bool, error) {
	rReq := newRR(protocol.Kind_RELEASE_LOCK)
	rReq.Node = owner
	resp, err := n.call(ctx, rReq)
	if err != nil {
		n.logger.Error("remote ReleaseLock RPC", zap.String("node", n.id.Address), zap.Error(err))
		return false, err
	}
	return resp.Bool, nil
}
