package skipgraph

import (
	"context"
	"errors"
	"fmt"

	"go.miragespace.co/skipgraph/spec/protocol"
	"go.miragespace.co/skipgraph/spec/skipgraph"

	"go.uber.org/zap"
)

// Serve answers requests arriving on the node's transport until ctx is done
// or the transport is stopped.
func (n *LocalNode) Serve(ctx context.Context) error {
	return n.Transport.Serve(ctx, n.HandleRequest)
}

// HandleRequest dispatches one inbound request. Lock contention is reported
// with the Locked flag, every other failure as a Response.Error string.
func (n *LocalNode) HandleRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	ctx = skipgraph.WithCaller(ctx, req.Caller)

	// any request from the holder of our lock renews its lease
	n.lock.Refresh(req.Caller)

	resp, err := n.dispatch(ctx, req)
	if err != nil {
		resp = &protocol.Response{
			Kind: req.Kind,
		}
		if errors.Is(err, skipgraph.ErrLocked) {
			resp.Locked = true
		} else {
			resp.Error = err.Error()
			n.Logger.Debug("Error handling request", zap.Object("request", req), zap.Error(err))
		}
	}
	return resp, nil
}

func (n *LocalNode) dispatch(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if req.Kind.Mutating() && req.Caller.IsEmpty() {
		return nil, fmt.Errorf("%s without caller: %w", req.Kind, skipgraph.ErrInvalidIdentity)
	}

	resp := &protocol.Response{
		Kind: req.Kind,
	}

	switch req.Kind {
	case protocol.Kind_GET_IDENTITY:
		resp.Node = n.identity

	case protocol.Kind_IS_AVAILABLE:
		ok, err := n.IsAvailable(ctx)
		if err != nil {
			return nil, err
		}
		resp.Bool = ok

	case protocol.Kind_GET_LEFT_NODE:
		node, err := n.GetLeftNode(ctx, int(req.Level))
		if err != nil {
			return nil, err
		}
		resp.Node = node

	case protocol.Kind_GET_RIGHT_NODE:
		node, err := n.GetRightNode(ctx, int(req.Level))
		if err != nil {
			return nil, err
		}
		resp.Node = node

	case protocol.Kind_UPDATE_LEFT_NODE:
		prev, err := n.UpdateLeftNode(ctx, int(req.Level), req.Node)
		if err != nil {
			return nil, err
		}
		resp.Node = prev

	case protocol.Kind_UPDATE_RIGHT_NODE:
		prev, err := n.UpdateRightNode(ctx, int(req.Level), req.Node)
		if err != nil {
			return nil, err
		}
		resp.Node = prev

	case protocol.Kind_SEARCH_BY_NUM_ID:
		node, err := n.SearchByNumID(ctx, req.TargetID)
		if err != nil {
			return nil, err
		}
		resp.Node = node

	case protocol.Kind_SEARCH_BY_MEMBERSHIP_VECTOR:
		result, err := n.SearchByMembershipVector(ctx, req.TargetMV)
		if err != nil {
			return nil, err
		}
		resp.Result = protocol.NewSearchResult(result)

	case protocol.Kind_ACQUIRE_LOCK:
		acquired, err := n.AcquireLock(ctx, req.Node, req.Version)
		if err != nil {
			return nil, err
		}
		if !acquired {
			return nil, skipgraph.ErrLocked
		}
		resp.Bool = true

	case protocol.Kind_RELEASE_LOCK:
		released, err := n.ReleaseLock(ctx, req.Node)
		if err != nil {
			return nil, err
		}
		resp.Bool = released

	default:
		return nil, skipgraph.ErrUnknownKind
	}

	return resp, nil
}
