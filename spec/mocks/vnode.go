//go:build !no_mocks
// +build !no_mocks

package mocks

import (
	"context"

	"go.miragespace.co/skipgraph/spec/skipgraph"

	"github.com/stretchr/testify/mock"
)

type VNode struct {
	mock.Mock
}

var _ skipgraph.VNode = (*VNode)(nil)

func (n *VNode) Identity() skipgraph.Identity {
	args := n.Called()
	return args.Get(0).(skipgraph.Identity)
}

func (n *VNode) GetIdentity(ctx context.Context) (skipgraph.Identity, error) {
	args := n.Called(ctx)
	return args.Get(0).(skipgraph.Identity), args.Error(1)
}

func (n *VNode) IsAvailable(ctx context.Context) (bool, error) {
	args := n.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (n *VNode) GetLeftNode(ctx context.Context, level int) (skipgraph.Identity, error) {
	args := n.Called(ctx, level)
	return args.Get(0).(skipgraph.Identity), args.Error(1)
}

func (n *VNode) GetRightNode(ctx context.Context, level int) (skipgraph.Identity, error) {
	args := n.Called(ctx, level)
	return args.Get(0).(skipgraph.Identity), args.Error(1)
}

func (n *VNode) UpdateLeftNode(ctx context.Context, level int, node skipgraph.Identity) (skipgraph.Identity, error) {
	args := n.Called(ctx, level, node)
	return args.Get(0).(skipgraph.Identity), args.Error(1)
}

func (n *VNode) UpdateRightNode(ctx context.Context, level int, node skipgraph.Identity) (skipgraph.Identity, error) {
	args := n.Called(ctx, level, node)
	return args.Get(0).(skipgraph.Identity), args.Error(1)
}

func (n *VNode) SearchByNumID(ctx context.Context, target skipgraph.Identifier) (skipgraph.Identity, error) {
	args := n.Called(ctx, target)
	return args.Get(0).(skipgraph.Identity), args.Error(1)
}

func (n *VNode) SearchByMembershipVector(ctx context.Context, target skipgraph.MembershipVector) (*skipgraph.SearchResult, error) {
	args := n.Called(ctx, target)
	v := args.Get(0)
	e := args.Error(1)
	if v == nil {
		return nil, e
	}
	return v.(*skipgraph.SearchResult), e
}

func (n *VNode) AcquireLock(ctx context.Context, requester skipgraph.Identity, version int64) (bool, error) {
	args := n.Called(ctx, requester, version)
	return args.Bool(0), args.Error(1)
}

func (n *VNode) ReleaseLock(ctx context.Context, owner skipgraph.Identity) (bool, error) {
	args := n.Called(ctx, owner)
	return args.Bool(0), args.Error(1)
}
