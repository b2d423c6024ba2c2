//go:build !no_mocks
// +build !no_mocks

package mocks

import (
	"context"

	"go.miragespace.co/skipgraph/spec/protocol"
	"go.miragespace.co/skipgraph/spec/rpc"
	"go.miragespace.co/skipgraph/spec/transport"

	"github.com/stretchr/testify/mock"
)

type Transport struct {
	mock.Mock
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Address() string {
	args := t.Called()
	return args.String(0)
}

func (t *Transport) Call(ctx context.Context, address string, req *protocol.Request) (*protocol.Response, error) {
	args := t.Called(ctx, address, req)
	v := args.Get(0)
	e := args.Error(1)
	if v == nil {
		return nil, e
	}
	return v.(*protocol.Response), e
}

func (t *Transport) Serve(ctx context.Context, handler rpc.RPCHandler) error {
	args := t.Called(ctx, handler)
	return args.Error(0)
}

func (t *Transport) Stop() {
	t.Called()
}
