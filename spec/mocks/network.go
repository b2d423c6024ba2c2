//go:build !no_mocks
// +build !no_mocks

package mocks

import (
	"context"
	"fmt"
	"sync"

	"go.miragespace.co/skipgraph/spec/protocol"
	"go.miragespace.co/skipgraph/spec/rpc"
	"go.miragespace.co/skipgraph/spec/transport"

	"github.com/zhangyunhao116/skipmap"
	"github.com/zhangyunhao116/skipset"
	"go.uber.org/atomic"
)

// CallObserver is invoked after every call on a Network with the decoded
// response, or a nil response if the call failed.
type CallObserver func(from, to string, req *protocol.Request, resp *protocol.Response)

// Network is an in-process network of transports keyed by address. Every
// request and response goes through the wire codec, so tests exercise the
// same encoding as the real transports.
type Network struct {
	handlers *skipmap.StringMap[rpc.RPCHandler]
	down     *skipset.StringSet
	calls    *atomic.Uint64

	mu       sync.RWMutex
	observer CallObserver
}

func NewNetwork() *Network {
	return &Network{
		handlers: skipmap.NewString[rpc.RPCHandler](),
		down:     skipset.NewString(),
		calls:    atomic.NewUint64(0),
	}
}

// Transport returns a transport.Transport reachable by other transports of
// this network at address.
func (n *Network) Transport(address string) *NetworkTransport {
	return &NetworkTransport{
		network: n,
		address: address,
		stopped: make(chan struct{}),
	}
}

// Partition makes address unreachable, both inbound and outbound.
func (n *Network) Partition(address string) {
	n.down.Add(address)
}

func (n *Network) Heal(address string) {
	n.down.Remove(address)
}

// Reachable reports whether a transport is serving at address.
func (n *Network) Reachable(address string) bool {
	_, ok := n.handlers.Load(address)
	return ok && !n.down.Contains(address)
}

func (n *Network) Calls() uint64 {
	return n.calls.Load()
}

func (n *Network) Observe(fn CallObserver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observer = fn
}

func (n *Network) notify(from, to string, req *protocol.Request, resp *protocol.Response) {
	n.mu.RLock()
	fn := n.observer
	n.mu.RUnlock()
	if fn != nil {
		fn(from, to, req, resp)
	}
}

type NetworkTransport struct {
	network  *Network
	address  string
	stopOnce sync.Once
	stopped  chan struct{}
}

var _ transport.Transport = (*NetworkTransport)(nil)

func (t *NetworkTransport) Address() string {
	return t.address
}

func (t *NetworkTransport) Call(ctx context.Context, address string, req *protocol.Request) (*protocol.Response, error) {
	t.network.calls.Inc()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.network.down.Contains(t.address) || t.network.down.Contains(address) {
		t.network.notify(t.address, address, req, nil)
		return nil, fmt.Errorf("%w: %s", transport.ErrUnreachable, address)
	}
	handler, ok := t.network.handlers.Load(address)
	if !ok {
		t.network.notify(t.address, address, req, nil)
		return nil, fmt.Errorf("%w: %s", transport.ErrUnreachable, address)
	}

	inbound := &protocol.Request{}
	if err := roundTrip(req, inbound); err != nil {
		return nil, err
	}

	resp, err := handler(ctx, inbound)
	if err != nil {
		resp = &protocol.Response{
			Kind:  inbound.Kind,
			Error: err.Error(),
		}
	}

	outbound := &protocol.Response{}
	if err := roundTrip(resp, outbound); err != nil {
		return nil, err
	}
	t.network.notify(t.address, address, inbound, outbound)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return outbound, nil
}

func (t *NetworkTransport) Serve(ctx context.Context, handler rpc.RPCHandler) error {
	if handler == nil {
		return transport.ErrNoHandler
	}
	select {
	case <-t.stopped:
		return transport.ErrClosed
	default:
	}
	t.network.handlers.Store(t.address, handler)
	defer t.network.handlers.Delete(t.address)

	select {
	case <-ctx.Done():
	case <-t.stopped:
	}
	return nil
}

func (t *NetworkTransport) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopped)
	})
}

func roundTrip(src rpc.Message, dst rpc.Message) error {
	buf, err := src.MarshalVT()
	if err != nil {
		return err
	}
	return dst.UnmarshalVT(buf)
}
