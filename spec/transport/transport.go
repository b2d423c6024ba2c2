package transport

import (
	"context"

	"go.miragespace.co/skipgraph/spec/protocol"
	"go.miragespace.co/skipgraph/spec/rpc"
)

// Transport turns "send request R to the peer at address, get a response" into
// bytes on the wire. A Call must honor the deadline of ctx; an expired
// deadline or an unreachable peer is reported as an error, never as a response.
type Transport interface {
	// Address is the address peers use to reach this transport
	Address() string

	Call(ctx context.Context, address string, req *protocol.Request) (*protocol.Response, error)

	// Serve dispatches inbound requests to handler, one goroutine per request,
	// until ctx is done or Stop is called
	Serve(ctx context.Context, handler rpc.RPCHandler) error

	Stop()
}
