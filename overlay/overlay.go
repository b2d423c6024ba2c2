package overlay

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"go.miragespace.co/skipgraph/spec/protocol"
	"go.miragespace.co/skipgraph/spec/rpc"
	"go.miragespace.co/skipgraph/spec/transport"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

const (
	DefaultDialTimeout    = time.Second * 3
	DefaultDialAttempts   = 2
	DefaultRequestTimeout = time.Second * 10
)

var (
	quicConfig = &quic.Config{
		KeepAlivePeriod:      time.Second * 5,
		HandshakeIdleTimeout: DefaultDialTimeout,
		MaxIdleTimeout:       time.Second * 30,
	}
)

type TransportConfig struct {
	Logger *zap.Logger

	// ListenAddress is bound when the transport is created, ":0" picks a port
	ListenAddress string
	// AdvertiseAddress is what peers dial, defaults to the bound address
	AdvertiseAddress string

	// Required by QUIC, optional for TCP
	ServerTLS *tls.Config
	ClientTLS *tls.Config

	DialTimeout  time.Duration
	DialAttempts uint
	// RequestTimeout bounds reading an inbound request off the wire
	RequestTimeout time.Duration
}

func (c *TransportConfig) validate() error {
	if c.Logger == nil {
		return fmt.Errorf("overlay: missing logger")
	}
	if c.ListenAddress == "" {
		return fmt.Errorf("overlay: missing listen address")
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.DialAttempts == 0 {
		c.DialAttempts = DefaultDialAttempts
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return nil
}

// respond turns handler failures into error responses, so a peer always
// receives a Response for a request that reached the handler.
func respond(handler rpc.RPCHandler) rpc.RPCHandler {
	return func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			return &protocol.Response{
				Kind:  req.Kind,
				Error: err.Error(),
			}, nil
		}
		return resp, nil
	}
}

// callError classifies a failed call: an expired ctx is reported as is,
// anything else means the peer could not be reached.
func callError(ctx context.Context, address string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %s: %v", transport.ErrUnreachable, address, err)
}
