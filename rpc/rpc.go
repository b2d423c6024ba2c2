package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.miragespace.co/skipgraph/spec/protocol"
	"go.miragespace.co/skipgraph/spec/rpc"
	"go.miragespace.co/skipgraph/spec/transport"

	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var _ rpc.RPC = (*RPC)(nil)

type reply struct {
	resp *protocol.Response
	err  string
}

// RPC multiplexes concurrent calls in both directions over a single stream.
// Each frame is an Envelope; replies are matched to callers by ReqNum.
type RPC struct {
	logger  *zap.Logger
	stream  io.ReadWriteCloser
	handler rpc.RPCHandler

	num     *atomic.Uint64
	pending *skipmap.Uint64Map[chan reply]
	closed  *atomic.Bool
	done    chan struct{}

	// serializes frame writes
	sendMu chan struct{}
}

func defaultHandler(context.Context, *protocol.Request) (*protocol.Response, error) {
	return nil, transport.ErrNoHandler
}

func NewRPC(logger *zap.Logger, stream io.ReadWriteCloser, handler rpc.RPCHandler) *RPC {
	if handler == nil {
		handler = defaultHandler
	}
	return &RPC{
		logger:  logger,
		stream:  stream,
		handler: handler,
		num:     atomic.NewUint64(0),
		pending: skipmap.NewUint64[chan reply](),
		closed:  atomic.NewBool(false),
		done:    make(chan struct{}),
		sendMu:  make(chan struct{}, 1),
	}
}

// Start reads frames until the stream fails or is closed. Inbound requests
// are handled on their own goroutine.
func (r *RPC) Start(ctx context.Context) {
	defer r.Close()
	for {
		env := &protocol.Envelope{}
		if err := rpc.Receive(r.stream, env); err != nil {
			if !r.closed.Load() && !errors.Is(err, io.EOF) {
				r.logger.Debug("RPC receive error", zap.Error(err))
			}
			return
		}

		switch env.GetType() {
		case protocol.Envelope_REPLY:
			c, ok := r.pending.LoadAndDelete(env.ReqNum)
			if !ok {
				continue
			}
			// buffered, never blocks
			c <- reply{resp: env.Response, err: env.Error}

		case protocol.Envelope_REQUEST:
			go r.serve(ctx, env)

		default:
			r.logger.Debug("Dropping RPC frame with unknown type", zap.Uint64("reqNum", env.ReqNum))
		}
	}
}

func (r *RPC) serve(ctx context.Context, env *protocol.Envelope) {
	resp, err := r.handler(ctx, env.Request)
	out := &protocol.Envelope{
		ReqNum: env.ReqNum,
		Type:   protocol.Envelope_REPLY,
	}
	switch {
	case err != nil:
		out.Error = err.Error()
	case resp == nil:
		out.Error = "empty response from handler"
	default:
		out.Response = resp
	}
	if err := r.send(ctx, out); err != nil {
		r.logger.Debug("RPC reply send error", zap.Error(err))
		r.Close()
	}
}

func (r *RPC) send(ctx context.Context, env *protocol.Envelope) error {
	select {
	case r.sendMu <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return transport.ErrClosed
	}
	defer func() { <-r.sendMu }()
	return rpc.Send(r.stream, env)
}

func (r *RPC) Call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if r.closed.Load() {
		return nil, transport.ErrClosed
	}

	num := r.num.Inc()
	c := make(chan reply, 1)
	r.pending.Store(num, c)
	defer r.pending.Delete(num)

	if err := r.send(ctx, &protocol.Envelope{
		ReqNum:  num,
		Type:    protocol.Envelope_REQUEST,
		Request: req,
	}); err != nil {
		if !errors.Is(err, ctx.Err()) {
			r.Close()
		}
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, transport.ErrClosed
	case rs := <-c:
		if rs.resp == nil {
			return nil, fmt.Errorf("remote RPC error: %s", rs.err)
		}
		return rs.resp, nil
	}
}

// Done is closed once the channel is closed.
func (r *RPC) Done() <-chan struct{} {
	return r.done
}

func (r *RPC) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.logger.Debug("Closing RPC channel")
	close(r.done)
	return r.stream.Close()
}
