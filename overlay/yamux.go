package overlay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.miragespace.co/skipgraph/rpc"
	"go.miragespace.co/skipgraph/spec/protocol"
	rpcSpec "go.miragespace.co/skipgraph/spec/rpc"
	"go.miragespace.co/skipgraph/spec/transport"
	"go.miragespace.co/skipgraph/util/atomic"

	"github.com/avast/retry-go/v4"
	"github.com/libp2p/go-yamux/v4"
	"github.com/zhangyunhao116/skipmap"
	uberAtomic "go.uber.org/atomic"
	"go.uber.org/zap"
)

var _ transport.Transport = (*Yamux)(nil)

type channel struct {
	session *yamux.Session
	rpc     *rpc.RPC
}

// Yamux multiplexes calls to a peer over a single long lived stream of a
// yamux session on TCP, optionally wrapped in TLS.
type Yamux struct {
	TransportConfig

	listener net.Listener

	cachedChannels *skipmap.StringMap[*channel]
	cachedMutex    *atomic.KeyedRWMutex

	baseCtx    context.Context
	baseCancel context.CancelFunc

	closed *uberAtomic.Bool
	stopCh chan struct{}
}

func yamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	return cfg
}

func NewYamux(conf TransportConfig) (*Yamux, error) {
	if err := conf.validate(); err != nil {
		return nil, err
	}
	if (conf.ServerTLS == nil) != (conf.ClientTLS == nil) {
		return nil, fmt.Errorf("overlay: ServerTLS and ClientTLS must be set together")
	}

	listener, err := net.Listen("tcp", conf.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("overlay: binding tcp socket: %w", err)
	}
	if conf.ServerTLS != nil {
		listener = tls.NewListener(listener, conf.ServerTLS)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Yamux{
		TransportConfig: conf,

		listener: listener,

		cachedChannels: skipmap.NewString[*channel](),
		cachedMutex:    atomic.NewKeyedRWMutex(),

		baseCtx:    ctx,
		baseCancel: cancel,

		closed: uberAtomic.NewBool(false),
		stopCh: make(chan struct{}),
	}, nil
}

func (t *Yamux) Address() string {
	if t.AdvertiseAddress != "" {
		return t.AdvertiseAddress
	}
	return t.listener.Addr().String()
}

func (t *Yamux) dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := &net.Dialer{}
	if t.ClientTLS != nil {
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config:    t.ClientTLS,
		}
		return tlsDialer.DialContext(ctx, "tcp", address)
	}
	return dialer.DialContext(ctx, "tcp", address)
}

func (t *Yamux) getCachedChannel(ctx context.Context, address string) (*rpc.RPC, error) {
	var ch *rpc.RPC

	alive := func(c *channel) bool {
		return !c.session.IsClosed()
	}

	err := retry.Do(func() error {
		rUnlock := t.cachedMutex.RLock(address)
		cached, ok := t.cachedChannels.Load(address)
		rUnlock()
		if ok && alive(cached) {
			ch = cached.rpc
			return nil
		}

		unlock := t.cachedMutex.Lock(address)
		defer unlock()

		if cached, ok := t.cachedChannels.Load(address); ok && alive(cached) {
			ch = cached.rpc
			return nil
		}

		t.Logger.Debug("Creating new yamux session", zap.String("peer", address))

		dialCtx, dialCancel := context.WithTimeout(ctx, t.DialTimeout)
		defer dialCancel()

		conn, err := t.dial(dialCtx, address)
		if err != nil {
			return err
		}
		session, err := yamux.Client(conn, yamuxConfig(), nil)
		if err != nil {
			conn.Close()
			return err
		}
		stream, err := session.OpenStream(dialCtx)
		if err != nil {
			session.Close()
			return err
		}

		newCh := rpc.NewRPC(t.Logger.With(zap.String("peer", address)), stream, nil)
		go newCh.Start(t.baseCtx)

		t.cachedChannels.Store(address, &channel{
			session: session,
			rpc:     newCh,
		})
		go t.reapChannel(address, session, newCh, directionOutgoing)

		ch = newCh
		return nil
	},
		retry.Attempts(t.DialAttempts),
		retry.Context(ctx),
		retry.Delay(time.Millisecond*50),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			t.Logger.Debug("Retrying yamux dial", zap.String("peer", address), zap.Uint("attempt", n), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (t *Yamux) Call(ctx context.Context, address string, req *protocol.Request) (*protocol.Response, error) {
	if t.closed.Load() {
		return nil, transport.ErrClosed
	}

	ch, err := t.getCachedChannel(ctx, address)
	if err != nil {
		return nil, callError(ctx, address, err)
	}

	resp, err := ch.Call(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			// broken channel, the reaper evicts it
			ch.Close()
		}
		return nil, callError(ctx, address, err)
	}
	return resp, nil
}

func (t *Yamux) Serve(ctx context.Context, handler rpcSpec.RPCHandler) error {
	if handler == nil {
		return transport.ErrNoHandler
	}
	if t.closed.Load() {
		return transport.ErrClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-t.stopCh:
		}
		t.listener.Close()
	}()

	t.Logger.Info("Accepting yamux connections", zap.String("listen", t.listener.Addr().String()))

	handler = respond(handler)
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go t.handleConnection(ctx, conn, handler)
	}
}

func (t *Yamux) handleConnection(ctx context.Context, conn net.Conn, handler rpcSpec.RPCHandler) {
	logger := t.Logger.With(
		zap.String("remote", conn.RemoteAddr().String()),
		zap.String("direction", directionIncoming.String()),
	)

	session, err := yamux.Server(conn, yamuxConfig(), nil)
	if err != nil {
		logger.Debug("Failed to establish yamux session", zap.Error(err))
		conn.Close()
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-session.CloseChan():
		}
	}()

	for {
		stream, err := session.AcceptStream()
		if err != nil {
			return
		}
		ch := rpc.NewRPC(logger, stream, handler)
		go ch.Start(ctx)
	}
}

func (t *Yamux) Stop() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	close(t.stopCh)
	t.baseCancel()
	t.listener.Close()

	t.cachedChannels.Range(func(_ string, c *channel) bool {
		c.rpc.Close()
		c.session.Close()
		return true
	})
}
