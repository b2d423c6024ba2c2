package overlay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.miragespace.co/skipgraph/spec/protocol"
	"go.miragespace.co/skipgraph/spec/rpc"
	"go.miragespace.co/skipgraph/spec/transport"
	"go.miragespace.co/skipgraph/util/atomic"

	"github.com/avast/retry-go/v4"
	"github.com/quic-go/quic-go"
	"github.com/zhangyunhao116/skipmap"
	uberAtomic "go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	errCodeStopped       quic.ApplicationErrorCode = 410
	errCodeStreamAborted quic.StreamErrorCode      = 499
)

var _ transport.Transport = (*QUIC)(nil)

// QUIC carries every call on its own stream of a cached connection to the
// peer. Listening and dialing share one UDP socket.
type QUIC struct {
	TransportConfig

	packetConn net.PacketConn
	transport  *quic.Transport
	listener   *quic.Listener

	cachedConnections *skipmap.StringMap[*quic.Conn]
	cachedMutex       *atomic.KeyedRWMutex
	// accepted connections, keyed by remote address
	inbound *skipmap.StringMap[*quic.Conn]

	closed *uberAtomic.Bool
	stopCh chan struct{}
}

func NewQUIC(conf TransportConfig) (*QUIC, error) {
	if err := conf.validate(); err != nil {
		return nil, err
	}
	if conf.ServerTLS == nil || conf.ClientTLS == nil {
		return nil, fmt.Errorf("overlay: QUIC requires both ServerTLS and ClientTLS")
	}

	pconn, err := net.ListenPacket("udp", conf.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("overlay: binding udp socket: %w", err)
	}
	tr := &quic.Transport{
		Conn: pconn,
	}
	listener, err := tr.Listen(conf.ServerTLS, quicConfig)
	if err != nil {
		tr.Close()
		pconn.Close()
		return nil, fmt.Errorf("overlay: starting quic listener: %w", err)
	}

	return &QUIC{
		TransportConfig: conf,

		packetConn: pconn,
		transport:  tr,
		listener:   listener,

		cachedConnections: skipmap.NewString[*quic.Conn](),
		cachedMutex:       atomic.NewKeyedRWMutex(),
		inbound:           skipmap.NewString[*quic.Conn](),

		closed: uberAtomic.NewBool(false),
		stopCh: make(chan struct{}),
	}, nil
}

func (t *QUIC) Address() string {
	if t.AdvertiseAddress != "" {
		return t.AdvertiseAddress
	}
	return t.listener.Addr().String()
}

func (t *QUIC) getCachedConnection(ctx context.Context, address string) (*quic.Conn, error) {
	var q *quic.Conn

	err := retry.Do(func() error {
		rUnlock := t.cachedMutex.RLock(address)
		cached, ok := t.cachedConnections.Load(address)
		rUnlock()
		if ok && cached.Context().Err() == nil {
			q = cached
			return nil
		}

		unlock := t.cachedMutex.Lock(address)
		defer unlock()

		// another caller may have dialed while we waited
		if cached, ok := t.cachedConnections.Load(address); ok && cached.Context().Err() == nil {
			q = cached
			return nil
		}

		addr, err := net.ResolveUDPAddr("udp", address)
		if err != nil {
			return retry.Unrecoverable(err)
		}

		t.Logger.Debug("Creating new QUIC connection", zap.String("peer", address))

		dialCtx, dialCancel := context.WithTimeout(ctx, t.DialTimeout)
		defer dialCancel()

		newQ, err := t.transport.Dial(dialCtx, addr, t.ClientTLS, quicConfig)
		if err != nil {
			return err
		}

		t.cachedConnections.Store(address, newQ)
		go t.reapPeer(address, newQ, directionOutgoing)

		q = newQ
		return nil
	},
		retry.Attempts(t.DialAttempts),
		retry.Context(ctx),
		retry.Delay(time.Millisecond*50),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			t.Logger.Debug("Retrying QUIC dial", zap.String("peer", address), zap.Uint("attempt", n), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (t *QUIC) Call(ctx context.Context, address string, req *protocol.Request) (*protocol.Response, error) {
	if t.closed.Load() {
		return nil, transport.ErrClosed
	}

	q, err := t.getCachedConnection(ctx, address)
	if err != nil {
		return nil, callError(ctx, address, err)
	}

	stream, err := q.OpenStreamSync(ctx)
	if err != nil {
		return nil, callError(ctx, address, err)
	}
	stop := context.AfterFunc(ctx, func() {
		stream.CancelRead(errCodeStreamAborted)
		stream.CancelWrite(errCodeStreamAborted)
	})
	defer stop()

	if err := rpc.Send(stream, req); err != nil {
		return nil, callError(ctx, address, err)
	}
	// half-close, the peer replies on the same stream
	stream.Close()

	resp := &protocol.Response{}
	if err := rpc.Receive(stream, resp); err != nil {
		return nil, callError(ctx, address, err)
	}
	stream.CancelRead(errCodeStreamAborted)

	return resp, nil
}

func (t *QUIC) Serve(ctx context.Context, handler rpc.RPCHandler) error {
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
			cancel()
		}
	}()

	t.Logger.Info("Accepting QUIC connections", zap.String("listen", t.listener.Addr().String()))

	handler = respond(handler)
	for {
		q, err := t.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || t.closed.Load() {
				return nil
			}
			return err
		}
		go t.handleConnection(ctx, q, handler)
	}
}

func (t *QUIC) handleConnection(ctx context.Context, q *quic.Conn, handler rpc.RPCHandler) {
	logger := t.Logger.With(
		zap.String("remote", q.RemoteAddr().String()),
		zap.String("direction", directionIncoming.String()),
	)
	logger.Debug("Accepted QUIC connection")

	remote := q.RemoteAddr().String()
	t.inbound.Store(remote, q)
	defer t.inbound.Delete(remote)

	for {
		stream, err := q.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				logger.Debug("Stopped accepting streams", zap.Error(err))
			}
			return
		}
		go t.handleStream(ctx, logger, stream, handler)
	}
}

func (t *QUIC) handleStream(ctx context.Context, logger *zap.Logger, stream *quic.Stream, handler rpc.RPCHandler) {
	defer stream.Close()

	stream.SetReadDeadline(time.Now().Add(t.RequestTimeout))
	req := &protocol.Request{}
	if err := rpc.Receive(stream, req); err != nil {
		logger.Debug("Failed to receive request", zap.Error(err))
		stream.CancelRead(errCodeStreamAborted)
		return
	}

	resp, _ := handler(ctx, req)
	if err := rpc.Send(stream, resp); err != nil {
		logger.Debug("Failed to send response", zap.Object("request", req), zap.Error(err))
	}
}

func (t *QUIC) Stop() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	close(t.stopCh)

	closeConn := func(_ string, q *quic.Conn) bool {
		q.CloseWithError(errCodeStopped, "Transport stopped")
		return true
	}
	t.cachedConnections.Range(closeConn)
	t.inbound.Range(closeConn)
	t.listener.Close()
	t.transport.Close()
	t.packetConn.Close()
}
