package overlay

import (
	"context"

	"go.miragespace.co/skipgraph/rpc"

	"github.com/libp2p/go-yamux/v4"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

// reapPeer evicts a cached QUIC connection once it is closed, so the next
// call dials again.
func (t *QUIC) reapPeer(address string, q *quic.Conn, dir direction) {
	<-q.Context().Done()

	unlock := t.cachedMutex.Lock(address)
	defer unlock()

	if cached, ok := t.cachedConnections.Load(address); ok && cached == q {
		t.cachedConnections.Delete(address)
	}
	t.Logger.Debug("Connection with peer closed",
		zap.String("peer", address),
		zap.String("direction", dir.String()),
		zap.Error(context.Cause(q.Context())),
	)
}

// reapChannel evicts a cached RPC channel once either the channel or its
// session is gone.
func (t *Yamux) reapChannel(address string, session *yamux.Session, ch *rpc.RPC, dir direction) {
	select {
	case <-ch.Done():
	case <-session.CloseChan():
	}
	ch.Close()
	session.Close()

	unlock := t.cachedMutex.Lock(address)
	defer unlock()

	if cached, ok := t.cachedChannels.Load(address); ok && cached.rpc == ch {
		t.cachedChannels.Delete(address)
	}
	t.Logger.Debug("Session with peer closed",
		zap.String("peer", address),
		zap.String("direction", dir.String()),
	)
}
