package rpc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"go.miragespace.co/skipgraph/spec/protocol"

	"github.com/alecthomas/units"
	pool "github.com/libp2p/go-buffer-pool"
)

const (
	// uint32
	LengthSize = 4
	// Largest frame accepted by Receive. A search result carrying a full
	// neighbor list stays well below this.
	MaxMessageSize = int(units.MiB)
)

var ErrMessageTooLarge = errors.New("rpc: message exceeds size limit")

type RPCHandler func(context.Context, *protocol.Request) (*protocol.Response, error)

type RPC interface {
	Call(ctx context.Context, req *protocol.Request) (*protocol.Response, error)
	Close() error
}

func Receive(stream io.Reader, rr Message) error {
	return BoundedReceive(stream, rr, MaxMessageSize)
}

func BoundedReceive(stream io.Reader, rr Message, maxSize int) error {
	sb := pool.Get(LengthSize)
	defer pool.Put(sb)

	n, err := io.ReadFull(stream, sb)
	if err != nil {
		return fmt.Errorf("reading RPC message buffer size: %w", err)
	}
	if n != LengthSize {
		return fmt.Errorf("expected %d bytes to be read but %d bytes was read", LengthSize, n)
	}

	ms := binary.BigEndian.Uint32(sb)
	if int64(ms) > int64(maxSize) {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, ms, maxSize)
	}

	mb := pool.Get(int(ms))
	defer pool.Put(mb)

	n, err = io.ReadFull(stream, mb)
	if err != nil {
		return fmt.Errorf("reading RPC message: %w", err)
	}
	if ms != uint32(n) {
		return fmt.Errorf("expected %d bytes to be read but %d bytes was read", ms, n)
	}

	return rr.UnmarshalVT(mb)
}

func Send(stream io.Writer, rr Message) error {
	l := rr.SizeVT()
	if l > MaxMessageSize {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, l, MaxMessageSize)
	}
	mb := pool.Get(LengthSize + l)
	defer pool.Put(mb)

	binary.BigEndian.PutUint32(mb[0:LengthSize], uint32(l))

	_, err := rr.MarshalToSizedBufferVT(mb[LengthSize:])
	if err != nil {
		return fmt.Errorf("encoding outbound RPC message: %w", err)
	}

	n, err := stream.Write(mb)
	if err != nil {
		return fmt.Errorf("sending RPC message: %w", err)
	}
	if n != LengthSize+l {
		return fmt.Errorf("expected %d bytes sent but %d bytes was sent", l, n)
	}

	return nil
}
