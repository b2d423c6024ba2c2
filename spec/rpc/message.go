package rpc

import "go.miragespace.co/skipgraph/spec/protocol"

// Message is a wire value that knows its encoded size. protocol.Request,
// protocol.Response and protocol.Envelope implement it with protowire, using
// the method set vtprotobuf generates so the framing stays codec agnostic.
type Message interface {
	SizeVT() int
	MarshalVT() ([]byte, error)
	MarshalToSizedBufferVT([]byte) (int, error)
	UnmarshalVT([]byte) error
}

var (
	_ Message = (*protocol.Request)(nil)
	_ Message = (*protocol.Response)(nil)
	_ Message = (*protocol.Envelope)(nil)
)
