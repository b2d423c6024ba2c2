package rpc

import (
	"bytes"
	"encoding/binary"
	"testing"

	"go.miragespace.co/skipgraph/spec/protocol"
	"go.miragespace.co/skipgraph/spec/skipgraph"

	"github.com/stretchr/testify/require"
)

func TestSendReceive(t *testing.T) {
	as := require.New(t)

	var buf bytes.Buffer

	req := &protocol.Request{
		Kind:     protocol.Kind_SEARCH_BY_NUM_ID,
		TargetID: skipgraph.IdentifierFromUint64(1234),
	}
	as.NoError(Send(&buf, req))
	as.Equal(LengthSize+req.SizeVT(), buf.Len())

	resp := &protocol.Response{Kind: protocol.Kind_IS_AVAILABLE, Bool: true}
	as.NoError(Send(&buf, resp))

	decodedReq := &protocol.Request{}
	as.NoError(Receive(&buf, decodedReq))
	as.Equal(req, decodedReq)

	decodedResp := &protocol.Response{}
	as.NoError(Receive(&buf, decodedResp))
	as.Equal(resp, decodedResp)

	as.Error(Receive(&buf, decodedResp))
}

func TestBoundedReceive(t *testing.T) {
	as := require.New(t)

	var buf bytes.Buffer
	req := &protocol.Request{
		Kind:   protocol.Kind_ACQUIRE_LOCK,
		Caller: skipgraph.Identity{Address: "somewhere"},
	}
	as.NoError(Send(&buf, req))

	as.ErrorIs(BoundedReceive(&buf, &protocol.Request{}, 2), ErrMessageTooLarge)

	// length prefix claiming more than what follows
	buf.Reset()
	prefix := make([]byte, LengthSize)
	binary.BigEndian.PutUint32(prefix, 10)
	buf.Write(prefix)
	buf.Write([]byte{1, 2})
	as.Error(Receive(&buf, &protocol.Request{}))
}
