package protocol

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope carries requests and replies of many concurrent calls over a
// single stream, matched by ReqNum.
type Envelope struct {
	ReqNum   uint64
	Type     Envelope_Type
	Request  *Request
	Response *Response
	// Error is set on replies instead of Response when the handler failed
	Error string
}

type Envelope_Type uint32

const (
	Envelope_UNKNOWN Envelope_Type = iota
	Envelope_REQUEST
	Envelope_REPLY
)

func (t Envelope_Type) String() string {
	switch t {
	case Envelope_REQUEST:
		return "REQUEST"
	case Envelope_REPLY:
		return "REPLY"
	default:
		return "UNKNOWN"
	}
}

const (
	fieldEnvelopeReqNum   protowire.Number = 1
	fieldEnvelopeType     protowire.Number = 2
	fieldEnvelopeRequest  protowire.Number = 3
	fieldEnvelopeResponse protowire.Number = 4
	fieldEnvelopeError    protowire.Number = 5
)

func (e *Envelope) GetType() Envelope_Type {
	if e == nil {
		return Envelope_UNKNOWN
	}
	return e.Type
}

func (e *Envelope) Reset() {
	*e = Envelope{}
}

func (e *Envelope) SizeVT() (n int) {
	if e == nil {
		return 0
	}
	n += sizeVarintField(fieldEnvelopeReqNum, e.ReqNum)
	n += sizeVarintField(fieldEnvelopeType, uint64(e.Type))
	if e.Request != nil {
		n += protowire.SizeTag(fieldEnvelopeRequest) + protowire.SizeBytes(e.Request.SizeVT())
	}
	if e.Response != nil {
		n += protowire.SizeTag(fieldEnvelopeResponse) + protowire.SizeBytes(e.Response.SizeVT())
	}
	if e.Error != "" {
		n += protowire.SizeTag(fieldEnvelopeError) + protowire.SizeBytes(len(e.Error))
	}
	return
}

func (e *Envelope) MarshalVT() ([]byte, error) {
	return e.appendVT(make([]byte, 0, e.SizeVT())), nil
}

func (e *Envelope) MarshalToSizedBufferVT(dAtA []byte) (int, error) {
	return marshalToSized(dAtA, e.appendVT)
}

func (e *Envelope) appendVT(b []byte) []byte {
	b = appendVarintField(b, fieldEnvelopeReqNum, e.ReqNum)
	b = appendVarintField(b, fieldEnvelopeType, uint64(e.Type))
	if e.Request != nil {
		b = protowire.AppendTag(b, fieldEnvelopeRequest, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(e.Request.SizeVT()))
		b = e.Request.appendVT(b)
	}
	if e.Response != nil {
		b = protowire.AppendTag(b, fieldEnvelopeResponse, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(e.Response.SizeVT()))
		b = e.Response.appendVT(b)
	}
	if e.Error != "" {
		b = protowire.AppendTag(b, fieldEnvelopeError, protowire.BytesType)
		b = protowire.AppendString(b, e.Error)
	}
	return b
}

func (e *Envelope) UnmarshalVT(dAtA []byte) error {
	e.Reset()
	return consumeFields(dAtA, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldEnvelopeReqNum:
			v, n, err := consumeVarint(typ, b)
			e.ReqNum = v
			return n, err
		case fieldEnvelopeType:
			v, n, err := consumeVarint(typ, b)
			e.Type = Envelope_Type(v)
			return n, err
		case fieldEnvelopeRequest:
			msg, n, err := consumeMessage(typ, b)
			if err != nil {
				return n, err
			}
			e.Request = &Request{}
			return n, e.Request.UnmarshalVT(msg)
		case fieldEnvelopeResponse:
			msg, n, err := consumeMessage(typ, b)
			if err != nil {
				return n, err
			}
			e.Response = &Response{}
			return n, e.Response.UnmarshalVT(msg)
		case fieldEnvelopeError:
			msg, n, err := consumeMessage(typ, b)
			e.Error = string(msg)
			return n, err
		default:
			return skipField(num, typ, b)
		}
	})
}
