package protocol

import (
	"errors"
	"fmt"

	"go.miragespace.co/skipgraph/spec/skipgraph"

	"google.golang.org/protobuf/encoding/protowire"
)

// Messages are encoded in the protobuf wire format of spec/proto/skipgraph.proto,
// so any protobuf implementation of that schema can talk to a node.

var ErrMalformed = errors.New("protocol: malformed message")

const (
	fieldIdentityID      protowire.Number = 1
	fieldIdentityMV      protowire.Number = 2
	fieldIdentityAddress protowire.Number = 3

	fieldResultNode      protowire.Number = 1
	fieldResultNeighbors protowire.Number = 2
	fieldResultHops      protowire.Number = 3

	fieldRequestKind     protowire.Number = 1
	fieldRequestCaller   protowire.Number = 2
	fieldRequestLevel    protowire.Number = 3
	fieldRequestNode     protowire.Number = 4
	fieldRequestTargetID protowire.Number = 5
	fieldRequestTargetMV protowire.Number = 6
	fieldRequestVersion  protowire.Number = 7

	fieldResponseKind   protowire.Number = 1
	fieldResponseNode   protowire.Number = 2
	fieldResponseBool   protowire.Number = 3
	fieldResponseResult protowire.Number = 4
	fieldResponseLocked protowire.Number = 5
	fieldResponseError  protowire.Number = 6
)

func (r *Request) SizeVT() (n int) {
	if r == nil {
		return 0
	}
	n += sizeVarintField(fieldRequestKind, uint64(r.Kind))
	n += sizeIdentityField(fieldRequestCaller, r.Caller)
	n += sizeVarintField(fieldRequestLevel, uint64(int64(r.Level)))
	n += sizeIdentityField(fieldRequestNode, r.Node)
	if r.TargetID != (skipgraph.Identifier{}) {
		n += protowire.SizeTag(fieldRequestTargetID) + protowire.SizeBytes(skipgraph.IdentifierSize)
	}
	if r.TargetMV != (skipgraph.MembershipVector{}) {
		n += protowire.SizeTag(fieldRequestTargetMV) + protowire.SizeBytes(skipgraph.IdentifierSize)
	}
	n += sizeVarintField(fieldRequestVersion, uint64(r.Version))
	return
}

func (r *Request) MarshalVT() ([]byte, error) {
	return r.appendVT(make([]byte, 0, r.SizeVT())), nil
}

func (r *Request) MarshalToSizedBufferVT(dAtA []byte) (int, error) {
	return marshalToSized(dAtA, r.appendVT)
}

func (r *Request) appendVT(b []byte) []byte {
	b = appendVarintField(b, fieldRequestKind, uint64(r.Kind))
	b = appendIdentityField(b, fieldRequestCaller, r.Caller)
	b = appendVarintField(b, fieldRequestLevel, uint64(int64(r.Level)))
	b = appendIdentityField(b, fieldRequestNode, r.Node)
	if r.TargetID != (skipgraph.Identifier{}) {
		b = protowire.AppendTag(b, fieldRequestTargetID, protowire.BytesType)
		b = protowire.AppendBytes(b, r.TargetID[:])
	}
	if r.TargetMV != (skipgraph.MembershipVector{}) {
		b = protowire.AppendTag(b, fieldRequestTargetMV, protowire.BytesType)
		b = protowire.AppendBytes(b, r.TargetMV[:])
	}
	b = appendVarintField(b, fieldRequestVersion, uint64(r.Version))
	return b
}

func (r *Request) UnmarshalVT(dAtA []byte) error {
	r.Reset()
	return consumeFields(dAtA, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldRequestKind:
			v, n, err := consumeVarint(typ, b)
			r.Kind = Kind(v)
			return n, err
		case fieldRequestCaller:
			return consumeIdentity(typ, b, &r.Caller)
		case fieldRequestLevel:
			v, n, err := consumeVarint(typ, b)
			r.Level = int32(v)
			return n, err
		case fieldRequestNode:
			return consumeIdentity(typ, b, &r.Node)
		case fieldRequestTargetID:
			return consumeFixed(typ, b, r.TargetID[:])
		case fieldRequestTargetMV:
			return consumeFixed(typ, b, r.TargetMV[:])
		case fieldRequestVersion:
			v, n, err := consumeVarint(typ, b)
			r.Version = int64(v)
			return n, err
		default:
			return skipField(num, typ, b)
		}
	})
}

func (r *Response) SizeVT() (n int) {
	if r == nil {
		return 0
	}
	n += sizeVarintField(fieldResponseKind, uint64(r.Kind))
	n += sizeIdentityField(fieldResponseNode, r.Node)
	if r.Bool {
		n += sizeVarintField(fieldResponseBool, 1)
	}
	if r.Result != nil {
		n += protowire.SizeTag(fieldResponseResult) + protowire.SizeBytes(r.Result.sizeVT())
	}
	if r.Locked {
		n += sizeVarintField(fieldResponseLocked, 1)
	}
	if r.Error != "" {
		n += protowire.SizeTag(fieldResponseError) + protowire.SizeBytes(len(r.Error))
	}
	return
}

func (r *Response) MarshalVT() ([]byte, error) {
	return r.appendVT(make([]byte, 0, r.SizeVT())), nil
}

func (r *Response) MarshalToSizedBufferVT(dAtA []byte) (int, error) {
	return marshalToSized(dAtA, r.appendVT)
}

func (r *Response) appendVT(b []byte) []byte {
	b = appendVarintField(b, fieldResponseKind, uint64(r.Kind))
	b = appendIdentityField(b, fieldResponseNode, r.Node)
	if r.Bool {
		b = appendVarintField(b, fieldResponseBool, 1)
	}
	if r.Result != nil {
		b = protowire.AppendTag(b, fieldResponseResult, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(r.Result.sizeVT()))
		b = r.Result.appendVT(b)
	}
	if r.Locked {
		b = appendVarintField(b, fieldResponseLocked, 1)
	}
	if r.Error != "" {
		b = protowire.AppendTag(b, fieldResponseError, protowire.BytesType)
		b = protowire.AppendString(b, r.Error)
	}
	return b
}

func (r *Response) UnmarshalVT(dAtA []byte) error {
	r.Reset()
	return consumeFields(dAtA, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldResponseKind:
			v, n, err := consumeVarint(typ, b)
			r.Kind = Kind(v)
			return n, err
		case fieldResponseNode:
			return consumeIdentity(typ, b, &r.Node)
		case fieldResponseBool:
			v, n, err := consumeVarint(typ, b)
			r.Bool = protowire.DecodeBool(v)
			return n, err
		case fieldResponseResult:
			msg, n, err := consumeMessage(typ, b)
			if err != nil {
				return n, err
			}
			r.Result = &SearchResult{}
			return n, r.Result.unmarshalVT(msg)
		case fieldResponseLocked:
			v, n, err := consumeVarint(typ, b)
			r.Locked = protowire.DecodeBool(v)
			return n, err
		case fieldResponseError:
			msg, n, err := consumeMessage(typ, b)
			r.Error = string(msg)
			return n, err
		default:
			return skipField(num, typ, b)
		}
	})
}

func (s *SearchResult) sizeVT() (n int) {
	n += sizeIdentityField(fieldResultNode, s.Node)
	for _, neighbor := range s.Neighbors {
		n += protowire.SizeTag(fieldResultNeighbors) + protowire.SizeBytes(sizeIdentity(neighbor))
	}
	n += sizeVarintField(fieldResultHops, uint64(int64(s.Hops)))
	return
}

func (s *SearchResult) appendVT(b []byte) []byte {
	b = appendIdentityField(b, fieldResultNode, s.Node)
	for _, neighbor := range s.Neighbors {
		b = protowire.AppendTag(b, fieldResultNeighbors, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(sizeIdentity(neighbor)))
		b = appendIdentity(b, neighbor)
	}
	b = appendVarintField(b, fieldResultHops, uint64(int64(s.Hops)))
	return b
}

func (s *SearchResult) unmarshalVT(dAtA []byte) error {
	return consumeFields(dAtA, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldResultNode:
			return consumeIdentity(typ, b, &s.Node)
		case fieldResultNeighbors:
			var neighbor skipgraph.Identity
			n, err := consumeIdentity(typ, b, &neighbor)
			if err != nil {
				return n, err
			}
			s.Neighbors = append(s.Neighbors, neighbor)
			return n, nil
		case fieldResultHops:
			v, n, err := consumeVarint(typ, b)
			s.Hops = int32(v)
			return n, err
		default:
			return skipField(num, typ, b)
		}
	})
}

func sizeIdentity(id skipgraph.Identity) int {
	if id.IsEmpty() {
		return 0
	}
	return protowire.SizeTag(fieldIdentityID) + protowire.SizeBytes(skipgraph.IdentifierSize) +
		protowire.SizeTag(fieldIdentityMV) + protowire.SizeBytes(skipgraph.IdentifierSize) +
		protowire.SizeTag(fieldIdentityAddress) + protowire.SizeBytes(len(id.Address))
}

func appendIdentity(b []byte, id skipgraph.Identity) []byte {
	if id.IsEmpty() {
		return b
	}
	b = protowire.AppendTag(b, fieldIdentityID, protowire.BytesType)
	b = protowire.AppendBytes(b, id.ID[:])
	b = protowire.AppendTag(b, fieldIdentityMV, protowire.BytesType)
	b = protowire.AppendBytes(b, id.MV[:])
	b = protowire.AppendTag(b, fieldIdentityAddress, protowire.BytesType)
	b = protowire.AppendString(b, id.Address)
	return b
}

func sizeIdentityField(num protowire.Number, id skipgraph.Identity) int {
	if id.IsEmpty() {
		return 0
	}
	return protowire.SizeTag(num) + protowire.SizeBytes(sizeIdentity(id))
}

func appendIdentityField(b []byte, num protowire.Number, id skipgraph.Identity) []byte {
	if id.IsEmpty() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(sizeIdentity(id)))
	return appendIdentity(b, id)
}

func consumeIdentity(typ protowire.Type, b []byte, id *skipgraph.Identity) (int, error) {
	msg, n, err := consumeMessage(typ, b)
	if err != nil {
		return n, err
	}
	*id = skipgraph.EmptyNode
	return n, consumeFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldIdentityID:
			return consumeFixed(typ, b, id.ID[:])
		case fieldIdentityMV:
			return consumeFixed(typ, b, id.MV[:])
		case fieldIdentityAddress:
			addr, n, err := consumeMessage(typ, b)
			id.Address = string(addr)
			return n, err
		default:
			return skipField(num, typ, b)
		}
	})
}

func sizeVarintField(num protowire.Number, v uint64) int {
	if v == 0 {
		return 0
	}
	return protowire.SizeTag(num) + protowire.SizeVarint(v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func marshalToSized(dAtA []byte, appendFn func([]byte) []byte) (int, error) {
	b := appendFn(dAtA[:0])
	if len(b) != len(dAtA) {
		return 0, fmt.Errorf("%w: expected %d bytes but encoded %d bytes", ErrMalformed, len(dAtA), len(b))
	}
	return len(b), nil
}

type fieldConsumer func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func consumeFields(b []byte, fn fieldConsumer) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("%w: expected varint, got wire type %d", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeMessage(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("%w: expected bytes, got wire type %d", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeFixed(typ protowire.Type, b []byte, dst []byte) (int, error) {
	v, n, err := consumeMessage(typ, b)
	if err != nil {
		return n, err
	}
	if len(v) != len(dst) {
		return n, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformed, len(dst), len(v))
	}
	copy(dst, v)
	return n, nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
	}
	return n, nil
}
