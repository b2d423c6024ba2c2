package protocol

import (
	"go.miragespace.co/skipgraph/spec/skipgraph"

	"go.uber.org/zap/zapcore"
)

type Kind uint32

const (
	Kind_UNKNOWN Kind = iota
	Kind_GET_IDENTITY
	Kind_GET_LEFT_NODE
	Kind_GET_RIGHT_NODE
	Kind_UPDATE_LEFT_NODE
	Kind_UPDATE_RIGHT_NODE
	Kind_SEARCH_BY_NUM_ID
	Kind_SEARCH_BY_MEMBERSHIP_VECTOR
	Kind_ACQUIRE_LOCK
	Kind_RELEASE_LOCK
	Kind_IS_AVAILABLE
)

var kindNames = map[Kind]string{
	Kind_UNKNOWN:                     "UNKNOWN",
	Kind_GET_IDENTITY:                "GET_IDENTITY",
	Kind_GET_LEFT_NODE:               "GET_LEFT_NODE",
	Kind_GET_RIGHT_NODE:              "GET_RIGHT_NODE",
	Kind_UPDATE_LEFT_NODE:            "UPDATE_LEFT_NODE",
	Kind_UPDATE_RIGHT_NODE:           "UPDATE_RIGHT_NODE",
	Kind_SEARCH_BY_NUM_ID:            "SEARCH_BY_NUM_ID",
	Kind_SEARCH_BY_MEMBERSHIP_VECTOR: "SEARCH_BY_MEMBERSHIP_VECTOR",
	Kind_ACQUIRE_LOCK:                "ACQUIRE_LOCK",
	Kind_RELEASE_LOCK:                "RELEASE_LOCK",
	Kind_IS_AVAILABLE:                "IS_AVAILABLE",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "UNKNOWN"
}

// Mutating reports whether the request changes the lookup table of the receiver.
func (k Kind) Mutating() bool {
	return k == Kind_UPDATE_LEFT_NODE || k == Kind_UPDATE_RIGHT_NODE
}

// Request is the tagged union of every skip graph RPC. Kind determines which
// of the payload fields are meaningful:
//
//	GET_LEFT_NODE/GET_RIGHT_NODE        Level
//	UPDATE_LEFT_NODE/UPDATE_RIGHT_NODE  Level, Node
//	SEARCH_BY_NUM_ID                    TargetID
//	SEARCH_BY_MEMBERSHIP_VECTOR         TargetMV
//	ACQUIRE_LOCK                        Node (requester), Version
//	RELEASE_LOCK                        Node (owner)
type Request struct {
	Kind     Kind
	Caller   skipgraph.Identity
	Level    int32
	Node     skipgraph.Identity
	TargetID skipgraph.Identifier
	TargetMV skipgraph.MembershipVector
	Version  int64
}

// Response mirrors Request. Locked is set instead of a payload when the
// receiver is locked by another joiner; Error carries the message of any other
// failure.
type Response struct {
	Kind   Kind
	Node   skipgraph.Identity
	Bool   bool
	Result *SearchResult
	Locked bool
	Error  string
}

type SearchResult struct {
	Node      skipgraph.Identity
	Neighbors []skipgraph.Identity
	Hops      int32
}

func NewSearchResult(r *skipgraph.SearchResult) *SearchResult {
	if r == nil {
		return nil
	}
	return &SearchResult{
		Node:      r.Identity,
		Neighbors: r.Neighbors,
		Hops:      int32(r.Hops),
	}
}

func (s *SearchResult) ToSearchResult() *skipgraph.SearchResult {
	if s == nil {
		return &skipgraph.SearchResult{Identity: skipgraph.EmptyNode}
	}
	return &skipgraph.SearchResult{
		Identity:  s.Node,
		Neighbors: s.Neighbors,
		Hops:      int(s.Hops),
	}
}

func (r *Request) Reset() {
	*r = Request{}
}

func (r *Response) Reset() {
	*r = Response{}
}

func (r *Request) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("kind", r.Kind.String())
	if !r.Caller.IsEmpty() {
		enc.AddObject("caller", r.Caller)
	}
	switch r.Kind {
	case Kind_GET_LEFT_NODE, Kind_GET_RIGHT_NODE:
		enc.AddInt32("level", r.Level)
	case Kind_UPDATE_LEFT_NODE, Kind_UPDATE_RIGHT_NODE:
		enc.AddInt32("level", r.Level)
		enc.AddObject("node", r.Node)
	case Kind_SEARCH_BY_NUM_ID:
		enc.AddString("target", r.TargetID.Short())
	case Kind_SEARCH_BY_MEMBERSHIP_VECTOR:
		enc.AddString("target", r.TargetMV.Short())
	case Kind_ACQUIRE_LOCK, Kind_RELEASE_LOCK:
		enc.AddObject("node", r.Node)
		enc.AddInt64("version", r.Version)
	}
	return nil
}
