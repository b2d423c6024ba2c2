package skipgraph

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Identity identifies a peer. It is a comparable value: equality covers all
// three fields and it may be used as a map key.
type Identity struct {
	ID      Identifier
	MV      MembershipVector
	Address string
}

// EmptyNode represents "no neighbor". Real identities always carry an address.
var EmptyNode = Identity{}

var _ zapcore.ObjectMarshaler = Identity{}

func NewIdentity(id Identifier, mv MembershipVector, address string) (Identity, error) {
	n := Identity{
		ID:      id,
		MV:      mv,
		Address: address,
	}
	if err := n.Validate(); err != nil {
		return EmptyNode, err
	}
	return n, nil
}

func (n Identity) IsEmpty() bool {
	return n.Address == ""
}

func (n Identity) Validate() error {
	if n.Address == "" {
		return ErrInvalidIdentity
	}
	return nil
}

func (n Identity) String() string {
	if n.IsEmpty() {
		return "<empty>"
	}
	return fmt.Sprintf("%s@%s", n.ID.Short(), n.Address)
}

func (n Identity) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if n.IsEmpty() {
		enc.AddBool("empty", true)
		return nil
	}
	enc.AddString("id", n.ID.Short())
	enc.AddString("mv", n.MV.Short())
	enc.AddString("address", n.Address)
	return nil
}

// Identities is a zap.Array helper for neighbor lists.
type Identities []Identity

func (ids Identities) MarshalLogArray(enc zapcore.ArrayEncoder) error {
	for _, id := range ids {
		if err := enc.AppendObject(id); err != nil {
			return err
		}
	}
	return nil
}
