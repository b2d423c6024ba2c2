package skipgraph

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrLocked         = errorDef("skipgraph: node is locked by another joiner", true)
	ErrTransport      = errorDef("skipgraph: transport failure", true)
	ErrNodeNotActive  = errorDef("skipgraph: node is not active yet", true)
	ErrJoinContention = errorDef("skipgraph/join: gave up on lock contention", false)
	ErrJoinAborted    = errorDef("skipgraph/join: join was aborted", false)

	ErrNodeGone                = errorDef("skipgraph: node is not part of the skip graph", false)
	ErrNodeNotStarted          = errorDef("skipgraph: node is not running", false)
	ErrDuplicateIdentifier     = errorDef("skipgraph/join: identifier is already taken by another node", false)
	ErrInvalidLevel            = errorDef("skipgraph: level is out of range", false)
	ErrLevelNotJoined          = errorDef("skipgraph: node has not joined this level yet", false)
	ErrInvalidIdentifier       = errorDef("skipgraph: invalid identifier", false)
	ErrInvalidMembershipVector = errorDef("skipgraph: invalid membership vector", false)
	ErrInvalidIdentity         = errorDef("skipgraph: identity must have an address", false)
	ErrUnknownKind             = errorDef("skipgraph: unknown request kind", false)
)

var (
	errNonBitCharacter = errors.New("non-bit character")
	errNonHexCharacter = errors.New("non-hex character")
	errInvalidLength   = errors.New("unexpected length")
)

// ValidationError is returned when an Identifier or MembershipVector cannot be
// constructed from its input. It never crosses the network.
type ValidationError struct {
	Input  string
	Reason string
	err    error
}

func (e *ValidationError) Error() string {
	input := e.Input
	if len(input) > 16 {
		input = input[:16] + "..."
	}
	return fmt.Sprintf("%s %q: %s", e.err.Error(), input, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.err
}

func ErrorIsRetryable(err error) bool {
	for e, retryable := range retryableMap {
		if retryable && errors.Is(err, e) {
			return true
		}
	}
	return false
}

// Errors crossing the wire lose their identity, so they are carried as strings
// and mapped back to the sentinel here.
func ErrorMapper(err error) error {
	if err == nil {
		return err
	}
	if mapped, ok := errorStrMap[err.Error()]; ok {
		return mapped
	}
	return err
}

func ErrorFromString(str string) error {
	if str == "" {
		return nil
	}
	return ErrorMapper(errors.New(str))
}

var retryableMap map[error]bool = map[error]bool{
	context.DeadlineExceeded: true,
}

var errorStrMap map[string]error = map[string]error{}

func errorDef(str string, retryable bool) error {
	err := errors.New(str)
	retryableMap[err] = retryable
	errorStrMap[str] = err
	return err
}
