package transport

import "errors"

var (
	ErrClosed      = errors.New("transport is already closed")
	ErrUnreachable = errors.New("transport: peer is unreachable")
	ErrNoHandler   = errors.New("transport: no request handler was registered")
)
