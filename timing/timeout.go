package timing

import "time"

const (
	TLSHandshakeTimeout = time.Second * 15
	DialTimeout         = time.Second * 5

	RPCTimeout        = time.Second * 10
	KeepAliveInterval = time.Second * 15
)
