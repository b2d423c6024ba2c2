package skipgraph

import (
	"errors"
	"time"

	"go.miragespace.co/skipgraph/spec/skipgraph"
	"go.miragespace.co/skipgraph/spec/transport"

	"go.uber.org/zap"
)

type NodeConfig struct {
	Logger    *zap.Logger
	Identity  skipgraph.Identity
	Transport transport.Transport
	// Metrics may be nil, in which case nothing is recorded
	Metrics *Metrics

	// Number of levels in the lookup table, defaults to skipgraph.MaxLevels
	NumLevels int
	// Number of candidates kept per (level, direction). 1 behaves as a
	// single-neighbor table
	BackupSize int

	// Attempts at a single join level before giving up on contention
	JoinRetryAttempts uint
	// Backoff between join attempts is randomized in [interval/2, interval]
	JoinRetryInterval time.Duration
	// Attempts for idempotent remote reads on transport failures
	ReadRetryAttempts uint
	ReadRetryInterval time.Duration
	// A lock held by a remote joiner for longer than this may be taken over
	LockLease time.Duration
	// Deadline applied to every outbound RPC
	RPCTimeout time.Duration
}

func (c *NodeConfig) Validate() error {
	if c == nil {
		return errors.New("nil NodeConfig")
	}
	if c.Logger == nil {
		return errors.New("nil Logger")
	}
	if err := c.Identity.Validate(); err != nil {
		return err
	}
	if c.Transport == nil {
		return errors.New("nil Transport")
	}
	if c.Transport.Address() != c.Identity.Address {
		return errors.New("Identity address does not match Transport address")
	}
	if c.NumLevels == 0 {
		c.NumLevels = skipgraph.MaxLevels
	}
	if c.NumLevels < 1 || c.NumLevels > skipgraph.MaxLevels {
		return errors.New("invalid NumLevels, must be in [1, MaxLevels]")
	}
	if c.BackupSize < 1 {
		return errors.New("invalid BackupSize, must be positive")
	}
	if c.JoinRetryAttempts < 1 {
		return errors.New("invalid JoinRetryAttempts, must be positive")
	}
	if c.JoinRetryInterval <= 0 {
		return errors.New("invalid JoinRetryInterval, must be positive")
	}
	if c.ReadRetryAttempts < 1 {
		return errors.New("invalid ReadRetryAttempts, must be positive")
	}
	if c.ReadRetryInterval <= 0 {
		return errors.New("invalid ReadRetryInterval, must be positive")
	}
	if c.LockLease <= 0 {
		return errors.New("invalid LockLease, must be positive")
	}
	if c.RPCTimeout <= 0 {
		return errors.New("invalid RPCTimeout, must be positive")
	}
	// a joiner talks to the other side of a pair between two calls to the
	// same node, and must not lose its lock in that window
	if c.LockLease < 2*c.RPCTimeout {
		return errors.New("invalid LockLease, must be at least twice RPCTimeout")
	}
	return nil
}
