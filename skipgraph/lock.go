package skipgraph

import (
	"sync"
	"time"

	"go.miragespace.co/skipgraph/spec/skipgraph"
)

// InsertionLock guards a lookup table against mutation by more than one
// joiner at a time. The holder is identified by its Identity rather than a
// session token, so every locked operation can be checked against the caller.
//
// A node that is itself inserting (or leaving) holds the lock through
// StartInsertion, which refuses every other requester until EndInsertion.
//
// A holder whose lease was taken over is fenced: its table updates are
// refused even after the lock is free again, until it acquires the lock anew
// or acknowledges the loss by releasing.
type InsertionLock struct {
	lease time.Duration
	now   func() time.Time

	mu        sync.Mutex
	inserting bool
	owner     skipgraph.Identity
	version   int64
	acquired  time.Time
	fenced    map[skipgraph.Identity]struct{}
}

func NewInsertionLock(lease time.Duration) *InsertionLock {
	return &InsertionLock{
		lease:  lease,
		now:    time.Now,
		owner:  skipgraph.EmptyNode,
		fenced: make(map[skipgraph.Identity]struct{}),
	}
}

// TryAcquire never blocks. It succeeds when the lock is free, when requester
// already holds it with a version no older than the recorded one, or when the
// current holder has overstayed its lease.
func (l *InsertionLock) TryAcquire(requester skipgraph.Identity, version int64) bool {
	if requester.IsEmpty() {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inserting {
		return false
	}

	now := l.now()
	switch {
	case l.owner.IsEmpty():
	case l.owner == requester:
		if version < l.version {
			return false
		}
	case now.Sub(l.acquired) > l.lease:
		// previous holder is presumed dead
		l.fenced[l.owner] = struct{}{}
	default:
		return false
	}

	delete(l.fenced, requester)
	l.owner = requester
	l.version = version
	l.acquired = now
	return true
}

// UnlockOwned releases the lock only if owner is the current holder.
func (l *InsertionLock) UnlockOwned(owner skipgraph.Identity) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if owner.IsEmpty() || l.owner != owner {
		delete(l.fenced, owner)
		return false
	}
	l.owner = skipgraph.EmptyNode
	l.version = 0
	return true
}

// Refresh extends the lease of owner if it still holds the lock.
func (l *InsertionLock) Refresh(owner skipgraph.Identity) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if owner.IsEmpty() || l.owner != owner {
		return false
	}
	l.acquired = l.now()
	return true
}

// Permits reports whether caller may change the guarded table: the lock must
// be free and caller not fenced, or caller must be the holder.
func (l *InsertionLock) Permits(caller skipgraph.Identity) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inserting {
		return false
	}
	if !l.owner.IsEmpty() {
		return l.owner == caller
	}
	_, fenced := l.fenced[caller]
	return !fenced
}

// StartInsertion locks the node for its own join or leave. It fails if
// another node currently holds the lock.
func (l *InsertionLock) StartInsertion() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inserting {
		return false
	}
	if !l.owner.IsEmpty() {
		if l.now().Sub(l.acquired) <= l.lease {
			return false
		}
		l.fenced[l.owner] = struct{}{}
	}
	l.owner = skipgraph.EmptyNode
	l.inserting = true
	return true
}

// EndInsertion releases the self-lock unconditionally.
func (l *InsertionLock) EndInsertion() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.inserting = false
}

func (l *InsertionLock) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.inserting || !l.owner.IsEmpty()
}

func (l *InsertionLock) IsInserting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.inserting
}

// IsLockedBy reports whether the node at address holds the lock.
func (l *InsertionLock) IsLockedBy(address string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return !l.owner.IsEmpty() && l.owner.Address == address
}

func (l *InsertionLock) Owner() skipgraph.Identity {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.owner
}
