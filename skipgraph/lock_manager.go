package skipgraph

import (
	"context"
	"errors"
	"fmt"

	"go.miragespace.co/skipgraph/spec/skipgraph"

	"github.com/zhangyunhao116/skipmap"
)

type HeldLock struct {
	Node     skipgraph.Identity
	MinLevel int
}

// LockManager tracks the locks a joining node holds on other nodes, so they
// can all be released on completion or abort without re-deriving them.
type LockManager struct {
	held *skipmap.FuncMap[skipgraph.Identity, int]
}

func identityLess(a, b skipgraph.Identity) bool {
	switch a.ID.Compare(b.ID) {
	case skipgraph.Less:
		return true
	case skipgraph.Greater:
		return false
	default:
		return a.Address < b.Address
	}
}

func NewLockManager() *LockManager {
	return &LockManager{
		held: skipmap.NewFunc[skipgraph.Identity, int](identityLess),
	}
}

// Add records a lock on node acquired at level, keeping the lowest level.
func (m *LockManager) Add(node skipgraph.Identity, level int) {
	if node.IsEmpty() {
		return
	}
	if prev, loaded := m.held.LoadOrStore(node, level); loaded && level < prev {
		m.held.Store(node, level)
	}
}

func (m *LockManager) Remove(node skipgraph.Identity) bool {
	_, ok := m.held.LoadAndDelete(node)
	return ok
}

func (m *LockManager) Holds(node skipgraph.Identity) bool {
	_, ok := m.held.Load(node)
	return ok
}

func (m *LockManager) Len() int {
	return m.held.Len()
}

func (m *LockManager) List() []HeldLock {
	locks := make([]HeldLock, 0, m.held.Len())
	m.held.Range(func(node skipgraph.Identity, level int) bool {
		locks = append(locks, HeldLock{Node: node, MinLevel: level})
		return true
	})
	return locks
}

// ReleaseAll asks every recorded node to release the lock held by owner. All
// entries are forgotten regardless of the outcome; failures are joined into
// the returned error.
func (m *LockManager) ReleaseAll(ctx context.Context, owner skipgraph.Identity, resolve func(skipgraph.Identity) skipgraph.VNodeLock) error {
	var errs []error
	for _, held := range m.List() {
		m.held.Delete(held.Node)
		released, err := resolve(held.Node).ReleaseLock(ctx, owner)
		if err != nil {
			errs = append(errs, fmt.Errorf("releasing lock on %s: %w", held.Node, err))
			continue
		}
		if !released {
			errs = append(errs, fmt.Errorf("releasing lock on %s: not held by %s", held.Node, owner))
		}
	}
	return errors.Join(errs...)
}
