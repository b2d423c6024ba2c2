package atomic

import (
	"sync"

	"github.com/zhangyunhao116/skipmap"
)

// KeyedRWMutex hands out one RWMutex per key, created on first use. The
// overlay transports use it to serialize dialing per peer address.
type KeyedRWMutex struct {
	noCopy
	mutexes *skipmap.StringMap[*sync.RWMutex]
}

func NewKeyedRWMutex() *KeyedRWMutex {
	return &KeyedRWMutex{
		mutexes: skipmap.NewString[*sync.RWMutex](),
	}
}

func (m *KeyedRWMutex) obtain(key string) *sync.RWMutex {
	value, _ := m.mutexes.LoadOrStoreLazy(key, func() *sync.RWMutex {
		return &sync.RWMutex{}
	})
	return value
}

// Lock returns the matching unlock func.
func (m *KeyedRWMutex) Lock(key string) func() {
	mu := m.obtain(key)
	mu.Lock()

	return mu.Unlock
}

func (m *KeyedRWMutex) RLock(key string) func() {
	mu := m.obtain(key)
	mu.RLock()

	return mu.RUnlock
}

// Keys returns the number of keys ever locked.
func (m *KeyedRWMutex) Keys() int {
	return m.mutexes.Len()
}
