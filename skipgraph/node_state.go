package skipgraph

import (
	"runtime"
	"sync/atomic"

	"go.miragespace.co/skipgraph/spec/skipgraph"

	"github.com/zhangyunhao116/skipmap"
)

// nodeState packs a transition counter with the state, so a CAS against a
// stale read fails even if the state value has cycled back in between.
type nodeState struct {
	state   atomic.Uint64
	history *skipmap.Uint64Map[skipgraph.State]
}

func newNodeState(initial skipgraph.State) *nodeState {
	s := &nodeState{
		history: skipmap.NewUint64[skipgraph.State](),
	}
	s.state.Store(uint64(initial))
	s.history.Store(0, initial)
	return s
}

func (s *nodeState) Transition(exp skipgraph.State, nxt skipgraph.State) (skipgraph.State, bool) {
	curr := s.state.Load()
	index := curr >> 4
	prev := (index << 4) | uint64(exp)
	next := ((index + 1) << 4) | uint64(nxt)
	if s.state.CompareAndSwap(prev, next) {
		s.history.Store(index+1, nxt)
		return nxt, true
	}
	return skipgraph.State(curr & 0b1111), false
}

func (s *nodeState) Set(val skipgraph.State) {
	for {
		if _, ok := s.Transition(s.Get(), val); ok {
			break
		}
		runtime.Gosched()
	}
}

func (s *nodeState) Get() skipgraph.State {
	return skipgraph.State(s.state.Load() & 0b1111)
}

func (s *nodeState) History() []skipgraph.State {
	h := make([]skipgraph.State, 0)
	s.history.Range(func(_ uint64, state skipgraph.State) bool {
		h = append(h, state)
		return true
	})
	return h
}
