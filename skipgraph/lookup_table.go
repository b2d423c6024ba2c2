package skipgraph

import (
	"slices"
	"sync"

	"go.miragespace.co/skipgraph/spec/skipgraph"

	"github.com/zeebo/xxh3"
)

// LookupTable holds the neighbors of a node, indexed by (level, direction).
// Out of range levels read as skipgraph.EmptyNode and are ignored on write.
type LookupTable interface {
	GetLeft(level int) skipgraph.Identity
	GetRight(level int) skipgraph.Identity

	// UpdateLeft and UpdateRight overwrite the slot unconditionally and return
	// the previous occupant. Callers are responsible for the invariants.
	UpdateLeft(node skipgraph.Identity, level int) skipgraph.Identity
	UpdateRight(node skipgraph.Identity, level int) skipgraph.Identity

	RemoveLeft(level int)
	RemoveRight(level int)

	NumLevels() int
	// Height is one above the highest level with a non-empty slot
	Height() int
	// Fingerprint changes whenever any slot changes
	Fingerprint() uint64
	Snapshot() []LevelEntry
}

// BackupTable keeps a ranked list of candidates per slot: descending by
// identifier on the left, ascending on the right, so the first element is
// always the closest, and is "the" neighbor for LookupTable reads.
type BackupTable interface {
	LookupTable

	AddLeftNode(node skipgraph.Identity, level int) []skipgraph.Identity
	AddRightNode(node skipgraph.Identity, level int) []skipgraph.Identity

	GetLefts(level int) []skipgraph.Identity
	GetRights(level int) []skipgraph.Identity

	IsLeftNeighbor(candidate skipgraph.Identity, level int) bool
	IsRightNeighbor(candidate skipgraph.Identity, level int) bool
}

type LevelEntry struct {
	Level  int
	Lefts  []skipgraph.Identity
	Rights []skipgraph.Identity
}

type singleTable struct {
	mu     sync.RWMutex
	levels [][2]skipgraph.Identity
}

var _ LookupTable = (*singleTable)(nil)

func NewSingleTable(numLevels int) LookupTable {
	return &singleTable{
		levels: make([][2]skipgraph.Identity, numLevels),
	}
}

func (t *singleTable) get(dir skipgraph.Direction, level int) skipgraph.Identity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if level < 0 || level >= len(t.levels) {
		return skipgraph.EmptyNode
	}
	return t.levels[level][dir]
}

func (t *singleTable) update(dir skipgraph.Direction, node skipgraph.Identity, level int) skipgraph.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()

	if level < 0 || level >= len(t.levels) {
		return skipgraph.EmptyNode
	}
	prev := t.levels[level][dir]
	t.levels[level][dir] = node
	return prev
}

func (t *singleTable) GetLeft(level int) skipgraph.Identity {
	return t.get(skipgraph.DirectionLeft, level)
}

func (t *singleTable) GetRight(level int) skipgraph.Identity {
	return t.get(skipgraph.DirectionRight, level)
}

func (t *singleTable) UpdateLeft(node skipgraph.Identity, level int) skipgraph.Identity {
	return t.update(skipgraph.DirectionLeft, node, level)
}

func (t *singleTable) UpdateRight(node skipgraph.Identity, level int) skipgraph.Identity {
	return t.update(skipgraph.DirectionRight, node, level)
}

func (t *singleTable) RemoveLeft(level int) {
	t.update(skipgraph.DirectionLeft, skipgraph.EmptyNode, level)
}

func (t *singleTable) RemoveRight(level int) {
	t.update(skipgraph.DirectionRight, skipgraph.EmptyNode, level)
}

func (t *singleTable) NumLevels() int {
	return len(t.levels)
}

func (t *singleTable) Height() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for l := len(t.levels) - 1; l >= 0; l-- {
		if !t.levels[l][0].IsEmpty() || !t.levels[l][1].IsEmpty() {
			return l + 1
		}
	}
	return 0
}

func (t *singleTable) Fingerprint() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h := xxh3.New()
	for l, slots := range t.levels {
		for _, n := range slots {
			if n.IsEmpty() {
				continue
			}
			hashEntry(h, l, n)
		}
	}
	return h.Sum64()
}

func (t *singleTable) Snapshot() []LevelEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := make([]LevelEntry, 0)
	for l, slots := range t.levels {
		if slots[0].IsEmpty() && slots[1].IsEmpty() {
			continue
		}
		entry := LevelEntry{Level: l}
		if !slots[0].IsEmpty() {
			entry.Lefts = []skipgraph.Identity{slots[0]}
		}
		if !slots[1].IsEmpty() {
			entry.Rights = []skipgraph.Identity{slots[1]}
		}
		entries = append(entries, entry)
	}
	return entries
}

type backupTable struct {
	owner   skipgraph.Identity
	maxSize int

	mu     sync.RWMutex
	levels [][2][]skipgraph.Identity
}

var _ BackupTable = (*backupTable)(nil)

func NewBackupTable(owner skipgraph.Identity, numLevels int, maxSize int) BackupTable {
	if maxSize < 1 {
		maxSize = 1
	}
	return &backupTable{
		owner:   owner,
		maxSize: maxSize,
		levels:  make([][2][]skipgraph.Identity, numLevels),
	}
}

// closer reports whether a sits closer to the owner than b in direction dir.
func closer(dir skipgraph.Direction, a, b skipgraph.Identity) bool {
	if dir == skipgraph.DirectionLeft {
		return a.ID.Compare(b.ID) == skipgraph.Greater
	}
	return a.ID.Compare(b.ID) == skipgraph.Less
}

func (t *backupTable) inRange(level int) bool {
	return level >= 0 && level < len(t.levels)
}

func (t *backupTable) head(dir skipgraph.Direction, level int) skipgraph.Identity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.inRange(level) || len(t.levels[level][dir]) == 0 {
		return skipgraph.EmptyNode
	}
	return t.levels[level][dir][0]
}

func (t *backupTable) list(dir skipgraph.Direction, level int) []skipgraph.Identity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.inRange(level) {
		return nil
	}
	return slices.Clone(t.levels[level][dir])
}

// update makes node the head of the list. Candidates between the owner and
// node are no longer adjacent and are dropped; those further out are kept as
// backups.
func (t *backupTable) update(dir skipgraph.Direction, node skipgraph.Identity, level int) skipgraph.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.inRange(level) {
		return skipgraph.EmptyNode
	}

	curr := t.levels[level][dir]
	prev := skipgraph.EmptyNode
	if len(curr) > 0 {
		prev = curr[0]
	}

	if node.IsEmpty() {
		t.levels[level][dir] = nil
		return prev
	}

	next := make([]skipgraph.Identity, 0, t.maxSize)
	next = append(next, node)
	for _, c := range curr {
		if len(next) >= t.maxSize {
			break
		}
		if c.ID == node.ID || !closer(dir, node, c) {
			continue
		}
		next = append(next, c)
	}
	t.levels[level][dir] = next

	return prev
}

func (t *backupTable) admissible(dir skipgraph.Direction, node skipgraph.Identity, level int) bool {
	if node.IsEmpty() || node.ID == t.owner.ID {
		return false
	}
	if !closer(dir, t.owner, node) {
		return false
	}
	return t.owner.MV.CommonPrefixLength(node.MV) >= level
}

// add inserts node in rank order if it is admissible at this level, keeping
// at most maxSize candidates.
func (t *backupTable) add(dir skipgraph.Direction, node skipgraph.Identity, level int) []skipgraph.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.inRange(level) {
		return nil
	}

	curr := t.levels[level][dir]
	if !t.admissible(dir, node, level) {
		return slices.Clone(curr)
	}

	next := make([]skipgraph.Identity, 0, len(curr)+1)
	inserted := false
	for _, c := range curr {
		if c.ID == node.ID {
			// refresh the entry in place, the address may have changed
			next = append(next, node)
			inserted = true
			continue
		}
		if !inserted && closer(dir, node, c) {
			next = append(next, node)
			inserted = true
		}
		next = append(next, c)
	}
	if !inserted {
		next = append(next, node)
	}
	if len(next) > t.maxSize {
		next = next[:t.maxSize]
	}
	t.levels[level][dir] = next

	return slices.Clone(next)
}

func (t *backupTable) contains(dir skipgraph.Direction, candidate skipgraph.Identity, level int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.inRange(level) {
		return false
	}
	return slices.Contains(t.levels[level][dir], candidate)
}

func (t *backupTable) GetLeft(level int) skipgraph.Identity {
	return t.head(skipgraph.DirectionLeft, level)
}

func (t *backupTable) GetRight(level int) skipgraph.Identity {
	return t.head(skipgraph.DirectionRight, level)
}

func (t *backupTable) GetLefts(level int) []skipgraph.Identity {
	return t.list(skipgraph.DirectionLeft, level)
}

func (t *backupTable) GetRights(level int) []skipgraph.Identity {
	return t.list(skipgraph.DirectionRight, level)
}

func (t *backupTable) UpdateLeft(node skipgraph.Identity, level int) skipgraph.Identity {
	return t.update(skipgraph.DirectionLeft, node, level)
}

func (t *backupTable) UpdateRight(node skipgraph.Identity, level int) skipgraph.Identity {
	return t.update(skipgraph.DirectionRight, node, level)
}

func (t *backupTable) RemoveLeft(level int) {
	t.update(skipgraph.DirectionLeft, skipgraph.EmptyNode, level)
}

func (t *backupTable) RemoveRight(level int) {
	t.update(skipgraph.DirectionRight, skipgraph.EmptyNode, level)
}

func (t *backupTable) AddLeftNode(node skipgraph.Identity, level int) []skipgraph.Identity {
	return t.add(skipgraph.DirectionLeft, node, level)
}

func (t *backupTable) AddRightNode(node skipgraph.Identity, level int) []skipgraph.Identity {
	return t.add(skipgraph.DirectionRight, node, level)
}

func (t *backupTable) IsLeftNeighbor(candidate skipgraph.Identity, level int) bool {
	return t.contains(skipgraph.DirectionLeft, candidate, level)
}

func (t *backupTable) IsRightNeighbor(candidate skipgraph.Identity, level int) bool {
	return t.contains(skipgraph.DirectionRight, candidate, level)
}

func (t *backupTable) NumLevels() int {
	return len(t.levels)
}

func (t *backupTable) Height() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for l := len(t.levels) - 1; l >= 0; l-- {
		if len(t.levels[l][0]) > 0 || len(t.levels[l][1]) > 0 {
			return l + 1
		}
	}
	return 0
}

func (t *backupTable) Fingerprint() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h := xxh3.New()
	for l, slots := range t.levels {
		for _, list := range slots {
			for _, n := range list {
				hashEntry(h, l, n)
			}
		}
	}
	return h.Sum64()
}

func (t *backupTable) Snapshot() []LevelEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := make([]LevelEntry, 0)
	for l, slots := range t.levels {
		if len(slots[0]) == 0 && len(slots[1]) == 0 {
			continue
		}
		entries = append(entries, LevelEntry{
			Level:  l,
			Lefts:  slices.Clone(slots[0]),
			Rights: slices.Clone(slots[1]),
		})
	}
	return entries
}

func hashEntry(h *xxh3.Hasher, level int, n skipgraph.Identity) {
	h.Write([]byte{byte(level)})
	h.Write(n.ID[:])
	h.Write([]byte(n.Address))
}

// neighbors returns the candidates of a slot, closest first, for either
// flavor of table.
func neighbors(t LookupTable, dir skipgraph.Direction, level int) []skipgraph.Identity {
	if bt, ok := t.(BackupTable); ok {
		if dir == skipgraph.DirectionLeft {
			return bt.GetLefts(level)
		}
		return bt.GetRights(level)
	}
	var n skipgraph.Identity
	if dir == skipgraph.DirectionLeft {
		n = t.GetLeft(level)
	} else {
		n = t.GetRight(level)
	}
	if n.IsEmpty() {
		return nil
	}
	return []skipgraph.Identity{n}
}

func neighbor(t LookupTable, dir skipgraph.Direction, level int) skipgraph.Identity {
	if dir == skipgraph.DirectionLeft {
		return t.GetLeft(level)
	}
	return t.GetRight(level)
}

func updateNeighbor(t LookupTable, dir skipgraph.Direction, node skipgraph.Identity, level int) skipgraph.Identity {
	if dir == skipgraph.DirectionLeft {
		return t.UpdateLeft(node, level)
	}
	return t.UpdateRight(node, level)
}

// addBackup is a no-op on single-neighbor tables.
func addBackup(t LookupTable, dir skipgraph.Direction, node skipgraph.Identity, level int) {
	bt, ok := t.(BackupTable)
	if !ok {
		return
	}
	if dir == skipgraph.DirectionLeft {
		bt.AddLeftNode(node, level)
	} else {
		bt.AddRightNode(node, level)
	}
}
