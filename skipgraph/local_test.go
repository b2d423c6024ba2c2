package skipgraph

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.miragespace.co/skipgraph/spec/mocks"
	"go.miragespace.co/skipgraph/spec/protocol"
	"go.miragespace.co/skipgraph/spec/skipgraph"
	"go.miragespace.co/skipgraph/timing"
	"go.miragespace.co/skipgraph/util/testcond"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const (
	defaultInterval = time.Millisecond * 10
	waitInterval    = defaultInterval * 10
)

func TestMain(m *testing.M) {
	var (
		seed int64
		err  error
	)
	if os.Getenv("RAND") == "" {
		seed = time.Now().Unix()
	} else {
		seed, err = strconv.ParseInt(os.Getenv("RAND"), 10, 64)
		if err != nil {
			panic(err)
		}
	}
	log.Printf(" ========== Using %d as seed in this test ==========\n", seed)
	rand.Seed(seed)
	goleak.VerifyTestMain(m)
}

func devConfig(t *testing.T, network *mocks.Network, iden skipgraph.Identity) NodeConfig {
	logger := zaptest.NewLogger(t, zaptest.WrapOptions(zap.AddCaller()))
	return NodeConfig{
		Logger:            logger,
		Identity:          iden,
		Transport:         network.Transport(iden.Address),
		BackupSize:        timing.BackupSize,
		JoinRetryAttempts: 1000,
		JoinRetryInterval: defaultInterval * 2,
		ReadRetryAttempts: timing.ReadRetryAttempts,
		ReadRetryInterval: defaultInterval,
		LockLease:         timing.LockLease,
		RPCTimeout:        time.Second * 5,
	}
}

// randomIdentity keeps the numeric order of nodes predictable through id
// while drawing a random membership vector.
func randomIdentity(id uint64) skipgraph.Identity {
	iden := makeIdentity(id, "")
	iden.MV = skipgraph.RandomMembershipVector()
	return iden
}

type testCluster struct {
	t       *testing.T
	as      *require.Assertions
	network *mocks.Network
	ctx     context.Context
	cancel  context.CancelFunc
	serving sync.WaitGroup

	mu    sync.Mutex
	nodes []*LocalNode
}

func newCluster(t *testing.T, as *require.Assertions) *testCluster {
	ctx, cancel := context.WithCancel(context.Background())
	return &testCluster{
		t:       t,
		as:      as,
		network: mocks.NewNetwork(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// add starts serving a new node without joining it.
func (c *testCluster) add(iden skipgraph.Identity, mutate ...func(*NodeConfig)) *LocalNode {
	conf := devConfig(c.t, c.network, iden)
	for _, fn := range mutate {
		fn(&conf)
	}
	node, err := NewLocalNode(conf)
	c.as.NoError(err)

	c.serving.Add(1)
	go func() {
		defer c.serving.Done()
		node.Serve(c.ctx)
	}()
	c.as.NoError(testcond.WaitForCondition(func() bool {
		return c.network.Reachable(iden.Address)
	}, time.Millisecond, time.Second))

	c.mu.Lock()
	c.nodes = append(c.nodes, node)
	c.mu.Unlock()
	return node
}

func (c *testCluster) stop() {
	c.cancel()
	c.serving.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, node := range c.nodes {
		node.Stop()
	}
}

// makeGraph creates a graph of num nodes with random membership vectors,
// joined one after another through random members.
func makeGraph(t *testing.T, as *require.Assertions, num int) (*testCluster, []*LocalNode) {
	c := newCluster(t, as)
	ids := rand.Perm(num * 10)

	nodes := make([]*LocalNode, num)
	for i := 0; i < num; i++ {
		nodes[i] = c.add(randomIdentity(uint64(ids[i] + 1)))
	}
	as.NoError(nodes[0].Create())
	for i := 1; i < num; i++ {
		introducer := nodes[rand.Intn(i)]
		as.NoError(nodes[i].Join(c.ctx, introducer.Identity().Address))
	}

	GraphCheck(as, nodes)
	return c, nodes
}

func sortedByID(nodes []*LocalNode) []*LocalNode {
	sorted := append([]*LocalNode(nil), nodes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].identity.ID.Less(sorted[j].identity.ID)
	})
	return sorted
}

// GraphCheck asserts that at every level, the nodes sharing each prefix of
// that length form a doubly linked list in identifier order, and that nothing
// else is linked. Backup lists are checked for order and prefix only.
func GraphCheck(as *require.Assertions, nodes []*LocalNode) {
	if len(nodes) == 0 {
		return
	}
	sorted := sortedByID(nodes)

	numLevels := sorted[0].table.NumLevels()
	for level := 0; level < numLevels; level++ {
		groups := make(map[string][]*LocalNode)
		for _, node := range sorted {
			prefix := node.identity.MV.Bits()[:level]
			groups[prefix] = append(groups[prefix], node)
		}

		for prefix, group := range groups {
			for i, node := range group {
				wantLeft, wantRight := skipgraph.EmptyNode, skipgraph.EmptyNode
				if i > 0 {
					wantLeft = group[i-1].identity
				}
				if i < len(group)-1 {
					wantRight = group[i+1].identity
				}
				as.Equal(wantLeft, node.table.GetLeft(level), "left of %s at level %d (prefix %q)", node.identity, level, prefix)
				as.Equal(wantRight, node.table.GetRight(level), "right of %s at level %d (prefix %q)", node.identity, level, prefix)
			}
		}

		if len(groups) == len(sorted) {
			// everyone is alone from here on up
			for _, node := range sorted {
				as.LessOrEqual(node.table.Height(), level, "%s has neighbors above level %d", node.identity, level)
			}
			break
		}
	}

	for _, node := range sorted {
		backupCheck(as, node)
	}
}

func backupCheck(as *require.Assertions, node *LocalNode) {
	bt, ok := node.table.(BackupTable)
	if !ok {
		return
	}
	for level := 0; level < bt.NumLevels(); level++ {
		for _, dir := range directions {
			var list []skipgraph.Identity
			if dir == skipgraph.DirectionLeft {
				list = bt.GetLefts(level)
			} else {
				list = bt.GetRights(level)
			}
			as.LessOrEqual(len(list), node.BackupSize)
			prev := node.identity
			for _, entry := range list {
				as.True(closer(dir, prev, entry), "%s backups at level %d out of order: %s then %s", dir, level, prev, entry)
				as.GreaterOrEqual(node.identity.MV.CommonPrefixLength(entry.MV), level)
				prev = entry
			}
		}
	}
}

func TestCreate(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	c := newCluster(t, as)
	defer c.stop()

	node := c.add(randomIdentity(42))
	as.Equal(skipgraph.Inactive, node.State())

	_, err := node.SearchByNumID(ctx, skipgraph.IdentifierFromUint64(1))
	as.ErrorIs(err, skipgraph.ErrNodeNotStarted)

	as.NoError(node.Join(ctx, ""))
	as.Equal(skipgraph.Active, node.State())
	as.Equal(0, node.table.Height())

	found, err := node.SearchByNumID(ctx, skipgraph.IdentifierFromUint64(1))
	as.NoError(err)
	as.Equal(node.Identity(), found)

	result, err := node.SearchByMembershipVector(ctx, skipgraph.RandomMembershipVector())
	as.NoError(err)
	as.Equal(node.Identity(), result.Identity)
	as.Empty(result.Neighbors)
	as.Equal(0, result.Hops)

	as.Error(node.Create())
}

func TestJoinTwo(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	c := newCluster(t, as)
	defer c.stop()

	a := c.add(makeIdentity(10, "0"))
	b := c.add(makeIdentity(20, "1"))

	as.NoError(a.Create())
	as.NoError(b.Join(ctx, a.Identity().Address))

	as.Equal(skipgraph.Active, b.State())
	as.Equal([]skipgraph.State{skipgraph.Inactive, skipgraph.Joining, skipgraph.Active}, b.state.History())

	as.Equal(b.Identity(), a.table.GetRight(0))
	as.Equal(a.Identity(), b.table.GetLeft(0))
	as.Equal(1, a.table.Height())
	as.Equal(1, b.table.Height())
	as.False(a.IsLocked())
	as.False(b.IsLocked())

	GraphCheck(as, []*LocalNode{a, b})
}

func TestJoinSharedPrefix(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	c := newCluster(t, as)
	defer c.stop()

	nodes := []*LocalNode{
		c.add(makeIdentity(10, "0011")),
		c.add(makeIdentity(20, "0100")),
		c.add(makeIdentity(30, "0010")),
		c.add(makeIdentity(40, "1000")),
		c.add(makeIdentity(50, "0101")),
	}
	as.NoError(nodes[0].Create())
	for _, node := range nodes[1:] {
		as.NoError(node.Join(ctx, nodes[0].Identity().Address))
	}

	GraphCheck(as, nodes)

	// 10 and 30 share "001", 20 and 50 share "010"
	as.Equal(nodes[2].Identity(), nodes[0].table.GetRight(3))
	as.Equal(nodes[4].Identity(), nodes[1].table.GetRight(3))
	as.Equal(skipgraph.EmptyNode, nodes[3].table.GetLeft(1))
	as.Equal(skipgraph.EmptyNode, nodes[3].table.GetRight(1))
}

func TestJoinSequential(t *testing.T) {
	as := require.New(t)

	c, nodes := makeGraph(t, as, 16)
	defer c.stop()

	for _, node := range nodes {
		as.Equal(skipgraph.Active, node.State())
		as.False(node.IsLocked())
	}
}

func TestJoinDuplicateIdentifier(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	c := newCluster(t, as)
	defer c.stop()

	a := c.add(makeIdentity(10, "0"))
	b := c.add(makeIdentity(20, "1"))
	as.NoError(a.Create())
	as.NoError(b.Join(ctx, a.Identity().Address))

	dup := makeIdentity(20, "01")
	dup.Address = "dup"
	d := c.add(dup)

	err := d.Join(ctx, a.Identity().Address)
	as.ErrorIs(err, skipgraph.ErrDuplicateIdentifier)
	as.Equal(skipgraph.Aborted, d.State())
	as.False(d.IsLocked())

	GraphCheck(as, []*LocalNode{a, b})
}

func TestJoinAbortOnPartition(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	c := newCluster(t, as)
	defer c.stop()

	a := c.add(makeIdentity(10, "0"))
	as.NoError(a.Create())

	c.network.Partition(a.Identity().Address)

	b := c.add(makeIdentity(20, "1"))
	err := b.Join(ctx, a.Identity().Address)
	as.ErrorIs(err, skipgraph.ErrJoinAborted)
	as.ErrorIs(err, skipgraph.ErrTransport)
	as.Equal(skipgraph.Aborted, b.State())
	as.False(b.IsLocked())

	// an aborted node answers nothing above the levels it settled
	_, err = b.GetLeftNode(ctx, 0)
	as.ErrorIs(err, skipgraph.ErrLevelNotJoined)

	_, err = b.SearchByNumID(ctx, a.Identity().ID)
	as.ErrorIs(err, skipgraph.ErrNodeGone)

	c.network.Heal(a.Identity().Address)
	as.Equal(skipgraph.EmptyNode, a.table.GetRight(0))
	as.False(a.IsLocked())
}

func TestJoinAbortMidSplice(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	c := newCluster(t, as)
	defer c.stop()

	a := c.add(makeIdentity(10, "00"))
	b := c.add(makeIdentity(40, "1"))
	as.NoError(a.Create())
	as.NoError(b.Join(ctx, a.Identity().Address))

	x := c.add(makeIdentity(20, "1"))

	// b drops off right after a takes x as its right neighbor, and comes back
	// once x releases a
	partitioned := atomic.NewBool(false)
	c.network.Observe(func(from, to string, req *protocol.Request, resp *protocol.Response) {
		if from != x.Identity().Address || to != a.Identity().Address || resp == nil {
			return
		}
		switch req.Kind {
		case protocol.Kind_UPDATE_RIGHT_NODE:
			if resp.Error == "" && !resp.Locked && partitioned.CompareAndSwap(false, true) {
				c.network.Partition(b.Identity().Address)
			}
		case protocol.Kind_RELEASE_LOCK:
			c.network.Heal(b.Identity().Address)
		}
	})

	err := x.Join(ctx, a.Identity().Address)
	c.network.Observe(nil)
	as.True(partitioned.Load())
	as.ErrorIs(err, skipgraph.ErrJoinAborted)
	as.ErrorIs(err, skipgraph.ErrTransport)
	as.Equal(skipgraph.Aborted, x.State())
	as.Equal(0, x.table.Height())

	// a was pointed back at b before its lock was released
	as.Equal(b.Identity(), a.table.GetRight(0))
	as.Equal(a.Identity(), b.table.GetLeft(0))
	for _, node := range []*LocalNode{a, b, x} {
		as.False(node.IsLocked(), "%s is still locked by %s", node.Identity(), node.lock.Owner())
	}
	GraphCheck(as, []*LocalNode{a, b})

	_, err = x.SearchByNumID(ctx, b.Identity().ID)
	as.ErrorIs(err, skipgraph.ErrNodeGone)
	found, err := a.SearchByNumID(ctx, x.Identity().ID)
	as.NoError(err)
	as.Equal(a.Identity(), found)

	// the stretch between a and b takes new members again
	y := c.add(makeIdentity(30, "01"))
	as.NoError(y.Join(ctx, a.Identity().Address))
	GraphCheck(as, []*LocalNode{a, b, y})
}

func TestJoinAbortUnwindsSettledLevels(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	c := newCluster(t, as)
	defer c.stop()

	a := c.add(makeIdentity(10, "10"))
	b := c.add(makeIdentity(40, "00"))
	d := c.add(makeIdentity(50, "11"))
	as.NoError(a.Create())
	as.NoError(b.Join(ctx, a.Identity().Address))
	as.NoError(d.Join(ctx, a.Identity().Address))

	x := c.add(makeIdentity(20, "11"))

	// level 0 settles between a and b, then d vanishes while x looks for its
	// right neighbor at level 1
	partitioned := atomic.NewBool(false)
	c.network.Observe(func(from, to string, req *protocol.Request, resp *protocol.Response) {
		if from == x.Identity().Address && to == d.Identity().Address && req.Kind == protocol.Kind_GET_RIGHT_NODE {
			if partitioned.CompareAndSwap(false, true) {
				c.network.Partition(d.Identity().Address)
			}
		}
	})

	err := x.Join(ctx, a.Identity().Address)
	c.network.Observe(nil)
	as.True(partitioned.Load())
	as.ErrorIs(err, skipgraph.ErrJoinAborted)
	as.ErrorIs(err, skipgraph.ErrTransport)
	as.Equal(skipgraph.Aborted, x.State())
	as.EqualValues(0, x.joined.Load())
	as.Equal(0, x.table.Height())

	c.network.Heal(d.Identity().Address)

	nodes := []*LocalNode{a, b, d}
	for _, node := range nodes {
		as.False(node.IsLocked(), "%s is still locked by %s", node.Identity(), node.lock.Owner())
	}
	GraphCheck(as, nodes)
}

func TestJoinLeaseTakeover(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	c := newCluster(t, as)
	defer c.stop()

	clock := atomic.NewTime(time.Now())
	a := c.add(makeIdentity(10, "0"))
	a.lock.now = clock.Load
	b := c.add(makeIdentity(40, "11"))
	as.NoError(a.Create())
	as.NoError(b.Join(ctx, a.Identity().Address))

	x := c.add(makeIdentity(20, "10"))
	ghost := makeIdentity(999, "0")

	// while x verifies b, its lease on a runs out and another joiner takes
	// and frees a
	tookOver := atomic.NewBool(false)
	refused := atomic.NewInt32(0)
	c.network.Observe(func(from, to string, req *protocol.Request, resp *protocol.Response) {
		if from != x.Identity().Address || resp == nil {
			return
		}
		switch {
		case to == b.Identity().Address && req.Kind == protocol.Kind_GET_LEFT_NODE:
			if tookOver.CompareAndSwap(false, true) {
				clock.Store(clock.Load().Add(time.Minute))
				as.True(a.lock.TryAcquire(ghost, 1))
				as.True(a.lock.UnlockOwned(ghost))
			}
		case to == a.Identity().Address && req.Kind == protocol.Kind_UPDATE_RIGHT_NODE && resp.Locked:
			refused.Inc()
		}
	})

	as.NoError(x.Join(ctx, a.Identity().Address))
	c.network.Observe(nil)
	as.True(tookOver.Load())
	as.EqualValues(1, refused.Load())

	nodes := []*LocalNode{a, b, x}
	for _, node := range nodes {
		as.Equal(skipgraph.Active, node.State())
		as.False(node.IsLocked(), "%s is still locked by %s", node.Identity(), node.lock.Owner())
	}
	GraphCheck(as, nodes)
	as.True(a.lock.Permits(x.Identity()))
}

func TestLevelNotJoined(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	c := newCluster(t, as)
	defer c.stop()

	node := c.add(makeIdentity(10, "0"))
	node.state.Set(skipgraph.Joining)
	node.joined.Store(1)

	_, err := node.GetLeftNode(ctx, 0)
	as.NoError(err)
	_, err = node.GetRightNode(ctx, 1)
	as.ErrorIs(err, skipgraph.ErrLevelNotJoined)

	node.state.Set(skipgraph.Active)
	_, err = node.GetRightNode(ctx, 1)
	as.NoError(err)
}

func TestConcurrentJoin(t *testing.T) {
	for round := 0; round < 3; round++ {
		t.Run(strconv.Itoa(round), func(t *testing.T) {
			concurrentJoin(t, 8)
		})
	}
}

func concurrentJoin(t *testing.T, num int) {
	as := require.New(t)
	ctx := context.Background()

	c := newCluster(t, as)
	defer c.stop()

	ids := rand.Perm(1000)
	nodes := make([]*LocalNode, num)
	for i := 0; i < num; i++ {
		nodes[i] = c.add(randomIdentity(uint64(ids[i] + 1)))
	}
	as.NoError(nodes[0].Create())

	var (
		mu     sync.Mutex
		joined = []*LocalNode{nodes[0]}
		wg     sync.WaitGroup
		errs   = make([]error, num)
	)
	for i := 1; i < num; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mu.Lock()
			introducer := joined[rand.Intn(len(joined))]
			mu.Unlock()

			errs[i] = nodes[i].Join(ctx, introducer.Identity().Address)
			if errs[i] == nil {
				mu.Lock()
				joined = append(joined, nodes[i])
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		as.NoError(err, "node %s failed to join", nodes[i].Identity())
	}
	for _, node := range nodes {
		as.Equal(skipgraph.Active, node.State())
		as.False(node.IsLocked(), "%s is still locked by %s", node.Identity(), node.lock.Owner())
	}

	GraphCheck(as, nodes)

	for _, from := range nodes {
		for _, to := range nodes {
			found, err := from.SearchByNumID(ctx, to.Identity().ID)
			as.NoError(err)
			as.Equal(to.Identity(), found, "numeric search from %s", from.Identity())

			result, err := from.SearchByMembershipVector(ctx, to.Identity().MV)
			as.NoError(err)
			as.Equal(to.Identity(), result.Identity, "membership vector search from %s", from.Identity())
		}
	}
}

func TestJoinLockContention(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	c := newCluster(t, as)
	defer c.stop()

	a := c.add(makeIdentity(10, "0001"))
	b := c.add(makeIdentity(40, "0100"))
	as.NoError(a.Create())
	as.NoError(b.Join(ctx, a.Identity().Address))

	ghost := makeIdentity(999, "1111")
	acquired, err := a.AcquireLock(ctx, ghost, 1)
	as.NoError(err)
	as.True(acquired)

	locked := atomic.NewInt32(0)
	c.network.Observe(func(_, to string, req *protocol.Request, resp *protocol.Response) {
		if to == a.Identity().Address && req.Kind == protocol.Kind_ACQUIRE_LOCK && resp != nil && resp.Locked {
			locked.Inc()
		}
	})

	x := c.add(makeIdentity(20, "1000"))
	y := c.add(makeIdentity(30, "1100"))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, node := range []*LocalNode{x, y} {
		wg.Add(1)
		go func(i int, node *LocalNode) {
			defer wg.Done()
			errs[i] = node.Join(ctx, a.Identity().Address)
		}(i, node)
	}

	// both joiners need a as their left neighbor at level 0
	as.NoError(testcond.WaitForCondition(func() bool {
		return locked.Load() >= 2
	}, defaultInterval, time.Second*5))
	as.Equal(skipgraph.Joining, x.State())
	as.Equal(skipgraph.Joining, y.State())

	released, err := a.ReleaseLock(ctx, ghost)
	as.NoError(err)
	as.True(released)

	wg.Wait()
	as.NoError(errs[0])
	as.NoError(errs[1])

	nodes := []*LocalNode{a, b, x, y}
	GraphCheck(as, nodes)

	as.Equal(x.Identity(), a.table.GetRight(0))
	as.Equal(y.Identity(), x.table.GetRight(0))
	as.Equal(b.Identity(), y.table.GetRight(0))
	for _, node := range nodes {
		as.False(node.IsLocked())
	}
}

func TestLockedRejectsUpdate(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	c := newCluster(t, as)
	defer c.stop()

	a := c.add(makeIdentity(10, "0"))
	as.NoError(a.Create())

	owner := makeIdentity(20, "1")
	other := makeIdentity(30, "1")

	acquired, err := a.AcquireLock(ctx, owner, 1)
	as.NoError(err)
	as.True(acquired)
	as.True(a.IsLocked())
	as.True(a.IsLockedBy(owner.Address))
	as.False(a.IsLockedBy(other.Address))

	_, err = a.UpdateRightNode(skipgraph.WithCaller(ctx, other), 0, other)
	as.ErrorIs(err, skipgraph.ErrLocked)

	prev, err := a.UpdateRightNode(skipgraph.WithCaller(ctx, owner), 0, owner)
	as.NoError(err)
	as.Equal(skipgraph.EmptyNode, prev)
	as.Equal(owner, a.table.GetRight(0))

	_, err = a.UpdateRightNode(skipgraph.WithCaller(ctx, owner), a.table.NumLevels(), owner)
	as.ErrorIs(err, skipgraph.ErrInvalidLevel)

	released, err := a.ReleaseLock(ctx, other)
	as.NoError(err)
	as.False(released)
	released, err = a.ReleaseLock(ctx, owner)
	as.NoError(err)
	as.True(released)
	as.False(a.IsLocked())
}

func TestSearchByNumID(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	c, nodes := makeGraph(t, as, 12)
	defer c.stop()

	sorted := sortedByID(nodes)
	minNode, maxNode := sorted[0], sorted[len(sorted)-1]

	for _, from := range nodes {
		// round trip
		for _, to := range nodes {
			found, err := from.SearchByNumID(ctx, to.Identity().ID)
			as.NoError(err)
			as.Equal(to.Identity(), found)
		}

		// boundaries
		found, err := from.SearchByNumID(ctx, skipgraph.IdentifierFromUint64(0))
		as.NoError(err)
		as.Equal(minNode.Identity(), found)

		found, err = from.SearchByNumID(ctx, skipgraph.IdentifierFromUint64(1<<62))
		as.NoError(err)
		as.Equal(maxNode.Identity(), found)
	}

	// idempotence, and the answer is the closest node on the searcher's side
	for i := 0; i < 32; i++ {
		target := skipgraph.IdentifierFromUint64(uint64(rand.Intn(12*10 + 2)))
		from := nodes[rand.Intn(len(nodes))]

		first, err := from.SearchByNumID(ctx, target)
		as.NoError(err)
		second, err := from.SearchByNumID(ctx, target)
		as.NoError(err)
		as.Equal(first, second)
		as.Equal(closestFrom(sorted, from, target), first, "search from %s towards %s", from.Identity(), target.Short())
	}
}

// closestFrom is the brute force answer to a numeric search: the largest
// identifier not above target when searching rightwards, the smallest not
// below it when searching leftwards.
func closestFrom(sorted []*LocalNode, from *LocalNode, target skipgraph.Identifier) skipgraph.Identity {
	if target.Compare(from.Identity().ID) != skipgraph.Less {
		best := from.Identity()
		for _, node := range sorted {
			if node.Identity().ID.Compare(target) != skipgraph.Greater {
				best = node.Identity()
			}
		}
		return best
	}
	for _, node := range sorted {
		if node.Identity().ID.Compare(target) != skipgraph.Less {
			return node.Identity()
		}
	}
	return from.Identity()
}

func TestSearchByNumIDFailover(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	c := newCluster(t, as)
	defer c.stop()

	// identical vectors, so every node is linked at every level it checks
	nodes := make([]*LocalNode, 5)
	for i := range nodes {
		nodes[i] = c.add(makeIdentity(uint64(i+1)*10, "1"), func(nc *NodeConfig) {
			nc.NumLevels = 2
		})
	}
	as.NoError(nodes[0].Create())
	for _, node := range nodes[1:] {
		as.NoError(node.Join(ctx, nodes[0].Identity().Address))
	}
	GraphCheck(as, nodes)

	bt := nodes[0].table.(BackupTable)
	as.True(bt.IsRightNeighbor(nodes[1].Identity(), 0))

	// the direct neighbor is gone but 30 is still known as a backup
	if !bt.IsRightNeighbor(nodes[2].Identity(), 0) {
		bt.AddRightNode(nodes[2].Identity(), 0)
	}
	c.network.Partition(nodes[1].Identity().Address)
	defer c.network.Heal(nodes[1].Identity().Address)

	found, err := nodes[0].SearchByNumID(ctx, nodes[4].Identity().ID)
	as.NoError(err)
	as.Equal(nodes[4].Identity(), found)
}

func TestSearchByMembershipVector(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	const num = 24
	c, nodes := makeGraph(t, as, num)
	defer c.stop()

	for _, from := range nodes {
		for _, to := range nodes {
			result, err := from.SearchByMembershipVector(ctx, to.Identity().MV)
			as.NoError(err)
			as.Equal(to.Identity(), result.Identity)

			// every hop strictly increases the shared prefix
			start := from.Identity().MV.CommonPrefixLength(to.Identity().MV)
			end := result.Identity.MV.CommonPrefixLength(to.Identity().MV)
			as.LessOrEqual(result.Hops, end-start)
			// O(log n) with a generous constant
			as.LessOrEqual(result.Hops, 4*5)

			seen := make(map[skipgraph.Identity]bool)
			for _, n := range result.Neighbors {
				as.NotEqual(result.Identity, n)
				as.False(seen[n], "%s visited twice", n)
				seen[n] = true
			}
		}
	}

	// a vector nobody has lands on the node sharing the longest prefix
	target := skipgraph.RandomMembershipVector()
	best := 0
	for _, node := range nodes {
		best = max(best, node.Identity().MV.CommonPrefixLength(target))
	}
	for _, from := range nodes {
		result, err := from.SearchByMembershipVector(ctx, target)
		as.NoError(err)
		as.Equal(best, result.Identity.MV.CommonPrefixLength(target))
	}
}

func TestLadderTermination(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	c := newCluster(t, as)
	defer c.stop()

	// nobody shares a single bit with the target, so the search has to give
	// up after walking level 0 once in each direction
	nodes := []*LocalNode{
		c.add(makeIdentity(10, "00")),
		c.add(makeIdentity(20, "01")),
		c.add(makeIdentity(30, "00100")),
		c.add(makeIdentity(40, "0111")),
	}
	as.NoError(nodes[0].Create())
	for _, node := range nodes[1:] {
		as.NoError(node.Join(ctx, nodes[0].Identity().Address))
	}
	GraphCheck(as, nodes)

	target, err := skipgraph.MembershipVectorFromBits("1")
	as.NoError(err)

	for _, from := range nodes {
		result, err := from.SearchByMembershipVector(ctx, target)
		as.NoError(err)
		as.Equal(from.Identity(), result.Identity)
		as.Equal(0, result.Hops)
		as.Len(result.Neighbors, len(nodes)-1)
	}
}

func TestLeave(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	c, nodes := makeGraph(t, as, 8)
	defer c.stop()

	leaving := nodes[3]
	as.NoError(leaving.Leave(ctx))
	as.Equal(skipgraph.Left, leaving.State())
	as.Equal(0, leaving.table.Height())

	remaining := append(append([]*LocalNode(nil), nodes[:3]...), nodes[4:]...)
	GraphCheck(as, remaining)

	for _, from := range remaining {
		as.False(from.IsLocked())
		found, err := from.SearchByNumID(ctx, leaving.Identity().ID)
		as.NoError(err)
		as.NotEqual(leaving.Identity(), found)
	}

	_, err := leaving.SearchByNumID(ctx, leaving.Identity().ID)
	as.ErrorIs(err, skipgraph.ErrNodeGone)
	as.ErrorIs(leaving.Leave(ctx), skipgraph.ErrNodeNotActive)
}

func TestBackupsAbsorbed(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	c := newCluster(t, as)
	defer c.stop()

	nodes := make([]*LocalNode, 5)
	for i := range nodes {
		nodes[i] = c.add(makeIdentity(uint64(i+1)*10, "0"), func(nc *NodeConfig) {
			nc.NumLevels = 2
		})
	}
	as.NoError(nodes[0].Create())
	for _, node := range nodes[1:] {
		as.NoError(node.Join(ctx, nodes[0].Identity().Address))
	}

	last := c.add(makeIdentity(60, "1"), func(nc *NodeConfig) {
		nc.NumLevels = 2
	})
	as.NoError(last.Join(ctx, nodes[0].Identity().Address))
	GraphCheck(as, append(nodes, last))

	// the search for its own vector walked level 0 from the introducer
	lefts := last.table.(BackupTable).GetLefts(0)
	as.Len(lefts, timing.BackupSize)
	as.Equal(nodes[4].Identity(), lefts[0])
	as.Equal(nodes[3].Identity(), lefts[1])
	as.Equal(nodes[2].Identity(), lefts[2])
	as.Equal(nodes[1].Identity(), lefts[3])
	as.Empty(last.table.(BackupTable).GetLefts(1))
}

func TestSingleTableGraph(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	c := newCluster(t, as)
	defer c.stop()

	nodes := make([]*LocalNode, 6)
	for i := range nodes {
		nodes[i] = c.add(randomIdentity(uint64(i+1)*10), func(nc *NodeConfig) {
			nc.BackupSize = 1
		})
	}
	as.NoError(nodes[0].Create())
	for i, node := range nodes[1:] {
		as.NoError(node.Join(ctx, nodes[i].Identity().Address))
	}
	GraphCheck(as, nodes)

	_, ok := nodes[0].table.(BackupTable)
	as.False(ok)
}

func TestJoinContextCancelled(t *testing.T) {
	as := require.New(t)

	c := newCluster(t, as)
	defer c.stop()

	a := c.add(makeIdentity(10, "0"))
	as.NoError(a.Create())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := c.add(makeIdentity(20, "1"))
	err := b.Join(ctx, a.Identity().Address)
	as.Error(err)
	as.True(errors.Is(err, skipgraph.ErrJoinAborted) || errors.Is(err, context.Canceled))
	as.Equal(skipgraph.Aborted, b.State())
}
