package discovery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.miragespace.co/skipgraph/spec/skipgraph"
	"go.miragespace.co/skipgraph/util/testcond"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap/zaptest"
)

const (
	etcdImage = "quay.io/coreos/etcd:v3.6.4"
	etcdPort  = "2379/tcp"
)

func makeIdentity(id uint64, mv string, address string) skipgraph.Identity {
	v, err := skipgraph.MembershipVectorFromBits(mv)
	if err != nil {
		panic(err)
	}
	return skipgraph.Identity{
		ID:      skipgraph.IdentifierFromUint64(id),
		MV:      v,
		Address: address,
	}
}

func TestNodeKey(t *testing.T) {
	as := require.New(t)

	r, err := New(Config{
		Logger: zaptest.NewLogger(t),
		Client: &clientv3.Client{},
		Prefix: "/cluster",
	})
	as.NoError(err)
	as.Equal("/cluster/", r.Prefix)
	as.Equal(DefaultTTL, r.TTL)

	iden := makeIdentity(42, "1011", "10.0.0.1:4000")
	key := r.nodeKey(iden)
	as.Contains(key, "/cluster/")

	parsed, err := r.parse([]byte(key), []byte(iden.Address))
	as.NoError(err)
	as.Equal(iden, parsed)

	_, err = r.parse([]byte("/cluster/nope"), []byte(iden.Address))
	as.Error(err)

	_, err = r.parse([]byte(key), nil)
	as.ErrorIs(err, skipgraph.ErrInvalidIdentity)

	_, err = New(Config{})
	as.Error(err)
}

func startEtcd(t *testing.T) []string {
	t.Helper()
	as := require.New(t)
	ctx := t.Context()

	ctr, err := testcontainers.Run(ctx, etcdImage,
		testcontainers.WithExposedPorts(etcdPort),
		testcontainers.WithCmd(
			"etcd",
			"--listen-client-urls", "http://0.0.0.0:2379",
			"--advertise-client-urls", "http://0.0.0.0:2379",
		),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort(etcdPort).WithStartupTimeout(30*time.Second),
		),
	)
	as.NoError(err, "failed to start etcd container")
	t.Cleanup(func() {
		testcontainers.TerminateContainer(ctr)
	})

	host, err := ctr.Host(ctx)
	as.NoError(err)
	mappedPort, err := ctr.MappedPort(ctx, etcdPort)
	as.NoError(err)

	return []string{fmt.Sprintf("http://%s:%s", host, mappedPort.Port())}
}

func TestRegistry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping etcd container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	as := require.New(t)
	logger := zaptest.NewLogger(t)

	cli, err := NewClient(startEtcd(t), time.Second*5)
	as.NoError(err)
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	a := makeIdentity(1, "0", "127.0.0.1:1001")
	b := makeIdentity(2, "1", "127.0.0.1:1002")

	ra, err := New(Config{Logger: logger, Client: cli, TTL: 5})
	as.NoError(err)
	rb, err := New(Config{Logger: logger, Client: cli, TTL: 5})
	as.NoError(err)

	introducer, err := ra.Introducer(ctx, a)
	as.NoError(err)
	as.Empty(introducer)

	as.NoError(ra.Register(ctx, a))
	as.Error(ra.Register(ctx, a))
	as.NoError(rb.Register(ctx, b))

	nodes, err := ra.Nodes(ctx)
	as.NoError(err)
	as.ElementsMatch([]skipgraph.Identity{a, b}, nodes)

	introducer, err = ra.Introducer(ctx, a)
	as.NoError(err)
	as.Equal(b.Address, introducer)

	watchCtx, watchCancel := context.WithCancel(ctx)
	seen := make(chan int, 8)
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- ra.Watch(watchCtx, func(nodes []skipgraph.Identity) {
			seen <- len(nodes)
		})
	}()
	as.Equal(2, <-seen)

	as.NoError(rb.Deregister(ctx))
	as.Equal(1, <-seen)

	watchCancel()
	as.ErrorIs(<-watchDone, context.Canceled)

	// the lease keeps the entry past its ttl
	time.Sleep(time.Second * 6)
	nodes, err = ra.Nodes(ctx)
	as.NoError(err)
	as.Equal([]skipgraph.Identity{a}, nodes)

	as.NoError(ra.Deregister(ctx))
	as.NoError(testcond.WaitForCondition(func() bool {
		nodes, err := ra.Nodes(ctx)
		return err == nil && len(nodes) == 0
	}, time.Millisecond*100, time.Second*5))
}
