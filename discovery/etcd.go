package discovery

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.miragespace.co/skipgraph/spec/skipgraph"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	DefaultPrefix = "/skipgraph/nodes/"
	DefaultTTL    = int64(10)
)

func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

type Config struct {
	Logger *zap.Logger
	Client *clientv3.Client
	// Prefix namespaces the cluster, defaults to DefaultPrefix
	Prefix string
	// TTL of the registration lease in seconds
	TTL int64
}

// Registry publishes the identities of live nodes under a lease, so a new node
// can find introducers. Entries vanish once the owner stops renewing.
type Registry struct {
	Config

	mu      sync.Mutex
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(conf Config) (*Registry, error) {
	if conf.Logger == nil || conf.Client == nil {
		return nil, fmt.Errorf("discovery: missing logger or client")
	}
	if conf.Prefix == "" {
		conf.Prefix = DefaultPrefix
	}
	if !strings.HasSuffix(conf.Prefix, "/") {
		conf.Prefix += "/"
	}
	if conf.TTL <= 0 {
		conf.TTL = DefaultTTL
	}
	return &Registry{
		Config: conf,
	}, nil
}

// keys are <prefix><id hex>/<mv hex>, the value is the address
func (r *Registry) nodeKey(iden skipgraph.Identity) string {
	return r.Prefix + iden.ID.String() + "/" + iden.MV.String()
}

func (r *Registry) parse(key, value []byte) (skipgraph.Identity, error) {
	parts := strings.Split(strings.TrimPrefix(string(key), r.Prefix), "/")
	if len(parts) != 2 {
		return skipgraph.EmptyNode, fmt.Errorf("discovery: malformed key %q", key)
	}
	id, err := skipgraph.ParseIdentifier(parts[0])
	if err != nil {
		return skipgraph.EmptyNode, err
	}
	mv, err := skipgraph.ParseMembershipVector(parts[1])
	if err != nil {
		return skipgraph.EmptyNode, err
	}
	return skipgraph.NewIdentity(id, mv, string(value))
}

// Register publishes iden and keeps the lease alive until Deregister.
func (r *Registry) Register(ctx context.Context, iden skipgraph.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return fmt.Errorf("discovery: already registered")
	}

	lease, err := r.Client.Grant(ctx, r.TTL)
	if err != nil {
		return fmt.Errorf("discovery: granting lease: %w", err)
	}
	if _, err := r.Client.Put(ctx, r.nodeKey(iden), iden.Address, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("discovery: registering node: %w", err)
	}

	keepCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.Client.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("discovery: renewing lease: %w", err)
	}

	r.leaseID = lease.ID
	r.cancel = cancel
	r.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		for range ch {
		}
		if keepCtx.Err() == nil {
			r.Logger.Warn("Discovery lease is no longer renewed", zap.Object("node", iden))
		}
	}(r.done)

	r.Logger.Info("Registered with discovery", zap.Object("node", iden), zap.Int64("ttl", r.TTL))

	return nil
}

// Deregister stops renewing and revokes the lease, removing the entry at once.
func (r *Registry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel == nil {
		return nil
	}
	r.cancel()
	<-r.done
	r.cancel = nil

	if _, err := r.Client.Revoke(ctx, r.leaseID); err != nil {
		return fmt.Errorf("discovery: revoking lease: %w", err)
	}
	return nil
}

// Nodes lists every registered identity.
func (r *Registry) Nodes(ctx context.Context) ([]skipgraph.Identity, error) {
	resp, err := r.Client.Get(ctx, r.Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("discovery: listing nodes: %w", err)
	}
	nodes := make([]skipgraph.Identity, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		iden, err := r.parse(kv.Key, kv.Value)
		if err != nil {
			r.Logger.Debug("Skipping malformed discovery entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		nodes = append(nodes, iden)
	}
	return nodes, nil
}

// Introducer picks a random registered node other than self. It returns an
// empty address when self is the only one.
func (r *Registry) Introducer(ctx context.Context, self skipgraph.Identity) (string, error) {
	nodes, err := r.Nodes(ctx)
	if err != nil {
		return "", err
	}
	candidates := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.ID == self.ID || n.Address == self.Address {
			continue
		}
		candidates = append(candidates, n.Address)
	}
	if len(candidates) == 0 {
		return "", nil
	}
	return candidates[rand.Intn(len(candidates))], nil
}

// Watch calls fn with the full node list on every change until ctx is done.
func (r *Registry) Watch(ctx context.Context, fn func([]skipgraph.Identity)) error {
	nodes, err := r.Nodes(ctx)
	if err != nil {
		return err
	}
	fn(nodes)

	for resp := range r.Client.Watch(ctx, r.Prefix, clientv3.WithPrefix()) {
		if ctx.Err() != nil {
			break
		}
		if err := resp.Err(); err != nil {
			return fmt.Errorf("discovery: watching nodes: %w", err)
		}
		nodes, err := r.Nodes(ctx)
		if err != nil {
			return err
		}
		fn(nodes)
	}
	return ctx.Err()
}
