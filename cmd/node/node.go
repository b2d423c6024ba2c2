package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.miragespace.co/skipgraph/cmd/internal/peer"
	"go.miragespace.co/skipgraph/discovery"
	skipgraphImpl "go.miragespace.co/skipgraph/skipgraph"
	"go.miragespace.co/skipgraph/spec/skipgraph"
	"go.miragespace.co/skipgraph/timing"
	"go.miragespace.co/skipgraph/util"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sethvargo/go-diceware/diceware"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"moul.io/zapfilter"
)

var generator, _ = diceware.NewGenerator(nil)

func Generate() *cli.Command {
	ip := util.GetOutboundIP()
	flags := []cli.Flag{
		&cli.PathFlag{
			Name:     "config",
			Usage:    "path to a YAML file supplying defaults for the flags below",
			EnvVars:  []string{"SKIPGRAPH_CONFIG"},
			Category: "Node Options",
		},
		&cli.StringFlag{
			Name:        "name",
			DefaultText: "random diceware words",
			Usage:       "human friendly name of the node, also used as the common name of its certificate",
			Category:    "Node Options",
		},
		&cli.StringFlag{
			Name:        "id",
			DefaultText: "random",
			Usage:       "numeric identifier of the node, as 64 hex characters, 256 bits, or a decimal number",
			Category:    "Node Options",
		},
		&cli.StringFlag{
			Name:        "mv",
			DefaultText: "random",
			Usage:       "membership vector of the node, as 64 hex characters or a bit string prefix",
			Category:    "Node Options",
		},
		&cli.IntFlag{
			Name:     "backup-size",
			Value:    timing.BackupSize,
			Usage:    "number of neighbors kept per level and direction, 1 keeps only the immediate neighbor",
			Category: "Node Options",
		},
		&cli.StringFlag{
			Name: "join",
			Usage: `Advertise address of a node already in the skip graph.
			Absent of this flag and of discovery peers, the node starts a new skip graph`,
			Category: "Node Options",
		},

		&cli.StringFlag{
			Name:     "listen-addr",
			Aliases:  []string{"listen"},
			Value:    fmt.Sprintf("%s:7946", ip.String()),
			Usage:    "address and port to listen for overlay connections",
			EnvVars:  []string{"SKIPGRAPH_LISTEN"},
			Category: "Network Options",
		},
		&cli.StringFlag{
			Name:        "advertise",
			DefaultText: "same as listen-addr",
			Usage:       "address and port other nodes use to reach this node",
			EnvVars:     []string{"SKIPGRAPH_ADVERTISE"},
			Category:    "Network Options",
		},
		&cli.StringFlag{
			Name:     "stats",
			Value:    "127.0.0.1:7947",
			Usage:    "address to serve /table, /graph and /metrics on, empty to disable",
			Category: "Network Options",
		},

		&cli.StringSliceFlag{
			Name:     "etcd",
			Usage:    "etcd endpoints used to register this node and to find an introducer",
			EnvVars:  []string{"SKIPGRAPH_ETCD"},
			Category: "Discovery Options",
		},
		&cli.StringFlag{
			Name:     "etcd-prefix",
			Value:    discovery.DefaultPrefix,
			Usage:    "key prefix namespacing the skip graph in etcd",
			Category: "Discovery Options",
		},
		&cli.Int64Flag{
			Name:     "etcd-ttl",
			Value:    discovery.DefaultTTL,
			Usage:    "seconds before the registration of an unresponsive node expires",
			Category: "Discovery Options",
		},

		&cli.StringFlag{
			Name:        "sentry",
			DefaultText: "https://public@sentry.example.com/1",
			Usage:       "Sentry DSN for error monitoring. Alternatively, you can set the DSN via the environment variable SENTRY_DSN",
			EnvVars:     []string{"SENTRY_DSN"},
			Category:    "Monitoring Options",
		},
	}

	return &cli.Command{
		Name:  "node",
		Usage: "run a skip graph node",
		Description: `Start a node and insert it into a skip graph, either through the node given by --join, or through a random node registered in etcd.
	The node leaves the skip graph on SIGINT or SIGTERM, splicing itself out of its neighbors' tables.

	Warning: without --ca-cert and --ca-key the tcp transport is neither authenticated nor encrypted`,
		ArgsUsage: " ",
		Flags:     append(flags, peer.Flags()...),
		Action:    cmdNode,
	}
}

func modifyToSentryLogger(logger *zap.Logger, client *sentry.Client) *zap.Logger {
	cfg := zapsentry.Configuration{
		Level:             zapcore.WarnLevel,
		EnableBreadcrumbs: true,
		BreadcrumbLevel:   zapcore.InfoLevel,
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(client))
	if err != nil {
		logger.Warn("failed to init zap", zap.Error(err))
	}

	return zapsentry.AttachCoreToLogger(core, logger)
}

func nodeIdentity(ctx *cli.Context) (skipgraph.Identifier, skipgraph.MembershipVector, error) {
	id := skipgraph.RandomIdentifier()
	mv := skipgraph.RandomMembershipVector()
	if ctx.IsSet("id") {
		parsed, err := peer.ParseIdentifier(ctx.String("id"))
		if err != nil {
			return id, mv, err
		}
		id = parsed
	}
	if ctx.IsSet("mv") {
		parsed, err := peer.ParseMembershipVector(ctx.String("mv"))
		if err != nil {
			return id, mv, err
		}
		mv = parsed
	}
	return id, mv, nil
}

func statsServer(logger *zap.Logger, handler http.Handler) *http.Server {
	// filter out unproductive messages
	filteredLogger := zap.New(zapfilter.NewFilteringCore(
		logger.Core(),
		func(e zapcore.Entry, f []zapcore.Field) bool {
			return !strings.HasPrefix(e.Message, "http: superfluous response.WriteHeader")
		}),
	)
	return &http.Server{
		ReadHeaderTimeout: time.Second * 5,
		Handler:           handler,
		ErrorLog:          util.GetStdLogger(filteredLogger, "stats"),
	}
}

func cmdNode(ctx *cli.Context) error {
	logger, err := peer.Logger(ctx)
	if err != nil {
		return err
	}

	if ctx.IsSet("config") {
		cfg, err := ReadFileConfig(ctx.Path("config"))
		if err != nil {
			return err
		}
		if err := cfg.Apply(ctx); err != nil {
			return err
		}
	}

	if ctx.IsSet("sentry") {
		client, err := sentry.NewClient(sentry.ClientOptions{
			Dsn:     ctx.String("sentry"),
			Release: ctx.App.Version,
		})
		if err != nil {
			return fmt.Errorf("initializing sentry client: %w", err)
		}
		defer client.Flush(time.Second * 2)

		logger = modifyToSentryLogger(logger, client)
		defer logger.Sync()
	}

	name := ctx.String("name")
	if name == "" {
		name = strings.Join(generator.MustGenerate(3), "-")
	}
	id, mv, err := nodeIdentity(ctx)
	if err != nil {
		return err
	}

	listen := ctx.String("listen-addr")
	if _, _, err := net.SplitHostPort(listen); err != nil {
		return fmt.Errorf("error parsing listen address: %w", err)
	}

	tp, err := peer.NewTransport(ctx, logger.With(zapsentry.NewScope()).Named("transport"), name, listen, ctx.String("advertise"))
	if err != nil {
		return err
	}
	defer tp.Stop()

	identity, err := skipgraph.NewIdentity(id, mv, tp.Address())
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	local, err := skipgraphImpl.NewLocalNode(skipgraphImpl.NodeConfig{
		Logger:            logger.With(zapsentry.NewScope()).Named("node").With(zap.String("name", name)),
		Identity:          identity,
		Transport:         tp,
		Metrics:           skipgraphImpl.NewMetrics(registry),
		BackupSize:        ctx.Int("backup-size"),
		JoinRetryAttempts: timing.JoinRetryAttempts,
		JoinRetryInterval: timing.JoinRetryInterval,
		ReadRetryAttempts: timing.ReadRetryAttempts,
		ReadRetryInterval: timing.ReadRetryInterval,
		LockLease:         timing.LockLease,
		RPCTimeout:        timing.RPCTimeout,
	})
	if err != nil {
		return err
	}
	defer local.Stop()

	g, gCtx := errgroup.WithContext(ctx.Context)
	g.Go(func() error {
		return local.Serve(gCtx)
	})

	var srv *http.Server
	if addr := ctx.String("stats"); addr != "" {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			tp.Stop()
			g.Wait()
			return fmt.Errorf("listening for stats: %w", err)
		}
		srv = statsServer(logger.Named("stats"), skipgraphImpl.StatsHandler([]*skipgraphImpl.LocalNode{local}, registry))
		g.Go(func() error {
			if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		logger.Info("Serving stats", zap.String("listen", listener.Addr().String()))
	}

	shutdown := func() {
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}
		tp.Stop()
		if err := g.Wait(); err != nil {
			logger.Error("Error serving", zap.Error(err))
		}
	}

	var reg *discovery.Registry
	if endpoints := ctx.StringSlice("etcd"); len(endpoints) > 0 {
		client, err := discovery.NewClient(endpoints, timing.DialTimeout)
		if err != nil {
			shutdown()
			return fmt.Errorf("connecting to etcd: %w", err)
		}
		defer client.Close()

		reg, err = discovery.New(discovery.Config{
			Logger: logger.With(zapsentry.NewScope()).Named("discovery"),
			Client: client,
			Prefix: ctx.String("etcd-prefix"),
			TTL:    ctx.Int64("etcd-ttl"),
		})
		if err != nil {
			shutdown()
			return err
		}
	}

	if err := bootstrap(ctx, logger, local, reg); err != nil {
		shutdown()
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal to stop", zap.String("signal", sig.String()))
	case <-gCtx.Done():
		logger.Info("context done", zap.Error(gCtx.Err()))
	}

	leaveCtx, cancel := context.WithTimeout(context.Background(), timing.RPCTimeout)
	defer cancel()

	if reg != nil {
		if err := reg.Deregister(leaveCtx); err != nil {
			logger.Warn("Failed to deregister from discovery", zap.Error(err))
		}
	}
	if err := local.Leave(leaveCtx); err != nil {
		logger.Warn("Failed to leave the skip graph cleanly", zap.Error(err))
	}

	shutdown()

	return nil
}

// bootstrap inserts the node through an explicit introducer, then through a
// registered peer, and otherwise starts a new skip graph.
func bootstrap(ctx *cli.Context, logger *zap.Logger, local *skipgraphImpl.LocalNode, reg *discovery.Registry) error {
	introducer := ctx.String("join")
	if introducer == "" && reg != nil {
		var err error
		introducer, err = reg.Introducer(ctx.Context, local.Identity())
		if err != nil {
			return err
		}
	}

	if introducer == "" {
		logger.Info("Starting a new skip graph", zap.Object("node", local.Identity()))
		if err := local.Create(); err != nil {
			return err
		}
	} else {
		logger.Info("Joining skip graph", zap.Object("node", local.Identity()), zap.String("introducer", introducer))
		if err := local.Join(ctx.Context, introducer); err != nil {
			return fmt.Errorf("joining skip graph: %w", err)
		}
	}

	if reg != nil {
		if err := reg.Register(ctx.Context, local.Identity()); err != nil {
			return err
		}
	}

	logger.Info("Node is active", zap.Object("node", local.Identity()), zap.Int("height", local.Table().Height()))
	return nil
}
