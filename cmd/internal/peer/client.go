package peer

import (
	"fmt"

	skipgraphImpl "go.miragespace.co/skipgraph/skipgraph"
	"go.miragespace.co/skipgraph/spec/skipgraph"
	"go.miragespace.co/skipgraph/spec/transport"
	"go.miragespace.co/skipgraph/timing"

	"github.com/sethvargo/go-diceware/diceware"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// ClientFlags select the node a one-shot command talks to.
func ClientFlags() []cli.Flag {
	return append([]cli.Flag{
		&cli.StringFlag{
			Name:     "node",
			Usage:    "advertise address of the node to send requests to",
			Required: true,
			EnvVars:  []string{"SKIPGRAPH_NODE"},
			Category: "Client Options",
		},
		&cli.DurationFlag{
			Name:     "timeout",
			Value:    timing.RPCTimeout,
			Usage:    "deadline of every request",
			Category: "Client Options",
		},
	}, Flags()...)
}

// Client is a handle to a node for processes that are not part of the skip
// graph themselves.
type Client struct {
	skipgraph.VNode
	transport transport.Transport
}

func (c *Client) Close() {
	c.transport.Stop()
}

func NewClient(ctx *cli.Context, logger *zap.Logger) (*Client, error) {
	words, err := diceware.Generate(2)
	if err != nil {
		return nil, fmt.Errorf("generating client name: %w", err)
	}
	name := "client-" + words[0] + "-" + words[1]

	tp, err := NewTransport(ctx, logger.Named("transport"), name, ":0", "")
	if err != nil {
		return nil, err
	}

	remote := skipgraphImpl.NewRemoteNode(skipgraphImpl.RemoteConfig{
		Logger:    logger,
		Transport: tp,
		Caller:    skipgraph.EmptyNode,
		Timeout:   ctx.Duration("timeout"),
	}, skipgraph.Identity{Address: ctx.String("node")})

	return &Client{
		VNode: skipgraph.WrapRetryRead(remote, timing.ReadRetryInterval, timing.ReadRetryAttempts, func(n uint, err error) {
			logger.Debug("Retrying request", zap.Uint("attempt", n), zap.Error(err))
		}),
		transport: tp,
	}, nil
}
