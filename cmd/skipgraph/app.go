package skipgraph

import (
	"fmt"
	"math/rand"
	"runtime"
	"time"

	"go.miragespace.co/skipgraph/cmd/bench"
	"go.miragespace.co/skipgraph/cmd/ca"
	"go.miragespace.co/skipgraph/cmd/node"
	"go.miragespace.co/skipgraph/cmd/search"
	"go.miragespace.co/skipgraph/util"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"moul.io/zapfilter"
)

var (
	Build = "head"
)

var (
	App = cli.App{
		Name:            "skipgraph",
		Usage:           fmt.Sprintf("build for %s on %s", runtime.GOARCH, runtime.GOOS),
		Version:         Build,
		HideHelpCommand: true,
		Description:     "a skip graph overlay supporting ordered lookup by identifier and prefix lookup by membership vector",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Value: false,
				Usage: "enable verbose logging",
			},
			&cli.StringFlag{
				Name:  "log-filter",
				Usage: "only emit logs matching the zapfilter `RULES`, such as \"*:node,transport debug+:node\"",
			},
			&cli.Int64Flag{
				Name:   "rand",
				Hidden: true,
				Value:  time.Now().Unix(),
			},
		},
		Commands: []*cli.Command{
			node.Generate(),
			search.Generate(),
			bench.Generate(),
			ca.Generate(),
		},
		Before: ConfigLogger,
	}
)

func init() {
	util.PrettierHelpPrinter()
}

func ConfigLogger(ctx *cli.Context) error {
	var config zap.Config
	if ctx.Bool("verbose") {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}
	// Redirect everything to stderr
	config.OutputPaths = []string{"stderr"}
	logger, err := config.Build()
	if err != nil {
		return err
	}

	if rules := ctx.String("log-filter"); rules != "" {
		filter, err := zapfilter.ParseRules(rules)
		if err != nil {
			return fmt.Errorf("parsing log filter: %w", err)
		}
		logger = zap.New(zapfilter.NewFilteringCore(logger.Core(), filter), zap.AddCaller())
	}

	_, err = zap.RedirectStdLogAt(logger.With(zap.String("subsystem", "unknown")), zapcore.InfoLevel)
	if err != nil {
		return fmt.Errorf("redirecting stdlog output: %w", err)
	}
	ctx.App.Metadata["logger"] = logger

	seed := ctx.Int64("rand")
	logger.Debug("skipgraph: seeding math/rand", zap.Int64("rand", seed), zap.Bool("overridden", ctx.IsSet("rand")))
	rand.Seed(seed)

	return nil
}
