package bench

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.miragespace.co/skipgraph/cmd/internal/peer"
	"go.miragespace.co/skipgraph/spec/skipgraph"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/montanaflynn/stats"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const (
	kindNumID = "id"
	kindMV    = "mv"
)

func Generate() *cli.Command {
	return &cli.Command{
		Name:      "bench",
		Usage:     "measure search latency and hops through a node",
		ArgsUsage: " ",
		Flags: append([]cli.Flag{
			&cli.IntFlag{
				Name:     "count",
				Value:    100,
				Usage:    "number of searches for random targets",
				Category: "Bench Options",
			},
			&cli.IntFlag{
				Name:     "concurrency",
				Value:    4,
				Usage:    "number of searches in flight",
				Category: "Bench Options",
			},
			&cli.StringFlag{
				Name:     "kind",
				Value:    kindMV,
				Usage:    "search by numeric identifier (\"id\") or by membership vector (\"mv\")",
				Category: "Bench Options",
			},
		}, peer.ClientFlags()...),
		Action: cmdBench,
	}
}

type sample struct {
	latency time.Duration
	hops    int
	err     error
}

// run issues count searches with at most concurrency in flight.
func run(ctx context.Context, count, concurrency int, search func(context.Context) (int, error)) []sample {
	samples := make([]sample, count)
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				start := time.Now()
				hops, err := search(ctx)
				samples[i] = sample{
					latency: time.Since(start),
					hops:    hops,
					err:     err,
				}
			}
		}()
	}
	for i := 0; i < count; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return samples
}

type summary struct {
	failed  int
	latency stats.Float64Data
	hops    stats.Float64Data
}

func summarize(samples []sample) summary {
	var s summary
	for _, x := range samples {
		if x.err != nil {
			s.failed++
			continue
		}
		s.latency = append(s.latency, float64(x.latency.Microseconds())/1000)
		s.hops = append(s.hops, float64(x.hops))
	}
	return s
}

func describe(data stats.Float64Data) table.Row {
	if len(data) == 0 {
		return table.Row{"-", "-", "-", "-", "-", "-"}
	}
	row := table.Row{}
	for _, fn := range []func(stats.Float64Data) (float64, error){
		stats.Min,
		stats.Mean,
		stats.Median,
		func(d stats.Float64Data) (float64, error) { return stats.Percentile(d, 99) },
		stats.Max,
		stats.StandardDeviation,
	} {
		v, err := fn(data)
		if err != nil {
			row = append(row, "-")
			continue
		}
		row = append(row, fmt.Sprintf("%.2f", v))
	}
	return row
}

func (s summary) render(w io.Writer, kind string, elapsed time.Duration) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"", "Min", "Mean", "Median", "P99", "Max", "StdDev"})
	t.AppendRow(append(table.Row{"Latency (ms)"}, describe(s.latency)...))
	if kind == kindMV {
		t.AppendRow(append(table.Row{"Hops"}, describe(s.hops)...))
	}
	t.SetCaption("%d succeeded, %d failed in %s", len(s.latency), s.failed, elapsed.Round(time.Millisecond))
	t.SetStyle(table.StyleLight)
	t.Render()
}

func cmdBench(ctx *cli.Context) error {
	kind := ctx.String("kind")
	if kind != kindNumID && kind != kindMV {
		return fmt.Errorf("unknown search kind %q", kind)
	}
	count, concurrency := ctx.Int("count"), ctx.Int("concurrency")
	if count < 1 || concurrency < 1 {
		return fmt.Errorf("count and concurrency must be positive")
	}

	logger, err := peer.Logger(ctx)
	if err != nil {
		return err
	}

	client, err := peer.NewClient(ctx, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	search := func(ctx context.Context) (int, error) {
		if kind == kindNumID {
			_, err := client.SearchByNumID(ctx, skipgraph.RandomIdentifier())
			return 0, err
		}
		res, err := client.SearchByMembershipVector(ctx, skipgraph.RandomMembershipVector())
		if err != nil {
			return 0, err
		}
		return res.Hops, nil
	}

	start := time.Now()
	samples := run(ctx.Context, count, concurrency, search)
	elapsed := time.Since(start)

	for _, x := range samples {
		if x.err != nil {
			logger.Warn("Search failed", zap.Error(x.err))
			break
		}
	}

	summarize(samples).render(ctx.App.Writer, kind, elapsed)
	return nil
}
