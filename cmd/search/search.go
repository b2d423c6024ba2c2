package search

import (
	"fmt"
	"io"
	"time"

	"go.miragespace.co/skipgraph/cmd/internal/peer"
	"go.miragespace.co/skipgraph/spec/skipgraph"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
)

func Generate() *cli.Command {
	return &cli.Command{
		Name:  "search",
		Usage: "search the skip graph through a node",
		Description: `Search by numeric identifier for the node with the largest identifier not above the target (or the smallest one when every identifier is above it),
	or by membership vector for a node sharing the longest prefix with the target.`,
		ArgsUsage: " ",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:     "id",
				Usage:    "numeric identifier to search for, as 64 hex characters, 256 bits, or a decimal number",
				Category: "Search Options",
			},
			&cli.StringFlag{
				Name:     "mv",
				Usage:    "membership vector to search for, as 64 hex characters or a bit string prefix",
				Category: "Search Options",
			},
		}, peer.ClientFlags()...),
		Action: cmdSearch,
	}
}

var (
	labelColor    = color.New(color.FgCyan).SprintFunc()
	identityColor = color.New(color.FgGreen, color.Bold).SprintFunc()
	subtleColor   = color.New(color.Faint).SprintFunc()
)

func printIdentity(w io.Writer, label string, id skipgraph.Identity) {
	fmt.Fprintf(w, "%s %s\n", labelColor(label), identityColor(id.Address))
	fmt.Fprintf(w, "  %s %s\n", subtleColor("id:"), id.ID)
	fmt.Fprintf(w, "  %s %s\n", subtleColor("mv:"), id.MV)
}

func printResult(w io.Writer, res *skipgraph.SearchResult, elapsed time.Duration) {
	printIdentity(w, "found:", res.Identity)
	fmt.Fprintf(w, "%s %d\n", labelColor("hops:"), res.Hops)
	if len(res.Neighbors) > 0 {
		fmt.Fprintln(w, labelColor("visited:"))
		for _, n := range res.Neighbors {
			fmt.Fprintf(w, "  %s %s\n", n.Address, subtleColor(n.ID.Short()))
		}
	}
	fmt.Fprintf(w, "%s %s\n", labelColor("elapsed:"), elapsed)
}

func cmdSearch(ctx *cli.Context) error {
	if ctx.IsSet("id") == ctx.IsSet("mv") {
		return fmt.Errorf("exactly one of --id or --mv is required")
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

	w := ctx.App.Writer
	start := time.Now()

	if ctx.IsSet("id") {
		target, err := peer.ParseIdentifier(ctx.String("id"))
		if err != nil {
			return err
		}
		found, err := client.SearchByNumID(ctx.Context, target)
		if err != nil {
			return fmt.Errorf("searching for %s: %w", target.Short(), err)
		}
		printIdentity(w, "found:", found)
		if found.ID == target {
			fmt.Fprintf(w, "%s\n", identityColor("exact match"))
		}
		fmt.Fprintf(w, "%s %s\n", labelColor("elapsed:"), time.Since(start))
		return nil
	}

	target, err := peer.ParseMembershipVector(ctx.String("mv"))
	if err != nil {
		return err
	}
	res, err := client.SearchByMembershipVector(ctx.Context, target)
	if err != nil {
		return fmt.Errorf("searching for %s: %w", target.Short(), err)
	}
	printResult(w, res, time.Since(start))
	fmt.Fprintf(w, "%s %d bits\n", labelColor("common prefix:"), res.Identity.MV.CommonPrefixLength(target))

	return nil
}
