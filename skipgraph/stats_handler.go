package skipgraph

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.miragespace.co/skipgraph/spec/skipgraph"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"kon.nect.sh/httprate"
)

// StatsHandler serves debugging views of the nodes hosted by this process.
// gatherer may be nil to omit /metrics.
func StatsHandler(nodes []*LocalNode, gatherer prometheus.Gatherer) http.Handler {
	router := chi.NewRouter()

	router.Use(httprate.LimitAll(10, time.Second))
	router.Use(middleware.Recoverer)
	router.Use(middleware.NoCache)
	router.Get("/table", tableHandler(nodes))
	router.Get("/graph", graphHandler(nodes))
	if gatherer != nil {
		router.Handle("/metrics", MetricsHandler(gatherer))
	}

	return router
}

func tableHandler(nodes []*LocalNode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		for _, node := range nodes {
			node.printTable(w)
			fmt.Fprintf(w, "---\n")
		}
	}
}

func formatIdentity(id skipgraph.Identity) string {
	if id.IsEmpty() {
		return "-"
	}
	return fmt.Sprintf("%s@%s", id.ID.Short(), id.Address)
}

func formatList(ids []skipgraph.Identity) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, formatIdentity(id))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "\n")
}

func (n *LocalNode) printTable(w http.ResponseWriter) {
	fmt.Fprintf(w, "Node: %s\n", n.identity)
	fmt.Fprintf(w, "Membership vector: %s\n", n.identity.MV.Bits()[:min(64, skipgraph.IdentifierBits)])
	fmt.Fprintf(w, "Current state: %s\n", n.state.Get())
	fmt.Fprintf(w, "State history: %v\n", n.state.History())
	fmt.Fprintf(w, "Locked: %v (owner: %s, inserting: %v)\n", n.lock.IsLocked(), formatIdentity(n.lock.Owner()), n.lock.IsInserting())
	fmt.Fprintf(w, "Table fingerprint: %016x\n", n.table.Fingerprint())

	levelsTable := table.NewWriter()
	levelsTable.SetOutputMirror(w)
	levelsTable.AppendHeader(table.Row{"Level", "Left", "Right"})
	for _, entry := range n.table.Snapshot() {
		levelsTable.AppendRow(table.Row{entry.Level, formatList(entry.Lefts), formatList(entry.Rights)})
	}
	levelsTable.SetCaption("(height: %d of %d levels; first entry is the neighbor, the rest are backups)", n.table.Height(), n.table.NumLevels())
	levelsTable.SetStyle(table.StyleDefault)
	levelsTable.Style().Options.SeparateRows = true
	levelsTable.Render()
}
