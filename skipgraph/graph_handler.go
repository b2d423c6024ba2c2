package skipgraph

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"go.miragespace.co/skipgraph/spec/skipgraph"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
)

func vertexHash(id skipgraph.Identity) string {
	return fmt.Sprintf("%s/%s", id.Address, id.ID.Short())
}

var vOptions = []func(*graph.VertexProperties){
	graph.VertexAttribute("shape", "box"),
}

var selfVOptions = append(vOptions,
	graph.VertexAttribute("style", "filled"),
	graph.VertexAttribute("color", "lightgrey"),
)

// neighborhood renders the lookup tables of the given nodes as a directed
// graph. Edges are labeled with the levels at which the target is a left (L)
// or right (R) neighbor.
func neighborhood(nodes []*LocalNode) graph.Graph[string, skipgraph.Identity] {
	g := graph.New(vertexHash, graph.Directed())

	local := make(map[skipgraph.Identity]bool, len(nodes))
	for _, node := range nodes {
		local[node.identity] = true
		_ = g.AddVertex(node.identity, selfVOptions...)
	}

	for _, node := range nodes {
		labels := make(map[skipgraph.Identity][]string)
		for _, entry := range node.table.Snapshot() {
			if len(entry.Lefts) > 0 {
				labels[entry.Lefts[0]] = append(labels[entry.Lefts[0]], fmt.Sprintf("L%d", entry.Level))
			}
			if len(entry.Rights) > 0 {
				labels[entry.Rights[0]] = append(labels[entry.Rights[0]], fmt.Sprintf("R%d", entry.Level))
			}
		}

		targets := make([]skipgraph.Identity, 0, len(labels))
		for target := range labels {
			targets = append(targets, target)
		}
		sort.Slice(targets, func(i, j int) bool {
			return identityLess(targets[i], targets[j])
		})

		for _, target := range targets {
			if !local[target] {
				_ = g.AddVertex(target, vOptions...)
			}
			_ = g.AddEdge(vertexHash(node.identity), vertexHash(target),
				graph.EdgeAttribute("label", strings.Join(labels[target], ",")),
			)
		}
	}

	return g
}

func graphHandler(nodes []*LocalNode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain")
		if err := draw.DOT(neighborhood(nodes), w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}
