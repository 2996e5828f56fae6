package tree

import (
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// ExportDOT renders the tree as a Graphviz DOT graph, one node per split
// or leaf, labeled by node index for internal nodes and "L<label>" for
// leaves — a visual companion to SaveText for inspecting tree shape.
func (t *Tree) ExportDOT(path string) error {
	g := graphviz.New()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("tree: creating graph: %w", err)
	}
	defer func() {
		graph.Close()
		g.Close()
	}()

	nodes := make([]*cgraph.Node, len(t.Nodes))
	for _, n := range t.Nodes {
		gn, err := graph.CreateNode(fmt.Sprintf("n%d", n.Index))
		if err != nil {
			return fmt.Errorf("tree: creating node %d: %w", n.Index, err)
		}
		if n.IsLeaf() {
			gn.Set("label", fmt.Sprintf("L%d", n.Label))
			gn.Set("shape", "box")
		} else {
			gn.Set("label", fmt.Sprintf("%d", n.Index))
		}
		nodes[n.Index] = gn
	}
	for _, n := range t.Nodes {
		for _, c := range n.Children {
			if _, err := graph.CreateEdge("", nodes[n.Index], nodes[c]); err != nil {
				return fmt.Errorf("tree: creating edge %d->%d: %w", n.Index, c, err)
			}
		}
	}

	return g.RenderFilename(graph, graphviz.XDOT, path)
}
