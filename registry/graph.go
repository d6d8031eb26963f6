package registry

import (
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/wippyai/dllfork/pe"
)

// moduleNode is a graph node labeled with the module's base name.
type moduleNode struct {
	id   int64
	name string
}

func (n moduleNode) ID() int64     { return n.id }
func (n moduleNode) DOTID() string { return n.name }

// Graph builds the registry's import graph as a directed gonum graph, one
// node per record, an edge from importer to imported. Diagnostic only: it
// recomputes edges from the images and leaves sort state alone.
func (r *Registry) Graph() (*simple.DirectedGraph, error) {
	r.guard.lock()
	defer r.guard.unlock()

	g := simple.NewDirectedGraph()
	nodes := make(map[*Record]moduleNode)
	var id int64
	for d := r.head.next; d != nil; d = d.next {
		n := moduleNode{id: id, name: d.BaseName()}
		id++
		nodes[d] = n
		g.AddNode(n)
	}

	for d := r.head.next; d != nil; d = d.next {
		imports, err := pe.Imports(r.host.Memory(), uintptr(d.Handle))
		if err != nil {
			return nil, err
		}
		for _, name := range imports {
			dep := r.findByBaseName(name)
			if dep == nil || dep == d {
				continue
			}
			g.SetEdge(simple.Edge{F: nodes[d], T: nodes[dep]})
		}
	}
	return g, nil
}

// DOT renders the import graph in Graphviz DOT form.
func (r *Registry) DOT() ([]byte, error) {
	g, err := r.Graph()
	if err != nil {
		return nil, err
	}
	return dot.Marshal(g, "modules", "", "  ")
}

var _ graph.Node = moduleNode{}
