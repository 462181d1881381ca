// Package callgraph builds lattice graphs from smali classes so patched
// classes can be inspected as DOT.
package callgraph

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"

	"gadgeter/internal/smali"
)

// BuildCallGraph constructs a lattice.Graph from a parsed class.
// Each method becomes a node; each invoke becomes an edge to its target.
// Invokes with no parsable target are skipped.
func BuildCallGraph(c smali.Class) *lattice.Graph {
	g := &lattice.Graph{}
	for _, m := range c.Methods {
		caller := m.Ref(c.Name)
		g.Nodes = append(g.Nodes, caller)
		for _, inv := range m.Invokes {
			if inv.Target == "" {
				continue
			}
			g.Edges = append(g.Edges, lattice.Edge{
				Caller: caller,
				Callee: inv.Target,
			})
		}
	}
	g.Dedup()
	return g
}

// BuildMethodCFG maps one method to a single-block lattice.FuncCFG whose
// call sites are the method's invokes in source order. Offsets are
// 1-based line numbers.
func BuildMethodCFG(c smali.Class, m smali.Method) *lattice.FuncCFG {
	lcfg := &lattice.FuncCFG{Name: m.Ref(c.Name)}
	b := &lattice.BasicBlock{
		ID:    0,
		Start: m.Header,
		End:   m.End,
		Term:  true,
	}
	for _, inv := range m.Invokes {
		if inv.Target == "" {
			continue
		}
		b.Calls = append(b.Calls, lattice.CallSite{Offset: inv.Line, Callee: inv.Target})
	}
	lcfg.Blocks = append(lcfg.Blocks, b)
	return lcfg
}

// WriteDOT renders the class call graph to <dir>/<base>.callgraph.dot and,
// when the class has a static initializer, its CFG to
// <dir>/<base>.clinit.dot. It returns the written paths.
func WriteDOT(dir, base string, c smali.Class) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("callgraph: mkdir: %w", err)
	}

	var written []string
	cgPath := filepath.Join(dir, base+".callgraph.dot")
	if err := os.WriteFile(cgPath, []byte(render.DOT(BuildCallGraph(c), c.Name)), 0o644); err != nil {
		return nil, fmt.Errorf("callgraph: write %s: %w", cgPath, err)
	}
	written = append(written, cgPath)

	if m, ok := c.StaticInitializer(); ok {
		g := &lattice.CFGGraph{Funcs: []*lattice.FuncCFG{BuildMethodCFG(c, m)}}
		cfgPath := filepath.Join(dir, base+".clinit.dot")
		if err := os.WriteFile(cfgPath, []byte(render.DOTCFG(g, m.Ref(c.Name))), 0o644); err != nil {
			return nil, fmt.Errorf("callgraph: write %s: %w", cfgPath, err)
		}
		written = append(written, cfgPath)
	}
	return written, nil
}
