package funcs

import (
	"sort"

	"devcompanion/internal/canon"
)

// ExternalPrefix marks callees that are not defined in the file.
const ExternalPrefix = "EXTERNAL:"

// Edge is one call from Caller to Callee on Line. A graph holds at most one
// edge per (caller, callee, line).
type Edge struct {
	Caller string `json:"caller"`
	Callee string `json:"callee"`
	Line   int    `json:"line"`
}

// Pair is an edge without its line hint; deltas are computed on pairs.
type Pair struct {
	Caller string `json:"caller"`
	Callee string `json:"callee"`
}

// CallGraph is the call graph of one version of a file, keyed by function id.
type CallGraph struct {
	Nodes []string `json:"nodes"`
	Edges []Edge   `json:"edges"`
}

// GraphDelta carries the change between two versions plus the full new
// graph.
type GraphDelta struct {
	AddedEdges   []Pair   `json:"added_edges"`
	RemovedEdges []Pair   `json:"removed_edges"`
	Nodes        []string `json:"nodes"`
	Edges        []Edge   `json:"edges"`
}

// Empty reports whether the delta adds or removes nothing.
func (d GraphDelta) Empty() bool {
	return len(d.AddedEdges) == 0 && len(d.RemovedEdges) == 0
}

// CallCounts returns the number of incoming call sites per function id.
func (g CallGraph) CallCounts() map[string]int {
	counts := make(map[string]int)
	for _, e := range g.Edges {
		counts[e.Callee]++
	}
	return counts
}

func (g CallGraph) pairs() map[Pair]bool {
	set := make(map[Pair]bool, len(g.Edges))
	for _, e := range g.Edges {
		set[Pair{Caller: e.Caller, Callee: e.Callee}] = true
	}
	return set
}

// Delta compares before and after on (caller, callee) pairs.
func Delta(before, after CallGraph) GraphDelta {
	b, a := before.pairs(), after.pairs()
	d := GraphDelta{
		AddedEdges:   []Pair{},
		RemovedEdges: []Pair{},
		Nodes:        after.Nodes,
		Edges:        after.Edges,
	}
	for p := range a {
		if !b[p] {
			d.AddedEdges = append(d.AddedEdges, p)
		}
	}
	for p := range b {
		if !a[p] {
			d.RemovedEdges = append(d.RemovedEdges, p)
		}
	}
	sortPairs(d.AddedEdges)
	sortPairs(d.RemovedEdges)
	return d
}

func sortPairs(ps []Pair) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Caller != ps[j].Caller {
			return ps[i].Caller < ps[j].Caller
		}
		return ps[i].Callee < ps[j].Callee
	})
}

// buildGraph resolves call sites against fns, whose IDs must be set.
// Callees not defined in the file become EXTERNAL:<name>.
func buildGraph(fns []Function, calls []CallSite) CallGraph {
	g := CallGraph{Nodes: []string{}, Edges: []Edge{}}
	byName := make(map[string]string)
	seenNode := make(map[string]bool)
	for _, f := range fns {
		if _, ok := byName[f.Name]; !ok {
			byName[f.Name] = f.ID
		}
		if !seenNode[f.ID] {
			seenNode[f.ID] = true
			g.Nodes = append(g.Nodes, f.ID)
		}
	}
	sort.Strings(g.Nodes)

	seenEdge := make(map[Edge]bool)
	for _, c := range calls {
		callee, ok := byName[c.Callee]
		if !ok {
			callee = ExternalPrefix + c.Callee
		}
		e := Edge{Caller: fns[c.Caller].ID, Callee: callee, Line: c.Line}
		if seenEdge[e] {
			continue
		}
		seenEdge[e] = true
		g.Edges = append(g.Edges, e)
	}
	sort.Slice(g.Edges, func(i, j int) bool {
		a, b := g.Edges[i], g.Edges[j]
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Caller != b.Caller {
			return a.Caller < b.Caller
		}
		return a.Callee < b.Callee
	})
	return g
}

var notCallees = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true,
	"return": true, "sizeof": true, "function": true, "typeof": true,
	"elif": true, "not": true, "and": true, "or": true,
}

// callSites finds identifiers followed by "(" and attributes each to the
// innermost enclosing function. The name at a function's own header is a
// definition, not a call.
func callSites(text, lang string, fns []Function) []CallSite {
	if len(fns) == 0 {
		return nil
	}
	lexemes := canon.Scan(text, lang)
	defined := make(map[int]bool)

	var out []CallSite
	for i := 0; i+1 < len(lexemes); i++ {
		lx := lexemes[i]
		if lx.Class != canon.Ident || lx.Unlexed || lexemes[i+1].Text != "(" || notCallees[lx.Text] {
			continue
		}
		if idx := definitionAt(fns, lx.Text, lx.Line); idx >= 0 && !defined[idx] {
			defined[idx] = true
			continue
		}
		caller := enclosing(fns, lx.Line)
		if caller < 0 {
			continue
		}
		out = append(out, CallSite{Caller: caller, Callee: lx.Text, Line: lx.Line})
	}
	return out
}

func definitionAt(fns []Function, name string, line int) int {
	for i, f := range fns {
		if f.StartLine == line && f.Name == name {
			return i
		}
	}
	return -1
}

func enclosing(fns []Function, line int) int {
	best := -1
	for i, f := range fns {
		if line < f.StartLine || line > f.EndLine {
			continue
		}
		if best < 0 || f.StartLine > fns[best].StartLine ||
			(f.StartLine == fns[best].StartLine && f.EndLine < fns[best].EndLine) {
			best = i
		}
	}
	return best
}
