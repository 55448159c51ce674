package dataset

import (
	"fmt"
	"sort"
)

// Well-known layer names.
const (
	LayerRaw      = "exprs"
	LayerQuantile = "q_norm"
	LayerNegative = "neg_norm"
)

// Target is one aggregated gene row.
type Target struct {
	Name       string
	Module     string
	Negative   bool
	ProbeCount int
}

// GeneTable holds target x segment values. Counts is the raw aggregated
// layer; normalized layers live in Layers and never replace Counts.
type GeneTable struct {
	Segments []Segment
	Targets  []Target
	Counts   [][]float64
	Layers   map[string][][]float64
}

// Layer returns the named layer. LayerRaw (or "") returns the raw counts.
func (g *GeneTable) Layer(name string) ([][]float64, error) {
	if name == "" || name == LayerRaw {
		return g.Counts, nil
	}
	l, exists := g.Layers[name]
	if !exists {
		return nil, fmt.Errorf("layer %q does not exist (have: %v)", name, g.LayerNames())
	}
	return l, nil
}

func (g *GeneTable) LayerNames() []string {
	out := []string{LayerRaw}
	for k := range g.Layers {
		out = append(out, k)
	}
	sort.Strings(out[1:])
	return out
}

// WithLayer returns a new table that shares the receiver's read-only data and
// adds (or replaces) the named layer.
func (g *GeneTable) WithLayer(name string, values [][]float64) (*GeneTable, error) {
	if name == "" || name == LayerRaw {
		return nil, fmt.Errorf("layer name %q is reserved for raw counts", name)
	}
	if len(values) != len(g.Targets) {
		return nil, fmt.Errorf("layer %s has %d rows, table has %d targets", name, len(values), len(g.Targets))
	}
	for i, row := range values {
		if len(row) != len(g.Segments) {
			return nil, fmt.Errorf("layer %s row %d has %d values, table has %d segments", name, i, len(row), len(g.Segments))
		}
	}

	out := &GeneTable{
		Segments: g.Segments,
		Targets:  g.Targets,
		Counts:   g.Counts,
		Layers:   make(map[string][][]float64, len(g.Layers)+1),
	}
	for k, v := range g.Layers {
		out.Layers[k] = v
	}
	out.Layers[name] = values

	return out, nil
}

// TargetRow returns the row index of the named target, or -1.
func (g *GeneTable) TargetRow(name string) int {
	for i, t := range g.Targets {
		if t.Name == name {
			return i
		}
	}
	return -1
}

// Modules returns the distinct probe modules in row order.
func (g *GeneTable) Modules() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range g.Targets {
		if _, exists := seen[t.Module]; exists {
			continue
		}
		seen[t.Module] = struct{}{}
		out = append(out, t.Module)
	}
	return out
}

// Subset returns a new table keeping the given target rows and segment
// columns (in the given order) across every layer.
func (g *GeneTable) Subset(rows, cols []int) (*GeneTable, error) {
	if len(rows) == 0 || len(cols) == 0 {
		return nil, fmt.Errorf("gene table subset with %d targets and %d segments: %w", len(rows), len(cols), ErrEmpty)
	}

	out := &GeneTable{
		Segments: make([]Segment, len(cols)),
		Targets:  make([]Target, len(rows)),
		Counts:   subsetMatrix(g.Counts, rows, cols),
	}
	for k, j := range cols {
		out.Segments[k] = g.Segments[j]
	}
	for k, i := range rows {
		out.Targets[k] = g.Targets[i]
	}
	if len(g.Layers) > 0 {
		out.Layers = make(map[string][][]float64, len(g.Layers))
		for name, l := range g.Layers {
			out.Layers[name] = subsetMatrix(l, rows, cols)
		}
	}

	return out, nil
}

// AllRows and AllCols are convenience index ranges for Subset.
func (g *GeneTable) AllRows() []int { return seq(len(g.Targets)) }
func (g *GeneTable) AllCols() []int { return seq(len(g.Segments)) }

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func subsetMatrix(m [][]float64, rows, cols []int) [][]float64 {
	out := make([][]float64, len(rows))
	for k, i := range rows {
		out[k] = make([]float64, len(cols))
		for c, j := range cols {
			out[k][c] = m[i][j]
		}
	}
	return out
}
