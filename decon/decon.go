// Package decon estimates per-segment cell type abundances from normalized
// expression and a cell type signature matrix.
package decon

import (
	"fmt"
	"math"

	"github.com/carbocation/geomx/dataset"
	"github.com/carbocation/geomx/nnls"
	"github.com/carbocation/pfx"
	"gonum.org/v1/gonum/mat"
)

type Config struct {
	Layer string

	// Collapse maps a merged cell type name to the signature cell types it
	// sums.
	Collapse map[string][]string
}

// Signature is a genes x cell types reference profile matrix.
type Signature struct {
	Genes     []string
	CellTypes []string
	Values    [][]float64
}

func (s Signature) Validate() error {
	if len(s.Genes) == 0 || len(s.CellTypes) == 0 {
		return fmt.Errorf("signature has %d genes and %d cell types", len(s.Genes), len(s.CellTypes))
	}
	if len(s.Values) != len(s.Genes) {
		return fmt.Errorf("signature has %d genes but %d rows", len(s.Genes), len(s.Values))
	}
	seen := make(map[string]struct{}, len(s.Genes))
	for i, row := range s.Values {
		if _, exists := seen[s.Genes[i]]; exists {
			return fmt.Errorf("signature gene %s appears more than once", s.Genes[i])
		}
		seen[s.Genes[i]] = struct{}{}
		if len(row) != len(s.CellTypes) {
			return fmt.Errorf("signature gene %s has %d values for %d cell types", s.Genes[i], len(row), len(s.CellTypes))
		}
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				return fmt.Errorf("signature gene %s has invalid value %v", s.Genes[i], v)
			}
		}
	}
	return nil
}

// Solver solves min Σ w²(y - Xβ)² subject to β >= 0.
type Solver interface {
	Solve(x mat.Matrix, y, weights []float64) (nnls.Result, error)
}

// NNLS is the Lawson-Hanson solver.
type NNLS struct{}

func (NNLS) Solve(x mat.Matrix, y, weights []float64) (nnls.Result, error) {
	return nnls.SolveWeighted(x, y, weights)
}

// Result is keyed by cell type (rows) and segment (columns), except Yhat and
// Residual which are gene x segment over Genes.
type Result struct {
	CellTypes  []string
	SegmentIDs []string
	Nuclei     []float64
	Genes      []string

	Beta       [][]float64
	Prop       [][]float64
	Sigma      [][]float64
	CellCounts [][]float64

	Yhat     [][]float64
	Residual [][]float64
}

// Background returns, for every gene and segment, the mean of the layer values
// of the negative control targets in the gene's module.
func Background(g *dataset.GeneTable, layer string) ([][]float64, error) {
	values, err := g.Layer(layer)
	if err != nil {
		return nil, pfx.Err(err)
	}

	means := make(map[string][]float64)
	counts := make(map[string]int)
	for i, t := range g.Targets {
		if !t.Negative {
			continue
		}
		if _, exists := means[t.Module]; !exists {
			means[t.Module] = make([]float64, len(g.Segments))
		}
		for j := range g.Segments {
			means[t.Module][j] += values[i][j]
		}
		counts[t.Module]++
	}
	for module, m := range means {
		for j := range m {
			m[j] /= float64(counts[module])
		}
	}

	out := make([][]float64, len(g.Targets))
	for i, t := range g.Targets {
		m, exists := means[t.Module]
		if !exists {
			return nil, pfx.Err(fmt.Errorf("module %s of %s has no negative control target", t.Module, t.Name))
		}
		out[i] = append([]float64(nil), m...)
	}
	return out, nil
}

// Weights follow the log2-scale error model of the counts:
// sd = max(0.1, 1/(ln2·√(raw+1))) and weight = 1/sd.
func Weights(raw [][]float64) [][]float64 {
	out := make([][]float64, len(raw))
	for i, row := range raw {
		out[i] = make([]float64, len(row))
		for j, v := range row {
			sd := math.Max(0.1, 1/(math.Ln2*math.Sqrt(math.Max(v, 0)+1)))
			out[i][j] = 1 / sd
		}
	}
	return out
}

// Run deconvolves every segment of the configured layer against the
// signature, using genes present in both (negative controls excluded).
func Run(g *dataset.GeneTable, sig Signature, layer string, solver Solver) (Result, error) {
	var out Result
	if err := sig.Validate(); err != nil {
		return out, pfx.Err(err)
	}

	values, err := g.Layer(layer)
	if err != nil {
		return out, pfx.Err(err)
	}
	bg, err := Background(g, layer)
	if err != nil {
		return out, err
	}
	weights := Weights(g.Counts)

	sigRow := make(map[string]int, len(sig.Genes))
	for i, gene := range sig.Genes {
		sigRow[gene] = i
	}
	var rows []int
	var sigRows []int
	for i, t := range g.Targets {
		if t.Negative {
			continue
		}
		if k, exists := sigRow[t.Name]; exists {
			rows = append(rows, i)
			sigRows = append(sigRows, k)
			out.Genes = append(out.Genes, t.Name)
		}
	}
	nCell := len(sig.CellTypes)
	if len(rows) < nCell {
		return out, pfx.Err(fmt.Errorf("%d genes are shared by the signature and the expression data, fewer than the %d cell types", len(rows), nCell))
	}

	x := mat.NewDense(len(rows), nCell, nil)
	for r, k := range sigRows {
		x.SetRow(r, sig.Values[k])
	}

	nSeg := len(g.Segments)
	out.CellTypes = append([]string(nil), sig.CellTypes...)
	out.SegmentIDs = make([]string, nSeg)
	out.Nuclei = make([]float64, nSeg)
	out.Beta = newMatrix(nCell, nSeg)
	out.Prop = newMatrix(nCell, nSeg)
	out.Sigma = newMatrix(nCell, nSeg)
	out.CellCounts = newMatrix(nCell, nSeg)
	out.Yhat = newMatrix(len(rows), nSeg)
	out.Residual = newMatrix(len(rows), nSeg)

	y := make([]float64, len(rows))
	w := make([]float64, len(rows))
	for j, s := range g.Segments {
		out.SegmentIDs[j] = s.ID
		out.Nuclei[j] = s.QC.Nuclei
		for r, i := range rows {
			y[r] = values[i][j] - bg[i][j]
			w[r] = weights[i][j]
		}

		res, err := solver.Solve(x, y, w)
		if err != nil {
			return out, pfx.Err(fmt.Errorf("segment %s: %w", s.ID, err))
		}

		sigma := standardErrors(x, w, res)

		var total float64
		for k := 0; k < nCell; k++ {
			out.Beta[k][j] = res.X[k]
			out.Sigma[k][j] = sigma[k]
			total += res.X[k]
		}
		setProportions(out.Prop, out.Beta, j, total)
		setCellCounts(out.CellCounts, out.Prop, j, s.QC.Nuclei)

		for r, i := range rows {
			fit := bg[i][j] + mat.Dot(x.RowView(r), mat.NewVecDense(nCell, res.X))
			out.Yhat[r][j] = fit
			out.Residual[r][j] = math.Log2(math.Max(values[i][j], 0.5)) - math.Log2(math.Max(fit, 0.5))
		}
	}

	return out, nil
}

// standardErrors are taken from the weighted design restricted to the
// positive coefficients. Coefficients at the bound get zero.
func standardErrors(x *mat.Dense, w []float64, res nnls.Result) []float64 {
	m, n := x.Dims()
	out := make([]float64, n)

	var cols []int
	for k, on := range res.Active {
		if on {
			cols = append(cols, k)
		}
	}
	df := m - len(cols)
	if len(cols) == 0 || df <= 0 {
		for k := range out {
			if res.Active[k] {
				out[k] = math.NaN()
			}
		}
		return out
	}

	xw := mat.NewDense(m, len(cols), nil)
	for i := 0; i < m; i++ {
		for c, k := range cols {
			xw.Set(i, c, x.At(i, k)*w[i])
		}
	}
	var xtx mat.SymDense
	xtx.SymOuterK(1, xw.T())

	var chol mat.Cholesky
	if ok := chol.Factorize(&xtx); !ok {
		for _, k := range cols {
			out[k] = math.NaN()
		}
		return out
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		for _, k := range cols {
			out[k] = math.NaN()
		}
		return out
	}

	s2 := res.ResidualSS / float64(df)
	for c, k := range cols {
		out[k] = math.Sqrt(s2 * inv.At(c, c))
	}
	return out
}

func setProportions(prop, beta [][]float64, j int, total float64) {
	for k := range beta {
		if total > 0 {
			prop[k][j] = beta[k][j] / total
		} else {
			prop[k][j] = 0
		}
	}
}

func setCellCounts(counts, prop [][]float64, j int, nuclei float64) {
	for k := range prop {
		if nuclei > 0 {
			counts[k][j] = prop[k][j] * nuclei
		} else {
			counts[k][j] = math.NaN()
		}
	}
}

func newMatrix(r, c int) [][]float64 {
	out := make([][]float64, r)
	for i := range out {
		out[i] = make([]float64, c)
	}
	return out
}
