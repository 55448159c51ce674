package decon

import (
	"fmt"
	"math"

	"github.com/carbocation/geomx/dataset"
	"github.com/carbocation/pfx"
	"github.com/montanaflynn/stats"
	"github.com/sajari/regression"
)

// ReverseResult holds one linear model per gene, expression ~ cell
// abundances. Coefs is gene x cell type; cell types whose abundance is zero
// in every segment are left out of the fits and carry NaN.
type ReverseResult struct {
	Genes     []string
	CellTypes []string

	Coefs     [][]float64
	Intercept []float64

	// Cor is the Pearson correlation of fitted and observed expression.
	Cor []float64

	// ResidSD is the sample SD of log2(max(y, 0.5)) - log2(max(ŷ, 0.5)).
	ResidSD []float64

	// Error is empty unless the gene's fit failed, in which case every value
	// for that gene is NaN.
	Error []string
}

// Reverse regresses each gene of the layer on the estimated cell type
// abundances across segments.
func Reverse(g *dataset.GeneTable, layer string, res Result) (ReverseResult, error) {
	out := ReverseResult{CellTypes: res.CellTypes}

	values, err := g.Layer(layer)
	if err != nil {
		return out, pfx.Err(err)
	}
	if len(res.SegmentIDs) != len(g.Segments) {
		return out, pfx.Err(fmt.Errorf("deconvolution covers %d segments, expression has %d", len(res.SegmentIDs), len(g.Segments)))
	}
	for j, s := range g.Segments {
		if res.SegmentIDs[j] != s.ID {
			return out, pfx.Err(fmt.Errorf("segment %d is %s in the deconvolution and %s in the expression", j, res.SegmentIDs[j], s.ID))
		}
	}

	var used []int
	for k := range res.CellTypes {
		for _, v := range res.Beta[k] {
			if v != 0 {
				used = append(used, k)
				break
			}
		}
	}

	for i, t := range g.Targets {
		if t.Negative {
			continue
		}
		out.Genes = append(out.Genes, t.Name)

		coefs, intercept, cor, sd, err := reverseOne(values[i], res.Beta, used, len(res.CellTypes))
		if err != nil {
			coefs = make([]float64, len(res.CellTypes))
			for k := range coefs {
				coefs[k] = math.NaN()
			}
			intercept, cor, sd = math.NaN(), math.NaN(), math.NaN()
			out.Error = append(out.Error, err.Error())
		} else {
			out.Error = append(out.Error, "")
		}
		out.Coefs = append(out.Coefs, coefs)
		out.Intercept = append(out.Intercept, intercept)
		out.Cor = append(out.Cor, cor)
		out.ResidSD = append(out.ResidSD, sd)
	}

	return out, nil
}

func reverseOne(y []float64, beta [][]float64, used []int, nCell int) (coefs []float64, intercept, cor, sd float64, err error) {
	if len(used) == 0 {
		return nil, 0, 0, 0, fmt.Errorf("no cell type has a nonzero abundance")
	}
	if len(y) <= len(used)+1 {
		return nil, 0, 0, 0, fmt.Errorf("%d segments are too few for %d cell types", len(y), len(used))
	}

	points := make(regression.DataPoints, len(y))
	for j := range y {
		vars := make([]float64, len(used))
		for c, k := range used {
			vars[c] = beta[k][j]
		}
		points[j] = regression.DataPoint(y[j], vars)
	}

	r := new(regression.Regression)
	r.SetObserved("expression")
	for c := range used {
		r.SetVar(c, fmt.Sprintf("celltype%d", c))
	}
	r.Train(points...)
	if err := r.Run(); err != nil {
		return nil, 0, 0, 0, err
	}

	coefs = make([]float64, nCell)
	for k := range coefs {
		coefs[k] = math.NaN()
	}
	intercept = r.Coeff(0)
	if math.IsNaN(intercept) || math.IsInf(intercept, 0) {
		return nil, 0, 0, 0, fmt.Errorf("non-finite intercept")
	}
	for c, k := range used {
		coefs[k] = r.Coeff(c + 1)
		if math.IsNaN(coefs[k]) || math.IsInf(coefs[k], 0) {
			return nil, 0, 0, 0, fmt.Errorf("non-finite coefficient")
		}
	}

	fitted := make([]float64, len(y))
	resid := make([]float64, len(y))
	for j := range y {
		fitted[j] = intercept
		for _, k := range used {
			fitted[j] += coefs[k] * beta[k][j]
		}
		resid[j] = math.Log2(math.Max(y[j], 0.5)) - math.Log2(math.Max(fitted[j], 0.5))
	}

	cor, err = stats.Pearson(fitted, y)
	if err != nil {
		return nil, 0, 0, 0, err
	}
	sd, err = stats.StandardDeviationSample(resid)
	if err != nil {
		return nil, 0, 0, 0, err
	}

	return coefs, intercept, cor, sd, nil
}
