package decon

import (
	"fmt"
	"math"
	"sort"
)

// Collapse merges cell types by summing their abundances. Cell types that no
// merged name claims pass through unchanged. A merged type takes the position
// of its first member in the original order. Proportions and cell counts are
// re-derived from the summed abundances; merged types have no standard error.
func Collapse(res Result, mapping map[string][]string) (Result, error) {
	if len(mapping) == 0 {
		return res, nil
	}

	index := make(map[string]int, len(res.CellTypes))
	for k, c := range res.CellTypes {
		index[c] = k
	}

	owner := make(map[string]string)
	names := make([]string, 0, len(mapping))
	for name := range mapping {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if len(mapping[name]) == 0 {
			return Result{}, fmt.Errorf("collapsed cell type %s has no members", name)
		}
		for _, c := range mapping[name] {
			if _, exists := index[c]; !exists {
				return Result{}, fmt.Errorf("collapsed cell type %s: unknown cell type %s", name, c)
			}
			if prev, exists := owner[c]; exists {
				return Result{}, fmt.Errorf("cell type %s is mapped to both %s and %s", c, prev, name)
			}
			owner[c] = name
		}
	}

	nSeg := len(res.SegmentIDs)
	out := Result{
		SegmentIDs: res.SegmentIDs,
		Nuclei:     res.Nuclei,
		Genes:      res.Genes,
		Yhat:       res.Yhat,
		Residual:   res.Residual,
	}

	emitted := make(map[string]int)
	for k, c := range res.CellTypes {
		name, merged := owner[c]
		if !merged {
			out.CellTypes = append(out.CellTypes, c)
			out.Beta = append(out.Beta, append([]float64(nil), res.Beta[k]...))
			out.Sigma = append(out.Sigma, append([]float64(nil), res.Sigma[k]...))
			continue
		}

		row, exists := emitted[name]
		if !exists {
			row = len(out.CellTypes)
			emitted[name] = row
			out.CellTypes = append(out.CellTypes, name)
			out.Beta = append(out.Beta, make([]float64, nSeg))
			sigma := make([]float64, nSeg)
			for j := range sigma {
				sigma[j] = math.NaN()
			}
			out.Sigma = append(out.Sigma, sigma)
		}
		for j := 0; j < nSeg; j++ {
			out.Beta[row][j] += res.Beta[k][j]
		}
	}

	out.Prop = newMatrix(len(out.CellTypes), nSeg)
	out.CellCounts = newMatrix(len(out.CellTypes), nSeg)
	for j := 0; j < nSeg; j++ {
		var total float64
		for k := range out.Beta {
			total += out.Beta[k][j]
		}
		setProportions(out.Prop, out.Beta, j, total)
		nuclei := 0.0
		if j < len(out.Nuclei) {
			nuclei = out.Nuclei[j]
		}
		setCellCounts(out.CellCounts, out.Prop, j, nuclei)
	}

	return out, nil
}
