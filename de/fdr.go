package de

import (
	"math"
	"sort"
)

// BenjaminiHochberg returns BH-adjusted p-values. NaN entries are ignored and
// stay NaN; the number of tests is the number of non-NaN p-values.
func BenjaminiHochberg(pvals []float64) []float64 {
	out := make([]float64, len(pvals))
	idx := make([]int, 0, len(pvals))
	for i, p := range pvals {
		if math.IsNaN(p) {
			out[i] = math.NaN()
			continue
		}
		idx = append(idx, i)
	}

	n := len(idx)
	if n == 0 {
		return out
	}

	sort.SliceStable(idx, func(a, b int) bool {
		return pvals[idx[a]] < pvals[idx[b]]
	})

	minP := 1.0
	for k := n - 1; k >= 0; k-- {
		orig := idx[k]
		adjusted := pvals[orig] * float64(n) / float64(k+1)
		if adjusted < minP {
			minP = adjusted
		}
		out[orig] = minP
	}

	return out
}
