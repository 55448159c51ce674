package probeqc

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// GrubbsCritical is the two-sided Grubbs critical value for n observations at
// significance alpha.
func GrubbsCritical(n int, alpha float64) float64 {
	if n < 3 {
		return math.Inf(1)
	}
	nf := float64(n)
	t := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: nf - 2}.Quantile(1 - alpha/(2*nf))
	t2 := t * t
	return (nf - 1) / math.Sqrt(nf) * math.Sqrt(t2/(nf-2+t2))
}

// GrubbsOutliers runs the iterative two-sided Grubbs test and returns the
// indices of rejected values in rejection order. NaN values are ignored. Each
// round tests the value farthest from the mean (lowest index on ties) and the
// test stops at the first non-rejection, when fewer than 3 values remain, or
// when the remaining values have no spread.
func GrubbsOutliers(values []float64, alpha float64) []int {
	active := make([]int, 0, len(values))
	for i, v := range values {
		if !math.IsNaN(v) {
			active = append(active, i)
		}
	}

	var out []int
	x := make([]float64, 0, len(active))
	for len(active) >= 3 {
		x = x[:0]
		for _, i := range active {
			x = append(x, values[i])
		}

		mean, sd := stat.MeanStdDev(x, nil)
		if sd == 0 || math.IsNaN(sd) {
			break
		}

		worst, worstDev := 0, -1.0
		for k, v := range x {
			if d := math.Abs(v - mean); d > worstDev {
				worst, worstDev = k, d
			}
		}

		if worstDev/sd <= GrubbsCritical(len(x), alpha) {
			break
		}

		out = append(out, active[worst])
		active = append(active[:worst], active[worst+1:]...)
	}

	return out
}
