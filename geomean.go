package geomx

import (
	"math"

	"github.com/carbocation/runningvariance"
)

// GeoMean returns the geometric mean of the values, computed in the log domain
// so that large probe sets do not overflow. NaN values are skipped (they mark
// locally excluded probes); ok is false when no value contributed or when any
// contributing value is not positive.
func GeoMean(values []float64) (mean float64, ok bool) {
	var sum float64
	n := 0
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		if v <= 0 {
			return math.NaN(), false
		}
		sum += math.Log(v)
		n++
	}
	if n == 0 {
		return math.NaN(), false
	}

	return math.Exp(sum / float64(n)), true
}

// GeoMeanSD returns the geometric mean and the geometric standard deviation
// (exp of the sample standard deviation of the logs). NaN values are skipped.
// A single contributing value yields a geometric SD of 1.
func GeoMeanSD(values []float64) (mean, sd float64, ok bool) {
	rs := runningvariance.NewRunningStat()
	n := 0
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		if v <= 0 {
			return math.NaN(), math.NaN(), false
		}
		rs.Push(math.Log(v))
		n++
	}
	if n == 0 {
		return math.NaN(), math.NaN(), false
	}
	if n == 1 {
		return math.Exp(rs.Mean()), 1, true
	}

	return math.Exp(rs.Mean()), math.Exp(rs.StandardDeviation()), true
}
