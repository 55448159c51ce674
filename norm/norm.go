// Package norm computes per-segment scale factors and writes normalized
// layers next to the raw counts.
package norm

import (
	"fmt"
	"math"
	"sort"

	"github.com/carbocation/geomx"
	"github.com/carbocation/geomx/dataset"
	"github.com/carbocation/pfx"
	"gonum.org/v1/gonum/floats"
)

type Method string

const (
	QuantileMethod   Method = "quantile"
	BackgroundMethod Method = "background"
)

// Factors are the scale factors of one method. For the quantile method every
// module shares the same scale; for the background method each module has its
// own.
type Factors struct {
	Method     Method
	Layer      string
	SegmentIDs []string

	// Stat is the per-segment statistic the scale was derived from (the
	// quantile, or the negative geometric mean per module), and Reference is
	// its geometric mean over segments.
	Stat      map[string][]float64
	Reference map[string]float64
	Scale     map[string][]float64
}

// allModules is the Stat/Scale key used when every module shares a factor.
const allModules = "*"

// ScaleFor returns the multiplier applied to a gene of the module in segment
// j.
func (f Factors) ScaleFor(module string, j int) (float64, error) {
	if s, exists := f.Scale[allModules]; exists {
		return s[j], nil
	}
	s, exists := f.Scale[module]
	if !exists {
		return 0, fmt.Errorf("no %s scale factor for module %s", f.Method, module)
	}
	return s[j], nil
}

// Modules returns the sorted factor keys.
func (f Factors) Modules() []string {
	out := make([]string, 0, len(f.Scale))
	for k := range f.Scale {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Quantile normalizes each segment by the p-th quantile (R type 7) of its
// raw counts over the non-negative targets, relative to the geometric mean of
// those quantiles. The result is stored in the q_norm layer.
func Quantile(g *dataset.GeneTable, p float64) (*dataset.GeneTable, Factors, error) {
	f := Factors{
		Method:     QuantileMethod,
		Layer:      dataset.LayerQuantile,
		SegmentIDs: segmentIDs(g),
		Stat:       map[string][]float64{allModules: make([]float64, len(g.Segments))},
		Reference:  make(map[string]float64),
		Scale:      map[string][]float64{allModules: make([]float64, len(g.Segments))},
	}

	values := make([]float64, 0, len(g.Targets))
	for j, s := range g.Segments {
		values = values[:0]
		// negative control targets do not enter the quantile
		for i, t := range g.Targets {
			if !t.Negative {
				values = append(values, g.Counts[i][j])
			}
		}
		if len(values) == 0 {
			return nil, f, pfx.Err(fmt.Errorf("segment %s has no endogenous targets", s.ID))
		}
		sort.Float64s(values)
		q := QuantileR7(values, p)
		if !(q > 0) {
			return nil, f, pfx.Err(fmt.Errorf("segment %s: quantile %v of counts is %v; cannot scale", s.ID, p, q))
		}
		f.Stat[allModules][j] = q
	}

	if err := f.center(allModules); err != nil {
		return nil, f, err
	}

	out, err := apply(g, f)
	return out, f, err
}

// Background normalizes each module's genes in each segment by the segment's
// negative-control geometric mean for that module, relative to its geometric
// mean over segments. The result is stored in the neg_norm layer.
func Background(g *dataset.GeneTable, negatives dataset.NegativeStats) (*dataset.GeneTable, Factors, error) {
	f := Factors{
		Method:     BackgroundMethod,
		Layer:      dataset.LayerNegative,
		SegmentIDs: segmentIDs(g),
		Stat:       make(map[string][]float64),
		Reference:  make(map[string]float64),
		Scale:      make(map[string][]float64),
	}

	for _, module := range g.Modules() {
		stat := make([]float64, len(g.Segments))
		for j, s := range g.Segments {
			n, exists := negatives.Get(s.ID, module)
			if !exists {
				return nil, f, pfx.Err(fmt.Errorf("segment %s has no negative controls for module %s", s.ID, module))
			}
			if !(n.GeoMean > 0) {
				return nil, f, pfx.Err(fmt.Errorf("segment %s module %s: negative geometric mean is %v; cannot scale", s.ID, module, n.GeoMean))
			}
			stat[j] = n.GeoMean
		}
		f.Stat[module] = stat
		f.Scale[module] = make([]float64, len(g.Segments))
		if err := f.center(module); err != nil {
			return nil, f, err
		}
	}

	out, err := apply(g, f)
	return out, f, err
}

func (f Factors) center(key string) error {
	ref, ok := geomx.GeoMean(f.Stat[key])
	if !ok {
		return pfx.Err(fmt.Errorf("%s normalization: no reference for %s", f.Method, key))
	}
	f.Reference[key] = ref
	scale := f.Scale[key]
	for j, v := range f.Stat[key] {
		scale[j] = ref / v
	}
	if floats.HasNaN(scale) {
		return pfx.Err(fmt.Errorf("%s normalization: non-finite scale factor", f.Method))
	}
	return nil
}

func apply(g *dataset.GeneTable, f Factors) (*dataset.GeneTable, error) {
	layer := make([][]float64, len(g.Targets))
	for i, t := range g.Targets {
		layer[i] = make([]float64, len(g.Segments))
		for j := range g.Segments {
			s, err := f.ScaleFor(t.Module, j)
			if err != nil {
				return nil, pfx.Err(err)
			}
			layer[i][j] = g.Counts[i][j] * s
		}
	}
	return g.WithLayer(f.Layer, layer)
}

// Denormalize divides the method's layer by its scale factors, recovering the
// raw counts.
func Denormalize(g *dataset.GeneTable, f Factors) ([][]float64, error) {
	layer, err := g.Layer(f.Layer)
	if err != nil {
		return nil, pfx.Err(err)
	}
	if len(f.SegmentIDs) != len(g.Segments) {
		return nil, pfx.Err(fmt.Errorf("factors cover %d segments, table has %d", len(f.SegmentIDs), len(g.Segments)))
	}
	for j, s := range g.Segments {
		if f.SegmentIDs[j] != s.ID {
			return nil, pfx.Err(fmt.Errorf("factor segment %s does not match table segment %s", f.SegmentIDs[j], s.ID))
		}
	}

	out := make([][]float64, len(layer))
	for i, t := range g.Targets {
		out[i] = make([]float64, len(g.Segments))
		for j := range g.Segments {
			s, err := f.ScaleFor(t.Module, j)
			if err != nil {
				return nil, pfx.Err(err)
			}
			out[i][j] = layer[i][j] / s
		}
	}
	return out, nil
}

// QuantileR7 returns the p-th quantile of sorted data by linear interpolation
// between order statistics (R's default type 7).
func QuantileR7(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	h := float64(n-1) * p
	lo := math.Floor(h)
	i := int(lo)
	if i+1 >= n {
		return sorted[n-1]
	}
	return sorted[i] + (h-lo)*(sorted[i+1]-sorted[i])
}

func segmentIDs(g *dataset.GeneTable) []string {
	out := make([]string, len(g.Segments))
	for j, s := range g.Segments {
		out[j] = s.ID
	}
	return out
}
