// Package loq computes the per-segment, per-module limit of quantification
// and filters segments and genes by their detection rates.
package loq

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/carbocation/geomx/dataset"
	"github.com/carbocation/pfx"
)

// ErrInvalidLOQ means an LOQ came out non-positive or non-finite.
var ErrInvalidLOQ = errors.New("loq: limit of quantification is not a positive finite number")

type Config struct {
	CutoffSD    float64
	MinLOQ      float64
	SegmentRate float64
	GeneRate    float64

	// Whitelist names targets that are kept regardless of detection rate.
	Whitelist []string
}

// Table maps segment ID, then module, to the LOQ.
type Table map[string]map[string]float64

func (l Table) Get(segmentID, module string) (float64, bool) {
	m, exists := l[segmentID]
	if !exists {
		return 0, false
	}
	v, exists := m[module]
	return v, exists
}

// Compute returns max(MinLOQ, geomean * geoSD^CutoffSD) for every segment and
// module in negatives.
func Compute(negatives dataset.NegativeStats, cfg Config) (Table, error) {
	out := make(Table, len(negatives))
	for seg, modules := range negatives {
		out[seg] = make(map[string]float64, len(modules))
		for module, n := range modules {
			v := math.Max(cfg.MinLOQ, n.GeoMean*math.Pow(n.GeoSD, cfg.CutoffSD))
			if !(v > 0) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("segment %s module %s (geomean %v, geoSD %v): %w", seg, module, n.GeoMean, n.GeoSD, ErrInvalidLOQ)
			}
			out[seg][module] = v
		}
	}
	return out, nil
}

// Detect returns detected[gene][segment], true iff the raw count is strictly
// above the LOQ of the gene's module in that segment.
func Detect(g *dataset.GeneTable, loqs Table) ([][]bool, error) {
	out := make([][]bool, len(g.Targets))
	for i, t := range g.Targets {
		out[i] = make([]bool, len(g.Segments))
		for j, s := range g.Segments {
			limit, exists := loqs.Get(s.ID, t.Module)
			if !exists {
				return nil, pfx.Err(fmt.Errorf("no LOQ for segment %s module %s", s.ID, t.Module))
			}
			out[i][j] = g.Counts[i][j] > limit
		}
	}
	return out, nil
}

type SegmentDetection struct {
	SegmentID string
	Detected  int
	Total     int
	Rate      float64
	Kept      bool
}

type GeneDetection struct {
	Target      string
	Module      string
	Detected    int
	Total       int
	Rate        float64
	Negative    bool
	Whitelisted bool
	Kept        bool
}

// Result holds the derived LOQ and detection records. Segments covers every
// input segment; Genes covers every target, with rates computed over the
// retained segments only.
type Result struct {
	LOQ      Table
	Segments []SegmentDetection
	Genes    []GeneDetection
}

// Filter computes the LOQ and the detection matrix, drops segments whose
// gene detection rate is below SegmentRate, then, on the remaining segments,
// drops genes whose detection rate is below GeneRate unless they are negative
// controls or whitelisted.
func Filter(g *dataset.GeneTable, negatives dataset.NegativeStats, cfg Config) (*dataset.GeneTable, Result, error) {
	var res Result

	loqs, err := Compute(negatives, cfg)
	if err != nil {
		return nil, res, err
	}
	res.LOQ = loqs

	detected, err := Detect(g, loqs)
	if err != nil {
		return nil, res, err
	}

	// The segment denominator is every target, negatives included.
	var cols []int
	for j, s := range g.Segments {
		n := 0
		for i := range g.Targets {
			if detected[i][j] {
				n++
			}
		}
		d := SegmentDetection{
			SegmentID: s.ID,
			Detected:  n,
			Total:     len(g.Targets),
			Rate:      float64(n) / float64(len(g.Targets)),
		}
		d.Kept = d.Rate >= cfg.SegmentRate
		if d.Kept {
			cols = append(cols, j)
		}
		res.Segments = append(res.Segments, d)
	}
	if len(cols) == 0 {
		return nil, res, fmt.Errorf("every segment is below the gene detection rate of %v: %w", cfg.SegmentRate, dataset.ErrEmpty)
	}

	whitelist := make(map[string]struct{}, len(cfg.Whitelist))
	for _, w := range cfg.Whitelist {
		whitelist[w] = struct{}{}
	}

	var rows []int
	for i, t := range g.Targets {
		n := 0
		for _, j := range cols {
			if detected[i][j] {
				n++
			}
		}
		_, white := whitelist[t.Name]
		d := GeneDetection{
			Target:      t.Name,
			Module:      t.Module,
			Detected:    n,
			Total:       len(cols),
			Rate:        float64(n) / float64(len(cols)),
			Negative:    t.Negative,
			Whitelisted: white,
		}
		d.Kept = d.Rate >= cfg.GeneRate || d.Negative || d.Whitelisted
		if d.Kept {
			rows = append(rows, i)
		}
		res.Genes = append(res.Genes, d)
	}
	if len(rows) == 0 {
		return nil, res, fmt.Errorf("every gene is below the detection rate of %v: %w", cfg.GeneRate, dataset.ErrEmpty)
	}

	out, err := g.Subset(rows, cols)
	if err != nil {
		return nil, res, err
	}

	return out, res, nil
}

// Bin is the number of genes detected in at least Cutoff of the segments.
type Bin struct {
	Cutoff float64
	Genes  int
}

var DefaultBins = []float64{0.01, 0.05, 0.1, 0.2, 0.3, 0.5}

func Bins(genes []GeneDetection, cutoffs []float64) []Bin {
	cutoffs = append([]float64(nil), cutoffs...)
	sort.Float64s(cutoffs)

	out := make([]Bin, 0, len(cutoffs))
	for _, c := range cutoffs {
		b := Bin{Cutoff: c}
		for _, g := range genes {
			if !g.Negative && g.Rate >= c {
				b.Genes++
			}
		}
		out = append(out, b)
	}
	return out
}
