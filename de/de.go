// Package de runs per-gene mixed model differential expression within each
// stratum of segments and corrects p-values within each stratum.
package de

import (
	"fmt"
	"log"
	"math"
	"runtime"
	"sort"

	"github.com/carbocation/geomx/dataset"
	"github.com/carbocation/geomx/lmm"
	"github.com/carbocation/pfx"
	"gonum.org/v1/gonum/mat"
)

type Config struct {
	// Layer is the normalized layer to model on the log2 scale.
	Layer string

	StratumField string
	ClassField   string
	GroupField   string

	// Levels orders the class levels; contrasts are Levels[i] - Levels[j] for
	// i < j. Empty means the sorted distinct classes.
	Levels []string

	// Workers bounds concurrent fits. Zero means runtime.NumCPU().
	Workers int
}

// Row is one (gene, stratum, contrast) result. A failed fit leaves the
// numeric fields NaN and sets Error.
type Row struct {
	Gene     string
	Stratum  string
	Contrast string

	Estimate float64
	SE       float64
	DF       float64
	T        float64
	PValue   float64
	FDR      float64

	Error string
}

func (r Row) Missing() bool {
	return r.Error != ""
}

type contrast struct {
	label string
	a, b  string
}

// Contrasts returns the labels of all pairwise contrasts in level order.
func Contrasts(levels []string) []string {
	out := make([]string, 0)
	for _, c := range pairwise(levels) {
		out = append(out, c.label)
	}
	return out
}

func pairwise(levels []string) []contrast {
	var out []contrast
	for i := 0; i < len(levels); i++ {
		for j := i + 1; j < len(levels); j++ {
			out = append(out, contrast{label: levels[i] + " - " + levels[j], a: levels[i], b: levels[j]})
		}
	}
	return out
}

type job struct {
	gene    int
	stratum string
	cols    []int
}

// Run fits log2(layer) ~ class + (1 | group) for every gene in every stratum.
// Rows are sorted by gene, then stratum, then contrast order. A fit failure
// only affects that gene's rows.
func Run(g *dataset.GeneTable, cfg Config) ([]Row, error) {
	layer, err := g.Layer(cfg.Layer)
	if err != nil {
		return nil, pfx.Err(err)
	}

	levels := cfg.Levels
	if len(levels) == 0 {
		seen := make(map[string]struct{})
		for _, s := range g.Segments {
			c := s.Field(cfg.ClassField)
			if _, exists := seen[c]; !exists && c != "" {
				seen[c] = struct{}{}
				levels = append(levels, c)
			}
		}
		sort.Strings(levels)
	}
	if len(levels) < 2 {
		return nil, pfx.Err(fmt.Errorf("need at least two levels of %s, found %v", cfg.ClassField, levels))
	}
	contrasts := pairwise(levels)

	strata, byStratum, err := Strata(g, cfg.StratumField)
	if err != nil {
		return nil, err
	}

	outside := OutsideLevels(g, byStratum, levels, cfg.ClassField)
	for _, s := range strata {
		if n := outside[s]; n > 0 {
			log.Printf("Stratum %s: ignoring %d segments whose %s is not one of %v\n", s, n, cfg.ClassField, levels)
		}
	}

	jobs := make([]job, 0, len(g.Targets)*len(strata))
	for i := range g.Targets {
		for _, s := range strata {
			jobs = append(jobs, job{gene: i, stratum: s, cols: byStratum[s]})
		}
	}

	concurrency := cfg.Workers
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	sem := make(chan bool, concurrency)

	results := make([][]Row, len(jobs))
	for k, jb := range jobs {
		sem <- true
		go func(k int, jb job) {
			results[k] = fitOne(g, layer, jb, levels, contrasts, cfg)
			<-sem
		}(k, jb)

		if (k+1)%10000 == 0 {
			log.Printf("Queued %d of %d gene x stratum fits\n", k+1, len(jobs))
		}
	}
	for i := 0; i < cap(sem); i++ {
		sem <- true
	}

	rows := make([]Row, 0, len(jobs)*len(contrasts))
	for _, r := range results {
		rows = append(rows, r...)
	}

	// FDR is corrected within each stratum over all of its genes and
	// contrasts.
	for _, s := range strata {
		var idx []int
		var pvals []float64
		for k, r := range rows {
			if r.Stratum == s {
				idx = append(idx, k)
				pvals = append(pvals, r.PValue)
			}
		}
		for k, q := range BenjaminiHochberg(pvals) {
			rows[idx[k]].FDR = q
		}
	}

	contrastOrder := make(map[string]int, len(contrasts))
	for k, c := range contrasts {
		contrastOrder[c.label] = k
	}
	sort.SliceStable(rows, func(a, b int) bool {
		ra, rb := rows[a], rows[b]
		if ra.Gene != rb.Gene {
			return ra.Gene < rb.Gene
		}
		if ra.Stratum != rb.Stratum {
			return ra.Stratum < rb.Stratum
		}
		return contrastOrder[ra.Contrast] < contrastOrder[rb.Contrast]
	})

	return rows, nil
}

// OutsideLevels counts, per stratum, the segments whose class is not one of
// levels. Those segments are left out of every fit.
func OutsideLevels(g *dataset.GeneTable, byStratum map[string][]int, levels []string, classField string) map[string]int {
	known := make(map[string]struct{}, len(levels))
	for _, l := range levels {
		known[l] = struct{}{}
	}

	out := make(map[string]int)
	for stratum, cols := range byStratum {
		for _, j := range cols {
			if _, exists := known[g.Segments[j].Field(classField)]; !exists {
				out[stratum]++
			}
		}
	}
	return out
}

// Strata groups segment columns by the stratum field, returning sorted
// stratum names.
func Strata(g *dataset.GeneTable, field string) ([]string, map[string][]int, error) {
	byStratum := make(map[string][]int)
	for j, s := range g.Segments {
		v := s.Field(field)
		if v == "" {
			return nil, nil, pfx.Err(fmt.Errorf("segment %s has no value for %s", s.ID, field))
		}
		byStratum[v] = append(byStratum[v], j)
	}
	strata := make([]string, 0, len(byStratum))
	for s := range byStratum {
		strata = append(strata, s)
	}
	sort.Strings(strata)
	return strata, byStratum, nil
}

func fitOne(g *dataset.GeneTable, layer [][]float64, jb job, levels []string, contrasts []contrast, cfg Config) []Row {
	gene := g.Targets[jb.gene].Name
	out := make([]Row, len(contrasts))
	for k, c := range contrasts {
		out[k] = Row{
			Gene:     gene,
			Stratum:  jb.stratum,
			Contrast: c.label,
			Estimate: math.NaN(),
			SE:       math.NaN(),
			DF:       math.NaN(),
			T:        math.NaN(),
			PValue:   math.NaN(),
			FDR:      math.NaN(),
		}
	}
	fail := func(k int, err error) {
		out[k].Error = err.Error()
	}

	levelIndex := make(map[string]int, len(levels))
	for k, l := range levels {
		levelIndex[l] = k
	}

	var y []float64
	var classes []int
	var groups []string
	present := make([]int, len(levels))
	for _, j := range jb.cols {
		s := g.Segments[j]
		k, exists := levelIndex[s.Field(cfg.ClassField)]
		if !exists {
			continue
		}
		v := layer[jb.gene][j]
		if !(v > 0) || math.IsInf(v, 0) {
			for c := range out {
				fail(c, fmt.Errorf("segment %s has expression %v, which has no log2", s.ID, v))
			}
			return out
		}
		y = append(y, math.Log2(v))
		classes = append(classes, k)
		groups = append(groups, s.Field(cfg.GroupField))
		present[k]++
	}

	// Absent levels are dropped from the design; only contrasts that involve
	// them fail. The first present level is the reference.
	column := make([]int, len(levels))
	p := 1
	ref := -1
	for k := range levels {
		column[k] = -1
		if present[k] == 0 {
			continue
		}
		if ref < 0 {
			ref = k
			continue
		}
		column[k] = p
		p++
	}
	if p < 2 {
		for c := range out {
			fail(c, fmt.Errorf("fewer than two class levels are present in %s", jb.stratum))
		}
		return out
	}

	x := mat.NewDense(len(y), p, nil)
	for i, k := range classes {
		x.Set(i, 0, 1)
		if column[k] > 0 {
			x.Set(i, column[k], 1)
		}
	}

	fit, err := lmm.FitREML(y, x, groups)
	if err != nil {
		for c := range out {
			fail(c, err)
		}
		return out
	}

	for k, c := range contrasts {
		ia, ib := levelIndex[c.a], levelIndex[c.b]
		if present[ia] == 0 || present[ib] == 0 {
			fail(k, fmt.Errorf("class level absent in %s", jb.stratum))
			continue
		}

		vec := make([]float64, p)
		if column[ia] > 0 {
			vec[column[ia]] += 1
		}
		if column[ib] > 0 {
			vec[column[ib]] -= 1
		}

		res, err := fit.Test(vec)
		if err != nil {
			fail(k, err)
			continue
		}
		out[k].Estimate = res.Estimate
		out[k].SE = res.SE
		out[k].DF = res.DF
		out[k].T = res.T
		out[k].PValue = res.P
	}

	return out
}
