// Package probeqc flags probes whose counts disagree with the other probes of
// the same target, removes them globally, and nulls local outliers.
package probeqc

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/carbocation/geomx"
	"github.com/carbocation/geomx/dataset"
	"github.com/carbocation/pfx"
)

// ErrOrphanedTarget means probe removal would leave a target without any probe.
var ErrOrphanedTarget = errors.New("probeqc: target would lose every probe")

type Config struct {
	MinProbeRatio      float64
	PercentFailGrubbs  float64
	GrubbsAlpha        float64
	MinProbesForGrubbs int

	// Strict makes an orphaned target an error instead of retaining its
	// least-outlying probe.
	Strict bool
}

// ProbeFlag records the QC outcome of one probe.
type ProbeFlag struct {
	ProbeID string
	Target  string

	Ratio    float64
	LowRatio bool

	OutlierSegments []string
	OutlierFraction float64
	GlobalOutlier   bool

	Removed bool

	// Retained is set when the probe would have been removed but was kept so
	// that its target still has a probe.
	Retained bool
}

// LocalOutlier reports whether the probe stays but has nulled segments.
func (p ProbeFlag) LocalOutlier() bool {
	return !p.Removed && !p.Retained && len(p.OutlierSegments) > 0
}

// Run computes the ratio and outlier flags of every probe, then returns a new
// table without the removed probes and with local outliers set to NaN. Counts
// must be positive (see dataset.ShiftCountsOne).
func Run(t *dataset.ProbeTable, cfg Config) (*dataset.ProbeTable, []ProbeFlag, error) {
	if cfg.MinProbesForGrubbs < 3 {
		cfg.MinProbesForGrubbs = 3
	}

	for i, row := range t.Counts {
		for j, v := range row {
			if v <= 0 {
				return nil, nil, pfx.Err(fmt.Errorf("probe %s, segment %s: count %v is not positive; shift zero counts before probe QC", t.Probes[i].ID, t.Segments[j].ID, v))
			}
		}
	}

	targets, rows := t.TargetIndex()
	flags := make([]ProbeFlag, len(t.Probes))
	for i, p := range t.Probes {
		flags[i] = ProbeFlag{ProbeID: p.ID, Target: p.Target}
	}

	// outliers[i][j] is true when probe i is rejected in segment j
	outliers := make([][]bool, len(t.Probes))
	for i := range outliers {
		outliers[i] = make([]bool, len(t.Segments))
	}

	for _, target := range targets {
		members := rows[target]

		if err := ratios(t, members, flags, cfg.MinProbeRatio); err != nil {
			return nil, nil, pfx.Err(fmt.Errorf("target %s: %w", target, err))
		}

		if len(members) < cfg.MinProbesForGrubbs {
			continue
		}
		logs := make([]float64, len(members))
		for j := range t.Segments {
			for k, i := range members {
				logs[k] = math.Log10(t.Counts[i][j])
			}
			for _, k := range GrubbsOutliers(logs, cfg.GrubbsAlpha) {
				outliers[members[k]][j] = true
			}
		}
	}

	nSeg := float64(len(t.Segments))
	for i := range flags {
		for j, s := range t.Segments {
			if outliers[i][j] {
				flags[i].OutlierSegments = append(flags[i].OutlierSegments, s.ID)
			}
		}
		flags[i].OutlierFraction = float64(len(flags[i].OutlierSegments)) / nSeg
		flags[i].GlobalOutlier = flags[i].OutlierFraction*100 >= cfg.PercentFailGrubbs && len(flags[i].OutlierSegments) > 0
		flags[i].Removed = flags[i].LowRatio || flags[i].GlobalOutlier
	}

	for _, target := range targets {
		if err := clamp(rows[target], flags, cfg.Strict); err != nil {
			return nil, nil, err
		}
	}

	out := t.Clone()
	for i, f := range flags {
		if !f.LocalOutlier() {
			continue
		}
		for j := range t.Segments {
			if outliers[i][j] {
				out.Counts[i][j] = math.NaN()
			}
		}
	}
	restoreEmptyCells(t, out, rows, flags)

	kept := make([]dataset.Probe, 0, len(out.Probes))
	keptCounts := make([][]float64, 0, len(out.Counts))
	for i, f := range flags {
		if f.Removed {
			continue
		}
		kept = append(kept, out.Probes[i])
		keptCounts = append(keptCounts, out.Counts[i])
	}
	out.Probes, out.Counts = kept, keptCounts

	if err := CheckEveryTargetHasProbe(t, out); err != nil {
		return nil, nil, err
	}

	return out, flags, nil
}

func ratios(t *dataset.ProbeTable, members []int, flags []ProbeFlag, minRatio float64) error {
	all := make([]float64, 0, len(members)*len(t.Segments))
	for _, i := range members {
		all = append(all, t.Counts[i]...)
	}
	targetMean, ok := geomx.GeoMean(all)
	if !ok {
		return fmt.Errorf("no counts to compute the target geometric mean")
	}

	for _, i := range members {
		probeMean, ok := geomx.GeoMean(t.Counts[i])
		if !ok {
			return fmt.Errorf("probe %s has no counts", t.Probes[i].ID)
		}
		flags[i].Ratio = probeMean / targetMean
		flags[i].LowRatio = flags[i].Ratio < minRatio
	}

	return nil
}

// clamp keeps the least-outlying probe of a target whose probes would all be
// removed: lowest outlier fraction, then highest ratio, then lowest probe ID.
func clamp(members []int, flags []ProbeFlag, strict bool) error {
	for _, i := range members {
		if !flags[i].Removed {
			return nil
		}
	}

	target := flags[members[0]].Target
	if strict {
		return fmt.Errorf("target %s (%d probes): %w", target, len(members), ErrOrphanedTarget)
	}

	candidates := append([]int(nil), members...)
	sort.Slice(candidates, func(a, b int) bool {
		fa, fb := flags[candidates[a]], flags[candidates[b]]
		if fa.OutlierFraction != fb.OutlierFraction {
			return fa.OutlierFraction < fb.OutlierFraction
		}
		if fa.Ratio != fb.Ratio {
			return fa.Ratio > fb.Ratio
		}
		return fa.ProbeID < fb.ProbeID
	})

	best := candidates[0]
	flags[best].Removed = false
	flags[best].Retained = true

	return nil
}

// restoreEmptyCells undoes local nulling for any (target, segment) in which no
// kept probe would otherwise contribute a value.
func restoreEmptyCells(orig, out *dataset.ProbeTable, rows map[string][]int, flags []ProbeFlag) {
	for _, members := range rows {
		for j := range orig.Segments {
			hasValue := false
			for _, i := range members {
				if !flags[i].Removed && !math.IsNaN(out.Counts[i][j]) {
					hasValue = true
					break
				}
			}
			if hasValue {
				continue
			}
			for _, i := range members {
				if !flags[i].Removed {
					out.Counts[i][j] = orig.Counts[i][j]
				}
			}
		}
	}
}

// CheckEveryTargetHasProbe asserts that every target of before still has at
// least one probe in after.
func CheckEveryTargetHasProbe(before, after *dataset.ProbeTable) error {
	have := make(map[string]struct{}, len(after.Probes))
	for _, p := range after.Probes {
		have[p.Target] = struct{}{}
	}
	for _, p := range before.Probes {
		if _, exists := have[p.Target]; !exists {
			return fmt.Errorf("target %s: %w", p.Target, ErrOrphanedTarget)
		}
	}
	return nil
}

// Summary counts probes per outcome.
type Summary struct {
	Probes        int
	LowRatio      int
	GlobalOutlier int
	LocalOutlier  int
	Removed       int
	Retained      int
}

func Summarize(flags []ProbeFlag) Summary {
	out := Summary{Probes: len(flags)}
	for _, f := range flags {
		if f.LowRatio {
			out.LowRatio++
		}
		if f.GlobalOutlier {
			out.GlobalOutlier++
		}
		if f.LocalOutlier() {
			out.LocalOutlier++
		}
		if f.Removed {
			out.Removed++
		}
		if f.Retained {
			out.Retained++
		}
	}
	return out
}
