// Package segmentqc flags segments that fail sequencing-quality or tissue-size
// thresholds. Flagging and exclusion are separate steps.
package segmentqc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/carbocation/geomx/dataset"
	"github.com/carbocation/pfx"
)

type Criterion string

const (
	LowReads      Criterion = "LowReads"
	LowTrimmed    Criterion = "LowTrimmed"
	LowStitched   Criterion = "LowStitched"
	LowAligned    Criterion = "LowAligned"
	LowSaturation Criterion = "LowSaturation"
	LowNegatives  Criterion = "LowNegatives"
	HighNTC       Criterion = "HighNTC"
	LowNuclei     Criterion = "LowNuclei"
	LowArea       Criterion = "LowArea"
)

// Criteria lists every criterion in reporting order.
var Criteria = []Criterion{
	LowReads, LowTrimmed, LowStitched, LowAligned, LowSaturation,
	LowNegatives, HighNTC, LowNuclei, LowArea,
}

type Status string

const (
	Pass    Status = "PASS"
	Warning Status = "WARNING"
)

// Config holds the segment thresholds. Every value is a minimum except
// MaxNTCCount.
type Config struct {
	MinSegmentReads   float64
	PercentTrimmed    float64
	PercentStitched   float64
	PercentAligned    float64
	PercentSaturation float64
	MinNegativeCount  float64
	MaxNTCCount       float64
	MinNuclei         float64
	MinArea           float64
}

// Result holds one segment's flags. A true flag means the segment fails that
// criterion.
type Result struct {
	SegmentID string
	Flags     map[Criterion]bool
	Status    Status
}

// Failed returns the failing criteria in reporting order.
func (r Result) Failed() []Criterion {
	var out []Criterion
	for _, c := range Criteria {
		if r.Flags[c] {
			out = append(out, c)
		}
	}
	return out
}

func (r Result) String() string {
	failed := r.Failed()
	sb := make([]string, 0, len(failed))
	for _, c := range failed {
		sb = append(sb, string(c))
	}
	return strings.Join(sb, ",")
}

// Flag evaluates every criterion for every segment. negatives must hold the
// negative-control geometric means of each segment; a segment is LowNegatives
// if any module's geometric mean is below MinNegativeCount.
func Flag(t *dataset.ProbeTable, negatives dataset.NegativeStats, cfg Config) ([]Result, error) {
	out := make([]Result, 0, len(t.Segments))

	for _, s := range t.Segments {
		modules, exists := negatives[s.ID]
		if !exists || len(modules) == 0 {
			return nil, pfx.Err(fmt.Errorf("segment %s has no negative control statistics", s.ID))
		}
		lowNegatives := false
		for _, n := range modules {
			if n.GeoMean < cfg.MinNegativeCount {
				lowNegatives = true
				break
			}
		}

		qc := s.QC
		flags := map[Criterion]bool{
			LowReads:      qc.Raw < cfg.MinSegmentReads,
			LowTrimmed:    qc.PercentTrimmed < cfg.PercentTrimmed,
			LowStitched:   qc.PercentStitched < cfg.PercentStitched,
			LowAligned:    qc.PercentAligned < cfg.PercentAligned,
			LowSaturation: qc.PercentSaturation < cfg.PercentSaturation,
			LowNegatives:  lowNegatives,
			HighNTC:       qc.NTC > cfg.MaxNTCCount,
			LowNuclei:     qc.Nuclei < cfg.MinNuclei,
			LowArea:       qc.Area < cfg.MinArea,
		}

		status := Pass
		for _, failed := range flags {
			if failed {
				status = Warning
				break
			}
		}

		out = append(out, Result{SegmentID: s.ID, Flags: flags, Status: status})
	}

	return out, nil
}

// Exclude returns a new table holding only the segments whose status is PASS.
func Exclude(t *dataset.ProbeTable, results []Result) (*dataset.ProbeTable, error) {
	status := make(map[string]Status, len(results))
	for _, r := range results {
		status[r.SegmentID] = r.Status
	}
	for _, s := range t.Segments {
		if _, exists := status[s.ID]; !exists {
			return nil, pfx.Err(fmt.Errorf("segment %s was not evaluated", s.ID))
		}
	}

	out, err := t.SubsetSegments(func(s dataset.Segment) bool {
		return status[s.ID] == Pass
	})
	if err != nil {
		return nil, fmt.Errorf("segment QC removed every segment: %w", err)
	}

	return out, nil
}

// Summary counts segments per failing criterion and per status.
type Summary struct {
	Failing map[Criterion]int
	Pass    int
	Warning int
}

func Summarize(results []Result) Summary {
	out := Summary{Failing: make(map[Criterion]int, len(Criteria))}
	for _, c := range Criteria {
		out.Failing[c] = 0
	}
	for _, r := range results {
		for c, failed := range r.Flags {
			if failed {
				out.Failing[c]++
			}
		}
		if r.Status == Pass {
			out.Pass++
		} else {
			out.Warning++
		}
	}
	return out
}

// WarningSegments returns the sorted IDs of segments that did not pass.
func WarningSegments(results []Result) []string {
	var out []string
	for _, r := range results {
		if r.Status != Pass {
			out = append(out, r.SegmentID)
		}
	}
	sort.Strings(out)
	return out
}
