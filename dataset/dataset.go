// Package dataset holds the in-memory GeoMx expression tables. Tables are
// treated as immutable snapshots: every pipeline stage returns a new table
// rather than editing the one it was given.
package dataset

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrEmpty is returned when a filtering step leaves no segments or no rows.
var ErrEmpty = errors.New("dataset: no rows or columns remain")

type CodeClass string

const (
	Endogenous CodeClass = "Endogenous"
	Negative   CodeClass = "Negative"
)

// ParseCodeClass maps the code classes found in GeoMx probe assay metadata
// onto Endogenous or Negative. NegProbe-style labels are negative controls.
func ParseCodeClass(s string) CodeClass {
	l := strings.ToLower(strings.TrimSpace(s))
	if strings.HasPrefix(l, "neg") {
		return Negative
	}
	return Endogenous
}

// QCMetrics are the sequencing and tissue metrics reported per segment.
type QCMetrics struct {
	Raw               float64
	PercentTrimmed    float64
	PercentStitched   float64
	PercentAligned    float64
	PercentSaturation float64
	NTC               float64
	Nuclei            float64
	Area              float64
}

// Segment is one area of illumination.
type Segment struct {
	ID     string
	Slide  string
	Region string // zone label, e.g. "zone 1"
	Class  string // disease class, e.g. "I/R" or "sham"
	QC     QCMetrics

	// Extra holds annotation columns that the pipeline does not interpret.
	Extra map[string]string
}

// Field returns the named annotation attribute. The well-known names map onto
// the typed fields; anything else is looked up in Extra.
func (s Segment) Field(name string) string {
	switch strings.ToLower(name) {
	case "segmentid", "id":
		return s.ID
	case "slidename", "slide":
		return s.Slide
	case "region", "zone":
		return s.Region
	case "class":
		return s.Class
	}
	return s.Extra[name]
}

type Probe struct {
	ID        string
	Target    string
	Module    string
	CodeClass CodeClass
}

func (p Probe) IsNegative() bool {
	return p.CodeClass == Negative
}

// ProbeTable holds probe x segment counts. Counts[i][j] is the count of
// Probes[i] in Segments[j]; NaN marks a value that was locally excluded.
type ProbeTable struct {
	Segments []Segment
	Probes   []Probe
	Counts   [][]float64
}

// Validate checks the table shape and count values.
func (t *ProbeTable) Validate() error {
	if len(t.Segments) == 0 || len(t.Probes) == 0 {
		return fmt.Errorf("probe table has %d probes and %d segments: %w", len(t.Probes), len(t.Segments), ErrEmpty)
	}
	if len(t.Counts) != len(t.Probes) {
		return fmt.Errorf("probe table has %d probes but %d count rows", len(t.Probes), len(t.Counts))
	}

	seen := make(map[string]struct{}, len(t.Segments))
	for _, s := range t.Segments {
		if _, exists := seen[s.ID]; exists {
			return fmt.Errorf("segment %s appears more than once", s.ID)
		}
		seen[s.ID] = struct{}{}
	}

	for i, row := range t.Counts {
		if len(row) != len(t.Segments) {
			return fmt.Errorf("probe %s has %d counts for %d segments", t.Probes[i].ID, len(row), len(t.Segments))
		}
		for j, v := range row {
			if math.IsNaN(v) {
				continue
			}
			if math.IsInf(v, 0) || v < 0 {
				return fmt.Errorf("probe %s, segment %s: invalid count %v", t.Probes[i].ID, t.Segments[j].ID, v)
			}
		}
	}

	return nil
}

// Clone returns a deep copy of the table.
func (t *ProbeTable) Clone() *ProbeTable {
	out := &ProbeTable{
		Segments: append([]Segment(nil), t.Segments...),
		Probes:   append([]Probe(nil), t.Probes...),
		Counts:   copyMatrix(t.Counts),
	}
	return out
}

// TargetIndex maps each target name to the row indices of its probes, in
// table order.
func (t *ProbeTable) TargetIndex() (names []string, rows map[string][]int) {
	rows = make(map[string][]int)
	for i, p := range t.Probes {
		if _, exists := rows[p.Target]; !exists {
			names = append(names, p.Target)
		}
		rows[p.Target] = append(rows[p.Target], i)
	}
	return names, rows
}

// SubsetSegments returns a new table restricted to the segments for which
// keep returns true, preserving their order.
func (t *ProbeTable) SubsetSegments(keep func(Segment) bool) (*ProbeTable, error) {
	cols := make([]int, 0, len(t.Segments))
	for j, s := range t.Segments {
		if keep(s) {
			cols = append(cols, j)
		}
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("segment subset: %w", ErrEmpty)
	}

	out := &ProbeTable{
		Segments: make([]Segment, len(cols)),
		Probes:   append([]Probe(nil), t.Probes...),
		Counts:   make([][]float64, len(t.Counts)),
	}
	for k, j := range cols {
		out.Segments[k] = t.Segments[j]
	}
	for i, row := range t.Counts {
		out.Counts[i] = make([]float64, len(cols))
		for k, j := range cols {
			out.Counts[i][k] = row[j]
		}
	}

	return out, nil
}

// SubsetProbes returns a new table restricted to the probes for which keep
// returns true.
func (t *ProbeTable) SubsetProbes(keep func(Probe) bool) (*ProbeTable, error) {
	out := &ProbeTable{
		Segments: append([]Segment(nil), t.Segments...),
	}
	for i, p := range t.Probes {
		if !keep(p) {
			continue
		}
		out.Probes = append(out.Probes, p)
		out.Counts = append(out.Counts, append([]float64(nil), t.Counts[i]...))
	}
	if len(out.Probes) == 0 {
		return nil, fmt.Errorf("probe subset: %w", ErrEmpty)
	}

	return out, nil
}

// ShiftCountsOne replaces zero counts by one so that every count has a
// finite logarithm. NaN values are left alone.
func ShiftCountsOne(t *ProbeTable) *ProbeTable {
	out := t.Clone()
	for _, row := range out.Counts {
		for j, v := range row {
			if v == 0 {
				row[j] = 1
			}
		}
	}
	return out
}

func copyMatrix(m [][]float64) [][]float64 {
	out := make([][]float64, len(m))
	for i, row := range m {
		out[i] = append([]float64(nil), row...)
	}
	return out
}
