// Package aggregate collapses probe counts to one value per target and
// segment.
package aggregate

import (
	"errors"
	"fmt"

	"github.com/carbocation/geomx"
	"github.com/carbocation/geomx/dataset"
	"github.com/carbocation/pfx"
)

// ErrNoContributingProbe means a (target, segment) had no non-excluded probe
// value.
var ErrNoContributingProbe = errors.New("aggregate: no probe value contributes to a target")

// Probes returns the gene table whose value for each (target, segment) is the
// geometric mean of the target's non-NaN probe values in that segment. Target
// rows follow the first appearance of each target; segments are unchanged.
func Probes(t *dataset.ProbeTable) (*dataset.GeneTable, error) {
	if err := t.Validate(); err != nil {
		return nil, pfx.Err(err)
	}

	names, rows := t.TargetIndex()
	out := &dataset.GeneTable{
		Segments: append([]dataset.Segment(nil), t.Segments...),
		Targets:  make([]dataset.Target, 0, len(names)),
		Counts:   make([][]float64, 0, len(names)),
	}

	values := make([]float64, 0)
	for _, name := range names {
		members := rows[name]

		first := t.Probes[members[0]]
		target := dataset.Target{
			Name:       name,
			Module:     first.Module,
			Negative:   first.IsNegative(),
			ProbeCount: len(members),
		}
		for _, i := range members[1:] {
			if p := t.Probes[i]; p.Module != first.Module {
				return nil, pfx.Err(fmt.Errorf("target %s has probes in modules %s and %s", name, first.Module, p.Module))
			}
		}

		row := make([]float64, len(t.Segments))
		for j, s := range t.Segments {
			values = values[:0]
			for _, i := range members {
				values = append(values, t.Counts[i][j])
			}
			v, ok := geomx.GeoMean(values)
			if !ok {
				return nil, fmt.Errorf("target %s, segment %s: %w", name, s.ID, ErrNoContributingProbe)
			}
			row[j] = v
		}

		out.Targets = append(out.Targets, target)
		out.Counts = append(out.Counts, row)
	}

	return out, nil
}
