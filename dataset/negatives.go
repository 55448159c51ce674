package dataset

import (
	"fmt"
	"sort"

	"github.com/carbocation/geomx"
)

// NegativeStat is the geometric mean and geometric SD of the negative
// control probes of one module in one segment.
type NegativeStat struct {
	GeoMean float64
	GeoSD   float64
}

// NegativeStats is keyed by segment ID, then module. It is a derived record
// and is never written back into the segment annotation.
type NegativeStats map[string]map[string]NegativeStat

// Get returns the stat for a segment and module.
func (n NegativeStats) Get(segmentID, module string) (NegativeStat, bool) {
	m, exists := n[segmentID]
	if !exists {
		return NegativeStat{}, false
	}
	s, exists := m[module]
	return s, exists
}

// Modules returns the sorted set of modules present in the stats.
func (n NegativeStats) Modules() []string {
	seen := make(map[string]struct{})
	for _, m := range n {
		for module := range m {
			seen[module] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NegativeSummary computes, for every segment and module, the geometric mean
// and geometric SD of the negative-control class probes of that module.
// Locally excluded (NaN) values do not contribute.
func NegativeSummary(t *ProbeTable) (NegativeStats, error) {
	byModule := make(map[string][]int)
	for i, p := range t.Probes {
		if p.IsNegative() {
			byModule[p.Module] = append(byModule[p.Module], i)
		}
	}
	if len(byModule) == 0 {
		return nil, fmt.Errorf("no negative control probes were found")
	}

	out := make(NegativeStats, len(t.Segments))
	values := make([]float64, 0)
	for j, s := range t.Segments {
		out[s.ID] = make(map[string]NegativeStat, len(byModule))
		for module, rows := range byModule {
			values = values[:0]
			for _, i := range rows {
				values = append(values, t.Counts[i][j])
			}
			mean, sd, ok := geomx.GeoMeanSD(values)
			if !ok {
				return nil, fmt.Errorf("segment %s module %s: negative probes have no positive counts", s.ID, module)
			}
			out[s.ID][module] = NegativeStat{GeoMean: mean, GeoSD: sd}
		}
	}

	return out, nil
}

// NegativeSummaryGenes computes the same statistics from an aggregated table,
// using the negative target rows of each module. When a module has a single
// aggregated negative target the geometric SD is taken from probeStats, which
// must then be supplied.
func NegativeSummaryGenes(g *GeneTable, probeStats NegativeStats) (NegativeStats, error) {
	byModule := make(map[string][]int)
	for i, t := range g.Targets {
		if t.Negative {
			byModule[t.Module] = append(byModule[t.Module], i)
		}
	}
	if len(byModule) == 0 {
		return nil, fmt.Errorf("no negative control targets were found")
	}

	out := make(NegativeStats, len(g.Segments))
	for j, s := range g.Segments {
		out[s.ID] = make(map[string]NegativeStat, len(byModule))
		for module, rows := range byModule {
			if len(rows) == 1 {
				ps, exists := probeStats.Get(s.ID, module)
				if !exists {
					return nil, fmt.Errorf("segment %s module %s: no probe-level negative statistics", s.ID, module)
				}
				out[s.ID][module] = ps
				continue
			}
			values := make([]float64, 0, len(rows))
			for _, i := range rows {
				values = append(values, g.Counts[i][j])
			}
			mean, sd, ok := geomx.GeoMeanSD(values)
			if !ok {
				return nil, fmt.Errorf("segment %s module %s: negative targets have no positive counts", s.ID, module)
			}
			out[s.ID][module] = NegativeStat{GeoMean: mean, GeoSD: sd}
		}
	}

	return out, nil
}
