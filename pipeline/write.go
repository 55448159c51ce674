package pipeline

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"

	"github.com/carbocation/geomx/compileinfo"
	"github.com/carbocation/geomx/dataset"
	"github.com/carbocation/geomx/results"
	"github.com/carbocation/pfx"
)

// Summary is the run record written next to the result tables.
type Summary struct {
	Provenance compileinfo.CompileInfo `json:"provenance"`

	InputProbes   int `json:"input_probes"`
	InputSegments int `json:"input_segments"`

	SegmentsPass    int `json:"segments_pass"`
	SegmentsWarning int `json:"segments_warning"`

	ProbesRemoved  int `json:"probes_removed"`
	ProbesRetained int `json:"probes_retained"`

	Targets          int `json:"targets"`
	FilteredTargets  int `json:"filtered_targets"`
	FilteredSegments int `json:"filtered_segments"`
	DERows           int `json:"de_rows"`
	DEFailed         int `json:"de_failed"`
	DeconCellTypes   int `json:"decon_cell_types,omitempty"`
	ReverseFailed    int `json:"reverse_failed,omitempty"`
}

func (o *Outcome) Summary() Summary {
	s := Summary{
		Provenance:       o.Provenance,
		InputProbes:      len(o.Shifted.Probes),
		InputSegments:    len(o.Shifted.Segments),
		SegmentsPass:     o.SegmentQCSummary.Pass,
		SegmentsWarning:  o.SegmentQCSummary.Warning,
		ProbesRemoved:    o.ProbeQCSummary.Removed,
		ProbesRetained:   o.ProbeQCSummary.Retained,
		Targets:          len(o.Genes.Targets),
		FilteredTargets:  len(o.Normalized.Targets),
		FilteredSegments: len(o.Normalized.Segments),
		DERows:           len(o.DE),
	}
	for _, r := range o.DE {
		if r.Missing() {
			s.DEFailed++
		}
	}
	if o.Decon != nil {
		s.DeconCellTypes = len(o.Decon.CellTypes)
	}
	if o.Reverse != nil {
		for _, e := range o.Reverse.Error {
			if e != "" {
				s.ReverseFailed++
			}
		}
	}
	return s
}

type namedTable struct {
	name string
	rows interface{}
}

// Write saves every table of the outcome into dir. With npy set, each
// normalized layer is also written as a .npy matrix.
func (o *Outcome) Write(dir string, npy bool) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return pfx.Err(err)
	}
	path := func(name string) string { return filepath.Join(dir, name) }

	tables := []namedTable{
		{"segment_qc.tsv", results.SegmentQCRows(o.SegmentQC)},
		{"segment_qc_summary.tsv", results.SegmentQCSummaryRows(o.SegmentQCSummary)},
		{"probe_qc.tsv", results.ProbeQCRows(o.ProbeFlags)},
		{"loq.tsv", results.LOQRows(o.LOQ.LOQ, segmentIDs(o.Genes))},
		{"segment_detection.tsv", results.SegmentDetectionRows(o.LOQ.Segments)},
		{"gene_detection.tsv", results.GeneDetectionRows(o.LOQ.Genes)},
		{"gene_detection_bins.tsv", results.BinRows(o.Bins)},
		{"norm_factors_quantile.tsv", results.FactorRows(o.QuantileFactors)},
		{"norm_factors_background.tsv", results.FactorRows(o.BackgroundFactors)},
	}
	if o.DE != nil {
		tables = append(tables, namedTable{"de.tsv", results.DERows(o.DE)})
	}
	if o.Decon != nil {
		tables = append(tables, namedTable{"decon.tsv", results.DeconRows(*o.Decon)})
	}
	if o.Reverse != nil {
		tables = append(tables, namedTable{"reverse_decon.tsv", results.ReverseRows(*o.Reverse)})
	}

	for _, tbl := range tables {
		if err := results.WriteTSV(path(tbl.name), tbl.rows); err != nil {
			return pfx.Err(err)
		}
	}

	for _, layer := range o.Normalized.LayerNames() {
		if err := results.WriteMatrix(path(layer+".tsv"), o.Normalized, layer); err != nil {
			return pfx.Err(err)
		}
		if !npy {
			continue
		}
		values, err := o.Normalized.Layer(layer)
		if err != nil {
			return pfx.Err(err)
		}
		if err := results.WriteNpy(path(layer+".npy"), values); err != nil {
			return pfx.Err(err)
		}
	}

	summary, err := json.MarshalIndent(o.Summary(), "", "  ")
	if err != nil {
		return pfx.Err(err)
	}
	if err := os.WriteFile(path("summary.json"), summary, 0644); err != nil {
		return pfx.Err(err)
	}
	log.Printf("Wrote results to %s\n", dir)

	return nil
}

func segmentIDs(g *dataset.GeneTable) []string {
	out := make([]string, len(g.Segments))
	for j, s := range g.Segments {
		out[j] = s.ID
	}
	return out
}
