// Package pipeline chains the GeoMx stages: count shifting, segment QC,
// probe QC, aggregation, LOQ filtering, normalization, and then differential
// expression and deconvolution. Every stage produces a new table; the
// snapshots are all kept on the Outcome.
package pipeline

import (
	"fmt"
	"log"

	"github.com/carbocation/geomx/aggregate"
	"github.com/carbocation/geomx/compileinfo"
	"github.com/carbocation/geomx/config"
	"github.com/carbocation/geomx/dataset"
	"github.com/carbocation/geomx/de"
	"github.com/carbocation/geomx/decon"
	"github.com/carbocation/geomx/loq"
	"github.com/carbocation/geomx/norm"
	"github.com/carbocation/geomx/probeqc"
	"github.com/carbocation/geomx/segmentqc"
	"github.com/carbocation/pfx"
)

type Outcome struct {
	Provenance compileinfo.CompileInfo

	// Shifted is the annotated input with zero counts replaced by 1.
	Shifted        *dataset.ProbeTable
	ProbeNegatives dataset.NegativeStats

	SegmentQC        []segmentqc.Result
	SegmentQCSummary segmentqc.Summary
	AfterSegmentQC   *dataset.ProbeTable

	ProbeFlags     []probeqc.ProbeFlag
	ProbeQCSummary probeqc.Summary
	AfterProbeQC   *dataset.ProbeTable

	Genes         *dataset.GeneTable
	GeneNegatives dataset.NegativeStats

	LOQ  loq.Result
	Bins []loq.Bin

	// Normalized holds the raw counts of the kept genes and segments along
	// with the q_norm and neg_norm layers.
	Normalized        *dataset.GeneTable
	QuantileFactors   norm.Factors
	BackgroundFactors norm.Factors

	DE      []de.Row
	Decon   *decon.Result
	Reverse *decon.ReverseResult
}

// Preprocess runs every stage up to and including normalization.
func Preprocess(t *dataset.ProbeTable, cfg config.JSONConfig) (*Outcome, error) {
	o := &Outcome{Provenance: compileinfo.Get()}

	if err := t.Validate(); err != nil {
		return nil, pfx.Err(err)
	}
	o.Shifted = dataset.ShiftCountsOne(t)
	log.Printf("Loaded %d probes x %d segments\n", len(o.Shifted.Probes), len(o.Shifted.Segments))

	var err error
	o.ProbeNegatives, err = dataset.NegativeSummary(o.Shifted)
	if err != nil {
		return nil, pfx.Err(err)
	}

	// Segment QC
	o.SegmentQC, err = segmentqc.Flag(o.Shifted, o.ProbeNegatives, cfg.SegmentQCConfig())
	if err != nil {
		return nil, pfx.Err(err)
	}
	o.SegmentQCSummary = segmentqc.Summarize(o.SegmentQC)
	log.Printf("Segment QC: %d PASS, %d WARNING\n", o.SegmentQCSummary.Pass, o.SegmentQCSummary.Warning)
	o.AfterSegmentQC, err = segmentqc.Exclude(o.Shifted, o.SegmentQC)
	if err != nil {
		return nil, fmt.Errorf("segment QC: %w", err)
	}

	// Probe QC
	o.AfterProbeQC, o.ProbeFlags, err = probeqc.Run(o.AfterSegmentQC, cfg.ProbeQCConfig())
	if err != nil {
		return nil, fmt.Errorf("probe QC: %w", err)
	}
	o.ProbeQCSummary = probeqc.Summarize(o.ProbeFlags)
	log.Printf("Probe QC: %d probes, %d low ratio, %d global outliers, %d local outliers, %d removed, %d retained\n",
		o.ProbeQCSummary.Probes, o.ProbeQCSummary.LowRatio, o.ProbeQCSummary.GlobalOutlier,
		o.ProbeQCSummary.LocalOutlier, o.ProbeQCSummary.Removed, o.ProbeQCSummary.Retained)

	// Aggregation
	o.Genes, err = aggregate.Probes(o.AfterProbeQC)
	if err != nil {
		return nil, fmt.Errorf("aggregation: %w", err)
	}
	log.Printf("Aggregated to %d targets\n", len(o.Genes.Targets))

	probeStats, err := dataset.NegativeSummary(o.AfterProbeQC)
	if err != nil {
		return nil, pfx.Err(err)
	}
	o.GeneNegatives, err = dataset.NegativeSummaryGenes(o.Genes, probeStats)
	if err != nil {
		return nil, pfx.Err(err)
	}

	// LOQ filtering
	filtered, res, err := loq.Filter(o.Genes, o.GeneNegatives, cfg.LOQConfig())
	if err != nil {
		return nil, fmt.Errorf("LOQ filter: %w", err)
	}
	o.LOQ = res
	o.Bins = loq.Bins(res.Genes, loq.DefaultBins)
	log.Printf("LOQ filter kept %d targets x %d segments\n", len(filtered.Targets), len(filtered.Segments))

	// Normalization
	q, qf, err := norm.Quantile(filtered, cfg.QuantileP())
	if err != nil {
		return nil, fmt.Errorf("quantile normalization: %w", err)
	}
	o.QuantileFactors = qf
	o.Normalized, o.BackgroundFactors, err = norm.Background(q, o.GeneNegatives)
	if err != nil {
		return nil, fmt.Errorf("background normalization: %w", err)
	}
	log.Printf("Normalized layers: %v\n", o.Normalized.LayerNames())

	return o, nil
}

// RunDE fits the mixed models on the normalized table.
func (o *Outcome) RunDE(cfg de.Config) error {
	rows, err := de.Run(o.Normalized, cfg)
	if err != nil {
		return pfx.Err(err)
	}
	o.DE = rows

	failed := 0
	for _, r := range rows {
		if r.Missing() {
			failed++
		}
	}
	log.Printf("DE: %d rows, %d failed fits\n", len(rows), failed)

	return nil
}

// RunDecon deconvolves the normalized table, collapses cell types and fits
// the reverse models.
func (o *Outcome) RunDecon(sig decon.Signature, cfg decon.Config) error {
	res, err := decon.Run(o.Normalized, sig, cfg.Layer, decon.NNLS{})
	if err != nil {
		return pfx.Err(err)
	}
	log.Printf("Deconvolution: %d cell types x %d segments on %d genes\n", len(res.CellTypes), len(res.SegmentIDs), len(res.Genes))

	res, err = decon.Collapse(res, cfg.Collapse)
	if err != nil {
		return pfx.Err(err)
	}
	o.Decon = &res

	rev, err := decon.Reverse(o.Normalized, cfg.Layer, res)
	if err != nil {
		return pfx.Err(err)
	}
	o.Reverse = &rev

	return nil
}

// Run executes the full pipeline. Deconvolution runs only when sig is
// non-nil.
func Run(t *dataset.ProbeTable, sig *decon.Signature, cfg config.JSONConfig) (*Outcome, error) {
	o, err := Preprocess(t, cfg)
	if err != nil {
		return nil, err
	}

	if err := o.RunDE(cfg.DEConfig()); err != nil {
		return o, err
	}

	if sig != nil {
		if err := o.RunDecon(*sig, cfg.DeconConfig()); err != nil {
			return o, err
		}
	}

	return o, nil
}
