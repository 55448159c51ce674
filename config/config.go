// Package config reads the JSON run configuration: every threshold used by
// the QC, detection, normalization, differential expression and
// deconvolution stages.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"

	"github.com/carbocation/geomx"
	"github.com/carbocation/geomx/de"
	"github.com/carbocation/geomx/decon"
	"github.com/carbocation/geomx/loq"
	"github.com/carbocation/geomx/probeqc"
	"github.com/carbocation/geomx/segmentqc"
	"github.com/carbocation/pfx"
)

// ValidationError names the configuration field (or input column) that is
// missing or invalid.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: field %s: %s", e.Field, e.Message)
}

// Thresholds are pointers so that an explicit null in the JSON is reported as
// a missing field rather than silently read as zero.
type SegmentQC struct {
	MinSegmentReads   *float64 `json:"min_segment_reads"`
	PercentTrimmed    *float64 `json:"percent_trimmed"`
	PercentStitched   *float64 `json:"percent_stitched"`
	PercentAligned    *float64 `json:"percent_aligned"`
	PercentSaturation *float64 `json:"percent_saturation"`
	MinNegativeCount  *float64 `json:"min_negative_count"`
	MaxNTCCount       *float64 `json:"max_ntc_count"`
	MinNuclei         *float64 `json:"min_nuclei"`
	MinArea           *float64 `json:"min_area"`
}

type ProbeQC struct {
	MinProbeRatio      *float64 `json:"min_probe_ratio"`
	PercentFailGrubbs  *float64 `json:"percent_fail_grubbs"`
	GrubbsAlpha        *float64 `json:"grubbs_alpha"`
	MinProbesForGrubbs int      `json:"min_probes_for_grubbs"`

	// Strict turns a target that would lose every probe into an error instead
	// of keeping its least-outlying probe.
	Strict bool `json:"strict"`
}

type LOQ struct {
	CutoffSD    *float64 `json:"cutoff_sd"`
	MinLOQ      *float64 `json:"min_loq"`
	SegmentRate *float64 `json:"segment_rate"`
	GeneRate    *float64 `json:"gene_rate"`
	Whitelist   []string `json:"whitelist"`
}

type Normalization struct {
	Quantile *float64 `json:"quantile"`
}

type DE struct {
	Layer        string   `json:"layer"`
	StratumField string   `json:"stratum_field"`
	ClassField   string   `json:"class_field"`
	GroupField   string   `json:"group_field"`
	Levels       []string `json:"levels"`
	Workers      int      `json:"workers"`
}

type Deconvolution struct {
	Layer    string              `json:"layer"`
	Collapse map[string][]string `json:"collapse"`
}

type JSONConfig struct {
	ConfigPath string `json:"-"`

	SegmentQC     SegmentQC     `json:"segment_qc"`
	ProbeQC       ProbeQC       `json:"probe_qc"`
	LOQ           LOQ           `json:"loq"`
	Normalization Normalization `json:"normalization"`
	DE            DE            `json:"de"`
	Deconvolution Deconvolution `json:"deconvolution"`
}

var inf = math.Inf(1)

func f(v float64) *float64 { return &v }

// Default returns the GeoMx default thresholds.
func Default() JSONConfig {
	return JSONConfig{
		SegmentQC: SegmentQC{
			MinSegmentReads:   f(1000),
			PercentTrimmed:    f(80),
			PercentStitched:   f(80),
			PercentAligned:    f(75),
			PercentSaturation: f(50),
			MinNegativeCount:  f(1),
			MaxNTCCount:       f(9000),
			MinNuclei:         f(20),
			MinArea:           f(1000),
		},
		ProbeQC: ProbeQC{
			MinProbeRatio:      f(0.1),
			PercentFailGrubbs:  f(20),
			GrubbsAlpha:        f(0.01),
			MinProbesForGrubbs: 3,
		},
		LOQ: LOQ{
			CutoffSD:    f(2),
			MinLOQ:      f(2),
			SegmentRate: f(0.1),
			GeneRate:    f(0.1),
		},
		Normalization: Normalization{
			Quantile: f(0.75),
		},
		DE: DE{
			Layer:        "q_norm",
			StratumField: "Region",
			ClassField:   "Class",
			GroupField:   "SlideName",
		},
		Deconvolution: Deconvolution{
			Layer: "q_norm",
		},
	}
}

// ParseJSONConfigFromPath reads the config file over the defaults and
// validates it. An empty path yields the validated defaults.
func ParseJSONConfigFromPath(path string) (JSONConfig, error) {
	out := Default()
	if path == "" {
		return out, pfx.Err(out.Validate())
	}

	path, err := geomx.ExpandHome(path)
	if err != nil {
		return out, pfx.Err(err)
	}
	out.ConfigPath = path

	fh, err := os.Open(path)
	if err != nil {
		return out, pfx.Err(err)
	}
	defer fh.Close()

	dec := json.NewDecoder(fh)
	dec.DisallowUnknownFields()
	if err = dec.Decode(&out); err != nil {
		if e, ok := err.(*json.SyntaxError); ok {
			log.Printf("syntax error at byte offset %d", e.Offset)
		}
		return out, pfx.Err(err)
	}

	return out, pfx.Err(out.Validate())
}

// Validate returns a ValidationError for the first missing or out-of-range
// field.
func (c JSONConfig) Validate() error {
	type check struct {
		field  string
		v      *float64
		lo, hi float64
	}

	checks := []check{
		{"segment_qc.min_segment_reads", c.SegmentQC.MinSegmentReads, 0, inf},
		{"segment_qc.percent_trimmed", c.SegmentQC.PercentTrimmed, 0, 100},
		{"segment_qc.percent_stitched", c.SegmentQC.PercentStitched, 0, 100},
		{"segment_qc.percent_aligned", c.SegmentQC.PercentAligned, 0, 100},
		{"segment_qc.percent_saturation", c.SegmentQC.PercentSaturation, 0, 100},
		{"segment_qc.min_negative_count", c.SegmentQC.MinNegativeCount, 0, inf},
		{"segment_qc.max_ntc_count", c.SegmentQC.MaxNTCCount, 0, inf},
		{"segment_qc.min_nuclei", c.SegmentQC.MinNuclei, 0, inf},
		{"segment_qc.min_area", c.SegmentQC.MinArea, 0, inf},
		{"probe_qc.min_probe_ratio", c.ProbeQC.MinProbeRatio, 0, 1},
		{"probe_qc.percent_fail_grubbs", c.ProbeQC.PercentFailGrubbs, 0, 100},
		{"probe_qc.grubbs_alpha", c.ProbeQC.GrubbsAlpha, 0, 1},
		{"loq.cutoff_sd", c.LOQ.CutoffSD, 0, inf},
		{"loq.min_loq", c.LOQ.MinLOQ, 0, inf},
		{"loq.segment_rate", c.LOQ.SegmentRate, 0, 1},
		{"loq.gene_rate", c.LOQ.GeneRate, 0, 1},
		{"normalization.quantile", c.Normalization.Quantile, 0, 1},
	}

	for _, v := range checks {
		if v.v == nil {
			return ValidationError{Field: v.field, Message: "required threshold is missing"}
		}
		if math.IsNaN(*v.v) || *v.v < v.lo || *v.v > v.hi {
			return ValidationError{Field: v.field, Message: fmt.Sprintf("%v is outside [%v, %v]", *v.v, v.lo, v.hi)}
		}
	}

	if *c.ProbeQC.GrubbsAlpha == 0 || *c.ProbeQC.GrubbsAlpha == 1 {
		return ValidationError{Field: "probe_qc.grubbs_alpha", Message: "must be strictly between 0 and 1"}
	}
	if *c.LOQ.MinLOQ == 0 {
		return ValidationError{Field: "loq.min_loq", Message: "must be positive"}
	}
	if c.ProbeQC.MinProbesForGrubbs < 3 {
		return ValidationError{Field: "probe_qc.min_probes_for_grubbs", Message: "the outlier test needs at least 3 probes"}
	}
	if c.DE.StratumField == "" {
		return ValidationError{Field: "de.stratum_field", Message: "required"}
	}
	if c.DE.ClassField == "" {
		return ValidationError{Field: "de.class_field", Message: "required"}
	}
	if c.DE.GroupField == "" {
		return ValidationError{Field: "de.group_field", Message: "required"}
	}
	if len(c.DE.Levels) == 1 {
		return ValidationError{Field: "de.levels", Message: "at least two class levels are needed for a contrast"}
	}
	seen := make(map[string]struct{})
	for _, l := range c.DE.Levels {
		if _, exists := seen[l]; exists {
			return ValidationError{Field: "de.levels", Message: fmt.Sprintf("level %q is listed twice", l)}
		}
		seen[l] = struct{}{}
	}
	if c.DE.Workers < 0 {
		return ValidationError{Field: "de.workers", Message: "must not be negative"}
	}
	for name, originals := range c.Deconvolution.Collapse {
		if len(originals) == 0 {
			return ValidationError{Field: "deconvolution.collapse." + name, Message: "maps to no cell types"}
		}
	}

	return nil
}

// The accessors below must only be called on a validated config.

func (c JSONConfig) SegmentQCConfig() segmentqc.Config {
	s := c.SegmentQC
	return segmentqc.Config{
		MinSegmentReads:   *s.MinSegmentReads,
		PercentTrimmed:    *s.PercentTrimmed,
		PercentStitched:   *s.PercentStitched,
		PercentAligned:    *s.PercentAligned,
		PercentSaturation: *s.PercentSaturation,
		MinNegativeCount:  *s.MinNegativeCount,
		MaxNTCCount:       *s.MaxNTCCount,
		MinNuclei:         *s.MinNuclei,
		MinArea:           *s.MinArea,
	}
}

func (c JSONConfig) ProbeQCConfig() probeqc.Config {
	return probeqc.Config{
		MinProbeRatio:      *c.ProbeQC.MinProbeRatio,
		PercentFailGrubbs:  *c.ProbeQC.PercentFailGrubbs,
		GrubbsAlpha:        *c.ProbeQC.GrubbsAlpha,
		MinProbesForGrubbs: c.ProbeQC.MinProbesForGrubbs,
		Strict:             c.ProbeQC.Strict,
	}
}

func (c JSONConfig) LOQConfig() loq.Config {
	return loq.Config{
		CutoffSD:    *c.LOQ.CutoffSD,
		MinLOQ:      *c.LOQ.MinLOQ,
		SegmentRate: *c.LOQ.SegmentRate,
		GeneRate:    *c.LOQ.GeneRate,
		Whitelist:   append([]string(nil), c.LOQ.Whitelist...),
	}
}

func (c JSONConfig) QuantileP() float64 {
	return *c.Normalization.Quantile
}

func (c JSONConfig) DEConfig() de.Config {
	return de.Config{
		Layer:        c.DE.Layer,
		StratumField: c.DE.StratumField,
		ClassField:   c.DE.ClassField,
		GroupField:   c.DE.GroupField,
		Levels:       append([]string(nil), c.DE.Levels...),
		Workers:      c.DE.Workers,
	}
}

func (c JSONConfig) DeconConfig() decon.Config {
	collapse := make(map[string][]string, len(c.Deconvolution.Collapse))
	for k, v := range c.Deconvolution.Collapse {
		collapse[k] = append([]string(nil), v...)
	}
	return decon.Config{
		Layer:    c.Deconvolution.Layer,
		Collapse: collapse,
	}
}
