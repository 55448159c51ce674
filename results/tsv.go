// Package results writes pipeline outputs as tab-delimited tables, NumPy
// matrices, SQLite tables and BigQuery rows. Missing values are written as
// NA (TSV) or NULL (databases).
package results

import (
	"bufio"
	"encoding/csv"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/carbocation/geomx/de"
	"github.com/carbocation/geomx/decon"
	"github.com/carbocation/geomx/loq"
	"github.com/carbocation/geomx/norm"
	"github.com/carbocation/geomx/probeqc"
	"github.com/carbocation/geomx/segmentqc"
	"github.com/carbocation/pfx"
	"github.com/gocarina/gocsv"
)

const BufferSize = 4096 * 8

// NA is a float that is written as NA when it is NaN or infinite.
type NA float64

func (v NA) MarshalCSV() (string, error) {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "NA", nil
	}
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}

// WriteTSV writes a slice of tagged structs as a tab-delimited table.
func WriteTSV(path string, rows interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return pfx.Err(err)
	}
	defer f.Close()

	bw := bufio.NewWriterSize(f, BufferSize)
	w := csv.NewWriter(bw)
	w.Comma = '\t'

	if err := gocsv.MarshalCSV(rows, gocsv.NewSafeCSVWriter(w)); err != nil {
		return pfx.Err(err)
	}
	if err := bw.Flush(); err != nil {
		return pfx.Err(err)
	}

	return f.Close()
}

type SegmentQCRow struct {
	SegmentID     string `csv:"SegmentID"`
	LowReads      bool   `csv:"LowReads"`
	LowTrimmed    bool   `csv:"LowTrimmed"`
	LowStitched   bool   `csv:"LowStitched"`
	LowAligned    bool   `csv:"LowAligned"`
	LowSaturation bool   `csv:"LowSaturation"`
	LowNegatives  bool   `csv:"LowNegatives"`
	HighNTC       bool   `csv:"HighNTC"`
	LowNuclei     bool   `csv:"LowNuclei"`
	LowArea       bool   `csv:"LowArea"`
	Status        string `csv:"QCStatus"`
}

func SegmentQCRows(results []segmentqc.Result) []SegmentQCRow {
	out := make([]SegmentQCRow, 0, len(results))
	for _, r := range results {
		out = append(out, SegmentQCRow{
			SegmentID:     r.SegmentID,
			LowReads:      r.Flags[segmentqc.LowReads],
			LowTrimmed:    r.Flags[segmentqc.LowTrimmed],
			LowStitched:   r.Flags[segmentqc.LowStitched],
			LowAligned:    r.Flags[segmentqc.LowAligned],
			LowSaturation: r.Flags[segmentqc.LowSaturation],
			LowNegatives:  r.Flags[segmentqc.LowNegatives],
			HighNTC:       r.Flags[segmentqc.HighNTC],
			LowNuclei:     r.Flags[segmentqc.LowNuclei],
			LowArea:       r.Flags[segmentqc.LowArea],
			Status:        string(r.Status),
		})
	}
	return out
}

// CountRow is one line of a summary table.
type CountRow struct {
	Name  string `csv:"Name"`
	Count int    `csv:"Count"`
}

func SegmentQCSummaryRows(s segmentqc.Summary) []CountRow {
	out := make([]CountRow, 0, len(segmentqc.Criteria)+2)
	for _, c := range segmentqc.Criteria {
		out = append(out, CountRow{Name: string(c), Count: s.Failing[c]})
	}
	out = append(out, CountRow{Name: string(segmentqc.Pass), Count: s.Pass})
	out = append(out, CountRow{Name: string(segmentqc.Warning), Count: s.Warning})
	return out
}

type ProbeQCRow struct {
	ProbeID         string `csv:"ProbeID"`
	Target          string `csv:"TargetName"`
	Ratio           NA     `csv:"Ratio"`
	LowRatio        bool   `csv:"LowRatio"`
	OutlierSegments string `csv:"OutlierSegments"`
	OutlierFraction NA     `csv:"OutlierFraction"`
	GlobalOutlier   bool   `csv:"GlobalOutlier"`
	LocalOutlier    bool   `csv:"LocalOutlier"`
	Removed         bool   `csv:"Removed"`
	Retained        bool   `csv:"Retained"`
}

func ProbeQCRows(flags []probeqc.ProbeFlag) []ProbeQCRow {
	out := make([]ProbeQCRow, 0, len(flags))
	for _, f := range flags {
		out = append(out, ProbeQCRow{
			ProbeID:         f.ProbeID,
			Target:          f.Target,
			Ratio:           NA(f.Ratio),
			LowRatio:        f.LowRatio,
			OutlierSegments: strings.Join(f.OutlierSegments, ","),
			OutlierFraction: NA(f.OutlierFraction),
			GlobalOutlier:   f.GlobalOutlier,
			LocalOutlier:    f.LocalOutlier(),
			Removed:         f.Removed,
			Retained:        f.Retained,
		})
	}
	return out
}

type LOQRow struct {
	SegmentID string `csv:"SegmentID"`
	Module    string `csv:"Module"`
	LOQ       NA     `csv:"LOQ"`
}

// LOQRows returns the table in segment order, modules sorted.
func LOQRows(t loq.Table, segmentIDs []string) []LOQRow {
	var out []LOQRow
	for _, seg := range segmentIDs {
		modules := make([]string, 0, len(t[seg]))
		for m := range t[seg] {
			modules = append(modules, m)
		}
		sort.Strings(modules)
		for _, m := range modules {
			out = append(out, LOQRow{SegmentID: seg, Module: m, LOQ: NA(t[seg][m])})
		}
	}
	return out
}

type SegmentDetectionRow struct {
	SegmentID string  `csv:"SegmentID"`
	Detected  int     `csv:"Detected"`
	Total     int     `csv:"Total"`
	Rate      float64 `csv:"DetectionRate"`
	Kept      bool    `csv:"Kept"`
}

func SegmentDetectionRows(ds []loq.SegmentDetection) []SegmentDetectionRow {
	out := make([]SegmentDetectionRow, 0, len(ds))
	for _, d := range ds {
		out = append(out, SegmentDetectionRow(d))
	}
	return out
}

type GeneDetectionRow struct {
	Target      string  `csv:"TargetName"`
	Module      string  `csv:"Module"`
	Detected    int     `csv:"Detected"`
	Total       int     `csv:"Total"`
	Rate        float64 `csv:"DetectionRate"`
	Negative    bool    `csv:"Negative"`
	Whitelisted bool    `csv:"Whitelisted"`
	Kept        bool    `csv:"Kept"`
}

func GeneDetectionRows(ds []loq.GeneDetection) []GeneDetectionRow {
	out := make([]GeneDetectionRow, 0, len(ds))
	for _, d := range ds {
		out = append(out, GeneDetectionRow(d))
	}
	return out
}

type BinRow struct {
	Cutoff float64 `csv:"DetectionRateCutoff"`
	Genes  int     `csv:"Genes"`
}

func BinRows(bins []loq.Bin) []BinRow {
	out := make([]BinRow, 0, len(bins))
	for _, b := range bins {
		out = append(out, BinRow(b))
	}
	return out
}

type FactorRow struct {
	SegmentID string `csv:"SegmentID"`
	Method    string `csv:"Method"`
	Module    string `csv:"Module"`
	Stat      NA     `csv:"Stat"`
	Scale     NA     `csv:"ScaleFactor"`
}

func FactorRows(f norm.Factors) []FactorRow {
	var out []FactorRow
	for _, module := range f.Modules() {
		for j, seg := range f.SegmentIDs {
			row := FactorRow{
				SegmentID: seg,
				Method:    string(f.Method),
				Module:    module,
				Stat:      NA(math.NaN()),
				Scale:     NA(f.Scale[module][j]),
			}
			if stat, exists := f.Stat[module]; exists {
				row.Stat = NA(stat[j])
			}
			out = append(out, row)
		}
	}
	return out
}

type DERow struct {
	Gene     string `csv:"Gene"`
	Stratum  string `csv:"Stratum"`
	Contrast string `csv:"Contrast"`
	Estimate NA     `csv:"Estimate"`
	SE       NA     `csv:"SE"`
	DF       NA     `csv:"DF"`
	T        NA     `csv:"t"`
	PValue   NA     `csv:"PValue"`
	FDR      NA     `csv:"FDR"`
	Error    string `csv:"Error"`
}

func DERows(rows []de.Row) []DERow {
	out := make([]DERow, 0, len(rows))
	for _, r := range rows {
		out = append(out, DERow{
			Gene:     r.Gene,
			Stratum:  r.Stratum,
			Contrast: r.Contrast,
			Estimate: NA(r.Estimate),
			SE:       NA(r.SE),
			DF:       NA(r.DF),
			T:        NA(r.T),
			PValue:   NA(r.PValue),
			FDR:      NA(r.FDR),
			Error:    r.Error,
		})
	}
	return out
}

// DeconRow is the long form of a deconvolution result, one line per segment
// and cell type.
type DeconRow struct {
	SegmentID  string `csv:"SegmentID"`
	CellType   string `csv:"CellType"`
	Beta       NA     `csv:"Beta"`
	Proportion NA     `csv:"Proportion"`
	SE         NA     `csv:"SE"`
	CellCount  NA     `csv:"CellCount"`
}

func DeconRows(res decon.Result) []DeconRow {
	out := make([]DeconRow, 0, len(res.SegmentIDs)*len(res.CellTypes))
	for j, seg := range res.SegmentIDs {
		for k, c := range res.CellTypes {
			out = append(out, DeconRow{
				SegmentID:  seg,
				CellType:   c,
				Beta:       NA(res.Beta[k][j]),
				Proportion: NA(res.Prop[k][j]),
				SE:         NA(res.Sigma[k][j]),
				CellCount:  NA(res.CellCounts[k][j]),
			})
		}
	}
	return out
}

type ReverseRow struct {
	Gene      string `csv:"Gene"`
	CellType  string `csv:"CellType"`
	Coef      NA     `csv:"Coefficient"`
	Intercept NA     `csv:"Intercept"`
	Cor       NA     `csv:"Cor"`
	ResidSD   NA     `csv:"ResidSD"`
	Error     string `csv:"Error"`
}

func ReverseRows(rev decon.ReverseResult) []ReverseRow {
	var out []ReverseRow
	for i, gene := range rev.Genes {
		for k, c := range rev.CellTypes {
			out = append(out, ReverseRow{
				Gene:      gene,
				CellType:  c,
				Coef:      NA(rev.Coefs[i][k]),
				Intercept: NA(rev.Intercept[i]),
				Cor:       NA(rev.Cor[i]),
				ResidSD:   NA(rev.ResidSD[i]),
				Error:     rev.Error[i],
			})
		}
	}
	return out
}
