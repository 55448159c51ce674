package ingest

import (
	"fmt"
	"log"

	"cloud.google.com/go/storage"
	"github.com/carbocation/geomx/config"
	"github.com/carbocation/geomx/dataset"
	"github.com/carbocation/pfx"
	"github.com/gocarina/gocsv"
)

// AnnotationRow is one segment of the annotation sheet.
type AnnotationRow struct {
	SegmentID         string  `csv:"SegmentID"`
	SlideName         string  `csv:"SlideName"`
	Region            string  `csv:"Region"`
	Class             string  `csv:"Class"`
	Raw               float64 `csv:"Raw"`
	PercentTrimmed    float64 `csv:"PercentTrimmed"`
	PercentStitched   float64 `csv:"PercentStitched"`
	PercentAligned    float64 `csv:"PercentAligned"`
	PercentSaturation float64 `csv:"PercentSaturation"`
	NTC               float64 `csv:"NTC"`
	Nuclei            float64 `csv:"Nuclei"`
	Area              float64 `csv:"Area"`

	// Extra holds the columns not named above, keyed by header.
	Extra map[string]string `csv:"-"`
}

// AnnotationColumns must all be present in the annotation header.
var AnnotationColumns = []string{
	"SegmentID", "SlideName", "Region", "Class",
	"Raw", "PercentTrimmed", "PercentStitched", "PercentAligned",
	"PercentSaturation", "NTC", "Nuclei", "Area",
}

func (a AnnotationRow) Segment() dataset.Segment {
	return dataset.Segment{
		ID:     a.SegmentID,
		Slide:  a.SlideName,
		Region: a.Region,
		Class:  a.Class,
		QC: dataset.QCMetrics{
			Raw:               a.Raw,
			PercentTrimmed:    a.PercentTrimmed,
			PercentStitched:   a.PercentStitched,
			PercentAligned:    a.PercentAligned,
			PercentSaturation: a.PercentSaturation,
			NTC:               a.NTC,
			Nuclei:            a.Nuclei,
			Area:              a.Area,
		},
		Extra: a.Extra,
	}
}

// ReadAnnotation reads the segment annotation sheet. A missing required
// column is reported as a config.ValidationError naming it.
func ReadAnnotation(path string, client *storage.Client) ([]AnnotationRow, error) {
	data, err := readAllBytes(path, client)
	if err != nil {
		return nil, err
	}

	rows, err := parseAnnotation(data)
	if err != nil {
		return nil, pfx.Err(fmt.Errorf("%s: %w", path, err))
	}
	log.Printf("Read annotation for %d segments from %s\n", len(rows), path)

	return rows, nil
}

func parseAnnotation(data []byte) ([]AnnotationRow, error) {
	header, records, err := splitHeader("annotation", newCSVReader(data))
	if err != nil {
		return nil, err
	}

	present := make(map[string]int, len(header))
	for i, h := range header {
		present[h] = i
	}
	required := make(map[string]struct{}, len(AnnotationColumns))
	for _, col := range AnnotationColumns {
		if _, exists := present[col]; !exists {
			return nil, config.ValidationError{Field: "annotation column " + col, Message: "required column is missing"}
		}
		required[col] = struct{}{}
	}

	rows := []AnnotationRow{}
	if err := gocsv.UnmarshalCSV(newCSVReader(data), &rows); err != nil {
		return nil, err
	}
	if len(rows) != len(records) {
		return nil, fmt.Errorf("parsed %d annotation rows from %d records", len(rows), len(records))
	}

	seen := make(map[string]struct{}, len(rows))
	for i := range rows {
		if rows[i].SegmentID == "" {
			return nil, config.ValidationError{Field: fmt.Sprintf("annotation row %d", i+2), Message: "SegmentID is empty"}
		}
		if _, exists := seen[rows[i].SegmentID]; exists {
			return nil, config.ValidationError{Field: fmt.Sprintf("annotation row %d", i+2), Message: fmt.Sprintf("segment %s appears more than once", rows[i].SegmentID)}
		}
		seen[rows[i].SegmentID] = struct{}{}

		for col, h := range header {
			if _, known := required[h]; known || col >= len(records[i]) {
				continue
			}
			if rows[i].Extra == nil {
				rows[i].Extra = make(map[string]string)
			}
			rows[i].Extra[h] = records[i][col]
		}
	}

	return rows, nil
}

// annotate orders the annotation to match ids. Every id must have exactly one
// annotation row; annotation rows for other segments are ignored.
func annotate(ids []string, rows []AnnotationRow) ([]dataset.Segment, error) {
	byID := make(map[string]AnnotationRow, len(rows))
	for _, r := range rows {
		byID[r.SegmentID] = r
	}

	out := make([]dataset.Segment, len(ids))
	for j, id := range ids {
		r, exists := byID[id]
		if !exists {
			return nil, config.ValidationError{Field: "annotation", Message: fmt.Sprintf("segment %s has no annotation row", id)}
		}
		out[j] = r.Segment()
	}

	if extra := len(rows) - len(ids); extra > 0 {
		log.Printf("Ignoring %d annotation rows without counts\n", extra)
	}

	return out, nil
}

// AnnotateProbes returns a copy of t whose segments carry the annotation.
func AnnotateProbes(t *dataset.ProbeTable, rows []AnnotationRow) (*dataset.ProbeTable, error) {
	segs, err := annotate(segmentIDs(t.Segments), rows)
	if err != nil {
		return nil, err
	}
	out := t.Clone()
	out.Segments = segs
	return out, nil
}

// AnnotateGenes returns a copy of g whose segments carry the annotation.
func AnnotateGenes(g *dataset.GeneTable, rows []AnnotationRow) (*dataset.GeneTable, error) {
	segs, err := annotate(segmentIDs(g.Segments), rows)
	if err != nil {
		return nil, err
	}
	out := *g
	out.Segments = segs
	return &out, nil
}

func segmentIDs(segs []dataset.Segment) []string {
	out := make([]string, len(segs))
	for j, s := range segs {
		out[j] = s.ID
	}
	return out
}
