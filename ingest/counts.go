package ingest

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/carbocation/geomx/config"
	"github.com/carbocation/geomx/dataset"
	"github.com/carbocation/pfx"
)

// CountsColumns are the leading columns of a probe counts export. Every
// column after them is one segment.
var CountsColumns = []string{"ProbeID", "TargetName", "Module", "CodeClass"}

// ReadCounts reads a probe x segment counts table. Segments carry only their
// IDs until the annotation is joined with AnnotateProbes.
func ReadCounts(path string, client *storage.Client) (*dataset.ProbeTable, error) {
	header, records, err := readTable(path, client)
	if err != nil {
		return nil, err
	}

	t, err := parseCounts(header, records)
	if err != nil {
		return nil, pfx.Err(fmt.Errorf("%s: %w", path, err))
	}

	return t, nil
}

func parseCounts(header []string, records [][]string) (*dataset.ProbeTable, error) {
	nLead := len(CountsColumns)
	if len(header) <= nLead {
		return nil, config.ValidationError{Field: "counts header", Message: fmt.Sprintf("expected %s followed by segment columns", strings.Join(CountsColumns, ", "))}
	}
	for i, name := range CountsColumns {
		if !strings.EqualFold(header[i], name) {
			return nil, config.ValidationError{Field: "counts column " + strconv.Itoa(i+1), Message: fmt.Sprintf("expected %s, found %q", name, header[i])}
		}
	}

	t := &dataset.ProbeTable{}
	for _, id := range header[nLead:] {
		t.Segments = append(t.Segments, dataset.Segment{ID: id})
	}

	for line, rec := range records {
		if len(rec) != len(header) {
			return nil, config.ValidationError{Field: fmt.Sprintf("counts row %d", line+2), Message: fmt.Sprintf("%d fields for %d columns", len(rec), len(header))}
		}

		t.Probes = append(t.Probes, dataset.Probe{
			ID:        rec[0],
			Target:    rec[1],
			Module:    rec[2],
			CodeClass: dataset.ParseCodeClass(rec[3]),
		})

		row := make([]float64, len(t.Segments))
		for j, field := range rec[nLead:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				return nil, config.ValidationError{
					Field:   fmt.Sprintf("counts row %d column %s", line+2, t.Segments[j].ID),
					Message: fmt.Sprintf("count %q is not a finite non-negative number", field),
				}
			}
			row[j] = v
		}
		t.Counts = append(t.Counts, row)
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}

	return t, nil
}
