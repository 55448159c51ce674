package ingest

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/carbocation/geomx/config"
	"github.com/carbocation/geomx/dataset"
	"github.com/carbocation/geomx/decon"
	"github.com/carbocation/pfx"
)

// MatrixColumns lead every exported gene x segment matrix.
var MatrixColumns = []string{"TargetName", "Module", "Negative"}

// ReadGeneMatrix reads a gene x segment matrix in the layout written by the
// results package. The values become the table's Counts; segments carry
// only their IDs.
func ReadGeneMatrix(path string, client *storage.Client) (*dataset.GeneTable, error) {
	header, records, err := readTable(path, client)
	if err != nil {
		return nil, err
	}

	g, err := parseGeneMatrix(header, records)
	if err != nil {
		return nil, pfx.Err(fmt.Errorf("%s: %w", path, err))
	}

	return g, nil
}

func parseGeneMatrix(header []string, records [][]string) (*dataset.GeneTable, error) {
	nLead := len(MatrixColumns)
	if len(header) <= nLead {
		return nil, config.ValidationError{Field: "matrix header", Message: fmt.Sprintf("expected %s followed by segment columns", strings.Join(MatrixColumns, ", "))}
	}
	for i, name := range MatrixColumns {
		if !strings.EqualFold(header[i], name) {
			return nil, config.ValidationError{Field: "matrix column " + strconv.Itoa(i+1), Message: fmt.Sprintf("expected %s, found %q", name, header[i])}
		}
	}

	g := &dataset.GeneTable{}
	for _, id := range header[nLead:] {
		g.Segments = append(g.Segments, dataset.Segment{ID: id})
	}

	seen := make(map[string]struct{}, len(records))
	for line, rec := range records {
		if len(rec) != len(header) {
			return nil, config.ValidationError{Field: fmt.Sprintf("matrix row %d", line+2), Message: fmt.Sprintf("%d fields for %d columns", len(rec), len(header))}
		}
		if _, exists := seen[rec[0]]; exists {
			return nil, config.ValidationError{Field: fmt.Sprintf("matrix row %d", line+2), Message: fmt.Sprintf("target %s appears more than once", rec[0])}
		}
		seen[rec[0]] = struct{}{}

		negative, err := strconv.ParseBool(strings.TrimSpace(rec[2]))
		if err != nil {
			return nil, config.ValidationError{Field: fmt.Sprintf("matrix row %d column Negative", line+2), Message: err.Error()}
		}
		g.Targets = append(g.Targets, dataset.Target{Name: rec[0], Module: rec[1], Negative: negative})

		row, err := parseValues(rec[nLead:], fmt.Sprintf("matrix row %d", line+2), header[nLead:])
		if err != nil {
			return nil, err
		}
		g.Counts = append(g.Counts, row)
	}

	if len(g.Targets) == 0 {
		return nil, fmt.Errorf("matrix has no rows: %w", dataset.ErrEmpty)
	}

	return g, nil
}

// ReadSignature reads a genes x cell types reference matrix: the first column
// holds gene names and every other column is a cell type.
func ReadSignature(path string, client *storage.Client) (decon.Signature, error) {
	header, records, err := readTable(path, client)
	if err != nil {
		return decon.Signature{}, err
	}

	sig, err := parseSignature(header, records)
	if err != nil {
		return sig, pfx.Err(fmt.Errorf("%s: %w", path, err))
	}

	return sig, nil
}

func parseSignature(header []string, records [][]string) (decon.Signature, error) {
	var sig decon.Signature
	if len(header) < 2 {
		return sig, config.ValidationError{Field: "signature header", Message: "expected a gene column followed by cell type columns"}
	}
	sig.CellTypes = append([]string(nil), header[1:]...)

	for line, rec := range records {
		if len(rec) != len(header) {
			return sig, config.ValidationError{Field: fmt.Sprintf("signature row %d", line+2), Message: fmt.Sprintf("%d fields for %d columns", len(rec), len(header))}
		}
		row, err := parseValues(rec[1:], fmt.Sprintf("signature row %d", line+2), sig.CellTypes)
		if err != nil {
			return sig, err
		}
		sig.Genes = append(sig.Genes, rec[0])
		sig.Values = append(sig.Values, row)
	}

	return sig, sig.Validate()
}

func parseValues(fields []string, where string, columns []string) ([]float64, error) {
	row := make([]float64, len(fields))
	for j, field := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, config.ValidationError{
				Field:   fmt.Sprintf("%s column %s", where, columns[j]),
				Message: fmt.Sprintf("value %q is not a finite number", field),
			}
		}
		row[j] = v
	}
	return row, nil
}
