package results

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/carbocation/geomx/dataset"
	"github.com/carbocation/pfx"
	"github.com/kshedden/gonpy"
)

// WriteMatrix writes one layer of g as a gene x segment table with the
// TargetName, Module and Negative columns first. ingest.ReadGeneMatrix reads
// it back.
func WriteMatrix(path string, g *dataset.GeneTable, layer string) error {
	values, err := g.Layer(layer)
	if err != nil {
		return pfx.Err(err)
	}

	f, err := os.Create(path)
	if err != nil {
		return pfx.Err(err)
	}
	defer f.Close()

	bw := bufio.NewWriterSize(f, BufferSize)
	w := csv.NewWriter(bw)
	w.Comma = '\t'

	header := []string{"TargetName", "Module", "Negative"}
	for _, s := range g.Segments {
		header = append(header, s.ID)
	}
	if err := w.Write(header); err != nil {
		return pfx.Err(err)
	}

	row := make([]string, len(header))
	for i, t := range g.Targets {
		row[0], row[1], row[2] = t.Name, t.Module, strconv.FormatBool(t.Negative)
		for j, v := range values[i] {
			s, _ := NA(v).MarshalCSV()
			row[j+3] = s
		}
		if err := w.Write(row); err != nil {
			return pfx.Err(err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return pfx.Err(err)
	}
	if err := bw.Flush(); err != nil {
		return pfx.Err(err)
	}

	return f.Close()
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// WriteNpy writes a rectangular matrix as a row-major float64 .npy file.
func WriteNpy(path string, values [][]float64) error {
	rows := len(values)
	cols := 0
	if rows > 0 {
		cols = len(values[0])
	}

	flat := make([]float64, 0, rows*cols)
	for i, row := range values {
		if len(row) != cols {
			return pfx.Err(fmt.Errorf("row %d has %d values, expected %d", i, len(row), cols))
		}
		flat = append(flat, row...)
	}

	output, err := os.Create(path)
	if err != nil {
		return pfx.Err(err)
	}
	defer output.Close()

	bufw := bufio.NewWriterSize(output, BufferSize)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return pfx.Err(err)
	}
	npw.Shape = []int{rows, cols}
	if err := npw.WriteFloat64(flat); err != nil {
		return pfx.Err(err)
	}
	if err := bufw.Flush(); err != nil {
		return pfx.Err(err)
	}

	return output.Close()
}

// ReadNpy reads a two dimensional float64 .npy file.
func ReadNpy(path string) ([][]float64, error) {
	r, err := gonpy.NewFileReader(path)
	if err != nil {
		return nil, pfx.Err(err)
	}
	if len(r.Shape) != 2 {
		return nil, pfx.Err(fmt.Errorf("%s has %d dimensions, expected 2", path, len(r.Shape)))
	}

	flat, err := r.GetFloat64()
	if err != nil {
		return nil, pfx.Err(err)
	}

	rows, cols := r.Shape[0], r.Shape[1]
	out := make([][]float64, rows)
	for i := range out {
		if r.ColumnMajor {
			out[i] = make([]float64, cols)
			for j := range out[i] {
				out[i][j] = flat[j*rows+i]
			}
			continue
		}
		out[i] = flat[i*cols : (i+1)*cols]
	}

	return out, nil
}
