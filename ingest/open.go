// Package ingest reads GeoMx tabular exports: probe counts, segment
// annotation, gene matrices and cell type signatures. Every reader accepts
// local paths, ~/ paths and gs:// objects, compressed or not, delimited by
// tabs or commas.
package ingest

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io/ioutil"
	"log"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/carbocation/geomx"
	"github.com/carbocation/pfx"
)

// BufferSize is the size of the buffer used when sniffing the delimiter.
const BufferSize = 4096 * 8

// readAllBytes opens, decompresses and fully reads the file at path.
func readAllBytes(path string, client *storage.Client) ([]byte, error) {
	f, _, err := geomx.OpenPath(path, client)
	if err != nil {
		return nil, pfx.Err(err)
	}
	defer f.Close()

	rc, err := geomx.MaybeDecompressReadCloser(f)
	if err != nil {
		return nil, pfx.Err(fmt.Errorf("%s: %w", path, err))
	}
	defer rc.Close()

	data, err := ioutil.ReadAll(bufio.NewReaderSize(rc, BufferSize))
	if err != nil {
		return nil, pfx.Err(fmt.Errorf("%s: %w", path, err))
	}

	return data, nil
}

// newCSVReader returns a csv reader over data with the detected delimiter.
func newCSVReader(data []byte) *csv.Reader {
	head := data
	if len(head) > BufferSize {
		head = head[:BufferSize]
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = geomx.DetermineDelimiter(head)
	r.LazyQuotes = true
	r.Comment = '#'
	return r
}

// readTable returns the trimmed header and the remaining records.
func readTable(path string, client *storage.Client) ([]string, [][]string, error) {
	data, err := readAllBytes(path, client)
	if err != nil {
		return nil, nil, err
	}

	r := newCSVReader(data)
	log.Printf("Reading %s (delimiter %q)\n", path, string(r.Comma))

	return splitHeader(path, r)
}

func splitHeader(path string, r *csv.Reader) ([]string, [][]string, error) {
	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, pfx.Err(fmt.Errorf("%s: %w", path, err))
	}
	if len(records) < 1 {
		return nil, nil, pfx.Err(fmt.Errorf("%s: file has no header", path))
	}

	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	return header, records[1:], nil
}
