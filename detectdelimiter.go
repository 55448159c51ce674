package geomx

import (
	"bytes"

	"github.com/csimplestring/go-csv/detector"
)

// DetermineDelimiter returns the single most likely rune that would delimit the
// values in head (the first bytes of a CSV-like file). GeoMx exports are
// either tab or comma delimited, so tab wins when the detector has no opinion
// and the header contains a tab.
func DetermineDelimiter(head []byte) rune {
	d := detector.New()
	delimiters := d.DetectDelimiter(bytes.NewReader(head), '"')

	if len(delimiters) > 0 && len(delimiters[0]) > 0 {
		return rune(delimiters[0][0])
	}

	firstLine := head
	if i := bytes.IndexByte(head, '\n'); i >= 0 {
		firstLine = head[:i]
	}
	if bytes.IndexByte(firstLine, '\t') >= 0 {
		return '\t'
	}

	return ','
}
