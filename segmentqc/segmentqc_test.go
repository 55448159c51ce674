package segmentqc

import (
	"errors"
	"testing"

	"github.com/carbocation/geomx/dataset"
)

var defaults = Config{
	MinSegmentReads:   1000,
	PercentTrimmed:    80,
	PercentStitched:   80,
	PercentAligned:    75,
	PercentSaturation: 50,
	MinNegativeCount:  1,
	MaxNTCCount:       9000,
	MinNuclei:         20,
	MinArea:           1000,
}

func goodQC() dataset.QCMetrics {
	return dataset.QCMetrics{
		Raw:               50000,
		PercentTrimmed:    95,
		PercentStitched:   95,
		PercentAligned:    90,
		PercentSaturation: 80,
		NTC:               10,
		Nuclei:            200,
		Area:              20000,
	}
}

func tableWithTrimmed(trimmed []float64) (*dataset.ProbeTable, dataset.NegativeStats) {
	t := &dataset.ProbeTable{
		Probes: []dataset.Probe{{ID: "p1", Target: "Neg", Module: "m1", CodeClass: dataset.Negative}},
		Counts: [][]float64{make([]float64, len(trimmed))},
	}
	negs := make(dataset.NegativeStats)
	for i, v := range trimmed {
		qc := goodQC()
		qc.PercentTrimmed = v
		id := string(rune('a' + i))
		t.Segments = append(t.Segments, dataset.Segment{ID: id, QC: qc})
		t.Counts[0][i] = 5
		negs[id] = map[string]dataset.NegativeStat{"m1": {GeoMean: 5, GeoSD: 1.5}}
	}
	return t, negs
}

func TestPercentTrimmedCutoff(t *testing.T) {
	pt, negs := tableWithTrimmed([]float64{90, 70, 85, 95})

	results, err := Flag(pt, negs, defaults)
	if err != nil {
		t.Fatal(err)
	}

	for i, r := range results {
		expected := i == 1
		if r.Flags[LowTrimmed] != expected {
			t.Errorf("Segment %d: LowTrimmed = %v, expected %v", i+1, r.Flags[LowTrimmed], expected)
		}
		if failed := r.Failed(); expected && (len(failed) != 1 || failed[0] != LowTrimmed) {
			t.Errorf("Segment %d: expected only LowTrimmed, got %v", i+1, failed)
		}
		if expectedStatus := map[bool]Status{true: Warning, false: Pass}[expected]; r.Status != expectedStatus {
			t.Errorf("Segment %d: status %s, expected %s", i+1, r.Status, expectedStatus)
		}
	}

	kept, err := Exclude(pt, results)
	if err != nil {
		t.Fatal(err)
	}
	if len(kept.Segments) != 3 || kept.Segments[1].ID != "c" {
		t.Errorf("Unexpected segments after exclusion: %+v", kept.Segments)
	}
	if len(pt.Segments) != 4 {
		t.Error("Exclude modified its input")
	}
}

func TestEachCriterion(t *testing.T) {
	for _, v := range []struct {
		Mutate   func(*dataset.QCMetrics)
		NegMean  float64
		Expected Criterion
	}{
		{func(q *dataset.QCMetrics) { q.Raw = 999 }, 5, LowReads},
		{func(q *dataset.QCMetrics) { q.PercentStitched = 79.9 }, 5, LowStitched},
		{func(q *dataset.QCMetrics) { q.PercentAligned = 10 }, 5, LowAligned},
		{func(q *dataset.QCMetrics) { q.PercentSaturation = 49 }, 5, LowSaturation},
		{func(q *dataset.QCMetrics) { q.NTC = 9001 }, 5, HighNTC},
		{func(q *dataset.QCMetrics) { q.Nuclei = 19 }, 5, LowNuclei},
		{func(q *dataset.QCMetrics) { q.Area = 999 }, 5, LowArea},
		{func(q *dataset.QCMetrics) {}, 0.5, LowNegatives},
	} {
		qc := goodQC()
		v.Mutate(&qc)
		pt := &dataset.ProbeTable{
			Segments: []dataset.Segment{{ID: "s", QC: qc}},
			Probes:   []dataset.Probe{{ID: "p", Target: "Neg", Module: "m1", CodeClass: dataset.Negative}},
			Counts:   [][]float64{{1}},
		}
		negs := dataset.NegativeStats{"s": {"m1": {GeoMean: v.NegMean, GeoSD: 1}}}

		results, err := Flag(pt, negs, defaults)
		if err != nil {
			t.Fatal(err)
		}
		failed := results[0].Failed()
		if len(failed) != 1 || failed[0] != v.Expected {
			t.Errorf("Expected only %s, got %v", v.Expected, failed)
		}
		if results[0].Status != Warning {
			t.Errorf("%s: expected WARNING", v.Expected)
		}
	}
}

func TestThresholdsAreStrict(t *testing.T) {
	qc := goodQC()
	qc.Raw = 1000
	qc.PercentTrimmed = 80
	qc.NTC = 9000
	pt := &dataset.ProbeTable{
		Segments: []dataset.Segment{{ID: "s", QC: qc}},
		Probes:   []dataset.Probe{{ID: "p", Target: "Neg", Module: "m1", CodeClass: dataset.Negative}},
		Counts:   [][]float64{{1}},
	}
	negs := dataset.NegativeStats{"s": {"m1": {GeoMean: 1, GeoSD: 1}}}

	results, err := Flag(pt, negs, defaults)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Status != Pass {
		t.Errorf("Values equal to the cutoffs should pass, got %v", results[0].Failed())
	}
}

func TestSummarizeAndExcludeAll(t *testing.T) {
	pt, negs := tableWithTrimmed([]float64{10, 20})
	results, err := Flag(pt, negs, defaults)
	if err != nil {
		t.Fatal(err)
	}

	s := Summarize(results)
	if s.Warning != 2 || s.Pass != 0 || s.Failing[LowTrimmed] != 2 || s.Failing[LowArea] != 0 {
		t.Errorf("Unexpected summary %+v", s)
	}

	if _, err := Exclude(pt, results); !errors.Is(err, dataset.ErrEmpty) {
		t.Errorf("Expected ErrEmpty, got %v", err)
	}
}
