package de

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/carbocation/geomx/dataset"
)

func TestBenjaminiHochberg(t *testing.T) {
	// R: p.adjust(c(0.01, 0.04, 0.03, 0.5), "BH")
	got := BenjaminiHochberg([]float64{0.01, 0.04, 0.03, 0.5})
	expected := []float64{0.04, 0.16 / 3, 0.16 / 3, 0.5}
	for i := range expected {
		if math.Abs(got[i]-expected[i]) > 1e-12 {
			t.Errorf("[%d]: got %f, expected %f", i, got[i], expected[i])
		}
	}

	got = BenjaminiHochberg([]float64{0.01, math.NaN(), 0.02})
	if !math.IsNaN(got[1]) || math.Abs(got[0]-0.02) > 1e-12 || math.Abs(got[2]-0.02) > 1e-12 {
		t.Errorf("NaN handling: got %v", got)
	}
}

func TestBenjaminiHochbergMonotone(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	p := make([]float64, 500)
	for i := range p {
		p[i] = math.Pow(rng.Float64(), 3)
	}
	q := BenjaminiHochberg(p)

	for i := range p {
		if q[i] < p[i] || q[i] > 1 {
			t.Fatalf("q[%d]=%f outside [p, 1] for p=%f", i, q[i], p[i])
		}
		for j := range p {
			if p[i] < p[j] && q[i] > q[j] {
				t.Fatalf("p %f < %f but q %f > %f", p[i], p[j], q[i], q[j])
			}
		}
	}
}

// Two zones, three slides per zone, two segments per class per slide.
func deTable(genes int, seed int64) *dataset.GeneTable {
	rng := rand.New(rand.NewSource(seed))
	g := &dataset.GeneTable{}

	for _, zone := range []string{"zone 1", "zone 2"} {
		for s := 0; s < 3; s++ {
			for _, class := range []string{"I/R", "I/R", "sham", "sham"} {
				g.Segments = append(g.Segments, dataset.Segment{
					ID:     fmt.Sprintf("%s-%d-%d", zone, s, len(g.Segments)),
					Slide:  fmt.Sprintf("slide%d", s),
					Region: zone,
					Class:  class,
				})
			}
		}
	}

	for i := 0; i < genes; i++ {
		g.Targets = append(g.Targets, dataset.Target{Name: fmt.Sprintf("gene%03d", i), Module: "m1"})
		effect := 0.0
		if i%4 == 0 {
			effect = 1.5
		}
		row := make([]float64, len(g.Segments))
		slideOffset := []float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
		for j, s := range g.Segments {
			v := 6 + rng.NormFloat64()*0.4
			v += slideOffset[int(s.Slide[len(s.Slide)-1]-'0')] * 0.5
			if s.Class == "I/R" {
				v += effect
			}
			row[j] = math.Pow(2, v)
		}
		g.Counts = append(g.Counts, row)
	}

	out, _ := g.WithLayer(dataset.LayerQuantile, g.Counts)
	return out
}

var defaults = Config{
	Layer:        dataset.LayerQuantile,
	StratumField: "Region",
	ClassField:   "Class",
	GroupField:   "SlideName",
}

func TestStrataCorrectedIndependently(t *testing.T) {
	g := deTable(100, 1)

	rows, err := Run(g, defaults)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 200 {
		t.Fatalf("Got %d rows, expected 200", len(rows))
	}

	byStratum := make(map[string][]Row)
	for _, r := range rows {
		if r.Missing() {
			t.Fatalf("Unexpected failed fit: %+v", r)
		}
		if r.Contrast != "I/R - sham" {
			t.Fatalf("Unexpected contrast %q", r.Contrast)
		}
		byStratum[r.Stratum] = append(byStratum[r.Stratum], r)
	}
	if len(byStratum) != 2 {
		t.Fatalf("Got strata %v", byStratum)
	}

	for stratum, rs := range byStratum {
		if len(rs) != 100 {
			t.Errorf("%s: got %d rows, expected 100", stratum, len(rs))
		}
		p := make([]float64, len(rs))
		for i, r := range rs {
			p[i] = r.PValue
		}
		q := BenjaminiHochberg(p)
		for i, r := range rs {
			if math.Abs(q[i]-r.FDR) > 1e-12 {
				t.Fatalf("%s %s: FDR %g, expected %g from a per-stratum correction", stratum, r.Gene, r.FDR, q[i])
			}
		}
	}

	sorted := sort.SliceIsSorted(rows, func(a, b int) bool {
		if rows[a].Gene != rows[b].Gene {
			return rows[a].Gene < rows[b].Gene
		}
		return rows[a].Stratum < rows[b].Stratum
	})
	if !sorted {
		t.Error("Rows are not sorted by gene then stratum")
	}

	// genes with a real effect should mostly come out with a positive
	// estimate near 1.5
	for _, r := range rows {
		if r.Gene == "gene000" && (r.Estimate < 0.5 || r.Estimate > 2.5) {
			t.Errorf("%s %s: estimate %f, expected near 1.5", r.Gene, r.Stratum, r.Estimate)
		}
	}
}

func TestDeterministicAcrossWorkers(t *testing.T) {
	g := deTable(20, 3)

	one := defaults
	one.Workers = 1
	a, err := Run(g, one)
	if err != nil {
		t.Fatal(err)
	}

	many := defaults
	many.Workers = 8
	b, err := Run(g, many)
	if err != nil {
		t.Fatal(err)
	}

	for i := range a {
		if a[i].Gene != b[i].Gene || a[i].Stratum != b[i].Stratum || a[i].PValue != b[i].PValue {
			t.Fatalf("Row %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestFailureIsolated(t *testing.T) {
	g := deTable(5, 2)
	layer, _ := g.Layer(dataset.LayerQuantile)
	broken := make([][]float64, len(layer))
	for i := range layer {
		broken[i] = append([]float64(nil), layer[i]...)
	}
	broken[2][0] = 0
	g, _ = g.WithLayer(dataset.LayerQuantile, broken)

	rows, err := Run(g, defaults)
	if err != nil {
		t.Fatal(err)
	}

	for _, r := range rows {
		failed := r.Gene == "gene002" && r.Stratum == "zone 1"
		if failed != r.Missing() {
			t.Errorf("%s %s: missing=%v (%s)", r.Gene, r.Stratum, r.Missing(), r.Error)
		}
		if failed && (!math.IsNaN(r.PValue) || !math.IsNaN(r.FDR)) {
			t.Errorf("Failed row should have NA values: %+v", r)
		}
	}
}

func TestAbsentLevel(t *testing.T) {
	g := deTable(3, 4)
	for j := range g.Segments {
		if g.Segments[j].Region == "zone 2" {
			g.Segments[j].Class = "sham"
		}
	}

	rows, err := Run(g, defaults)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range rows {
		if (r.Stratum == "zone 2") != r.Missing() {
			t.Errorf("%s %s: missing=%v", r.Gene, r.Stratum, r.Missing())
		}
	}
}

func TestContrastsOrder(t *testing.T) {
	got := Contrasts([]string{"sham", "I/R", "mild"})
	expected := []string{"sham - I/R", "sham - mild", "I/R - mild"}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("Got %v, expected %v", got, expected)
			break
		}
	}
}

func TestOutsideLevels(t *testing.T) {
	g := deTable(3, 5)
	g.Segments[0].Class = "mild"
	g.Segments[1].Class = "mild"
	g.Segments[len(g.Segments)-1].Class = ""

	_, byStratum, err := Strata(g, "Region")
	if err != nil {
		t.Fatal(err)
	}
	got := OutsideLevels(g, byStratum, []string{"I/R", "sham"}, "Class")
	if got["zone 1"] != 2 || got["zone 2"] != 1 {
		t.Errorf("Got %v, expected 2 in zone 1 and 1 in zone 2", got)
	}

	cfg := defaults
	cfg.Levels = []string{"I/R", "sham"}
	rows, err := Run(g, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3*2 {
		t.Errorf("Got %d rows, expected 6", len(rows))
	}
}
