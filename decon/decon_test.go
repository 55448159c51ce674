package decon

import (
	"fmt"
	"math"
	"testing"

	"github.com/carbocation/geomx/dataset"
)

var testSignature = Signature{
	Genes:     []string{"g1", "g2", "g3", "g4", "g5", "g6"},
	CellTypes: []string{"cardiomyocyte", "fibroblast", "macrophage"},
	Values: [][]float64{
		{10, 1, 0},
		{8, 0, 1},
		{1, 12, 2},
		{0, 9, 1},
		{2, 1, 15},
		{0, 2, 11},
	},
}

// mixture builds a layer of bg + signature·beta for each segment, with one
// negative control target per table.
func mixture(betas [][]float64, bg float64) *dataset.GeneTable {
	g := &dataset.GeneTable{}
	for j := range betas {
		g.Segments = append(g.Segments, dataset.Segment{
			ID: fmt.Sprintf("s%d", j),
			QC: dataset.QCMetrics{Nuclei: 200},
		})
	}

	for i, gene := range testSignature.Genes {
		g.Targets = append(g.Targets, dataset.Target{Name: gene, Module: "m1"})
		row := make([]float64, len(betas))
		for j, beta := range betas {
			row[j] = bg
			for k, b := range beta {
				row[j] += testSignature.Values[i][k] * b
			}
		}
		g.Counts = append(g.Counts, row)
	}

	g.Targets = append(g.Targets, dataset.Target{Name: "NegProbe-WTX", Module: "m1", Negative: true})
	neg := make([]float64, len(betas))
	for j := range neg {
		neg[j] = bg
	}
	g.Counts = append(g.Counts, neg)

	out, _ := g.WithLayer(dataset.LayerQuantile, g.Counts)
	return out
}

func TestRunRecoversMixture(t *testing.T) {
	betas := [][]float64{
		{3, 5, 2},
		{0, 4, 1},
		{6, 0, 0.5},
	}
	g := mixture(betas, 10)

	res, err := Run(g, testSignature, dataset.LayerQuantile, NNLS{})
	if err != nil {
		t.Fatal(err)
	}

	if len(res.Genes) != 6 {
		t.Fatalf("Got %d genes, expected the 6 non-negative shared genes", len(res.Genes))
	}

	for j, beta := range betas {
		var total float64
		for _, b := range beta {
			total += b
		}
		for k, expected := range beta {
			if math.Abs(res.Beta[k][j]-expected) > 1e-6 {
				t.Errorf("%s %s: beta %f, expected %f", res.SegmentIDs[j], res.CellTypes[k], res.Beta[k][j], expected)
			}
			if math.Abs(res.Prop[k][j]-expected/total) > 1e-6 {
				t.Errorf("%s %s: proportion %f, expected %f", res.SegmentIDs[j], res.CellTypes[k], res.Prop[k][j], expected/total)
			}
			if math.Abs(res.CellCounts[k][j]-200*expected/total) > 1e-4 {
				t.Errorf("%s %s: cell count %f", res.SegmentIDs[j], res.CellTypes[k], res.CellCounts[k][j])
			}
		}
	}

	// cardiomyocyte is absent from s1 and sits on the bound
	if res.Sigma[0][1] > 1e-6 {
		t.Errorf("Bound coefficient should have zero SE, got %f", res.Sigma[0][1])
	}

	for r := range res.Residual {
		for j := range res.Residual[r] {
			if math.Abs(res.Residual[r][j]) > 1e-6 {
				t.Fatalf("Residual of an exact mixture should be 0, got %g", res.Residual[r][j])
			}
		}
	}
}

func TestRunTooFewGenes(t *testing.T) {
	g := mixture([][]float64{{1, 1, 1}}, 5)
	sig := Signature{
		Genes:     []string{"g1", "nope"},
		CellTypes: []string{"a", "b"},
		Values:    [][]float64{{1, 0}, {0, 1}},
	}
	if _, err := Run(g, sig, dataset.LayerQuantile, NNLS{}); err == nil {
		t.Error("Expected an error with fewer shared genes than cell types")
	}
}

func TestBackground(t *testing.T) {
	g := &dataset.GeneTable{
		Segments: []dataset.Segment{{ID: "s1"}, {ID: "s2"}},
		Targets: []dataset.Target{
			{Name: "A", Module: "m1"},
			{Name: "Neg1", Module: "m1", Negative: true},
			{Name: "Neg2", Module: "m1", Negative: true},
			{Name: "B", Module: "m1"},
		},
		Counts: [][]float64{
			{100, 200},
			{2, 4},
			{4, 8},
			{50, 50},
		},
	}

	bg, err := Background(g, "")
	if err != nil {
		t.Fatal(err)
	}
	if bg[0][0] != 3 || bg[0][1] != 6 {
		t.Errorf("Got %v, expected the mean of the module negatives", bg[0])
	}

	// m2 has no negative control target
	g.Targets[3].Module = "m2"
	if _, err := Background(g, ""); err == nil {
		t.Error("Expected an error for a module without negatives")
	}
}

func TestWeights(t *testing.T) {
	cases := []struct {
		Raw      float64
		Expected float64
	}{
		// sd = 1/(ln2·√1) ≈ 1.4427
		{0, math.Ln2},
		// sd = 1/(ln2·√100) ≈ 0.1443
		{99, 10 * math.Ln2},
		// sd floors at 0.1
		{1e6, 10},
	}

	for _, cs := range cases {
		w := Weights([][]float64{{cs.Raw}})
		if math.Abs(w[0][0]-cs.Expected) > 1e-12 {
			t.Errorf("raw %f: got %f, expected %f", cs.Raw, w[0][0], cs.Expected)
		}
	}
}

func collapseInput() Result {
	return Result{
		CellTypes:  []string{"a", "b", "c", "d"},
		SegmentIDs: []string{"s0", "s1"},
		Nuclei:     []float64{100, 0},
		Beta: [][]float64{
			{1, 0},
			{2, 1},
			{3, 3},
			{4, 0},
		},
		Sigma: [][]float64{
			{0.1, 0},
			{0.2, 0.1},
			{0.3, 0.3},
			{0.4, 0},
		},
	}
}

func TestCollapse(t *testing.T) {
	out, err := Collapse(collapseInput(), map[string][]string{"bd": {"b", "d"}})
	if err != nil {
		t.Fatal(err)
	}

	expected := []string{"a", "bd", "c"}
	if len(out.CellTypes) != len(expected) {
		t.Fatalf("Got %v, expected %v", out.CellTypes, expected)
	}
	for k := range expected {
		if out.CellTypes[k] != expected[k] {
			t.Fatalf("Got %v, expected %v", out.CellTypes, expected)
		}
	}

	if out.Beta[1][0] != 6 || out.Beta[1][1] != 1 {
		t.Errorf("Merged beta: got %v", out.Beta[1])
	}
	if !math.IsNaN(out.Sigma[1][0]) || out.Sigma[0][0] != 0.1 {
		t.Errorf("Sigma: got %v", out.Sigma)
	}

	for j := range out.SegmentIDs {
		var in, after, prop float64
		for k := range collapseInput().Beta {
			in += collapseInput().Beta[k][j]
		}
		for k := range out.Beta {
			after += out.Beta[k][j]
			prop += out.Prop[k][j]
		}
		if in != after {
			t.Errorf("%s: total abundance %f became %f", out.SegmentIDs[j], in, after)
		}
		if math.Abs(prop-1) > 1e-12 {
			t.Errorf("%s: proportions sum to %f", out.SegmentIDs[j], prop)
		}
	}

	if math.Abs(out.CellCounts[1][0]-60) > 1e-9 {
		t.Errorf("Cell count: got %f, expected 60", out.CellCounts[1][0])
	}
	if !math.IsNaN(out.CellCounts[1][1]) {
		t.Errorf("Segment without nuclei should have NaN counts, got %f", out.CellCounts[1][1])
	}
}

func TestCollapseStepwiseMatchesDirect(t *testing.T) {
	direct, err := Collapse(collapseInput(), map[string][]string{"abc": {"a", "b", "c"}})
	if err != nil {
		t.Fatal(err)
	}

	first, err := Collapse(collapseInput(), map[string][]string{"ab": {"a", "b"}})
	if err != nil {
		t.Fatal(err)
	}
	second, err := Collapse(first, map[string][]string{"abc": {"ab", "c"}})
	if err != nil {
		t.Fatal(err)
	}

	for k := range direct.CellTypes {
		if direct.CellTypes[k] != second.CellTypes[k] {
			t.Fatalf("Got %v and %v", direct.CellTypes, second.CellTypes)
		}
		for j := range direct.SegmentIDs {
			if direct.Beta[k][j] != second.Beta[k][j] {
				t.Errorf("%s %s: %f vs %f", direct.CellTypes[k], direct.SegmentIDs[j], direct.Beta[k][j], second.Beta[k][j])
			}
		}
	}
}

func TestCollapseErrors(t *testing.T) {
	cases := map[string]map[string][]string{
		"unknown":   {"x": {"a", "zzz"}},
		"twice":     {"x": {"a", "b"}, "y": {"b", "c"}},
		"no member": {"x": {}},
	}
	for name, mapping := range cases {
		if _, err := Collapse(collapseInput(), mapping); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestReverse(t *testing.T) {
	res := Result{
		CellTypes:  []string{"a", "b", "empty"},
		SegmentIDs: []string{"s0", "s1", "s2", "s3", "s4"},
		Beta: [][]float64{
			{1, 2, 3, 4, 5},
			{2, 1, 4, 3, 6},
			{0, 0, 0, 0, 0},
		},
	}

	g := &dataset.GeneTable{}
	for _, id := range res.SegmentIDs {
		g.Segments = append(g.Segments, dataset.Segment{ID: id})
	}
	// gene = 7 + 2a + 3b
	g.Targets = []dataset.Target{{Name: "g1", Module: "m1"}, {Name: "Neg", Module: "m1", Negative: true}}
	row := make([]float64, 5)
	for j := range row {
		row[j] = 7 + 2*res.Beta[0][j] + 3*res.Beta[1][j]
	}
	g.Counts = [][]float64{row, {1, 1, 1, 1, 1}}

	out, err := Reverse(g, "", res)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Genes) != 1 || out.Genes[0] != "g1" {
		t.Fatalf("Got genes %v", out.Genes)
	}
	if out.Error[0] != "" {
		t.Fatalf("Unexpected failure: %s", out.Error[0])
	}

	if math.Abs(out.Intercept[0]-7) > 1e-6 {
		t.Errorf("Intercept: got %f, expected 7", out.Intercept[0])
	}
	if math.Abs(out.Coefs[0][0]-2) > 1e-6 || math.Abs(out.Coefs[0][1]-3) > 1e-6 {
		t.Errorf("Coefficients: got %v, expected (2, 3)", out.Coefs[0])
	}
	if !math.IsNaN(out.Coefs[0][2]) {
		t.Errorf("All-zero cell type should be NaN, got %f", out.Coefs[0][2])
	}
	if math.Abs(out.Cor[0]-1) > 1e-9 {
		t.Errorf("Correlation: got %f, expected 1", out.Cor[0])
	}
	if out.ResidSD[0] > 1e-6 {
		t.Errorf("Residual SD: got %g, expected 0", out.ResidSD[0])
	}
}

func TestReverseTooFewSegments(t *testing.T) {
	res := Result{
		CellTypes:  []string{"a", "b"},
		SegmentIDs: []string{"s0", "s1"},
		Beta:       [][]float64{{1, 2}, {2, 1}},
	}
	g := &dataset.GeneTable{
		Segments: []dataset.Segment{{ID: "s0"}, {ID: "s1"}},
		Targets:  []dataset.Target{{Name: "g1", Module: "m1"}},
		Counts:   [][]float64{{3, 4}},
	}

	out, err := Reverse(g, "", res)
	if err != nil {
		t.Fatal(err)
	}
	if out.Error[0] == "" || !math.IsNaN(out.Intercept[0]) {
		t.Errorf("Expected a per-gene failure, got %+v", out)
	}
}
