package geomx

import (
	"math"
	"testing"
)

func TestGeoMean(t *testing.T) {
	for _, v := range []struct {
		In       []float64
		Expected float64
	}{
		{[]float64{10, 20, 5}, 10},
		{[]float64{5, 10, 20}, 10},
		{[]float64{20, 5, 10}, 10},
		{[]float64{2, 8}, 4},
		{[]float64{7}, 7},
		{[]float64{10, math.NaN(), 20, 5}, 10},
	} {
		got, ok := GeoMean(v.In)
		if !ok {
			t.Fatalf("GeoMean(%v) reported no contributing values", v.In)
		}
		if math.Abs(got-v.Expected) > 1e-9 {
			t.Errorf("GeoMean(%v) = %.12f, expected %.12f", v.In, got, v.Expected)
		}
	}
}

func TestGeoMeanEqualsExpMeanLog(t *testing.T) {
	in := []float64{3, 17, 250, 1, 42}
	var s float64
	for _, v := range in {
		s += math.Log(v)
	}
	expected := math.Exp(s / float64(len(in)))

	got, _ := GeoMean(in)
	if math.Abs(got-expected) > 1e-9 {
		t.Errorf("Got %f, expected %f", got, expected)
	}
}

func TestGeoMeanRejectsEmptyAndNonPositive(t *testing.T) {
	if _, ok := GeoMean([]float64{math.NaN(), math.NaN()}); ok {
		t.Error("Expected all-NaN input to have no geometric mean")
	}
	if _, ok := GeoMean([]float64{1, 0, 3}); ok {
		t.Error("Expected zero to be rejected")
	}
}

func TestGeoMeanSD(t *testing.T) {
	// logs are ln(1), ln(e^2) -> mean 1, sample SD sqrt(2)
	mean, sd, ok := GeoMeanSD([]float64{1, math.Exp(2)})
	if !ok {
		t.Fatal("Expected a result")
	}
	if math.Abs(mean-math.E) > 1e-9 {
		t.Errorf("Mean: got %f, expected %f", mean, math.E)
	}
	if expected := math.Exp(math.Sqrt2); math.Abs(sd-expected) > 1e-9 {
		t.Errorf("SD: got %f, expected %f", sd, expected)
	}

	_, sd, _ = GeoMeanSD([]float64{12})
	if sd != 1 {
		t.Errorf("Single value geometric SD: got %f, expected 1", sd)
	}
}
