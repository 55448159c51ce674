package lmm

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func design(classes []float64) *mat.Dense {
	x := mat.NewDense(len(classes), 2, nil)
	for i, c := range classes {
		x.Set(i, 0, 1)
		x.Set(i, 1, c)
	}
	return x
}

// With one observation per group the variance ratio is not identifiable and
// the fit reduces to ordinary least squares.
func TestSingletonGroupsMatchOLS(t *testing.T) {
	y := []float64{1, 2, 3, 4, 5, 6}
	x := design([]float64{0, 0, 0, 1, 1, 1})
	groups := []string{"a", "b", "c", "d", "e", "f"}

	fit, err := FitREML(y, x, groups)
	if err != nil {
		t.Fatal(err)
	}
	if fit.Gamma != 0 {
		t.Errorf("Gamma: got %f, expected 0", fit.Gamma)
	}
	if math.Abs(fit.SigmaE2-1) > 1e-9 {
		t.Errorf("SigmaE2: got %f, expected 1", fit.SigmaE2)
	}

	c, err := fit.Test([]float64{0, 1})
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range []struct {
		Name          string
		Got, Expected float64
	}{
		{"Estimate", c.Estimate, 3},
		{"SE", c.SE, math.Sqrt(2.0 / 3)},
		{"DF", c.DF, 4},
		{"P", c.P, 0.021311641},
	} {
		if math.Abs(v.Got-v.Expected) > 1e-6 {
			t.Errorf("%s: got %.9f, expected %.9f", v.Name, v.Got, v.Expected)
		}
	}
}

// Three slides with large offsets; each slide holds two segments of each
// class. The class effect is balanced within slides, so its estimate is the
// difference of class means whatever the variance ratio.
func TestRandomInterceptAbsorbsSlideEffect(t *testing.T) {
	offsets := map[string]float64{"s1": 0, "s2": 10, "s3": 20}
	noise := []float64{0.3, -0.1, -0.2, 0.4, 0.1, -0.3, 0.2, 0.0, -0.4, 0.2, 0.1, -0.2}

	var y, classes []float64
	var groups []string
	k := 0
	for _, slide := range []string{"s1", "s2", "s3"} {
		for _, class := range []float64{0, 0, 1, 1} {
			y = append(y, offsets[slide]+2*class+noise[k])
			classes = append(classes, class)
			groups = append(groups, slide)
			k++
		}
	}

	var sum0, sum1 float64
	for i, c := range classes {
		if c == 1 {
			sum1 += y[i]
		} else {
			sum0 += y[i]
		}
	}
	expected := sum1/6 - sum0/6

	fit, err := FitREML(y, design(classes), groups)
	if err != nil {
		t.Fatal(err)
	}
	if fit.Gamma < 10 {
		t.Errorf("Expected the slide variance to dominate, got gamma %f", fit.Gamma)
	}
	if fit.SigmaB2 <= fit.SigmaE2 {
		t.Errorf("SigmaB2 %f should exceed SigmaE2 %f", fit.SigmaB2, fit.SigmaE2)
	}

	c, err := fit.Test([]float64{0, 1})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(c.Estimate-expected) > 1e-6 {
		t.Errorf("Estimate: got %f, expected %f", c.Estimate, expected)
	}
	if !(c.DF > 0) || c.DF > float64(len(y)) {
		t.Errorf("DF %f out of range", c.DF)
	}
	if c.P >= 0.01 {
		t.Errorf("Expected a significant class effect, got p=%g", c.P)
	}
}

func TestFitFailures(t *testing.T) {
	groups := []string{"a", "a", "b", "b"}

	x := mat.NewDense(4, 2, []float64{1, 1, 1, 1, 1, 1, 1, 1})
	if _, err := FitREML([]float64{1, 2, 3, 4}, x, groups); !errors.Is(err, ErrSingular) {
		t.Errorf("Collinear design: expected ErrSingular, got %v", err)
	}

	if _, err := FitREML([]float64{1, math.NaN(), 3, 4}, design([]float64{0, 1, 0, 1}), groups); !errors.Is(err, ErrNonFinite) {
		t.Errorf("NaN response: expected ErrNonFinite, got %v", err)
	}

	if _, err := FitREML([]float64{1, 2}, design([]float64{0, 1}), []string{"a", "b"}); !errors.Is(err, ErrNoResidualDF) {
		t.Errorf("Saturated model: expected ErrNoResidualDF, got %v", err)
	}

	if _, err := FitREML([]float64{1, 1, 2, 2}, design([]float64{0, 0, 1, 1}), groups); !errors.Is(err, ErrPerfectFit) {
		t.Errorf("Perfect fit: expected ErrPerfectFit, got %v", err)
	}
}
