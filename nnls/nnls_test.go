package nnls

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestSolveExact(t *testing.T) {
	// b lies in the cone of the columns: x = (2, 0, 3)
	a := mat.NewDense(4, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
		1, 1, 1,
	})
	b := []float64{2, 0, 3, 5}

	res, err := Solve(a, b)
	if err != nil {
		t.Fatal(err)
	}
	for j, expected := range []float64{2, 0, 3} {
		if math.Abs(res.X[j]-expected) > 1e-9 {
			t.Errorf("x[%d]: got %f, expected %f", j, res.X[j], expected)
		}
	}
	if res.Active[1] {
		t.Error("Zero coefficient should not be active")
	}
	if res.ResidualSS > 1e-18 {
		t.Errorf("Residual: got %g", res.ResidualSS)
	}
}

func TestSolveClampsNegative(t *testing.T) {
	a := mat.NewDense(3, 2, []float64{
		1, 1,
		1, 2,
		1, 3,
	})
	b := []float64{0, -1, -2}

	res, err := Solve(a, b)
	if err != nil {
		t.Fatal(err)
	}
	for j, v := range res.X {
		if v < 0 {
			t.Errorf("x[%d] = %f is negative", j, v)
		}
	}
	// b has no non-negative component along either column, so x = 0
	if res.X[0] != 0 || res.X[1] != 0 {
		t.Errorf("Got %v, expected zeros", res.X)
	}
	if math.Abs(res.ResidualSS-5) > 1e-12 {
		t.Errorf("Residual: got %f, expected 5", res.ResidualSS)
	}
}

func TestSolvePartiallyActive(t *testing.T) {
	// Unconstrained least squares gives x = (2.5, -0.5); NNLS keeps only the
	// first column: x1 = (a1'b)/(a1'a1) = (2 + 3 + 1)/3 = 2.
	a := mat.NewDense(3, 2, []float64{
		1, 0,
		1, 1,
		1, 2,
	})
	b := []float64{2, 3, 1}

	res, err := Solve(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res.X[0]-2) > 1e-9 || res.X[1] != 0 {
		t.Errorf("Got %v, expected (2, 0)", res.X)
	}
}

func TestSolveWeighted(t *testing.T) {
	a := mat.NewDense(2, 1, []float64{1, 1})
	b := []float64{1, 3}

	// equal weights: mean
	res, err := SolveWeighted(a, b, []float64{1, 1})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res.X[0]-2) > 1e-9 {
		t.Errorf("Got %f, expected 2", res.X[0])
	}

	// weight 3 on the second row: (1*1 + 9*3)/(1 + 9) = 2.8
	res, err = SolveWeighted(a, b, []float64{1, 3})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res.X[0]-2.8) > 1e-9 {
		t.Errorf("Got %f, expected 2.8", res.X[0])
	}
}
