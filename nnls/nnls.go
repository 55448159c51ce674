// Package nnls solves non-negative least squares problems,
//
//	minimize ||Ax - b||²  subject to  x >= 0,
//
// with the active set method of Lawson and Hanson.
package nnls

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var ErrNoConvergence = errors.New("nnls: iteration limit reached")

// Result holds the solution and the set of strictly positive coefficients.
type Result struct {
	X      []float64
	Active []bool

	// ResidualSS is ||Ax - b||².
	ResidualSS float64
}

// Solve returns the non-negative least squares solution of Ax = b.
func Solve(a mat.Matrix, b []float64) (Result, error) {
	m, n := a.Dims()
	if len(b) != m {
		return Result{}, fmt.Errorf("nnls: A has %d rows, b has %d entries", m, len(b))
	}
	for _, v := range b {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Result{}, fmt.Errorf("nnls: non-finite target value")
		}
	}

	x := make([]float64, n)
	active := make([]bool, n)
	bv := mat.NewVecDense(m, b)

	tol := 10 * 2.220446049250313e-16 * mat.Norm(a, 1) * float64(maxInt(m, n))
	gradTol := 1e-10 * mat.Norm(a, 1) * math.Max(1, floats.Norm(b, math.Inf(1)))

	gradient := func() []float64 {
		var ax, r, w mat.VecDense
		ax.MulVec(a, mat.NewVecDense(n, x))
		r.SubVec(bv, &ax)
		w.MulVec(a.T(), &r)
		return w.RawVector().Data
	}

	maxIter := 3 * n
	if maxIter < 30 {
		maxIter = 30
	}
	iter := 0

	// blocked columns entered the active set and immediately came out
	// non-positive; they stay out until x changes.
	blocked := make([]bool, n)

	for {
		w := gradient()
		best, bestW := -1, gradTol
		for j := 0; j < n; j++ {
			if !active[j] && !blocked[j] && w[j] > bestW {
				best, bestW = j, w[j]
			}
		}
		if best < 0 {
			break
		}
		active[best] = true
		entering := true

		for {
			iter++
			if iter > maxIter {
				return Result{X: x, Active: active}, ErrNoConvergence
			}

			s, err := solveActive(a, bv, active)
			if err != nil {
				return Result{X: x, Active: active}, err
			}
			if entering && s[best] <= tol {
				active[best] = false
				blocked[best] = true
				break
			}
			entering = false
			for j := range blocked {
				blocked[j] = false
			}

			feasible := true
			for j := 0; j < n; j++ {
				if active[j] && s[j] <= tol {
					feasible = false
					break
				}
			}
			if feasible {
				copy(x, s)
				break
			}

			alpha := math.Inf(1)
			for j := 0; j < n; j++ {
				if active[j] && s[j] <= tol {
					v := 0.0
					if d := x[j] - s[j]; d > 0 {
						v = x[j] / d
					}
					if v < alpha {
						alpha = v
					}
				}
			}
			for j := 0; j < n; j++ {
				x[j] += alpha * (s[j] - x[j])
				if active[j] && x[j] <= tol {
					x[j] = 0
					active[j] = false
				}
			}
		}
	}

	var ax mat.VecDense
	ax.MulVec(a, mat.NewVecDense(n, x))
	resid := make([]float64, m)
	floats.SubTo(resid, b, ax.RawVector().Data)

	return Result{X: x, Active: active, ResidualSS: floats.Dot(resid, resid)}, nil
}

// solveActive solves the unconstrained least squares problem on the active
// columns; inactive entries are zero.
func solveActive(a mat.Matrix, b *mat.VecDense, active []bool) ([]float64, error) {
	m, n := a.Dims()
	var cols []int
	for j, on := range active {
		if on {
			cols = append(cols, j)
		}
	}

	ap := mat.NewDense(m, len(cols), nil)
	for k, j := range cols {
		for i := 0; i < m; i++ {
			ap.Set(i, k, a.At(i, j))
		}
	}

	var s mat.VecDense
	if err := s.SolveVec(ap, b); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("nnls: %w", err)
		}
	}

	out := make([]float64, n)
	for k, j := range cols {
		out[j] = s.AtVec(k)
	}
	return out, nil
}

// SolveWeighted minimizes Σ w_i² (A_i x - b_i)² subject to x >= 0.
func SolveWeighted(a mat.Matrix, b, weights []float64) (Result, error) {
	m, n := a.Dims()
	if len(weights) != m {
		return Result{}, fmt.Errorf("nnls: %d weights for %d rows", len(weights), m)
	}

	aw := mat.NewDense(m, n, nil)
	bw := make([]float64, m)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			aw.Set(i, j, a.At(i, j)*weights[i])
		}
		bw[i] = b[i] * weights[i]
	}

	return Solve(aw, bw)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
