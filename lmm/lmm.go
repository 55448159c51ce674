// Package lmm fits linear mixed models with a single random intercept,
//
//	y = Xβ + Zb + e,  b ~ N(0, σ²_b I),  e ~ N(0, σ²_e I),
//
// by restricted maximum likelihood. The variance ratio γ = σ²_b/σ²_e is found
// by Nelder-Mead over u, γ = u², with σ²_e and β profiled out. Because Z maps
// each observation to one group, V = I + γZZ' is block diagonal and each block
// is inverted in closed form (Sherman-Morrison).
package lmm

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	ErrSingular      = errors.New("lmm: fixed-effect design is singular")
	ErrNoResidualDF  = errors.New("lmm: no residual degrees of freedom")
	ErrPerfectFit    = errors.New("lmm: residual variance is zero")
	ErrNonFinite     = errors.New("lmm: non-finite response value")
	ErrNotConverging = errors.New("lmm: variance optimization failed")
)

// Fit is a fitted random-intercept model.
type Fit struct {
	N, P int

	Beta []float64

	// Cov is the covariance of Beta.
	Cov *mat.SymDense

	Gamma   float64
	SigmaE2 float64
	SigmaB2 float64

	// REMLCriterion is -2 times the profiled restricted log-likelihood, up to
	// a constant.
	REMLCriterion float64

	x      *mat.Dense
	groups []int
	nGroup int
}

// FitREML fits y on the fixed-effect design x with a random intercept for
// each distinct value of groups.
func FitREML(y []float64, x *mat.Dense, groups []string) (*Fit, error) {
	n, p := x.Dims()
	if len(y) != n || len(groups) != n {
		return nil, fmt.Errorf("lmm: %d responses, %d design rows, %d group labels", len(y), n, len(groups))
	}
	for _, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, ErrNonFinite
		}
	}
	if n-p < 1 {
		return nil, ErrNoResidualDF
	}

	ids := make(map[string]int)
	gidx := make([]int, n)
	for i, g := range groups {
		k, exists := ids[g]
		if !exists {
			k = len(ids)
			ids[g] = k
		}
		gidx[i] = k
	}

	m := &model{y: y, x: x, groups: gidx, nGroup: len(ids), n: n, p: p}

	// Check identifiability before searching.
	if _, err := m.profile(0); err != nil {
		return nil, err
	}

	gamma := 0.0
	if m.nGroup > 1 && m.nGroup < n {
		problem := optimize.Problem{
			Func: func(u []float64) float64 {
				s, err := m.profile(u[0] * u[0])
				if err != nil {
					return math.Inf(1)
				}
				return s.criterion
			},
		}
		res, err := optimize.Minimize(problem, []float64{1}, nil, &optimize.NelderMead{})
		if err != nil || res == nil {
			return nil, fmt.Errorf("%w: %v", ErrNotConverging, err)
		}
		gamma = res.X[0] * res.X[0]

		// the optimum may sit on the boundary
		if at0, _ := m.profile(0); at0.criterion <= res.F {
			gamma = 0
		}
	}

	s, err := m.profile(gamma)
	if err != nil {
		return nil, err
	}

	cov := mat.NewSymDense(p, nil)
	if err := s.chol.InverseTo(cov); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	cov.ScaleSym(s.sigma2, cov)

	return &Fit{
		N:             n,
		P:             p,
		Beta:          s.beta,
		Cov:           cov,
		Gamma:         gamma,
		SigmaE2:       s.sigma2,
		SigmaB2:       gamma * s.sigma2,
		REMLCriterion: s.criterion,
		x:             x,
		groups:        gidx,
		nGroup:        m.nGroup,
	}, nil
}

type model struct {
	y      []float64
	x      *mat.Dense
	groups []int
	nGroup int
	n, p   int
}

type profiled struct {
	beta      []float64
	sigma2    float64
	criterion float64
	chol      *mat.Cholesky
}

// vinv returns V⁻¹v for V = I + γZZ' using the per-group closed form
// (I + γ11')⁻¹ = I - γ/(1+γn_g) 11'.
func (m *model) vinv(gamma float64, v []float64) []float64 {
	sums := make([]float64, m.nGroup)
	counts := make([]float64, m.nGroup)
	for i, g := range m.groups {
		sums[g] += v[i]
		counts[g]++
	}
	out := make([]float64, len(v))
	for i, g := range m.groups {
		out[i] = v[i] - gamma/(1+gamma*counts[g])*sums[g]
	}
	return out
}

func (m *model) logDetV(gamma float64) float64 {
	counts := make([]float64, m.nGroup)
	for _, g := range m.groups {
		counts[g]++
	}
	var out float64
	for _, c := range counts {
		out += math.Log1p(gamma * c)
	}
	return out
}

func (m *model) profile(gamma float64) (profiled, error) {
	var out profiled

	// columns of V⁻¹X
	vx := mat.NewDense(m.n, m.p, nil)
	col := make([]float64, m.n)
	for k := 0; k < m.p; k++ {
		mat.Col(col, k, m.x)
		vx.SetCol(k, m.vinv(gamma, col))
	}

	xtvx := mat.NewSymDense(m.p, nil)
	for a := 0; a < m.p; a++ {
		for b := a; b < m.p; b++ {
			var s float64
			for i := 0; i < m.n; i++ {
				s += m.x.At(i, a) * vx.At(i, b)
			}
			xtvx.SetSym(a, b, s)
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(xtvx); !ok {
		return out, ErrSingular
	}
	if cond := chol.Cond(); cond > 1e12 || math.IsInf(cond, 0) || math.IsNaN(cond) {
		return out, ErrSingular
	}

	vy := m.vinv(gamma, m.y)
	xtvy := mat.NewVecDense(m.p, nil)
	xtvy.MulVec(m.x.T(), mat.NewVecDense(m.n, vy))

	beta := mat.NewVecDense(m.p, nil)
	if err := chol.SolveVecTo(beta, xtvy); err != nil {
		return out, ErrSingular
	}

	r := make([]float64, m.n)
	for i := range r {
		r[i] = m.y[i] - mat.Dot(m.x.RowView(i), beta)
	}
	vr := m.vinv(gamma, r)
	var rvr float64
	for i := range r {
		rvr += r[i] * vr[i]
	}
	df := float64(m.n - m.p)
	sigma2 := rvr / df
	if !(sigma2 > 1e-300) {
		return out, ErrPerfectFit
	}

	out.beta = make([]float64, m.p)
	for k := range out.beta {
		out.beta[k] = beta.AtVec(k)
	}
	out.sigma2 = sigma2
	out.criterion = df*math.Log(sigma2) + m.logDetV(gamma) + chol.LogDet()
	out.chol = &chol

	return out, nil
}

// Contrast is the test of one linear combination of the fixed effects.
type Contrast struct {
	Estimate float64
	SE       float64
	DF       float64
	T        float64
	P        float64
}

// Test returns the estimate of c'β with a two-sided t test whose denominator
// degrees of freedom follow Satterthwaite's approximation. When the variance
// component information is singular the residual degrees of freedom n-p are
// used.
func (f *Fit) Test(c []float64) (Contrast, error) {
	var out Contrast
	if len(c) != f.P {
		return out, fmt.Errorf("lmm: contrast has %d entries, model has %d coefficients", len(c), f.P)
	}

	cv := mat.NewVecDense(f.P, c)
	for k, v := range c {
		out.Estimate += v * f.Beta[k]
	}
	variance := mat.Inner(cv, f.Cov, cv)
	if !(variance > 0) {
		return out, fmt.Errorf("lmm: contrast variance is %v", variance)
	}
	out.SE = math.Sqrt(variance)
	out.T = out.Estimate / out.SE
	out.DF = f.satterthwaite(cv, variance)

	tdist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: out.DF}
	out.P = 2 * tdist.CDF(-math.Abs(out.T))
	if out.P > 1 {
		out.P = 1
	}

	return out, nil
}

func (f *Fit) satterthwaite(c *mat.VecDense, variance float64) float64 {
	fallback := float64(f.N - f.P)
	n := f.N

	// Full-scale V⁻¹ = (σ²_e (I + γZZ'))⁻¹, assembled block by block.
	counts := make([]float64, f.nGroup)
	for _, g := range f.groups {
		counts[g]++
	}
	vinv := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			var v float64
			if f.groups[i] == f.groups[j] {
				g := f.groups[i]
				v = -f.Gamma / (1 + f.Gamma*counts[g])
				if i == j {
					v++
				}
			}
			vinv.SetSym(i, j, v/f.SigmaE2)
		}
	}

	// P = V⁻¹ - V⁻¹X C X'V⁻¹ where C = Cov(β) = (X'V⁻¹X)⁻¹
	var vx, vxc, proj mat.Dense
	vx.Mul(vinv, f.x)
	vxc.Mul(&vx, f.Cov)
	proj.Mul(&vxc, vx.T())
	var pm mat.Dense
	pm.Sub(vinv, &proj)

	// P V_b with V_b = ZZ': column j of PZZ' is the sum of P's columns in
	// j's group.
	groupSums := mat.NewDense(n, f.nGroup, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			groupSums.Set(i, f.groups[j], groupSums.At(i, f.groups[j])+pm.At(i, j))
		}
	}
	pvb := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			pvb.Set(i, j, groupSums.At(i, f.groups[j]))
		}
	}

	// Expected REML information for θ = (σ²_b, σ²_e).
	ibb := 0.5 * traceProduct(pvb, pvb)
	ibe := 0.5 * traceProduct(pvb, &pm)
	iee := 0.5 * traceProduct(&pm, &pm)
	det := ibb*iee - ibe*ibe
	if !(det > 1e-12*math.Abs(ibb*iee)) || math.IsNaN(det) {
		return fallback
	}
	abb, abe, aee := iee/det, -ibe/det, ibb/det

	// Gradient of c'Cc: with w = V⁻¹XCc, ∂/∂σ²_b = (Z'w)'(Z'w), ∂/∂σ²_e = w'w.
	var w mat.VecDense
	var cc mat.VecDense
	cc.MulVec(f.Cov, c)
	w.MulVec(&vx, &cc)
	zw := make([]float64, f.nGroup)
	for i, g := range f.groups {
		zw[g] += w.AtVec(i)
	}
	var gb, ge float64
	for _, v := range zw {
		gb += v * v
	}
	ge = mat.Dot(&w, &w)

	denom := gb*gb*abb + 2*gb*ge*abe + ge*ge*aee
	if !(denom > 0) {
		return fallback
	}
	df := 2 * variance * variance / denom
	if math.IsNaN(df) || math.IsInf(df, 0) || df <= 0 {
		return fallback
	}

	return df
}

func traceProduct(a, b mat.Matrix) float64 {
	n, _ := a.Dims()
	var out float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out += a.At(i, j) * b.At(j, i)
		}
	}
	return out
}
