package nei

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"arsynth/internal/atomdb"
)

// system holds the scratch space for one element's rate equations.
type system struct {
	el        *atomdb.Element
	n         int
	ionize    []float64
	recombine []float64
	a         *mat.Dense
	lu        mat.LU
	rhs       *mat.VecDense
	out       *mat.VecDense
}

func newSystem(el *atomdb.Element) *system {
	n := el.Stages()
	return &system{
		el:        el,
		n:         n,
		ionize:    make([]float64, n),
		recombine: make([]float64, n),
		a:         mat.NewDense(n, n, nil),
		rhs:       mat.NewVecDense(n, nil),
		out:       mat.NewVecDense(n, nil),
	}
}

// rateMatrix fills s.a with scale * M(T), where dF/dt = n_e M(T) F:
//
//	M[i][i]   = -(C_i + R_i)
//	M[i][i-1] = C_{i-1}
//	M[i][i+1] = R_{i+1}
//
// Every column of M sums to zero, so the total population is conserved.
func (s *system) rateMatrix(t, scale float64) {
	s.el.Rates(t, s.ionize, s.recombine)
	s.a.Zero()
	for i := 0; i < s.n; i++ {
		s.a.Set(i, i, -scale*(s.ionize[i]+s.recombine[i]))
		if i > 0 {
			s.a.Set(i, i-1, scale*s.ionize[i-1])
		}
		if i < s.n-1 {
			s.a.Set(i, i+1, scale*s.recombine[i+1])
		}
	}
}

// implicitStep advances f by one backward Euler step of length h with the
// coefficients evaluated at the step end (temperature t, density density):
// (I - h n_e M) f' = f. dst and f may alias.
func (s *system) implicitStep(dst, f []float64, h, t, density float64) bool {
	s.rateMatrix(t, -h*density)
	for i := 0; i < s.n; i++ {
		s.a.Set(i, i, s.a.At(i, i)+1)
	}
	s.lu.Factorize(s.a)
	copy(s.rhs.RawVector().Data, f)
	if !s.solve() {
		return false
	}
	copy(dst, s.out.RawVector().Data)
	return finite(dst)
}

// equilibrium returns the populations satisfying M(T) F = 0 with sum(F) = 1.
// When the balance is degenerate (no rates at all) the element is neutral.
func (s *system) equilibrium(t float64) []float64 {
	s.rateMatrix(t, 1)
	for j := 0; j < s.n; j++ {
		s.a.Set(s.n-1, j, 1)
	}
	s.rhs.Zero()
	s.rhs.SetVec(s.n-1, 1)
	s.lu.Factorize(s.a)
	out := make([]float64, s.n)
	if s.lu.Det() == 0 {
		out[0] = 1
		return out
	}
	if !s.solve() || !finite(s.out.RawVector().Data) {
		out[0] = 1
		return out
	}
	copy(out, s.out.RawVector().Data)
	clipNegative(out)
	floats.Scale(1/floats.Sum(out), out)
	return out
}

// solve solves the factorized system into s.out. An ill-conditioned matrix
// still yields a usable solution; only a singular one fails.
func (s *system) solve() bool {
	err := s.lu.SolveVecTo(s.out, false, s.rhs)
	if err == nil {
		return true
	}
	var cond mat.Condition
	return errors.As(err, &cond) && !math.IsInf(float64(cond), 0)
}

func clipNegative(f []float64) {
	for i, v := range f {
		if v < 0 {
			f[i] = 0
		}
	}
}

func finite(f []float64) bool {
	for _, v := range f {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
