package estimators

import (
	"github.com/talgya/hubbard-cpmc/internal/hubbard"
	"github.com/talgya/hubbard-cpmc/internal/linalg"
	"github.com/talgya/hubbard-cpmc/internal/walkers"
)

// itcfEstimator accumulates the site-averaged single-particle greater
// Green's function <c_i(tau) c_i^dag(0)> for tau = 0..tmax steps.
type itcfEstimator struct {
	stable bool
	tmax   int
	nums   []float64
	den    float64
	series [][]float64
}

// UpdateITCF measures the correlation window for every live walker: the
// equal-time Green's function at the window origin is propagated forward
// through the recorded field configurations. The stable path carries the
// product in QR-factored form, re-orthogonalizing at every slice so long-tau
// values do not drown in amplified noise; the direct path multiplies raw
// matrices and is only trustworthy for small tmax.
func (r *Registry) UpdateITCF(pop *walkers.Population) {
	n := r.model.Nbasis
	for _, w := range pop.Walkers {
		if !w.Alive() || !w.Hist.Full() {
			continue
		}
		g0, err := hubbard.Gab(r.trial.PsiUp, w.SnapWinUp)
		if err != nil {
			continue
		}
		// Greater function at tau=0: M0[i][j] = delta_ij - G[j][i].
		m0 := linalg.Eye(n)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				m0.Set(i, j, m0.At(i, j)-g0.At(j, i))
			}
		}
		recs := w.Hist.First(r.itcf.tmax)

		vals := make([]float64, r.itcf.tmax+1)
		vals[0] = real(linalg.Trace(m0)) / float64(n)
		if r.itcf.stable {
			q := m0.Clone()
			racc := linalg.QR(q)
			for tau := 1; tau <= r.itcf.tmax; tau++ {
				b := r.prop.StepMatrix(recs[tau-1], true)
				q = linalg.Mul(b, q)
				rstep := linalg.QR(q)
				racc = linalg.Mul(rstep, racc)
				vals[tau] = real(linalg.Trace(linalg.Mul(q, racc))) / float64(n)
			}
		} else {
			m := m0
			for tau := 1; tau <= r.itcf.tmax; tau++ {
				b := r.prop.StepMatrix(recs[tau-1], true)
				m = linalg.Mul(b, m)
				vals[tau] = real(linalg.Trace(m)) / float64(n)
			}
		}

		for tau, v := range vals {
			r.itcf.nums[tau] += w.Weight * v
		}
		r.itcf.den += w.Weight
	}
}
