package propagation

import (
	"math/cmplx"
	"math/rand"

	"github.com/talgya/hubbard-cpmc/internal/linalg"
	"github.com/talgya/hubbard-cpmc/internal/walkers"
)

// advanceDiscrete performs one constrained-path step with the +-1 spin
// decomposition: half kinetic step, heat-bath field sweep over the lattice,
// half kinetic step. The weight picks up the real part of the kinetic
// overlap ratios and the heat-bath normalization at every site; a
// non-positive ratio is the constrained-path boundary and kills the walker.
func (p *Propagator) advanceDiscrete(w *walkers.Walker, rng *rand.Rand) error {
	rec := walkers.Record{X: make([]float64, p.model.Nbasis)}

	if !p.kineticImportance(w) {
		w.Hist.Push(rec)
		return nil
	}
	if err := w.UpdateGreens(p.trial); err != nil {
		w.Kill()
		w.Hist.Push(rec)
		return nil
	}

	for i := 0; i < p.model.Nbasis; i++ {
		// Overlap ratio for each field value from the Green's function
		// diagonal: r(x) = (1 + d_up(x) G_up[i][i]) (1 + d_dn(x) G_dn[i][i]).
		var probs [2]float64
		var ratios [2]complex128
		for xi := 0; xi < 2; xi++ {
			r := (1 + complex(p.delta[xi][0], 0)*w.Gup.At(i, i)) *
				(1 + complex(p.delta[xi][1], 0)*w.Gdn.At(i, i))
			ratios[xi] = r
			probs[xi] = 0.5 * real(r)
			if probs[xi] < 0 {
				probs[xi] = 0
			}
		}
		var xi int
		if p.FreeProjection {
			// Unconstrained sampling: uniform field, no reweighting. The
			// half factors cancel against the two-branch sum.
			if rng.Float64() < 0.5 {
				xi = 1
			}
			w.Ot *= ratios[xi]
		} else {
			norm := probs[0] + probs[1]
			if norm <= 0 {
				// Both branches cross the constraint surface.
				w.Kill()
				w.Hist.Push(rec)
				return nil
			}
			if rng.Float64()*norm > probs[0] {
				xi = 1
			}
			w.Weight *= norm
			w.Ot *= ratios[xi]
			if r := ratios[xi]; r != 0 {
				w.Phase *= r / complex(cmplx.Abs(r), 0)
			}
		}
		rec.X[i] = float64(2*xi - 1)

		// Apply the chosen diagonal factor and refresh the Green's
		// functions for the remaining sites in the sweep.
		scaleRow(w.PhiUp, i, complex(p.auxf[xi][0], 0))
		scaleRow(w.PhiDn, i, complex(p.auxf[xi][1], 0))
		if err := w.UpdateGreens(p.trial); err != nil {
			w.Kill()
			w.Hist.Push(rec)
			return nil
		}
	}

	if p.kineticImportance(w) {
		if err := w.UpdateGreens(p.trial); err != nil {
			w.Kill()
		}
	}
	w.CheckFinite()
	w.Hist.Push(rec)
	return nil
}

// kineticImportance applies the half kinetic step and folds the overlap
// ratio into the weight. Returns false if the walker was killed.
func (p *Propagator) kineticImportance(w *walkers.Walker) bool {
	p.kineticHalf(w)
	if p.FreeProjection {
		w.Ot = p.trial.Overlap(w.PhiUp, w.PhiDn)
		return true
	}
	oldOt := w.Ot
	newOt := p.trial.Overlap(w.PhiUp, w.PhiDn)
	if oldOt == 0 || cmplx.IsNaN(newOt) || cmplx.IsInf(newOt) {
		w.Kill()
		return false
	}
	ratio := newOt / oldOt
	re := real(ratio)
	if re <= 0 {
		// Constrained-path kill: the walker crossed the node of the trial
		// wavefunction.
		w.Kill()
		return false
	}
	w.Weight *= re
	w.Phase *= ratio / complex(cmplx.Abs(ratio), 0)
	w.Ot = newOt
	return true
}

func scaleRow(m *linalg.ZMat, row int, f complex128) {
	for j := 0; j < m.Cols; j++ {
		m.Set(row, j, m.At(row, j)*f)
	}
}
