package propagation

import (
	"math"
	"math/cmplx"
	"math/rand"

	"github.com/talgya/hubbard-cpmc/internal/walkers"
)

// advanceContinuous performs one step with Gaussian auxiliary fields in the
// spin channel. Each site's field is sampled around the force bias from the
// walker's Green's function diagonals, which cancels the linear overlap
// response; the weight picks up the overlap-ratio magnitude times the
// Gaussian reweighting for the shift, folded through the local-energy trust
// window, with the phaseless projection max(0, cos dtheta) on the phase of
// the overlap ratio. Non-finite overlap ratios kill the walker.
func (p *Propagator) advanceContinuous(w *walkers.Walker, rng *rand.Rand) error {
	n := p.model.Nbasis
	rec := walkers.Record{X: make([]float64, n)}

	// Force bias: centre each Gaussian on lambda (Gup_ii - Gdn_ii), and
	// accumulate the density-ratio correction for the shifted sampling.
	var logShift float64
	for i := 0; i < n; i++ {
		xbar := p.lambda * real(w.Gup.At(i, i)-w.Gdn.At(i, i))
		x := rng.NormFloat64() + xbar
		rec.X[i] = x
		logShift += 0.5*xbar*xbar - x*xbar
	}

	oldOt := w.Ot

	p.kineticHalf(w)
	du, dd := p.fieldDiag(rec)
	w.PhiUp.ScaleRows(du)
	w.PhiDn.ScaleRows(dd)
	p.kineticHalf(w)

	newOt := p.trial.Overlap(w.PhiUp, w.PhiDn)
	if cmplx.IsNaN(newOt) || cmplx.IsInf(newOt) || oldOt == 0 {
		w.Kill()
		w.Hist.Push(rec)
		return nil
	}
	if err := w.UpdateGreens(p.trial); err != nil {
		w.Kill()
		w.Hist.Push(rec)
		return nil
	}

	ratio := newOt / oldOt
	w.Ot = newOt
	mag := cmplx.Abs(ratio) * math.Exp(logShift)
	if mag <= 0 || math.IsNaN(mag) || math.IsInf(mag, 0) {
		w.Kill()
		w.Hist.Push(rec)
		return nil
	}

	if p.FreeProjection {
		w.Weight *= mag
		w.Phase *= ratio / complex(cmplx.Abs(ratio), 0)
		w.CheckFinite()
		w.Hist.Push(rec)
		return nil
	}

	// Fold the magnitude through the hybrid energy and clamp it to the trust
	// window so one outlier field cannot blow up the weight.
	ehyb, ok := p.boundEnergy(-math.Log(mag) / p.Dt)
	if !ok {
		w.Kill()
		w.Hist.Push(rec)
		return nil
	}

	// Phaseless: project the weight onto the real axis of the overlap-ratio
	// phase; a rotation past pi/2 is a kill.
	proj := math.Cos(cmplx.Phase(ratio))
	if proj <= 0 {
		w.Kill()
		w.Hist.Push(rec)
		return nil
	}
	w.Weight *= math.Exp(-p.Dt*ehyb) * proj
	w.CheckFinite()
	w.Hist.Push(rec)
	return nil
}
