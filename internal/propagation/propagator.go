// Package propagation applies the Hubbard-Stratonovich-transformed
// imaginary-time evolution operator to walkers, one step at a time, and
// replays retained field histories for the back-propagated estimators.
package propagation

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/talgya/hubbard-cpmc/internal/hubbard"
	"github.com/talgya/hubbard-cpmc/internal/linalg"
	"github.com/talgya/hubbard-cpmc/internal/trial"
	"github.com/talgya/hubbard-cpmc/internal/walkers"
)

// Scheme enumerates the auxiliary-field decompositions.
type Scheme int

const (
	// Discrete samples the +-1 spin decomposition with heat-bath importance
	// sampling and the constrained-path approximation.
	Discrete Scheme = iota
	// Continuous samples spin-channel Gaussian fields around the force bias
	// with the phaseless constraint.
	Continuous
)

// ParseScheme maps the propagator.hubbard_stratonovich field to a Scheme.
func ParseScheme(name string) (Scheme, error) {
	switch name {
	case "discrete", "":
		return Discrete, nil
	case "continuous":
		return Continuous, nil
	default:
		return 0, errors.Errorf("propagation: unknown hubbard_stratonovich scheme %q", name)
	}
}

// Propagator holds the precomputed step operators for one run. The physical
// parameters are immutable; only the local-energy bound centre moves, and
// only during equilibration.
type Propagator struct {
	Scheme         Scheme
	Dt             float64
	FreeProjection bool

	model *hubbard.Model
	trial *trial.Wavefunction

	bkHalf *linalg.ZMat // exp(-dt/2 H), Hermitian half kinetic step

	// Discrete scheme: auxf[x][spin] is the diagonal factor at the sampled
	// field value x (index 0 is -1, index 1 is +1); spin index 0 is up.
	auxf  [2][2]float64
	delta [2][2]float64

	// Continuous scheme: spin-channel Gaussian decomposition with per-site
	// factors exp(-dt U/2) exp(+-lambda x).
	lambda float64 // sqrt(dt U)
	cshift float64 // exp(-dt U / 2)

	ebound float64 // local-energy bound centre
	ecap   float64 // bound half-width, 2/sqrt(dt)
}

// New precomputes the propagator for the model, trial and scheme.
func New(scheme Scheme, dt float64, freeProjection bool, m *hubbard.Model, t *trial.Wavefunction) (*Propagator, error) {
	if dt <= 0 {
		return nil, errors.Errorf("propagation: time step %g must be positive", dt)
	}
	if m.U < 0 {
		return nil, errors.New("propagation: attractive U is not supported")
	}
	p := &Propagator{
		Scheme:         scheme,
		Dt:             dt,
		FreeProjection: freeProjection,
		model:          m,
		trial:          t,
		bkHalf:         m.Expm(-dt / 2),
		ebound:         t.Etrial,
		ecap:           2 / math.Sqrt(dt),
	}
	// cosh(gamma) = exp(dt U / 2) for the spin decomposition.
	gamma := math.Acosh(math.Exp(dt * m.U / 2))
	c := math.Exp(-dt * m.U / 2)
	for xi, x := range [2]float64{-1, 1} {
		p.auxf[xi][0] = math.Exp(gamma*x) * c
		p.auxf[xi][1] = math.Exp(-gamma*x) * c
		p.delta[xi][0] = p.auxf[xi][0] - 1
		p.delta[xi][1] = p.auxf[xi][1] - 1
	}
	p.lambda = math.Sqrt(dt * m.U)
	p.cshift = c
	return p, nil
}

// SetEnergyBound recentres the local-energy bound. The driver calls this
// while equilibrating, tracking the running shift.
func (p *Propagator) SetEnergyBound(e float64) { p.ebound = e }

// boundEnergy clamps a local energy into the trust window around the bound
// centre. Divergent values saturate instead of poisoning the weight.
func (p *Propagator) boundEnergy(e float64) (float64, bool) {
	if math.IsNaN(e) {
		return 0, false
	}
	if e > p.ebound+p.ecap {
		return p.ebound + p.ecap, true
	}
	if e < p.ebound-p.ecap {
		return p.ebound - p.ecap, true
	}
	return e, true
}

// Advance applies one imaginary-time step to the walker, updating its
// wavefunction, overlap and weight in place and consuming a deterministic
// amount of randomness. Numerical failure kills the walker, never errors.
func (p *Propagator) Advance(w *walkers.Walker, rng *rand.Rand) error {
	switch p.Scheme {
	case Discrete:
		return p.advanceDiscrete(w, rng)
	case Continuous:
		return p.advanceContinuous(w, rng)
	default:
		return errors.Errorf("propagation: bad scheme %d", p.Scheme)
	}
}

// kineticHalf applies exp(-dt/2 H) to both spin sectors.
func (p *Propagator) kineticHalf(w *walkers.Walker) {
	w.PhiUp = linalg.Mul(p.bkHalf, w.PhiUp)
	w.PhiDn = linalg.Mul(p.bkHalf, w.PhiDn)
}

// fieldDiag reconstructs the per-site diagonal factors of a recorded step.
func (p *Propagator) fieldDiag(rec walkers.Record) (up, dn []complex128) {
	n := len(rec.X)
	up = make([]complex128, n)
	dn = make([]complex128, n)
	switch p.Scheme {
	case Discrete:
		for i, x := range rec.X {
			xi := 0
			if x > 0 {
				xi = 1
			}
			up[i] = complex(p.auxf[xi][0], 0)
			dn[i] = complex(p.auxf[xi][1], 0)
		}
	case Continuous:
		for i, x := range rec.X {
			up[i] = complex(p.cshift*math.Exp(p.lambda*x), 0)
			dn[i] = complex(p.cshift*math.Exp(-p.lambda*x), 0)
		}
	}
	return up, dn
}

// StepMatrix builds the full one-step propagator matrix
// exp(-dt/2 H) D(x) exp(-dt/2 H) for a recorded field configuration.
// The ITCF estimator multiplies these across a window.
func (p *Propagator) StepMatrix(rec walkers.Record, up bool) *linalg.ZMat {
	du, dd := p.fieldDiag(rec)
	d := du
	if !up {
		d = dd
	}
	inner := p.bkHalf.Clone()
	inner.ScaleRows(d)
	return linalg.Mul(p.bkHalf, inner)
}

// Replay applies the recorded steps forward to a wavefunction, oldest first.
// Reproduces the walker's live propagation minus the stochastic sampling, so
// a snapshot replayed over its retained history lands on the present state.
func (p *Propagator) Replay(recs []walkers.Record, phiUp, phiDn *linalg.ZMat) (*linalg.ZMat, *linalg.ZMat) {
	u, d := phiUp.Clone(), phiDn.Clone()
	for _, rec := range recs {
		du, dd := p.fieldDiag(rec)
		u = linalg.Mul(p.bkHalf, u)
		u.ScaleRows(du)
		u = linalg.Mul(p.bkHalf, u)
		d = linalg.Mul(p.bkHalf, d)
		d.ScaleRows(dd)
		d = linalg.Mul(p.bkHalf, d)
	}
	return u, d
}

// BackPropagate replays the retained auxiliary-field records backward
// through the adjoint propagator, producing the left-hand wavefunction for
// the back-propagated estimate. Records must be in chronological order; the
// newest is applied first. The intermediate states are re-orthogonalized
// every few applications to control numerical growth.
func (p *Propagator) BackPropagate(recs []walkers.Record) (*linalg.ZMat, *linalg.ZMat) {
	u := p.trial.PsiUp.Clone()
	d := p.trial.PsiDn.Clone()
	const restab = 10
	for k := len(recs) - 1; k >= 0; k-- {
		du, dd := p.fieldDiag(recs[k])
		// B^H = exp(-dt/2 H) D exp(-dt/2 H): the kinetic factor is Hermitian
		// and the field diagonals are real in both schemes.
		u = linalg.Mul(p.bkHalf, u)
		u.ScaleRows(du)
		u = linalg.Mul(p.bkHalf, u)
		d = linalg.Mul(p.bkHalf, d)
		d.ScaleRows(dd)
		d = linalg.Mul(p.bkHalf, d)
		if (len(recs)-k)%restab == 0 {
			linalg.Reortho(u)
			linalg.Reortho(d)
		}
	}
	linalg.Reortho(u)
	linalg.Reortho(d)
	return u, d
}
