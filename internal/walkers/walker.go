// Package walkers holds the stochastic samples of an AFQMC run: the Walker
// state, the per-process Population, and comb population control.
package walkers

import (
	"math"
	"math/cmplx"

	"github.com/pkg/errors"

	"github.com/talgya/hubbard-cpmc/internal/hubbard"
	"github.com/talgya/hubbard-cpmc/internal/linalg"
	"github.com/talgya/hubbard-cpmc/internal/trial"
)

// Record is one step's auxiliary-field configuration, one value per lattice
// site. Discrete fields are stored as +-1.
type Record struct {
	X []float64
}

// History is a fixed-capacity ring buffer of field records, oldest
// overwritten first. Capacity covers the back-propagation window plus the
// ITCF extent.
type History struct {
	recs  []Record
	head  int // next write position
	count int // total records ever pushed
}

// NewHistory creates a ring buffer holding up to capacity records.
// A zero capacity buffer accepts pushes and stores nothing.
func NewHistory(capacity int) *History {
	return &History{recs: make([]Record, capacity)}
}

// Push appends a record, evicting the oldest when full.
func (h *History) Push(r Record) {
	if len(h.recs) == 0 {
		return
	}
	h.recs[h.head] = r
	h.head = (h.head + 1) % len(h.recs)
	h.count++
}

// Full reports whether the buffer holds capacity records.
func (h *History) Full() bool { return h.count >= len(h.recs) }

// Cap returns the buffer capacity.
func (h *History) Cap() int { return len(h.recs) }

// Last returns the newest n records in chronological order.
func (h *History) Last(n int) []Record {
	out := make([]Record, 0, n)
	size := len(h.recs)
	for i := n; i >= 1; i-- {
		out = append(out, h.recs[((h.head-i)%size+size)%size])
	}
	return out
}

// First returns the oldest n records of a full buffer in chronological order.
func (h *History) First(n int) []Record {
	size := len(h.recs)
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, h.recs[(h.head+i)%size])
	}
	return out
}

func (h *History) clone() *History {
	c := &History{recs: make([]Record, len(h.recs)), head: h.head, count: h.count}
	for i, r := range h.recs {
		if r.X != nil {
			c.recs[i] = Record{X: append([]float64(nil), r.X...)}
		}
	}
	return c
}

// Walker is one stochastic sample: a Slater determinant per spin, a
// non-negative weight magnitude, and phase/overlap bookkeeping. Negative or
// imaginary branches of the propagator go into Phase, never into the sign of
// Weight, so population control always sees a well-defined magnitude.
type Walker struct {
	PhiUp, PhiDn *linalg.ZMat
	Weight       float64
	Phase        complex128
	Ot           complex128 // overlap with the trial wavefunction
	Gup, Gdn     *linalg.ZMat

	Hist *History

	// Window-boundary snapshots consumed by the back-propagated and ITCF
	// estimators. SnapBP* is the wavefunction nback_prop steps before a
	// measurement window closes; SnapWin* is the window start.
	SnapBPUp, SnapBPDn   *linalg.ZMat
	SnapBPOt             complex128
	SnapWinUp, SnapWinDn *linalg.ZMat
}

// NewWalker creates a unit-weight walker initialized from the trial state.
func NewWalker(t *trial.Wavefunction, historyCap int) (*Walker, error) {
	w := &Walker{
		PhiUp:  t.PsiUp.Clone(),
		PhiDn:  t.PsiDn.Clone(),
		Weight: 1,
		Phase:  1,
		Hist:   NewHistory(historyCap),
	}
	w.Ot = t.Overlap(w.PhiUp, w.PhiDn)
	if err := w.UpdateGreens(t); err != nil {
		return nil, err
	}
	w.SnapshotBP()
	w.SnapshotWindow()
	return w, nil
}

// UpdateGreens recomputes both spin Green's functions against the trial.
func (w *Walker) UpdateGreens(t *trial.Wavefunction) error {
	gup, err := hubbard.Gab(t.PsiUp, w.PhiUp)
	if err != nil {
		return errors.Wrap(err, "walker: up Green's function")
	}
	gdn, err := hubbard.Gab(t.PsiDn, w.PhiDn)
	if err != nil {
		return errors.Wrap(err, "walker: down Green's function")
	}
	w.Gup, w.Gdn = gup, gdn
	return nil
}

// Kill zeroes the walker's weight. Used for constraint violations and
// numerical failures; silent and recoverable by population control.
func (w *Walker) Kill() { w.Weight = 0 }

// Alive reports whether the walker still carries weight worth propagating.
func (w *Walker) Alive() bool { return w.Weight > 1e-8 }

// Reortho re-orthogonalizes the walker's orbitals and returns det(R). Under
// importance sampling the factor cancels against the overlap; in free
// projection the caller folds it into the weight.
func (w *Walker) Reortho() complex128 {
	detUp := linalg.Reortho(w.PhiUp)
	detDn := linalg.Reortho(w.PhiDn)
	return detUp * detDn
}

// SnapshotBP captures the current wavefunction as the back-propagation
// estimate's ket.
func (w *Walker) SnapshotBP() {
	w.SnapBPUp = w.PhiUp.Clone()
	w.SnapBPDn = w.PhiDn.Clone()
	w.SnapBPOt = w.Ot
}

// SnapshotWindow captures the current wavefunction as the ITCF window origin.
func (w *Walker) SnapshotWindow() {
	w.SnapWinUp = w.PhiUp.Clone()
	w.SnapWinDn = w.PhiDn.Clone()
}

// Clone deep-copies the walker, including its field history and snapshots,
// for population-control branching.
func (w *Walker) Clone() *Walker {
	c := &Walker{
		PhiUp:  w.PhiUp.Clone(),
		PhiDn:  w.PhiDn.Clone(),
		Weight: w.Weight,
		Phase:  w.Phase,
		Ot:     w.Ot,
	}
	if w.Gup != nil {
		c.Gup = w.Gup.Clone()
	}
	if w.Gdn != nil {
		c.Gdn = w.Gdn.Clone()
	}
	if w.Hist != nil {
		c.Hist = w.Hist.clone()
	}
	if w.SnapBPUp != nil {
		c.SnapBPUp = w.SnapBPUp.Clone()
		c.SnapBPDn = w.SnapBPDn.Clone()
		c.SnapBPOt = w.SnapBPOt
	}
	if w.SnapWinUp != nil {
		c.SnapWinUp = w.SnapWinUp.Clone()
		c.SnapWinDn = w.SnapWinDn.Clone()
	}
	return c
}

// CheckFinite kills the walker if its weight, overlap or orbitals stopped
// being numbers. Overflow is walker-local, never fatal.
func (w *Walker) CheckFinite() {
	if math.IsNaN(w.Weight) || math.IsInf(w.Weight, 0) ||
		cmplx.IsNaN(w.Ot) || cmplx.IsInf(w.Ot) ||
		!w.PhiUp.IsFinite() || !w.PhiDn.IsFinite() {
		w.Kill()
	}
}
