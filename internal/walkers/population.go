package walkers

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/talgya/hubbard-cpmc/internal/comm"
	"github.com/talgya/hubbard-cpmc/internal/trial"
)

// ErrPopulationCollapse is the fatal condition raised when the ensemble's
// total weight reaches zero. It is detected through a collective reduction so
// every rank reports it from the same call.
var ErrPopulationCollapse = errors.New("walkers: population collapse, total weight is zero")

// Population is the set of walkers owned by one process. Walkers never
// migrate between processes; only scalar weight aggregates are shared.
type Population struct {
	Walkers []*Walker
	Target  int
}

// NewPopulation seeds target walkers from the trial wavefunction.
func NewPopulation(t *trial.Wavefunction, target, historyCap int) (*Population, error) {
	if target <= 0 {
		return nil, errors.Errorf("walkers: target population %d must be positive", target)
	}
	p := &Population{Target: target}
	for i := 0; i < target; i++ {
		w, err := NewWalker(t, historyCap)
		if err != nil {
			return nil, errors.Wrap(err, "seed population")
		}
		p.Walkers = append(p.Walkers, w)
	}
	return p, nil
}

// TotalWeight sums the local walkers' weight magnitudes.
func (p *Population) TotalWeight() float64 {
	var w float64
	for _, wk := range p.Walkers {
		w += wk.Weight
	}
	return w
}

// Alive counts local walkers with non-negligible weight.
func (p *Population) Alive() int {
	n := 0
	for _, wk := range p.Walkers {
		if wk.Alive() {
			n++
		}
	}
	return n
}

// Reortho stabilizes every live walker. In free projection the det(R)
// factor re-enters the weight; under importance sampling it cancels against
// the overlap, which is refreshed instead.
func (p *Population) Reortho(t *trial.Wavefunction, freeProjection bool) {
	for _, w := range p.Walkers {
		if !w.Alive() {
			continue
		}
		detR := w.Reortho()
		if freeProjection {
			w.Weight *= real(detR)
		} else {
			w.Ot = t.Overlap(w.PhiUp, w.PhiDn)
		}
	}
}

// SnapshotBP records every walker's current state as the back-propagation ket.
func (p *Population) SnapshotBP() {
	for _, w := range p.Walkers {
		w.SnapshotBP()
	}
}

// SnapshotWindow records every walker's current state as the ITCF origin.
func (p *Population) SnapshotWindow() {
	for _, w := range p.Walkers {
		w.SnapshotWindow()
	}
}

// Controller performs comb stochastic reconfiguration across a process group.
type Controller struct {
	Comm comm.Communicator
}

// Reconfigure rebuilds the population with exactly Target walkers. One
// uniform variate places Target equally spaced teeth over the cumulative
// local weight; each walker survives in proportion to its weight and every
// survivor leaves with the mean weight, so the local total weight is
// conserved exactly. The collective reduce supplies the global total for
// collapse detection; a dead local population is propagated as a fault so
// the peers do not stall in the next collective.
func (c *Controller) Reconfigure(p *Population, rng *rand.Rand) error {
	local := p.TotalWeight()
	var fault error
	if local <= 0 {
		fault = ErrPopulationCollapse
	}
	global, err := c.Comm.AllReduce([]float64{local}, fault)
	if err != nil {
		return err
	}
	if global[0] <= 0 {
		return ErrPopulationCollapse
	}

	mean := local / float64(p.Target)
	pos := rng.Float64() * mean
	next := make([]*Walker, 0, p.Target)
	var cum float64
	for _, w := range p.Walkers {
		cum += w.Weight
		for pos < cum && len(next) < p.Target {
			clone := w.Clone()
			clone.Weight = mean
			next = append(next, clone)
			pos += mean
		}
	}
	// Floating-point accumulation can leave the last tooth marginally past
	// cum; top up from the heaviest walker so the size invariant holds.
	for len(next) < p.Target {
		heaviest := p.Walkers[0]
		for _, w := range p.Walkers[1:] {
			if w.Weight > heaviest.Weight {
				heaviest = w
			}
		}
		clone := heaviest.Clone()
		clone.Weight = mean
		next = append(next, clone)
	}
	p.Walkers = next
	return nil
}
