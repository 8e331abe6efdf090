// Package estimators accumulates observables over the walker population:
// the mixed energy estimate every step, optional back-propagated estimates
// and imaginary-time correlation functions over bounded history windows, and
// the cross-process reductions that turn local sums into run averages.
package estimators

import (
	"fmt"
	"log/slog"
	"math"
	"math/cmplx"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/talgya/hubbard-cpmc/internal/comm"
	"github.com/talgya/hubbard-cpmc/internal/hubbard"
	"github.com/talgya/hubbard-cpmc/internal/persistence"
	"github.com/talgya/hubbard-cpmc/internal/propagation"
	"github.com/talgya/hubbard-cpmc/internal/trial"
	"github.com/talgya/hubbard-cpmc/internal/walkers"
)

// ErrNoSignal is raised when a measurement block reduces to a zero
// denominator: every contributing walker was dead.
var ErrNoSignal = errors.New("estimators: zero weight in measurement block")

// Result is one observable's converged average.
type Result struct {
	Mean   float64
	StdErr float64
	Count  int
}

// Registry owns every enabled estimator for a run.
type Registry struct {
	Comm  comm.Communicator
	model *hubbard.Model
	trial *trial.Wavefunction
	prop  *propagation.Propagator

	store *persistence.Store
	runID string

	// Mixed-estimate block accumulators, reset at each measurement.
	enum   complex128
	edenom complex128

	// Globally reduced per-measurement series; identical on every rank.
	energySeries []float64
	weightSeries []float64

	lastEnergy float64

	bp       *backProp
	itcf     *itcfEstimator
	measures int
}

// New creates a registry with the mixed estimator enabled.
func New(c comm.Communicator, m *hubbard.Model, t *trial.Wavefunction, p *propagation.Propagator) *Registry {
	return &Registry{
		Comm:       c,
		model:      m,
		trial:      t,
		prop:       p,
		lastEnergy: t.Etrial,
	}
}

// EnableBackPropagation turns on the back-propagated energy estimator with a
// window of nbp steps.
func (r *Registry) EnableBackPropagation(nbp int) {
	r.bp = &backProp{nbp: nbp}
}

// EnableITCF turns on the imaginary-time correlation function estimator for
// tau up to tmax steps.
func (r *Registry) EnableITCF(stable bool, tmax int) {
	r.itcf = &itcfEstimator{
		stable: stable,
		tmax:   tmax,
		nums:   make([]float64, tmax+1),
		series: make([][]float64, tmax+1),
	}
}

// SetStore attaches the results store. Only rank 0 should carry one.
func (r *Registry) SetStore(s *persistence.Store, runID string) {
	r.store = s
	r.runID = runID
}

// BackPropEnabled reports whether back-propagation is configured.
func (r *Registry) BackPropEnabled() bool { return r.bp != nil }

// ITCFEnabled reports whether the ITCF estimator is configured.
func (r *Registry) ITCFEnabled() bool { return r.itcf != nil }

// NBackProp returns the back-propagation window length, zero if disabled.
func (r *Registry) NBackProp() int {
	if r.bp == nil {
		return 0
	}
	return r.bp.nbp
}

// TMax returns the ITCF extent in steps, zero if disabled.
func (r *Registry) TMax() int {
	if r.itcf == nil {
		return 0
	}
	return r.itcf.tmax
}

// Accumulate adds every live walker's local energy to the mixed block,
// weighted by weight magnitude and accumulated phase.
func (r *Registry) Accumulate(pop *walkers.Population) {
	for _, w := range pop.Walkers {
		if !w.Alive() || w.Gup == nil {
			continue
		}
		etot, _, _ := r.model.LocalEnergy(w.Gup, w.Gdn)
		wt := complex(w.Weight, 0) * w.Phase
		r.enum += wt * etot
		r.edenom += wt
	}
}

// ProjectedEnergy returns the most recent reduced mixed energy; before any
// measurement it is the trial energy. The driver uses it as the E_T shift.
func (r *Registry) ProjectedEnergy() float64 { return r.lastEnergy }

// MeasureCount returns how many measurement reductions have run.
func (r *Registry) MeasureCount() int { return r.measures }

// Measure reduces the current blocks across the process group, records the
// reduced values, and resets the blocks. This is a collective call: every
// rank must enter it at the same step.
func (r *Registry) Measure(step int, pop *walkers.Population) error {
	payload := []float64{
		real(r.enum), imag(r.enum), real(r.edenom), imag(r.edenom),
		pop.TotalWeight(), float64(pop.Alive()),
	}
	if r.bp != nil {
		payload = append(payload,
			real(r.bp.enum), imag(r.bp.enum), real(r.bp.edenom), imag(r.bp.edenom))
	}
	if r.itcf != nil {
		payload = append(payload, r.itcf.nums...)
		payload = append(payload, r.itcf.den)
	}

	red, err := r.Comm.AllReduce(payload, nil)
	if err != nil {
		return err
	}

	enum := complex(red[0], red[1])
	edenom := complex(red[2], red[3])
	totWeight, alive := red[4], int(red[5])
	if cmplx.Abs(edenom) == 0 {
		return ErrNoSignal
	}
	energy := real(enum / edenom)
	r.energySeries = append(r.energySeries, energy)
	r.weightSeries = append(r.weightSeries, totWeight)
	r.lastEnergy = energy
	r.record(step, "energy", energy, totWeight, alive)

	idx := 6
	if r.bp != nil {
		bpnum := complex(red[idx], red[idx+1])
		bpden := complex(red[idx+2], red[idx+3])
		idx += 4
		if cmplx.Abs(bpden) > 0 {
			e := real(bpnum / bpden)
			r.bp.series = append(r.bp.series, e)
			r.record(step, "energy_back_prop", e, totWeight, alive)
		}
		r.bp.enum, r.bp.edenom = 0, 0
	}
	if r.itcf != nil {
		den := red[idx+r.itcf.tmax+1]
		if den > 0 {
			for tau := 0; tau <= r.itcf.tmax; tau++ {
				v := red[idx+tau] / den
				r.itcf.series[tau] = append(r.itcf.series[tau], v)
				r.record(step, fmt.Sprintf("itcf_%d", tau), v, totWeight, alive)
			}
		}
		for i := range r.itcf.nums {
			r.itcf.nums[i] = 0
		}
		r.itcf.den = 0
	}

	r.enum, r.edenom = 0, 0
	r.measures++
	return nil
}

func (r *Registry) record(step int, name string, value, weight float64, alive int) {
	if r.store == nil {
		return
	}
	if err := r.store.RecordMeasurement(r.runID, step, name, value, weight, alive); err != nil {
		// The store is advisory output; a write failure must not kill a run
		// that may be days in.
		slog.Warn("measurement write failed", "step", step, "name", name, "error", err)
	}
}

// Finalize performs the closing collective reduction and returns the
// converged averages with standard errors. The mixed energy error bar is
// reblocked to account for autocorrelation between measurement blocks.
func (r *Registry) Finalize() (map[string]Result, error) {
	// Closing collective: asserts all ranks measured in lockstep before the
	// group is torn down.
	red, err := r.Comm.AllReduce([]float64{float64(r.measures)}, nil)
	if err != nil {
		return nil, err
	}
	if int(red[0]) != r.measures*r.Comm.Size() {
		return nil, errors.Errorf("estimators: ranks desynchronized, %d total measures for %d local",
			int(red[0]), r.measures)
	}
	if len(r.energySeries) == 0 {
		return nil, errors.New("estimators: no measurements were reduced")
	}

	out := make(map[string]Result)
	out["energy"] = seriesResult(r.energySeries, true)
	if r.bp != nil && len(r.bp.series) > 0 {
		out["energy_back_prop"] = seriesResult(r.bp.series, true)
	}
	if r.itcf != nil {
		for tau, s := range r.itcf.series {
			if len(s) > 0 {
				out[fmt.Sprintf("itcf_%d", tau)] = seriesResult(s, false)
			}
		}
	}

	if r.store != nil {
		for name, res := range out {
			if err := r.store.RecordSummary(r.runID, name, res.Mean, res.StdErr, res.Count); err != nil {
				return nil, errors.Wrap(err, "estimators: write summary")
			}
		}
	}
	return out, nil
}

func seriesResult(series []float64, reblocked bool) Result {
	mean := stat.Mean(series, nil)
	var se float64
	if len(series) > 1 {
		if reblocked {
			se = ReblockedStdErr(series)
		} else {
			se = stat.StdErr(stat.StdDev(series, nil), float64(len(series)))
		}
	}
	if math.IsNaN(se) {
		se = 0
	}
	return Result{Mean: mean, StdErr: se, Count: len(series)}
}

type backProp struct {
	nbp    int
	enum   complex128
	edenom complex128
	series []float64
}

// BackPropagate replays each walker's retained field history through the
// adjoint propagator and accumulates the less-biased energy estimate against
// the wavefunction snapshot from the start of the window. The caller must
// re-snapshot the population afterwards.
func (r *Registry) BackPropagate(pop *walkers.Population) {
	for _, w := range pop.Walkers {
		if !w.Alive() || !w.Hist.Full() {
			continue
		}
		recs := w.Hist.Last(r.bp.nbp)
		lu, ld := r.prop.BackPropagate(recs)
		gup, err := hubbard.Gab(lu, w.SnapBPUp)
		if err != nil {
			continue
		}
		gdn, err := hubbard.Gab(ld, w.SnapBPDn)
		if err != nil {
			continue
		}
		etot, _, _ := r.model.LocalEnergy(gup, gdn)
		wt := complex(w.Weight, 0) * w.Phase
		r.bp.enum += wt * etot
		r.bp.edenom += wt
	}
}
