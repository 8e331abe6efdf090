// Package qmc wires the simulation together: it owns the propagator, the
// walker population and the estimator registry, and runs the imaginary-time
// stepping loop with population control and measurement at their configured
// cadences.
package qmc

import (
	"encoding/json"
	"log/slog"
	"math"
	"math/rand"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/talgya/hubbard-cpmc/internal/comm"
	"github.com/talgya/hubbard-cpmc/internal/config"
	"github.com/talgya/hubbard-cpmc/internal/estimators"
	"github.com/talgya/hubbard-cpmc/internal/hubbard"
	"github.com/talgya/hubbard-cpmc/internal/persistence"
	"github.com/talgya/hubbard-cpmc/internal/propagation"
	"github.com/talgya/hubbard-cpmc/internal/trial"
	"github.com/talgya/hubbard-cpmc/internal/walkers"
)

// Lifecycle errors. Misusing the driver is a programming error, reported
// loudly rather than silently ignored.
var (
	ErrAlreadyRun       = errors.New("qmc: Run called twice")
	ErrNotRun           = errors.New("qmc: Finalize called before Run")
	ErrAlreadyFinalized = errors.New("qmc: driver already finalized")
)

type state int

const (
	stateConstructed state = iota
	stateRan
	stateFinalized
)

// Driver is the AFQMC simulation driver for one process-group participant.
type Driver struct {
	ID uuid.UUID

	cfg  *config.Config
	comm comm.Communicator
	rng  *rand.Rand

	model *hubbard.Model
	trial *trial.Wavefunction
	prop  *propagation.Propagator
	pop   *walkers.Population
	ctrl  *walkers.Controller
	reg   *estimators.Registry

	// Back-propagation / ITCF window geometry, zero when disabled.
	nbp  int
	tmax int
	nwin int

	state state
}

// New validates the configuration sections and constructs a ready-to-run
// driver. The RNG stream is seeded from the base seed combined with this
// participant's rank, so a fixed seed and process count reproduce a run.
func New(cfg *config.Config, c comm.Communicator, store *persistence.Store) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	model, err := hubbard.New(cfg.Model.Name, cfg.Model.T, cfg.Model.U,
		cfg.Model.Nx, cfg.Model.Ny, cfg.Model.Nup, cfg.Model.Ndown, cfg.Model.Ktwist)
	if err != nil {
		return nil, err
	}
	kind, err := trial.ParseKind(cfg.TrialWavefunction.Name)
	if err != nil {
		return nil, err
	}
	tw, err := trial.New(kind, model)
	if err != nil {
		return nil, err
	}
	scheme, err := propagation.ParseScheme(cfg.Propagator.HubbardStratonovich)
	if err != nil {
		return nil, err
	}
	prop, err := propagation.New(scheme, cfg.QMCOptions.Dt, cfg.Propagator.FreeProjection, model, tw)
	if err != nil {
		return nil, err
	}

	d := &Driver{
		ID:    uuid.New(),
		cfg:   cfg,
		comm:  c,
		rng:   rand.New(rand.NewSource(cfg.QMCOptions.RngSeed + int64(c.Rank()))),
		model: model,
		trial: tw,
		prop:  prop,
		ctrl:  &walkers.Controller{Comm: c},
	}

	d.nbp = cfg.NBackProp()
	stable, tmax, itcfOn := cfg.ITCFOptions()
	if itcfOn {
		d.tmax = tmax
	}
	d.nwin = d.nbp + d.tmax
	if itcfOn && d.nbp == 0 && d.tmax == 0 {
		// tau=0 only: still needs a one-step window to have an origin.
		d.nwin = 1
	}

	d.pop, err = walkers.NewPopulation(tw, cfg.QMCOptions.Nwalkers, d.nwin)
	if err != nil {
		return nil, err
	}

	d.reg = estimators.New(c, model, tw, prop)
	if d.nbp > 0 {
		d.reg.EnableBackPropagation(d.nbp)
	}
	if itcfOn {
		d.reg.EnableITCF(stable, d.tmax)
	}
	if store != nil && c.Rank() == 0 {
		d.reg.SetStore(store, d.ID.String())
		raw, merr := json.Marshal(cfg)
		if merr != nil {
			return nil, errors.Wrap(merr, "qmc: marshal config")
		}
		if err := store.RecordRun(d.ID.String(), c.Size(), string(raw)); err != nil {
			return nil, errors.Wrap(err, "qmc: record run")
		}
	}

	if c.Rank() == 0 {
		slog.Info("driver constructed",
			"run_id", d.ID.String(),
			"model", cfg.Model.Name,
			"lattice", cfg.Model.Nx*cfg.Model.Ny,
			"nup", cfg.Model.Nup,
			"ndown", cfg.Model.Ndown,
			"scheme", cfg.Propagator.HubbardStratonovich,
			"nwalkers", cfg.QMCOptions.Nwalkers,
			"nprocs", c.Size(),
			"etrial", tw.Etrial,
		)
	}
	return d, nil
}

// Run executes the main imaginary-time loop: nsteps iterations, each
// propagating every local walker, with population control every npop_control
// steps and measurement every nmeasure steps. A second call is a programming
// error. Fatal conditions (population collapse, desynchronization) arrive
// through the collectives, so every rank returns the same error from the
// same step.
func (d *Driver) Run() error {
	switch d.state {
	case stateRan, stateFinalized:
		return ErrAlreadyRun
	}
	d.state = stateRan

	opts := d.cfg.QMCOptions
	eT := d.reg.ProjectedEnergy()

	// Zeroth-step contribution: the initial distribution counts toward the
	// first measurement block.
	d.reg.Accumulate(d.pop)

	for step := 1; step <= opts.Nsteps; step++ {
		shift := math.Exp(opts.Dt * eT)
		for _, w := range d.pop.Walkers {
			if w.Alive() {
				if err := d.prop.Advance(w, d.rng); err != nil {
					return err
				}
			}
			w.Weight *= shift
		}

		d.reg.Accumulate(d.pop)

		if step%opts.Nstblz == 0 {
			d.pop.Reortho(d.trial, d.cfg.Propagator.FreeProjection)
		}

		if d.nwin > 0 {
			d.windowStep(step)
		}

		if step%opts.Nmeasure == 0 {
			if err := d.reg.Measure(step, d.pop); err != nil {
				return errors.Wrap(err, "qmc: measurement")
			}
			if d.comm.Rank() == 0 {
				slog.Info("measurement",
					"step", step,
					"energy", d.reg.ProjectedEnergy(),
					"total_weight", d.pop.TotalWeight(),
					"alive", d.pop.Alive(),
				)
			}
		}
		if step%opts.NupdateShift == 0 {
			eT = d.reg.ProjectedEnergy()
		}
		if step < opts.Nequilibrate {
			d.prop.SetEnergyBound(eT)
		}

		if step%opts.NpopControl == 0 {
			if err := d.ctrl.Reconfigure(d.pop, d.rng); err != nil {
				return errors.Wrap(err, "qmc: population control")
			}
		}
	}
	return nil
}

// windowStep manages the bounded history windows: snapshots at window
// boundaries, and the back-propagated / ITCF estimates once per full window.
func (d *Driver) windowStep(step int) {
	if step%d.nwin == 0 {
		// Only walkers with a full retained history can contribute; a walker
		// killed early never fills its buffer and must not gate the others.
		full := false
		for _, w := range d.pop.Walkers {
			if w.Alive() && w.Hist.Full() {
				full = true
				break
			}
		}
		if full {
			if d.reg.BackPropEnabled() {
				d.reg.BackPropagate(d.pop)
			}
			if d.reg.ITCFEnabled() {
				d.reg.UpdateITCF(d.pop)
			}
		}
		d.pop.SnapshotWindow()
		if d.tmax == 0 && d.nbp > 0 {
			d.pop.SnapshotBP()
		}
		return
	}
	// The back-propagation ket is the wavefunction nbp steps before the
	// window closes.
	if d.nbp > 0 && d.tmax > 0 && step%d.nwin == d.nwin-d.nbp {
		d.pop.SnapshotBP()
	}
}

// Finalize flushes and reduces all estimator state, releases the population
// and RNG stream, and returns the converged averages. Calling it before Run,
// or twice, is a programming error.
func (d *Driver) Finalize() (map[string]estimators.Result, error) {
	switch d.state {
	case stateConstructed:
		return nil, ErrNotRun
	case stateFinalized:
		return nil, ErrAlreadyFinalized
	}
	results, err := d.reg.Finalize()
	if err != nil {
		return nil, err
	}
	d.state = stateFinalized
	d.pop = nil
	d.rng = nil
	return results, nil
}

// Population exposes the local walker ensemble, mainly for tests and status
// reporting.
func (d *Driver) Population() *walkers.Population { return d.pop }

// Registry exposes the estimator registry.
func (d *Driver) Registry() *estimators.Registry { return d.reg }
