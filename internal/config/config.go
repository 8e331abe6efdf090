// Package config parses the declarative simulation document: a JSON file
// with model, qmc_options, trial_wavefunction, propagator and estimates
// sections. Configuration problems are fatal before any propagation begins.
package config

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Config is the full simulation document.
type Config struct {
	Model             Model             `json:"model"`
	QMCOptions        QMCOptions        `json:"qmc_options"`
	TrialWavefunction TrialWavefunction `json:"trial_wavefunction"`
	Propagator        Propagator        `json:"propagator"`
	Estimates         *Estimates        `json:"estimates,omitempty"`
}

// Model describes the lattice Hamiltonian.
type Model struct {
	Name   string     `json:"name"`
	T      float64    `json:"t"`
	U      float64    `json:"U"`
	Nx     int        `json:"nx"`
	Ny     int        `json:"ny"`
	Ktwist [2]float64 `json:"ktwist"`
	Nup    int        `json:"nup"`
	Ndown  int        `json:"ndown"`
}

// QMCOptions sets the simulation cadence and sizing.
type QMCOptions struct {
	Method      string  `json:"method"`
	Dt          float64 `json:"dt"`
	Nsteps      int     `json:"nsteps"`
	Nmeasure    int     `json:"nmeasure"`
	Nwalkers    int     `json:"nwalkers"`
	NpopControl int     `json:"npop_control"`
	RngSeed     int64   `json:"rng_seed"`

	// Optional tuning; zero values take defaults.
	Nstblz       int `json:"nstblz,omitempty"`
	Nequilibrate int `json:"nequilibrate,omitempty"`
	NupdateShift int `json:"nupdate_shift,omitempty"`
}

// TrialWavefunction selects the reference wavefunction.
type TrialWavefunction struct {
	Name string `json:"name"`
}

// Propagator selects the auxiliary-field scheme.
type Propagator struct {
	HubbardStratonovich string `json:"hubbard_stratonovich"`
	FreeProjection      bool   `json:"free_projection,omitempty"`
}

// Estimates configures the optional estimators; a missing sub-section
// disables that estimator.
type Estimates struct {
	BackPropagated *BackPropagated `json:"back_propagated,omitempty"`
	ITCF           *ITCF           `json:"itcf,omitempty"`
}

// BackPropagated configures the back-propagation window.
type BackPropagated struct {
	NbackProp int `json:"nback_prop"`
}

// ITCF configures the imaginary-time correlation function estimator.
type ITCF struct {
	Stable bool `json:"stable"`
	Tmax   int  `json:"tmax"`
}

// Load reads and validates a configuration document from disk.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read")
	}
	return Parse(data)
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: decode")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.QMCOptions.Method == "" {
		c.QMCOptions.Method = "CPMC"
	}
	if c.QMCOptions.Nstblz == 0 {
		c.QMCOptions.Nstblz = 10
	}
	if c.QMCOptions.NupdateShift == 0 {
		c.QMCOptions.NupdateShift = c.QMCOptions.Nmeasure
	}
	if c.QMCOptions.Nequilibrate == 0 {
		c.QMCOptions.Nequilibrate = c.QMCOptions.Nsteps / 10
	}
	if c.TrialWavefunction.Name == "" {
		c.TrialWavefunction.Name = "free_electron"
	}
	if c.Propagator.HubbardStratonovich == "" {
		c.Propagator.HubbardStratonovich = "discrete"
	}
}

// Validate checks section consistency. Every violation here is fatal before
// the first propagation step.
func (c *Config) Validate() error {
	if c.QMCOptions.Method != "CPMC" {
		return errors.Errorf("config: unsupported method %q", c.QMCOptions.Method)
	}
	if c.Model.Nx < 1 || c.Model.Ny < 1 {
		return errors.Errorf("config: lattice %dx%d must have positive extents", c.Model.Nx, c.Model.Ny)
	}
	nbasis := c.Model.Nx * c.Model.Ny
	if c.Model.Nup < 1 || c.Model.Nup > nbasis {
		return errors.Errorf("config: nup=%d outside 1..%d", c.Model.Nup, nbasis)
	}
	if c.Model.Ndown < 0 || c.Model.Ndown > nbasis {
		return errors.Errorf("config: ndown=%d outside 0..%d", c.Model.Ndown, nbasis)
	}
	if c.QMCOptions.Dt <= 0 {
		return errors.Errorf("config: dt=%g must be positive", c.QMCOptions.Dt)
	}
	if c.QMCOptions.Nsteps < 1 {
		return errors.Errorf("config: nsteps=%d must be positive", c.QMCOptions.Nsteps)
	}
	if c.QMCOptions.Nwalkers < 1 {
		return errors.Errorf("config: nwalkers=%d must be positive", c.QMCOptions.Nwalkers)
	}
	if c.QMCOptions.Nmeasure < 1 {
		return errors.Errorf("config: nmeasure=%d must be positive", c.QMCOptions.Nmeasure)
	}
	if c.QMCOptions.Nmeasure > c.QMCOptions.Nsteps {
		return errors.Errorf("config: nmeasure=%d exceeds nsteps=%d, no measurement would ever run",
			c.QMCOptions.Nmeasure, c.QMCOptions.Nsteps)
	}
	if c.QMCOptions.NpopControl < 1 {
		return errors.Errorf("config: npop_control=%d must be positive", c.QMCOptions.NpopControl)
	}
	if c.Estimates != nil {
		if bp := c.Estimates.BackPropagated; bp != nil && bp.NbackProp < 1 {
			return errors.Errorf("config: nback_prop=%d must be positive", bp.NbackProp)
		}
		if it := c.Estimates.ITCF; it != nil && it.Tmax < 0 {
			return errors.Errorf("config: itcf tmax=%d must be non-negative", it.Tmax)
		}
	}
	return nil
}

// NBackProp returns the configured back-propagation window, zero if absent.
func (c *Config) NBackProp() int {
	if c.Estimates == nil || c.Estimates.BackPropagated == nil {
		return 0
	}
	return c.Estimates.BackPropagated.NbackProp
}

// ITCFOptions returns the ITCF settings and whether the estimator is enabled.
func (c *Config) ITCFOptions() (stable bool, tmax int, enabled bool) {
	if c.Estimates == nil || c.Estimates.ITCF == nil {
		return false, 0, false
	}
	return c.Estimates.ITCF.Stable, c.Estimates.ITCF.Tmax, true
}
