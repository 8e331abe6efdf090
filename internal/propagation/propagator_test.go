package propagation

import (
	"math"
	"math/cmplx"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/hubbard-cpmc/internal/hubbard"
	"github.com/talgya/hubbard-cpmc/internal/linalg"
	"github.com/talgya/hubbard-cpmc/internal/trial"
	"github.com/talgya/hubbard-cpmc/internal/walkers"
)

func setup(t *testing.T, u float64) (*hubbard.Model, *trial.Wavefunction) {
	t.Helper()
	m, err := hubbard.New("Hubbard", 1, u, 2, 2, 1, 1, [2]float64{})
	require.NoError(t, err)
	tw, err := trial.New(trial.FreeElectron, m)
	require.NoError(t, err)
	return m, tw
}

func TestParseScheme(t *testing.T) {
	s, err := ParseScheme("discrete")
	require.NoError(t, err)
	assert.Equal(t, Discrete, s)
	s, err = ParseScheme("")
	require.NoError(t, err)
	assert.Equal(t, Discrete, s)
	s, err = ParseScheme("continuous")
	require.NoError(t, err)
	assert.Equal(t, Continuous, s)
	_, err = ParseScheme("hybrid")
	require.Error(t, err)
}

func TestNewRejectsBadParameters(t *testing.T) {
	m, tw := setup(t, 4)
	_, err := New(Discrete, 0, false, m, tw)
	require.Error(t, err)
	_, err = New(Discrete, -0.01, false, m, tw)
	require.Error(t, err)
}

func TestDiscreteFactorsSatisfyDecomposition(t *testing.T) {
	m, tw := setup(t, 4)
	p, err := New(Discrete, 0.05, false, m, tw)
	require.NoError(t, err)
	// Singly occupied sectors: the half-sum over fields is exactly one, so
	// exp(-dt U n_up n_dn) acts trivially on them.
	for _, spin := range []int{0, 1} {
		avg := 0.5 * (p.auxf[0][spin] + p.auxf[1][spin])
		assert.InDelta(t, 1, avg, 1e-12)
		assert.Greater(t, p.auxf[0][spin], 0.0)
		assert.Greater(t, p.auxf[1][spin], 0.0)
	}
	// Doubly occupied sector: the up and down factors multiply to exp(-dt U)
	// for either field value.
	assert.InDelta(t, math.Exp(-0.05*4), p.auxf[0][0]*p.auxf[0][1], 1e-12)
	assert.InDelta(t, math.Exp(-0.05*4), p.auxf[1][0]*p.auxf[1][1], 1e-12)
}

func TestBoundEnergyClamps(t *testing.T) {
	m, tw := setup(t, 4)
	p, err := New(Continuous, 0.04, false, m, tw)
	require.NoError(t, err)
	p.SetEnergyBound(-2)
	width := 2 / math.Sqrt(0.04)

	e, ok := p.boundEnergy(-2.5)
	require.True(t, ok)
	assert.InDelta(t, -2.5, e, 1e-12)

	e, ok = p.boundEnergy(1e6)
	require.True(t, ok)
	assert.InDelta(t, -2+width, e, 1e-12)

	e, ok = p.boundEnergy(-1e6)
	require.True(t, ok)
	assert.InDelta(t, -2-width, e, 1e-12)

	_, ok = p.boundEnergy(math.NaN())
	assert.False(t, ok)
}

func TestDiscreteNonInteractingPreservesEnergy(t *testing.T) {
	// At U=0 both field branches are the identity and the trial is the exact
	// ground state, so the walker's local energy never moves.
	m, tw := setup(t, 0)
	p, err := New(Discrete, 0.05, false, m, tw)
	require.NoError(t, err)
	w, err := walkers.NewWalker(tw, 0)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(3))
	for step := 0; step < 20; step++ {
		require.NoError(t, p.Advance(w, rng))
		require.True(t, w.Alive())
	}
	etot, _, _ := m.LocalEnergy(w.Gup, w.Gdn)
	assert.InDelta(t, m.NonInteractingEnergy(), real(etot), 1e-8)
}

func TestContinuousNonInteractingPreservesEnergy(t *testing.T) {
	m, tw := setup(t, 0)
	p, err := New(Continuous, 0.05, false, m, tw)
	require.NoError(t, err)
	w, err := walkers.NewWalker(tw, 0)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(3))
	for step := 0; step < 20; step++ {
		require.NoError(t, p.Advance(w, rng))
		require.True(t, w.Alive())
	}
	etot, _, _ := m.LocalEnergy(w.Gup, w.Gdn)
	assert.InDelta(t, m.NonInteractingEnergy(), real(etot), 1e-8)
}

func TestDiscreteWeightStaysNonNegative(t *testing.T) {
	m, tw := setup(t, 8)
	p, err := New(Discrete, 0.05, false, m, tw)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(11))
	for seed := 0; seed < 10; seed++ {
		w, err := walkers.NewWalker(tw, 0)
		require.NoError(t, err)
		for step := 0; step < 50 && w.Alive(); step++ {
			require.NoError(t, p.Advance(w, rng))
		}
		assert.GreaterOrEqual(t, w.Weight, 0.0)
	}
}

func TestReplayReproducesLivePropagation(t *testing.T) {
	// A snapshot replayed over the retained field records must land on the
	// walker's present wavefunction, as long as no re-orthogonalization
	// happened inside the window.
	m, tw := setup(t, 4)
	const nbp = 4
	p, err := New(Discrete, 0.02, false, m, tw)
	require.NoError(t, err)
	w, err := walkers.NewWalker(tw, nbp)
	require.NoError(t, err)
	w.SnapshotBP()
	rng := rand.New(rand.NewSource(5))
	for step := 0; step < nbp; step++ {
		require.NoError(t, p.Advance(w, rng))
		require.True(t, w.Alive())
	}

	u, d := p.Replay(w.Hist.Last(nbp), w.SnapBPUp, w.SnapBPDn)
	for i := range u.Data {
		assert.InDelta(t, real(w.PhiUp.Data[i]), real(u.Data[i]), 1e-8)
		assert.InDelta(t, imag(w.PhiUp.Data[i]), imag(u.Data[i]), 1e-8)
	}
	for i := range d.Data {
		assert.InDelta(t, real(w.PhiDn.Data[i]), real(d.Data[i]), 1e-8)
		assert.InDelta(t, imag(w.PhiDn.Data[i]), imag(d.Data[i]), 1e-8)
	}
}

func TestStepMatrixMatchesReplay(t *testing.T) {
	m, tw := setup(t, 4)
	p, err := New(Discrete, 0.05, false, m, tw)
	require.NoError(t, err)
	rec := walkers.Record{X: []float64{1, -1, -1, 1}}

	b := p.StepMatrix(rec, true)
	u, _ := p.Replay([]walkers.Record{rec}, linalg.Eye(m.Nbasis), tw.PsiDn)
	for i := range b.Data {
		assert.InDelta(t, real(u.Data[i]), real(b.Data[i]), 1e-10)
		assert.InDelta(t, imag(u.Data[i]), imag(b.Data[i]), 1e-10)
	}
}

func TestBackPropagateReturnsOrthonormal(t *testing.T) {
	m, tw := setup(t, 4)
	p, err := New(Discrete, 0.05, false, m, tw)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(9))
	recs := make([]walkers.Record, 12)
	for k := range recs {
		x := make([]float64, m.Nbasis)
		for i := range x {
			x[i] = float64(2*rng.Intn(2) - 1)
		}
		recs[k] = walkers.Record{X: x}
	}
	u, d := p.BackPropagate(recs)
	for _, phi := range []*linalg.ZMat{u, d} {
		ov := linalg.MulCH(phi, phi)
		for i := 0; i < ov.Rows; i++ {
			for j := 0; j < ov.Cols; j++ {
				want := 0.0
				if i == j {
					want = 1
				}
				assert.InDelta(t, want, real(ov.At(i, j)), 1e-10)
			}
		}
	}
}

func polarizedSetup(t *testing.T, dt float64) (*hubbard.Model, *trial.Wavefunction, *Propagator) {
	t.Helper()
	m, err := hubbard.New("Hubbard", 1, 4, 2, 2, 2, 1, [2]float64{})
	require.NoError(t, err)
	tw, err := trial.New(trial.FreeElectron, m)
	require.NoError(t, err)
	p, err := New(Continuous, dt, false, m, tw)
	require.NoError(t, err)
	return m, tw, p
}

func TestContinuousFieldFactorsDecomposition(t *testing.T) {
	m, tw := setup(t, 4)
	p, err := New(Continuous, 0.05, false, m, tw)
	require.NoError(t, err)
	rec := walkers.Record{X: []float64{0.3, -1.2, 0, 2.5}}
	up, dn := p.fieldDiag(rec)
	for i := range rec.X {
		// The up and down factors multiply to exp(-dt U) at every site,
		// independent of the sampled field, and stay real and positive.
		assert.InDelta(t, math.Exp(-0.05*4), real(up[i])*real(dn[i]), 1e-12, "site %d", i)
		assert.Greater(t, real(up[i]), 0.0)
		assert.Greater(t, real(dn[i]), 0.0)
		assert.Equal(t, 0.0, imag(up[i]))
		assert.Equal(t, 0.0, imag(dn[i]))
	}
}

func TestContinuousForceBiasCentersFields(t *testing.T) {
	// Polarized filling so the spin-channel force bias is nonzero somewhere.
	m, tw, p := polarizedSetup(t, 0.05)
	w, err := walkers.NewWalker(tw, 1)
	require.NoError(t, err)

	xbar := make([]float64, m.Nbasis)
	anyShift := false
	for i := range xbar {
		xbar[i] = p.lambda * real(tw.Gup.At(i, i)-tw.Gdn.At(i, i))
		if math.Abs(xbar[i]) > 1e-10 {
			anyShift = true
		}
	}
	require.True(t, anyShift)

	shadow := rand.New(rand.NewSource(21))
	want := make([]float64, m.Nbasis)
	for i := range want {
		want[i] = shadow.NormFloat64() + xbar[i]
	}

	require.NoError(t, p.Advance(w, rand.New(rand.NewSource(21))))
	got := w.Hist.Last(1)[0].X
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-12, "site %d", i)
	}
}

func TestContinuousWeightMatchesShiftedOverlapRatio(t *testing.T) {
	// One step's weight update must equal the overlap-ratio magnitude times
	// the Gaussian density-ratio correction for the force-bias shift, times
	// the phase projection.
	m, tw, p := polarizedSetup(t, 0.01)
	w, err := walkers.NewWalker(tw, 1)
	require.NoError(t, err)

	shadow := rand.New(rand.NewSource(33))
	rec := walkers.Record{X: make([]float64, m.Nbasis)}
	var logShift float64
	for i := range rec.X {
		xbar := p.lambda * real(tw.Gup.At(i, i)-tw.Gdn.At(i, i))
		x := shadow.NormFloat64() + xbar
		rec.X[i] = x
		logShift += 0.5*xbar*xbar - x*xbar
	}
	u, d := p.Replay([]walkers.Record{rec}, tw.PsiUp, tw.PsiDn)
	ratio := tw.Overlap(u, d) / w.Ot
	want := cmplx.Abs(ratio) * math.Exp(logShift) * math.Cos(cmplx.Phase(ratio))

	require.NoError(t, p.Advance(w, rand.New(rand.NewSource(33))))
	require.True(t, w.Alive())
	assert.InDelta(t, want, w.Weight, 1e-10)
}

func TestFreeProjectionKeepsWeightPositive(t *testing.T) {
	m, tw := setup(t, 4)
	p, err := New(Discrete, 0.05, true, m, tw)
	require.NoError(t, err)
	w, err := walkers.NewWalker(tw, 0)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(2))
	for step := 0; step < 30; step++ {
		require.NoError(t, p.Advance(w, rng))
	}
	// Sign problems live in the overlap under free projection; the carried
	// weight magnitude is untouched by the field sampling.
	assert.InDelta(t, 1, w.Weight, 1e-12)
}
