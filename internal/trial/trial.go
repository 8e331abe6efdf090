// Package trial constructs the reference wavefunctions used for importance
// sampling and as the estimator bra.
package trial

import (
	"github.com/pkg/errors"

	"github.com/talgya/hubbard-cpmc/internal/hubbard"
	"github.com/talgya/hubbard-cpmc/internal/linalg"
)

// Kind selects the trial wavefunction. Resolved once from configuration.
type Kind int

const (
	FreeElectron Kind = iota
	HartreeFock
)

// ParseKind maps the trial_wavefunction.name field to a Kind.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "free_electron", "":
		return FreeElectron, nil
	case "hartree_fock":
		return HartreeFock, nil
	default:
		return 0, errors.Errorf("trial: unknown wavefunction %q", name)
	}
}

// Wavefunction is a single-determinant reference state: one orbital matrix
// per spin plus its Green's functions and variational energy.
type Wavefunction struct {
	Kind   Kind
	PsiUp  *linalg.ZMat // nbasis x nup
	PsiDn  *linalg.ZMat // nbasis x ndown
	Gup    *linalg.ZMat
	Gdn    *linalg.ZMat
	Etrial float64
}

// New builds the trial wavefunction of the given kind for the model.
func New(kind Kind, m *hubbard.Model) (*Wavefunction, error) {
	w := &Wavefunction{Kind: kind}
	switch kind {
	case FreeElectron:
		// Lowest eigenvectors of the twisted one-body Hamiltonian. Degenerate
		// shells are filled in the solver's deterministic ordering.
		vecs := m.Eigvecs()
		w.PsiUp = sliceCols(vecs, m.Nup)
		w.PsiDn = sliceCols(vecs, m.Ndown)
	case HartreeFock:
		// Site-occupation determinant: the first nup (ndown) lattice sites.
		w.PsiUp = occupationDeterminant(m.Nbasis, m.Nup)
		w.PsiDn = occupationDeterminant(m.Nbasis, m.Ndown)
	default:
		return nil, errors.Errorf("trial: unsupported kind %d", kind)
	}
	var err error
	if w.Gup, err = hubbard.Gab(w.PsiUp, w.PsiUp); err != nil {
		return nil, errors.Wrap(err, "trial: up Green's function")
	}
	if w.Gdn, err = hubbard.Gab(w.PsiDn, w.PsiDn); err != nil {
		return nil, errors.Wrap(err, "trial: down Green's function")
	}
	etot, _, _ := m.LocalEnergy(w.Gup, w.Gdn)
	w.Etrial = real(etot)
	return w, nil
}

func sliceCols(src *linalg.ZMat, ncols int) *linalg.ZMat {
	out := linalg.NewZMat(src.Rows, ncols)
	for i := 0; i < src.Rows; i++ {
		for j := 0; j < ncols; j++ {
			out.Set(i, j, src.At(i, j))
		}
	}
	return out
}

func occupationDeterminant(nbasis, ne int) *linalg.ZMat {
	out := linalg.NewZMat(nbasis, ne)
	for j := 0; j < ne; j++ {
		out.Set(j, j, 1)
	}
	return out
}

// Overlap returns det(PsiUp^H phiUp) * det(PsiDn^H phiDn), the importance
// sampling overlap of a walker with the trial state.
func (w *Wavefunction) Overlap(phiUp, phiDn *linalg.ZMat) complex128 {
	return linalg.Det(linalg.MulCH(w.PsiUp, phiUp)) * linalg.Det(linalg.MulCH(w.PsiDn, phiDn))
}
