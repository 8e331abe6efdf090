// Package hubbard builds the single-band Hubbard model on a rectangular
// lattice: the twisted one-body hopping matrix, its eigenbasis, Green's
// functions and the local energy estimator kernel.
package hubbard

import (
	"math"
	"math/cmplx"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/talgya/hubbard-cpmc/internal/linalg"
)

// Model holds the Hamiltonian data for one run. Immutable after construction.
type Model struct {
	Name   string
	T      float64 // hopping amplitude t
	U      float64 // on-site interaction
	Nx, Ny int
	Nup    int
	Ndown  int
	Ktwist [2]float64

	Nbasis int
	H      *linalg.ZMat // one-body hopping matrix, Hermitian

	eigs []float64
	vecs *linalg.ZMat // columns are eigenvectors of H, ascending eigenvalue
}

// New constructs the Hubbard model and diagonalises its one-body term.
func New(name string, t, u float64, nx, ny, nup, ndown int, ktwist [2]float64) (*Model, error) {
	if nx < 1 || ny < 1 {
		return nil, errors.Errorf("hubbard: invalid lattice %dx%d", nx, ny)
	}
	nbasis := nx * ny
	if nup < 1 || nup > nbasis || ndown < 0 || ndown > nbasis {
		return nil, errors.Errorf("hubbard: filling nup=%d ndown=%d outside 1..%d", nup, ndown, nbasis)
	}
	m := &Model{
		Name: name, T: t, U: u,
		Nx: nx, Ny: ny, Nup: nup, Ndown: ndown,
		Ktwist: ktwist, Nbasis: nbasis,
	}
	m.H = m.hopping()
	if err := m.diagonalise(); err != nil {
		return nil, err
	}
	return m, nil
}

// site maps lattice coordinates to a basis index.
func (m *Model) site(x, y int) int { return y*m.Nx + x }

// hopping builds the Hermitian hopping matrix with periodic boundaries.
// Hops that wrap around the lattice pick up the twist phase exp(+-i theta).
func (m *Model) hopping() *linalg.ZMat {
	h := linalg.NewZMat(m.Nbasis, m.Nbasis)
	add := func(i, j int, phase complex128) {
		h.Set(i, j, h.At(i, j)-complex(m.T, 0)*phase)
	}
	for y := 0; y < m.Ny; y++ {
		for x := 0; x < m.Nx; x++ {
			i := m.site(x, y)
			if m.Nx > 1 {
				xp := (x + 1) % m.Nx
				phase := complex128(1)
				if xp != x+1 {
					phase = cmplx.Exp(complex(0, m.Ktwist[0]))
				}
				add(i, m.site(xp, y), phase)
				add(m.site(xp, y), i, cmplx.Conj(phase))
			}
			if m.Ny > 1 {
				yp := (y + 1) % m.Ny
				phase := complex128(1)
				if yp != y+1 {
					phase = cmplx.Exp(complex(0, m.Ktwist[1]))
				}
				add(i, m.site(x, yp), phase)
				add(m.site(x, yp), i, cmplx.Conj(phase))
			}
		}
	}
	return h
}

// diagonalise solves the Hermitian eigenproblem for H through gonum's real
// symmetric solver, using the [[A,-B],[B,A]] embedding of H = A + iB. Each
// eigenvalue of H shows up twice in the embedding; the doubled pairs are
// removed by Gram-Schmidt rejection while collecting eigenvectors in
// ascending-eigenvalue order.
func (m *Model) diagonalise() error {
	n := m.Nbasis
	s := mat.NewSymDense(2*n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			a := real(m.H.At(i, j))
			b := imag(m.H.At(i, j))
			s.SetSym(i, j, a)
			s.SetSym(n+i, n+j, a)
			// Top-right block is -B; SetSym mirrors it into the bottom-left.
			s.SetSym(i, n+j, -b)
			if i != j {
				s.SetSym(j, n+i, b)
			}
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(s, true) {
		return errors.New("hubbard: one-body eigendecomposition failed")
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	m.eigs = make([]float64, 0, n)
	m.vecs = linalg.NewZMat(n, n)
	kept := 0
	cand := make([]complex128, n)
	for col := 0; col < 2*n && kept < n; col++ {
		for i := 0; i < n; i++ {
			cand[i] = complex(vecs.At(i, col), vecs.At(n+i, col))
		}
		// Reject the embedding's duplicate partner of an already-kept vector.
		for k := 0; k < kept; k++ {
			var proj complex128
			for i := 0; i < n; i++ {
				proj += cmplx.Conj(m.vecs.At(i, k)) * cand[i]
			}
			for i := 0; i < n; i++ {
				cand[i] -= proj * m.vecs.At(i, k)
			}
		}
		var norm float64
		for i := 0; i < n; i++ {
			norm += real(cand[i])*real(cand[i]) + imag(cand[i])*imag(cand[i])
		}
		norm = math.Sqrt(norm)
		if norm < 1e-8 {
			continue
		}
		for i := 0; i < n; i++ {
			m.vecs.Set(i, kept, cand[i]/complex(norm, 0))
		}
		m.eigs = append(m.eigs, vals[col])
		kept++
	}
	if kept != n {
		return errors.Errorf("hubbard: recovered %d of %d eigenvectors", kept, n)
	}
	return nil
}

// Eigs returns the one-body eigenvalues in ascending order.
func (m *Model) Eigs() []float64 { return m.eigs }

// Eigvecs returns the matrix whose columns are the one-body eigenvectors.
func (m *Model) Eigvecs() *linalg.ZMat { return m.vecs }

// Expm returns exp(scale * H) evaluated in the eigenbasis. The half-step
// kinetic propagator is Expm(-dt/2).
func (m *Model) Expm(scale float64) *linalg.ZMat {
	n := m.Nbasis
	out := linalg.NewZMat(n, n)
	for k := 0; k < n; k++ {
		f := complex(math.Exp(scale*m.eigs[k]), 0)
		for i := 0; i < n; i++ {
			vik := m.vecs.At(i, k) * f
			if vik == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				out.Set(i, j, out.At(i, j)+vik*cmplx.Conj(m.vecs.At(j, k)))
			}
		}
	}
	return out
}

// NonInteractingEnergy returns the exact U=0 ground-state energy for the
// given filling: the sum of the lowest nup plus ndown eigenvalues.
func (m *Model) NonInteractingEnergy() float64 {
	var e float64
	for k := 0; k < m.Nup; k++ {
		e += m.eigs[k]
	}
	for k := 0; k < m.Ndown; k++ {
		e += m.eigs[k]
	}
	return e
}

// Gab computes the one-spin Green's function G[i][j] = <c_i^dag c_j> between
// bra orbitals a and ket orbitals b: transpose(b (a^H b)^-1 a^H).
func Gab(a, b *linalg.ZMat) (*linalg.ZMat, error) {
	ov := linalg.MulCH(a, b)
	inv, err := linalg.Inv(ov)
	if err != nil {
		return nil, errors.Wrap(err, "hubbard: overlap inversion")
	}
	return linalg.Transpose(linalg.Mul(linalg.Mul(b, inv), linalg.ConjTranspose(a))), nil
}

// LocalEnergy evaluates the Hubbard local energy for a pair of spin Green's
// functions: E = sum_ij H_ij (Gup_ij + Gdn_ij) + U sum_i Gup_ii Gdn_ii.
func (m *Model) LocalEnergy(gup, gdn *linalg.ZMat) (etot, ke, pe complex128) {
	n := m.Nbasis
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			h := m.H.At(i, j)
			if h == 0 {
				continue
			}
			ke += h * (gup.At(i, j) + gdn.At(i, j))
		}
	}
	for i := 0; i < n; i++ {
		pe += complex(m.U, 0) * gup.At(i, i) * gdn.At(i, i)
	}
	return ke + pe, ke, pe
}
