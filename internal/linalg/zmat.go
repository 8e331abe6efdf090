// Package linalg provides the small set of dense complex-matrix kernels the
// propagation and estimator code needs: products, LU determinants, inverses
// and modified Gram-Schmidt QR. gonum's mat package only factorizes real
// matrices, so the complex routines live here.
package linalg

import (
	"math"
	"math/cmplx"

	"github.com/pkg/errors"
)

// ZMat is a dense complex matrix in row-major order.
type ZMat struct {
	Rows, Cols int
	Data       []complex128
}

// NewZMat allocates a zeroed Rows x Cols matrix.
func NewZMat(rows, cols int) *ZMat {
	return &ZMat{Rows: rows, Cols: cols, Data: make([]complex128, rows*cols)}
}

// Eye returns the n x n identity.
func Eye(n int) *ZMat {
	m := NewZMat(n, n)
	for i := 0; i < n; i++ {
		m.Data[i*n+i] = 1
	}
	return m
}

// At returns the element at row i, column j.
func (m *ZMat) At(i, j int) complex128 { return m.Data[i*m.Cols+j] }

// Set assigns the element at row i, column j.
func (m *ZMat) Set(i, j int, v complex128) { m.Data[i*m.Cols+j] = v }

// Clone returns a deep copy of m.
func (m *ZMat) Clone() *ZMat {
	c := NewZMat(m.Rows, m.Cols)
	copy(c.Data, m.Data)
	return c
}

// Mul returns A B.
func Mul(a, b *ZMat) *ZMat {
	if a.Cols != b.Rows {
		panic("linalg: Mul dimension mismatch")
	}
	c := NewZMat(a.Rows, b.Cols)
	for i := 0; i < a.Rows; i++ {
		for k := 0; k < a.Cols; k++ {
			aik := a.Data[i*a.Cols+k]
			if aik == 0 {
				continue
			}
			for j := 0; j < b.Cols; j++ {
				c.Data[i*c.Cols+j] += aik * b.Data[k*b.Cols+j]
			}
		}
	}
	return c
}

// MulCH returns A^H B, the conjugate-transpose of A times B.
func MulCH(a, b *ZMat) *ZMat {
	if a.Rows != b.Rows {
		panic("linalg: MulCH dimension mismatch")
	}
	c := NewZMat(a.Cols, b.Cols)
	for k := 0; k < a.Rows; k++ {
		for i := 0; i < a.Cols; i++ {
			aki := cmplx.Conj(a.Data[k*a.Cols+i])
			if aki == 0 {
				continue
			}
			for j := 0; j < b.Cols; j++ {
				c.Data[i*c.Cols+j] += aki * b.Data[k*b.Cols+j]
			}
		}
	}
	return c
}

// Transpose returns A^T.
func Transpose(a *ZMat) *ZMat {
	t := NewZMat(a.Cols, a.Rows)
	for i := 0; i < a.Rows; i++ {
		for j := 0; j < a.Cols; j++ {
			t.Data[j*t.Cols+i] = a.Data[i*a.Cols+j]
		}
	}
	return t
}

// ConjTranspose returns A^H.
func ConjTranspose(a *ZMat) *ZMat {
	t := NewZMat(a.Cols, a.Rows)
	for i := 0; i < a.Rows; i++ {
		for j := 0; j < a.Cols; j++ {
			t.Data[j*t.Cols+i] = cmplx.Conj(a.Data[i*a.Cols+j])
		}
	}
	return t
}

// ScaleRows multiplies row i of m by d[i] in place. Used for applying
// diagonal auxiliary-field factors to orbital matrices.
func (m *ZMat) ScaleRows(d []complex128) {
	if len(d) != m.Rows {
		panic("linalg: ScaleRows dimension mismatch")
	}
	for i := 0; i < m.Rows; i++ {
		for j := 0; j < m.Cols; j++ {
			m.Data[i*m.Cols+j] *= d[i]
		}
	}
}

// lu performs an in-place LU decomposition with partial pivoting on a copy of
// a square matrix. It returns the packed factors, the pivot rows, and the
// sign of the permutation.
func lu(a *ZMat) (*ZMat, []int, float64, error) {
	n := a.Rows
	if a.Cols != n {
		return nil, nil, 0, errors.New("linalg: lu requires a square matrix")
	}
	f := a.Clone()
	piv := make([]int, n)
	sign := 1.0
	for k := 0; k < n; k++ {
		p, maxAbs := k, cmplx.Abs(f.Data[k*n+k])
		for i := k + 1; i < n; i++ {
			if ab := cmplx.Abs(f.Data[i*n+k]); ab > maxAbs {
				p, maxAbs = i, ab
			}
		}
		if maxAbs == 0 {
			return nil, nil, 0, errors.New("linalg: singular matrix")
		}
		piv[k] = p
		if p != k {
			for j := 0; j < n; j++ {
				f.Data[k*n+j], f.Data[p*n+j] = f.Data[p*n+j], f.Data[k*n+j]
			}
			sign = -sign
		}
		pivot := f.Data[k*n+k]
		for i := k + 1; i < n; i++ {
			f.Data[i*n+k] /= pivot
			lik := f.Data[i*n+k]
			if lik == 0 {
				continue
			}
			for j := k + 1; j < n; j++ {
				f.Data[i*n+j] -= lik * f.Data[k*n+j]
			}
		}
	}
	return f, piv, sign, nil
}

// Det returns the determinant of a square matrix. A singular matrix yields
// determinant zero, not an error.
func Det(a *ZMat) complex128 {
	f, _, sign, err := lu(a)
	if err != nil {
		return 0
	}
	det := complex(sign, 0)
	n := a.Rows
	for k := 0; k < n; k++ {
		det *= f.Data[k*n+k]
	}
	return det
}

// Inv returns the inverse of a square matrix.
func Inv(a *ZMat) (*ZMat, error) {
	f, piv, _, err := lu(a)
	if err != nil {
		return nil, errors.Wrap(err, "invert")
	}
	n := a.Rows
	inv := Eye(n)
	// Apply row swaps to the identity, then forward/back substitute per column.
	for k := 0; k < n; k++ {
		if p := piv[k]; p != k {
			for j := 0; j < n; j++ {
				inv.Data[k*n+j], inv.Data[p*n+j] = inv.Data[p*n+j], inv.Data[k*n+j]
			}
		}
	}
	for j := 0; j < n; j++ {
		for i := 1; i < n; i++ {
			var s complex128
			for k := 0; k < i; k++ {
				s += f.Data[i*n+k] * inv.Data[k*n+j]
			}
			inv.Data[i*n+j] -= s
		}
		for i := n - 1; i >= 0; i-- {
			s := inv.Data[i*n+j]
			for k := i + 1; k < n; k++ {
				s -= f.Data[i*n+k] * inv.Data[k*n+j]
			}
			inv.Data[i*n+j] = s / f.Data[i*n+i]
		}
	}
	return inv, nil
}

// Reortho re-orthogonalizes the columns of m in place by modified
// Gram-Schmidt and returns det(R), the product of the diagonal
// normalization factors. Walker orbitals are stabilized with this every
// nstblz steps; det(R) is the factor a free-projection walker folds into
// its weight.
func Reortho(m *ZMat) complex128 {
	detR := complex(1, 0)
	for j := 0; j < m.Cols; j++ {
		var norm float64
		for i := 0; i < m.Rows; i++ {
			v := m.Data[i*m.Cols+j]
			norm += real(v)*real(v) + imag(v)*imag(v)
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			return 0
		}
		detR *= complex(norm, 0)
		inv := complex(1/norm, 0)
		for i := 0; i < m.Rows; i++ {
			m.Data[i*m.Cols+j] *= inv
		}
		for k := j + 1; k < m.Cols; k++ {
			var proj complex128
			for i := 0; i < m.Rows; i++ {
				proj += cmplx.Conj(m.Data[i*m.Cols+j]) * m.Data[i*m.Cols+k]
			}
			if proj == 0 {
				continue
			}
			for i := 0; i < m.Rows; i++ {
				m.Data[i*m.Cols+k] -= proj * m.Data[i*m.Cols+j]
			}
		}
	}
	return detR
}

// QR factors m into Q (overwriting m) and upper-triangular R by modified
// Gram-Schmidt. The stable ITCF path accumulates the R factors to keep the
// propagated product from overflowing.
func QR(m *ZMat) *ZMat {
	r := NewZMat(m.Cols, m.Cols)
	for j := 0; j < m.Cols; j++ {
		var norm float64
		for i := 0; i < m.Rows; i++ {
			v := m.Data[i*m.Cols+j]
			norm += real(v)*real(v) + imag(v)*imag(v)
		}
		norm = math.Sqrt(norm)
		r.Data[j*r.Cols+j] = complex(norm, 0)
		if norm == 0 {
			continue
		}
		inv := complex(1/norm, 0)
		for i := 0; i < m.Rows; i++ {
			m.Data[i*m.Cols+j] *= inv
		}
		for k := j + 1; k < m.Cols; k++ {
			var proj complex128
			for i := 0; i < m.Rows; i++ {
				proj += cmplx.Conj(m.Data[i*m.Cols+j]) * m.Data[i*m.Cols+k]
			}
			r.Data[j*r.Cols+k] = proj
			if proj == 0 {
				continue
			}
			for i := 0; i < m.Rows; i++ {
				m.Data[i*m.Cols+k] -= proj * m.Data[i*m.Cols+j]
			}
		}
	}
	return r
}

// Trace returns the trace of a square matrix.
func Trace(a *ZMat) complex128 {
	var t complex128
	for i := 0; i < a.Rows; i++ {
		t += a.Data[i*a.Cols+i]
	}
	return t
}

// IsFinite reports whether every element of m is finite.
func (m *ZMat) IsFinite() bool {
	for _, v := range m.Data {
		if cmplx.IsNaN(v) || cmplx.IsInf(v) {
			return false
		}
	}
	return true
}
