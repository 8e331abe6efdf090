package linalg

import (
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulIdentity(t *testing.T) {
	a := NewZMat(2, 3)
	for i := range a.Data {
		a.Data[i] = complex(float64(i+1), float64(i))
	}
	got := Mul(Eye(2), a)
	assert.Equal(t, a.Data, got.Data)
}

func TestMulCHMatchesExplicitConjTranspose(t *testing.T) {
	a := NewZMat(3, 2)
	b := NewZMat(3, 2)
	for i := range a.Data {
		a.Data[i] = complex(float64(i), 1)
		b.Data[i] = complex(2, -float64(i))
	}
	want := Mul(ConjTranspose(a), b)
	got := MulCH(a, b)
	for i := range want.Data {
		assert.InDelta(t, real(want.Data[i]), real(got.Data[i]), 1e-12)
		assert.InDelta(t, imag(want.Data[i]), imag(got.Data[i]), 1e-12)
	}
}

func TestDetKnownValues(t *testing.T) {
	m := NewZMat(2, 2)
	m.Set(0, 0, 1)
	m.Set(0, 1, 2)
	m.Set(1, 0, 3)
	m.Set(1, 1, 4)
	assert.InDelta(t, -2, real(Det(m)), 1e-12)

	// Complex rotation has unit determinant.
	r := NewZMat(2, 2)
	r.Set(0, 0, complex(0, 1))
	r.Set(1, 1, complex(0, -1))
	d := Det(r)
	assert.InDelta(t, 1, real(d), 1e-12)
	assert.InDelta(t, 0, imag(d), 1e-12)
}

func TestDetSingularIsZero(t *testing.T) {
	m := NewZMat(2, 2)
	m.Set(0, 0, 1)
	m.Set(0, 1, 2)
	m.Set(1, 0, 2)
	m.Set(1, 1, 4)
	assert.Equal(t, complex128(0), Det(m))
}

func TestInvRoundTrip(t *testing.T) {
	m := NewZMat(3, 3)
	vals := []complex128{
		2, complex(1, 1), 0,
		complex(0, -1), 3, 1,
		1, 0, complex(2, 0.5),
	}
	copy(m.Data, vals)
	inv, err := Inv(m)
	require.NoError(t, err)
	prod := Mul(m, inv)
	eye := Eye(3)
	for i := range prod.Data {
		assert.InDelta(t, real(eye.Data[i]), real(prod.Data[i]), 1e-10)
		assert.InDelta(t, imag(eye.Data[i]), imag(prod.Data[i]), 1e-10)
	}
}

func TestInvSingularErrors(t *testing.T) {
	_, err := Inv(NewZMat(2, 2))
	require.Error(t, err)
}

func TestReorthoProducesOrthonormalColumns(t *testing.T) {
	m := NewZMat(4, 2)
	for i := range m.Data {
		m.Data[i] = complex(float64(i%3+1), float64(i%2))
	}
	detR := Reortho(m)
	assert.Greater(t, cmplx.Abs(detR), 0.0)
	ov := MulCH(m, m)
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			assert.InDelta(t, want, real(ov.At(i, j)), 1e-10)
			assert.InDelta(t, 0, imag(ov.At(i, j)), 1e-10)
		}
	}
}

func TestQRReconstructs(t *testing.T) {
	m := NewZMat(3, 3)
	vals := []complex128{
		1, complex(2, 1), 0,
		0.5, complex(0, 3), 1,
		2, 1, complex(1, -1),
	}
	copy(m.Data, vals)
	orig := m.Clone()
	r := QR(m)
	back := Mul(m, r)
	for i := range orig.Data {
		assert.InDelta(t, real(orig.Data[i]), real(back.Data[i]), 1e-10)
		assert.InDelta(t, imag(orig.Data[i]), imag(back.Data[i]), 1e-10)
	}
	// R is upper triangular.
	for i := 1; i < 3; i++ {
		for j := 0; j < i; j++ {
			assert.Equal(t, complex128(0), r.At(i, j))
		}
	}
}

func TestScaleRows(t *testing.T) {
	m := Eye(2)
	m.ScaleRows([]complex128{2, complex(0, 1)})
	assert.Equal(t, complex128(2), m.At(0, 0))
	assert.Equal(t, complex(0, 1), m.At(1, 1))
}
