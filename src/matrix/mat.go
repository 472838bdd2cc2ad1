package matrix

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

/*
Function Structure
- Assertions
- Calculation
- Handle Subsequent Errors
*/

/* Column vector of n ones, the observation model of n sensors reading one value */
func Ones(n int) *mat.VecDense {
	if n < 1 {
		panic(fmt.Errorf("vector length must be positive, got %d", n))
	}

	data := make([]float64, n)
	for i := range data {
		data[i] = 1
	}
	return mat.NewVecDense(n, data)
}

/* Diagonal covariance noise*I_n of n independent, identically noisy sensors */
func Isotropic(n int, noise float64) *mat.DiagDense {
	if n < 1 {
		panic(fmt.Errorf("matrix size must be positive, got %d", n))
	}

	diag := make([]float64, n)
	for i := range diag {
		diag[i] = noise
	}
	return mat.NewDiagDense(n, diag)
}

/* Innovation covariance S = H * P * H^T + R for a scalar state P */
func Innovation(h mat.Vector, p float64, r mat.Matrix) *mat.Dense {
    hn := h.Len()
    rr, rc := r.Dims()
    if rr != hn || rc != hn {
		panic(fmt.Errorf("noise covariance must be %dx%d, got %dx%d", hn, hn, rr, rc))
	}

    var s mat.Dense
    s.Outer(p, h, h)
    s.Add(&s, r)

    return &s
}

/* Inverse of a, or an error if a is singular or too ill-conditioned to trust */
func Invert(a mat.Matrix) (*mat.Dense, error) {
    ar, ac := a.Dims()
    if ar != ac {
		panic(fmt.Errorf("only square matrices can be inverted, got %dx%d", ar, ac))
	}

    var inv mat.Dense
    if err := inv.Inverse(a); err != nil {
        return nil, fmt.Errorf("invert %dx%d: %w", ar, ac, err)
    }
    return &inv, nil
}
