package kalman

import (
	mt "github.com/Moth-Balls/Hydro-Assist/src/matrix"
	"gonum.org/v1/gonum/mat"
)

// MultiMeasurement is the general filter with a 1-D state and an N-D measurement.
// It works for any R but is only ever configured with the isotropic R = noise*I,
// which makes it the reference the ClosedForm filter is checked against.
type MultiMeasurement struct {
	n     int
	noise float32

	// read-only after construction
	h *mat.VecDense  // H: N x 1 ones
	r *mat.DiagDense // R: noise * I_N

	onDegraded func(error)
}

func newMultiMeasurement(n int, noise float32, onDegraded func(error)) *MultiMeasurement {
	return &MultiMeasurement{
		n:          n,
		noise:      noise,
		h:          mt.Ones(n),
		r:          mt.Isotropic(n, float64(noise)),
		onDegraded: onDegraded,
	}
}

func (kf *MultiMeasurement) Size() int { return kf.n }

func (kf *MultiMeasurement) MeasurementNoise() float32 { return kf.noise }

// Update performs the predict and update steps. If the innovation covariance
// cannot be inverted the update is abandoned: the state keeps the inflated
// covariance from the predict step and the returned value is the prediction.
func (kf *MultiMeasurement) Update(batch []float32, state *State, processNoise float32) float32 {
	checkBatch(batch, kf.n)

	// Predict
	xPred32, pPred32 := state.predict(processNoise)
	state.Uncertainty = max(pPred32, 0)
	xPred, pPred := float64(xPred32), float64(pPred32)

	// Innovation covariance: S = H P_pred H^T + R (N x N)
	s := mt.Innovation(kf.h, pPred, kf.r)

	sInv, err := mt.Invert(s)
	if err != nil {
		if kf.onDegraded != nil {
			kf.onDegraded(err)
		}
		return xPred32
	}

	// Kalman gain: K = P_pred H^T S^-1 (1 x N)
	var k mat.Dense
	k.Mul(kf.h.T(), sInv)
	k.Scale(pPred, &k)
	kRow := k.RowView(0)

	// Residual: y = z - H x_pred (N x 1)
	z := make([]float64, kf.n)
	for i, v := range batch {
		z[i] = float64(v)
	}
	var y mat.VecDense
	y.AddScaledVec(mat.NewVecDense(kf.n, z), -xPred, kf.h)

	// Posterior: x = x_pred + K y, P = (1 - K H) P_pred
	xPost := xPred + mat.Dot(kRow, &y)
	pPost := (1 - mat.Dot(kRow, kf.h)) * pPred

	return state.commit(float32(xPost), float32(pPost), pPred32)
}
