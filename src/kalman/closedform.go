package kalman

// ClosedForm is the reduced filter for isotropic noise. Averaging N independent
// readings of variance R gives one reading of variance R/N, which turns the update
// into a single scalar gain.
type ClosedForm struct {
	n              int
	noise          float32 // R: variance of one sensor
	sensorVariance float32 // R/N: variance of the batch mean
}

func newClosedForm(n int, noise float32) *ClosedForm {
	return &ClosedForm{
		n:              n,
		noise:          noise,
		sensorVariance: noise / float32(n),
	}
}

func (kf *ClosedForm) Size() int { return kf.n }

func (kf *ClosedForm) MeasurementNoise() float32 { return kf.noise }

// Update performs the predict and update steps. It allocates nothing.
func (kf *ClosedForm) Update(batch []float32, state *State, processNoise float32) float32 {
	checkBatch(batch, kf.n)

	xPred, pPred := state.predict(processNoise)

	// Kalman gain: K = P_pred / (P_pred + R/N)
	gain := pPred / (pPred + kf.sensorVariance)

	var sum float32
	for _, z := range batch {
		sum += z
	}
	mean := sum / float32(kf.n)

	xPost := xPred + gain*(mean-xPred)
	// (1 - K) P_pred rewritten as K R/N, which avoids cancellation when K is close to 1
	pPost := gain * kf.sensorVariance

	return state.commit(xPost, pPost, pPred)
}
