// Package verify cross-checks the closed-form and matrix filters on random inputs.
package verify

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/Moth-Balls/Hydro-Assist/src/kalman"
)

// DefaultTolerance is the relative deviation both forms must stay within.
const DefaultTolerance = 1e-4

type Config struct {
	Trials    int
	Tolerance float64
	Seed      uint64
	// MaxSensors bounds the batch size drawn per trial.
	MaxSensors int
}

func DefaultConfig() Config {
	return Config{
		Trials:     1000,
		Tolerance:  DefaultTolerance,
		Seed:       1177,
		MaxSensors: 8,
	}
}

// Trial is one random draw and what each form made of it.
type Trial struct {
	Batch            []float32
	ProcessNoise     float32
	MeasurementNoise float32
	Seed             kalman.State
	Scalar           kalman.State
	Matrix           kalman.State
}

// Deviation is the larger of the relative estimate and uncertainty deviations.
func (t Trial) Deviation() (estimate, uncertainty float64) {
	return relDev(t.Scalar.Estimate, t.Matrix.Estimate), relDev(t.Scalar.Uncertainty, t.Matrix.Uncertainty)
}

type Report struct {
	Trials     int
	Tolerance  float64
	Violations int

	MaxEstimateDev     float64
	MaxUncertaintyDev  float64
	MeanEstimateDev    float64
	MeanUncertaintyDev float64

	// Worst is the trial with the largest deviation.
	Worst Trial
}

func (r Report) OK() bool {
	return r.Violations == 0
}

func (r Report) String() string {
	return fmt.Sprintf("%d trials, %d over %.1e: estimate max %.3e mean %.3e, uncertainty max %.3e mean %.3e",
		r.Trials, r.Violations, r.Tolerance,
		r.MaxEstimateDev, r.MeanEstimateDev, r.MaxUncertaintyDev, r.MeanUncertaintyDev)
}

var ErrInvalidConfig = errors.New("invalid verification config")

// Run draws cfg.Trials random inputs and runs both forms on each from the same seed.
func Run(cfg Config) (Report, error) {
	if cfg.Trials <= 0 || cfg.MaxSensors <= 0 || !(cfg.Tolerance > 0) {
		return Report{}, fmt.Errorf("%w: %+v", ErrInvalidConfig, cfg)
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	estDevs := make([]float64, cfg.Trials)
	uncDevs := make([]float64, cfg.Trials)

	report := Report{Trials: cfg.Trials, Tolerance: cfg.Tolerance}
	worst := -1.0
	for i := range cfg.Trials {
		trial, err := runTrial(draw(rng, cfg.MaxSensors))
		if err != nil {
			return Report{}, err
		}
		estDevs[i], uncDevs[i] = trial.Deviation()
		if estDevs[i] > cfg.Tolerance || uncDevs[i] > cfg.Tolerance {
			report.Violations++
		}
		if d := math.Max(estDevs[i], uncDevs[i]); d > worst {
			worst = d
			report.Worst = trial
		}
	}

	report.MaxEstimateDev = floats.Max(estDevs)
	report.MaxUncertaintyDev = floats.Max(uncDevs)
	report.MeanEstimateDev = stat.Mean(estDevs, nil)
	report.MeanUncertaintyDev = stat.Mean(uncDevs, nil)
	return report, nil
}

// draw picks inputs in the range the filters see in service: readings of one
// magnitude spread by about 1%, a seed near them and a positive noise spanning
// five decades.
func draw(rng *rand.Rand, maxSensors int) Trial {
	n := 1 + rng.IntN(maxSensors)
	center := 1 + rng.Float64()*2000

	batch := make([]float32, n)
	for i := range batch {
		batch[i] = float32(center * (1 + 0.01*rng.NormFloat64()))
	}
	return Trial{
		Batch:            batch,
		ProcessNoise:     float32(rng.Float64()),
		MeasurementNoise: float32(0.01 * math.Pow(10, rng.Float64()*5.3)),
		Seed: kalman.State{
			Estimate:    float32(center * (1 + 0.02*rng.NormFloat64())),
			Uncertainty: float32(1e-3 + rng.Float64()),
		},
	}
}

func runTrial(t Trial) (Trial, error) {
	scalar, err := kalman.New(kalman.Scalar, len(t.Batch), t.MeasurementNoise)
	if err != nil {
		return t, err
	}
	matrix, err := kalman.New(kalman.Matrix, len(t.Batch), t.MeasurementNoise)
	if err != nil {
		return t, err
	}

	t.Scalar, t.Matrix = t.Seed, t.Seed
	scalar.Update(t.Batch, &t.Scalar, t.ProcessNoise)
	matrix.Update(t.Batch, &t.Matrix, t.ProcessNoise)
	return t, nil
}

// Check runs one explicit input through both forms.
func Check(batch []float32, seed kalman.State, processNoise, measurementNoise float32) (Trial, error) {
	return runTrial(Trial{
		Batch:            batch,
		ProcessNoise:     processNoise,
		MeasurementNoise: measurementNoise,
		Seed:             seed,
	})
}

func relDev(a, b float32) float64 {
	x, y := float64(a), float64(b)
	scale := math.Max(math.Abs(x), math.Abs(y))
	if scale == 0 {
		return 0
	}
	return math.Abs(x-y) / scale
}
