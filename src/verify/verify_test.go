package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Moth-Balls/Hydro-Assist/src/kalman"
)

func TestRunDefault(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trials = 300

	report, err := Run(cfg)
	require.NoError(t, err)
	assert.True(t, report.OK(), report.String())
	assert.Equal(t, 300, report.Trials)
	assert.LessOrEqual(t, report.MeanEstimateDev, report.MaxEstimateDev)
	assert.LessOrEqual(t, report.MeanUncertaintyDev, report.MaxUncertaintyDev)
	assert.NotEmpty(t, report.Worst.Batch)
}

func TestRunIsReproducible(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trials = 20

	a, err := Run(cfg)
	require.NoError(t, err)
	b, err := Run(cfg)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRunFlagsViolations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trials = 200
	cfg.Tolerance = 1e-15

	report, err := Run(cfg)
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Greater(t, report.Violations, 0)
	assert.Contains(t, report.String(), "200 trials")
}

func TestRunRejectsConfig(t *testing.T) {
	for _, cfg := range []Config{
		{Trials: 0, Tolerance: 1e-4, MaxSensors: 4},
		{Trials: 10, Tolerance: 0, MaxSensors: 4},
		{Trials: 10, Tolerance: 1e-4, MaxSensors: 0},
	} {
		_, err := Run(cfg)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	}
}

func TestCheckWorkedExample(t *testing.T) {
	trial, err := Check([]float32{1175, 1178, 1176, 1180}, kalman.State{Estimate: 1177, Uncertainty: 0.3}, 0.3, 1111)
	require.NoError(t, err)

	est, unc := trial.Deviation()
	assert.Less(t, est, DefaultTolerance)
	assert.Less(t, unc, DefaultTolerance)
	assert.InDelta(t, 1177.0, trial.Scalar.Estimate, 0.01)
	assert.Equal(t, float32(1177), trial.Seed.Estimate, "the seed is not modified")

	_, err = Check([]float32{1}, kalman.State{Uncertainty: 1}, 0, 0)
	assert.ErrorIs(t, err, kalman.ErrInvalidNoise)
}

func TestRelDev(t *testing.T) {
	assert.Equal(t, 0.0, relDev(0, 0))
	assert.InDelta(t, 0.5, relDev(1, 2), 1e-12)
	assert.InDelta(t, 0.5, relDev(-2, -1), 1e-12)
}
