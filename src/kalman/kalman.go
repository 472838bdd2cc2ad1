package kalman

import (
	"errors"
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"
)

/*
Both filters estimate one hidden scalar (EC, pH, ...) from a batch of N redundant
readings of it. Every sensor in the batch is assumed to see the same value through
independent noise of equal variance R.

Usage:

	f, _ := kalman.New(kalman.Scalar, 4, 1111)
	st, _ := kalman.NewState(1177, 0.3)
	// every sampling cycle
	ec := f.Update(batch, st, 0.3)
*/

var (
	ErrInvalidSize  = errors.New("batch size must be at least 1")
	ErrInvalidNoise = errors.New("measurement noise must be positive")
	ErrInvalidState = errors.New("uncertainty must be a non-negative number")
	ErrUnknownForm  = errors.New("unknown filter form")
)

// Form selects the formulation used by New.
type Form string

const (
	// Scalar is the closed-form filter working on the batch mean.
	Scalar Form = "scalar"
	// Matrix is the general N-measurement filter using matrix algebra.
	Matrix Form = "matrix"
)

// State is the persistent estimate of one quantity. It is owned by the loop
// driving the filter and mutated once per Update.
type State struct {
	Estimate    float32 // x: best estimate of the true value
	Uncertainty float32 // P: variance of Estimate, never negative after Update
}

// NewState returns a seed state.
func NewState(estimate, uncertainty float32) (*State, error) {
	if !(uncertainty >= 0) || math.IsInf(float64(uncertainty), 0) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidState, uncertainty)
	}
	return &State{
		Estimate:    estimate,
		Uncertainty: uncertainty,
	}, nil
}

// predict returns x_pred and P_pred. The state is modelled as constant between
// samples so only the covariance grows.
func (s *State) predict(processNoise float32) (float32, float32) {
	return s.Estimate, s.Uncertainty + processNoise
}

// commit stores a posterior. Rounding may not push the covariance below zero or
// above the predicted covariance.
func (s *State) commit(x, p, pPred float32) float32 {
	if p > pPred {
		p = pPred
	}
	if p < 0 {
		p = 0
	}
	s.Estimate = x
	s.Uncertainty = p
	return x
}

// Filter fuses a batch of N readings into the state and returns the new estimate.
type Filter interface {
	Update(batch []float32, state *State, processNoise float32) float32
	Size() int
	MeasurementNoise() float32
}

type filterOptions struct {
	onDegraded func(error)
}

// Option configures a Filter
type Option func(*filterOptions)

// WithDegradedHandler is called whenever the matrix form cannot invert the
// innovation covariance and falls back to the prediction. The scalar form has no
// failure path and never calls it.
func WithDegradedHandler(fn func(error)) Option {
	return func(o *filterOptions) {
		o.onDegraded = fn
	}
}

var defaultFilterOptions = filterOptions{
	onDegraded: func(err error) {
		log.WithFields(log.Fields{
			"ERROR": err,
		}).Warn("kalman: innovation covariance not invertible, keeping prediction")
	},
}

// New validates the configuration and builds a filter of the requested form.
func New(form Form, n int, measurementNoise float32, opts ...Option) (Filter, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSize, n)
	}
	if !(measurementNoise > 0) || math.IsInf(float64(measurementNoise), 0) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidNoise, measurementNoise)
	}

	options := defaultFilterOptions
	for _, opt := range opts {
		opt(&options)
	}

	switch form {
	case Scalar, "":
		return newClosedForm(n, measurementNoise), nil
	case Matrix:
		return newMultiMeasurement(n, measurementNoise, options.onDegraded), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownForm, form)
	}
}

func checkBatch(batch []float32, n int) {
	if len(batch) != n {
		panic(fmt.Errorf("batch has %d readings, filter expects %d", len(batch), n))
	}
}
