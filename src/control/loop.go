package control

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Moth-Balls/Hydro-Assist/src/dosing"
	"github.com/Moth-Balls/Hydro-Assist/src/kalman"
	"github.com/Moth-Balls/Hydro-Assist/src/report"
	"github.com/Moth-Balls/Hydro-Assist/src/sensor"
)

// Quantity is one filtered physical quantity: a probe group, its filter and the
// filter state it owns.
type Quantity struct {
	Name         string
	group        *sensor.Group
	filter       kalman.Filter
	state        *kalman.State
	processNoise float32
	batch        []float32
	degraded     bool
}

// QuantityConfig describes the filter of a Quantity.
type QuantityConfig struct {
	Form             kalman.Form
	MeasurementNoise float32
	ProcessNoise     float32
	Seed             kalman.State
}

func NewQuantity(name string, group *sensor.Group, config QuantityConfig) (*Quantity, error) {
	if group.Size() == 0 {
		return nil, fmt.Errorf("quantity %s: no probes", name)
	}
	if config.ProcessNoise < 0 {
		return nil, fmt.Errorf("quantity %s: process noise %v must not be negative", name, config.ProcessNoise)
	}
	state, err := kalman.NewState(config.Seed.Estimate, config.Seed.Uncertainty)
	if err != nil {
		return nil, fmt.Errorf("quantity %s: %w", name, err)
	}

	q := &Quantity{
		Name:         name,
		group:        group,
		state:        state,
		processNoise: config.ProcessNoise,
		batch:        make([]float32, group.Size()),
	}
	q.filter, err = kalman.New(config.Form, group.Size(), config.MeasurementNoise,
		kalman.WithDegradedHandler(q.onDegraded))
	if err != nil {
		return nil, fmt.Errorf("quantity %s: %w", name, err)
	}
	return q, nil
}

func (q *Quantity) onDegraded(err error) {
	q.degraded = true
	log.WithFields(log.Fields{
		"QUANTITY": q.Name,
		"ERROR":    err,
	}).Warn("filter kept its prediction")
}

// State returns a copy of the filter state.
func (q *Quantity) State() kalman.State {
	return *q.state
}

// Group returns the probes feeding the filter.
func (q *Quantity) Group() *sensor.Group {
	return q.group
}

// sample reads the group and updates the filter. The state is untouched when the
// read fails.
func (q *Quantity) sample() (report.Result, error) {
	if err := q.group.Read(q.batch); err != nil {
		return report.Result{}, err
	}
	q.degraded = false
	estimate := q.filter.Update(q.batch, q.state, q.processNoise)

	probes := q.group.Probes()
	names := make([]string, len(probes))
	for i, p := range probes {
		names[i] = p.Name
	}
	return report.Result{
		Name:        q.Name,
		Sensors:     names,
		Batch:       append([]float32(nil), q.batch...),
		Estimate:    estimate,
		Uncertainty: q.state.Uncertainty,
		Degraded:    q.degraded,
	}, nil
}

// StatusSetter records per-quantity health.
type StatusSetter interface {
	SetQuantity(name string, ok bool)
}

// Actuator acts on a finished cycle.
type Actuator interface {
	Apply(ctx context.Context, c report.Cycle) ([]dosing.Dose, error)
}

type loopOptions struct {
	interval time.Duration
	sink     report.Sink
	actuator Actuator
	status   StatusSetter
}

// Option configures a Loop
type Option func(*loopOptions)

func WithInterval(interval time.Duration) Option {
	return func(o *loopOptions) {
		o.interval = interval
	}
}

func WithSink(sink report.Sink) Option {
	return func(o *loopOptions) {
		o.sink = sink
	}
}

func WithActuator(a Actuator) Option {
	return func(o *loopOptions) {
		o.actuator = a
	}
}

func WithStatus(s StatusSetter) Option {
	return func(o *loopOptions) {
		o.status = s
	}
}

var defaultLoopOptions = loopOptions{
	interval: time.Second,
}

// Loop samples every quantity once per interval. It is not safe for concurrent
// use: each filter state belongs to the loop goroutine.
type Loop struct {
	quantities []*Quantity
	options    loopOptions
}

func New(quantities []*Quantity, opts ...Option) (*Loop, error) {
	options := defaultLoopOptions
	for _, opt := range opts {
		opt(&options)
	}
	if options.interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", options.interval)
	}
	seen := make(map[string]bool, len(quantities))
	for _, q := range quantities {
		if seen[q.Name] {
			return nil, fmt.Errorf("duplicate quantity %s", q.Name)
		}
		seen[q.Name] = true
	}
	return &Loop{quantities: quantities, options: options}, nil
}

// Step runs one sampling cycle.
func (l *Loop) Step(ctx context.Context, now time.Time) report.Cycle {
	c := report.Cycle{Time: now, Quantities: make([]report.Result, 0, len(l.quantities))}
	for _, q := range l.quantities {
		r, err := q.sample()
		if l.options.status != nil {
			l.options.status.SetQuantity(q.Name, err == nil)
		}
		if err != nil {
			log.WithFields(log.Fields{
				"QUANTITY": q.Name,
				"ERROR":    err,
			}).Warn("skipping quantity this cycle")
			continue
		}
		log.WithFields(log.Fields{
			"QUANTITY":    r.Name,
			"READINGS":    r.Batch,
			"ESTIMATE":    r.Estimate,
			"UNCERTAINTY": r.Uncertainty,
		}).Debug("filtered")
		c.Quantities = append(c.Quantities, r)
	}

	if l.options.sink != nil {
		if err := l.options.sink.Publish(c); err != nil {
			log.WithFields(log.Fields{
				"ERROR": err,
			}).Debug("publish incomplete")
		}
	}
	if l.options.actuator != nil {
		if _, err := l.options.actuator.Apply(ctx, c); err != nil {
			log.WithFields(log.Fields{
				"ERROR": err,
			}).Error("dosing failed")
		}
	}
	return c
}

// Run steps on every tick until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.options.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			l.Step(ctx, now)
		}
	}
}
