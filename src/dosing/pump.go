package dosing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gobot.io/x/gobot/v2/drivers/gpio"
)

const (
	// DefaultStepRate is the stepper speed in steps per second.
	DefaultStepRate   = 500
	DefaultStepsPerML = 200

	// TestSteps is how far Test moves in each direction.
	TestSteps = 1000
)

var ErrNegativeVolume = errors.New("dose volume must not be negative")

type pumpOptions struct {
	stepRate   float64
	stepsPerML float32
	sleep      func(context.Context, time.Duration) error
}

type Option func(*pumpOptions)

var defaultPumpOptions = pumpOptions{
	stepRate:   DefaultStepRate,
	stepsPerML: DefaultStepsPerML,
	sleep:      sleep,
}

func WithStepRate(stepsPerSecond float64) Option {
	return func(o *pumpOptions) {
		o.stepRate = stepsPerSecond
	}
}

func WithStepsPerML(steps float32) Option {
	return func(o *pumpOptions) {
		o.stepsPerML = steps
	}
}

// Pump is a peristaltic pump on a step/dir stepper driver.
type Pump struct {
	Name       string
	writer     gpio.DigitalWriter
	stepPin    string
	dirPin     string
	halfPeriod time.Duration
	options    pumpOptions
}

func NewPump(name string, writer gpio.DigitalWriter, stepPin, dirPin string, opts ...Option) (*Pump, error) {
	options := defaultPumpOptions
	for _, opt := range opts {
		opt(&options)
	}
	if options.stepRate <= 0 || math.IsInf(options.stepRate, 0) {
		return nil, fmt.Errorf("pump %s: invalid step rate %v", name, options.stepRate)
	}
	if options.stepsPerML <= 0 {
		return nil, fmt.Errorf("pump %s: invalid steps per mL %v", name, options.stepsPerML)
	}

	return &Pump{
		Name:       name,
		writer:     writer,
		stepPin:    stepPin,
		dirPin:     dirPin,
		halfPeriod: time.Duration(float64(time.Second) / options.stepRate / 2),
		options:    options,
	}, nil
}

// Steps is the number of steps that pump ml millilitres.
func (p *Pump) Steps(ml float32) int {
	return int(math.Round(float64(ml * p.options.stepsPerML)))
}

// Dose pumps ml millilitres forward. A cancelled ctx stops the pump between steps.
func (p *Pump) Dose(ctx context.Context, ml float32) error {
	if ml < 0 {
		return fmt.Errorf("%w: %v", ErrNegativeVolume, ml)
	}
	return p.move(ctx, p.Steps(ml), true)
}

// Test runs the motor forward and back.
func (p *Pump) Test(ctx context.Context) error {
	if err := p.move(ctx, TestSteps, true); err != nil {
		return err
	}
	return p.move(ctx, TestSteps, false)
}

func (p *Pump) move(ctx context.Context, steps int, forward bool) error {
	dir := byte(0)
	if forward {
		dir = 1
	}
	if err := p.writer.DigitalWrite(p.dirPin, dir); err != nil {
		return fmt.Errorf("pump %s: set direction: %w", p.Name, err)
	}

	for i := 0; i < steps; i++ {
		if err := p.writer.DigitalWrite(p.stepPin, 1); err != nil {
			return fmt.Errorf("pump %s: step %d: %w", p.Name, i, err)
		}
		if err := p.options.sleep(ctx, p.halfPeriod); err != nil {
			p.writer.DigitalWrite(p.stepPin, 0)
			return fmt.Errorf("pump %s: stopped after %d of %d steps: %w", p.Name, i, steps, err)
		}
		if err := p.writer.DigitalWrite(p.stepPin, 0); err != nil {
			return fmt.Errorf("pump %s: step %d: %w", p.Name, i, err)
		}
		if err := p.options.sleep(ctx, p.halfPeriod); err != nil {
			return fmt.Errorf("pump %s: stopped after %d of %d steps: %w", p.Name, i+1, steps, err)
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
