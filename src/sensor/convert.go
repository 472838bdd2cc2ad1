package sensor

import (
	"errors"
	"fmt"
)

// ECConversionFactor converts the probe's TDS-scaled output back to EC.
const ECConversionFactor = 0.7

var (
	ErrNotSampled       = errors.New("no reading taken yet")
	ErrZeroVoltage      = errors.New("last voltage was zero")
	ErrDegeneratePoints = errors.New("calibration points must use different codes")
)

// Converter turns a raw ADC code into a physical unit.
type Converter interface {
	Convert(code int) float32
}

// Voltage scales codes to volts for an ADC with the given reference and full-scale code.
type Voltage struct {
	Vref       float32
	Resolution float32
}

func (v Voltage) Volts(code int) float32 {
	return float32(code) * (v.Vref / v.Resolution)
}

// EC is a conductivity probe: the voltage scaled by a per-probe compensation
// value gives a TDS-like reading that is divided by ECConversionFactor.
type EC struct {
	Voltage
	Compensation float32
}

func (c *EC) Convert(code int) float32 {
	return c.Volts(code) * c.Compensation / ECConversionFactor
}

// TDS is a total-dissolved-solids probe with a calibratable compensation value.
type TDS struct {
	Voltage
	Compensation float32

	lastVoltage float32
	sampled     bool
}

func (c *TDS) Convert(code int) float32 {
	v := c.Volts(code)
	c.lastVoltage = v
	c.sampled = true
	return v * c.Compensation
}

// Calibrate makes the most recent reading equal trueValue.
func (c *TDS) Calibrate(trueValue float32) error {
	if !c.sampled {
		return ErrNotSampled
	}
	if c.lastVoltage == 0 {
		return ErrZeroVoltage
	}
	c.Compensation = trueValue / c.lastVoltage
	return nil
}

// The factory pH line was fitted to codes of a 12-bit ADC at 3.3 V
// (ph = -0.0225·code + 24.36). Expressed per volt it holds on any ADC.
const (
	FactoryPHSlope  = -0.0225 * 4095 / 3.3
	FactoryPHOffset = 24.36
)

// PH is a linear pH probe: ph = Slope·volts + Offset.
type PH struct {
	Voltage
	Slope  float32
	Offset float32
}

// DefaultPH is the factory line of the pH probes read through v.
func DefaultPH(v Voltage) *PH {
	return &PH{Voltage: v, Slope: FactoryPHSlope, Offset: FactoryPHOffset}
}

func (c *PH) Convert(code int) float32 {
	return c.Slope*c.Volts(code) + c.Offset
}

// CalibrateTwoPoint fits the line through two buffer solutions.
func (c *PH) CalibrateTwoPoint(code1 int, ph1 float32, code2 int, ph2 float32) error {
	if code1 == code2 {
		return fmt.Errorf("%w: both at %d", ErrDegeneratePoints, code1)
	}
	v1, v2 := c.Volts(code1), c.Volts(code2)
	c.Slope = (ph2 - ph1) / (v2 - v1)
	c.Offset = ph1 - c.Slope*v1
	return nil
}
