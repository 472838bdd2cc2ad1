package sensor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeADC struct {
	codes map[string]int
	err   error
	reads []string
}

func (f *fakeADC) AnalogRead(pin string) (int, error) {
	f.reads = append(f.reads, pin)
	if f.err != nil {
		return 0, f.err
	}
	return f.codes[pin], nil
}

var grandCentral = Voltage{Vref: 3.3, Resolution: 4095}

func TestEC_Convert(t *testing.T) {
	c := &EC{Voltage: grandCentral, Compensation: 78.08493545}
	// 2048 counts is ~1.650 V
	got := c.Convert(2048)
	want := float32(2048) * (3.3 / 4095) * 78.08493545 / 0.7
	assert.InDelta(t, want, got, 1e-2)
	assert.InDelta(t, 184.1, got, 0.5)
}

func TestTDS_Calibrate(t *testing.T) {
	c := &TDS{Voltage: Voltage{Vref: 5, Resolution: 1023}, Compensation: 300}

	assert.ErrorIs(t, c.Calibrate(1177), ErrNotSampled)

	before := c.Convert(200)
	assert.InDelta(t, 200*(5.0/1023)*300, before, 1e-2)

	require.NoError(t, c.Calibrate(1177))
	assert.InDelta(t, 1177, c.Convert(200), 1e-2)

	c.Convert(0)
	assert.ErrorIs(t, c.Calibrate(1177), ErrZeroVoltage)
}

var ads1115 = Voltage{Vref: ADS1115Vref, Resolution: ADS1115FullScale}

func TestPH_Convert(t *testing.T) {
	c := DefaultPH(grandCentral)
	assert.InDelta(t, 24.36-0.0225*760, c.Convert(760), 1e-3)

	// a pH 7 buffer gives 0.6218 V, code 4974 on the ADS1115
	c = DefaultPH(ads1115)
	assert.InDelta(t, 7.0, c.Convert(4974), 0.01)
	assert.InDelta(t, 4.0, c.Convert(5834), 0.01)
}

func TestPH_CalibrateTwoPoint(t *testing.T) {
	c := DefaultPH(ads1115)
	require.NoError(t, c.CalibrateTwoPoint(9000, 4.0, 4900, 7.0))
	assert.InDelta(t, 4.0, c.Convert(9000), 1e-3)
	assert.InDelta(t, 7.0, c.Convert(4900), 1e-3)
	assert.Less(t, c.Slope, float32(0))

	assert.ErrorIs(t, c.CalibrateTwoPoint(800, 4.0, 800, 7.0), ErrDegeneratePoints)
}

func TestProbe_Read(t *testing.T) {
	adc := &fakeADC{codes: map[string]int{"2": 760}}
	p := NewProbe("ph1", adc, "2", DefaultPH(grandCentral))

	v, err := p.Read()
	require.NoError(t, err)
	assert.InDelta(t, 7.26, v, 1e-3)
	assert.Equal(t, []string{"2"}, adc.reads)

	adc.err = errors.New("i2c nack")
	_, err = p.Read()
	assert.ErrorContains(t, err, "ph1")
	assert.ErrorIs(t, err, adc.err)
}

func TestGroup_Read(t *testing.T) {
	adc := &fakeADC{codes: map[string]int{"0": 100, "1": 200, "2": 300, "3": 400}}
	ph := &PH{Voltage: Voltage{Vref: 1, Resolution: 1}, Slope: 1}
	g := NewGroup(
		NewProbe("a", adc, "0", ph),
		NewProbe("b", adc, "1", ph),
		NewProbe("c", adc, "2", ph),
		NewProbe("d", adc, "3", ph),
	)
	require.Equal(t, 4, g.Size())

	batch := make([]float32, g.Size())
	require.NoError(t, g.Read(batch))
	assert.Equal(t, []float32{100, 200, 300, 400}, batch)
	assert.Equal(t, []string{"0", "1", "2", "3"}, adc.reads)

	assert.Panics(t, func() { _ = g.Read(make([]float32, 2)) })

	adc.err = errors.New("bus busy")
	assert.Error(t, g.Read(batch))
}
