package sensor

import (
	"fmt"
)

// Reader is an analog input. gobot's ADS1x15 driver satisfies it.
type Reader interface {
	AnalogRead(pin string) (int, error)
}

// Probe is one physical sensor on one analog input.
type Probe struct {
	Name      string
	Pin       string
	reader    Reader
	converter Converter
}

func NewProbe(name string, reader Reader, pin string, converter Converter) *Probe {
	return &Probe{
		Name:      name,
		Pin:       pin,
		reader:    reader,
		converter: converter,
	}
}

func (p *Probe) Converter() Converter {
	return p.converter
}

// Read samples the input and converts it.
func (p *Probe) Read() (float32, error) {
	code, err := p.reader.AnalogRead(p.Pin)
	if err != nil {
		return 0, fmt.Errorf("read %s on pin %s: %w", p.Name, p.Pin, err)
	}
	return p.converter.Convert(code), nil
}

// Group is the fixed, ordered set of redundant probes measuring one quantity.
type Group struct {
	probes []*Probe
}

func NewGroup(probes ...*Probe) *Group {
	return &Group{probes: probes}
}

func (g *Group) Size() int {
	return len(g.probes)
}

func (g *Group) Probes() []*Probe {
	return g.probes
}

// Read fills batch with one reading per probe, in probe order. The batch is left
// partially filled if a probe fails.
func (g *Group) Read(batch []float32) error {
	if len(batch) != len(g.probes) {
		panic(fmt.Errorf("batch has room for %d readings, group has %d probes", len(batch), len(g.probes)))
	}
	for i, p := range g.probes {
		v, err := p.Read()
		if err != nil {
			return err
		}
		batch[i] = v
	}
	return nil
}
