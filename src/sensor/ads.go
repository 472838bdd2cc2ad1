package sensor

import (
	"fmt"

	"gobot.io/x/gobot/v2/drivers/i2c"
)

var _ Reader = (*i2c.ADS1x15Driver)(nil)

// ADS1115FullScale is the positive full-scale code of the ADS1115 at its default
// gain of ±4.096 V.
const (
	ADS1115FullScale = 32767
	ADS1115Vref      = 4.096
)

// NewADS1115 starts an ADS1115 at address on the adaptor's I2C bus.
func NewADS1115(conn i2c.Connector, bus, address int) (*i2c.ADS1x15Driver, error) {
	d := i2c.NewADS1115Driver(conn, i2c.WithBus(bus), i2c.WithAddress(address))
	if err := d.Start(); err != nil {
		return nil, fmt.Errorf("start ads1115 at 0x%02x: %w", address, err)
	}
	return d, nil
}
