package sdboot

import (
	"github.com/pkg/errors"
	"tinygo.org/x/drivers"
)

// OutputPin is a chip select line. machine.Pin satisfies it.
type OutputPin interface {
	High()
	Low()
}

// DriversTransport adapts a TinyGo drivers.SPI bus, which is how the loader
// reaches the card when it runs on the device itself.
type DriversTransport struct {
	bus drivers.SPI
	cs  OutputPin
	// setClock reconfigures the bus for a divisor; nil keeps the bus as is.
	setClock func(div int) error
}

// NewDriversTransport creates a transport on bus with cs as the select line.
// setClock is called for clock changes and may be nil.
func NewDriversTransport(bus drivers.SPI, cs OutputPin, setClock func(div int) error) *DriversTransport {
	cs.High()
	return &DriversTransport{bus: bus, cs: cs, setClock: setClock}
}

func (t *DriversTransport) Exchange(b byte) (byte, error) {
	return t.bus.Transfer(b)
}

func (t *DriversTransport) Select() error {
	t.cs.Low()
	return nil
}

func (t *DriversTransport) Deselect() error {
	t.cs.High()
	return nil
}

func (t *DriversTransport) SetClockDivisor(div int) error {
	if div <= 0 {
		return errors.Errorf("invalid clock divisor %d", div)
	}
	if t.setClock == nil {
		return nil
	}
	return t.setClock(div)
}
