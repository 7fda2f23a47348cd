package sdboot

import (
	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
)

// PeriphTransport drives the card through a periph.io SPI port, with the
// select line on a separate GPIO so it can stay asserted across exchanges.
type PeriphTransport struct {
	port spi.PortCloser
	conn spi.Conn
	cs   gpio.PinOut
	base physic.Frequency

	tx, rx [1]byte
}

// NewPeriphTransport connects to port in SPI mode 0 and starts at
// base/DivisorSlow. The divisors passed to SetClockDivisor are relative to
// base.
//
// The port runs at the lower of the connection speed and the port limit, so
// the connection is made at the fastest rate the card will be driven at and
// the port limit does the switching.
func NewPeriphTransport(port spi.PortCloser, cs gpio.PinOut, base physic.Frequency) (*PeriphTransport, error) {
	conn, err := port.Connect(base/DivisorFast, spi.Mode0, 8)
	if err != nil {
		return nil, errors.Wrapf(err, "connect %v", port)
	}
	if err := port.LimitSpeed(base / DivisorSlow); err != nil {
		return nil, errors.Wrapf(err, "limit %v", port)
	}
	if err := cs.Out(gpio.High); err != nil {
		return nil, errors.Wrapf(err, "release %v", cs)
	}
	return &PeriphTransport{port: port, conn: conn, cs: cs, base: base}, nil
}

// OpenPeriphTransport opens a registered SPI port and chip select pin by name,
// for example "/dev/spidev0.0" and "GPIO25". The host drivers must have been
// initialized with host.Init.
func OpenPeriphTransport(portName, csName string, base physic.Frequency) (*PeriphTransport, error) {
	port, err := spireg.Open(portName)
	if err != nil {
		return nil, errors.Wrapf(err, "open spi port %q", portName)
	}
	cs := gpioreg.ByName(csName)
	if cs == nil {
		port.Close()
		return nil, errors.Errorf("unknown chip select pin %q", csName)
	}
	t, err := NewPeriphTransport(port, cs, base)
	if err != nil {
		port.Close()
		return nil, err
	}
	return t, nil
}

// Close releases the select line and the port.
func (t *PeriphTransport) Close() error {
	t.cs.Out(gpio.High)
	return t.port.Close()
}

func (t *PeriphTransport) Exchange(b byte) (byte, error) {
	t.tx[0] = b
	if err := t.conn.Tx(t.tx[:], t.rx[:]); err != nil {
		return 0, err
	}
	return t.rx[0], nil
}

func (t *PeriphTransport) Select() error   { return t.cs.Out(gpio.Low) }
func (t *PeriphTransport) Deselect() error { return t.cs.Out(gpio.High) }

// SetClockDivisor limits the port to base/div. Divisors below DivisorFast run
// at base/DivisorFast, the connection speed.
func (t *PeriphTransport) SetClockDivisor(div int) error {
	if div <= 0 {
		return errors.Errorf("invalid clock divisor %d", div)
	}
	return t.port.LimitSpeed(t.base / physic.Frequency(div))
}
