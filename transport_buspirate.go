package sdboot

import (
	"bytes"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// Bus Pirate binary mode commands.
const (
	bpEnterBitbang = 0x00
	bpEnterSPI     = 0x01
	bpCSLow        = 0x02
	bpCSHigh       = 0x03
	bpResetDevice  = 0x0F
	bpBulkTransfer = 0x10
	bpPeripherals  = 0x40
	bpSetSpeed     = 0x60
	bpSPIConfig    = 0x80

	bpOK = 0x01

	// Power supply on, chip select high.
	bpPeripheralsOn = bpPeripherals | 0x08 | 0x01
	// 3.3V outputs, clock idle low, sample on the active-to-idle edge: mode 0.
	bpMode0 = bpSPIConfig | 0x08 | 0x02
)

// busPirateSpeeds are the selectable SPI clocks, indexed by speed code.
var busPirateSpeeds = []int{30e3, 125e3, 250e3, 1e6, 2e6, 2.6e6, 4e6, 8e6}

// BusPirate drives the card through a Bus Pirate in binary SPI mode over a
// serial port. Clock divisors are applied to SystemClock and rounded down to
// the nearest speed the Bus Pirate supports.
type BusPirate struct {
	portConfig serial.Config
	port       io.ReadWriteCloser

	// SystemClock is the reference the divisors are relative to.
	SystemClock int
}

// NewBusPirateTransport creates a transport using the Bus Pirate on the given
// serial port. Call Connect before use.
func NewBusPirateTransport(port string, baud int) *BusPirate {
	b := new(BusPirate)

	b.portConfig.Baud = baud
	b.portConfig.Name = port
	b.portConfig.ReadTimeout = time.Second
	b.SystemClock = 8e6

	return b
}

// Connect opens the port and switches the Bus Pirate to binary SPI mode.
func (b *BusPirate) Connect() error {
	port, err := serial.OpenPort(&b.portConfig)
	if err != nil {
		return err
	}
	// On Linux with USB serial ports, in order for flush to work properly
	// we need to delay a little before flushing to make sure that any
	// received data has made its way up the driver stack.
	time.Sleep(time.Millisecond * 100)
	port.Flush()
	return b.attach(port)
}

// attach enters binary SPI mode on an already open port.
func (b *BusPirate) attach(port io.ReadWriteCloser) error {
	b.port = port

	// The Bus Pirate answers BBIO1 after at most 20 zero bytes.
	entered := false
	for i := 0; i < 20 && !entered; i++ {
		if _, err := b.port.Write([]byte{bpEnterBitbang}); err != nil {
			return err
		}
		resp, err := b.recv(5)
		if err != nil {
			return errors.Wrap(err, "enter bitbang mode")
		}
		entered = bytes.Equal(resp, []byte("BBIO1"))
	}
	if !entered {
		return errors.New("bus pirate did not enter bitbang mode")
	}

	if _, err := b.port.Write([]byte{bpEnterSPI}); err != nil {
		return err
	}
	resp, err := b.recv(4)
	if err != nil {
		return errors.Wrap(err, "enter spi mode")
	}
	if !bytes.Equal(resp, []byte("SPI1")) {
		return errors.Errorf("unexpected spi mode reply %q", resp)
	}

	if err := b.send(bpMode0); err != nil {
		return errors.Wrap(err, "configure spi")
	}
	if err := b.send(bpPeripheralsOn); err != nil {
		return errors.Wrap(err, "enable power")
	}
	return nil
}

// Disconnect resets the Bus Pirate to its user terminal and closes the port.
func (b *BusPirate) Disconnect() {
	if b.port == nil {
		return
	}
	b.port.Write([]byte{bpEnterBitbang, bpResetDevice})
	b.port.Close()
	b.port = nil
}

func (b *BusPirate) recv(count int) ([]byte, error) {
	resp := make([]byte, 0, count)
	buf := make([]byte, count)
	for len(resp) < count {
		n, err := b.port.Read(buf[:count-len(resp)])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, errors.New("read timed out")
		}
		resp = append(resp, buf[:n]...)
	}
	return resp, nil
}

// send writes a single command byte and checks the acknowledgement.
func (b *BusPirate) send(cmd byte) error {
	if _, err := b.port.Write([]byte{cmd}); err != nil {
		return err
	}
	ack, err := b.recv(1)
	if err != nil {
		return err
	}
	if ack[0] != bpOK {
		return errors.Errorf("command %02X returned %02X", cmd, ack[0])
	}
	return nil
}

// Exchange transfers one byte with a bulk transfer of length one.
func (b *BusPirate) Exchange(v byte) (byte, error) {
	if _, err := b.port.Write([]byte{bpBulkTransfer, v}); err != nil {
		return 0, err
	}
	resp, err := b.recv(2)
	if err != nil {
		return 0, err
	}
	if resp[0] != bpOK {
		return 0, errors.Errorf("bulk transfer returned %02X", resp[0])
	}
	return resp[1], nil
}

func (b *BusPirate) Select() error   { return b.send(bpCSLow) }
func (b *BusPirate) Deselect() error { return b.send(bpCSHigh) }

// SetClockDivisor selects the fastest Bus Pirate speed not above
// SystemClock/div.
func (b *BusPirate) SetClockDivisor(div int) error {
	if div <= 0 {
		return errors.Errorf("invalid clock divisor %d", div)
	}
	return b.send(bpSetSpeed | busPirateSpeedCode(b.SystemClock/div))
}

func busPirateSpeedCode(hz int) byte {
	code := 0
	for i, s := range busPirateSpeeds {
		if s <= hz {
			code = i
		}
	}
	return byte(code)
}
