// Package sdboot implements an SD/MMC card driver for SPI mode and a loader
// that copies an application image from the card into program memory.
//
// The package contains three layers. Card speaks the card's command/response
// protocol over a Transport, runs the mount state machine and provides single
// sector reads and writes. Loader mounts the card, commits the application
// sectors page by page into a ProgramMemory and hands off to the new program.
// Stager is the host-side counterpart that writes an image onto the card.
//
// Every wait is a bounded poll, so each operation either completes or fails
// with a typed error within a fixed number of bus exchanges.
//
// Also included is a command line tool, found in the cmd/sdboot directory,
// that drives a card through a Bus Pirate, a Linux SPI port or a simulated
// card image.
package sdboot

// Transport is the byte-exchange capability of the SPI bus. Exchange is
// full-duplex: it shifts one byte out and returns the byte shifted in.
type Transport interface {
	Exchange(b byte) (byte, error)
	Select() error
	Deselect() error
	SetClockDivisor(div int) error
}

// Clock divisors requested from the transport, relative to the system clock.
const (
	DivisorSlow = 16
	DivisorFast = 2
)

// Card is a single SD or MMC card attached to a Transport. A Card is not safe
// for concurrent use; the select line admits one exchange at a time.
type Card struct {
	bus     Transport
	profile Profile
	session Session
}

// NewCard creates a card driver using the given transport and profile. The card
// must be mounted before any block operation.
func NewCard(bus Transport, profile Profile) *Card {
	return &Card{
		bus:     bus,
		profile: profile,
	}
}

// Session returns a copy of the current session.
func (c *Card) Session() Session {
	return c.session
}

// Profile returns the profile the card was created with.
func (c *Card) Profile() Profile {
	return c.profile
}

// transaction runs fn with the card selected and releases the select line on
// every path.
func (c *Card) transaction(fn func() error) (err error) {
	if err := c.bus.Select(); err != nil {
		return err
	}
	defer func() {
		if derr := c.bus.Deselect(); derr != nil && err == nil {
			err = derr
		}
	}()
	return fn()
}

// skip clocks n filler bytes and discards what comes back.
func (c *Card) skip(n int) error {
	for i := 0; i < n; i++ {
		if _, err := c.bus.Exchange(fillerByte); err != nil {
			return err
		}
	}
	return nil
}
