// Package sim provides simulated hardware for the loader: an SPI-mode SD/MMC
// card, page-programmed flash and an interrupt controller. The card speaks the
// wire protocol byte for byte, so the driver under test sees the same frames,
// tokens and busy signalling it would on a real bus.
package sim

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const sectorSize = 512

type cardState uint8

const (
	stateIdle cardState = iota
	stateCommand
	stateWriteToken
	stateWriteData
)

// R1 and data response values the card sends.
const (
	r1Ready          = 0x00
	r1Idle           = 0x01
	r1IllegalCommand = 0x04
	r1AddressError   = 0x20
)

// Card is a simulated card. The exported fields configure its behaviour and
// may be changed between operations; the counters record what the host did.
type Card struct {
	image []byte

	state    cardState
	selected bool
	frame    []byte
	out      []byte
	wbuf     []byte
	wlba     uint32

	idle, ready, appCmd bool
	idleSeen, initSeen  int

	// Unresponsive cards never answer a command.
	Unresponsive bool
	// IdleAfter and InitAfter are the number of GO_IDLE_STATE and
	// SEND_OP_COND commands answered with not-yet before the card complies.
	IdleAfter int
	InitAfter int
	// MMC cards reject APP_CMD; RejectSDOpCond rejects only SD_SEND_OP_COND.
	MMC            bool
	RejectSDOpCond bool
	// ResponseDelay is the number of filler bytes before each R1 response,
	// TokenDelay the number before the data token of a read.
	ResponseDelay int
	TokenDelay    int
	// NoToken makes reads answer with a bad token instead of 0xFE.
	NoToken bool
	// BusyBytes is the number of busy bytes after an accepted write;
	// StuckBusy keeps the card busy forever.
	BusyBytes int
	StuckBusy bool
	// WriteStatus is the data response nibble sent after a written block.
	WriteStatus byte

	// Exchanges counts every byte exchanged, selected or not.
	Exchanges int
	// Opcodes lists the command bytes received, in order.
	Opcodes []byte
	// Divisors lists every clock divisor requested.
	Divisors []int
	// Writes counts sectors actually stored.
	Writes int
}

// NewCard returns a blank card with sectors sectors of zeroes.
func NewCard(sectors int) *Card {
	return NewCardFromImage(make([]byte, sectors*sectorSize))
}

// NewCardFromImage returns a card backed by image, which is rounded up to a
// whole number of sectors.
func NewCardFromImage(image []byte) *Card {
	if r := len(image) % sectorSize; r != 0 {
		image = append(image, make([]byte, sectorSize-r)...)
	}
	return &Card{
		image:         image,
		ResponseDelay: 1,
		TokenDelay:    2,
		BusyBytes:     3,
		WriteStatus:   0x05,
	}
}

// Image returns the card contents.
func (c *Card) Image() []byte { return c.image }

// Sectors returns the card capacity in sectors.
func (c *Card) Sectors() int { return len(c.image) / sectorSize }

// Sector returns the contents of sector lba.
func (c *Card) Sector(lba uint32) []byte {
	off := int(lba) * sectorSize
	return c.image[off : off+sectorSize]
}

// Load copies data into the card starting at sector lba.
func (c *Card) Load(lba uint32, data []byte) error {
	off := int(lba) * sectorSize
	if off+len(data) > len(c.image) {
		return errors.Errorf("%d bytes at sector %d exceed card of %d sectors", len(data), lba, c.Sectors())
	}
	copy(c.image[off:], data)
	return nil
}

// Selected reports the state of the select line.
func (c *Card) Selected() bool { return c.selected }

// Count returns how many times op was received.
func (c *Card) Count(op byte) int {
	n := 0
	for _, o := range c.Opcodes {
		if o == op {
			n++
		}
	}
	return n
}

// PowerCycle returns the card to its power-on state, keeping its contents.
func (c *Card) PowerCycle() {
	c.state = stateIdle
	c.selected = false
	c.frame, c.out, c.wbuf = nil, nil, nil
	c.idle, c.ready, c.appCmd = false, false, false
	c.idleSeen, c.initSeen = 0, 0
}

// Exchange shifts b into the card and returns the byte it shifts out. The
// card only listens while selected.
func (c *Card) Exchange(b byte) (byte, error) {
	c.Exchanges++
	if !c.selected {
		return 0xFF, nil
	}
	out := byte(0xFF)
	if len(c.out) > 0 {
		out = c.out[0]
		c.out = c.out[1:]
	} else if c.StuckBusy && c.state == stateIdle && c.wbuf != nil {
		out = 0x00
	}
	c.receive(b)
	return out, nil
}

func (c *Card) Select() error {
	c.selected = true
	return nil
}

// Deselect ends any transfer in progress.
func (c *Card) Deselect() error {
	c.selected = false
	c.state = stateIdle
	c.frame, c.out, c.wbuf = nil, nil, nil
	return nil
}

func (c *Card) SetClockDivisor(div int) error {
	c.Divisors = append(c.Divisors, div)
	return nil
}

func (c *Card) receive(b byte) {
	switch c.state {
	case stateIdle:
		if b&0xC0 == 0x40 {
			c.frame = append(c.frame[:0], b)
			c.state = stateCommand
		}
	case stateCommand:
		c.frame = append(c.frame, b)
		if len(c.frame) == 6 {
			c.state = stateIdle
			c.execute(c.frame[0], binary.BigEndian.Uint32(c.frame[1:5]))
		}
	case stateWriteToken:
		if b == 0xFE {
			c.wbuf = make([]byte, 0, sectorSize)
			c.state = stateWriteData
		}
	case stateWriteData:
		c.wbuf = append(c.wbuf, b)
		if len(c.wbuf) == sectorSize {
			c.finishWrite()
		}
	}
}

func (c *Card) respond(r1 byte, data ...byte) {
	for i := 0; i < c.ResponseDelay; i++ {
		c.out = append(c.out, 0xFF)
	}
	c.out = append(c.out, r1)
	c.out = append(c.out, data...)
}

func (c *Card) execute(op byte, arg uint32) {
	c.Opcodes = append(c.Opcodes, op)
	if c.Unresponsive {
		return
	}
	wasAppCmd := c.appCmd
	c.appCmd = false

	switch op & 0x3F {
	case 0:
		c.idleSeen++
		if c.idleSeen <= c.IdleAfter {
			return
		}
		c.idle, c.ready = true, false
		c.respond(r1Idle)
	case 1:
		if !c.idle && !c.ready {
			c.respond(r1IllegalCommand)
			return
		}
		c.initSeen++
		if c.initSeen <= c.InitAfter {
			c.respond(r1Idle)
			return
		}
		c.idle, c.ready = false, true
		c.respond(r1Ready)
	case 55:
		if c.MMC {
			c.respond(r1IllegalCommand)
			return
		}
		c.appCmd = true
		c.respond(c.r1())
	case 41:
		if !wasAppCmd || c.RejectSDOpCond {
			c.respond(r1IllegalCommand)
			return
		}
		c.respond(c.r1())
	case 17:
		lba, ok := c.address(arg)
		if !ok {
			return
		}
		if c.NoToken {
			c.respond(r1Ready, 0xFF, 0x0B)
			return
		}
		pkt := make([]byte, 0, c.TokenDelay+sectorSize+3)
		for i := 0; i < c.TokenDelay; i++ {
			pkt = append(pkt, 0xFF)
		}
		pkt = append(pkt, 0xFE)
		pkt = append(pkt, c.Sector(lba)...)
		pkt = append(pkt, 0x5A, 0xA5)
		c.respond(r1Ready, pkt...)
	case 24:
		lba, ok := c.address(arg)
		if !ok {
			return
		}
		c.wlba = lba
		c.state = stateWriteToken
		c.respond(r1Ready)
	default:
		c.respond(r1IllegalCommand)
	}
}

func (c *Card) r1() byte {
	if c.idle {
		return r1Idle
	}
	return r1Ready
}

// address checks a block command's byte address and answers errors itself.
func (c *Card) address(arg uint32) (uint32, bool) {
	if !c.ready {
		c.respond(r1IllegalCommand)
		return 0, false
	}
	if arg%sectorSize != 0 || int(arg/sectorSize) >= c.Sectors() {
		c.respond(r1AddressError)
		return 0, false
	}
	return arg / sectorSize, true
}

// finishWrite answers a complete data block: two checksum clocks, the data
// response, then busy until the sector is programmed.
func (c *Card) finishWrite() {
	c.state = stateIdle
	status := 0xE0 | c.WriteStatus&0x0F
	c.out = append(c.out, 0xFF, 0xFF, status)
	if c.WriteStatus&0x0F != 0x05 {
		c.wbuf = nil
		return
	}
	if c.StuckBusy {
		return
	}
	copy(c.Sector(c.wlba), c.wbuf)
	c.Writes++
	c.wbuf = nil
	for i := 0; i < c.BusyBytes; i++ {
		c.out = append(c.out, 0x00)
	}
}
