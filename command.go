package sdboot

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Opcode is a card command index with the start and transmission bits set,
// exactly as it appears in the first byte of a frame.
type Opcode uint8

// Commands used by the driver.
const (
	CmdGoIdleState     Opcode = 0x40 | 0
	CmdSendOpCond      Opcode = 0x40 | 1
	CmdReadSingleBlock Opcode = 0x40 | 17
	CmdWriteBlock      Opcode = 0x40 | 24
	CmdSDSendOpCond    Opcode = 0x40 | 41
	CmdAppCmd          Opcode = 0x40 | 55
)

func (o Opcode) String() string {
	switch o {
	case CmdGoIdleState:
		return "GO_IDLE_STATE"
	case CmdSendOpCond:
		return "SEND_OP_COND"
	case CmdReadSingleBlock:
		return "READ_SINGLE_BLOCK"
	case CmdWriteBlock:
		return "WRITE_BLOCK"
	case CmdSDSendOpCond:
		return "SD_SEND_OP_COND"
	case CmdAppCmd:
		return "APP_CMD"
	default:
		return fmt.Sprintf("CMD%d", uint8(o)&0x3F)
	}
}

const (
	frameLength  = 6
	frameTrailer = 0x95

	fillerByte = 0xFF
	tokenStart = 0xFE
)

// R1 response values.
const (
	R1Ready = 0x00
	R1Idle  = 0x01
)

// R1 error bits.
const (
	r1EraseReset     = 1 << 1
	r1IllegalCommand = 1 << 2
	r1CRCError       = 1 << 3
	r1EraseSequence  = 1 << 4
	r1AddressError   = 1 << 5
	r1ParameterError = 1 << 6
)

// Data response values, low nibble of the byte following a written block.
const (
	DataAccepted    = 0x05
	DataCRCRejected = 0x0B
	DataWriteError  = 0x0D
)

// GetStatusString returns the string representation of an R1 response byte.
func GetStatusString(code byte) string {
	switch {
	case code == R1Ready:
		return "ready"
	case code == R1Idle:
		return "idle"
	case code&0x80 != 0:
		return "invalid response"
	case code&r1ParameterError != 0:
		return "parameter error"
	case code&r1AddressError != 0:
		return "address error"
	case code&r1EraseSequence != 0:
		return "erase sequence error"
	case code&r1CRCError != 0:
		return "command crc error"
	case code&r1IllegalCommand != 0:
		return "illegal command"
	case code&r1EraseReset != 0:
		return "erase reset"
	default:
		return "unknown status"
	}
}

// GetDataResponseString returns the string representation of a data response nibble.
func GetDataResponseString(code byte) string {
	switch code & 0x0F {
	case DataAccepted:
		return "accepted"
	case DataCRCRejected:
		return "crc rejected"
	case DataWriteError:
		return "write error"
	default:
		return "invalid data response"
	}
}

// Command represents a card command frame.
type Command struct {
	Opcode   Opcode
	Argument uint32
}

// NewBlockCommand returns a command addressing sector lba. Cards without block
// addressing take the byte address, so the LBA is shifted by the sector size.
func NewBlockCommand(op Opcode, lba uint32) Command {
	return Command{Opcode: op, Argument: lba << sectorShift}
}

// Bytes returns the 6-byte wire frame: opcode, big-endian argument, trailer.
func (c Command) Bytes() []byte {
	b := make([]byte, frameLength)
	b[0] = byte(c.Opcode)
	binary.BigEndian.PutUint32(b[1:5], c.Argument)
	b[5] = frameTrailer
	return b
}

// ResponseKind tags a Response.
type ResponseKind uint8

const (
	// Busy is a poll that saw only not-ready filler.
	Busy ResponseKind = iota
	// Ok carries a response byte from the card.
	Ok
	// TimedOut means the poll budget ran out.
	TimedOut
)

// Response is the result of a command. The card's byte is only meaningful
// when Kind is Ok.
type Response struct {
	Kind ResponseKind
	Code byte
}

// Byte collapses the response to its historical wire encoding, where anything
// but Ok reads as 0xFF.
func (r Response) Byte() byte {
	if r.Kind != Ok {
		return fillerByte
	}
	return r.Code
}

// IsReady reports an R1 ready response.
func (r Response) IsReady() bool { return r.Kind == Ok && r.Code == R1Ready }

// IsIdle reports an R1 idle response.
func (r Response) IsIdle() bool { return r.Kind == Ok && r.Code == R1Idle }

func (r Response) String() string {
	switch r.Kind {
	case Busy:
		return "busy"
	case TimedOut:
		return "timed out"
	default:
		return fmt.Sprintf("0x%02X (%s)", r.Code, GetStatusString(r.Code))
	}
}

// classifyR1 interprets one polled byte as a command response. A response
// always has its top bit clear, so all-ones can only mean not ready.
func classifyR1(b byte) Response {
	if b == fillerByte {
		return Response{Kind: Busy}
	}
	return Response{Kind: Ok, Code: b}
}

// SendCommand transmits one command frame and waits, for at most the
// profile's response budget, for the card to answer. It never retries. A
// budget overrun is reported as a TimedOut response; the error is only set
// when the transport itself fails.
func (c *Card) SendCommand(op Opcode, arg uint32) (Response, error) {
	cmd := Command{Opcode: op, Argument: arg}
	for _, b := range cmd.Bytes() {
		if _, err := c.bus.Exchange(b); err != nil {
			return Response{Kind: TimedOut}, errors.Wrapf(err, "send %v", op)
		}
	}

	resp := Response{Kind: Busy}
	n, err := poll(op.String(), c.profile.ResponseBudget, func() (bool, error) {
		b, err := c.bus.Exchange(fillerByte)
		if err != nil {
			return false, err
		}
		resp = classifyR1(b)
		return resp.Kind == Ok, nil
	})
	if IsTimeout(err) {
		pkgLog.Debugf("%v(%X): no response after %d polls", op, arg, n)
		return Response{Kind: TimedOut}, nil
	}
	if err != nil {
		return Response{Kind: TimedOut}, errors.Wrapf(err, "await %v response", op)
	}

	// The card needs eight more clocks after its response.
	if _, err := c.bus.Exchange(fillerByte); err != nil {
		return resp, errors.Wrapf(err, "finish %v", op)
	}
	pkgLog.Debugf("%v(%X): %v after %d polls", op, arg, resp, n)
	return resp, nil
}

// command sends a command that must be answered with R1 ready, mapping every
// other outcome to a typed error.
func (c *Card) command(opName string, op Opcode, arg uint32) error {
	resp, err := c.SendCommand(op, arg)
	if err != nil {
		return errors.Wrap(err, opName)
	}
	switch {
	case resp.Kind == TimedOut:
		return &TimeoutError{Op: opName, Budget: c.profile.ResponseBudget}
	case !resp.IsReady():
		return &RejectedError{Op: opName, Status: resp.Code}
	}
	return nil
}
