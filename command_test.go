package sdboot

import (
	"testing"

	"github.com/amrbekhit/sdboot/internal/sim"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestCommandBytes(t *testing.T) {
	testCases := []struct {
		name   string
		cmd    Command
		expect []byte
	}{
		{"go idle", Command{Opcode: CmdGoIdleState}, []byte{0x40, 0, 0, 0, 0, 0x95}},
		{"send op cond", Command{Opcode: CmdSendOpCond}, []byte{0x41, 0, 0, 0, 0, 0x95}},
		{"app cmd", Command{Opcode: CmdAppCmd}, []byte{0x77, 0, 0, 0, 0, 0x95}},
		{"read lba 1", NewBlockCommand(CmdReadSingleBlock, 1), []byte{0x51, 0, 0, 0x02, 0x00, 0x95}},
		{"write lba 647", NewBlockCommand(CmdWriteBlock, 647), []byte{0x58, 0x00, 0x05, 0x0E, 0x00, 0x95}},
		{"raw argument", Command{Opcode: CmdSDSendOpCond, Argument: 0x12345678}, []byte{0x69, 0x12, 0x34, 0x56, 0x78, 0x95}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expect, tc.cmd.Bytes())
		})
	}
}

func TestResponseByte(t *testing.T) {
	require.Equal(t, byte(0xFF), Response{Kind: TimedOut}.Byte())
	require.Equal(t, byte(0xFF), Response{Kind: Busy}.Byte())
	require.Equal(t, byte(0x01), Response{Kind: Ok, Code: 0x01}.Byte())
	require.True(t, Response{Kind: Ok, Code: R1Idle}.IsIdle())
	require.False(t, Response{Kind: TimedOut, Code: R1Idle}.IsIdle())
	require.True(t, Response{Kind: Ok}.IsReady())
	require.False(t, Response{Kind: TimedOut}.IsReady())
}

func TestStatusStrings(t *testing.T) {
	require.Equal(t, "illegal command", GetStatusString(0x04))
	require.Equal(t, "address error", GetStatusString(0x20))
	require.Equal(t, "crc rejected", GetDataResponseString(0xEB))
	require.Equal(t, "accepted", GetDataResponseString(0xE5))
}

func TestSendCommandTimeout(t *testing.T) {
	bus := &stuckBus{}
	profile := DefaultProfile()
	c := NewCard(bus, profile)

	resp, err := c.SendCommand(CmdGoIdleState, 0)
	require.NoError(t, err)
	require.Equal(t, TimedOut, resp.Kind)
	require.Equal(t, byte(0xFF), resp.Byte())
	// The frame, then exactly the poll budget and nothing more.
	require.Equal(t, frameLength+profile.ResponseBudget, bus.exchanges)
}

func TestSendCommandResponse(t *testing.T) {
	card := sim.NewCard(1)
	c := NewCard(card, DefaultProfile())
	require.NoError(t, card.Select())

	resp, err := c.SendCommand(CmdGoIdleState, 0)
	require.NoError(t, err)
	require.True(t, resp.IsIdle())
	// Frame, one filler of response delay, the response, one trailing filler.
	require.Equal(t, frameLength+1+1+1, card.Exchanges)
}

func TestSendCommandTransportError(t *testing.T) {
	c := NewCard(failingBus{}, DefaultProfile())
	_, err := c.SendCommand(CmdGoIdleState, 0)
	require.True(t, errors.Is(err, errBus))
}
