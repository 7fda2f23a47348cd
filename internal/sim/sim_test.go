package sim

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryCommitClearsBitsOnly(t *testing.T) {
	m := NewMemory(4, 2)
	require.NoError(t, m.ErasePage(4))
	require.NoError(t, m.FillPageWord(4, 0x1234))
	require.NoError(t, m.FillPageWord(6, 0xFF0F))
	require.NoError(t, m.CommitPage(4))
	require.Equal(t, []byte{0x34, 0x12, 0x0F, 0xFF}, m.Page(1))

	// Without an erase the old contents bleed through.
	require.NoError(t, m.FillPageWord(4, 0xFFF0))
	require.NoError(t, m.CommitPage(4))
	require.Equal(t, []byte{0x30, 0x12, 0x0F, 0xFF}, m.Page(1))
	require.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, m.Page(0))
}

func TestMemoryFailPage(t *testing.T) {
	m := NewMemory(4, 2)
	m.FailPage = 0
	require.NoError(t, m.ErasePage(0))
	require.Equal(t, ErrBusy, m.CommitPage(0))
	require.Equal(t, ErrBusy, m.WaitIdle())
	require.Error(t, m.ErasePage(4))
	require.Empty(t, m.Committed)
}

func TestMemoryUnguarded(t *testing.T) {
	irq := &Interrupts{Enabled: true}
	m := NewMemory(4, 1)
	m.Interrupts = irq
	require.NoError(t, m.ErasePage(0))
	require.Equal(t, 1, m.Unguarded)

	state := irq.Disable()
	require.NoError(t, m.ErasePage(0))
	irq.Restore(state)
	require.Equal(t, 1, m.Unguarded)
	require.True(t, irq.Enabled)
}

func TestCardIgnoresBusWhileDeselected(t *testing.T) {
	c := NewCard(1)
	for _, b := range []byte{0x40, 0, 0, 0, 0, 0x95, 0xFF, 0xFF} {
		r, err := c.Exchange(b)
		require.NoError(t, err)
		require.Equal(t, byte(0xFF), r)
	}
	require.Empty(t, c.Opcodes)
	require.Equal(t, 8, c.Exchanges)
}

func TestCardGoIdle(t *testing.T) {
	c := NewCard(1)
	require.NoError(t, c.Select())
	for _, b := range []byte{0x40, 0, 0, 0, 0, 0x95} {
		_, err := c.Exchange(b)
		require.NoError(t, err)
	}
	r, _ := c.Exchange(0xFF)
	require.Equal(t, byte(0xFF), r)
	r, _ = c.Exchange(0xFF)
	require.Equal(t, byte(r1Idle), r)
	require.Equal(t, []byte{0x40}, c.Opcodes)
}

func TestNewCardFromImageRoundsUp(t *testing.T) {
	c := NewCardFromImage(make([]byte, 700))
	require.Equal(t, 2, c.Sectors())
	require.Error(t, c.Load(1, make([]byte, 513)))
}
