//go:build tinygo

package sdboot

import (
	"machine"
	"runtime/interrupt"

	"github.com/pkg/errors"
)

// TargetInterrupts masks interrupts on the running microcontroller.
type TargetInterrupts struct{}

func (TargetInterrupts) Disable() uintptr { return uintptr(interrupt.Disable()) }

func (TargetInterrupts) Restore(state uintptr) { interrupt.Restore(interrupt.State(state)) }

// FlashMemory programs pages through machine.Flash. Addresses are offsets
// into that block device and the page size must equal its erase block size.
type FlashMemory struct {
	page []byte
	base uint32
}

// NewFlashMemory creates a FlashMemory for pages of pageSize bytes.
func NewFlashMemory(pageSize int) (*FlashMemory, error) {
	if int64(pageSize) != machine.Flash.EraseBlockSize() {
		return nil, errors.Errorf("page size %d does not match erase block size %d",
			pageSize, machine.Flash.EraseBlockSize())
	}
	return &FlashMemory{page: make([]byte, pageSize)}, nil
}

// WaitIdle returns at once: machine.Flash operations complete before returning.
func (m *FlashMemory) WaitIdle() error { return nil }

func (m *FlashMemory) ErasePage(addr uint32) error {
	size := uint32(len(m.page))
	if addr%size != 0 {
		return errors.Errorf("address %X is not page aligned", addr)
	}
	for i := range m.page {
		m.page[i] = 0xFF
	}
	m.base = addr
	return machine.Flash.EraseBlocks(int64(addr/size), 1)
}

func (m *FlashMemory) FillPageWord(addr uint32, word uint16) error {
	off := addr - m.base
	if addr < m.base || int(off)+1 >= len(m.page) {
		return errors.Errorf("address %X outside page %X", addr, m.base)
	}
	m.page[off] = byte(word)
	m.page[off+1] = byte(word >> 8)
	return nil
}

func (m *FlashMemory) CommitPage(addr uint32) error {
	if addr != m.base {
		return errors.Errorf("commit of %X but page %X was erased", addr, m.base)
	}
	_, err := machine.Flash.WriteAt(m.page, int64(addr))
	return err
}

func (m *FlashMemory) EnableExecutionRegion() error { return nil }

// ResetLauncher starts the freshly written application by resetting the CPU.
func ResetLauncher(entry uint32) {
	machine.CPUReset()
}
