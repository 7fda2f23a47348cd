package sdboot

import "encoding/binary"

// ProgramMemory is the self-programming capability of the device. Each call
// blocks until the hardware operation has finished; an error means it did not
// finish in time.
type ProgramMemory interface {
	// WaitIdle waits for any pending non-volatile memory operation.
	WaitIdle() error
	ErasePage(addr uint32) error
	// FillPageWord loads one 16-bit word into the page buffer at addr.
	FillPageWord(addr uint32, word uint16) error
	// CommitPage writes the page buffer into the erased page at addr.
	CommitPage(addr uint32) error
	// EnableExecutionRegion makes the application region readable again.
	EnableExecutionRegion() error
}

// Interrupts controls the global interrupt enable.
type Interrupts interface {
	// Disable masks interrupts and returns the previous state.
	Disable() uintptr
	Restore(state uintptr)
}

// NoInterrupts is used where nothing can preempt the loader, such as on a host
// or in tests.
type NoInterrupts struct{}

func (NoInterrupts) Disable() uintptr { return 0 }
func (NoInterrupts) Restore(uintptr)  {}

// criticalSection holds interrupts masked until release restores the exact
// state found on entry.
type criticalSection struct {
	irq      Interrupts
	state    uintptr
	released bool
}

func enterCritical(irq Interrupts) *criticalSection {
	return &criticalSection{irq: irq, state: irq.Disable()}
}

func (cs *criticalSection) release() {
	if cs.released {
		return
	}
	cs.released = true
	cs.irq.Restore(cs.state)
}

// commitPage erases the page at addr and programs it from page, a whole page
// of little-endian words. The sequence runs with interrupts masked and cannot
// be cancelled; a failure part way leaves the page undefined.
func commitPage(mem ProgramMemory, irq Interrupts, addr uint32, page []byte) error {
	cs := enterCritical(irq)
	defer cs.release()

	if err := mem.WaitIdle(); err != nil {
		return &CommitError{Address: addr, Stage: "wait idle", Err: err}
	}
	if err := mem.ErasePage(addr); err != nil {
		return &CommitError{Address: addr, Stage: "erase", Err: err}
	}
	for i := 0; i+1 < len(page); i += 2 {
		w := binary.LittleEndian.Uint16(page[i:])
		if err := mem.FillPageWord(addr+uint32(i), w); err != nil {
			return &CommitError{Address: addr, Stage: "fill", Err: err}
		}
	}
	if err := mem.CommitPage(addr); err != nil {
		return &CommitError{Address: addr, Stage: "write", Err: err}
	}
	if err := mem.EnableExecutionRegion(); err != nil {
		return &CommitError{Address: addr, Stage: "enable execution", Err: err}
	}
	return nil
}
