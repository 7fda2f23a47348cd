package sim

import (
	"github.com/pkg/errors"
)

// ErrBusy is returned when a simulated program memory operation never
// finishes.
var ErrBusy = errors.New("program memory busy flag never cleared")

// Interrupts is a simulated global interrupt enable.
type Interrupts struct {
	Enabled  bool
	Disables int
	Restores int
}

func (i *Interrupts) Disable() uintptr {
	i.Disables++
	prev := uintptr(0)
	if i.Enabled {
		prev = 1
	}
	i.Enabled = false
	return prev
}

func (i *Interrupts) Restore(state uintptr) {
	i.Restores++
	i.Enabled = state != 0
}

// Memory is simulated self-programmable flash with a page buffer, in the
// manner of an AVR boot section: erase a page, fill the buffer word by word,
// then write the buffer into the page.
type Memory struct {
	PageSize int
	Flash    []byte

	// FailPage makes the write of the page at that index never complete;
	// -1 disables it.
	FailPage int
	// Interrupts, when set, is checked on every operation.
	Interrupts *Interrupts

	buf     []byte
	pending bool

	// Committed lists the addresses of written pages, in order.
	Committed []uint32
	// Erased counts page erases.
	Erased int
	// ExecutionEnables counts EnableExecutionRegion calls.
	ExecutionEnables int
	// Unguarded counts operations issued with interrupts enabled.
	Unguarded int
}

// NewMemory returns erased flash of pages pages of pageSize bytes.
func NewMemory(pageSize, pages int) *Memory {
	m := &Memory{
		PageSize: pageSize,
		Flash:    make([]byte, pageSize*pages),
		FailPage: -1,
		buf:      make([]byte, pageSize),
	}
	for i := range m.Flash {
		m.Flash[i] = 0xFF
	}
	return m
}

// Page returns the contents of page index i.
func (m *Memory) Page(i int) []byte {
	return m.Flash[i*m.PageSize : (i+1)*m.PageSize]
}

func (m *Memory) check(addr uint32) (int, error) {
	if m.Interrupts != nil && m.Interrupts.Enabled {
		m.Unguarded++
	}
	if m.pending {
		return 0, errors.New("operation started while another is in flight")
	}
	if int(addr) >= len(m.Flash) {
		return 0, errors.Errorf("address %X beyond flash of %d bytes", addr, len(m.Flash))
	}
	return int(addr) / m.PageSize, nil
}

func (m *Memory) WaitIdle() error {
	if m.pending {
		return ErrBusy
	}
	return nil
}

func (m *Memory) ErasePage(addr uint32) error {
	page, err := m.check(addr)
	if err != nil {
		return err
	}
	if int(addr)%m.PageSize != 0 {
		return errors.Errorf("erase of unaligned address %X", addr)
	}
	for i := range m.Page(page) {
		m.Page(page)[i] = 0xFF
	}
	for i := range m.buf {
		m.buf[i] = 0xFF
	}
	m.Erased++
	return nil
}

func (m *Memory) FillPageWord(addr uint32, word uint16) error {
	if _, err := m.check(addr); err != nil {
		return err
	}
	off := int(addr) % m.PageSize
	if off%2 != 0 {
		return errors.Errorf("fill of odd address %X", addr)
	}
	m.buf[off] = byte(word)
	m.buf[off+1] = byte(word >> 8)
	return nil
}

// CommitPage programs the page buffer into the page. Programming can only
// clear bits, so a page that was not erased ends up corrupted.
func (m *Memory) CommitPage(addr uint32) error {
	page, err := m.check(addr)
	if err != nil {
		return err
	}
	if page == m.FailPage {
		m.pending = true
		return ErrBusy
	}
	dst := m.Page(page)
	for i := range dst {
		dst[i] &= m.buf[i]
	}
	m.Committed = append(m.Committed, addr)
	return nil
}

func (m *Memory) EnableExecutionRegion() error {
	if m.Interrupts != nil && m.Interrupts.Enabled {
		m.Unguarded++
	}
	m.ExecutionEnables++
	return nil
}
