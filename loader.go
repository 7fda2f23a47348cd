package sdboot

import (
	"github.com/pkg/errors"
)

// Launcher transfers control to the program at entry. On hardware it does not
// return.
type Launcher func(entry uint32)

// LoadStats describes a completed transfer.
type LoadStats struct {
	Sectors int
	Pages   int
}

// Loader copies the application image from the card into program memory and
// starts it.
type Loader struct {
	card    *Card
	mem     ProgramMemory
	irq     Interrupts
	launch  Launcher
	profile Profile
}

// NewLoader creates a loader that reads from card and programs mem, masking
// interrupts through irq while a page is committed. launch may be nil, in
// which case Boot returns after loading. The card's profile is validated
// first, since a bad page layout would corrupt or never finish the transfer.
func NewLoader(card *Card, mem ProgramMemory, irq Interrupts, launch Launcher) (*Loader, error) {
	profile := card.Profile()
	if err := profile.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid profile")
	}
	if irq == nil {
		irq = NoInterrupts{}
	}
	return &Loader{
		card:    card,
		mem:     mem,
		irq:     irq,
		launch:  launch,
		profile: profile,
	}, nil
}

// Mount mounts the card, repeating the whole mount sequence up to the
// profile's mount attempts while the card stays unresponsive. Any other
// failure ends the retries at once.
func (l *Loader) Mount() error {
	n, err := poll("mount", l.profile.MountAttempts, func() (bool, error) {
		err := l.card.Mount()
		if errors.Is(err, ErrCardUnresponsive) {
			return false, nil
		}
		return err == nil, err
	})
	if IsTimeout(err) {
		return errors.Wrapf(ErrCardUnresponsive, "no card after %d mount attempts", n)
	}
	if err != nil {
		return errors.Wrap(err, "mount")
	}
	pkgLog.Debugf("mounted after %d attempts", n)
	return nil
}

// Load streams the application sectors into program memory. Sector bytes fill
// a page-sized staging buffer which is committed each time it is full; a
// trailing partial page is padded with 0xFF. The first failure aborts the
// transfer: pages already committed stay, nothing after is touched, and there
// is no rollback.
func (l *Loader) Load() (LoadStats, error) {
	var stats LoadStats
	if !l.card.Session().Ready() {
		return stats, ErrNotMounted
	}

	sector := make([]byte, SectorSize)
	page := make([]byte, 0, l.profile.PageSize)
	addr := l.profile.AppBaseAddress

	flush := func() error {
		for len(page) < cap(page) {
			page = append(page, 0xFF)
		}
		if err := commitPage(l.mem, l.irq, addr, page); err != nil {
			return err
		}
		pkgLog.Debugf("committed page %X", addr)
		stats.Pages++
		addr += uint32(l.profile.PageSize)
		page = page[:0]
		return nil
	}

	for i := uint32(0); i < l.profile.AppSectors; i++ {
		lba := l.profile.AppBaseLBA + i
		if err := l.card.ReadSector(lba, sector); err != nil {
			return stats, errors.Wrapf(err, "load sector %d of %d", i, l.profile.AppSectors)
		}
		stats.Sectors++

		for rest := sector; len(rest) > 0; {
			n := copy(page[len(page):cap(page)], rest)
			page = page[:len(page)+n]
			rest = rest[n:]
			if len(page) == cap(page) {
				if err := flush(); err != nil {
					return stats, err
				}
			}
		}
	}
	if len(page) > 0 {
		if err := flush(); err != nil {
			return stats, err
		}
	}
	pkgLog.Infof("loaded %d sectors into %d pages", stats.Sectors, stats.Pages)
	return stats, nil
}

// Boot mounts the card, loads the application and hands off to it. It only
// returns if something failed, or when no launcher was given. The application
// is never started after a failure.
func (l *Loader) Boot() error {
	if err := l.Mount(); err != nil {
		return err
	}
	if _, err := l.Load(); err != nil {
		return err
	}
	if err := l.card.Unmount(); err != nil {
		return errors.Wrap(err, "unmount")
	}
	if l.launch != nil {
		pkgLog.Infof("starting application at %X", l.profile.AppBaseAddress)
		l.launch(l.profile.AppBaseAddress)
	}
	return nil
}
