package sdboot

import (
	"bytes"
	"testing"

	"github.com/amrbekhit/sdboot/internal/sim"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type bootRig struct {
	profile  Profile
	card     *sim.Card
	mem      *sim.Memory
	irq      *sim.Interrupts
	image    []byte
	launched []uint32
	loader   *Loader
}

// newBootRig stages a patterned application image on a simulated card sized
// to hold exactly cardSectors sectors.
func newBootRig(t *testing.T, profile Profile, cardSectors int) *bootRig {
	t.Helper()
	require.NoError(t, profile.Validate())

	r := &bootRig{
		profile: profile,
		card:    sim.NewCard(cardSectors),
		irq:     &sim.Interrupts{Enabled: true},
	}
	for i := 0; i < int(profile.AppSectors); i++ {
		r.image = append(r.image, pattern(i+100)...)
	}
	n := len(r.image)
	if room := (cardSectors - int(profile.AppBaseLBA)) * SectorSize; n > room {
		n = room
	}
	require.NoError(t, r.card.Load(profile.AppBaseLBA, r.image[:n]))

	pages := int(profile.AppBaseAddress)/profile.PageSize + profile.PageCount() + 1
	r.mem = sim.NewMemory(profile.PageSize, pages)
	r.mem.Interrupts = r.irq

	c := NewCard(r.card, profile)
	loader, err := NewLoader(c, r.mem, r.irq, func(entry uint32) {
		r.launched = append(r.launched, entry)
	})
	require.NoError(t, err)
	r.loader = loader
	return r
}

func (r *bootRig) appRegion() []byte {
	base := int(r.profile.AppBaseAddress)
	return r.mem.Flash[base : base+r.profile.PageCount()*r.profile.PageSize]
}

func TestBoot(t *testing.T) {
	profile := DefaultProfile()
	r := newBootRig(t, profile, int(profile.AppBaseLBA+profile.AppSectors))

	require.NoError(t, r.loader.Boot())

	require.Equal(t, r.image, r.appRegion())
	require.Equal(t, []uint32{profile.AppBaseAddress}, r.launched)
	require.Len(t, r.mem.Committed, 20)
	for i, addr := range r.mem.Committed {
		require.Equal(t, uint32(i*profile.PageSize), addr)
	}
	require.Equal(t, 20, r.mem.ExecutionEnables)

	// Every page was committed with interrupts masked, and the prior
	// state was put back each time.
	require.Zero(t, r.mem.Unguarded)
	require.Equal(t, 20, r.irq.Disables)
	require.Equal(t, 20, r.irq.Restores)
	require.True(t, r.irq.Enabled)

	require.False(t, r.card.Selected())
	require.Equal(t, Uninitialized, r.loader.card.Session().State)
	// Nothing is written to the card.
	require.Zero(t, r.card.Count(byte(CmdWriteBlock)))
}

func TestBootInterruptsAlreadyMasked(t *testing.T) {
	profile := DefaultProfile()
	r := newBootRig(t, profile, int(profile.AppBaseLBA+profile.AppSectors))
	r.irq.Enabled = false

	require.NoError(t, r.loader.Boot())
	require.False(t, r.irq.Enabled)
	require.Zero(t, r.mem.Unguarded)
}

func TestLoadPageSizes(t *testing.T) {
	testCases := []struct {
		name     string
		pageSize int
		base     uint32
		pages    int
	}{
		{"page equals sector", 512, 0, 10},
		{"large page", 1024, 0, 5},
		{"uneven page", 384, 0, 14},
		{"small page at offset", 128, 0x1000, 40},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			profile := DefaultProfile()
			profile.PageSize = tc.pageSize
			profile.AppBaseAddress = tc.base
			r := newBootRig(t, profile, int(profile.AppBaseLBA+profile.AppSectors))

			require.NoError(t, r.loader.Mount())
			stats, err := r.loader.Load()
			require.NoError(t, err)
			require.Equal(t, LoadStats{Sectors: 10, Pages: tc.pages}, stats)

			region := r.appRegion()
			require.Equal(t, r.image, region[:len(r.image)])
			// The tail of the last page is padded with the erased value.
			require.Equal(t, bytes.Repeat([]byte{0xFF}, len(region)-len(r.image)), region[len(r.image):])
			require.Equal(t, tc.base, r.mem.Committed[0])
			// Memory below the application is untouched.
			require.Equal(t, bytes.Repeat([]byte{0xFF}, int(tc.base)), r.mem.Flash[:tc.base])
		})
	}
}

func TestLoadCommitFailure(t *testing.T) {
	profile := DefaultProfile()
	r := newBootRig(t, profile, int(profile.AppBaseLBA+profile.AppSectors))
	r.mem.FailPage = 3

	err := r.loader.Boot()
	require.Error(t, err)
	require.True(t, errors.Is(err, sim.ErrBusy))

	var ce *CommitError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, uint32(3*profile.PageSize), ce.Address)
	require.Equal(t, "write", ce.Stage)

	require.Len(t, r.mem.Committed, 3)
	for i := 0; i < 3; i++ {
		require.Equal(t, r.image[i*profile.PageSize:(i+1)*profile.PageSize], r.mem.Page(i))
	}
	// Nothing past the failed page was touched.
	require.Equal(t, 4, r.mem.Erased)
	require.Equal(t, bytes.Repeat([]byte{0xFF}, profile.PageSize), r.mem.Page(4))
	require.Empty(t, r.launched)
	require.True(t, r.irq.Enabled)
	require.Equal(t, r.irq.Disables, r.irq.Restores)
}

func TestLoadReadFailure(t *testing.T) {
	profile := DefaultProfile()
	// The card ends five sectors into the application range.
	r := newBootRig(t, profile, int(profile.AppBaseLBA)+5)

	require.NoError(t, r.loader.Mount())
	stats, err := r.loader.Load()
	require.Error(t, err)
	require.Equal(t, LoadStats{Sectors: 5, Pages: 10}, stats)

	var re *RejectedError
	require.True(t, errors.As(err, &re))
	require.Equal(t, byte(0x20), re.Status)
	require.Contains(t, err.Error(), "load sector 5 of 10")

	require.Len(t, r.mem.Committed, 10)
	require.Equal(t, 10, r.mem.Erased)
	require.False(t, r.card.Selected())
}

func TestBootReadFailureDoesNotLaunch(t *testing.T) {
	profile := DefaultProfile()
	r := newBootRig(t, profile, int(profile.AppBaseLBA)+3)
	require.Error(t, r.loader.Boot())
	require.Empty(t, r.launched)
}

func TestLoaderMountRetries(t *testing.T) {
	t.Run("gives up", func(t *testing.T) {
		profile := DefaultProfile()
		profile.MountAttempts = 3
		profile.IdleAttempts = 2
		profile.ResponseBudget = 4
		r := newBootRig(t, profile, int(profile.AppBaseLBA+profile.AppSectors))
		r.card.Unresponsive = true

		err := r.loader.Boot()
		require.True(t, errors.Is(err, ErrCardUnresponsive))
		require.Equal(t, 6, r.card.Count(byte(CmdGoIdleState)))
		require.Empty(t, r.launched)
		require.Zero(t, r.mem.Erased)
		require.Equal(t, Failed, r.loader.card.Session().State)
	})

	t.Run("recovers", func(t *testing.T) {
		profile := DefaultProfile()
		profile.MountAttempts = 3
		profile.IdleAttempts = 2
		r := newBootRig(t, profile, int(profile.AppBaseLBA+profile.AppSectors))
		// Three ignored resets span the first mount and part of the second.
		r.card.IdleAfter = 3

		require.NoError(t, r.loader.Mount())
		require.Equal(t, 4, r.card.Count(byte(CmdGoIdleState)))
		require.Equal(t, SDCard, r.loader.card.Session().State)
	})

	t.Run("transport failure is not retried", func(t *testing.T) {
		profile := DefaultProfile()
		c := NewCard(failingBus{}, profile)
		l, err := NewLoader(c, sim.NewMemory(profile.PageSize, 1), nil, nil)
		require.NoError(t, err)
		err = l.Mount()
		require.True(t, errors.Is(err, errBus))
		require.False(t, errors.Is(err, ErrCardUnresponsive))
	})
}

func TestLoadNotMounted(t *testing.T) {
	profile := DefaultProfile()
	r := newBootRig(t, profile, int(profile.AppBaseLBA+profile.AppSectors))
	_, err := r.loader.Load()
	require.Equal(t, ErrNotMounted, err)
	require.Zero(t, r.card.Exchanges)
	require.Zero(t, r.mem.Erased)
}

func TestBootWithoutLauncher(t *testing.T) {
	profile := DefaultProfile()
	r := newBootRig(t, profile, int(profile.AppBaseLBA+profile.AppSectors))
	r.loader.launch = nil
	require.NoError(t, r.loader.Boot())
	require.Equal(t, r.image, r.appRegion())
}

func TestNewLoaderRejectsBadLayout(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(*Profile)
	}{
		{"zero page", func(p *Profile) { p.PageSize = 0 }},
		{"odd page", func(p *Profile) { p.PageSize = 255 }},
		{"negative page", func(p *Profile) { p.PageSize = -256 }},
		{"unaligned base", func(p *Profile) { p.AppBaseAddress = 2 }},
		{"no sectors", func(p *Profile) { p.AppSectors = 0 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			profile := DefaultProfile()
			tc.modify(&profile)
			card := sim.NewCard(int(DefaultProfile().AppBaseLBA + DefaultProfile().AppSectors))
			mem := sim.NewMemory(256, 32)

			l, err := NewLoader(NewCard(card, profile), mem, nil, nil)
			require.Error(t, err)
			require.Nil(t, l)
			// Rejected before the card or the memory is touched.
			require.Zero(t, card.Exchanges)
			require.Zero(t, mem.Erased)
			require.Empty(t, mem.Committed)
		})
	}
}
