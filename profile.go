package sdboot

import "github.com/pkg/errors"

// SectorSize is the fixed card block size in bytes.
const SectorSize = 512

// sectorShift converts an LBA into the byte address carried by block commands.
const sectorShift = 9

// Profile holds the build-time constants of a loader. On the device these are
// compiled in; the host tool reads them from a YAML file.
type Profile struct {
	// Poll budgets, counted in exchanged bytes.
	ResponseBudget int `yaml:"responseBudget"`
	TokenBudget    int `yaml:"tokenBudget"`
	BusyBudget     int `yaml:"busyBudget"`

	// Filler bytes clocked with the card deselected at power-up.
	PowerUpFillers int `yaml:"powerUpFillers"`

	// Attempt budgets for the mount state machine.
	IdleAttempts  int `yaml:"idleAttempts"`
	InitAttempts  int `yaml:"initAttempts"`
	MountAttempts int `yaml:"mountAttempts"`

	// If true, an MMC card stays at the slow clock after mounting.
	MMCSlowClock bool `yaml:"mmcSlowClock"`

	// Application image location on the card.
	AppBaseLBA uint32 `yaml:"appBaseLBA"`
	AppSectors uint32 `yaml:"appSectors"`

	// Program memory layout.
	PageSize       int    `yaml:"pageSize"`
	AppBaseAddress uint32 `yaml:"appBaseAddress"`
}

// DefaultProfile returns the reference ATmega644P layout: 256-byte pages,
// application at address 0 and a ten sector image stored from LBA 647.
func DefaultProfile() Profile {
	return Profile{
		ResponseBudget: 256,
		TokenBudget:    256,
		BusyBudget:     256,
		PowerUpFillers: 256,
		IdleAttempts:   256,
		InitAttempts:   256,
		MountAttempts:  128,
		AppBaseLBA:     647,
		AppSectors:     10,
		PageSize:       256,
		AppBaseAddress: 0x0000,
	}
}

// Validate checks the profile for values the loader cannot work with.
func (p Profile) Validate() error {
	budgets := []struct {
		name  string
		value int
	}{
		{"responseBudget", p.ResponseBudget},
		{"tokenBudget", p.TokenBudget},
		{"busyBudget", p.BusyBudget},
		{"idleAttempts", p.IdleAttempts},
		{"initAttempts", p.InitAttempts},
		{"mountAttempts", p.MountAttempts},
	}
	for _, b := range budgets {
		if b.value <= 0 {
			return errors.Errorf("%s must be positive, got %d", b.name, b.value)
		}
	}
	if p.PowerUpFillers < 10 {
		// 74 clocks is the card's power-on minimum.
		return errors.Errorf("powerUpFillers must be at least 10, got %d", p.PowerUpFillers)
	}
	if p.PageSize <= 0 || p.PageSize%2 != 0 {
		return errors.Errorf("pageSize must be a positive even number, got %d", p.PageSize)
	}
	if p.AppBaseAddress%uint32(p.PageSize) != 0 {
		return errors.Errorf("appBaseAddress %X is not page aligned", p.AppBaseAddress)
	}
	if p.AppSectors == 0 {
		return errors.New("appSectors must be positive")
	}
	if uint64(p.AppBaseLBA)+uint64(p.AppSectors) > 1<<(32-sectorShift) {
		return errors.New("application range exceeds byte-addressed card capacity")
	}
	return nil
}

// ImageSize returns the number of bytes in the application range.
func (p Profile) ImageSize() int {
	return int(p.AppSectors) * SectorSize
}

// PageCount returns the number of program memory pages the image occupies.
func (p Profile) PageCount() int {
	return (p.ImageSize() + p.PageSize - 1) / p.PageSize
}
