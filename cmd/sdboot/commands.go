package main

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"strconv"

	"github.com/amrbekhit/sdboot"
	"github.com/amrbekhit/sdboot/internal/sim"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func processMount(card *sdboot.Card, args []string) error {
	s := card.Session()
	log.Infof("session: %v card, idle after %d attempts, ready after %d attempts",
		s.State, s.IdleAttempts, s.InitAttempts)
	return nil
}

func getLBA(arg string) (uint32, error) {
	lba, err := strconv.ParseUint(arg, 0, 32)
	if err != nil {
		return 0, errors.Wrap(err, "invalid sector")
	}
	return uint32(lba), nil
}

func processReadSector(card *sdboot.Card, args []string) error {
	if len(args) != 1 {
		return errors.New("expected: lba")
	}
	lba, err := getLBA(args[0])
	if err != nil {
		return err
	}
	data := make([]byte, sdboot.SectorSize)
	if err := card.ReadSector(lba, data); err != nil {
		return err
	}
	fmt.Print(hex.Dump(data))
	return nil
}

func processReadPartial(card *sdboot.Card, args []string) error {
	if len(args) != 3 {
		return errors.New("expected: lba offset count")
	}
	lba, err := getLBA(args[0])
	if err != nil {
		return err
	}
	offset, err := strconv.Atoi(args[1])
	if err != nil {
		return errors.Wrap(err, "invalid offset")
	}
	count, err := strconv.Atoi(args[2])
	if err != nil || count < 0 {
		return errors.Errorf("invalid count: %v", args[2])
	}
	if count > sdboot.SectorSize {
		return errors.Wrapf(sdboot.ErrRange, "count %d", count)
	}
	data := make([]byte, count)
	if err := card.ReadPartial(data, lba, offset, count); err != nil {
		return err
	}
	fmt.Print(hex.Dump(data))
	return nil
}

func processWriteSector(card *sdboot.Card, args []string) error {
	if len(args) != 2 {
		return errors.New("expected: lba datafile")
	}
	lba, err := getLBA(args[0])
	if err != nil {
		return err
	}
	data, err := ioutil.ReadFile(args[1])
	if err != nil {
		return errors.Wrap(err, "failed to read data file")
	}
	if len(data) > sdboot.SectorSize {
		return errors.Errorf("data file is %d bytes, a sector holds %d", len(data), sdboot.SectorSize)
	}
	sector := make([]byte, sdboot.SectorSize)
	copy(sector, data)
	return errors.Wrap(card.WriteSector(lba, sector), "failed to write sector")
}

func processDump(card *sdboot.Card, args []string) error {
	if len(args) != 1 {
		return errors.New("expected: outfile")
	}
	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	return errors.Wrap(sdboot.NewStager(card).Dump(f), "failed to dump application range")
}

// processBoot runs the loader against simulated program memory and writes the
// resulting flash contents to a file, so an image can be checked without a
// device.
func processBoot(card *sdboot.Card, args []string) error {
	if len(args) != 1 {
		return errors.New("expected: flashfile")
	}
	profile := card.Profile()
	pages := int(profile.AppBaseAddress)/profile.PageSize + profile.PageCount()
	mem := sim.NewMemory(profile.PageSize, pages)
	mem.Interrupts = &sim.Interrupts{Enabled: true}

	loader, err := sdboot.NewLoader(card, mem, mem.Interrupts, func(entry uint32) {
		log.Infof("application entry at %X", entry)
	})
	if err != nil {
		return err
	}
	if err := loader.Boot(); err != nil {
		return errors.Wrap(err, "boot failed")
	}
	if err := ioutil.WriteFile(args[0], mem.Flash, 0644); err != nil {
		return err
	}
	log.Infof("%d pages committed", len(mem.Committed))
	return nil
}
