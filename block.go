package sdboot

import "github.com/pkg/errors"

// ReadSector reads the sector at lba into dst, which must hold at least
// SectorSize bytes. The block checksum is read but not verified.
func (c *Card) ReadSector(lba uint32, dst []byte) error {
	if len(dst) < SectorSize {
		return errors.Wrapf(ErrRange, "read sector %d: buffer holds %d bytes", lba, len(dst))
	}
	return c.ReadPartial(dst, lba, 0, SectorSize)
}

// ReadPartial copies count bytes starting at offset within sector lba into dst.
// The card has no sub-sector addressing, so the whole block is always
// transferred and the bytes outside the window are discarded. offset+count
// must not exceed SectorSize; a violation is rejected before the bus is used.
func (c *Card) ReadPartial(dst []byte, lba uint32, offset, count int) error {
	if offset < 0 || count < 0 || offset > SectorSize || count > SectorSize-offset {
		return errors.Wrapf(ErrRange, "read sector %d: offset %d count %d", lba, offset, count)
	}
	if len(dst) < count {
		return errors.Wrapf(ErrRange, "read sector %d: buffer holds %d bytes, need %d", lba, len(dst), count)
	}
	if !c.session.Ready() {
		return ErrNotMounted
	}

	err := c.transaction(func() error {
		if err := c.command("read sector", CmdReadSingleBlock, lba<<sectorShift); err != nil {
			return err
		}
		if err := c.awaitToken(); err != nil {
			return err
		}
		if err := c.skip(offset); err != nil {
			return err
		}
		for i := 0; i < count; i++ {
			b, err := c.bus.Exchange(fillerByte)
			if err != nil {
				return err
			}
			dst[i] = b
		}
		// Trailing data, the two checksum bytes and one filler.
		return c.skip(SectorSize - offset - count + 2 + 1)
	})
	if err != nil {
		return &sectorError{LBA: lba, Err: err}
	}
	return nil
}

// awaitToken polls for the start-of-block token. The first non-filler byte
// decides: anything but the token is a failed read.
func (c *Card) awaitToken() error {
	var got byte
	_, err := poll("data token", c.profile.TokenBudget, func() (bool, error) {
		b, err := c.bus.Exchange(fillerByte)
		got = b
		return b != fillerByte, err
	})
	if err != nil {
		return err
	}
	if got != tokenStart {
		return &RejectedError{Op: "data token", Status: got}
	}
	return nil
}

// WriteSector writes src, which must hold at least SectorSize bytes, to
// sector lba and waits for the card to finish programming it. A CRC or write
// error reported by the card fails immediately; nothing is retried.
func (c *Card) WriteSector(lba uint32, src []byte) error {
	if len(src) < SectorSize {
		return errors.Wrapf(ErrRange, "write sector %d: buffer holds %d bytes", lba, len(src))
	}
	if !c.session.Ready() {
		return ErrNotMounted
	}

	err := c.transaction(func() error {
		if err := c.command("write sector", CmdWriteBlock, lba<<sectorShift); err != nil {
			return err
		}
		if _, err := c.bus.Exchange(fillerByte); err != nil {
			return err
		}
		if _, err := c.bus.Exchange(tokenStart); err != nil {
			return err
		}
		for _, b := range src[:SectorSize] {
			if _, err := c.bus.Exchange(b); err != nil {
				return err
			}
		}
		if err := c.awaitDataResponse(); err != nil {
			return err
		}
		if err := c.awaitNotBusy(); err != nil {
			return err
		}
		return c.skip(1)
	})
	if err != nil {
		return &sectorError{LBA: lba, Err: err}
	}
	return nil
}

// awaitDataResponse polls for the status nibble following a written block.
func (c *Card) awaitDataResponse() error {
	_, err := poll("write response", c.profile.ResponseBudget, func() (bool, error) {
		b, err := c.bus.Exchange(fillerByte)
		if err != nil {
			return false, err
		}
		switch status := b & 0x0F; status {
		case DataAccepted:
			return true, nil
		case DataCRCRejected, DataWriteError:
			return false, &RejectedError{Op: "write sector", Status: status, Data: true}
		}
		return false, nil
	})
	return err
}

// awaitNotBusy polls until the card stops holding its output low.
func (c *Card) awaitNotBusy() error {
	_, err := poll("write busy", c.profile.BusyBudget, func() (bool, error) {
		b, err := c.bus.Exchange(fillerByte)
		return b != 0x00, err
	})
	return err
}
