package sdboot

import (
	"bytes"
	"fmt"
	"io"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
)

// ImageFromHex parses Intel HEX data and returns the flat program image
// starting at base. Gaps between segments are filled with 0xFF, the erased
// flash value.
func ImageFromHex(data io.Reader, base uint32) ([]byte, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(data); err != nil {
		return nil, errors.Wrap(err, "parse hex")
	}

	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return nil, errors.New("hex file contains no data")
	}
	end := base
	for _, segment := range segments {
		if segment.Address < base {
			return nil, errors.Errorf("segment at %X lies below application base %X", segment.Address, base)
		}
		if e := segment.Address + uint32(len(segment.Data)); e > end {
			end = e
		}
		pkgLog.Debugf("hex segment at %X length %v", segment.Address, len(segment.Data))
	}
	return mem.ToBinary(base, end-base, 0xFF), nil
}

// Stager writes an application image onto a mounted card's application range
// and verifies it. It is the host-side counterpart of Loader.
type Stager struct {
	card    *Card
	profile Profile
}

// NewStager creates a stager for the given mounted card.
func NewStager(card *Card) *Stager {
	return &Stager{card: card, profile: card.Profile()}
}

// forEachSector calls fn with consecutive sector-sized chunks of image, the
// last one padded with 0xFF.
func forEachSector(image []byte, baseLBA uint32, fn func(lba uint32, chunk []byte) error) error {
	chunk := make([]byte, SectorSize)
	for offset, lba := 0, baseLBA; offset < len(image); offset, lba = offset+SectorSize, lba+1 {
		n := copy(chunk, image[offset:])
		for i := n; i < SectorSize; i++ {
			chunk[i] = 0xFF
		}
		if err := fn(lba, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stager) checkSize(image []byte) error {
	if len(image) == 0 {
		return errors.New("empty image")
	}
	if len(image) > s.profile.ImageSize() {
		return errors.Errorf("image is %d bytes, application range holds %d", len(image), s.profile.ImageSize())
	}
	return nil
}

// Program writes image to the card starting at the application base LBA.
func (s *Stager) Program(image []byte) error {
	if err := s.checkSize(image); err != nil {
		return err
	}
	return forEachSector(image, s.profile.AppBaseLBA, func(lba uint32, chunk []byte) error {
		pkgLog.Debugf("writing sector %d", lba)
		return s.card.WriteSector(lba, chunk)
	})
}

// Verify reads the application range back and compares it with image.
func (s *Stager) Verify(image []byte) error {
	if err := s.checkSize(image); err != nil {
		return err
	}
	data := make([]byte, SectorSize)
	return forEachSector(image, s.profile.AppBaseLBA, func(lba uint32, chunk []byte) error {
		if err := s.card.ReadSector(lba, data); err != nil {
			return err
		}
		if !bytes.Equal(data, chunk) {
			for i := range data {
				if data[i] != chunk[i] {
					return fmt.Errorf("mismatch in sector %d at offset %d, expected %X read %X", lba, i, chunk[i], data[i])
				}
			}
		}
		return nil
	})
}

// Dump reads the whole application range and writes it to w.
func (s *Stager) Dump(w io.Writer) error {
	data := make([]byte, SectorSize)
	for i := uint32(0); i < s.profile.AppSectors; i++ {
		if err := s.card.ReadSector(s.profile.AppBaseLBA+i, data); err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return nil
}
