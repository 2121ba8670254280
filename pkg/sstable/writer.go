package sstable

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
)

// marker is the tiny content-free payload this package writes for a
// new sstable file. Real block/index/filter/compression formats are
// out of scope (spec.md §1); tests and the demo only need a file of
// the right size that the verifier can round-trip.
//
// Layout: magic(4) | entryCount(8) | minLen(4) | min | maxLen(4) | max | crc32(4)
const magic uint32 = 0x53535442 // "SSTB"

// Write creates the data component file for d, filling it with a
// marker payload describing entryCount keys spanning interval, padded
// with zero bytes up to padTo (0 means no padding). It returns the
// Descriptor for the created file and its on-disk size.
func Write(d Descriptor, entryCount int64, interval KeyInterval, padTo int64) (Descriptor, int64, error) {
	if d.Component == "" {
		d.Component = "Data"
	}
	path := d.Path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return d, 0, fmt.Errorf("sstable: mkdir for %s: %w", path, err)
	}

	buf := make([]byte, 0, 32+len(interval.Min)+len(interval.Max))
	tmp := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp, magic)
	buf = append(buf, tmp...)

	tmp8 := make([]byte, 8)
	binary.LittleEndian.PutUint64(tmp8, uint64(entryCount))
	buf = append(buf, tmp8...)

	binary.LittleEndian.PutUint32(tmp, uint32(len(interval.Min)))
	buf = append(buf, tmp...)
	buf = append(buf, interval.Min...)

	binary.LittleEndian.PutUint32(tmp, uint32(len(interval.Max)))
	buf = append(buf, tmp...)
	buf = append(buf, interval.Max...)

	sum := crc32.ChecksumIEEE(buf)
	binary.LittleEndian.PutUint32(tmp, sum)
	buf = append(buf, tmp...)

	if padTo > int64(len(buf)) {
		buf = append(buf, make([]byte, padTo-int64(len(buf)))...)
	}

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return d, 0, fmt.Errorf("sstable: write %s: %w", path, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return d, 0, fmt.Errorf("sstable: stat %s: %w", path, err)
	}
	return d, info.Size(), nil
}

// Verify re-reads the marker payload written by Write and checks its
// checksum. The verifier CLI runs it for every sstable it reads (all
// but --quick) and once more under --extended; it does not interpret a real
// block/index format, since that is out of scope.
func Verify(h *Handle) error {
	header := make([]byte, 16)
	if _, err := h.ReadAt(header, 0); err != nil {
		return fmt.Errorf("sstable: read header: %w", err)
	}
	gotMagic := binary.LittleEndian.Uint32(header[0:4])
	if gotMagic != magic {
		return fmt.Errorf("sstable: bad magic %x", gotMagic)
	}
	minLen := binary.LittleEndian.Uint32(header[12:16])

	rest := make([]byte, 4+minLen)
	if _, err := h.ReadAt(rest, 16); err != nil {
		return fmt.Errorf("sstable: read min key: %w", err)
	}
	maxLen := binary.LittleEndian.Uint32(rest[minLen : minLen+4])

	tail := make([]byte, maxLen+4)
	if _, err := h.ReadAt(tail, 16+int64(4+minLen)); err != nil {
		return fmt.Errorf("sstable: read max key + checksum: %w", err)
	}

	body := make([]byte, 0, 16+4+int(minLen)+4+int(maxLen))
	body = append(body, header...)
	body = append(body, rest[:minLen+4]...)
	body = append(body, tail[:maxLen]...)

	want := binary.LittleEndian.Uint32(tail[maxLen:])
	got := crc32.ChecksumIEEE(body)
	if got != want {
		return fmt.Errorf("sstable: checksum mismatch: got %x want %x", got, want)
	}
	return nil
}
