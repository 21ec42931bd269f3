// Package superblock implements the A/B two-copy superblock protocol:
// the durable record of the partition table. Two fixed-size copies are
// kept back to back; Read picks the valid copy with the higher
// sequence number (ties favor copy A), and Write always targets the
// invalid-or-older copy and bumps the sequence, so a crash mid-write
// can never destroy the only valid copy.
package superblock

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/scif-systems/framstore/internal/crc32x"
	"github.com/scif-systems/framstore/internal/device"
	"github.com/scif-systems/framstore/internal/framerr"
	"github.com/scif-systems/framstore/internal/partition"
)

const (
	// Magic is the little-endian ASCII encoding of "FRAM".
	Magic uint32 = 0x4D415246
	// Version is the only superblock layout version this package writes.
	Version uint16 = 1
	// Commit is the last-byte-written sentinel proving a record landed
	// intact.
	Commit uint8 = 0xA5

	nameFieldLen  = partition.NameMax + 1
	partRecordLen = nameFieldLen + 4 + 4 + 4 // name + offset + size + flags

	// RecordLen is the on-media size of one superblock copy.
	RecordLen = 4 + 2 + 2 + 4 + 4 + (partition.Max * partRecordLen) + 4 + 1 + 3
	// crcFieldOffset is where CRC32 coverage stops: everything before
	// the crc32 field itself.
	crcFieldOffset = 4 + 2 + 2 + 4 + 4 + (partition.Max * partRecordLen)
	commitOffset   = crcFieldOffset + 4

	// CommitOffset is the byte offset of the commit sentinel within one
	// RecordLen-sized copy, exposed so callers can simulate a torn
	// write by clearing it directly on the backing media.
	CommitOffset = commitOffset

	// StorageSize is the total bytes the superblock region must
	// reserve: two back-to-back copies.
	StorageSize = RecordLen * 2
)

// Record is the in-memory form of one superblock copy.
type Record struct {
	Seq   uint32
	Parts []partition.Partition
}

// Manager reads and writes the A/B superblock pair at a fixed base
// offset on a device.
type Manager struct {
	dev  *device.Device
	base uint32
	log  *slog.Logger
}

// New returns a Manager for the StorageSize-byte region starting at
// baseOffset on dev.
func New(dev *device.Device, baseOffset uint32) (*Manager, error) {
	if dev == nil {
		return nil, framerr.ErrInvalidArgument
	}
	size := dev.Size()
	if baseOffset > size || StorageSize > size-baseOffset {
		return nil, fmt.Errorf("superblock: %w: region does not fit device", framerr.ErrInvalidSize)
	}
	return &Manager{dev: dev, base: baseOffset, log: slog.Default().With("component", "superblock")}, nil
}

func marshal(seq uint32, devSize uint32, parts []partition.Partition) ([]byte, error) {
	if len(parts) > partition.Max {
		return nil, fmt.Errorf("superblock: %w: too many partitions", framerr.ErrInvalidSize)
	}
	buf := make([]byte, RecordLen)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], Version)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(len(parts)))
	binary.LittleEndian.PutUint32(buf[8:12], seq)
	binary.LittleEndian.PutUint32(buf[12:16], devSize)

	off := 16
	for _, p := range parts {
		if len(p.Name) > partition.NameMax {
			return nil, fmt.Errorf("superblock: %w: name %q too long", framerr.ErrInvalidArgument, p.Name)
		}
		copy(buf[off:off+nameFieldLen], []byte(p.Name))
		binary.LittleEndian.PutUint32(buf[off+nameFieldLen:off+nameFieldLen+4], p.Offset)
		binary.LittleEndian.PutUint32(buf[off+nameFieldLen+4:off+nameFieldLen+8], p.Size)
		binary.LittleEndian.PutUint32(buf[off+nameFieldLen+8:off+nameFieldLen+12], p.Flags)
		off += partRecordLen
	}
	// Remaining partition slots stay zeroed, matching a zero-initialized
	// C struct array.
	off = 16 + partition.Max*partRecordLen

	crc := crc32x.Update(0, buf[:crcFieldOffset])
	binary.LittleEndian.PutUint32(buf[crcFieldOffset:crcFieldOffset+4], crc)
	buf[commitOffset] = 0 // caller writes the commit byte separately, last
	return buf, nil
}

func unmarshal(buf []byte, devSize uint32) (*Record, bool) {
	if len(buf) != RecordLen {
		return nil, false
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	version := binary.LittleEndian.Uint16(buf[4:6])
	count := binary.LittleEndian.Uint16(buf[6:8])
	seq := binary.LittleEndian.Uint32(buf[8:12])
	sizeBytes := binary.LittleEndian.Uint32(buf[12:16])

	if magic != Magic || version != Version {
		return nil, false
	}
	if buf[commitOffset] != Commit {
		return nil, false
	}
	if count > partition.Max {
		return nil, false
	}
	if sizeBytes != devSize {
		return nil, false
	}
	crc := crc32x.Update(0, buf[:crcFieldOffset])
	if crc != binary.LittleEndian.Uint32(buf[crcFieldOffset:crcFieldOffset+4]) {
		return nil, false
	}

	parts := make([]partition.Partition, count)
	off := 16
	for i := 0; i < int(count); i++ {
		name := buf[off : off+nameFieldLen]
		end := 0
		for end < len(name) && name[end] != 0 {
			end++
		}
		parts[i] = partition.Partition{
			Name:   string(name[:end]),
			Offset: binary.LittleEndian.Uint32(buf[off+nameFieldLen : off+nameFieldLen+4]),
			Size:   binary.LittleEndian.Uint32(buf[off+nameFieldLen+4 : off+nameFieldLen+8]),
			Flags:  binary.LittleEndian.Uint32(buf[off+nameFieldLen+8 : off+nameFieldLen+12]),
		}
		off += partRecordLen
	}
	return &Record{Seq: seq, Parts: parts}, true
}

func (m *Manager) copyOffset(index int) uint32 {
	return m.base + uint32(index)*RecordLen
}

// CopyOffset returns the device-absolute byte offset of copy index (0
// or 1).
func (m *Manager) CopyOffset(index int) uint32 {
	return m.copyOffset(index)
}

func (m *Manager) readCopy(index int) ([]byte, error) {
	buf := make([]byte, RecordLen)
	if err := m.dev.Read(m.copyOffset(index), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Read returns the valid copy with the higher sequence number, A
// winning ties. It returns framerr.ErrNotFound if neither copy is
// valid.
func (m *Manager) Read() (*Record, error) {
	devSize := m.dev.Size()

	bufA, errA := m.readCopy(0)
	bufB, errB := m.readCopy(1)
	if errA != nil && errB != nil {
		return nil, errA
	}

	var recA, recB *Record
	var okA, okB bool
	if errA == nil {
		recA, okA = unmarshal(bufA, devSize)
	}
	if errB == nil {
		recB, okB = unmarshal(bufB, devSize)
	}

	if !okA && !okB {
		return nil, fmt.Errorf("superblock: %w", framerr.ErrNotFound)
	}
	if okA && (!okB || recA.Seq >= recB.Seq) {
		return recA, nil
	}
	return recB, nil
}

// Write stores parts as a new superblock record: it targets whichever
// copy is currently invalid or has the lower sequence number, sets the
// new sequence to one past the other copy's, and writes the commit
// byte only after the rest of the record has landed.
func (m *Manager) Write(parts []partition.Partition) error {
	devSize := m.dev.Size()

	bufA, errA := m.readCopy(0)
	bufB, errB := m.readCopy(1)
	var recA, recB *Record
	var okA, okB bool
	if errA == nil {
		recA, okA = unmarshal(bufA, devSize)
	}
	if errB == nil {
		recB, okB = unmarshal(bufB, devSize)
	}

	var targetIndex int
	var nextSeq uint32
	switch {
	case okA && okB:
		if recA.Seq <= recB.Seq {
			targetIndex, nextSeq = 0, recB.Seq+1
		} else {
			targetIndex, nextSeq = 1, recA.Seq+1
		}
	case okA:
		targetIndex, nextSeq = 1, recA.Seq+1
	case okB:
		targetIndex, nextSeq = 0, recB.Seq+1
	default:
		targetIndex, nextSeq = 0, 1
	}

	record, err := marshal(nextSeq, devSize, parts)
	if err != nil {
		return err
	}

	offset := m.copyOffset(targetIndex)
	if err := m.dev.Write(offset, record); err != nil {
		return fmt.Errorf("superblock: write record: %w", err)
	}
	if err := m.dev.WriteU8(offset+uint32(commitOffset), Commit); err != nil {
		return fmt.Errorf("superblock: write commit byte: %w", err)
	}
	m.log.Info("superblock: committed", "copy", targetIndex, "seq", nextSeq, "count", len(parts))
	return nil
}
