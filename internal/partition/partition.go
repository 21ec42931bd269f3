// Package partition manages a small fixed-size table of named,
// non-overlapping byte ranges within a device. It translates
// partition-relative offsets, enforces the read-only flag, and is
// effectively immutable after Init: no lock is needed because nothing
// mutates the table post-construction.
package partition

import (
	"fmt"
	"log/slog"

	"github.com/scif-systems/framstore/internal/device"
	"github.com/scif-systems/framstore/internal/framerr"
)

const (
	// NameMax is the maximum partition name length (excluding the NUL
	// terminator implied by the fixed-size on-media field).
	NameMax = 15
	// Max is the maximum number of partitions a single table may hold.
	Max = 16
	// EraseChunk is the chunk size used by Erase.
	EraseChunk = 64
	// EraseFill is the byte value written by Erase.
	EraseFill = 0xFF

	// FlagReadOnly forbids writes and erases to a partition.
	FlagReadOnly uint32 = 1 << 0
	// FlagSystem is purely informational.
	FlagSystem uint32 = 1 << 1
)

// Partition describes one named, fixed byte range of the device.
type Partition struct {
	Name   string
	Offset uint32
	Size   uint32
	Flags  uint32
}

// Manager holds a validated, immutable partition table over a device.
type Manager struct {
	dev   *device.Device
	parts []Partition
	log   *slog.Logger
}

// New validates parts against dev's capacity and against each other
// (pairwise non-overlap, O(n^2) over at most Max entries) and returns a
// ready Manager. The table is immutable thereafter.
func New(dev *device.Device, parts []Partition) (*Manager, error) {
	if dev == nil || parts == nil {
		return nil, framerr.ErrInvalidArgument
	}
	if len(parts) == 0 || len(parts) > Max {
		return nil, fmt.Errorf("partition: %w: table must hold 1..%d entries", framerr.ErrInvalidSize, Max)
	}

	devSize := dev.Size()
	if devSize == 0 {
		return nil, framerr.ErrInvalidState
	}

	table := make([]Partition, len(parts))
	for i, p := range parts {
		if len(p.Name) == 0 || len(p.Name) > NameMax {
			return nil, fmt.Errorf("partition: %w: name %q must be 1..%d bytes", framerr.ErrInvalidArgument, p.Name, NameMax)
		}
		if p.Size == 0 {
			return nil, fmt.Errorf("partition: %w: %q has zero size", framerr.ErrInvalidSize, p.Name)
		}
		if p.Offset > devSize || p.Size > devSize || p.Offset > devSize-p.Size {
			return nil, fmt.Errorf("partition: %w: %q range exceeds device size %d", framerr.ErrInvalidSize, p.Name, devSize)
		}
		table[i] = p
	}

	for i := range table {
		aStart, aEnd := table[i].Offset, table[i].Offset+table[i].Size
		for j := i + 1; j < len(table); j++ {
			bStart, bEnd := table[j].Offset, table[j].Offset+table[j].Size
			if rangesOverlap(aStart, aEnd, bStart, bEnd) {
				return nil, fmt.Errorf("partition: %w: %q overlaps %q", framerr.ErrInvalidState, table[i].Name, table[j].Name)
			}
		}
	}

	m := &Manager{
		dev:   dev,
		parts: table,
		log:   slog.Default().With("component", "partition"),
	}
	m.log.Info("partition: table initialized", "count", len(table))
	return m, nil
}

func rangesOverlap(aStart, aEnd, bStart, bEnd uint32) bool {
	return aStart < bEnd && bStart < aEnd
}

// Find returns the partition named name, or nil if absent.
func (m *Manager) Find(name string) *Partition {
	for i := range m.parts {
		if m.parts[i].Name == name {
			return &m.parts[i]
		}
	}
	return nil
}

// Count returns the number of partitions in the table.
func (m *Manager) Count() int { return len(m.parts) }

// Table returns a copy of the partition table, in configured order.
func (m *Manager) Table() []Partition {
	out := make([]Partition, len(m.parts))
	copy(out, m.parts)
	return out
}

// IsValidRange reports whether [offset, offset+length) fits inside
// part's local byte range, using the wrap-safe comparison form.
func IsValidRange(part *Partition, offset, length uint32) bool {
	if part == nil {
		return false
	}
	if length == 0 {
		return offset <= part.Size
	}
	return offset <= part.Size && length <= part.Size && offset <= part.Size-length
}

// Read reads len(buf) bytes at part's local offset.
func (m *Manager) Read(part *Partition, offset uint32, buf []byte) error {
	if part == nil || buf == nil {
		return framerr.ErrInvalidArgument
	}
	if !IsValidRange(part, offset, uint32(len(buf))) {
		return fmt.Errorf("partition: read %q: %w", part.Name, framerr.ErrInvalidSize)
	}
	return m.dev.Read(part.Offset+offset, buf)
}

// Write writes buf at part's local offset. Rejected for a read-only
// partition.
func (m *Manager) Write(part *Partition, offset uint32, buf []byte) error {
	if part == nil || buf == nil {
		return framerr.ErrInvalidArgument
	}
	if part.Flags&FlagReadOnly != 0 {
		m.log.Warn("partition: write rejected, read-only", "partition", part.Name)
		return fmt.Errorf("partition: write %q: %w: read-only", part.Name, framerr.ErrInvalidState)
	}
	if !IsValidRange(part, offset, uint32(len(buf))) {
		return fmt.Errorf("partition: write %q: %w", part.Name, framerr.ErrInvalidSize)
	}
	return m.dev.Write(part.Offset+offset, buf)
}

// Erase fills the whole partition with 0xFF in EraseChunk-sized writes.
// Rejected for a read-only partition.
func (m *Manager) Erase(part *Partition) error {
	if part == nil {
		return framerr.ErrInvalidArgument
	}
	if part.Flags&FlagReadOnly != 0 {
		m.log.Warn("partition: erase rejected, read-only", "partition", part.Name)
		return fmt.Errorf("partition: erase %q: %w: read-only", part.Name, framerr.ErrInvalidState)
	}

	fill := make([]byte, EraseChunk)
	for i := range fill {
		fill[i] = EraseFill
	}

	var offset uint32
	remaining := part.Size
	for remaining > 0 {
		chunk := remaining
		if chunk > EraseChunk {
			chunk = EraseChunk
		}
		if err := m.Write(part, offset, fill[:chunk]); err != nil {
			return err
		}
		offset += chunk
		remaining -= chunk
	}
	return nil
}
