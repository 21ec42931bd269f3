// Package ring implements a fixed-capacity circular log of CRC32'd,
// timestamped entries over a partition. Recovery walks slots backward
// from the highest valid sequence number looking for a consecutive
// run, so torn writes at the write head are simply dropped rather than
// corrupting older entries.
package ring

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/scif-systems/framstore/internal/crc32x"
	"github.com/scif-systems/framstore/internal/framerr"
	"github.com/scif-systems/framstore/internal/framsync"
	"github.com/scif-systems/framstore/internal/partition"
)

const (
	// Commit is the last-byte-written sentinel for a slot.
	Commit uint8 = 0xA5

	// headerLen is the on-media size of a ring entry header: magic(4) +
	// seq(4) + ts_us(8) + len(2) + reserved(2) + crc32(4).
	headerLen = 4 + 4 + 8 + 2 + 2 + 4
	// crcCoverageLen is the header prefix covered by CRC32 (everything
	// before the crc32 field).
	crcCoverageLen = headerLen - 4

	// DefaultMutexTimeout mirrors the firmware's default lock timeout.
	DefaultMutexTimeout = 500 * time.Millisecond
)

// Entry is a ring record returned to callers.
type Entry struct {
	Seq     uint32
	TSMicro uint64
	Payload []byte
}

// Config configures a Ring.
type Config struct {
	PM            *partition.Manager
	PartitionName string
	MaxPayload    uint32
	Magic         uint32
	MutexTimeout  time.Duration
	// Now supplies the entry timestamp in microseconds. Defaults to the
	// wall clock; tests can override it for deterministic entries.
	Now func() uint64
}

// Ring is a fixed-capacity circular append log.
type Ring struct {
	pm         *partition.Manager
	part       *partition.Partition
	maxPayload uint32
	entrySize  uint32
	capacity   uint32
	magic      uint32
	now        func() uint64

	mu      *framsync.TimedMutex
	timeout time.Duration
	log     *slog.Logger

	headSlot uint32
	tailSlot uint32
	headSeq  uint32
	count    uint32
	ready    bool
}

func defaultNow() uint64 { return uint64(time.Now().UnixMicro()) }

// New opens cfg.PartitionName on cfg.PM, recovering existing entries by
// scanning every slot for the highest valid sequence number and walking
// backward while sequence numbers stay consecutive.
func New(cfg Config) (*Ring, error) {
	if cfg.PM == nil || cfg.PartitionName == "" {
		return nil, framerr.ErrInvalidArgument
	}
	if cfg.MaxPayload == 0 || cfg.MaxPayload > 0xFFFF {
		return nil, fmt.Errorf("ring: %w: max payload out of range", framerr.ErrInvalidSize)
	}

	part := cfg.PM.Find(cfg.PartitionName)
	if part == nil {
		return nil, fmt.Errorf("ring: partition %q: %w", cfg.PartitionName, framerr.ErrNotFound)
	}

	entrySize := headerLen + cfg.MaxPayload + 1
	capacity := part.Size / entrySize
	if capacity == 0 {
		return nil, fmt.Errorf("ring: %w: partition too small for one entry", framerr.ErrInvalidSize)
	}

	timeout := cfg.MutexTimeout
	if timeout == 0 {
		timeout = DefaultMutexTimeout
	}
	now := cfg.Now
	if now == nil {
		now = defaultNow
	}

	r := &Ring{
		pm:         cfg.PM,
		part:       part,
		maxPayload: cfg.MaxPayload,
		entrySize:  entrySize,
		capacity:   capacity,
		magic:      cfg.Magic,
		now:        now,
		mu:         framsync.NewTimedMutex(),
		timeout:    timeout,
		log:        slog.Default().With("component", "ring", "partition", cfg.PartitionName),
	}

	if err := r.recover(); err != nil {
		return nil, err
	}
	r.ready = true
	r.log.Info("ring: recovered", "count", r.count, "capacity", r.capacity, "head_seq", r.headSeq)
	return r, nil
}

func (r *Ring) slotOffset(slot uint32) uint32 { return slot * r.entrySize }

func (r *Ring) readCommit(slot uint32) (uint8, error) {
	var buf [1]byte
	off := r.slotOffset(slot) + headerLen + r.maxPayload
	if err := r.pm.Read(r.part, off, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (r *Ring) writeCommit(slot uint32, val uint8) error {
	off := r.slotOffset(slot) + headerLen + r.maxPayload
	return r.pm.Write(r.part, off, []byte{val})
}

type header struct {
	magic uint32
	seq   uint32
	tsUs  uint64
	len   uint16
	crc   uint32
}

func (h header) marshal() []byte {
	buf := make([]byte, headerLen)
	binary.LittleEndian.PutUint32(buf[0:4], h.magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.seq)
	binary.LittleEndian.PutUint64(buf[8:16], h.tsUs)
	binary.LittleEndian.PutUint16(buf[16:18], h.len)
	binary.LittleEndian.PutUint16(buf[18:20], 0)
	binary.LittleEndian.PutUint32(buf[20:24], h.crc)
	return buf
}

func unmarshalHeader(buf []byte) header {
	return header{
		magic: binary.LittleEndian.Uint32(buf[0:4]),
		seq:   binary.LittleEndian.Uint32(buf[4:8]),
		tsUs:  binary.LittleEndian.Uint64(buf[8:16]),
		len:   binary.LittleEndian.Uint16(buf[16:18]),
		crc:   binary.LittleEndian.Uint32(buf[20:24]),
	}
}

// validateSlot reads and verifies one slot's commit byte, header magic,
// payload length, and CRC32, returning the header and raw payload on
// success.
func (r *Ring) validateSlot(slot uint32) (header, []byte, error) {
	commit, err := r.readCommit(slot)
	if err != nil || commit != Commit {
		return header{}, nil, framerr.ErrNotFound
	}

	hdrBuf := make([]byte, headerLen)
	if err := r.pm.Read(r.part, r.slotOffset(slot), hdrBuf); err != nil {
		return header{}, nil, framerr.ErrNotFound
	}
	hdr := unmarshalHeader(hdrBuf)
	if hdr.magic != r.magic {
		return header{}, nil, framerr.ErrNotFound
	}
	if uint32(hdr.len) > r.maxPayload {
		return header{}, nil, framerr.ErrInvalidSize
	}

	var payload []byte
	if hdr.len > 0 {
		payload = make([]byte, hdr.len)
		if err := r.pm.Read(r.part, r.slotOffset(slot)+headerLen, payload); err != nil {
			return header{}, nil, err
		}
	}

	crc := crc32x.Update(0, hdrBuf[:crcCoverageLen])
	if len(payload) > 0 {
		crc = crc32x.Update(crc, payload)
	}
	if crc != hdr.crc {
		return header{}, nil, framerr.ErrInvalidCRC
	}
	return hdr, payload, nil
}

func (r *Ring) recover() error {
	var found bool
	var highestSeq, highestSlot uint32

	for slot := uint32(0); slot < r.capacity; slot++ {
		hdr, _, err := r.validateSlot(slot)
		if err != nil {
			continue
		}
		if !found || hdr.seq > highestSeq {
			highestSeq, highestSlot, found = hdr.seq, slot, true
		}
	}

	if !found {
		r.headSlot, r.tailSlot, r.headSeq, r.count = 0, 0, 0, 0
		return nil
	}

	runLen := uint32(0)
	expected := highestSeq
	slot := highestSlot
	for runLen < r.capacity {
		hdr, _, err := r.validateSlot(slot)
		if err != nil || hdr.seq != expected {
			break
		}
		runLen++
		if runLen >= r.capacity {
			break
		}
		expected--
		slot = (slot + r.capacity - 1) % r.capacity
	}

	r.count = runLen
	r.headSlot = (highestSlot + 1) % r.capacity
	r.headSeq = highestSeq + 1
	r.tailSlot = (r.headSlot + r.capacity - r.count) % r.capacity
	return nil
}

// Append writes payload as the newest entry, evicting the oldest entry
// once the ring is at capacity. The target slot's commit byte is
// cleared before the header and payload are written, and set last,
// so a crash mid-append leaves no stale-valid entry behind.
func (r *Ring) Append(payload []byte) error {
	if !r.ready {
		return framerr.ErrInvalidState
	}
	if uint32(len(payload)) > r.maxPayload {
		return fmt.Errorf("ring: append: %w", framerr.ErrInvalidSize)
	}

	if err := r.mu.Lock(r.timeout); err != nil {
		return err
	}
	defer r.mu.Unlock()

	slot := r.headSlot
	if err := r.writeCommit(slot, 0x00); err != nil {
		return err
	}

	hdr := header{magic: r.magic, seq: r.headSeq, tsUs: r.now(), len: uint16(len(payload))}
	hdrBuf := hdr.marshal()
	crc := crc32x.Update(0, hdrBuf[:crcCoverageLen])
	if len(payload) > 0 {
		crc = crc32x.Update(crc, payload)
	}
	hdr.crc = crc
	hdrBuf = hdr.marshal()

	if err := r.pm.Write(r.part, r.slotOffset(slot), hdrBuf); err != nil {
		return err
	}
	if len(payload) > 0 {
		if err := r.pm.Write(r.part, r.slotOffset(slot)+headerLen, payload); err != nil {
			return err
		}
	}
	if err := r.writeCommit(slot, Commit); err != nil {
		return err
	}

	r.headSeq++
	r.headSlot = (r.headSlot + 1) % r.capacity
	if r.count < r.capacity {
		r.count++
	} else {
		r.tailSlot = (r.tailSlot + 1) % r.capacity
	}
	return nil
}

func (r *Ring) readSlot(slot uint32) (Entry, error) {
	hdr, payload, err := r.validateSlot(slot)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Seq: hdr.seq, TSMicro: hdr.tsUs, Payload: payload}, nil
}

// PeekOldest returns the least-recently-appended surviving entry.
func (r *Ring) PeekOldest() (Entry, error) {
	if !r.ready || r.count == 0 {
		return Entry{}, framerr.ErrNotFound
	}
	if err := r.mu.Lock(r.timeout); err != nil {
		return Entry{}, err
	}
	defer r.mu.Unlock()
	return r.readSlot(r.tailSlot)
}

// PeekNewest returns the most-recently-appended entry.
func (r *Ring) PeekNewest() (Entry, error) {
	if !r.ready || r.count == 0 {
		return Entry{}, framerr.ErrNotFound
	}
	if err := r.mu.Lock(r.timeout); err != nil {
		return Entry{}, err
	}
	defer r.mu.Unlock()
	newestSlot := (r.headSlot + r.capacity - 1) % r.capacity
	return r.readSlot(newestSlot)
}

// Iterate calls fn for every surviving entry from oldest to newest,
// stopping early if fn returns an error.
func (r *Ring) Iterate(fn func(Entry) error) error {
	if !r.ready || r.count == 0 {
		return nil
	}
	if err := r.mu.Lock(r.timeout); err != nil {
		return err
	}
	defer r.mu.Unlock()

	slot := r.tailSlot
	for remaining := r.count; remaining > 0; remaining-- {
		entry, err := r.readSlot(slot)
		if err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
		slot = (slot + 1) % r.capacity
	}
	return nil
}

// Clear erases the entire partition and resets the ring to empty.
func (r *Ring) Clear() error {
	if !r.ready {
		return framerr.ErrInvalidState
	}
	if err := r.mu.Lock(r.timeout); err != nil {
		return err
	}
	defer r.mu.Unlock()

	if err := r.pm.Erase(r.part); err != nil {
		return err
	}
	r.headSlot, r.tailSlot, r.headSeq, r.count = 0, 0, 0, 0
	return nil
}

// Count returns the number of surviving entries.
func (r *Ring) Count() uint32 { return r.count }

// Capacity returns the maximum number of entries the ring can hold.
func (r *Ring) Capacity() uint32 { return r.capacity }

// IsFull reports whether the ring is at capacity.
func (r *Ring) IsFull() bool { return r.count == r.capacity }

// IsEmpty reports whether the ring holds no entries.
func (r *Ring) IsEmpty() bool { return r.count == 0 }
