// Package vslot implements a versioned, round-robin slot store: each
// Save writes to the slot after the current active one and bumps the
// version, so the previous slot remains intact if a crash interrupts
// the write. Load always returns the highest-versioned valid slot.
package vslot

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

	// headerLen is the on-media size of a slot header: magic(4) +
	// version(4) + ts_us(8) + len(4) + crc32(4).
	headerLen = 4 + 4 + 8 + 4 + 4
	// crcCoverageLen is the header prefix covered by CRC32.
	crcCoverageLen = headerLen - 4

	// DefaultMutexTimeout mirrors the firmware's default lock timeout.
	DefaultMutexTimeout = 500 * time.Millisecond

	// MinSlots and MaxSlots bound the round-robin slot count.
	MinSlots = 2
	MaxSlots = 3
)

// Config configures a Store.
type Config struct {
	PM            *partition.Manager
	PartitionName string
	MaxPayload    uint32
	SlotCount     uint32 // 2 or 3
	Magic         uint32
	MutexTimeout  time.Duration
	Now           func() uint64
}

// Store is a versioned round-robin slot store.
type Store struct {
	pm         *partition.Manager
	part       *partition.Partition
	slotCount  uint32
	maxPayload uint32
	slotSize   uint32
	magic      uint32
	now        func() uint64

	mu      *framsync.TimedMutex
	timeout time.Duration
	log     *slog.Logger

	activeSlot    uint32
	activeVersion uint32
	hasData       bool
}

func defaultNow() uint64 { return uint64(time.Now().UnixMicro()) }

// New opens cfg.PartitionName on cfg.PM, selecting whichever slot
// holds the highest valid version as the active one.
func New(cfg Config) (*Store, error) {
	if cfg.PM == nil || cfg.PartitionName == "" {
		return nil, framerr.ErrInvalidArgument
	}
	if cfg.SlotCount < MinSlots || cfg.SlotCount > MaxSlots {
		return nil, fmt.Errorf("vslot: %w: slot count must be %d..%d", framerr.ErrInvalidArgument, MinSlots, MaxSlots)
	}
	if cfg.MaxPayload == 0 {
		return nil, fmt.Errorf("vslot: %w: max payload must be nonzero", framerr.ErrInvalidSize)
	}

	part := cfg.PM.Find(cfg.PartitionName)
	if part == nil {
		return nil, fmt.Errorf("vslot: partition %q: %w", cfg.PartitionName, framerr.ErrNotFound)
	}

	slotSize := headerLen + cfg.MaxPayload + 1
	if part.Size < slotSize*cfg.SlotCount {
		return nil, fmt.Errorf("vslot: %w: partition too small for %d slots", framerr.ErrInvalidSize, cfg.SlotCount)
	}

	timeout := cfg.MutexTimeout
	if timeout == 0 {
		timeout = DefaultMutexTimeout
	}
	now := cfg.Now
	if now == nil {
		now = defaultNow
	}

	s := &Store{
		pm:         cfg.PM,
		part:       part,
		slotCount:  cfg.SlotCount,
		maxPayload: cfg.MaxPayload,
		slotSize:   slotSize,
		magic:      cfg.Magic,
		now:        now,
		mu:         framsync.NewTimedMutex(),
		timeout:    timeout,
		log:        slog.Default().With("component", "vslot", "partition", cfg.PartitionName),
	}

	var found bool
	var bestVersion, bestSlot uint32
	for slot := uint32(0); slot < s.slotCount; slot++ {
		hdr, _, err := s.validateSlot(slot)
		if err != nil {
			continue
		}
		if !found || hdr.version > bestVersion {
			bestVersion, bestSlot, found = hdr.version, slot, true
		}
	}
	s.hasData = found
	if found {
		s.activeSlot, s.activeVersion = bestSlot, bestVersion
	}

	s.log.Info("vslot: recovered", "has_data", s.hasData, "active_slot", s.activeSlot, "version", s.activeVersion)
	return s, nil
}

func (s *Store) slotOffset(slot uint32) uint32 { return slot * s.slotSize }

func (s *Store) readCommit(slot uint32) (uint8, error) {
	var buf [1]byte
	off := s.slotOffset(slot) + headerLen + s.maxPayload
	if err := s.pm.Read(s.part, off, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (s *Store) writeCommit(slot uint32, val uint8) error {
	off := s.slotOffset(slot) + headerLen + s.maxPayload
	return s.pm.Write(s.part, off, []byte{val})
}

type header struct {
	magic   uint32
	version uint32
	tsUs    uint64
	length  uint32
	crc     uint32
}

func (h header) marshal() []byte {
	buf := make([]byte, headerLen)
	binary.LittleEndian.PutUint32(buf[0:4], h.magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.version)
	binary.LittleEndian.PutUint64(buf[8:16], h.tsUs)
	binary.LittleEndian.PutUint32(buf[16:20], h.length)
	binary.LittleEndian.PutUint32(buf[20:24], h.crc)
	return buf
}

func unmarshalHeader(buf []byte) header {
	return header{
		magic:   binary.LittleEndian.Uint32(buf[0:4]),
		version: binary.LittleEndian.Uint32(buf[4:8]),
		tsUs:    binary.LittleEndian.Uint64(buf[8:16]),
		length:  binary.LittleEndian.Uint32(buf[16:20]),
		crc:     binary.LittleEndian.Uint32(buf[20:24]),
	}
}

func (s *Store) validateSlot(slot uint32) (header, []byte, error) {
	commit, err := s.readCommit(slot)
	if err != nil || commit != Commit {
		return header{}, nil, framerr.ErrNotFound
	}

	hdrBuf := make([]byte, headerLen)
	if err := s.pm.Read(s.part, s.slotOffset(slot), hdrBuf); err != nil {
		return header{}, nil, framerr.ErrNotFound
	}
	hdr := unmarshalHeader(hdrBuf)
	if hdr.magic != s.magic {
		return header{}, nil, framerr.ErrNotFound
	}
	if hdr.length > s.maxPayload {
		return header{}, nil, framerr.ErrInvalidSize
	}

	var payload []byte
	if hdr.length > 0 {
		payload = make([]byte, hdr.length)
		if err := s.pm.Read(s.part, s.slotOffset(slot)+headerLen, payload); err != nil {
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

// Save writes payload to the slot after the current active one (or
// slot 0 if the store holds no data yet) and advances the version.
func (s *Store) Save(payload []byte) error {
	if uint32(len(payload)) > s.maxPayload {
		return fmt.Errorf("vslot: save: %w", framerr.ErrInvalidSize)
	}

	if err := s.mu.Lock(s.timeout); err != nil {
		return err
	}
	defer s.mu.Unlock()

	nextVersion := uint32(1)
	slot := uint32(0)
	if s.hasData {
		nextVersion = s.activeVersion + 1
		slot = (s.activeSlot + 1) % s.slotCount
	}

	if err := s.writeCommit(slot, 0x00); err != nil {
		return err
	}

	hdr := header{magic: s.magic, version: nextVersion, tsUs: s.now(), length: uint32(len(payload))}
	hdrBuf := hdr.marshal()
	crc := crc32x.Update(0, hdrBuf[:crcCoverageLen])
	if len(payload) > 0 {
		crc = crc32x.Update(crc, payload)
	}
	hdr.crc = crc
	hdrBuf = hdr.marshal()

	if err := s.pm.Write(s.part, s.slotOffset(slot), hdrBuf); err != nil {
		return err
	}
	if len(payload) > 0 {
		if err := s.pm.Write(s.part, s.slotOffset(slot)+headerLen, payload); err != nil {
			return err
		}
	}
	if err := s.writeCommit(slot, Commit); err != nil {
		return err
	}

	s.activeSlot, s.activeVersion, s.hasData = slot, nextVersion, true
	return nil
}

// Load returns the active slot's payload.
func (s *Store) Load() ([]byte, error) {
	if !s.hasData {
		return nil, framerr.ErrNotFound
	}
	if err := s.mu.Lock(s.timeout); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	_, payload, err := s.validateSlot(s.activeSlot)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// PeekLen returns the active slot's payload length without reading it.
func (s *Store) PeekLen() (uint32, error) {
	if !s.hasData {
		return 0, framerr.ErrNotFound
	}
	if err := s.mu.Lock(s.timeout); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	hdr, _, err := s.validateSlot(s.activeSlot)
	if err != nil {
		return 0, err
	}
	return hdr.length, nil
}

// HasData reports whether a valid slot has ever been saved.
func (s *Store) HasData() bool { return s.hasData }

// Version returns the active slot's version, or 0 if none.
func (s *Store) Version() uint32 { return s.activeVersion }

// Clear erases the entire partition and resets the store to empty.
func (s *Store) Clear() error {
	if err := s.mu.Lock(s.timeout); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if err := s.pm.Erase(s.part); err != nil {
		return err
	}
	s.hasData, s.activeVersion, s.activeSlot = false, 0, 0
	return nil
}
