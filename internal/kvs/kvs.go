// Package kvs implements an append-only key/value store over a
// partition: every Set or Delete appends a new, CRC32'd, commit-byte
// terminated record, and a Get scans forward applying last-write-wins
// shadowing. Deletes are tombstone records, not physical removal, so
// history survives until the partition is erased outright.
package kvs

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
	// Commit is the last-byte-written sentinel for a record.
	Commit uint8 = 0xA5
	// FlagDeleted marks a record as a tombstone for its key.
	FlagDeleted uint8 = 1 << 0

	// KeyMax is the maximum key length in bytes.
	KeyMax = 15
	// crcChunk is the streaming read size used while hashing a value,
	// so a single huge value never forces a huge CRC buffer.
	crcChunk = 64

	// headerLen is the on-media size of a record header: magic(4) +
	// seq(4) + key_len(2) + value_len(2) + flags(1) + reserved(3) +
	// crc32(4).
	headerLen = 4 + 4 + 2 + 2 + 1 + 3 + 4
	// crcCoverageLen is the header prefix covered by CRC32.
	crcCoverageLen = headerLen - 4

	// DefaultMutexTimeout mirrors the firmware's default lock timeout.
	DefaultMutexTimeout = 500 * time.Millisecond
)

// Config configures a Store.
type Config struct {
	PM            *partition.Manager
	PartitionName string
	Magic         uint32
	MaxValue      uint32
	MutexTimeout  time.Duration
}

// Store is an append-only, scan-to-recover key/value log.
type Store struct {
	pm            *partition.Manager
	part          *partition.Partition
	magic         uint32
	maxValue      uint32
	writeOffset   uint32
	nextSeq       uint32
	mu            *framsync.TimedMutex
	timeout       time.Duration
	log           *slog.Logger
}

type header struct {
	magic     uint32
	seq       uint32
	keyLen    uint16
	valueLen  uint16
	flags     uint8
	crc       uint32
}

func (h header) marshal() []byte {
	buf := make([]byte, headerLen)
	binary.LittleEndian.PutUint32(buf[0:4], h.magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.seq)
	binary.LittleEndian.PutUint16(buf[8:10], h.keyLen)
	binary.LittleEndian.PutUint16(buf[10:12], h.valueLen)
	buf[12] = h.flags
	buf[13], buf[14], buf[15] = 0, 0, 0
	binary.LittleEndian.PutUint32(buf[16:20], h.crc)
	return buf
}

func unmarshalHeader(buf []byte) header {
	return header{
		magic:    binary.LittleEndian.Uint32(buf[0:4]),
		seq:      binary.LittleEndian.Uint32(buf[4:8]),
		keyLen:   binary.LittleEndian.Uint16(buf[8:10]),
		valueLen: binary.LittleEndian.Uint16(buf[10:12]),
		flags:    buf[12],
		crc:      binary.LittleEndian.Uint32(buf[16:20]),
	}
}

func recordSize(keyLen, valueLen uint16) uint32 {
	return headerLen + uint32(keyLen) + uint32(valueLen) + 1
}

// New opens cfg.PartitionName on cfg.PM and recovers the append
// position by scanning from offset 0 until it hits an invalid header,
// an uncommitted record, or a CRC mismatch — whichever comes first.
func New(cfg Config) (*Store, error) {
	if cfg.PM == nil || cfg.PartitionName == "" {
		return nil, framerr.ErrInvalidArgument
	}

	part := cfg.PM.Find(cfg.PartitionName)
	if part == nil {
		return nil, fmt.Errorf("kvs: partition %q: %w", cfg.PartitionName, framerr.ErrNotFound)
	}

	maxValue := cfg.MaxValue
	if maxValue == 0 {
		maxValue = 4096
	}

	timeout := cfg.MutexTimeout
	if timeout == 0 {
		timeout = DefaultMutexTimeout
	}

	s := &Store{
		pm:       cfg.PM,
		part:     part,
		magic:    cfg.Magic,
		maxValue: maxValue,
		mu:       framsync.NewTimedMutex(),
		timeout:  timeout,
		log:      slog.Default().With("component", "kvs", "partition", cfg.PartitionName),
	}

	offset, nextSeq, err := s.findEnd()
	if err != nil {
		return nil, err
	}
	s.writeOffset = offset
	s.nextSeq = nextSeq

	s.log.Info("kvs: recovered", "write_offset", s.writeOffset, "next_seq", s.nextSeq)
	return s, nil
}

func (s *Store) readHeader(offset uint32) (header, error) {
	buf := make([]byte, headerLen)
	if err := s.pm.Read(s.part, offset, buf); err != nil {
		return header{}, err
	}
	return unmarshalHeader(buf), nil
}

func (s *Store) headerValid(hdr header) bool {
	if hdr.magic != s.magic {
		return false
	}
	if hdr.keyLen == 0 || hdr.keyLen > KeyMax {
		return false
	}
	if uint32(hdr.valueLen) > s.maxValue {
		return false
	}
	return true
}

func (s *Store) readCommit(offset uint32, keyLen, valueLen uint16) (uint8, error) {
	var buf [1]byte
	off := offset + headerLen + uint32(keyLen) + uint32(valueLen)
	if err := s.pm.Read(s.part, off, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (s *Store) writeCommit(offset uint32, keyLen, valueLen uint16, val uint8) error {
	off := offset + headerLen + uint32(keyLen) + uint32(valueLen)
	return s.pm.Write(s.part, off, []byte{val})
}

// verifyRecord reads the key, streams the value in crcChunk pieces,
// and checks the resulting CRC32 against the header.
func (s *Store) verifyRecord(offset uint32, hdr header) (key []byte, err error) {
	key = make([]byte, hdr.keyLen)
	if hdr.keyLen > 0 {
		if err := s.pm.Read(s.part, offset+headerLen, key); err != nil {
			return nil, err
		}
	}

	hdrBuf := hdr.marshal()
	crc := crc32x.Update(0, hdrBuf[:crcCoverageLen])
	crc = crc32x.Update(crc, key)

	valueOffset := offset + headerLen + uint32(hdr.keyLen)
	remaining := uint32(hdr.valueLen)
	chunk := make([]byte, crcChunk)
	for remaining > 0 {
		n := remaining
		if n > crcChunk {
			n = crcChunk
		}
		if err := s.pm.Read(s.part, valueOffset, chunk[:n]); err != nil {
			return nil, err
		}
		crc = crc32x.Update(crc, chunk[:n])
		valueOffset += n
		remaining -= n
	}

	if crc != hdr.crc {
		return nil, framerr.ErrInvalidCRC
	}
	return key, nil
}

// findEnd scans every committed, valid record from the start of the
// partition and returns the offset just past the last one plus the
// next unused sequence number. The first invalid header, uncommitted
// record, or CRC mismatch stops the scan — everything at or after
// that point is presumed torn or never written.
func (s *Store) findEnd() (uint32, uint32, error) {
	var offset, nextSeq uint32
	for offset+headerLen+1 <= s.part.Size {
		hdr, err := s.readHeader(offset)
		if err != nil {
			return 0, 0, err
		}
		if !s.headerValid(hdr) {
			break
		}
		size := recordSize(hdr.keyLen, hdr.valueLen)
		if offset > s.part.Size || size > s.part.Size || offset+size > s.part.Size {
			break
		}

		commit, err := s.readCommit(offset, hdr.keyLen, hdr.valueLen)
		if err != nil {
			return 0, 0, err
		}
		if commit != Commit {
			break
		}

		if _, err := s.verifyRecord(offset, hdr); err != nil {
			if err == framerr.ErrInvalidCRC {
				break
			}
			return 0, 0, err
		}

		if hdr.seq >= nextSeq {
			nextSeq = hdr.seq + 1
		}
		offset += size
	}
	return offset, nextSeq, nil
}

// scanResult is the outcome of a forward scan applying last-write-wins
// shadowing for one key.
type scanResult struct {
	hdr     header
	offset  uint32
	found   bool
	deleted bool
}

func (s *Store) scan(key string) (scanResult, error) {
	keyBytes := []byte(key)
	var result scanResult

	offset := uint32(0)
	for offset+headerLen+1 <= s.part.Size {
		hdr, err := s.readHeader(offset)
		if err != nil {
			return scanResult{}, err
		}
		if !s.headerValid(hdr) {
			break
		}
		size := recordSize(hdr.keyLen, hdr.valueLen)
		if offset > s.part.Size || size > s.part.Size || offset+size > s.part.Size {
			break
		}

		commit, err := s.readCommit(offset, hdr.keyLen, hdr.valueLen)
		if err != nil {
			return scanResult{}, err
		}
		if commit != Commit {
			break
		}

		recordKey, err := s.verifyRecord(offset, hdr)
		if err != nil {
			if err == framerr.ErrInvalidCRC {
				break
			}
			return scanResult{}, err
		}

		if int(hdr.keyLen) == len(keyBytes) && string(recordKey) == key {
			result = scanResult{hdr: hdr, offset: offset, found: true, deleted: hdr.flags&FlagDeleted != 0}
		}
		offset += size
	}

	if !result.found {
		return scanResult{}, framerr.ErrNotFound
	}
	return result, nil
}

func validateKey(key string) error {
	if len(key) == 0 || len(key) > KeyMax {
		return framerr.ErrInvalidArgument
	}
	return nil
}

// Get returns the current value for key, or framerr.ErrNotFound if the
// key was never set or its last record is a tombstone.
func (s *Store) Get(key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := s.mu.Lock(s.timeout); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	result, err := s.scan(key)
	if err != nil || result.deleted {
		return nil, framerr.ErrNotFound
	}

	value := make([]byte, result.hdr.valueLen)
	if result.hdr.valueLen > 0 {
		off := result.offset + headerLen + uint32(result.hdr.keyLen)
		if err := s.pm.Read(s.part, off, value); err != nil {
			return nil, err
		}
	}
	return value, nil
}

// GetLen returns the current value length for key without reading it.
func (s *Store) GetLen(key string) (uint32, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	if err := s.mu.Lock(s.timeout); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	result, err := s.scan(key)
	if err != nil || result.deleted {
		return 0, framerr.ErrNotFound
	}
	return uint32(result.hdr.valueLen), nil
}

// Exists reports whether key currently has a non-tombstone value.
func (s *Store) Exists(key string) bool {
	if err := validateKey(key); err != nil {
		return false
	}
	if err := s.mu.Lock(s.timeout); err != nil {
		return false
	}
	defer s.mu.Unlock()

	result, err := s.scan(key)
	return err == nil && !result.deleted
}

func (s *Store) appendRecord(key string, value []byte, flags uint8) error {
	keyBytes := []byte(key)
	size := recordSize(uint16(len(keyBytes)), uint16(len(value)))
	if s.writeOffset+size > s.part.Size {
		return fmt.Errorf("kvs: %w: partition full", framerr.ErrNoMemory)
	}

	hdr := header{magic: s.magic, seq: s.nextSeq, keyLen: uint16(len(keyBytes)), valueLen: uint16(len(value)), flags: flags}
	hdrBuf := hdr.marshal()
	crc := crc32x.Update(0, hdrBuf[:crcCoverageLen])
	crc = crc32x.Update(crc, keyBytes)
	crc = crc32x.Update(crc, value)
	hdr.crc = crc
	hdrBuf = hdr.marshal()

	if err := s.writeCommit(s.writeOffset, hdr.keyLen, hdr.valueLen, 0x00); err != nil {
		return err
	}
	if err := s.pm.Write(s.part, s.writeOffset, hdrBuf); err != nil {
		return err
	}
	if err := s.pm.Write(s.part, s.writeOffset+headerLen, keyBytes); err != nil {
		return err
	}
	if len(value) > 0 {
		if err := s.pm.Write(s.part, s.writeOffset+headerLen+uint32(len(keyBytes)), value); err != nil {
			return err
		}
	}
	if err := s.writeCommit(s.writeOffset, hdr.keyLen, hdr.valueLen, Commit); err != nil {
		return err
	}

	s.writeOffset += size
	s.nextSeq++
	return nil
}

// Set appends a new record for key, shadowing any previous value.
func (s *Store) Set(key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if uint32(len(value)) > s.maxValue || len(value) > 0xFFFF {
		return fmt.Errorf("kvs: set: %w", framerr.ErrInvalidSize)
	}

	if err := s.mu.Lock(s.timeout); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.appendRecord(key, value, 0)
}

// Delete appends a tombstone record for key. It succeeds even if the
// key was never set.
func (s *Store) Delete(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.mu.Lock(s.timeout); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.appendRecord(key, nil, FlagDeleted)
}

// SetU32 stores val as a little-endian 4-byte value.
func (s *Store) SetU32(key string, val uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	return s.Set(key, buf[:])
}

// GetU32 reads back a little-endian 4-byte value stored by SetU32.
func (s *Store) GetU32(key string) (uint32, error) {
	buf, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	if len(buf) != 4 {
		return 0, fmt.Errorf("kvs: get u32 %q: %w", key, framerr.ErrInvalidSize)
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// SetStr stores val as its raw UTF-8 bytes.
func (s *Store) SetStr(key string, val string) error {
	return s.Set(key, []byte(val))
}

// GetStr reads back a string stored by SetStr.
func (s *Store) GetStr(key string) (string, error) {
	buf, err := s.Get(key)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}
