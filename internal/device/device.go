// Package device serializes access to a hal.HAL, chunks transfers to
// the HAL's max-transfer size, and tracks health: a device degrades to
// unhealthy after a configurable run of consecutive transfer failures
// and is not auto-healed on success, only by an explicit ResetStats.
package device

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/scif-systems/framstore/internal/framerr"
	"github.com/scif-systems/framstore/internal/framsync"
	"github.com/scif-systems/framstore/internal/hal"
)

// Config configures a Device. ErrorThreshold and MutexTimeout fall back
// to DefaultErrorThreshold and DefaultMutexTimeout when zero.
type Config struct {
	HAL            hal.HAL
	ErrorThreshold uint32
	MutexTimeout   time.Duration
}

const (
	// DefaultErrorThreshold is the consecutive-failure count after which
	// a Device marks itself unhealthy.
	DefaultErrorThreshold = 5
	// DefaultMutexTimeout is how long Lock waits before failing with
	// framerr.ErrTimeout.
	DefaultMutexTimeout = 500 * time.Millisecond
)

// Stats is a point-in-time snapshot of a Device's counters.
type Stats struct {
	ReadCount  uint32
	WriteCount uint32
	ErrorCount uint32
	SizeBytes  uint32
	Healthy    bool
}

// Device is the sole serialized gateway to a hal.HAL. Partition,
// superblock, ring, vslot, and kvs code never talks to the HAL
// directly.
type Device struct {
	mu    *framsync.TimedMutex
	hal   hal.HAL
	log   *slog.Logger
	timeout time.Duration

	errorThreshold uint32

	readCount         uint32
	writeCount        uint32
	errorCount        uint32
	consecutiveErrors uint32
	healthy           bool
}

// New initializes a Device from cfg: it calls HAL.Init then HAL.Probe,
// and fails with framerr.ErrInvalidState if the resulting capacity is
// still zero.
func New(cfg Config) (*Device, error) {
	if cfg.HAL == nil {
		return nil, framerr.ErrInvalidArgument
	}

	threshold := cfg.ErrorThreshold
	if threshold == 0 {
		threshold = DefaultErrorThreshold
	}
	timeout := cfg.MutexTimeout
	if timeout == 0 {
		timeout = DefaultMutexTimeout
	}

	d := &Device{
		mu:             framsync.NewTimedMutex(),
		hal:            cfg.HAL,
		log:            slog.Default().With("component", "device"),
		timeout:        timeout,
		errorThreshold: threshold,
		healthy:        true,
	}

	d.log.Info("device: initializing")
	if err := cfg.HAL.Init(); err != nil {
		return nil, fmt.Errorf("device: hal init failed: %w", err)
	}
	if err := cfg.HAL.Probe(); err != nil {
		return nil, fmt.Errorf("device: hal probe failed: %w", err)
	}
	if cfg.HAL.Capacity() == 0 {
		return nil, fmt.Errorf("device: %w: hal capacity is zero after probe", framerr.ErrInvalidState)
	}

	d.log.Info("device: initialized", "size_bytes", cfg.HAL.Capacity())
	return d, nil
}

// Deinit tears down the underlying HAL and marks the device unhealthy.
func (d *Device) Deinit() {
	d.hal.Deinit()
	d.healthy = false
	d.log.Info("device: deinitialized")
}

// Size returns the device capacity in bytes.
func (d *Device) Size() uint32 { return d.hal.Capacity() }

// Healthy reports whether the device is below its consecutive-error
// threshold. Healing requires an explicit ResetStats call.
func (d *Device) Healthy() bool { return d.healthy }

func (d *Device) recordError() {
	d.errorCount++
	d.consecutiveErrors++
	if d.consecutiveErrors >= d.errorThreshold {
		if d.healthy {
			d.log.Warn("device: degrading to unhealthy", "consecutive_errors", d.consecutiveErrors)
		}
		d.healthy = false
	}
}

func (d *Device) recordSuccess() {
	d.consecutiveErrors = 0
}

func chunkSize(remaining, maxTransfer uint32) uint32 {
	if maxTransfer == 0 || remaining < maxTransfer {
		return remaining
	}
	return maxTransfer
}

// Read fills buf with len(buf) bytes starting at offset, chunking the
// transfer to the HAL's MaxTransfer.
func (d *Device) Read(offset uint32, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	length := uint32(len(buf))
	capacity := d.hal.Capacity()
	if !hal.InRange(offset, length, capacity) {
		return fmt.Errorf("device: read %w", framerr.ErrInvalidSize)
	}

	if err := d.mu.Lock(d.timeout); err != nil {
		d.recordError()
		return err
	}
	defer d.mu.Unlock()

	maxTransfer := d.hal.MaxTransfer()
	remaining := length
	addr := offset
	out := buf
	for remaining > 0 {
		chunk := chunkSize(remaining, maxTransfer)
		if err := d.hal.Read(addr, out[:chunk]); err != nil {
			d.recordError()
			return fmt.Errorf("device: read at %d: %w", addr, err)
		}
		d.readCount++
		d.recordSuccess()
		out = out[chunk:]
		addr += chunk
		remaining -= chunk
	}
	return nil
}

// Write stores buf starting at offset, chunking the transfer to the
// HAL's MaxTransfer.
func (d *Device) Write(offset uint32, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	length := uint32(len(buf))
	capacity := d.hal.Capacity()
	if !hal.InRange(offset, length, capacity) {
		return fmt.Errorf("device: write %w", framerr.ErrInvalidSize)
	}

	if err := d.mu.Lock(d.timeout); err != nil {
		d.recordError()
		return err
	}
	defer d.mu.Unlock()

	maxTransfer := d.hal.MaxTransfer()
	remaining := length
	addr := offset
	in := buf
	for remaining > 0 {
		chunk := chunkSize(remaining, maxTransfer)
		if err := d.hal.Write(addr, in[:chunk]); err != nil {
			d.recordError()
			return fmt.Errorf("device: write at %d: %w", addr, err)
		}
		d.writeCount++
		d.recordSuccess()
		in = in[chunk:]
		addr += chunk
		remaining -= chunk
	}
	return nil
}

// ReadU8/ReadU16/ReadU32/ReadU64 and their Write counterparts are typed
// helpers built atop the byte API, matching the original firmware's
// fram_dev_read_u*/fram_dev_write_u* convenience functions.
func (d *Device) ReadU8(offset uint32) (uint8, error) {
	var buf [1]byte
	if err := d.Read(offset, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (d *Device) ReadU16(offset uint32) (uint16, error) {
	var buf [2]byte
	if err := d.Read(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (d *Device) ReadU32(offset uint32) (uint32, error) {
	var buf [4]byte
	if err := d.Read(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (d *Device) ReadU64(offset uint32) (uint64, error) {
	var buf [8]byte
	if err := d.Read(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (d *Device) WriteU8(offset uint32, val uint8) error {
	return d.Write(offset, []byte{val})
}

func (d *Device) WriteU16(offset uint32, val uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], val)
	return d.Write(offset, buf[:])
}

func (d *Device) WriteU32(offset uint32, val uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	return d.Write(offset, buf[:])
}

func (d *Device) WriteU64(offset uint32, val uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	return d.Write(offset, buf[:])
}

// Stats returns a snapshot of the device's counters.
func (d *Device) Stats() Stats {
	return Stats{
		ReadCount:  d.readCount,
		WriteCount: d.writeCount,
		ErrorCount: d.errorCount,
		SizeBytes:  d.hal.Capacity(),
		Healthy:    d.healthy,
	}
}

// ResetStats clears all counters and restores healthy status. This is
// the only way to heal a device once it has degraded; a run of
// successful transfers alone does not.
func (d *Device) ResetStats() {
	d.readCount = 0
	d.writeCount = 0
	d.errorCount = 0
	d.consecutiveErrors = 0
	d.healthy = true
	d.log.Info("device: stats reset, healthy restored")
}
