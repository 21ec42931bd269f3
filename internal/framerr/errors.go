// Package framerr defines the domain-level error kinds shared by every
// framstore subsystem. Each sentinel is independent of any particular
// partition or record; callers use errors.Is against these values.
package framerr

import "errors"

var (
	// ErrInvalidArgument covers nil pointers, out-of-range, or over-long inputs.
	ErrInvalidArgument = errors.New("framstore: invalid argument")
	// ErrInvalidSize covers a caller buffer too small for a stored value, or a
	// range that falls outside a partition or device.
	ErrInvalidSize = errors.New("framstore: invalid size")
	// ErrInvalidState covers use of an uninitialized or read-only resource.
	ErrInvalidState = errors.New("framstore: invalid state")
	// ErrNotFound covers an absent key, an empty ring, or no valid superblock.
	ErrNotFound = errors.New("framstore: not found")
	// ErrTimeout covers a lock acquisition that exceeded its budget.
	ErrTimeout = errors.New("framstore: timeout")
	// ErrNoMemory covers a write that would overflow a partition.
	ErrNoMemory = errors.New("framstore: no memory")
	// ErrInvalidCRC covers a record whose CRC does not match its stored value.
	ErrInvalidCRC = errors.New("framstore: invalid crc")
	// ErrTransport is surfaced from the HAL and counted against device health.
	ErrTransport = errors.New("framstore: transport error")
)
