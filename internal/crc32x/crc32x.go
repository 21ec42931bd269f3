// Package crc32x implements the seeded, chainable CRC32 used by every
// framstore subsystem: the reflected IEEE 802.3 polynomial, the same
// variant used for Ethernet and zip checksums.
//
// Unlike crc32.ChecksumIEEE, Update accepts the running value from a
// previous call as its seed, so a record's header, key, and value bytes
// can be checksummed in successive chunks without a scratch buffer that
// holds the whole record. Passing 0 starts a fresh checksum.
package crc32x

import "hash/crc32"

// Update folds data into the running CRC32 started at seed. Passing the
// return value of one call as the seed of the next is equivalent to
// computing the checksum over the concatenation of both byte slices.
func Update(seed uint32, data []byte) uint32 {
	return crc32.Update(seed, crc32.IEEETable, data)
}
