// Package framtest provides shared test wiring: a mock-HAL-backed
// device and partition manager, used by this module's own
// cross-subsystem crash-recovery scenario tests.
package framtest

import (
	"testing"

	"github.com/scif-systems/framstore/internal/device"
	"github.com/scif-systems/framstore/internal/hal"
	"github.com/scif-systems/framstore/internal/partition"
)

// NewDevice returns a ready Device backed by a fresh MockHAL of the
// given capacity, along with the mock for direct buffer inspection.
func NewDevice(t *testing.T, capacity uint32) (*device.Device, *hal.MockHAL) {
	t.Helper()
	mock := hal.NewMockHAL(capacity)
	dev, err := device.New(device.Config{HAL: mock})
	if err != nil {
		t.Fatalf("framtest: device.New: %v", err)
	}
	return dev, mock
}

// NewPartitionManager wraps dev with the given partition table.
func NewPartitionManager(t *testing.T, dev *device.Device, parts []partition.Partition) *partition.Manager {
	t.Helper()
	pm, err := partition.New(dev, parts)
	if err != nil {
		t.Fatalf("framtest: partition.New: %v", err)
	}
	return pm
}
