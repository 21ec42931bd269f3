package device

import (
	"testing"
	"time"

	"github.com/scif-systems/framstore/internal/hal"
)

func newTestDevice(t *testing.T, capacity uint32) (*Device, *hal.MockHAL) {
	t.Helper()
	mock := hal.NewMockHAL(capacity)
	dev, err := New(Config{HAL: mock, ErrorThreshold: 3, MutexTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return dev, mock
}

func TestDevice_ReadWriteRoundTrip(t *testing.T) {
	dev, _ := newTestDevice(t, 4096)

	want := []byte("persisted bytes")
	if err := dev.Write(100, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, len(want))
	if err := dev.Read(100, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("Read = %q, want %q", got, want)
	}

	stats := dev.Stats()
	if stats.ReadCount == 0 || stats.WriteCount == 0 {
		t.Fatalf("expected nonzero counters, got %+v", stats)
	}
}

func TestDevice_ChunksLargeTransfers(t *testing.T) {
	mock := hal.NewMockHAL(4096)
	dev, err := New(Config{HAL: mock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mock.SetMaxTransfer(64)

	big := make([]byte, 3000)
	for i := range big {
		big[i] = byte(i)
	}
	if err := dev.Write(0, big); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, len(big))
	if err := dev.Read(0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i := range big {
		if got[i] != big[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, got[i], big[i])
		}
	}

	stats := dev.Stats()
	if stats.WriteCount < uint32(len(big))/64 {
		t.Fatalf("expected chunked write count, got %d", stats.WriteCount)
	}
}

func TestDevice_OutOfRangeFailsWithoutHALCall(t *testing.T) {
	dev, mock := newTestDevice(t, 16)
	before := mock.Buffer()[0]

	buf := make([]byte, 8)
	if err := dev.Read(12, buf); err == nil {
		t.Fatal("expected invalid-size error")
	}
	if mock.Buffer()[0] != before {
		t.Fatal("HAL state mutated despite out-of-range read")
	}
	if s := dev.Stats(); s.ReadCount != 0 || s.ErrorCount != 0 {
		t.Fatalf("HAL was reached despite out-of-range read: %+v", s)
	}
}

func TestDevice_DegradesAfterConsecutiveErrors(t *testing.T) {
	dev, mock := newTestDevice(t, 64)
	mock.SetFailAfter(0)

	buf := make([]byte, 4)
	for i := 0; i < 3; i++ {
		_ = dev.Read(0, buf)
	}
	if dev.Healthy() {
		t.Fatal("expected device to be unhealthy after 3 consecutive failures")
	}
}

func TestDevice_SuccessResetsConsecutiveErrorsButNotHealth(t *testing.T) {
	dev, mock := newTestDevice(t, 64)
	mock.SetFailAfter(0)

	buf := make([]byte, 4)
	for i := 0; i < 3; i++ {
		_ = dev.Read(0, buf)
	}
	if dev.Healthy() {
		t.Fatal("expected unhealthy")
	}

	mock.SetFailAfter(1000) // disable failures
	if err := dev.Read(0, buf); err != nil {
		t.Fatalf("Read after recovery: %v", err)
	}
	if dev.Healthy() {
		t.Fatal("a successful transfer alone must not auto-heal the device")
	}

	dev.ResetStats()
	if !dev.Healthy() {
		t.Fatal("ResetStats must restore healthy status")
	}
}

func TestDevice_TypedHelpersRoundTrip(t *testing.T) {
	dev, _ := newTestDevice(t, 64)

	if err := dev.WriteU32(0, 0xDEADBEEF); err != nil {
		t.Fatalf("WriteU32: %v", err)
	}
	got, err := dev.ReadU32(0)
	if err != nil {
		t.Fatalf("ReadU32: %v", err)
	}
	if got != 0xDEADBEEF {
		t.Fatalf("ReadU32 = %#x, want 0xDEADBEEF", got)
	}

	if err := dev.WriteU64(8, 0x0102030405060708); err != nil {
		t.Fatalf("WriteU64: %v", err)
	}
	got64, err := dev.ReadU64(8)
	if err != nil {
		t.Fatalf("ReadU64: %v", err)
	}
	if got64 != 0x0102030405060708 {
		t.Fatalf("ReadU64 = %#x, want 0x0102030405060708", got64)
	}
}
