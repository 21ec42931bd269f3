package partition

import (
	"errors"
	"testing"

	"github.com/scif-systems/framstore/internal/device"
	"github.com/scif-systems/framstore/internal/framerr"
	"github.com/scif-systems/framstore/internal/hal"
)

func newTestDevice(t *testing.T, capacity uint32) *device.Device {
	t.Helper()
	mock := hal.NewMockHAL(capacity)
	dev, err := device.New(device.Config{HAL: mock})
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	return dev
}

func TestNew_RejectsOverlap(t *testing.T) {
	dev := newTestDevice(t, 1024)
	_, err := New(dev, []Partition{
		{Name: "a", Offset: 0, Size: 512},
		{Name: "b", Offset: 256, Size: 256},
	})
	if !errors.Is(err, framerr.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestNew_RejectsOutOfRange(t *testing.T) {
	dev := newTestDevice(t, 1024)
	_, err := New(dev, []Partition{
		{Name: "a", Offset: 900, Size: 256},
	})
	if !errors.Is(err, framerr.ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize, got %v", err)
	}
}

func TestNew_RejectsBadName(t *testing.T) {
	dev := newTestDevice(t, 1024)
	_, err := New(dev, []Partition{{Name: "", Offset: 0, Size: 16}})
	if !errors.Is(err, framerr.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty name, got %v", err)
	}

	tooLong := "0123456789abcdef" // 16 bytes > NameMax
	_, err = New(dev, []Partition{{Name: tooLong, Offset: 0, Size: 16}})
	if !errors.Is(err, framerr.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for long name, got %v", err)
	}
}

func TestNew_RejectsTooManyPartitions(t *testing.T) {
	dev := newTestDevice(t, 4096)
	parts := make([]Partition, Max+1)
	for i := range parts {
		parts[i] = Partition{Name: "p", Offset: uint32(i), Size: 1}
	}
	_, err := New(dev, parts)
	if !errors.Is(err, framerr.ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize, got %v", err)
	}
}

func TestManager_FindAndCount(t *testing.T) {
	dev := newTestDevice(t, 1024)
	m, err := New(dev, []Partition{
		{Name: "super", Offset: 0, Size: 64, Flags: FlagSystem},
		{Name: "ring", Offset: 64, Size: 256},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.Count() != 2 {
		t.Fatalf("Count = %d, want 2", m.Count())
	}
	if p := m.Find("ring"); p == nil || p.Offset != 64 {
		t.Fatalf("Find(ring) = %+v", p)
	}
	if m.Find("missing") != nil {
		t.Fatal("expected nil for missing partition")
	}
}

func TestManager_ReadWriteLocalOffsets(t *testing.T) {
	dev := newTestDevice(t, 1024)
	m, err := New(dev, []Partition{
		{Name: "data", Offset: 128, Size: 128},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	part := m.Find("data")

	want := []byte("hello partition")
	if err := m.Write(part, 10, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, len(want))
	if err := m.Read(part, 10, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("Read = %q, want %q", got, want)
	}

	// Confirm it landed at the device-absolute offset 128+10.
	raw := make([]byte, len(want))
	if err := dev.Read(138, raw); err != nil {
		t.Fatalf("device.Read: %v", err)
	}
	if string(raw) != string(want) {
		t.Fatalf("device-absolute read = %q, want %q", raw, want)
	}
}

func TestManager_RejectsLocalOutOfRange(t *testing.T) {
	dev := newTestDevice(t, 1024)
	m, _ := New(dev, []Partition{{Name: "data", Offset: 0, Size: 64}})
	part := m.Find("data")

	buf := make([]byte, 8)
	if err := m.Read(part, 60, buf); !errors.Is(err, framerr.ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize, got %v", err)
	}
}

func TestManager_ReadOnlyRejectsWriteAndErase(t *testing.T) {
	dev := newTestDevice(t, 1024)
	m, _ := New(dev, []Partition{{Name: "ro", Offset: 0, Size: 64, Flags: FlagReadOnly}})
	part := m.Find("ro")

	if err := m.Write(part, 0, []byte{1}); !errors.Is(err, framerr.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on write, got %v", err)
	}
	if err := m.Erase(part); !errors.Is(err, framerr.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on erase, got %v", err)
	}
}

func TestManager_EraseFillsWithFF(t *testing.T) {
	dev := newTestDevice(t, 1024)
	m, _ := New(dev, []Partition{{Name: "data", Offset: 100, Size: 200}})
	part := m.Find("data")

	if err := m.Write(part, 0, []byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.Erase(part); err != nil {
		t.Fatalf("Erase: %v", err)
	}

	buf := make([]byte, part.Size)
	if err := m.Read(part, 0, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i, b := range buf {
		if b != 0xFF {
			t.Fatalf("byte %d = %#x, want 0xFF", i, b)
		}
	}
}

func TestIsValidRange_WrapSafe(t *testing.T) {
	p := &Partition{Size: 100}
	cases := []struct {
		offset, length uint32
		want           bool
	}{
		{0, 100, true},
		{0, 101, false},
		{99, 1, true},
		{100, 0, true},
		{100, 1, false},
		{0xFFFFFFFF, 2, false}, // would overflow addr+len if computed naively
	}
	for _, c := range cases {
		if got := IsValidRange(p, c.offset, c.length); got != c.want {
			t.Errorf("IsValidRange(%d, %d) = %v, want %v", c.offset, c.length, got, c.want)
		}
	}
}
