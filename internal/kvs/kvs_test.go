package kvs

import (
	"errors"
	"testing"

	"github.com/scif-systems/framstore/internal/device"
	"github.com/scif-systems/framstore/internal/framerr"
	"github.com/scif-systems/framstore/internal/hal"
	"github.com/scif-systems/framstore/internal/partition"
)

const testMagic = 0x53564B46 // "FKVS"

func newTestStore(t *testing.T, partSize uint32) *Store {
	t.Helper()
	mock := hal.NewMockHAL(partSize + 16)
	dev, err := device.New(device.Config{HAL: mock})
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	pm, err := partition.New(dev, []partition.Partition{{Name: "kv", Offset: 0, Size: partSize}})
	if err != nil {
		t.Fatalf("partition.New: %v", err)
	}
	s, err := New(Config{PM: pm, PartitionName: "kv", Magic: testMagic, MaxValue: 256})
	if err != nil {
		t.Fatalf("kvs.New: %v", err)
	}
	return s
}

func TestHeader_GoldenLayout(t *testing.T) {
	h := header{magic: 0x01020304, seq: 0x0A0B0C0D, keyLen: 0x0102, valueLen: 0x0304, flags: 0x01, crc: 0xAABBCCDD}
	buf := h.marshal()
	want := []byte{
		0x04, 0x03, 0x02, 0x01, // magic
		0x0D, 0x0C, 0x0B, 0x0A, // seq
		0x02, 0x01, // key_len
		0x04, 0x03, // value_len
		0x01,             // flags
		0x00, 0x00, 0x00, // reserved
		0xDD, 0xCC, 0xBB, 0xAA, // crc32
	}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, buf[i], want[i])
		}
	}
}

func TestGet_MissingKeyReturnsNotFound(t *testing.T) {
	s := newTestStore(t, 4096)
	_, err := s.Get("missing")
	if !errors.Is(err, framerr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetThenGet_RoundTrip(t *testing.T) {
	s := newTestStore(t, 4096)
	if err := s.Set("wifi.ssid", []byte("home-network")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get("wifi.ssid")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "home-network" {
		t.Fatalf("Get = %q, want %q", got, "home-network")
	}
	if !s.Exists("wifi.ssid") {
		t.Fatal("expected Exists true")
	}
}

func TestSet_LastWriteWins(t *testing.T) {
	s := newTestStore(t, 4096)
	if err := s.Set("k", []byte("v1")); err != nil {
		t.Fatalf("Set 1: %v", err)
	}
	if err := s.Set("k", []byte("v2")); err != nil {
		t.Fatalf("Set 2: %v", err)
	}
	got, err := s.Get("k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("Get = %q, want %q", got, "v2")
	}
}

func TestDelete_ShadowsPreviousValueAsTombstone(t *testing.T) {
	s := newTestStore(t, 4096)
	if err := s.Set("k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("k"); !errors.Is(err, framerr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if s.Exists("k") {
		t.Fatal("expected Exists false after delete")
	}

	// A later Set resurrects the key.
	if err := s.Set("k", []byte("v3")); err != nil {
		t.Fatalf("Set after delete: %v", err)
	}
	got, err := s.Get("k")
	if err != nil {
		t.Fatalf("Get after resurrect: %v", err)
	}
	if string(got) != "v3" {
		t.Fatalf("Get = %q, want %q", got, "v3")
	}
}

func TestNew_RecoversAcrossReopen(t *testing.T) {
	mock := hal.NewMockHAL(4096 + 16)
	dev, err := device.New(device.Config{HAL: mock})
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	pm, err := partition.New(dev, []partition.Partition{{Name: "kv", Offset: 0, Size: 4096}})
	if err != nil {
		t.Fatalf("partition.New: %v", err)
	}
	cfg := Config{PM: pm, PartitionName: "kv", Magic: testMagic, MaxValue: 256}

	s1, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s1.Set("a", []byte("1")); err != nil {
		t.Fatalf("Set a: %v", err)
	}
	if err := s1.Set("b", []byte("2")); err != nil {
		t.Fatalf("Set b: %v", err)
	}

	s2, err := New(cfg)
	if err != nil {
		t.Fatalf("reopen New: %v", err)
	}
	got, err := s2.Get("b")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got) != "2" {
		t.Fatalf("Get = %q, want %q", got, "2")
	}
	if err := s2.Set("c", []byte("3")); err != nil {
		t.Fatalf("Set after reopen: %v", err)
	}
}

func TestNew_StopsScanAtTornTailRecord(t *testing.T) {
	mock := hal.NewMockHAL(4096 + 16)
	dev, err := device.New(device.Config{HAL: mock})
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	pm, err := partition.New(dev, []partition.Partition{{Name: "kv", Offset: 0, Size: 4096}})
	if err != nil {
		t.Fatalf("partition.New: %v", err)
	}
	cfg := Config{PM: pm, PartitionName: "kv", Magic: testMagic, MaxValue: 256}

	s1, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s1.Set("a", []byte("1")); err != nil {
		t.Fatalf("Set a: %v", err)
	}
	tornOffset := s1.writeOffset
	if err := s1.Set("b", []byte("2")); err != nil {
		t.Fatalf("Set b: %v", err)
	}
	// Zero the commit byte of the second record to simulate a torn
	// write; recovery must see only "a".
	hdr, err := s1.readHeader(tornOffset)
	if err != nil {
		t.Fatalf("readHeader: %v", err)
	}
	if err := s1.writeCommit(tornOffset, hdr.keyLen, hdr.valueLen, 0x00); err != nil {
		t.Fatalf("writeCommit: %v", err)
	}

	s2, err := New(cfg)
	if err != nil {
		t.Fatalf("reopen New: %v", err)
	}
	if _, err := s2.Get("b"); !errors.Is(err, framerr.ErrNotFound) {
		t.Fatalf("expected torn record b to be invisible, got %v", err)
	}
	got, err := s2.Get("a")
	if err != nil {
		t.Fatalf("Get a: %v", err)
	}
	if string(got) != "1" {
		t.Fatalf("Get a = %q, want %q", got, "1")
	}
}

func TestSet_RejectsKeyTooLong(t *testing.T) {
	s := newTestStore(t, 4096)
	err := s.Set("0123456789abcdef", []byte("x")) // 16 bytes > KeyMax
	if !errors.Is(err, framerr.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestSet_RejectsValueOverMax(t *testing.T) {
	s := newTestStore(t, 4096)
	big := make([]byte, 1000)
	err := s.Set("k", big)
	if !errors.Is(err, framerr.ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize, got %v", err)
	}
}

func TestSet_ExhaustsPartitionWithNoMemory(t *testing.T) {
	s := newTestStore(t, headerLen+8+1) // room for exactly one tiny record
	if err := s.Set("k", []byte("1234")); err != nil {
		t.Fatalf("first Set: %v", err)
	}
	err := s.Set("k2", []byte("v"))
	if !errors.Is(err, framerr.ErrNoMemory) {
		t.Fatalf("expected ErrNoMemory, got %v", err)
	}
}

func TestU32RoundTrip(t *testing.T) {
	s := newTestStore(t, 4096)
	if err := s.SetU32("counter", 42); err != nil {
		t.Fatalf("SetU32: %v", err)
	}
	got, err := s.GetU32("counter")
	if err != nil {
		t.Fatalf("GetU32: %v", err)
	}
	if got != 42 {
		t.Fatalf("GetU32 = %d, want 42", got)
	}
}

func TestStrRoundTrip(t *testing.T) {
	s := newTestStore(t, 4096)
	if err := s.SetStr("name", "framstore"); err != nil {
		t.Fatalf("SetStr: %v", err)
	}
	got, err := s.GetStr("name")
	if err != nil {
		t.Fatalf("GetStr: %v", err)
	}
	if got != "framstore" {
		t.Fatalf("GetStr = %q, want %q", got, "framstore")
	}
}
