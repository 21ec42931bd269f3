package hal

import "testing"

func TestMockHAL_ReadWriteRoundTrip(t *testing.T) {
	m := NewMockHAL(1024)
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := m.Probe(); err != nil {
		t.Fatalf("Probe: %v", err)
	}

	want := []byte("hello fram")
	if err := m.Write(10, want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, len(want))
	if err := m.Read(10, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("Read = %q, want %q", got, want)
	}
}

func TestMockHAL_OutOfRangeRejected(t *testing.T) {
	m := NewMockHAL(16)
	buf := make([]byte, 4)
	if err := m.Read(14, buf); err == nil {
		t.Fatal("expected out-of-range error")
	}
	if err := m.Write(14, buf); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestMockHAL_FailAfterInjectsFailure(t *testing.T) {
	m := NewMockHAL(64)
	m.SetFailAfter(1)

	buf := []byte{1, 2, 3, 4}
	if err := m.Write(0, buf); err != nil {
		t.Fatalf("first write should succeed: %v", err)
	}
	if err := m.Write(4, buf); err == nil {
		t.Fatal("second write should fail once fail_after is reached")
	}
}

func TestMockHAL_InjectCorruptionFlipsReadBytes(t *testing.T) {
	m := NewMockHAL(64)
	original := []byte{0x10, 0x20, 0x30, 0x40}
	if err := m.Write(0, original); err != nil {
		t.Fatalf("Write: %v", err)
	}

	m.InjectCorruption(1, 2)

	got := make([]byte, 4)
	if err := m.Read(0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := []byte{0x10, 0x20 ^ 0xFF, 0x30 ^ 0xFF, 0x40}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestInRange(t *testing.T) {
	cases := []struct {
		addr, length, cap uint32
		want               bool
	}{
		{0, 0, 0, true},
		{0, 10, 10, true},
		{1, 10, 10, false},
		{10, 0, 10, true},
		{11, 0, 10, false},
		{0xFFFFFFF0, 0x20, 0xFFFFFFFF, false},
	}
	for _, c := range cases {
		if got := InRange(c.addr, c.length, c.cap); got != c.want {
			t.Errorf("InRange(%d,%d,%d) = %v, want %v", c.addr, c.length, c.cap, got, c.want)
		}
	}
}
