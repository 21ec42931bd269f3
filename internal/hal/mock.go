package hal

import (
	"sync"

	"github.com/scif-systems/framstore/internal/framerr"
)

// MockHAL is a RAM-backed HAL used by tests and by the crash-recovery
// scenarios in this module's own test suites. It mirrors the original
// firmware's mock HAL: a flat buffer, an operation counter, and two
// independent fault-injection knobs so a test can force a torn write or
// a corrupted read deterministically.
type MockHAL struct {
	mu sync.Mutex

	buf      []byte
	capacity uint32
	maxXfer  uint32

	opCount uint32

	failEnabled bool
	failAfter   uint32

	injectEnabled bool
	injectOffset  uint32
	injectLen     uint32

	initialized bool
}

// NewMockHAL allocates a mock backed by a capacity-byte buffer filled
// with the erase value 0xFF, matching freshly-erased FRAM.
func NewMockHAL(capacity uint32) *MockHAL {
	buf := make([]byte, capacity)
	for i := range buf {
		buf[i] = 0xFF
	}
	return &MockHAL{
		buf:      buf,
		capacity: capacity,
		maxXfer:  capacity,
	}
}

func (m *MockHAL) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
	return nil
}

func (m *MockHAL) Deinit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = false
}

func (m *MockHAL) Probe() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return framerr.ErrInvalidState
	}
	return nil
}

func (m *MockHAL) Capacity() uint32    { return m.capacity }
func (m *MockHAL) MaxTransfer() uint32 { return m.maxXfer }

func (m *MockHAL) shouldFail() bool {
	if !m.failEnabled {
		return false
	}
	return m.opCount > m.failAfter
}

func (m *MockHAL) Read(addr uint32, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(buf) == 0 {
		return nil
	}
	length := uint32(len(buf))
	if !InRange(addr, length, m.capacity) {
		return &ErrOutOfRange{Addr: addr, Len: length, Capacity: m.capacity}
	}

	m.opCount++
	if m.shouldFail() {
		return errMockInjectedFailure
	}

	copy(buf, m.buf[addr:addr+length])

	if m.injectEnabled {
		start, end := addr, addr+length
		injStart, injEnd := m.injectOffset, m.injectOffset+m.injectLen
		if end > injStart && start < injEnd {
			overlapStart := max32(start, injStart)
			overlapEnd := min32(end, injEnd)
			for i := overlapStart; i < overlapEnd; i++ {
				buf[i-start] ^= 0xFF
			}
		}
	}

	return nil
}

func (m *MockHAL) Write(addr uint32, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(buf) == 0 {
		return nil
	}
	length := uint32(len(buf))
	if !InRange(addr, length, m.capacity) {
		return &ErrOutOfRange{Addr: addr, Len: length, Capacity: m.capacity}
	}

	m.opCount++
	if m.shouldFail() {
		return errMockInjectedFailure
	}

	copy(m.buf[addr:addr+length], buf)
	return nil
}

// SetFailAfter arms the mock to fail every Read/Write once the
// cumulative operation count reaches operations. Pass a count higher
// than any expected call to effectively disable it again.
func (m *MockHAL) SetFailAfter(operations uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = operations
	m.failEnabled = true
}

// InjectCorruption flips every bit in [offset, offset+length) on every
// subsequent Read, simulating a torn write that the CRC machinery must
// detect. It does not alter the backing buffer itself.
func (m *MockHAL) InjectCorruption(offset, length uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.injectOffset = offset
	m.injectLen = length
	m.injectEnabled = true
}

// Buffer returns the raw backing buffer for tests that want to mutate
// media state directly (e.g. zeroing a commit byte to simulate a crash).
func (m *MockHAL) Buffer() []byte {
	return m.buf
}

// SetMaxTransfer overrides the mock's reported MaxTransfer, letting
// tests exercise the device layer's chunking behavior.
func (m *MockHAL) SetMaxTransfer(maxTransfer uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxXfer = maxTransfer
}

// Fill overwrites the entire backing buffer with value, matching a bulk
// chip erase.
func (m *MockHAL) Fill(value byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.buf {
		m.buf[i] = value
	}
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

var errMockInjectedFailure = framerr.ErrTransport
