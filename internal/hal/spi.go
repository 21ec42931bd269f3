package hal

import (
	"fmt"

	"github.com/scif-systems/framstore/internal/framerr"
)

// Transport is the minimal byte-addressable bus operation framstore
// needs from a real FRAM chip driver: addressed read and write. A
// concrete implementation frames these as SPI READ/WRITE/WREN
// commands with chip-select toggling; that framing is outside the
// core and is supplied by the integrator.
type Transport interface {
	Open() error
	Close() error
	// Identify reads back the device's capacity in bytes, e.g. via an
	// RDID command, or 0 if the transport cannot determine it and the
	// caller must supply CapacityHint.
	Identify() (uint32, error)
	ReadAt(addr uint32, buf []byte) error
	WriteAt(addr uint32, buf []byte) error
}

// BusHAL adapts a Transport to the HAL contract, chunking nothing
// itself (that is the device layer's job) and only enforcing the
// bounds check every HAL implementation must apply.
type BusHAL struct {
	transport    Transport
	capacity     uint32
	capacityHint uint32
	maxTransfer  uint32
}

// BusHALConfig configures a BusHAL. CapacityHint is used only if the
// transport's Identify() returns 0. MaxTransfer caps a single Read/Write
// call; 0 means "equal to capacity" (no narrower limit).
type BusHALConfig struct {
	Transport    Transport
	CapacityHint uint32
	MaxTransfer  uint32
}

// NewBusHAL constructs a BusHAL from its configuration. It does not
// touch the bus; that happens in Init/Probe.
func NewBusHAL(cfg BusHALConfig) (*BusHAL, error) {
	if cfg.Transport == nil {
		return nil, framerr.ErrInvalidArgument
	}
	return &BusHAL{
		transport:    cfg.Transport,
		capacityHint: cfg.CapacityHint,
		maxTransfer:  cfg.MaxTransfer,
	}, nil
}

func (b *BusHAL) Init() error {
	if err := b.transport.Open(); err != nil {
		return fmt.Errorf("%w: opening transport: %v", framerr.ErrTransport, err)
	}
	return nil
}

func (b *BusHAL) Deinit() {
	_ = b.transport.Close()
}

func (b *BusHAL) Probe() error {
	size, err := b.transport.Identify()
	if err != nil {
		return fmt.Errorf("%w: identifying device: %v", framerr.ErrTransport, err)
	}
	if size == 0 {
		size = b.capacityHint
	}
	if size == 0 {
		return framerr.ErrInvalidState
	}
	b.capacity = size
	if b.maxTransfer == 0 || b.maxTransfer > b.capacity {
		b.maxTransfer = b.capacity
	}
	return nil
}

func (b *BusHAL) Capacity() uint32    { return b.capacity }
func (b *BusHAL) MaxTransfer() uint32 { return b.maxTransfer }

func (b *BusHAL) Read(addr uint32, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if !InRange(addr, uint32(len(buf)), b.capacity) {
		return &ErrOutOfRange{Addr: addr, Len: uint32(len(buf)), Capacity: b.capacity}
	}
	if err := b.transport.ReadAt(addr, buf); err != nil {
		return fmt.Errorf("%w: %v", framerr.ErrTransport, err)
	}
	return nil
}

func (b *BusHAL) Write(addr uint32, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if !InRange(addr, uint32(len(buf)), b.capacity) {
		return &ErrOutOfRange{Addr: addr, Len: uint32(len(buf)), Capacity: b.capacity}
	}
	if err := b.transport.WriteAt(addr, buf); err != nil {
		return fmt.Errorf("%w: %v", framerr.ErrTransport, err)
	}
	return nil
}
