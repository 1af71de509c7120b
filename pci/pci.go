package pci

// Configuration Space Access Mechanism #1
//
// refs
// https://wiki.osdev.org/PCI
// http://www2.comp.ufscar.br/~helio/boot-int/pci.html

import (
	"bytes"
	"encoding/binary"
)

// Device is a PCI function attached to the bus. IOInHandler/IOOutHandler
// handle accesses to the device's own BAR-mapped I/O range; the bus's own
// config space (CONFIG_ADDRESS/CONFIG_DATA) is handled by PCI below.
type Device interface {
	GetDeviceHeader() DeviceHeader
	IOInHandler(port uint64, data []byte) error
	IOOutHandler(port uint64, data []byte) error
	GetIORange() (start, end uint64)
}

// DeviceHeader mirrors the type 0 PCI configuration header layout.
type DeviceHeader struct {
	VendorID      uint16
	DeviceID      uint16
	Command       uint16
	Status        uint16
	RevisionID    uint8
	ClassCode     [3]uint8
	CacheLineSize uint8
	LatencyTimer  uint8
	HeaderType    uint8
	BIST          uint8

	BAR [6]uint32

	CardbusCISPointer uint32

	SubsystemVendorID uint16
	SubsystemID       uint16

	ExpansionROMBaseAddress uint32

	CapabilitiesPointer uint8
	_                   [7]uint8

	InterruptLine uint8
	InterruptPin  uint8
	MinGnt        uint8
	MaxLat        uint8
}

// barOffset is the byte offset of BAR0 within the header; BAR1..BAR5
// follow at 4-byte strides.
const barOffset = 0x10

func (h DeviceHeader) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

type address uint32

func (a address) getRegisterOffset() uint32 {
	return uint32(a) & 0xfc
}

func (a address) getFunctionNumber() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a address) getDeviceNumber() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a address) getBusNumber() uint32 {
	return (uint32(a) >> 16) & 0xff
}

func (a address) isEnable() bool {
	return (uint32(a) >> 31) == 0x1
}

// PCI multiplexes config-space accesses, via CONFIG_ADDRESS/CONFIG_DATA,
// across the devices attached to the bus.
type PCI struct {
	Devices []Device

	addr address

	// barProbe[d][b] is set once software writes all-ones to device d's
	// BAR b, and cleared on any other write to that BAR. The next read
	// of the BAR then reports its size mask rather than its address, per
	// the standard PCI BAR sizing protocol.
	barProbe map[uint32][6]bool
}

// New returns a PCI bus with the given devices attached, in bus order.
func New(devices ...Device) *PCI {
	return &PCI{
		Devices:  devices,
		addr:     0xaabbccdd,
		barProbe: map[uint32][6]bool{},
	}
}

func (p *PCI) device() (Device, bool) {
	n := p.addr.getDeviceNumber()
	if int(n) >= len(p.Devices) {
		return nil, false
	}

	return p.Devices[n], true
}

func (p *PCI) PciConfAddrIn(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	copy(values, NumToBytes(uint32(p.addr)))

	return nil
}

func (p *PCI) PciConfAddrOut(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	p.addr = address(BytesToNum(values))

	return nil
}

func (p *PCI) PciConfDataIn(port uint64, values []byte) error {
	dev, ok := p.device()
	if !ok {
		return nil
	}

	reg := p.addr.getRegisterOffset()
	devNum := p.addr.getDeviceNumber()

	if reg >= barOffset && reg < barOffset+4*6 {
		bar := (reg - barOffset) / 4
		if p.barProbe[devNum][bar] {
			start, end := dev.GetIORange()
			copy(values, NumToBytes(SizeToBits(end-start)))

			return nil
		}
	}

	b, err := dev.GetDeviceHeader().Bytes()
	if err != nil {
		return err
	}

	if int(reg) >= len(b) {
		return nil
	}

	copy(values, b[reg:])

	return nil
}

func (p *PCI) PciConfDataOut(port uint64, values []byte) error {
	if _, ok := p.device(); !ok {
		return nil
	}

	reg := p.addr.getRegisterOffset()
	devNum := p.addr.getDeviceNumber()

	if reg >= barOffset && reg < barOffset+4*6 {
		bar := (reg - barOffset) / 4
		probes := p.barProbe[devNum]
		probes[bar] = uint32(BytesToNum(values)) == 0xffffffff
		p.barProbe[devNum] = probes
	}

	return nil
}

// SizeToBits turns a BAR region size into the size mask a guest reads back
// while probing that BAR: the low bits of ^(size-1).
func SizeToBits(size uint64) uint32 {
	if size == 0 {
		return 0
	}

	return ^uint32(size - 1)
}

// BytesToNum decodes b as a little-endian unsigned integer.
func BytesToNum(b []byte) uint64 {
	var n uint64

	for i, v := range b {
		n |= uint64(v) << (8 * i)
	}

	return n
}

// NumToBytes encodes v as little-endian bytes. v must be one of the fixed
// width unsigned integer types; anything else yields an empty slice.
func NumToBytes(v any) []byte {
	buf := new(bytes.Buffer)

	switch n := v.(type) {
	case uint8:
		_ = binary.Write(buf, binary.LittleEndian, n)
	case uint16:
		_ = binary.Write(buf, binary.LittleEndian, n)
	case uint32:
		_ = binary.Write(buf, binary.LittleEndian, n)
	case uint64:
		_ = binary.Write(buf, binary.LittleEndian, n)
	default:
		return []byte{}
	}

	return buf.Bytes()
}
