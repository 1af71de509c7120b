package virtio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"unsafe"

	"github.com/vmcore/govmm/migration"
	"github.com/vmcore/govmm/pci"
)

const (
	IOPortStart = 0x6200
	IOPortSize  = 0x100

	// The number of free descriptors in virt queue must exceed
	// MAX_SKB_FRAGS (16). Otherwise, packet transmission from
	// the guest to the host will be stopped.
	//
	// refs https://github.com/torvalds/linux/blob/5859a2b/drivers/net/virtio_net.c#L1754
	QueueSize = 32

	interruptLine = 9
)

type Hdr struct {
	commonHeader commonHeader
	_            netHeader
}

type Net struct {
	Hdr Hdr

	VirtQueue    [2]*VirtQueue
	Mem          []byte
	LastAvailIdx [2]uint16

	tap io.ReadWriter

	rxKick chan os.Signal
	txKick chan interface{}

	// irqCallback is called when virtio requests an IRQ. Nil until
	// AttachTap wires the device into a running machine.
	irqCallback func(irq, level uint32)
}

func (h Hdr) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

type commonHeader struct {
	_        uint32 // hostFeatures
	_        uint32 // guestFeatures
	_        uint32 // queuePFN
	queueNUM uint16
	queueSEL uint16
	_        uint16 // queueNotify
	_        uint8  // status
	isr      uint8
}

type netHeader struct {
	_ [6]uint8 // mac
	_ uint16   // netStatus
	_ uint16   // maxVirtQueuePairs
}

// AttachTap wires a tap device and IRQ callback into a Net created via
// NewNet. Rx/Tx are inert until this is called.
func (v *Net) AttachTap(tap io.ReadWriter, irqCallback func(irq, level uint32)) {
	v.tap = tap
	v.irqCallback = irqCallback

	if f, ok := tap.(interface{ Fd() uintptr }); ok {
		_ = f // tap implementations register their own SIGIO delivery.
	}

	signal.Notify(v.rxKick, syscall.SIGIO)
}

func (v *Net) InjectIRQ() {
	v.Hdr.commonHeader.isr = 0x1

	if v.irqCallback != nil {
		v.irqCallback(interruptLine, 0)
		v.irqCallback(interruptLine, 1)
	}
}

func (v Net) GetDeviceHeader() pci.DeviceHeader {
	return pci.DeviceHeader{
		DeviceID:    0x1000,
		VendorID:    0x1AF4,
		HeaderType:  0,
		SubsystemID: 1, // Network Card
		Command:     1, // Enable IO port
		BAR: [6]uint32{
			IOPortStart | 0x1,
		},
		// https://github.com/torvalds/linux/blob/fb3b0673b7d5b477ed104949450cd511337ba3c6/drivers/pci/setup-irq.c#L30-L55
		InterruptPin: 1,
		// https://www.webopedia.com/reference/irqnumbers/
		InterruptLine: interruptLine,
	}
}

func (v Net) IOInHandler(port uint64, bytes []byte) error {
	offset := int(port - IOPortStart)

	b, err := v.Hdr.Bytes()
	if err != nil {
		return err
	}

	l := len(bytes)
	copy(bytes[:l], b[offset:offset+l])

	return nil
}

func (v *Net) Rx() error {
	if v.tap == nil {
		return fmt.Errorf("tap not attached")
	}

	packet := make([]byte, 4096)

	n, err := v.tap.Read(packet)
	if err != nil {
		return fmt.Errorf("packet not found in tap\r\n")
	}
	packet = packet[:n]

	sel := 0

	if v.VirtQueue[sel] == nil {
		return fmt.Errorf("vq not initialized for rx\r\n")
	}

	availRing := &v.VirtQueue[sel].AvailRing
	usedRing := &v.VirtQueue[sel].UsedRing

	if v.LastAvailIdx[sel] == availRing.Idx {
		return fmt.Errorf("no buffer found for rx\r\n")
	}

	// Prepend struct virtio_net_hdr.
	packet = append(make([]byte, 10), packet...)

	const none = uint16(256)
	headDescID := none
	prevDescID := none

	for len(packet) > 0 { // for chain
		descID := availRing.Ring[v.LastAvailIdx[sel]%QueueSize]

		if headDescID == none {
			headDescID = descID

			// This structure is holding both the index of the descriptor chain and
			// the number of bytes that were written to memory for this request.
			usedRing.Ring[usedRing.Idx%QueueSize].Idx = uint32(headDescID)
			usedRing.Ring[usedRing.Idx%QueueSize].Len = 0
		}

		desc := &v.VirtQueue[sel].DescTable[descID]
		l := uint32(len(packet))
		if l > desc.Len {
			l = desc.Len
		}

		copy(v.Mem[desc.Addr:desc.Addr+uint64(l)], packet[:l])
		packet = packet[l:]
		desc.Len = l

		usedRing.Ring[usedRing.Idx%QueueSize].Len += l

		if prevDescID != none {
			v.VirtQueue[sel].DescTable[prevDescID].Flags |= 0x1
			v.VirtQueue[sel].DescTable[prevDescID].Next = descID
		}

		prevDescID = descID
		v.LastAvailIdx[sel]++
	}

	usedRing.Idx++
	v.InjectIRQ()

	return nil
}

func (v *Net) RxThreadEntry() {
	for range v.rxKick {
		for v.Rx() == nil {
		}
	}
}

func (v *Net) TxThreadEntry() {
	for range v.txKick {
		for v.Tx() == nil {
		}
	}
}

func (v *Net) Tx() error {
	if v.tap == nil {
		return fmt.Errorf("tap not attached")
	}

	sel := v.Hdr.commonHeader.queueSEL
	if sel == 0 {
		return fmt.Errorf("queue sel is invalid")
	}

	availRing := &v.VirtQueue[sel].AvailRing
	usedRing := &v.VirtQueue[sel].UsedRing

	if v.LastAvailIdx[sel] == availRing.Idx {
		return fmt.Errorf("no packet for tx")
	}

	for v.LastAvailIdx[sel] != availRing.Idx {
		buf := []byte{}
		descID := availRing.Ring[v.LastAvailIdx[sel]%QueueSize]

		usedRing.Ring[usedRing.Idx%QueueSize].Idx = uint32(descID)
		usedRing.Ring[usedRing.Idx%QueueSize].Len = 0

		for {
			desc := v.VirtQueue[sel].DescTable[descID]

			b := make([]byte, desc.Len)
			copy(b, v.Mem[desc.Addr:desc.Addr+uint64(desc.Len)])
			buf = append(buf, b...)

			usedRing.Ring[usedRing.Idx%QueueSize].Len += desc.Len

			if desc.Flags&0x1 != 0 {
				descID = desc.Next
			} else {
				break
			}
		}

		// Skip struct virtio_net_hdr.
		// refs https://github.com/torvalds/linux/blob/38f80f42/include/uapi/linux/virtio_net.h#L178-L191
		buf = buf[10:]

		if _, err := v.tap.Write(buf); err != nil {
			return err
		}

		usedRing.Idx++
		v.LastAvailIdx[sel]++
	}

	v.InjectIRQ()

	return nil
}

func (v *Net) IOOutHandler(port uint64, bytes []byte) error {
	offset := int(port - IOPortStart)

	switch offset {
	case 8:
		// Queue PFN is aligned to page (4096 bytes).
		physAddr := uint32(pci.BytesToNum(bytes) * 4096)
		v.VirtQueue[v.Hdr.commonHeader.queueSEL] = (*VirtQueue)(unsafe.Pointer(&v.Mem[physAddr]))
	case 14:
		v.Hdr.commonHeader.queueSEL = uint16(pci.BytesToNum(bytes))
	case 16:
		v.Hdr.commonHeader.isr = 0x0

		select {
		case v.txKick <- true:
		default:
		}
	case 19:
	default:
	}

	return nil
}

func (v Net) GetIORange() (start, end uint64) {
	return IOPortStart, IOPortStart + IOPortSize
}

// Size implements device.IODevice.
func (v Net) Size() uint64 {
	return IOPortSize
}

// IOPort implements device.IODevice.
func (v Net) IOPort() uint64 {
	return IOPortStart
}

// Read adapts IOInHandler to device.IODevice.
func (v *Net) Read(port uint64, data []byte) error {
	return v.IOInHandler(port, data)
}

// Write adapts IOOutHandler to device.IODevice.
func (v *Net) Write(port uint64, data []byte) error {
	return v.IOOutHandler(port, data)
}

// GetState captures this device's migration snapshot (C5 BusDevice
// payload). VirtQueue guest physical addresses are recorded as the
// offset of each queue pointer within Mem, since the pointers
// themselves alias guest RAM and are invalid once Mem is replaced.
func (v *Net) GetState() *migration.NetState {
	hdrBytes, _ := v.Hdr.Bytes()

	s := &migration.NetState{
		HdrBytes:     hdrBytes,
		LastAvailIdx: v.LastAvailIdx,
	}

	for i, vq := range v.VirtQueue {
		if vq == nil || len(v.Mem) == 0 {
			continue
		}

		s.QueuePhysAddr[i] = uint64(uintptr(unsafe.Pointer(vq)) - uintptr(unsafe.Pointer(&v.Mem[0])))
	}

	return s
}

// SetState restores a previously captured snapshot, re-resolving each
// virtqueue pointer against mem (the newly restored guest RAM).
func (v *Net) SetState(s *migration.NetState, mem []byte) {
	// encoding/binary cannot set unexported fields, so the header is
	// decoded by offset from the layout Hdr.Bytes writes.
	if len(s.HdrBytes) >= 20 {
		v.Hdr.commonHeader.queueNUM = binary.LittleEndian.Uint16(s.HdrBytes[12:14])
		v.Hdr.commonHeader.queueSEL = binary.LittleEndian.Uint16(s.HdrBytes[14:16])
		v.Hdr.commonHeader.isr = s.HdrBytes[19]
	}

	v.Mem = mem
	v.LastAvailIdx = s.LastAvailIdx

	for i, addr := range s.QueuePhysAddr {
		if addr == 0 {
			v.VirtQueue[i] = nil

			continue
		}

		v.VirtQueue[i] = (*VirtQueue)(unsafe.Pointer(&mem[addr]))
	}
}

func NewNet(mem []byte) pci.Device {
	res := &Net{
		Hdr: Hdr{
			commonHeader: commonHeader{
				queueNUM: QueueSize,
				isr:      0x0,
			},
		},
		rxKick:       make(chan os.Signal, 1),
		txKick:       make(chan interface{}, 1),
		Mem:          mem,
		VirtQueue:    [2]*VirtQueue{},
		LastAvailIdx: [2]uint16{0, 0},
	}

	return res
}

// refs: https://wiki.osdev.org/Virtio#Virtual_Queue_Descriptor
type VirtQueue struct {
	DescTable [QueueSize]struct {
		Addr  uint64
		Len   uint32
		Flags uint16
		Next  uint16
	}

	AvailRing struct {
		Flags     uint16
		Idx       uint16
		Ring      [QueueSize]uint16
		UsedEvent uint16
	}

	// padding for 4096 byte alignment
	_ [4096 - ((16*QueueSize + 6 + 2*QueueSize) % 4096)]uint8

	UsedRing struct {
		Flags uint16
		Idx   uint16
		Ring  [QueueSize]struct {
			Idx uint32
			Len uint32
		}
		availEvent uint16
	}
}
