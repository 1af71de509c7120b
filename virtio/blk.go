package virtio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/vmcore/govmm/migration"
	"github.com/vmcore/govmm/pci"
)

const (
	BlkIOPortStart = 0x6300
	BlkIOPortSize  = 0x100

	sectorSize = 512
)

// BlkReq is the virtio-blk request header a guest writes at the head of
// a descriptor chain: request type, then the starting sector.
type BlkReq struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

const (
	blkReqTypeIn  = 0 // read
	blkReqTypeOut = 1 // write
)

type Blk struct {
	Hdr blkHdr

	VirtQueue    [1]*VirtQueue
	Mem          []byte
	LastAvailIdx [1]uint16

	kick chan struct{}
	done chan struct{}

	irq         uint8
	IRQInjector IRQInjector

	disk      *os.File
	closeOnce sync.Once
}

type blkHdr struct {
	commonHeader commonHeader
	blkHeader    blkHeader
}

func (h blkHdr) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

type blkHeader struct {
	capacity uint64
}

func (v Blk) GetDeviceHeader() pci.DeviceHeader {
	return pci.DeviceHeader{
		DeviceID:    0x1001,
		VendorID:    0x1AF4,
		HeaderType:  0,
		SubsystemID: 2, // Block Device
		Command:     1, // Enable IO port
		BAR: [6]uint32{
			BlkIOPortStart | 0x1,
		},
		// https://github.com/torvalds/linux/blob/fb3b0673b7d5b477ed104949450cd511337ba3c6/drivers/pci/setup-irq.c#L30-L55
		InterruptPin: 1,
		// https://www.webopedia.com/reference/irqnumbers/
		InterruptLine: v.irq,
	}
}

// Size implements device.IODevice.
func (v Blk) Size() uint64 {
	return BlkIOPortSize
}

// IOPort implements device.IODevice.
func (v Blk) IOPort() uint64 {
	return BlkIOPortStart
}

func (v Blk) GetIORange() (start, end uint64) {
	return BlkIOPortStart, BlkIOPortStart + BlkIOPortSize
}

// IOInHandler adapts Read to pci.Device, so a Blk can sit in a PCI bus's
// device list alongside bridges and other non-IODevice devices.
func (v *Blk) IOInHandler(port uint64, data []byte) error {
	return v.Read(port, data)
}

// IOOutHandler adapts Write to pci.Device.
func (v *Blk) IOOutHandler(port uint64, data []byte) error {
	return v.Write(port, data)
}

// Read implements device.IODevice. Offset 19 (ISR status) is
// read-to-clear: the first read after an interrupt reports it pending,
// the next reports it cleared.
func (v *Blk) Read(port uint64, data []byte) error {
	offset := int(port - BlkIOPortStart)

	if offset == 19 {
		if len(data) > 0 {
			data[0] = v.Hdr.commonHeader.isr
		}

		v.Hdr.commonHeader.isr = 0

		return nil
	}

	b, err := v.Hdr.Bytes()
	if err != nil {
		return err
	}

	l := len(data)
	copy(data[:l], b[offset:offset+l])

	return nil
}

// Write implements device.IODevice. It never blocks: offset 16 (kick)
// signals IOThreadEntry through a single-slot, non-blocking channel, so a
// vCPU thread issuing back-to-back kicks is never stalled waiting for the
// IO thread to drain the previous one.
func (v *Blk) Write(port uint64, data []byte) error {
	offset := int(port - BlkIOPortStart)

	switch offset {
	case 8:
		// Queue PFN is aligned to page (4096 bytes).
		physAddr := uint32(pci.BytesToNum(data) * 4096)
		v.VirtQueue[v.Hdr.commonHeader.queueSEL] = (*VirtQueue)(unsafe.Pointer(&v.Mem[physAddr]))
	case 14:
		v.Hdr.commonHeader.queueSEL = uint16(pci.BytesToNum(data))
	case 16:
		select {
		case v.kick <- struct{}{}:
		default:
		}
	case 19:
	default:
	}

	return nil
}

func (v *Blk) IOThreadEntry() {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-v.done:
			return
		case <-v.kick:
			for v.IO() == nil {
			}
		case <-ticker.C:
			// The guest may be slow to notice the first InjectVirtioBlkIRQ
			// (interrupts can be coalesced or masked); keep nudging while
			// ISR is still set so a completed request is never missed.
			if v.Hdr.commonHeader.isr != 0 && v.IRQInjector != nil {
				_ = v.IRQInjector.InjectVirtioBlkIRQ()
			}
		}
	}
}

// IO services one request at the head of the avail ring: a request header
// descriptor, one or more data descriptors, and a trailing one-byte
// status descriptor.
func (v *Blk) IO() error {
	sel := 0

	if v.VirtQueue[sel] == nil {
		return fmt.Errorf("virtqueue not initialized")
	}

	availRing := &v.VirtQueue[sel].AvailRing
	usedRing := &v.VirtQueue[sel].UsedRing

	if v.LastAvailIdx[sel] == availRing.Idx {
		return fmt.Errorf("no request for blk")
	}

	headID := availRing.Ring[v.LastAvailIdx[sel]%QueueSize]

	hdrDesc := v.VirtQueue[sel].DescTable[headID]

	var req BlkReq
	if hdrDesc.Len >= uint32(unsafe.Sizeof(req)) {
		req = *(*BlkReq)(unsafe.Pointer(&v.Mem[hdrDesc.Addr]))
	}

	descID := hdrDesc.Next

	var statusDescID uint16

	var total uint32

	for {
		desc := v.VirtQueue[sel].DescTable[descID]

		if desc.Len == 1 {
			statusDescID = descID

			break
		}

		data := v.Mem[desc.Addr : desc.Addr+uint64(desc.Len)]
		off := int64(req.Sector)*sectorSize + int64(total)

		switch req.Type {
		case blkReqTypeIn:
			_, _ = v.disk.ReadAt(data, off)
		case blkReqTypeOut:
			_, _ = v.disk.WriteAt(data, off)
		}

		total += desc.Len

		if desc.Flags&0x1 == 0 {
			break
		}

		descID = desc.Next
	}

	v.Mem[v.VirtQueue[sel].DescTable[statusDescID].Addr] = 0 // VIRTIO_BLK_S_OK

	usedRing.Ring[usedRing.Idx%QueueSize].Idx = uint32(headID)
	usedRing.Ring[usedRing.Idx%QueueSize].Len = total
	usedRing.Idx++
	v.LastAvailIdx[sel]++

	v.Hdr.commonHeader.isr = 0x1

	if v.IRQInjector != nil {
		return v.IRQInjector.InjectVirtioBlkIRQ()
	}

	return nil
}

// Close stops IOThreadEntry and releases the backing disk file.
func (v *Blk) Close() error {
	v.closeOnce.Do(func() { close(v.done) })

	return v.disk.Close()
}

// GetState captures this device's migration snapshot (C5 BusDevice
// payload). The virtqueue's guest physical address is recorded as its
// offset within Mem, since the pointer itself aliases guest RAM.
func (v *Blk) GetState() *migration.BlkState {
	hdrBytes, _ := v.Hdr.Bytes()

	s := &migration.BlkState{
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

// SetState restores a previously captured snapshot, re-resolving the
// virtqueue pointer against mem (the newly restored guest RAM).
func (v *Blk) SetState(s *migration.BlkState, mem []byte) {
	// encoding/binary cannot set unexported fields, so the header is
	// decoded by offset from the layout Hdr.Bytes writes.
	if len(s.HdrBytes) >= 28 {
		v.Hdr.commonHeader.queueNUM = binary.LittleEndian.Uint16(s.HdrBytes[12:14])
		v.Hdr.commonHeader.queueSEL = binary.LittleEndian.Uint16(s.HdrBytes[14:16])
		v.Hdr.commonHeader.isr = s.HdrBytes[19]
		v.Hdr.blkHeader.capacity = binary.LittleEndian.Uint64(s.HdrBytes[20:28])
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

func NewBlk(diskPath string, irq uint8, irqInjector IRQInjector, mem []byte) (*Blk, error) {
	f, err := os.OpenFile(diskPath, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	var capacity uint64

	if fi, err := f.Stat(); err == nil {
		capacity = uint64(fi.Size()) / sectorSize
	}

	res := &Blk{
		Hdr: blkHdr{
			commonHeader: commonHeader{
				queueNUM: QueueSize,
				isr:      0x0,
			},
			blkHeader: blkHeader{
				capacity: capacity,
			},
		},
		irq:          irq,
		IRQInjector:  irqInjector,
		kick:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		Mem:          mem,
		VirtQueue:    [1]*VirtQueue{},
		LastAvailIdx: [1]uint16{0},
		disk:         f,
	}

	return res, nil
}
