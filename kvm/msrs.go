package kvm

import (
	"encoding/binary"
	"unsafe"
)

// MSREntry is one model-specific register index/value pair, as used by
// KVM_GET_MSRS and KVM_SET_MSRS.
type MSREntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

// MSRS is a vCPU's MSR list, mirroring struct kvm_msrs. Unlike CPUID,
// which this package holds in a fixed 100-entry array, the MSR array here is
// genuinely variable-length, so Get/SetMSRs flatten it into a single
// contiguous buffer before issuing the ioctl.
type MSRS struct {
	NMSRs   uint32
	Entries []MSREntry
}

const msrsHeaderSize = 8

func marshalMSRS(msrs *MSRS) []byte {
	entrySize := int(unsafe.Sizeof(MSREntry{}))
	buf := make([]byte, msrsHeaderSize+entrySize*len(msrs.Entries))

	binary.LittleEndian.PutUint32(buf[0:4], msrs.NMSRs)

	for i, e := range msrs.Entries {
		off := msrsHeaderSize + i*entrySize
		binary.LittleEndian.PutUint32(buf[off:off+4], e.Index)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], e.Reserved)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], e.Data)
	}

	return buf
}

func unmarshalMSRS(buf []byte, msrs *MSRS) {
	entrySize := int(unsafe.Sizeof(MSREntry{}))

	for i := range msrs.Entries {
		off := msrsHeaderSize + i*entrySize
		msrs.Entries[i].Index = binary.LittleEndian.Uint32(buf[off : off+4])
		msrs.Entries[i].Data = binary.LittleEndian.Uint64(buf[off+8 : off+16])
	}
}

// GetMSRs reads the MSRs named by msrs.Entries[i].Index, filling in Data.
func GetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	buf := marshalMSRS(msrs)

	if _, err := Ioctl(vcpuFd, IIOWR(kvmGetMSRs, uintptr(msrsHeaderSize)), uintptr(unsafe.Pointer(&buf[0]))); err != nil {
		return err
	}

	unmarshalMSRS(buf, msrs)

	return nil
}

// SetMSRs writes msrs.Entries into the vCPU.
func SetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	buf := marshalMSRS(msrs)

	_, err := Ioctl(vcpuFd, IIOW(kvmSetMSRs, uintptr(msrsHeaderSize)), uintptr(unsafe.Pointer(&buf[0])))

	return err
}
