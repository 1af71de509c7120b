package kvm

import "unsafe"

// LAPICState mirrors struct kvm_lapic_state: the raw local APIC register
// page as the guest sees it (KVM_APIC_REG_SIZE bytes).
type LAPICState struct {
	Regs [0x400]byte
}

// GetLocalAPIC reads a vCPU's local APIC state.
func GetLocalAPIC(vcpuFd uintptr, s *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetLAPIC, unsafe.Sizeof(LAPICState{})), uintptr(unsafe.Pointer(s)))

	return err
}

// SetLocalAPIC restores a vCPU's local APIC state.
func SetLocalAPIC(vcpuFd uintptr, s *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetLAPIC, unsafe.Sizeof(LAPICState{})), uintptr(unsafe.Pointer(s)))

	return err
}

// VCPUEvents mirrors struct kvm_vcpu_events: pending exceptions,
// interrupts and NMIs that have not yet been delivered to the guest.
type VCPUEvents struct {
	Exception struct {
		Injected     uint8
		Nr           uint8
		HasErrorCode uint8
		Pending      uint8
		ErrorCode    uint32
	}
	Interrupt struct {
		Injected     uint8
		Nr           uint8
		SoftInjected uint8
		_            uint8
	}
	NMI struct {
		Injected   uint8
		Pending    uint8
		MaskedFlag uint8
		_          uint8
	}
	SIPIVector uint32
	Flags      uint32
	SMI        struct {
		SMM          uint8
		Pending      uint8
		SMMInsideNMI uint8
		Latched      uint8
	}
	_ [36]uint8
}

// GetVCPUEvents reads a vCPU's pending exception/interrupt/NMI state.
func GetVCPUEvents(vcpuFd uintptr, e *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetVCPUEvents, unsafe.Sizeof(VCPUEvents{})), uintptr(unsafe.Pointer(e)))

	return err
}

// SetVCPUEvents restores a vCPU's pending exception/interrupt/NMI state.
func SetVCPUEvents(vcpuFd uintptr, e *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetVCPUEvents, unsafe.Sizeof(VCPUEvents{})), uintptr(unsafe.Pointer(e)))

	return err
}

// MPState mirrors struct kvm_mp_state: whether a vCPU is running, halted,
// or waiting for a SIPI.
type MPState struct {
	State uint32
}

// GetMPState reads a vCPU's multiprocessing state.
func GetMPState(vcpuFd uintptr, s *MPState) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetMPState, unsafe.Sizeof(MPState{})), uintptr(unsafe.Pointer(s)))

	return err
}

// SetMPState restores a vCPU's multiprocessing state.
func SetMPState(vcpuFd uintptr, s *MPState) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetMPState, unsafe.Sizeof(MPState{})), uintptr(unsafe.Pointer(s)))

	return err
}

// XCRS mirrors struct kvm_xcrs: the extended control registers (XCR0 and
// friends) that hold which AVX/SSE state components are enabled.
type XCRS struct {
	NumXCRS uint32
	Flags   uint32
	Values  [16]struct {
		XCR   uint32
		_     uint32
		Value uint64
	}
	_ [16]uint64
}

// GetXCRS reads a vCPU's extended control registers.
func GetXCRS(vcpuFd uintptr, x *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetXCRS, unsafe.Sizeof(XCRS{})), uintptr(unsafe.Pointer(x)))

	return err
}

// SetXCRS restores a vCPU's extended control registers.
func SetXCRS(vcpuFd uintptr, x *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetXCRS, unsafe.Sizeof(XCRS{})), uintptr(unsafe.Pointer(x)))

	return err
}

// ClockData mirrors struct kvm_clock_data: the guest's kvmclock value.
// Must be saved and restored across migration so the guest's notion of
// time stays monotonic.
type ClockData struct {
	Clock    uint64
	Flags    uint32
	Reserved [9]uint32
}

// GetClock reads the VM's kvmclock.
func GetClock(vmFd uintptr, c *ClockData) error {
	_, err := Ioctl(vmFd, IIOR(kvmGetClock, unsafe.Sizeof(ClockData{})), uintptr(unsafe.Pointer(c)))

	return err
}

// SetClock restores the VM's kvmclock.
func SetClock(vmFd uintptr, c *ClockData) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetClock, unsafe.Sizeof(ClockData{})), uintptr(unsafe.Pointer(c)))

	return err
}

// GetTSCKHz reads a vCPU's effective TSC frequency in kHz. Unlike most
// KVM ioctls this one has no argument struct: the frequency comes back
// as the ioctl's own return value.
func GetTSCKHz(vcpuFd uintptr) (uint64, error) {
	khz, err := Ioctl(vcpuFd, IIO(kvmGetTSCKHz), 0)

	return uint64(khz), err
}

// SetTSCKHz sets a vCPU's TSC frequency in kHz. The value is passed
// directly as the ioctl argument rather than through a pointer.
func SetTSCKHz(vcpuFd uintptr, khz uint64) error {
	_, err := Ioctl(vcpuFd, IIO(kvmSetTSCKHz), uintptr(khz))

	return err
}

// IRQChip mirrors struct kvm_irqchip: the state of one emulated interrupt
// controller, selected by ChipID (0 = master PIC, 1 = slave PIC,
// 2 = IOAPIC).
type IRQChip struct {
	ChipID uint32
	_      uint32
	Chip   [512]byte
}

// GetIRQChip reads the state of one emulated interrupt controller.
func GetIRQChip(vmFd uintptr, c *IRQChip) error {
	_, err := Ioctl(vmFd, IIOWR(kvmGetIRQChip, unsafe.Sizeof(IRQChip{})), uintptr(unsafe.Pointer(c)))

	return err
}

// SetIRQChip restores the state of one emulated interrupt controller.
func SetIRQChip(vmFd uintptr, c *IRQChip) error {
	_, err := Ioctl(vmFd, IIOR(kvmSetIRQChip, unsafe.Sizeof(IRQChip{})), uintptr(unsafe.Pointer(c)))

	return err
}

// PITState2 mirrors struct kvm_pit_state2: the programmable interval
// timer's three channels plus its flags.
type PITState2 struct {
	Channels [3]struct {
		Count         uint32
		LatchedCount  uint16
		CountLatched  uint8
		StatusLatched uint8
		Status        uint8
		ReadState     uint8
		WriteState    uint8
		WriteLatch    uint8
		RWMode        uint8
		Mode          uint8
		BCD           uint8
		Gate          uint8
		CountLoadTime uint64
	}
	Flags    uint32
	Reserved [9]uint32
}

// GetPIT2 reads the VM's PIT state.
func GetPIT2(vmFd uintptr, p *PITState2) error {
	_, err := Ioctl(vmFd, IIOR(kvmGetPIT2, unsafe.Sizeof(PITState2{})), uintptr(unsafe.Pointer(p)))

	return err
}

// SetPIT2 restores the VM's PIT state.
func SetPIT2(vmFd uintptr, p *PITState2) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetPIT2, unsafe.Sizeof(PITState2{})), uintptr(unsafe.Pointer(p)))

	return err
}

// DirtyLog mirrors struct kvm_dirty_log: the dirty-page bitmap for one
// memory slot. BitMap holds the address of a caller-allocated buffer
// large enough for one bit per page in the slot.
type DirtyLog struct {
	Slot   uint32
	_      uint32
	BitMap uint64
}

// GetDirtyLog fetches and atomically clears the dirty bitmap for a slot.
func GetDirtyLog(vmFd uintptr, d *DirtyLog) error {
	_, err := Ioctl(vmFd, IIOW(kvmGetDirtyLog, unsafe.Sizeof(DirtyLog{})), uintptr(unsafe.Pointer(d)))

	return err
}
