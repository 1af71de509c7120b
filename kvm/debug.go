package kvm

import "unsafe"

// kvm_guest_debug control flags (include/uapi/linux/kvm.h).
const (
	guestDebugEnable     = 1
	guestDebugSingleStep = 1 << 1
)

type guestDebugArch struct {
	DebugReg [8]uint64
}

type guestDebug struct {
	Control  uint32
	_        uint32
	Arch     guestDebugArch
}

// SingleStep toggles KVM_GUESTDBG_SINGLESTEP on a vCPU: with onoff
// true, the next KVM_RUN stops after a single instruction with
// ErrDebug, instead of running until the next natural vmexit.
func SingleStep(vcpuFd uintptr, onoff bool) error {
	dbg := &guestDebug{}

	if onoff {
		dbg.Control = guestDebugEnable | guestDebugSingleStep
	}

	_, err := Ioctl(vcpuFd, IIOW(kvmSetGuestDebug, unsafe.Sizeof(guestDebug{})), uintptr(unsafe.Pointer(dbg)))

	return err
}
