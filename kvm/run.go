package kvm

// RunData is the kvm_run structure shared between kernel and userspace
// through the per-vCPU KVM_RUN mmap region. Only the fields the core
// needs to inspect are named; everything else is padding.
type RunData struct {
	RequestInterruptWindow uint8
	// ImmediateExit is checked by the kernel on every KVM_RUN entry: a
	// nonzero value makes the ioctl return at once, with ExitReason set
	// to EXITINTR, instead of entering guest mode. It is the field a
	// recall writes before waking a vCPU thread that is parked inside
	// KVM_RUN, so the retried ioctl (see kvm/ioctl.go's EINTR loop)
	// exits the guest rather than re-running it.
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the PIO exit fields out of Data when ExitReason is
// EXITIO: direction (EXITIOIN/EXITIOOUT), operand size in bytes, port
// number, repeat count, and the byte offset of the operand data within
// this RunData.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}
