package machine

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"reflect"
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	"github.com/vmcore/govmm/bootproto"
	"github.com/vmcore/govmm/device"
	"github.com/vmcore/govmm/iodev"
	"github.com/vmcore/govmm/kvm"
	"github.com/vmcore/govmm/memory"
	"github.com/vmcore/govmm/migration"
	"github.com/vmcore/govmm/pci"
	"github.com/vmcore/govmm/serial"
	"github.com/vmcore/govmm/tap"
	"github.com/vmcore/govmm/virtio"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"
)

// recallSignal interrupts a vCPU thread that is parked inside the
// KVM_RUN ioctl. It carries no payload; its only purpose is to make
// the blocking syscall return EINTR so kvm/ioctl.go's retry loop
// re-issues KVM_RUN, which by then observes ImmediateExit and returns
// at once instead of resuming the guest.
const recallSignal = syscall.SIGUSR1

var ErrZeroSizeKernel = errors.New("kernel is 0 bytes")

// ErrWriteToCF9 indicates a write to cf9, the standard x86 reset port.
var ErrWriteToCF9 = fmt.Errorf("power cycle via 0xcf9")

// ErrBadVA indicates a bad virtual address was used.
var ErrBadVA = fmt.Errorf("bad virtual address")

// ErrBadCPU indicates a cpu number is invalid.
var ErrBadCPU = fmt.Errorf("bad cpu number")

// ErrUnsupported indicates something we do not yet do.
var ErrUnsupported = fmt.Errorf("unsupported")

// ErrMemTooSmall indicates the requested memory size is too small.
var ErrMemTooSmall = fmt.Errorf("mem request must be at least 1<<25")

// Machine owns one guest: its vCPUs, its RAM, and the devices attached
// to its PCI and I/O-port buses. It also drives the freeze/thaw
// coordinator (C6) that the migration driver uses during stop-and-copy.
type Machine struct {
	kvmFd, vmFd uintptr
	vcpuFds     []uintptr
	memMgr      *memory.Memory
	mem         []byte
	runs        []*kvm.RunData
	pci         *pci.PCI
	iodevs      []device.IODevice
	serial      *serial.Serial

	ioportHandlers [0x10000][2]func(port uint64, bytes []byte) error

	freeze         *migration.FreezeCoordinator
	frozenStates   []*migration.VCPUState
	frozenStatesMu sync.Mutex

	vcpuTids   []int32
	vcpuTidsMu sync.Mutex
	recallSig  chan os.Signal

	netDev *virtio.Net
	blkDev *virtio.Blk
}

// New creates a new KVM-backed machine: it opens the kvm device,
// creates the VM, creates nCpus vCPUs, and attaches memSize bytes of
// guest RAM. Tap and disk devices are attached afterward via AddTapIf
// and AddDisk, so the same constructor serves both a freshly booting
// guest and a receiver waiting to be populated by an inbound
// migration.
func New(kvmPath string, nCpus int, memSize int) (*Machine, error) {
	if memSize < MinMemSize {
		return nil, fmt.Errorf("memory size %d:%w", memSize, ErrMemTooSmall)
	}

	m := &Machine{}

	devKVM, err := syscall.Open(kvmPath, syscall.O_RDWR, 0o644)
	if err != nil {
		return m, fmt.Errorf("open %s: %w", kvmPath, err)
	}

	m.kvmFd = uintptr(devKVM)
	m.vcpuFds = make([]uintptr, nCpus)
	m.runs = make([]*kvm.RunData, nCpus)
	m.freeze = migration.NewFreezeCoordinator(nCpus)
	m.frozenStates = make([]*migration.VCPUState, nCpus)
	m.vcpuTids = make([]int32, nCpus)

	// Catching recallSignal gives it a real handler, which is what
	// makes it interrupt a thread blocked in KVM_RUN with EINTR; a
	// signal left at its default disposition would just kill the
	// process (mirrors virtio/net.go's SIGIO handling for rxKick).
	m.recallSig = make(chan os.Signal, 1)
	signal.Notify(m.recallSig, recallSignal)

	if m.vmFd, err = kvm.CreateVM(m.kvmFd); err != nil {
		return m, fmt.Errorf("CreateVM: %w", err)
	}

	if err := kvm.SetTSSAddr(m.vmFd, 0xffffd000); err != nil {
		return m, err
	}

	if err := kvm.SetIdentityMapAddr(m.vmFd, 0xffffc000); err != nil {
		return m, err
	}

	if err := kvm.CreateIRQChip(m.vmFd); err != nil {
		return m, err
	}

	if err := kvm.CreatePIT2(m.vmFd); err != nil {
		return m, err
	}

	mmapSize, err := kvm.GetVCPUMMapSize(m.kvmFd)
	if err != nil {
		return m, err
	}

	for cpu := 0; cpu < nCpus; cpu++ {
		m.vcpuFds[cpu], err = kvm.CreateVCPU(m.vmFd, cpu)
		if err != nil {
			return m, err
		}

		if err := m.initCPUID(cpu); err != nil {
			return m, err
		}

		r, err := syscall.Mmap(int(m.vcpuFds[cpu]), 0, int(mmapSize),
			syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
		if err != nil {
			return m, err
		}

		m.runs[cpu] = (*kvm.RunData)(unsafe.Pointer(&r[0]))
	}

	memMgr, err := memory.New(m.kvmFd, memSize)
	if err != nil {
		return m, fmt.Errorf("memory.New: %w", err)
	}

	m.memMgr = memMgr
	m.mem = memMgr.Slots[0].Buf

	err = kvm.SetUserMemoryRegion(m.vmFd, &kvm.UserspaceMemoryRegion{
		Slot: 0, Flags: 0, GuestPhysAddr: 0, MemorySize: uint64(memSize),
		UserspaceAddr: memMgr.Slots[0].PhysAddr,
	})
	if err != nil {
		return m, fmt.Errorf("SetUserMemoryRegion: %w", err)
	}

	m.pci = pci.New(pci.NewBridge()) // 00:00.0 for PCI bridge

	m.iodevs = []device.IODevice{
		iodev.NewACPIShutDownEvent(),
		&iodev.NoopDevice{Port: 0x92, Psize: 0x1}, // PS/2 system control port A
	}

	// Poison memory. 0 is a valid instruction, and if execution starts
	// in the middle of a run of zeros it is impossible to diagnose.
	for i := highMemBase; i < len(m.mem); i += len(Poison) {
		copy(m.mem[i:], Poison)
	}

	return m, nil
}

// AddTapIf attaches a virtio-net device backed by a tap interface. A
// no-op if name is empty.
func (m *Machine) AddTapIf(name string) error {
	if len(name) == 0 {
		return nil
	}

	t, err := tap.New(name)
	if err != nil {
		return fmt.Errorf("tap.New: %w", err)
	}

	v, ok := virtio.NewNet(m.mem).(*virtio.Net)
	if !ok {
		return fmt.Errorf("%w: virtio.NewNet did not return *virtio.Net", ErrUnsupported)
	}

	v.AttachTap(t, func(irq, level uint32) {
		_ = kvm.IRQLine(m.vmFd, irq, level)
	})

	go v.TxThreadEntry()
	go v.RxThreadEntry()

	m.netDev = v
	m.pci.Devices = append(m.pci.Devices, v) // 00:01.0 for virtio net

	return nil
}

// AddDisk attaches a virtio-blk device backed by the file at path. A
// no-op if path is empty.
func (m *Machine) AddDisk(path string) error {
	if len(path) == 0 {
		return nil
	}

	v, err := virtio.NewBlk(path, virtioBlkIRQ, m, m.mem)
	if err != nil {
		return fmt.Errorf("virtio.NewBlk: %w", err)
	}

	go v.IOThreadEntry()

	m.blkDev = v
	m.pci.Devices = append(m.pci.Devices, v) // 00:02.0 for virtio blk

	return nil
}

// Mem returns the guest's physical RAM, backing both the PRD-based
// migration transfer and direct vCPU memory access.
func (m *Machine) Mem() []byte {
	return m.mem
}

// NCPUs reports the number of vCPUs this machine was created with.
func (m *Machine) NCPUs() int {
	return len(m.vcpuFds)
}

// InitForMigration prepares a freshly constructed machine to receive
// an inbound snapshot: it creates the serial port and installs I/O
// port handlers, without loading a kernel. The driver's receive path
// (page-by-page memory transfer, RestoreCPUState, RestoreVMState, and
// the device snapshot bus) populates the rest.
func (m *Machine) InitForMigration() error {
	var err error

	if m.serial, err = serial.New(m); err != nil {
		return err
	}

	m.initIOPortHandlers()

	return nil
}

// Translate translates a virtual address for all active CPUs
// and returns a []*Translate or error.
func (m *Machine) Translate(vaddr uint64) ([]*Translate, error) {
	t := make([]*Translate, 0, len(m.vcpuFds))

	for cpu := range m.vcpuFds {
		tt, err := GetTranslate(m.vcpuFds[cpu], vaddr)
		if err != nil {
			return t, err
		}

		t = append(t, tt)
	}

	return t, nil
}

// SetupRegs sets up the general purpose registers,
// including a RIP and BP.
func (m *Machine) SetupRegs(rip, bp uint64, amd64 bool) error {
	for _, cpu := range m.vcpuFds {
		if err := m.initRegs(cpu, rip, bp); err != nil {
			return err
		}

		if err := m.initSregs(cpu, amd64); err != nil {
			return err
		}
	}

	return nil
}

// RunData returns the kvm.RunData for the VM.
func (m *Machine) RunData() []*kvm.RunData {
	return m.runs
}

// LoadLinux loads a bzImage or ELF file, an optional initrd, and
// optional kernel command-line parameters.
func (m *Machine) LoadLinux(kernel, initrd io.ReaderAt, params string) error {
	var (
		defaultKernelAddr = uint64(highMemBase)
		err               error
	)

	initrdSize, err := initrd.ReadAt(m.mem[initrdAddr:], 0)
	if err != nil && initrdSize == 0 && !errors.Is(err, io.EOF) {
		return fmt.Errorf("initrd: (%v, %w)", initrdSize, err)
	}

	copy(m.mem[cmdlineAddr:], params)
	m.mem[cmdlineAddr+len(params)] = 0

	var isElfFile bool

	k, err := elf.NewFile(kernel)
	if err == nil {
		isElfFile = true
	}

	bp := &bootproto.BootProto{}

	if !isElfFile {
		bp, err = bootproto.NewFromReaderAt(kernel)
		if err != nil {
			return err
		}
	}

	bp.VidMode = 0xFFFF // proto ALL
	bp.TypeOfLoader = 0xFF
	bp.RamdiskImage = initrdAddr
	bp.RamdiskSize = uint32(initrdSize)
	bp.LoadFlags |= bootproto.CanUseHeap | bootproto.LoadedHigh | bootproto.KeepSegments
	bp.HeapEndPtr = 0xFE00
	bp.ExtLoaderVer = 0
	bp.CmdlinePtr = cmdlineAddr
	bp.CmdlineSize = uint32(len(params) + 1)

	bpBytes, err := bp.Bytes()
	if err != nil {
		return err
	}

	copy(m.mem[bootParamAddr:], bpBytes)
	writeE820Table(m.mem, len(m.mem))

	var (
		amd64    bool
		kernSize int
	)

	switch isElfFile {
	case false:
		setupsz := int(bp.SetupSects+1) * 512

		kernSize, err = kernel.ReadAt(m.mem[defaultKernelAddr:], int64(setupsz))
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("kernel: (%v, %w)", kernSize, err)
		}
	case true:
		if k.Class == elf.ELFCLASS64 {
			amd64 = true
		}

		defaultKernelAddr = k.Entry

		for i, p := range k.Progs {
			if p.Type != elf.PT_LOAD {
				continue
			}

			n, err := p.ReadAt(m.mem[p.Paddr:], 0)
			if !errors.Is(err, io.EOF) || uint64(n) != p.Filesz {
				return fmt.Errorf("reading ELF prog %d@%#x: %d/%d bytes, err %w", i, p.Paddr, n, p.Filesz, err)
			}

			kernSize += n
		}
	}

	if kernSize == 0 {
		return ErrZeroSizeKernel
	}

	if err := m.SetupRegs(defaultKernelAddr, bootParamAddr, amd64); err != nil {
		return err
	}

	if m.serial, err = serial.New(m); err != nil {
		return err
	}

	m.initIOPortHandlers()

	return nil
}

// writeE820Table fills in the kernel's memory map at the fixed offset
// within boot_params, describing the standard low-memory layout plus
// one RAM region above highMemBase.
func writeE820Table(mem []byte, memSize int) {
	type e820entry struct {
		Addr uint64
		Size uint64
		Type uint32
	}

	entries := []e820entry{
		{realModeIvtBegin, ebdaStart - realModeIvtBegin, e820Ram},
		{ebdaStart, vgaRAMBegin - ebdaStart, e820Reserved},
		{mbBIOSBegin, mbBIOSEnd - mbBIOSBegin, e820Reserved},
		{highMemBase, uint64(memSize - highMemBase), e820Ram},
	}

	mem[bootParamAddr+e820EntriesCountOffset] = byte(len(entries))

	buf := new(bytes.Buffer)
	for _, e := range entries {
		_ = binary.Write(buf, binary.LittleEndian, e)
	}

	copy(mem[bootParamAddr+e820TableOffset:], buf.Bytes())
}

// GetInputChan returns a chan <- byte for serial.
func (m *Machine) GetInputChan() chan<- byte {
	return m.serial.GetInputChan()
}

// GetRegs gets regs for vCPU.
func (m *Machine) GetRegs(cpu int) (*kvm.Regs, error) {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return nil, err
	}

	return kvm.GetRegs(fd)
}

// GetSRegs gets sregs for vCPU.
func (m *Machine) GetSRegs(cpu int) (*kvm.Sregs, error) {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return nil, err
	}

	return kvm.GetSregs(fd)
}

// SetRegs sets regs for vCPU.
func (m *Machine) SetRegs(cpu int, r *kvm.Regs) error {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return err
	}

	return kvm.SetRegs(fd, r)
}

// SetSRegs sets sregs for vCPU.
func (m *Machine) SetSRegs(cpu int, s *kvm.Sregs) error {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return err
	}

	return kvm.SetSregs(fd, s)
}

func (m *Machine) initRegs(vcpufd uintptr, rip, bp uint64) error {
	regs, err := kvm.GetRegs(vcpufd)
	if err != nil {
		return err
	}

	regs.RFLAGS = 2
	regs.RIP = rip
	regs.RSI = bp

	return kvm.SetRegs(vcpufd, regs)
}

func (m *Machine) initSregs(vcpufd uintptr, amd64 bool) error {
	sregs, err := kvm.GetSregs(vcpufd)
	if err != nil {
		return err
	}

	if !amd64 {
		sregs.CS.Base, sregs.CS.Limit, sregs.CS.G = 0, 0xFFFFFFFF, 1
		sregs.DS.Base, sregs.DS.Limit, sregs.DS.G = 0, 0xFFFFFFFF, 1
		sregs.FS.Base, sregs.FS.Limit, sregs.FS.G = 0, 0xFFFFFFFF, 1
		sregs.GS.Base, sregs.GS.Limit, sregs.GS.G = 0, 0xFFFFFFFF, 1
		sregs.ES.Base, sregs.ES.Limit, sregs.ES.G = 0, 0xFFFFFFFF, 1
		sregs.SS.Base, sregs.SS.Limit, sregs.SS.G = 0, 0xFFFFFFFF, 1

		sregs.CS.DB, sregs.SS.DB = 1, 1
		sregs.CR0 |= 1 // protected mode

		return kvm.SetSregs(vcpufd, sregs)
	}

	high64k := m.mem[pageTableBase : pageTableBase+0x6000]

	for i := range high64k {
		high64k[i] = 0
	}

	copy(high64k, []byte{
		0x03,
		0x10 | uint8((pageTableBase>>8)&0xff),
		uint8((pageTableBase >> 16) & 0xff),
		uint8((pageTableBase >> 24) & 0xff), 0, 0, 0, 0,
	})

	for i := uint64(0); i < 4; i++ {
		ptb := pageTableBase + (i+2)*0x1000
		copy(high64k[int(i*8)+0x1000:],
			[]byte{
				0x63,
				uint8((ptb >> 8) & 0xff),
				uint8((ptb >> 16) & 0xff),
				uint8((ptb >> 24) & 0xff), 0, 0, 0, 0,
			})
	}

	for i := uint64(0); i < 0x1_0000_0000; i += 0x2_00_000 {
		ptb := i | 0xe3
		ix := int((i/0x2_00_000)*8 + 0x2000)
		copy(high64k[ix:], []byte{
			uint8(ptb),
			uint8((ptb >> 8) & 0xff),
			uint8((ptb >> 16) & 0xff),
			uint8((ptb >> 24) & 0xff), 0, 0, 0, 0,
		})
	}

	sregs.CR3 = uint64(pageTableBase)
	sregs.CR4 = CR4xPAE
	sregs.CR0 = CR0xPE | CR0xMP | CR0xET | CR0xNE | CR0xWP | CR0xAM | CR0xPG
	sregs.EFER = EFERxLME | EFERxLMA

	seg := kvm.Segment{
		Base: 0, Limit: 0xffffffff, Selector: 1 << 3,
		Typ: 11, Present: 1, DPL: 0, DB: 0, S: 1, L: 1, G: 1, AVL: 0,
	}

	sregs.CS = seg

	seg.Typ = 3
	seg.Selector = 2 << 3
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = seg, seg, seg, seg, seg

	return kvm.SetSregs(vcpufd, sregs)
}

func (m *Machine) initCPUID(cpu int) error {
	cpuid := kvm.CPUID{}
	cpuid.Nent = 100

	if err := kvm.GetSupportedCPUID(m.kvmFd, &cpuid); err != nil {
		return err
	}

	for i := 0; i < int(cpuid.Nent); i++ {
		if cpuid.Entries[i].Function != kvm.CPUIDSignature {
			continue
		}

		cpuid.Entries[i].Eax = kvm.CPUIDFeatures
		cpuid.Entries[i].Ebx = 0x4b4d564b // KVMK
		cpuid.Entries[i].Ecx = 0x564b4d56 // VMKV
		cpuid.Entries[i].Edx = 0x4d       // M
	}

	return kvm.SetCPUID2(m.vcpuFds[cpu], &cpuid)
}

// SingleStep enables single stepping the guest.
func (m *Machine) SingleStep(onoff bool) error {
	for cpu := range m.vcpuFds {
		if err := kvm.SingleStep(m.vcpuFds[cpu], onoff); err != nil {
			return fmt.Errorf("single step %d:%w", cpu, err)
		}
	}

	return nil
}

// StartVCPU runs cpu's infinite fetch/exit loop in a new goroutine,
// calling wg.Done() on exit. At every vmexit it offers the freeze
// coordinator a chance to park this vCPU for the migration driver
// (C6); the capture callback records the vCPU's architectural state
// into frozenStates so FreezeAll's caller can read it back once every
// vCPU has parked.
func (m *Machine) StartVCPU(cpu int, traceCount int, wg *sync.WaitGroup) {
	go func() {
		defer wg.Done()

		if err := m.vcpuLoop(cpu, traceCount); err != nil {
			fmt.Printf("vcpu %d: %v\r\n", cpu, err)
		}
	}()
}

// VCPU runs cpu's fetch/exit loop synchronously until the guest halts
// or a fatal error occurs. Used after a migration restore, where an
// errgroup waits on every vCPU rather than a WaitGroup of detached
// goroutines.
func (m *Machine) VCPU(w io.Writer, cpu int, traceCount int) error {
	return m.vcpuLoop(cpu, traceCount)
}

// vcpuLoop runs cpu's fetch/exit loop. When traceCount > 0, every
// traceCount'th exit prints the disassembled instruction at RIP
// before continuing, via debug_amd64.go's traceStep.
func (m *Machine) vcpuLoop(cpu int, traceCount int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	m.vcpuTidsMu.Lock()
	m.vcpuTids[cpu] = int32(unix.Gettid())
	m.vcpuTidsMu.Unlock()

	exits := 0

	for {
		if traceCount > 0 && exits%traceCount == 0 {
			m.traceStep(cpu)
		}

		exits++

		isContinue, err := m.RunOnce(cpu)

		m.freeze.SaveGuestRegs(cpu, func() {
			state, serr := m.SaveCPUState(cpu)

			m.frozenStatesMu.Lock()
			if serr == nil {
				m.frozenStates[cpu] = state
			}
			m.frozenStatesMu.Unlock()
		})

		// Cleared on the way back from a park: ThawAll only resumes a
		// vCPU already idle in SaveGuestRegs, so by the time this runs
		// the recall that set it has fully served its purpose.
		m.runs[cpu].ImmediateExit = 0

		if isContinue {
			if err != nil {
				fmt.Printf("%v\r\n", err)
			}

			continue
		}

		return err
	}
}

// PauseAndWait recalls every vCPU to its next exit and blocks until
// all have parked, capturing each one's register state along the way.
// Devices must be quiesced separately via QuiesceDevices.
func (m *Machine) PauseAndWait() {
	m.freeze.FreezeAll(func() {
		for cpu := range m.vcpuFds {
			m.recallVCPU(cpu)
		}
	})
}

// recallVCPU forces cpu out of guest mode within bounded time instead
// of waiting for it to exit on its own. It sets ImmediateExit, which
// the kernel honors on the vCPU's next KVM_RUN entry, then signals the
// vCPU's OS thread: if it is idle between exits the pending
// ImmediateExit is enough, and if it is currently blocked inside
// KVM_RUN the signal unblocks the ioctl with EINTR so the retry in
// kvm/ioctl.go observes ImmediateExit immediately rather than
// re-entering the guest.
func (m *Machine) recallVCPU(cpu int) {
	m.runs[cpu].ImmediateExit = 1

	m.vcpuTidsMu.Lock()
	tid := m.vcpuTids[cpu]
	m.vcpuTidsMu.Unlock()

	if tid == 0 {
		return
	}

	_ = unix.Tgkill(os.Getpid(), int(tid), recallSignal)
}

// ThawAll releases every vCPU parked by PauseAndWait.
func (m *Machine) ThawAll() {
	m.freeze.ThawAll()
}

// FrozenCPUState returns the register snapshot captured for cpu by the
// most recent PauseAndWait. Only valid to call after PauseAndWait has
// returned and before the next ThawAll.
func (m *Machine) FrozenCPUState(cpu int) *migration.VCPUState {
	m.frozenStatesMu.Lock()
	defer m.frozenStatesMu.Unlock()

	return m.frozenStates[cpu]
}

// QuiesceDevices stops the background I/O threads of attached devices
// so no further writes land in guest memory while it is being
// transferred. Best-effort: devices with no pending I/O are unaffected.
func (m *Machine) QuiesceDevices() {
	if m.blkDev != nil {
		_ = m.blkDev.Close()
	}
}

// RunOnce runs the guest vCPU until it exits.
func (m *Machine) RunOnce(cpu int) (bool, error) {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return false, err
	}

	_ = kvm.Run(fd)
	exit := kvm.ExitType(m.runs[cpu].ExitReason)

	switch exit {
	case kvm.EXITHLT:
		return false, err

	case kvm.EXITIO:
		direction, size, port, count, offset := m.runs[cpu].IO()
		f := m.ioportHandlers[port][direction]
		b := (*(*[100]byte)(unsafe.Pointer(uintptr(unsafe.Pointer(m.runs[cpu])) + uintptr(offset))))[0:size]

		for i := 0; i < int(count); i++ {
			if err := f(port, b); err != nil {
				return false, err
			}
		}

		return true, err
	case kvm.EXITUNKNOWN:
		return true, err
	case kvm.EXITINTR:
		return true, nil
	case kvm.EXITDEBUG:
		return false, kvm.ErrDebug

	case kvm.EXITDCR,
		kvm.EXITEXCEPTION,
		kvm.EXITFAILENTRY,
		kvm.EXITHYPERCALL,
		kvm.EXITINTERNALERROR,
		kvm.EXITIRQWINDOWOPEN,
		kvm.EXITMMIO,
		kvm.EXITNMI,
		kvm.EXITS390RESET,
		kvm.EXITS390SIEIC,
		kvm.EXITSETTPR,
		kvm.EXITSHUTDOWN,
		kvm.EXITTPRACCESS:
		if err != nil {
			return false, err
		}

		return false, fmt.Errorf("%w: %s", kvm.ErrUnexpectedExitReason, exit.String())
	default:
		if err != nil {
			return false, err
		}

		r, _ := m.GetRegs(cpu)
		s, _ := m.GetSRegs(cpu)

		return false, fmt.Errorf("%w: %v: regs:\n%s",
			kvm.ErrUnexpectedExitReason,
			kvm.ExitType(m.runs[cpu].ExitReason).String(), show("", s, r))
	}
}

func (m *Machine) registerIOPortHandler(
	start, end uint64,
	inHandler, outHandler func(port uint64, bytes []byte) error,
) {
	for i := start; i < end; i++ {
		m.ioportHandlers[i][kvm.EXITIOIN] = inHandler
		m.ioportHandlers[i][kvm.EXITIOOUT] = outHandler
	}
}

func (m *Machine) initIOPortHandlers() {
	funcNone := func(port uint64, bytes []byte) error {
		return nil
	}

	funcError := func(port uint64, bytes []byte) error {
		return fmt.Errorf("%w: unexpected io port 0x%x", kvm.ErrUnexpectedExitReason, port)
	}

	funcOutbCF9 := func(port uint64, bytes []byte) error {
		if len(bytes) == 1 && bytes[0] == 0xe {
			return fmt.Errorf("write 0xe to cf9: %w", ErrWriteToCF9)
		}

		return fmt.Errorf("write %#x to cf9: %w", bytes, ErrWriteToCF9)
	}

	// In ubuntu 20.04 on wsl2, the output to IO port 0x64 continued
	// infinitely. To deal with this issue, refer to kvmtool and
	// configure the input to the Status Register of the PS2 controller.
	funcInbPS2 := func(port uint64, bytes []byte) error {
		bytes[0] = 0x20

		return nil
	}

	m.registerIOPortHandler(0, 0x10000, funcError, funcError)    // default handler
	m.registerIOPortHandler(0xcf9, 0xcfa, funcNone, funcOutbCF9) // CF9
	m.registerIOPortHandler(0x3c0, 0x3db, funcNone, funcNone)    // VGA
	m.registerIOPortHandler(0x3b4, 0x3b6, funcNone, funcNone)    // VGA
	m.registerIOPortHandler(0x70, 0x72, funcNone, funcNone)      // CMOS clock
	m.registerIOPortHandler(0x80, 0xa0, funcNone, funcNone)      // DMA page registers
	m.registerIOPortHandler(0x2f8, 0x300, funcNone, funcNone)    // Serial port 2
	m.registerIOPortHandler(0x3e8, 0x3f0, funcNone, funcNone)    // Serial port 3
	m.registerIOPortHandler(0x2e8, 0x2f0, funcNone, funcNone)    // Serial port 4
	m.registerIOPortHandler(0xcfe, 0xcff, funcNone, funcNone)    // unknown
	m.registerIOPortHandler(0xcfa, 0xcfc, funcNone, funcNone)    // unknown
	m.registerIOPortHandler(0xc000, 0xd000, funcNone, funcNone)  // PCI config space access mechanism #2
	m.registerIOPortHandler(0x60, 0x70, funcInbPS2, funcNone)    // PS/2 keyboard
	m.registerIOPortHandler(0xed, 0xee, funcNone, funcNone)      // standard delay port

	m.registerIOPortHandler(serial.COM1Addr, serial.COM1Addr+8, m.serial.In, m.serial.Out)

	m.registerIOPortHandler(0xcf8, 0xcf9, m.pci.PciConfAddrIn, m.pci.PciConfAddrOut)
	m.registerIOPortHandler(0xcfc, 0xd00, m.pci.PciConfDataIn, m.pci.PciConfDataOut)

	for i, dev := range m.pci.Devices {
		start, end := dev.GetIORange()
		m.registerIOPortHandler(start, end, m.pci.Devices[i].IOInHandler, m.pci.Devices[i].IOOutHandler)
	}

	for _, dev := range m.iodevs {
		start, size := dev.IOPort(), dev.Size()
		m.registerIOPortHandler(start, start+size, dev.Read, dev.Write)
	}
}

// InjectSerialIRQ injects a serial interrupt.
func (m *Machine) InjectSerialIRQ() error {
	if err := kvm.IRQLine(m.vmFd, serialIRQ, 0); err != nil {
		return err
	}

	return kvm.IRQLine(m.vmFd, serialIRQ, 1)
}

// InjectVirtioNetIRQ injects a virtio net interrupt.
func (m *Machine) InjectVirtioNetIRQ() error {
	if err := kvm.IRQLine(m.vmFd, virtioNetIRQ, 0); err != nil {
		return err
	}

	return kvm.IRQLine(m.vmFd, virtioNetIRQ, 1)
}

// InjectVirtioBlkIRQ injects a virtio block interrupt.
func (m *Machine) InjectVirtioBlkIRQ() error {
	if err := kvm.IRQLine(m.vmFd, virtioBlkIRQ, 0); err != nil {
		return err
	}

	return kvm.IRQLine(m.vmFd, virtioBlkIRQ, 1)
}

// ReadAt implements io.ReadAt for the kvm guest memory.
func (m *Machine) ReadAt(b []byte, off int64) (int, error) {
	r := bytes.NewReader(m.mem)

	return r.ReadAt(b, off)
}

// WriteAt implements io.WriteAt for the kvm guest memory.
func (m *Machine) WriteAt(b []byte, off int64) (int, error) {
	if off > int64(len(m.mem)) {
		return 0, syscall.EFBIG
	}

	n := copy(m.mem[off:], b)

	return n, nil
}

func showone(indent string, in interface{}) string {
	var ret string

	s := reflect.ValueOf(in).Elem()
	typeOfT := s.Type()

	for i := 0; i < s.NumField(); i++ {
		f := s.Field(i)
		if f.Kind() == reflect.String {
			ret += fmt.Sprintf(indent+"%s %s = %s\n", typeOfT.Field(i).Name, f.Type(), f.Interface())
		} else {
			ret += fmt.Sprintf(indent+"%s %s = %#x\n", typeOfT.Field(i).Name, f.Type(), f.Interface())
		}
	}

	return ret
}

func show(indent string, l ...interface{}) string {
	var ret string
	for _, i := range l {
		ret += showone(indent, i)
	}

	return ret
}

// Translate is a struct for KVM_TRANSLATE queries.
type Translate struct {
	LinearAddress uint64

	PhysicalAddress uint64
	Valid           uint8
	Writeable       uint8
	Usermode        uint8
	_               [5]uint8
}

// GetTranslate returns the virtual to physical mapping for one vCPU.
func GetTranslate(vcpuFd uintptr, vaddr uint64) (*Translate, error) {
	var (
		kvmTranslate = kvm.IIOWR(0x85, 3*8)
		t            = &Translate{LinearAddress: vaddr}
	)

	if _, err := kvm.Ioctl(vcpuFd, kvmTranslate, uintptr(unsafe.Pointer(t))); err != nil {
		return t, fmt.Errorf("translate %#x:%w", vaddr, err)
	}

	return t, nil
}

// CPUToFD translates a CPU number to an fd.
func (m *Machine) CPUToFD(cpu int) (uintptr, error) {
	if cpu < 0 || cpu >= len(m.vcpuFds) {
		return 0, fmt.Errorf("cpu %d out of range 0-%d:%w", cpu, len(m.vcpuFds)-1, ErrBadCPU)
	}

	return m.vcpuFds[cpu], nil
}

// VtoP returns the physical address for a vCPU virtual address.
func (m *Machine) VtoP(cpu int, vaddr uintptr) (int64, error) {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return 0, err
	}

	t, err := GetTranslate(fd, uint64(vaddr))
	if err != nil {
		return -1, err
	}

	if t.Valid == 0 || t.PhysicalAddress > uint64(len(m.mem)) {
		return -1, fmt.Errorf("%#x:valid not set:%w", vaddr, ErrBadVA)
	}

	return int64(t.PhysicalAddress), nil
}

// GetReg gets a pointer to a register in kvm.Regs, given a register
// number from reg.
func GetReg(r *kvm.Regs, reg x86asm.Reg) (*uint64, error) {
	switch reg {
	case x86asm.RAX:
		return &r.RAX, nil
	case x86asm.RCX:
		return &r.RCX, nil
	case x86asm.RDX:
		return &r.RDX, nil
	case x86asm.RBX:
		return &r.RBX, nil
	case x86asm.RSP:
		return &r.RSP, nil
	case x86asm.RBP:
		return &r.RBP, nil
	case x86asm.RSI:
		return &r.RSI, nil
	case x86asm.RDI:
		return &r.RDI, nil
	case x86asm.R8:
		return &r.R8, nil
	case x86asm.R9:
		return &r.R9, nil
	case x86asm.R10:
		return &r.R10, nil
	case x86asm.R11:
		return &r.R11, nil
	case x86asm.R12:
		return &r.R12, nil
	case x86asm.R13:
		return &r.R13, nil
	case x86asm.R14:
		return &r.R14, nil
	case x86asm.R15:
		return &r.R15, nil
	case x86asm.RIP:
		return &r.RIP, nil
	}

	return nil, fmt.Errorf("register %v%w", reg, ErrUnsupported)
}
