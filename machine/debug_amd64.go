package machine

import (
	"fmt"

	"github.com/vmcore/govmm/kvm"
	"golang.org/x/arch/x86/x86asm"
)

// Inst decodes the instruction at cpu's current RIP, for single-step
// tracing.
func (m *Machine) Inst(cpu int) (*x86asm.Inst, *kvm.Regs, error) {
	r, err := m.GetRegs(cpu)
	if err != nil {
		return nil, nil, fmt.Errorf("trace: get regs: %w", err)
	}

	pa, err := m.VtoP(cpu, uintptr(r.RIP))
	if err != nil {
		return nil, nil, fmt.Errorf("trace: translate pc %#x: %w", r.RIP, err)
	}

	insn := make([]byte, 16)
	if _, err := m.ReadAt(insn, pa); err != nil {
		return nil, nil, fmt.Errorf("trace: read pc %#x: %w", r.RIP, err)
	}

	d, err := x86asm.Decode(insn, 64)
	if err != nil {
		return nil, nil, fmt.Errorf("trace: decode %#02x: %w", insn, err)
	}

	return &d, r, nil
}

// traceStep prints one disassembled instruction, in GNU syntax, for
// the single-step tracing feature driven by traceCount. Decode
// failures are swallowed: tracing must never abort the vCPU loop it
// is observing.
func (m *Machine) traceStep(cpu int) {
	d, r, err := m.Inst(cpu)
	if err != nil {
		return
	}

	fmt.Printf("cpu%d: %#x: %s\r\n", cpu, r.RIP, x86asm.GNUSyntax(*d, r.RIP, nil))
}
