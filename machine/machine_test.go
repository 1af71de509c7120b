package machine_test

import (
	"os"
	"testing"

	"github.com/vmcore/govmm/machine"
)

func newTestMachine(t *testing.T) *machine.Machine {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skip("skipping test since we are not root")
	}

	m, err := machine.New("/dev/kvm", 1, machine.MinMemSize)
	if err != nil {
		t.Skipf("machine.New: %v", err)
	}

	return m
}

func TestNewMachineRejectsSmallMemory(t *testing.T) {
	t.Parallel()

	if _, err := machine.New("/dev/kvm", 1, machine.MinMemSize-1); err == nil {
		t.Fatal("machine.New must reject a memory size below MinMemSize")
	}
}

// TestTSCCompensationRoundTrip exercises the primitives the live
// migration driver's TSC-compensation step depends on: reading the
// raw counter, reading the vCPU's effective frequency, and applying
// an offset via the IA32_TSC MSR.
func TestTSCCompensationRoundTrip(t *testing.T) {
	m := newTestMachine(t)

	before := machine.ReadTSC()

	khz, err := m.TSCFreqKHz(0)
	if err != nil {
		t.Fatalf("TSCFreqKHz: %v", err)
	}

	if khz == 0 {
		t.Fatal("TSCFreqKHz returned 0")
	}

	if err := m.AddTSCOffset(1_000_000); err != nil {
		t.Fatalf("AddTSCOffset: %v", err)
	}

	after := machine.ReadTSC()
	if after < before {
		t.Fatalf("ReadTSC went backward: before=%d after=%d", before, after)
	}
}

func TestDeviceBusBuildsWithNoOptionalDevices(t *testing.T) {
	m := newTestMachine(t)

	bus := m.DeviceBus()
	if bus == nil {
		t.Fatal("DeviceBus() returned nil")
	}
}
