// Package vmm wires together a machine.Machine with boot, live
// migration, and terminal handling: the glue between the CLI surface
// in package flag and the hypervisor core.
package vmm

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/vmcore/govmm/machine"
	"github.com/vmcore/govmm/term"
)

// Config is everything needed to boot, or wait to receive, one guest.
type Config struct {
	Dev        string
	Kernel     string
	Initrd     string
	Params     string
	TapIfName  string
	Disk       string
	NCPUs      int
	MemSize    int
	TraceCount int

	// ControlSocket, when non-empty, is the path of a unix socket this
	// VMM listens on for migrate-out requests while the guest runs.
	ControlSocket string
}

// VMM embeds the machine it boots or receives, plus the configuration
// that produced it.
type VMM struct {
	*machine.Machine
	Config
}

// New constructs a VMM from c. The underlying machine.Machine is not
// created until Init or Incoming runs.
func New(c Config) (*VMM, error) {
	return &VMM{Machine: nil, Config: c}, nil
}

// Init instantiates a fresh machine and attaches its configured
// devices, ready for Setup.
func (v *VMM) Init() error {
	m, err := machine.New(v.Dev, v.NCPUs, v.MemSize)
	if err != nil {
		return err
	}

	if len(v.TapIfName) > 0 {
		if err := m.AddTapIf(v.TapIfName); err != nil {
			return err
		}
	}

	if len(v.Disk) > 0 {
		if err := m.AddDisk(v.Disk); err != nil {
			return err
		}
	}

	v.Machine = m

	return nil
}

// Setup loads the kernel and initrd images into the machine created
// by Init.
func (v *VMM) Setup() error {
	kern, err := os.Open(v.Kernel)
	if err != nil {
		return err
	}

	initrd, err := os.Open(v.Initrd)
	if err != nil {
		return err
	}

	return v.Machine.LoadLinux(kern, initrd, v.Params)
}

// Boot starts every vCPU and, on an attached terminal, forwards stdin
// to the emulated serial console until Ctrl-A x is pressed or every
// vCPU exits.
func (v *VMM) Boot() error {
	var wg sync.WaitGroup

	trace := v.TraceCount > 0
	if err := v.SingleStep(trace); err != nil {
		return fmt.Errorf("setting trace to %v: %w", trace, err)
	}

	if len(v.ControlSocket) > 0 {
		if err := v.serveControlSocket(); err != nil {
			return fmt.Errorf("control socket: %w", err)
		}
	}

	for cpu := 0; cpu < v.NCPUs; cpu++ {
		fmt.Printf("Start CPU %d of %d\r\n", cpu, v.NCPUs)
		wg.Add(1)
		v.StartVCPU(cpu, v.TraceCount, &wg)
	}

	if !term.IsTerminal() {
		fmt.Fprintln(os.Stderr, "this is not terminal and does not accept input")
		wg.Wait()

		return nil
	}

	restoreMode, err := term.SetRawMode()
	if err != nil {
		return err
	}

	defer restoreMode()

	var before byte

	in := bufio.NewReader(os.Stdin)

	go func() {
		for {
			b, err := in.ReadByte()
			if err != nil {
				log.Printf("%v", err)

				return
			}

			v.GetInputChan() <- b

			if len(v.GetInputChan()) > 0 {
				if err := v.InjectSerialIRQ(); err != nil {
					log.Printf("InjectSerialIRQ: %v", err)
				}
			}

			if before == 0x1 && b == 'x' {
				restoreMode()
				os.Exit(0)
			}

			before = b
		}
	}()

	fmt.Printf("Waiting for CPUs to exit\r\n")
	wg.Wait()
	fmt.Printf("All cpus done\n\r")

	return nil
}

// Incoming waits on port for one inbound migration, applies it, and
// runs the resumed guest to completion instead of loading a kernel.
func (v *VMM) Incoming(port int) error {
	m, err := machine.New(v.Dev, v.NCPUs, v.MemSize)
	if err != nil {
		return err
	}

	if len(v.TapIfName) > 0 {
		if err := m.AddTapIf(v.TapIfName); err != nil {
			return err
		}
	}

	if len(v.Disk) > 0 {
		if err := m.AddDisk(v.Disk); err != nil {
			return err
		}
	}

	if err := m.InitForMigration(); err != nil {
		return err
	}

	v.Machine = m

	return receiveMigration(m, port)
}
