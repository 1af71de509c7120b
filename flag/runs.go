package flag

import (
	"log"

	"github.com/alecthomas/kong"
	"github.com/vmcore/govmm/probe"
	"github.com/vmcore/govmm/vmm"
)

// Parse parses os.Args into a CLI and runs the selected subcommand.
func Parse() error {
	c := CLI{}

	programName := "govmm"
	programDesc := "govmm is a small Linux KVM hypervisor with live migration support"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}

func (d *ProbeCMD) Run() error {
	return probe.KVMCapabilities()
}

func (s *BootCMD) Run() error {
	defparams := `console=ttyS0 earlyprintk=serial noapic noacpi notsc ` +
		`debug apic=debug show_lapic=all mitigations=off lapic tsc_early_khz=2000 ` +
		`pci=realloc=off virtio_pci.force_legacy=1 rdinit=/init init=/init ` +
		`gokvm.ipv4_addr=192.168.20.1/24`

	memSize, err := ParseSize(s.MemSize, "g")
	if err != nil {
		return err
	}

	traceC, err := ParseSize(s.TraceCount, "")
	if err != nil {
		return err
	}

	if len(s.Params) > 0 {
		defparams = s.Params
	}

	c := vmm.Config{
		Dev:           s.Dev,
		Kernel:        s.Kernel,
		Initrd:        s.Initrd,
		Params:        defparams,
		TapIfName:     s.TapIfName,
		Disk:          s.Disk,
		NCPUs:         s.NCPUs,
		MemSize:       memSize,
		TraceCount:    traceC,
		ControlSocket: s.ControlSocket,
	}

	v, err := vmm.New(c)
	if err != nil {
		return err
	}

	if s.RetrieveGuest != 0 {
		return v.Incoming(s.RetrieveGuest)
	}

	if err := v.Init(); err != nil {
		log.Fatal(err)
	}

	if err := v.Setup(); err != nil {
		log.Fatal(err)
	}

	return v.Boot()
}

func (m *MigrateOutCMD) Run() error {
	return vmm.TriggerMigration(m.ControlSocket, m.TargetIP, m.Port)
}
