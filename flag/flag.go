// Package flag defines the command-line surface: boot a guest, probe
// host KVM capabilities, or trigger outbound migration of a running
// guest over its control socket.
package flag

// BootCMD boots a fresh guest, optionally pausing to wait for an
// inbound migration instead of booting a kernel image.
type BootCMD struct {
	Dev    string `name:"D" default:"/dev/kvm" help:"path of kvm device"`
	Kernel string `name:"k" default:"./bzImage" help:"kernel image path"`
	Initrd string `name:"i" default:"" help:"initrd path"`
	// refs: commit 1621292e73770aabbc146e72036de5e26f901e86 in kvmtool
	Params string `name:"p" default:"" help:"kernel command-line parameters"` //nolint:lll
	TapIfName string `name:"t" default:"" help:"name of tap interface; empty means no tap interface is created"` //nolint:lll
	Disk      string `name:"d" default:"" help:"path of disk file (for /dev/vda)"`
	NCPUs     int    `name:"c" default:"1" help:"number of cpus"`
	MemSize   string `name:"m" default:"1G" help:"memory size: as number[gGmM], optional units, defaults to G"` //nolint:lll
	TraceCount string `name:"T" default:"0" help:"how many instructions to skip between trace prints -- 0 means tracing disabled"` //nolint:lll
	// RetrieveGuest, when non-zero, makes Run listen for an inbound
	// migration on this port instead of loading Kernel/Initrd.
	RetrieveGuest int `name:"L" default:"0" help:"listen for an inbound migration on this port instead of booting Kernel"` //nolint:lll
	// ControlSocket, when set, opens a rendezvous control socket a
	// running instance can be migrated out from with migrate-out.
	ControlSocket string `name:"control-socket" default:"" help:"path of a control socket to accept migrate-out requests on"` //nolint:lll
}

// ProbeCMD prints the KVM capabilities of the host device.
type ProbeCMD struct{}

// MigrateOutCMD triggers outbound migration of a running VMM to a
// listener elsewhere, over the control socket the source VMM exposes.
type MigrateOutCMD struct {
	ControlSocket string `arg:"" help:"path of the running source VMM's control socket"`
	TargetIP      string `arg:"" help:"destination host"`
	Port          int    `arg:"" help:"destination rendezvous port"`
}

// CLI is the top-level command surface parsed by kong.
type CLI struct {
	Boot       BootCMD        `cmd:"" help:"boot a guest"`
	Probe      ProbeCMD       `cmd:"" help:"probe kvm extensions supported by the host device"`
	MigrateOut MigrateOutCMD  `cmd:"" name:"migrate-out" help:"trigger outbound migration of a running guest"`
}
