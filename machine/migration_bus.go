package machine

import (
	"github.com/vmcore/govmm/migration"
	"github.com/vmcore/govmm/virtio"
)

// serialBusDevice adapts the emulated UART to the C5 device snapshot
// bus. The whole snapshot fits in one chunk, so Save always reports
// more=false on its first (and only) call per session.
type serialBusDevice struct {
	m    *Machine
	done bool
}

func (d *serialBusDevice) Type() migration.DeviceType { return migration.DevTypeSerial }

func (d *serialBusDevice) Restart() { d.done = false }

func (d *serialBusDevice) Save(buf []byte) (int, bool, error) {
	if d.done {
		return 0, false, nil
	}

	d.done = true

	state := d.m.serial.GetState()

	enc, err := migration.EncodeState(&state)
	if err != nil {
		return 0, false, err
	}

	return copy(buf, enc), false, nil
}

func (d *serialBusDevice) Restore(buf []byte) error {
	var state migration.SerialState
	if err := migration.DecodeState(buf, &state); err != nil {
		return err
	}

	d.m.serial.SetState(state)

	return nil
}

// netBusDevice adapts the virtio-net device to the snapshot bus. Nil
// when no tap interface is attached: the bus skips unattached types.
type netBusDevice struct {
	m    *Machine
	dev  *virtio.Net
	done bool
}

func (d *netBusDevice) Type() migration.DeviceType { return migration.DevTypeNet }

func (d *netBusDevice) Restart() { d.done = false }

func (d *netBusDevice) Save(buf []byte) (int, bool, error) {
	if d.done {
		return 0, false, nil
	}

	d.done = true

	enc, err := migration.EncodeState(d.dev.GetState())
	if err != nil {
		return 0, false, err
	}

	return copy(buf, enc), false, nil
}

func (d *netBusDevice) Restore(buf []byte) error {
	var state migration.NetState
	if err := migration.DecodeState(buf, &state); err != nil {
		return err
	}

	d.dev.SetState(&state, d.m.mem)

	return nil
}

// blkBusDevice adapts the virtio-blk device to the snapshot bus.
type blkBusDevice struct {
	m    *Machine
	dev  *virtio.Blk
	done bool
}

func (d *blkBusDevice) Type() migration.DeviceType { return migration.DevTypeBlk }

func (d *blkBusDevice) Restart() { d.done = false }

func (d *blkBusDevice) Save(buf []byte) (int, bool, error) {
	if d.done {
		return 0, false, nil
	}

	d.done = true

	enc, err := migration.EncodeState(d.dev.GetState())
	if err != nil {
		return 0, false, err
	}

	return copy(buf, enc), false, nil
}

func (d *blkBusDevice) Restore(buf []byte) error {
	var state migration.BlkState
	if err := migration.DecodeState(buf, &state); err != nil {
		return err
	}

	d.dev.SetState(&state, d.m.mem)

	return nil
}

// DeviceBus builds the C5 snapshot bus for this machine's currently
// attached devices: serial is always present, net/blk only when a tap
// interface or disk was configured.
func (m *Machine) DeviceBus() *migration.SaveRestoreBus {
	bus := migration.NewSaveRestoreBus()

	bus.Attach(&serialBusDevice{m: m})

	if m.netDev != nil {
		bus.Attach(&netBusDevice{m: m, dev: m.netDev})
	}

	if m.blkDev != nil {
		bus.Attach(&blkBusDevice{m: m, dev: m.blkDev})
	}

	return bus
}
