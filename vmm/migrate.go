package vmm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/vmcore/govmm/machine"
	"github.com/vmcore/govmm/migration"
	"golang.org/x/sync/errgroup"
)

// protocolVersion is carried in every MigrationHeader; a destination
// refuses any other value rather than guess at compatibility.
const protocolVersion = 1

// precopyRounds bounds how many dirty-page sweeps the driver makes
// before giving up on convergence and forcing the stop-and-copy
// phase regardless of remaining dirty count.
const precopyRounds = 10

// precopyStopThreshold is the dirty-page count below which the driver
// stops iterating pre-copy rounds and freezes the source.
const precopyStopThreshold = 256

// precopyChunkSize is the device-bus chunk size used for SaveAll
// during the stop-and-copy phase.
const precopyChunkSize = 1 << 20

// serveControlSocket starts a background listener on a unix socket
// that accepts one-line "<targetIP> <port>" migrate-out requests from
// the migrate-out CLI subcommand and drives an outbound migration for
// each.
func (v *VMM) serveControlSocket() error {
	os.Remove(v.ControlSocket)

	ln, err := net.Listen("unix", v.ControlSocket)
	if err != nil {
		return err
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				log.Printf("migration: control socket accept: %v", err)

				return
			}

			go v.handleControlConn(conn)
		}
	}()

	return nil
}

func (v *VMM) handleControlConn(conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		fmt.Fprintf(conn, "ERR read request: %v\n", err)

		return
	}

	var targetIP string

	var port int

	if _, err := fmt.Sscanf(line, "%s %d", &targetIP, &port); err != nil {
		fmt.Fprintf(conn, "ERR bad request: %v\n", err)

		return
	}

	if err := v.migrateOut(targetIP, port); err != nil {
		fmt.Fprintf(conn, "ERR %v\n", err)

		return
	}

	fmt.Fprintf(conn, "OK\n")
}

// TriggerMigration is the migrate-out CLI entry point: it asks the
// VMM listening on controlSocket to migrate itself out to the
// rendezvous address (targetIP, port).
func TriggerMigration(controlSocket, targetIP string, port int) error {
	conn, err := net.Dial("unix", controlSocket)
	if err != nil {
		return fmt.Errorf("migration: dial control socket: %w", err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "%s %d\n", targetIP, port); err != nil {
		return err
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("migration: read control reply: %w", err)
	}

	if !strings.HasPrefix(reply, "OK") {
		return fmt.Errorf("migration: migrate-out failed: %s", strings.TrimSpace(reply))
	}

	return nil
}

// migrateOut runs the source side of the C7 migration driver: a
// rendezvous handshake, an iterative pre-copy loop, a freeze and
// stop-and-copy pass, then device state, and finally exits the source
// process once the destination holds a complete copy of the guest.
func (v *VMM) migrateOut(targetIP string, port int) error {
	m := v.Machine

	ctrl, err := migration.Connect(targetIP, port)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	cmdline := []byte(v.Params)

	if err := ctrl.SendRecord(migration.NewMigrationInit(uint32(len(cmdline)))); err != nil {
		return err
	}

	if err := ctrl.Send(cmdline); err != nil {
		return err
	}

	answer, err := ctrl.ReceiveAnswer()
	if err != nil {
		return err
	}

	if answer.Success == 0 {
		return fmt.Errorf("migration: destination refused configuration")
	}

	data, err := migration.Connect(targetIP, int(answer.Port))
	if err != nil {
		return err
	}
	defer data.Close()

	pingStart := time.Now()

	pong, err := data.SendPing(migration.PingWord)
	if err != nil {
		return fmt.Errorf("migration phase negotiate: ping: %w", err)
	}

	if pong != 3*migration.PingWord {
		m.ThawAll()

		return fmt.Errorf("migration phase negotiate: Ping failed")
	}

	latency := time.Since(pingStart) / 2

	if err := data.SendRecord(migration.NewMigrationHeader(protocolVersion, 0)); err != nil {
		return fmt.Errorf("migration phase header: %w", err)
	}

	if err := m.EnableDirtyTracking(); err != nil {
		return fmt.Errorf("migration: enable dirty tracking: %w", err)
	}

	dm := migration.NewDirtManager(len(m.Mem()) / migration.PageSize)

	if err := refreshDirty(m, dm); err != nil {
		return err
	}

	for round := 0; round < precopyRounds && dm.DirtyPages() > precopyStopThreshold; round++ {
		roundStart := time.Now()

		sent, err := sendDirtyPages(data, m, dm)
		if err != nil {
			return err
		}

		elapsed := time.Since(roundStart)

		if err := refreshDirty(m, dm); err != nil {
			return err
		}

		// transfer_rate is how fast we just drained the dirty set;
		// dirtying_rate is how fast the guest re-dirtied pages while
		// we were draining it. Once the guest out-paces us, further
		// rounds only grow the final stop-and-copy pass, so we freeze
		// now rather than chase a moving target.
		if elapsed > 0 {
			transferRate := float64(sent) / elapsed.Seconds()
			dirtyingRate := float64(dm.DirtyPages()) / elapsed.Seconds()

			log.Printf("migration: pre-copy round %d: sent %d pages in %s (%.0f pages/s vs %.0f pages/s dirtied)",
				round+1, sent, elapsed, transferRate, dirtyingRate)

			if transferRate < dirtyingRate {
				break
			}
		}
	}

	stats := dm.PrintStats()
	log.Printf("migration: pre-copy done, fault stats mean=%.1f max=%d (diagnostic only)", stats.Mean, stats.Max)

	m.PauseAndWait()

	if err := v.stopAndCopy(data, dm, latency); err != nil {
		m.ThawAll()

		return err
	}

	log.Printf("migration: outbound transfer complete, exiting source")
	os.Exit(0)

	return nil
}

// stopAndCopy runs with every vCPU parked: one last dirty sweep, the
// EOF PRD sentinel, every vCPU's frozen register state, VM-level
// state, and the device snapshot bus. The source must not be resumed
// after this returns successfully; the guest now lives on the
// destination.
func (v *VMM) stopAndCopy(data *migration.Stream, dm *migration.DirtManager, latency time.Duration) error {
	m := v.Machine

	if err := refreshDirty(m, dm); err != nil {
		return fmt.Errorf("migration phase memory: %w", err)
	}

	if _, err := sendDirtyPages(data, m, dm); err != nil {
		return fmt.Errorf("migration phase memory: %w", err)
	}

	if err := data.SendPrd(migration.Prd(0)); err != nil {
		return fmt.Errorf("migration phase memory: %w", err)
	}

	for cpu := 0; cpu < v.NCPUs; cpu++ {
		if err := sendGob(data, m.FrozenCPUState(cpu)); err != nil {
			return fmt.Errorf("migration phase memory: %w", err)
		}
	}

	vmState, err := m.SaveVMState()
	if err != nil {
		return fmt.Errorf("migration phase memory: %w", err)
	}

	if err := sendGob(data, vmState); err != nil {
		return fmt.Errorf("migration phase memory: %w", err)
	}

	m.QuiesceDevices()

	bus := m.DeviceBus()
	bus.Restart()

	if err := bus.SaveAll(data, precopyChunkSize); err != nil {
		return fmt.Errorf("migration phase devices: %w", err)
	}

	if err := sendTSCAdjust(data, m, latency); err != nil {
		return fmt.Errorf("migration phase tsc: %w", err)
	}

	return nil
}

// sendTSCAdjust stamps the source's current TSC, advanced by half the
// ping round trip converted to ticks, and sends it as the protocol's
// final 8-byte word so the destination's guest TSC picks up exactly
// where the source left off instead of jumping backward.
func sendTSCAdjust(s *migration.Stream, m *machine.Machine, latency time.Duration) error {
	khz, err := m.TSCFreqKHz(0)
	if err != nil {
		return fmt.Errorf("TSCFreqKHz: %w", err)
	}

	adjust := machine.ReadTSC() + uint64(latency.Milliseconds())*khz

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, adjust)

	return s.Send(buf)
}

// refreshDirty folds the KVM-reported dirty bitmap since the last
// call into dm.
func refreshDirty(m *machine.Machine, dm *migration.DirtManager) error {
	bitmap, err := m.GetAndClearDirtyBitmap()
	if err != nil {
		return fmt.Errorf("migration: refresh dirty bitmap: %w", err)
	}

	machine.DirtyBitmapToManager(dm, bitmap)

	return nil
}

// sendDirtyPages drains every run NextDirty reports, streaming each
// as (PRD, raw bytes) and marking it clean as it is queued. Pages
// dirtied again after being queued are caught by the next round. It
// returns the number of pages sent, used by the pre-copy loop to
// measure transfer_rate.
func sendDirtyPages(s *migration.Stream, m *machine.Machine, dm *migration.DirtManager) (int, error) {
	mem := m.Mem()

	sent := 0

	for {
		prd := dm.NextDirty()
		if prd.IsEmpty() {
			break
		}

		if err := s.SendPrd(prd); err != nil {
			return sent, err
		}

		off, sz := prd.BaseByteOffset(), prd.SizeBytes()
		s.SendNonblocking(mem[off : off+sz])

		dm.MarkClean(prd)
		sent += int(prd.NumPages())
	}

	return sent, s.WaitComplete()
}

// sendGob/receiveGob carry the variable-length gob-encoded snapshot
// types (VCPUState, VMState) over the stream, length-prefixed since
// they do not fit the fixed-layout framing records.
func sendGob(s *migration.Stream, v any) error {
	enc, err := migration.EncodeState(v)
	if err != nil {
		return err
	}

	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(enc)))

	if err := s.Send(lenBuf); err != nil {
		return err
	}

	return s.Send(enc)
}

func receiveGob(s *migration.Stream, v any) error {
	lenBuf := make([]byte, 4)
	if err := s.Receive(lenBuf); err != nil {
		return err
	}

	buf := make([]byte, binary.LittleEndian.Uint32(lenBuf))
	if err := s.Receive(buf); err != nil {
		return err
	}

	return migration.DecodeState(buf, v)
}

// receiveTSCAdjust receives the sender's post-transfer TSC stamp and
// broadcasts the offset between it and this host's own TSC to every
// vCPU (ADD_TSC_OFF), so the guest's view of elapsed time does not jump
// backward or freeze across the move. Applied before any vCPU resumes.
func receiveTSCAdjust(s *migration.Stream, m *machine.Machine) error {
	buf := make([]byte, 8)
	if err := s.Receive(buf); err != nil {
		return err
	}

	senderTSC := binary.LittleEndian.Uint64(buf)
	offset := int64(senderTSC) - int64(machine.ReadTSC())

	return m.AddTSCOffset(offset)
}

// receiveMigration runs the destination side: rendezvous handshake,
// full memory receive, vCPU/VM state restore, device bus restore,
// then starts every vCPU and blocks until the resumed guest exits.
func receiveMigration(m *machine.Machine, port int) error {
	ctrl, err := migration.Listen(port)
	if err != nil {
		return err
	}

	init, err := ctrl.ReceiveInit()
	if err != nil {
		ctrl.Close()

		return err
	}

	cmdline := make([]byte, init.CmdLen)
	if err := ctrl.Receive(cmdline); err != nil {
		ctrl.Close()

		return err
	}

	dataPort := port + 1

	if err := ctrl.SendRecord(migration.NewMigrationAnswer(true, uint32(dataPort))); err != nil {
		ctrl.Close()

		return err
	}

	ctrl.Close()

	data, err := migration.Listen(dataPort)
	if err != nil {
		return err
	}
	defer data.Close()

	if err := data.EchoPing(); err != nil {
		return fmt.Errorf("migration: ping handshake: %w", err)
	}

	hdr, err := data.ReceiveHeader()
	if err != nil {
		return err
	}

	if hdr.Version != protocolVersion {
		return fmt.Errorf("migration: unsupported protocol version %d", hdr.Version)
	}

	mem := m.Mem()

	for {
		prd, err := data.ReceivePrd()
		if err != nil {
			return err
		}

		if prd.IsEmpty() {
			break
		}

		off, sz := prd.BaseByteOffset(), prd.SizeBytes()
		if err := data.Receive(mem[off : off+sz]); err != nil {
			return err
		}
	}

	for cpu := 0; cpu < m.NCPUs(); cpu++ {
		var state migration.VCPUState
		if err := receiveGob(data, &state); err != nil {
			return err
		}

		if err := m.RestoreCPUState(cpu, &state); err != nil {
			return err
		}
	}

	var vmState migration.VMState
	if err := receiveGob(data, &vmState); err != nil {
		return err
	}

	if err := m.RestoreVMState(&vmState); err != nil {
		return err
	}

	bus := m.DeviceBus()
	bus.Restart()

	if err := bus.RestoreAll(data); err != nil {
		return fmt.Errorf("migration phase devices: %w", err)
	}

	if err := receiveTSCAdjust(data, m); err != nil {
		return fmt.Errorf("migration phase tsc: %w", err)
	}

	log.Printf("migration: inbound transfer complete, resuming guest")

	var g errgroup.Group

	for cpu := 0; cpu < m.NCPUs(); cpu++ {
		cpu := cpu

		g.Go(func() error {
			return m.VCPU(os.Stdout, cpu, 0)
		})
	}

	return g.Wait()
}
