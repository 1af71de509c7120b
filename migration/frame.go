package migration

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
)

// Magic constants identifying each framing record. Preserved exactly
// for wire compatibility with any peer speaking this protocol.
const (
	MagicInit    = 0xB00B00
	MagicAnswer  = 0xFEEB1ED0
	MagicHeader  = 0xB0015366
	MagicDevice  = 0x8D06F00D
	DevTypeEnd   = 0xDEAD
	DevTypeStart = 0 // RESTART: clears a device's per-snapshot cursor
)

// PingWord is the sentinel sent by SendPing; a correct peer echoes
// back 3x this value, letting the driver measure round-trip time and
// detect a corrupted or non-cooperating peer in one step.
const PingWord = 0xC0FFEE

// ErrBadMagic is returned when a received record's magic does not
// match the constant expected for its position in the protocol. The
// caller must treat this as fatal protocol desynchronization.
var ErrBadMagic = errors.New("migration: magic check failed")

// MigrationInit opens the rendezvous control connection: a request to
// migrate in, carrying the length of a following config-cmdline blob.
type MigrationInit struct {
	CmdLen uint32
	Magic  uint32
}

func (m *MigrationInit) checkMagic() error {
	if m.Magic != MagicInit {
		return fmt.Errorf("%w: MigrationInit", ErrBadMagic)
	}

	return nil
}

// NewMigrationInit builds an outbound MigrationInit with the magic set.
func NewMigrationInit(cmdLen uint32) MigrationInit {
	return MigrationInit{CmdLen: cmdLen, Magic: MagicInit}
}

// MigrationAnswer is the rendezvous reply: whether the destination
// accepts the incoming configuration, and which port to reconnect to
// for the data stream.
type MigrationAnswer struct {
	Success uint32
	Port    uint32
	Magic   uint32
}

func (m *MigrationAnswer) checkMagic() error {
	if m.Magic != MagicAnswer {
		return fmt.Errorf("%w: MigrationAnswer", ErrBadMagic)
	}

	return nil
}

// NewMigrationAnswer builds an outbound MigrationAnswer with the magic set.
func NewMigrationAnswer(success bool, port uint32) MigrationAnswer {
	var s uint32
	if success {
		s = 1
	}

	return MigrationAnswer{Success: s, Port: port, Magic: MagicAnswer}
}

// MigrationHeader opens the data stream: protocol version and the
// sender's current video mode, applied by the receiver before
// framebuffer restore.
type MigrationHeader struct {
	Magic     uint32
	Version   uint32
	VideoMode uint32
}

func (m *MigrationHeader) checkMagic() error {
	if m.Magic != MagicHeader {
		return fmt.Errorf("%w: MigrationHeader", ErrBadMagic)
	}

	return nil
}

// NewMigrationHeader builds an outbound MigrationHeader with the magic set.
func NewMigrationHeader(version, videoMode uint32) MigrationHeader {
	return MigrationHeader{Magic: MagicHeader, Version: version, VideoMode: videoMode}
}

// DeviceRecordHeader is the fixed-size portion of a device-bus record;
// only this header crosses the wire, immediately followed by Bytes
// bytes of opaque device blob (when Bytes > 0).
type DeviceRecordHeader struct {
	Magic     uint32
	DevType   uint32
	Bytes     uint32
	ID1       uint32
	ID2       uint32
	WriteFlag uint32
}

func (d *DeviceRecordHeader) checkMagic() error {
	if d.Magic != MagicDevice {
		return fmt.Errorf("%w: DeviceRecord", ErrBadMagic)
	}

	return nil
}

// NewDeviceRecordHeader builds an outbound DeviceRecordHeader with the magic set.
func NewDeviceRecordHeader(devType uint32, nbytes uint32, write bool) DeviceRecordHeader {
	var w uint32
	if write {
		w = 1
	}

	return DeviceRecordHeader{Magic: MagicDevice, DevType: devType, Bytes: nbytes, WriteFlag: w}
}

// EndRecord is the stop sentinel closing the device section.
func EndRecord() DeviceRecordHeader {
	return DeviceRecordHeader{Magic: MagicDevice, DevType: DevTypeEnd}
}

// IsEnd reports whether d is the stop sentinel.
func (d DeviceRecordHeader) IsEnd() bool {
	return d.DevType == DevTypeEnd
}

func marshalFixed(v any) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func unmarshalFixed(b []byte, v any) error {
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, v)
}

// MSREntry is one model-specific register index/value pair captured
// as part of a vCPU snapshot.
type MSREntry struct {
	Index uint32
	Data  uint64
}

// VCPUState is the fixed-layout, vCPU-ABI-opaque register image
// captured and restored by the freeze/thaw coordinator (C6). Each
// field is the byte-for-byte capture of one KVM state ioctl's result;
// the core never interprets their contents.
type VCPUState struct {
	Regs      []byte
	Sregs     []byte
	MSRs      []MSREntry
	LAPIC     []byte
	Events    []byte
	MPState   uint32
	DebugRegs []byte
	XCRS      []byte
}

// VMState is VM-level (non-per-vCPU) hardware state: the pieces that
// exist once per guest rather than once per vCPU.
type VMState struct {
	Clock         []byte
	IRQChipPIC0   []byte
	IRQChipPIC1   []byte
	IRQChipIOAPIC []byte
	PIT2          []byte
}

// SerialState is the snapshot of the emulated 16550 UART's
// programmer-visible register latches.
type SerialState struct {
	IER byte
	LCR byte
}

// NetState is the snapshot of a virtio-net device: its serialized
// common+net header (binary.LittleEndian, preserving padding), the
// host-side consumed index per queue, and each virtqueue's guest
// physical address (re-resolved against restored memory on restore,
// since VirtQueue pointers alias guest RAM).
type NetState struct {
	HdrBytes      []byte
	QueuePhysAddr [2]uint64
	LastAvailIdx  [2]uint16
}

// BlkState is the snapshot of a virtio-blk device.
type BlkState struct {
	HdrBytes      []byte
	QueuePhysAddr [1]uint64
	LastAvailIdx  [1]uint16
}

// EncodeState gob-encodes a device's Save payload (v must be one of
// *SerialState, *NetState, *BlkState, or another value device states
// are grounded on). Device-bus payloads are small and self-contained,
// so gob's own framing is an acceptable cost here, unlike the
// fixed-layout framing records above which must match a specific wire
// size.
func EncodeState(v any) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(v); err != nil {
		return nil, fmt.Errorf("migration: encode device state: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeState decodes a payload produced by EncodeState into v.
func DecodeState(b []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return fmt.Errorf("migration: decode device state: %w", err)
	}

	return nil
}
