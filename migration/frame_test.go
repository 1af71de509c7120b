package migration_test

import (
	"testing"

	"github.com/vmcore/govmm/migration"
)

func TestMigrationInitMagic(t *testing.T) {
	t.Parallel()

	m := migration.NewMigrationInit(42)

	if m.Magic != migration.MagicInit {
		t.Fatalf("Magic = 0x%x, want 0x%x", m.Magic, migration.MagicInit)
	}

	if m.CmdLen != 42 {
		t.Fatalf("CmdLen = %d, want 42", m.CmdLen)
	}
}

func TestMigrationAnswerSuccessFlag(t *testing.T) {
	t.Parallel()

	ok := migration.NewMigrationAnswer(true, 7780)
	if ok.Success != 1 || ok.Port != 7780 || ok.Magic != migration.MagicAnswer {
		t.Fatalf("NewMigrationAnswer(true, 7780) = %+v", ok)
	}

	fail := migration.NewMigrationAnswer(false, 0)
	if fail.Success != 0 {
		t.Fatalf("NewMigrationAnswer(false, 0).Success = %d, want 0", fail.Success)
	}
}

func TestDeviceRecordEndSentinel(t *testing.T) {
	t.Parallel()

	end := migration.EndRecord()
	if !end.IsEnd() {
		t.Fatalf("EndRecord() must report IsEnd() == true")
	}

	rec := migration.NewDeviceRecordHeader(1, 128, true)
	if rec.IsEnd() {
		t.Fatalf("an ordinary device record must not report IsEnd()")
	}

	if rec.WriteFlag != 1 || rec.Bytes != 128 {
		t.Fatalf("NewDeviceRecordHeader(1, 128, true) = %+v", rec)
	}
}

func TestEncodeDecodeStateRoundTrip(t *testing.T) {
	t.Parallel()

	want := &migration.NetState{
		HdrBytes:      []byte{1, 2, 3, 4},
		QueuePhysAddr: [2]uint64{0x1000, 0x2000},
		LastAvailIdx:  [2]uint16{5, 9},
	}

	buf, err := migration.EncodeState(want)
	if err != nil {
		t.Fatalf("EncodeState: %v", err)
	}

	got := &migration.NetState{}
	if err := migration.DecodeState(buf, got); err != nil {
		t.Fatalf("DecodeState: %v", err)
	}

	if got.QueuePhysAddr != want.QueuePhysAddr || got.LastAvailIdx != want.LastAvailIdx {
		t.Fatalf("DecodeState(EncodeState(%+v)) = %+v", want, got)
	}

	if string(got.HdrBytes) != string(want.HdrBytes) {
		t.Fatalf("HdrBytes = %v, want %v", got.HdrBytes, want.HdrBytes)
	}
}
