package vmm_test

// TestTriggerMigration* exercise the migrate-out control-socket
// protocol (one-line "<ip> <port>" request, one-line "OK"/"ERR ..."
// reply) against a fake unix-socket peer, without needing a real
// /dev/kvm machine on either end.

import (
	"bufio"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vmcore/govmm/vmm"
)

func fakeControlServer(t *testing.T, reply string) (socketPath string) {
	t.Helper()

	socketPath = filepath.Join(t.TempDir(), "control.sock")

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		if _, err := bufio.NewReader(conn).ReadString('\n'); err != nil {
			return
		}

		fmt.Fprint(conn, reply)
	}()

	return socketPath
}

func TestTriggerMigrationSuccess(t *testing.T) {
	t.Parallel()

	socketPath := fakeControlServer(t, "OK\n")

	if err := vmm.TriggerMigration(socketPath, "10.0.0.2", 7780); err != nil {
		t.Fatalf("TriggerMigration: %v", err)
	}
}

func TestTriggerMigrationDestinationError(t *testing.T) {
	t.Parallel()

	socketPath := fakeControlServer(t, "ERR migration phase header: magic check failed\n")

	err := vmm.TriggerMigration(socketPath, "10.0.0.2", 7780)
	if err == nil {
		t.Fatalf("TriggerMigration: got nil error, want one reporting the destination failure")
	}

	if !strings.Contains(err.Error(), "magic check failed") {
		t.Fatalf("TriggerMigration error = %v, want it to carry the destination's reply", err)
	}
}

func TestTriggerMigrationNoListener(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "no-such.sock")

	if err := vmm.TriggerMigration(socketPath, "10.0.0.2", 7780); err == nil {
		t.Fatalf("TriggerMigration against a nonexistent socket must fail")
	}
}
