package migration_test

import (
	"testing"
	"time"

	"github.com/vmcore/govmm/migration"
)

// listenAndConnect sets up a loopback Stream pair over a real TCP
// socket, since Stream has no exported net.Conn constructor: Connect
// and Listen are the only ways to build one, matching C4's contract
// that a Stream always wraps a real connection-oriented transport.
func listenAndConnect(t *testing.T, port int) (server, client *migration.Stream) {
	t.Helper()

	serverCh := make(chan *migration.Stream, 1)
	errCh := make(chan error, 1)

	go func() {
		s, err := migration.Listen(port)
		if err != nil {
			errCh <- err

			return
		}

		serverCh <- s
	}()

	// The Listen goroutine may not have bound the port yet, so the
	// dial is retried briefly.
	var err error

	for i := 0; i < 100; i++ {
		if client, err = migration.Connect("127.0.0.1", port); err == nil {
			break
		}

		time.Sleep(10 * time.Millisecond)
	}

	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case server = <-serverCh:
	case err := <-errCh:
		t.Fatalf("Listen: %v", err)
	}

	return server, client
}

func TestStreamPingEcho(t *testing.T) {
	t.Parallel()

	server, client := listenAndConnect(t, 17780)
	defer server.Close()
	defer client.Close()

	done := make(chan error, 1)

	go func() {
		done <- server.EchoPing()
	}()

	pong, err := client.SendPing(migration.PingWord)
	if err != nil {
		t.Fatalf("SendPing: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("EchoPing: %v", err)
	}

	if want := 3 * uint32(migration.PingWord); pong != want {
		t.Fatalf("pong = 0x%x, want 0x%x", pong, want)
	}
}

func TestStreamSendReceivePrd(t *testing.T) {
	t.Parallel()

	server, client := listenAndConnect(t, 17781)
	defer server.Close()
	defer client.Close()

	want := migration.NewPrd(16, 2, 0)

	done := make(chan error, 1)

	go func() {
		done <- client.SendPrd(want)
	}()

	got, err := server.ReceivePrd()
	if err != nil {
		t.Fatalf("ReceivePrd: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("SendPrd: %v", err)
	}

	if got != want {
		t.Fatalf("ReceivePrd() = %v, want %v", got, want)
	}
}

// TestStreamNonblockingSendOrdering verifies the borrow-discipline queue:
// buffers queued via SendNonblocking are written out in FIFO order by
// a single WaitComplete call, preserving the single-stream ordering
// guarantee the pre-copy loop depends on (page k before page k+1).
func TestStreamNonblockingSendOrdering(t *testing.T) {
	t.Parallel()

	server, client := listenAndConnect(t, 17782)
	defer server.Close()
	defer client.Close()

	prds := []migration.Prd{
		migration.NewPrd(1, 0, 0),
		migration.NewPrd(2, 0, 0),
		migration.NewPrd(4, 1, 0),
	}

	done := make(chan error, 1)

	go func() {
		for _, p := range prds {
			buf := make([]byte, 4)
			raw := p.Raw()
			buf[0] = byte(raw)
			buf[1] = byte(raw >> 8)
			buf[2] = byte(raw >> 16)
			buf[3] = byte(raw >> 24)

			client.SendNonblocking(buf)
		}

		done <- client.WaitComplete()
	}()

	for _, want := range prds {
		got, err := server.ReceivePrd()
		if err != nil {
			t.Fatalf("ReceivePrd: %v", err)
		}

		if got != want {
			t.Fatalf("ReceivePrd() = %v, want %v", got, want)
		}
	}

	if err := <-done; err != nil {
		t.Fatalf("WaitComplete: %v", err)
	}
}

func TestStreamInitRoundTrip(t *testing.T) {
	t.Parallel()

	server, client := listenAndConnect(t, 17783)
	defer server.Close()
	defer client.Close()

	want := migration.NewMigrationInit(99)

	done := make(chan error, 1)

	go func() {
		done <- client.SendRecord(want)
	}()

	got, err := server.ReceiveInit()
	if err != nil {
		t.Fatalf("ReceiveInit: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("SendRecord: %v", err)
	}

	if got != want {
		t.Fatalf("ReceiveInit() = %+v, want %+v", got, want)
	}
}
