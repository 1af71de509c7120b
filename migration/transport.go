package migration

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// Stream is the ordered, reliable, length-delimited byte transport the
// driver runs the migration protocol over (C4). It wraps a TCP
// connection and adds a pipelined non-blocking send mode: buffers
// queued via SendNonblocking must stay alive until WaitComplete
// returns, matching the borrow discipline the driver's pre-copy loop
// relies on.
type Stream struct {
	conn net.Conn

	mu      sync.Mutex
	pending []func() error
}

// Connect opens a data/control connection to (addr, port). Blocks
// until the peer accepts or the attempt fails.
func Connect(addr string, port int) (*Stream, error) {
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return nil, fmt.Errorf("migration: connect: %w", err)
	}

	return &Stream{conn: conn}, nil
}

// Listen blocks until one client connects on port, then returns the
// resulting stream. The listener itself is closed once a peer is
// accepted: the core speaks to exactly one migration peer per Stream.
func Listen(port int) (*Stream, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("migration: listen: %w", err)
	}
	defer ln.Close()

	conn, err := ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("migration: accept: %w", err)
	}

	return &Stream{conn: conn}, nil
}

// Send first writes any buffers still queued by SendNonblocking, so
// the wire carries them in the order they were issued, then blocks
// until every byte of buf has been written to the peer.
func (s *Stream) Send(buf []byte) error {
	if err := s.WaitComplete(); err != nil {
		return err
	}

	_, err := s.conn.Write(buf)
	if err != nil {
		return fmt.Errorf("migration: send: %w", err)
	}

	return nil
}

// SendNonblocking queues buf for transmission without blocking for
// acknowledgement. buf is borrowed: the caller must not mutate or
// free it until WaitComplete returns. Queued sends are issued in
// order from WaitComplete, or from the next Send, preserving the
// single-stream ordering guarantee the pre-copy loop depends on.
func (s *Stream) SendNonblocking(buf []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, func() error { return s.Send(buf) })
}

// WaitComplete issues every queued SendNonblocking write, in order,
// and blocks until all are acknowledged (i.e. written). On return,
// every previously queued buffer may be freed or reused.
func (s *Stream) WaitComplete() error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, send := range batch {
		if err := send(); err != nil {
			return err
		}
	}

	return nil
}

// Receive blocks until exactly len(buf) bytes have been read.
func (s *Stream) Receive(buf []byte) error {
	if _, err := io.ReadFull(s.conn, buf); err != nil {
		return fmt.Errorf("migration: receive: %w", err)
	}

	return nil
}

// Close flushes any queued sends, then tears the stream down so the
// remote observes EOF.
func (s *Stream) Close() error {
	if err := s.WaitComplete(); err != nil {
		_ = s.conn.Close()

		return err
	}

	return s.conn.Close()
}

// wordSize is the wire width of the ping/pong and PRD words: one
// 32-bit little-endian machine word, matching the rest of the framing
// records.
const wordSize = 4

// SendPing writes the ping sentinel word and blocks for the pong,
// returning the peer's reply word; timing the round trip is left to
// the caller. The caller is expected to pass
// PingWord; a non-PingWord-derived pong is ping corruption.
func (s *Stream) SendPing(word uint32) (uint32, error) {
	buf := make([]byte, wordSize)
	binary.LittleEndian.PutUint32(buf, word)

	if err := s.Send(buf); err != nil {
		return 0, err
	}

	if err := s.Receive(buf); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(buf), nil
}

// EchoPing receives a ping word and sends back 3x its value, per the
// receiver side of the handshake.
func (s *Stream) EchoPing() error {
	buf := make([]byte, wordSize)
	if err := s.Receive(buf); err != nil {
		return err
	}

	word := binary.LittleEndian.Uint32(buf)
	binary.LittleEndian.PutUint32(buf, 3*word)

	return s.Send(buf)
}

// SendPrd writes a single PRD word.
func (s *Stream) SendPrd(p Prd) error {
	buf := make([]byte, wordSize)
	binary.LittleEndian.PutUint32(buf, p.Raw())

	return s.Send(buf)
}

// ReceivePrd reads a single PRD word.
func (s *Stream) ReceivePrd() (Prd, error) {
	buf := make([]byte, wordSize)
	if err := s.Receive(buf); err != nil {
		return 0, err
	}

	return PrdFromRaw(binary.LittleEndian.Uint32(buf)), nil
}

// SendRecord marshals a fixed-layout framing record and sends it.
func (s *Stream) SendRecord(v any) error {
	buf, err := marshalFixed(v)
	if err != nil {
		return fmt.Errorf("migration: encode record: %w", err)
	}

	return s.Send(buf)
}

// ReceiveInit reads a MigrationInit and verifies its magic.
func (s *Stream) ReceiveInit() (MigrationInit, error) {
	var m MigrationInit

	buf := make([]byte, 8)
	if err := s.Receive(buf); err != nil {
		return m, err
	}

	if err := unmarshalFixed(buf, &m); err != nil {
		return m, err
	}

	return m, m.checkMagic()
}

// ReceiveAnswer reads a MigrationAnswer and verifies its magic.
func (s *Stream) ReceiveAnswer() (MigrationAnswer, error) {
	var m MigrationAnswer

	buf := make([]byte, 12)
	if err := s.Receive(buf); err != nil {
		return m, err
	}

	if err := unmarshalFixed(buf, &m); err != nil {
		return m, err
	}

	return m, m.checkMagic()
}

// ReceiveHeader reads a MigrationHeader and verifies its magic.
func (s *Stream) ReceiveHeader() (MigrationHeader, error) {
	var m MigrationHeader

	buf := make([]byte, 12)
	if err := s.Receive(buf); err != nil {
		return m, err
	}

	if err := unmarshalFixed(buf, &m); err != nil {
		return m, err
	}

	return m, m.checkMagic()
}

// ReceiveDeviceRecordHeader reads a DeviceRecordHeader and verifies its magic.
func (s *Stream) ReceiveDeviceRecordHeader() (DeviceRecordHeader, error) {
	var d DeviceRecordHeader

	buf := make([]byte, 24)
	if err := s.Receive(buf); err != nil {
		return d, err
	}

	if err := unmarshalFixed(buf, &d); err != nil {
		return d, err
	}

	return d, d.checkMagic()
}
