package mbclient

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// TCPTransporter speaks Modbus TCP over a net.Conn. Each request is
// tagged with a fresh transaction identifier; responses carrying a
// stale identifier (late answers to an attempt that already timed out)
// are skipped.
type TCPTransporter struct {
	mu            sync.Mutex
	conn          net.Conn
	packager      *TCPPackager
	timeout       time.Duration
	transactionID uint32 // atomic counter, truncated to 16 bits on the wire
	lastTxID      uint16 // identifier of the request in flight
	pending       bool   // bytes from a failed exchange may still be buffered
	closed        bool
	stats         TransportStats
}

// NewTCPTransporter wraps an established connection. Close closes the
// connection.
func NewTCPTransporter(conn net.Conn) *TCPTransporter {
	return &TCPTransporter{
		conn:     conn,
		packager: NewTCPPackager(),
		timeout:  DefaultTimeout,
	}
}

// DialTCP connects to a Modbus TCP server at addr ("host:502") and
// returns a transporter over the new connection. timeout bounds the
// dial and becomes the response timeout.
func DialTCP(addr string, timeout time.Duration) (*TCPTransporter, error) {
	timeout = clampTimeout(timeout)
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	t := NewTCPTransporter(conn)
	t.timeout = timeout
	return t, nil
}

func (t *TCPTransporter) nextTransactionID() uint16 {
	return uint16(atomic.AddUint32(&t.transactionID, 1))
}

// Send frames the PDU with an MBAP header and writes it.
func (t *TCPTransporter) Send(serverID uint8, pdu []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("transporter is closed")
	}

	txID := t.nextTransactionID()
	frame, err := t.packager.Pack(txID, serverID, pdu)
	if err != nil {
		return err
	}

	if err := t.conn.SetWriteDeadline(ctime.Now().Add(t.timeout)); err != nil {
		return err
	}
	if _, err := t.conn.Write(frame); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}

	t.lastTxID = txID
	t.pending = serverID != BroadcastID
	t.stats.FramesSent++
	return nil
}

// Receive reads frames until one matches the transaction identifier of
// the request in flight or the timeout expires.
func (t *TCPTransporter) Receive() (uint8, []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, nil, fmt.Errorf("transporter is closed")
	}

	deadline := ctime.Now().Add(t.timeout)
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return 0, nil, err
	}

	for {
		txID, unitID, pdu, err := t.readFrame()
		if err != nil {
			return 0, nil, err
		}
		t.stats.FramesReceived++
		if txID == t.lastTxID {
			t.pending = false
			return unitID, pdu, nil
		}
		// Stale response from an earlier attempt. Keep reading until the
		// deadline runs out.
		t.stats.FrameErrors++
		if ctime.Now().After(deadline) {
			return 0, nil, &timeoutError{fmt.Errorf("no response for transaction 0x%04X", t.lastTxID)}
		}
	}
}

// readFrame reads one complete frame: the fixed MBAP header first, then
// as many body bytes as its length field announces.
func (t *TCPTransporter) readFrame() (txID uint16, unitID uint8, pdu []byte, err error) {
	header := make([]byte, TCPHeaderLength)
	if _, err = io.ReadFull(t.conn, header); err != nil {
		err = fmt.Errorf("failed to read MBAP header: %w", err)
		return
	}

	length := binary.BigEndian.Uint16(header[4:6])
	if length == 0 || length > MaxPDULength+1 {
		err = fmt.Errorf("invalid MBAP length field: %d", length)
		return
	}

	frame := make([]byte, TCPHeaderLength+int(length)-1)
	copy(frame, header)
	if _, err = io.ReadFull(t.conn, frame[TCPHeaderLength:]); err != nil {
		err = fmt.Errorf("failed to read PDU (%d bytes): %w", length-1, err)
		return
	}

	return t.packager.Unpack(frame)
}

// Flush drains whatever a failed exchange left buffered on the
// connection, so the next exchange starts clean. It is a no-op when the
// previous exchange completed. Best effort.
func (t *TCPTransporter) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || !t.pending {
		return nil
	}
	if err := t.conn.SetReadDeadline(ctime.Now().Add(MinTimeout)); err != nil {
		return err
	}
	scratch := make([]byte, MaxTCPFrameLength)
	for {
		n, err := t.conn.Read(scratch)
		if err != nil || n == 0 {
			t.pending = false
			return nil
		}
		t.stats.FrameErrors++
	}
}

// SetTimeout sets the response timeout, clamped to MinTimeout.
func (t *TCPTransporter) SetTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = clampTimeout(timeout)
}

// Timeout returns the current response timeout.
func (t *TCPTransporter) Timeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeout
}

// PrepareRetry is a no-op: a late response to the failed attempt is
// recognized by its transaction identifier and skipped.
func (t *TCPTransporter) PrepareRetry() error {
	return nil
}

// Stats returns a snapshot of the traffic counters.
func (t *TCPTransporter) Stats() TransportStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Close closes the underlying connection.
func (t *TCPTransporter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}
