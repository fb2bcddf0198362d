package mbclient

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// RTUOverTCPTransporter speaks RTU framing (server ID + PDU + CRC) over
// a TCP connection, for serial devices behind transparent gateways that
// forward raw RTU bytes instead of re-framing to Modbus TCP. Response
// lengths are derived from each request, like the serial transporter;
// the gateway contributes no MBAP header and no transaction identifier.
type RTUOverTCPTransporter struct {
	mu          sync.Mutex
	conn        net.Conn
	packager    *RTUPackager
	timeout     time.Duration
	expectedLen int // response ADU length for the request in flight
	pending     bool
	closed      bool
	stats       TransportStats
}

// NewRTUOverTCPTransporter wraps an established connection. A zero
// timeout means DefaultTimeout.
func NewRTUOverTCPTransporter(conn net.Conn, timeout time.Duration) *RTUOverTCPTransporter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RTUOverTCPTransporter{
		conn:     conn,
		packager: NewRTUPackager(),
		timeout:  clampTimeout(timeout),
	}
}

// DialRTUOverTCP connects to a gateway at addr and returns a transporter
// over the new connection.
func DialRTUOverTCP(addr string, timeout time.Duration) (*RTUOverTCPTransporter, error) {
	timeout = clampTimeout(timeout)
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return NewRTUOverTCPTransporter(conn, timeout), nil
}

// Send frames the PDU with the CRC trailer and writes it.
func (t *RTUOverTCPTransporter) Send(serverID uint8, pdu []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("transporter is closed")
	}

	frame, err := t.packager.Pack(serverID, pdu)
	if err != nil {
		return err
	}

	if err := t.conn.SetWriteDeadline(ctime.Now().Add(t.timeout)); err != nil {
		return err
	}
	if _, err := t.conn.Write(frame); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}

	t.expectedLen = 0
	if want := expectedResponseLength(pdu); want > 0 {
		t.expectedLen = want + 3 // server ID + PDU + CRC
	}
	t.pending = serverID != BroadcastID
	t.stats.FramesSent++
	return nil
}

// Receive reads one response frame of the length announced by the
// request, shortened to five bytes when the first bytes show an
// exception. The connection's read deadline supplies the timeout.
func (t *RTUOverTCPTransporter) Receive() (uint8, []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, nil, fmt.Errorf("transporter is closed")
	}
	if t.expectedLen == 0 {
		return 0, nil, fmt.Errorf("no request in flight")
	}

	if err := t.conn.SetReadDeadline(ctime.Now().Add(t.timeout)); err != nil {
		return 0, nil, err
	}

	frame := make([]byte, t.expectedLen)
	n := 0
	need := t.expectedLen
	for n < need {
		nn, err := t.conn.Read(frame[n:need])
		n += nn
		if err != nil || nn == 0 {
			if n == 0 {
				t.pending = false
			}
			t.stats.FrameErrors++
			if err != nil && !isTimeout(err) {
				return 0, nil, fmt.Errorf("read failed after %d response bytes: %w", n, err)
			}
			return 0, nil, quietLine(err, n)
		}
		if n >= rtuExceptionLength && frame[1]&0x80 != 0 {
			need = rtuExceptionLength
		}
	}

	t.expectedLen = 0
	serverID, pdu, err := t.packager.Unpack(frame[:need])
	if err != nil {
		t.stats.FrameErrors++
		return 0, nil, err
	}
	t.pending = false
	t.stats.FramesReceived++
	return serverID, pdu, nil
}

// Flush drains whatever a failed exchange left buffered, so the next
// exchange starts clean. No-op when the previous exchange completed.
func (t *RTUOverTCPTransporter) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || !t.pending {
		return nil
	}
	if err := t.conn.SetReadDeadline(ctime.Now().Add(MinTimeout)); err != nil {
		return err
	}
	scratch := make([]byte, RTUMaxFrameLength)
	for {
		n, err := t.conn.Read(scratch)
		if err != nil || n == 0 {
			t.pending = false
			return nil
		}
		t.stats.FrameErrors++
	}
}

// SetTimeout sets the exchange timeout, clamped to MinTimeout.
func (t *RTUOverTCPTransporter) SetTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = clampTimeout(timeout)
}

// Timeout returns the current exchange timeout.
func (t *RTUOverTCPTransporter) Timeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeout
}

// PrepareRetry is a no-op: the connection stays up across attempts and
// stale bytes are caught by Flush and the CRC.
func (t *RTUOverTCPTransporter) PrepareRetry() error {
	return nil
}

// Stats returns a snapshot of the traffic counters.
func (t *RTUOverTCPTransporter) Stats() TransportStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Close closes the underlying connection.
func (t *RTUOverTCPTransporter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}
