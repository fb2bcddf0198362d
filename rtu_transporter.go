package mbclient

import (
	"fmt"
	"io"
	"sync"
	"time"

	serial "github.com/hootrhino/goserial"
	"github.com/pkg/errors"
)

// RTUConfig holds the link parameters the transporter needs beyond the
// port itself.
type RTUConfig struct {
	// Timeout bounds one request/response exchange. Zero means
	// DefaultTimeout.
	Timeout time.Duration
	// BaudRate sets the 3.5 character inter-frame silence. Zero, or
	// anything above 19200, falls back to the fixed 1750 microseconds.
	BaudRate int
}

// RTUTransporter speaks Modbus RTU over a serial port, or anything else
// that reads and writes bytes. The response length is derived from each
// request, so the receive path reads exactly one frame instead of
// guessing at inter-character gaps.
type RTUTransporter struct {
	mu          sync.Mutex
	port        io.ReadWriteCloser
	packager    *RTUPackager
	timeout     time.Duration
	frameDelay  time.Duration
	portConfig  *serial.Config // set when the transporter owns the port
	expectedLen int            // response ADU length for the request in flight
	pending     bool           // bytes from a failed exchange may still be on the line
	closed      bool
	stats       TransportStats
}

// NewRTUTransporter wraps an already open port. The caller keeps
// responsibility for the port after link faults; PrepareRetry is a
// no-op.
func NewRTUTransporter(port io.ReadWriteCloser, config RTUConfig) *RTUTransporter {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RTUTransporter{
		port:       port,
		packager:   NewRTUPackager(),
		timeout:    clampTimeout(timeout),
		frameDelay: interFrameDelay(config.BaudRate),
	}
}

// OpenRTUTransporter opens the serial port described by config and
// returns a transporter that owns it: PrepareRetry closes and reopens
// the port after a failed exchange. A zero config.Timeout becomes
// DefaultTimeout; the port's read timeout follows it.
func OpenRTUTransporter(config *serial.Config) (*RTUTransporter, error) {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	port, err := serial.Open(config)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", config.Address)
	}
	t := NewRTUTransporter(port, RTUConfig{Timeout: config.Timeout, BaudRate: config.BaudRate})
	t.portConfig = config
	return t, nil
}

// interFrameDelay is the quiet time between frames: 3.5 character times
// at the given baud rate, fixed at 1750 microseconds above 19200 baud.
// See MODBUS over Serial Line - Specification and Implementation Guide.
func interFrameDelay(baudRate int) time.Duration {
	if baudRate <= 0 || baudRate > 19200 {
		return 1750 * time.Microsecond
	}
	return time.Duration(35000000/baudRate) * time.Microsecond
}

// Send frames the PDU with the CRC trailer and writes it after the
// inter-frame silence.
func (t *RTUTransporter) Send(serverID uint8, pdu []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("transporter is closed")
	}

	frame, err := t.packager.Pack(serverID, pdu)
	if err != nil {
		return err
	}

	time.Sleep(t.frameDelay)

	if n, err := t.port.Write(frame); err != nil {
		return fmt.Errorf("write failed: %w", err)
	} else if n != len(frame) {
		return io.ErrShortWrite
	}

	t.expectedLen = 0
	if want := expectedResponseLength(pdu); want > 0 {
		t.expectedLen = want + 3 // server ID + PDU + CRC
	}
	t.pending = serverID != BroadcastID
	t.stats.FramesSent++
	return nil
}

// Receive reads one response frame. Normal responses have the length
// announced by the request; an exception response is recognized after
// the first five bytes. A silent or truncating line reads as a timeout.
func (t *RTUTransporter) Receive() (uint8, []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, nil, fmt.Errorf("transporter is closed")
	}
	if t.expectedLen == 0 {
		return 0, nil, fmt.Errorf("no request in flight")
	}

	deadline := ctime.Now().Add(t.timeout)
	frame := make([]byte, t.expectedLen)
	n := 0
	for n < rtuExceptionLength {
		nn, err := t.port.Read(frame[n:])
		n += nn
		if err != nil || nn == 0 {
			if n == 0 {
				// Nothing arrived at all, so there is nothing stale to
				// drain either.
				t.pending = false
			}
			t.stats.FrameErrors++
			return 0, nil, quietLine(err, n)
		}
		if ctime.Now().After(deadline) {
			t.stats.FrameErrors++
			return 0, nil, quietLine(nil, n)
		}
	}

	need := t.expectedLen
	if frame[1]&0x80 != 0 {
		need = rtuExceptionLength
	}
	for n < need {
		nn, err := t.port.Read(frame[n:need])
		n += nn
		if err != nil || nn == 0 {
			t.stats.FrameErrors++
			return 0, nil, quietLine(err, n)
		}
		if ctime.Now().After(deadline) {
			t.stats.FrameErrors++
			return 0, nil, quietLine(nil, n)
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

// quietLine wraps a failed response read. A read error and an empty
// read both mean the device stayed silent or stopped mid-frame, which
// the retry loop treats as a timeout.
func quietLine(err error, got int) error {
	if err == nil {
		err = io.EOF
	}
	return &timeoutError{errors.Wrapf(err, "serial line quiet after %d response bytes", got)}
}

// Flush discards whatever a failed exchange may have left on the line.
// It is a no-op when the previous exchange completed cleanly, so the
// happy path never pays the port's read timeout.
func (t *RTUTransporter) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || !t.pending {
		return nil
	}
	scratch := make([]byte, RTUMaxFrameLength)
	for {
		n, err := t.port.Read(scratch)
		if err != nil || n == 0 {
			break
		}
		t.stats.FrameErrors++
	}
	t.pending = false
	return nil
}

// SetTimeout sets the exchange timeout, clamped to MinTimeout. An owned
// port picks the new value up at its next reopen; a wrapped port keeps
// whatever read timeout it was opened with.
func (t *RTUTransporter) SetTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = clampTimeout(timeout)
	if t.portConfig != nil {
		t.portConfig.Timeout = t.timeout
	}
}

// Timeout returns the current exchange timeout.
func (t *RTUTransporter) Timeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeout
}

// PrepareRetry reopens the port between attempts when the transporter
// owns it. With a wrapped port there is nothing to restore.
func (t *RTUTransporter) PrepareRetry() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.portConfig == nil {
		return nil
	}
	t.port.Close()
	port, err := serial.Open(t.portConfig)
	if err != nil {
		return errors.Wrapf(err, "reopen %s", t.portConfig.Address)
	}
	t.port = port
	t.pending = false
	return nil
}

// Stats returns a snapshot of the traffic counters.
func (t *RTUTransporter) Stats() TransportStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Close closes the underlying port.
func (t *RTUTransporter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.port.Close()
}
