package mbclient

import "time"

// Transport timing defaults shared by TCP and RTU.
const (
	// DefaultTimeout bounds one request/response exchange when the caller
	// does not set a timeout.
	DefaultTimeout = 1 * time.Second
	// MinTimeout is the floor SetTimeout clamps to. Shorter values would
	// expire before a serial frame can finish on the wire.
	MinTimeout = 2 * time.Millisecond
)

// Transporter moves one PDU at a time across a Modbus link. Framing
// (MBAP header or CRC trailer) is the transporter's job; the PDU passed
// in and out never includes it.
//
// Implementations are safe for use by a single transaction at a time;
// the client serializes access.
type Transporter interface {
	// Send frames and writes one request PDU for the given server.
	Send(serverID uint8, pdu []byte) error
	// Receive reads and unframes one response PDU. It fails once the
	// configured timeout expires with no complete frame.
	Receive() (serverID uint8, pdu []byte, err error)
	// Flush discards any unread bytes sitting on the link so the next
	// exchange starts clean.
	Flush() error
	// SetTimeout sets the per-exchange response timeout, clamped to
	// MinTimeout.
	SetTimeout(timeout time.Duration)
	// Timeout returns the current per-exchange response timeout.
	Timeout() time.Duration
	// PrepareRetry restores the link to a usable state between a failed
	// attempt and its retry.
	PrepareRetry() error
	Close() error
}

// TransportStats counts traffic on a transporter since it was created.
type TransportStats struct {
	FramesSent     uint64
	FramesReceived uint64
	FrameErrors    uint64 // short, stale or corrupt frames
}

func clampTimeout(timeout time.Duration) time.Duration {
	return maxOf(timeout, MinTimeout)
}

// timeoutError marks an underlying read failure as a timeout so the
// retry loop treats a silent line the same as an expired deadline.
type timeoutError struct {
	err error
}

func (e *timeoutError) Error() string { return e.err.Error() }
func (e *timeoutError) Timeout() bool { return true }
func (e *timeoutError) Unwrap() error { return e.err }
