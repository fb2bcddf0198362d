package mbclient

import (
	"fmt"

	"github.com/bangzek/clock"
)

var ctime = clock.New()

// txState tracks where a transaction is in its lifecycle. States only
// matter within one execute call; the engine starts over for the next
// operation.
type txState uint8

const (
	txIdle txState = iota
	txSent
	txAwaitingResponse
	txCompleted
	txRetrying
	txFailed
)

var txStateNames = map[txState]string{
	txIdle:             "idle",
	txSent:             "sent",
	txAwaitingResponse: "awaiting-response",
	txCompleted:        "completed",
	txRetrying:         "retrying",
	txFailed:           "failed",
}

func (s txState) String() string {
	return txStateNames[s]
}

// transaction runs the send/receive/retry cycle over a transporter. One
// instance is reused for every operation of a client; the client
// serializes access to it.
type transaction struct {
	transporter Transporter
	retries     int
	logger      *SimpleLogger
	state       txState
}

// execute sends the request PDU and returns the raw response PDU.
// Timeouts are transparently retried up to retries extra attempts, each
// preceded by a flush and transport-specific retry preparation. Server
// exceptions and transport faults fail immediately. A broadcast request
// is sent once and returns a nil response without waiting.
func (e *transaction) execute(serverID uint8, req []byte) ([]byte, error) {
	started := ctime.Now()
	attempts := 0
	var lastErr error

	for try := e.retries + 1; try > 0; try-- {
		if attempts > 0 {
			e.state = txRetrying
			if err := e.transporter.Flush(); err != nil {
				e.logger.Warnf("flush before retry failed: %v", err)
			}
			if err := e.transporter.PrepareRetry(); err != nil {
				e.state = txFailed
				return nil, &TransportError{Err: err}
			}
		}

		if err := e.transporter.Send(serverID, req); err != nil {
			e.state = txFailed
			return nil, &TransportError{Err: err}
		}
		e.state = txSent
		attempts++

		if serverID == BroadcastID {
			// Nobody answers a broadcast.
			e.state = txCompleted
			return nil, nil
		}

		e.state = txAwaitingResponse
		respID, resp, err := e.transporter.Receive()
		if err != nil {
			if isTimeout(err) {
				e.logger.Debugf("attempt %d for server %d func %02X timed out: %v",
					attempts, serverID, req[0], err)
				lastErr = err
				continue
			}
			e.state = txFailed
			return nil, &TransportError{Err: err}
		}

		if respID != serverID {
			e.state = txFailed
			return nil, &TransportError{Err: fmt.Errorf("response from server %d, expected %d", respID, serverID)}
		}
		if len(resp) == 0 {
			e.state = txFailed
			return nil, &TransportError{Err: fmt.Errorf("empty response PDU")}
		}

		if resp[0]&0x80 != 0 {
			// Exception response: request function echoed with the high
			// bit set, followed by the exception code. Never retried.
			code := uint8(0)
			if len(resp) > 1 {
				code = resp[1]
			}
			e.state = txFailed
			return nil, newServerError(req[0], code)
		}
		if resp[0] != req[0] {
			e.state = txFailed
			return nil, &TransportError{Err: fmt.Errorf("response function %02X, expected %02X", resp[0], req[0])}
		}

		e.state = txCompleted
		e.logger.Debugf("server %d func %02X done in %s: % X",
			serverID, req[0], ctime.Now().Sub(started), resp)
		return resp, nil
	}

	e.state = txFailed
	e.logger.Warnf("server %d func %02X gave no valid response after %d attempts: %v",
		serverID, req[0], attempts, lastErr)
	return nil, &TimeoutError{Attempts: attempts}
}
