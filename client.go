package mbclient

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// Client defaults.
const (
	DefaultNumRetries = 1 // extra attempts after the first, on timeout
	DefaultServerID   = 1
)

// ReadSegment describes one slice of a heterogeneous register read:
// Count values of Precision, laid out back to back on the server.
type ReadSegment struct {
	Count     uint16
	Precision Precision
}

// Client is a synchronous Modbus client. Each operation validates its
// arguments, builds the request, runs the send/receive/retry cycle and
// converts the result. A Client owns its transporter exclusively; an
// internal mutex serializes operations so one Client can be shared
// across goroutines.
type Client struct {
	mu          sync.Mutex
	transporter Transporter
	converter   Converter
	retries     int
	logger      *SimpleLogger
	tx          transaction
}

// NewClient wraps a transporter. Defaults: big-endian byte and word
// order, one retry on timeout, logging disabled.
func NewClient(t Transporter, opts ...Option) *Client {
	c := &Client{
		transporter: t,
		retries:     DefaultNumRetries,
		logger:      NewSimpleLogger(nil, LevelNone, "mbclient"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tx = transaction{transporter: t, retries: c.retries, logger: c.logger}
	return c
}

// SetTimeout sets the per-exchange response timeout on the underlying
// transporter, clamped to MinTimeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.transporter.SetTimeout(timeout)
}

// Close closes the underlying transporter.
func (c *Client) Close() error {
	return c.transporter.Close()
}

// Read reads count values starting at a 1-based address. Bit areas
// (coils, discrete inputs) return 0/1 values and ignore precision;
// register areas decode count values of the given precision, so wider
// precisions consume several registers per value.
func (c *Client) Read(serverID uint8, target Target, address uint32, count uint16, precision Precision) ([]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := validateServerID(serverID, true); err != nil {
		return nil, err
	}
	if !target.valid() {
		return nil, newValidationError("target", "unknown target area %d", target)
	}

	var quantity uint16
	if target.IsRegister() {
		if !precision.valid() {
			return nil, newValidationError("precision", "unsupported precision %d", precision)
		}
		total := uint32(count) * uint32(precision.Registers())
		if count == 0 || total > MaxReadRegisters {
			return nil, newValidationError("count",
				"%d values of %s occupy %d registers, allowed 1-%d", count, precision, total, MaxReadRegisters)
		}
		quantity = uint16(total)
	} else {
		if count == 0 || count > MaxReadBits {
			return nil, newValidationError("count", "%d bits out of range 1-%d", count, MaxReadBits)
		}
		quantity = count
	}
	if err := validateAddress(address, quantity); err != nil {
		return nil, err
	}

	pdu, err := c.transact(serverID, readRequest(target, uint16(address-1), quantity))
	if err != nil {
		return nil, fmt.Errorf("mbclient: read %s failed (server %d): %w", target, serverID, err)
	}

	if target.IsRegister() {
		payload, err := readPayload(pdu, target.readFunction(), int(quantity)*2)
		if err != nil {
			return nil, fmt.Errorf("mbclient: read %s failed (server %d): %w", target, serverID, &TransportError{Err: err})
		}
		values, err := c.converter.DecodeRegisters(payload, precision)
		if err != nil {
			return nil, fmt.Errorf("mbclient: read %s failed (server %d): %w", target, serverID, &TransportError{Err: err})
		}
		return values, nil
	}

	payload, err := readPayload(pdu, target.readFunction(), ceilDiv(int(count), 8))
	if err != nil {
		return nil, fmt.Errorf("mbclient: read %s failed (server %d): %w", target, serverID, &TransportError{Err: err})
	}
	return unpackCoils(payload, count), nil
}

// ReadSegments reads several (count, precision) segments laid out back
// to back from one starting address, in a single transaction. Register
// areas only. The converted segments are concatenated in request order.
func (c *Client) ReadSegments(serverID uint8, target Target, address uint32, segments []ReadSegment) ([]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := validateServerID(serverID, true); err != nil {
		return nil, err
	}
	if !target.valid() || !target.IsRegister() {
		return nil, newValidationError("target", "segmented reads need a register area, got %s", target)
	}
	if len(segments) == 0 {
		return nil, newValidationError("segments", "at least one segment required")
	}

	// Totals accumulate in 64 bits so an oversized segment list cannot
	// wrap around before the bound check.
	var total, count uint64
	for i, seg := range segments {
		if !seg.Precision.valid() {
			return nil, newValidationError("precision", "segment %d: unsupported precision %d", i, seg.Precision)
		}
		if seg.Count == 0 {
			return nil, newValidationError("count", "segment %d: count must be positive", i)
		}
		total += uint64(seg.Count) * uint64(seg.Precision.Registers())
		count += uint64(seg.Count)
	}
	if total > MaxReadRegisters {
		return nil, newValidationError("count",
			"segments occupy %d registers, allowed 1-%d", total, MaxReadRegisters)
	}
	if err := validateAddress(address, uint16(total)); err != nil {
		return nil, err
	}

	pdu, err := c.transact(serverID, readRequest(target, uint16(address-1), uint16(total)))
	if err != nil {
		return nil, fmt.Errorf("mbclient: read %s failed (server %d): %w", target, serverID, err)
	}
	payload, err := readPayload(pdu, target.readFunction(), int(total)*2)
	if err != nil {
		return nil, fmt.Errorf("mbclient: read %s failed (server %d): %w", target, serverID, &TransportError{Err: err})
	}

	values := make([]float64, 0, count)
	offset := 0
	for _, seg := range segments {
		width := int(seg.Count) * seg.Precision.Bytes()
		converted, err := c.converter.DecodeRegisters(payload[offset:offset+width], seg.Precision)
		if err != nil {
			return nil, fmt.Errorf("mbclient: read %s failed (server %d): %w", target, serverID, &TransportError{Err: err})
		}
		values = append(values, converted...)
		offset += width
	}
	return values, nil
}

// Write writes values to coils or holding registers starting at a
// 1-based address. A single value occupying a single coil or register
// goes out as the single-write function code, anything larger as the
// multiple-write one. Coil values must be exactly 0 or 1. Broadcast
// writes (server 0) are sent without waiting for a response.
func (c *Client) Write(serverID uint8, target Target, address uint32, values []float64, precision Precision) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := validateServerID(serverID, false); err != nil {
		return err
	}
	if !target.valid() {
		return newValidationError("target", "unknown target area %d", target)
	}
	if !target.IsWritable() {
		return newValidationError("target", "%s is read-only", target)
	}
	if len(values) == 0 {
		return newValidationError("values", "at least one value required")
	}

	if target == TargetCoils {
		return c.writeCoils(serverID, address, values)
	}
	return c.writeRegisters(serverID, address, values, precision)
}

func (c *Client) writeCoils(serverID uint8, address uint32, values []float64) error {
	if len(values) > MaxWriteBits {
		return newValidationError("count", "%d coils out of range 1-%d", len(values), MaxWriteBits)
	}
	coils := make([]bool, len(values))
	for i, v := range values {
		switch v {
		case 0:
		case 1:
			coils[i] = true
		default:
			return newValidationError("values", "coil value at index %d must be 0 or 1, got %g", i, v)
		}
	}
	if err := validateAddress(address, uint16(len(coils))); err != nil {
		return err
	}

	var req []byte
	if len(coils) == 1 {
		req = writeSingleCoilRequest(uint16(address-1), coils[0])
	} else {
		req = writeMultipleCoilsRequest(uint16(address-1), coils)
	}
	pdu, err := c.transact(serverID, req)
	if err != nil {
		return fmt.Errorf("mbclient: write %s failed (server %d): %w", TargetCoils, serverID, err)
	}
	if pdu == nil {
		// Broadcast: nothing to verify.
		return nil
	}

	if len(coils) == 1 {
		state := uint16(0x0000)
		if coils[0] {
			state = 0xFF00
		}
		err = verifyWriteEcho(pdu, FuncCodeWriteSingleCoil, uint16(address-1), state)
	} else {
		err = verifyWriteEcho(pdu, FuncCodeWriteMultipleCoils, uint16(address-1), uint16(len(coils)))
	}
	if err != nil {
		return fmt.Errorf("mbclient: write %s failed (server %d): %w", TargetCoils, serverID, &TransportError{Err: err})
	}
	return nil
}

func (c *Client) writeRegisters(serverID uint8, address uint32, values []float64, precision Precision) error {
	if !precision.valid() {
		return newValidationError("precision", "unsupported precision %d", precision)
	}
	total := uint64(len(values)) * uint64(precision.Registers())
	if total > MaxWriteRegisters {
		return newValidationError("count",
			"%d values of %s occupy %d registers, allowed 1-%d", len(values), precision, total, MaxWriteRegisters)
	}
	if err := validateAddress(address, uint16(total)); err != nil {
		return err
	}
	payload, err := c.converter.EncodeRegisters(values, precision)
	if err != nil {
		return newValidationError("values", "%v", err)
	}

	single := len(values) == 1 && precision.Registers() == 1
	var req []byte
	if single {
		req = writeSingleRegisterRequest(uint16(address-1), binary.BigEndian.Uint16(payload))
	} else {
		req = writeMultipleRegistersRequest(uint16(address-1), uint16(total), payload)
	}
	pdu, err := c.transact(serverID, req)
	if err != nil {
		return fmt.Errorf("mbclient: write %s failed (server %d): %w", TargetHoldingRegisters, serverID, err)
	}
	if pdu == nil {
		return nil
	}

	if single {
		err = verifyWriteEcho(pdu, FuncCodeWriteSingleRegister, uint16(address-1), binary.BigEndian.Uint16(payload))
	} else {
		err = verifyWriteEcho(pdu, FuncCodeWriteMultipleRegisters, uint16(address-1), uint16(total))
	}
	if err != nil {
		return fmt.Errorf("mbclient: write %s failed (server %d): %w", TargetHoldingRegisters, serverID, &TransportError{Err: err})
	}
	return nil
}

// WriteRead writes values to holding registers and reads readCount
// values back in one combined transaction (the server performs the
// write first). Write and read ranges are validated independently and
// may overlap.
func (c *Client) WriteRead(serverID uint8, writeAddress uint32, values []float64, writePrecision Precision,
	readAddress uint32, readCount uint16, readPrecision Precision) ([]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := validateServerID(serverID, true); err != nil {
		return nil, err
	}
	if !writePrecision.valid() {
		return nil, newValidationError("write precision", "unsupported precision %d", writePrecision)
	}
	if !readPrecision.valid() {
		return nil, newValidationError("read precision", "unsupported precision %d", readPrecision)
	}
	if len(values) == 0 {
		return nil, newValidationError("values", "at least one value required")
	}

	writeTotal := uint64(len(values)) * uint64(writePrecision.Registers())
	if writeTotal > MaxWriteReadRegisters {
		return nil, newValidationError("count",
			"%d values of %s occupy %d registers, allowed 1-%d in a combined transaction",
			len(values), writePrecision, writeTotal, MaxWriteReadRegisters)
	}
	readTotal := uint64(readCount) * uint64(readPrecision.Registers())
	if readCount == 0 || readTotal > MaxReadRegisters {
		return nil, newValidationError("count",
			"%d values of %s occupy %d registers, allowed 1-%d", readCount, readPrecision, readTotal, MaxReadRegisters)
	}
	if err := validateAddress(writeAddress, uint16(writeTotal)); err != nil {
		return nil, err
	}
	if err := validateAddress(readAddress, uint16(readTotal)); err != nil {
		return nil, err
	}

	payload, err := c.converter.EncodeRegisters(values, writePrecision)
	if err != nil {
		return nil, newValidationError("values", "%v", err)
	}

	req := writeReadRequest(uint16(readAddress-1), uint16(readTotal), uint16(writeAddress-1), uint16(writeTotal), payload)
	pdu, err := c.transact(serverID, req)
	if err != nil {
		return nil, fmt.Errorf("mbclient: write-read failed (server %d): %w", serverID, err)
	}
	data, err := readPayload(pdu, FuncCodeReadWriteMultipleRegisters, int(readTotal)*2)
	if err != nil {
		return nil, fmt.Errorf("mbclient: write-read failed (server %d): %w", serverID, &TransportError{Err: err})
	}
	converted, err := c.converter.DecodeRegisters(data, readPrecision)
	if err != nil {
		return nil, fmt.Errorf("mbclient: write-read failed (server %d): %w", serverID, &TransportError{Err: err})
	}
	return converted, nil
}

// MaskWrite updates a single holding register on the server as
// (current AND andMask) OR (orMask AND NOT andMask). The server echoes
// the masks, and the echo is verified.
func (c *Client) MaskWrite(serverID uint8, address uint32, andMask, orMask uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := validateServerID(serverID, false); err != nil {
		return err
	}
	if err := validateAddress(address, 1); err != nil {
		return err
	}

	pdu, err := c.transact(serverID, maskWriteRequest(uint16(address-1), andMask, orMask))
	if err != nil {
		return fmt.Errorf("mbclient: mask write failed (server %d): %w", serverID, err)
	}
	if pdu == nil {
		return nil
	}
	if err := verifyWriteEcho(pdu, FuncCodeMaskWriteRegister, uint16(address-1), andMask, orMask); err != nil {
		return fmt.Errorf("mbclient: mask write failed (server %d): %w", serverID, &TransportError{Err: err})
	}
	return nil
}

// transact applies the clean-line policy around one engine run: flush
// before the request goes out and flush again before a failure
// propagates, so the next operation starts from a clean byte boundary.
func (c *Client) transact(serverID uint8, req []byte) ([]byte, error) {
	if err := c.transporter.Flush(); err != nil {
		c.logger.Warnf("flush before request failed: %v", err)
	}
	pdu, err := c.tx.execute(serverID, req)
	if err != nil {
		if ferr := c.transporter.Flush(); ferr != nil {
			c.logger.Warnf("flush after failure failed: %v", ferr)
		}
		return nil, err
	}
	return pdu, nil
}

// validateServerID bounds the server ID and rejects broadcast for
// operations that need a response.
func validateServerID(serverID uint8, read bool) error {
	if serverID > MaxServerID {
		return newValidationError("server id", "%d out of range 0-%d", serverID, MaxServerID)
	}
	if read && serverID == BroadcastID {
		return newValidationError("server id", "broadcast address %d cannot be read from", BroadcastID)
	}
	return nil
}

// validateAddress checks a 1-based start address whose transfer spans
// quantity consecutive points.
func validateAddress(address uint32, quantity uint16) error {
	if address < MinAddress || address > MaxAddress {
		return newValidationError("address", "%d out of range %d-%d", address, MinAddress, MaxAddress)
	}
	if uint64(address-1)+uint64(quantity) > MaxAddress {
		return newValidationError("address",
			"range %d..%d exceeds the addressable area", address, uint64(address)+uint64(quantity)-1)
	}
	return nil
}
