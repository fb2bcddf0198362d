package mbclient

import (
	"encoding/binary"
	"fmt"
)

// Modbus TCP framing constants.
const (
	TCPHeaderLength       = 7                              // MBAP header length in bytes
	MaxTCPFrameLength     = TCPHeaderLength + MaxPDULength // Maximum complete frame length
	ProtocolIdentifierTCP = 0x0000                         // Modbus protocol on a TCP link
)

// TCPPackager handles Modbus TCP frame packing and unpacking.
type TCPPackager struct{}

// NewTCPPackager creates a new TCPPackager.
func NewTCPPackager() *TCPPackager {
	return &TCPPackager{}
}

// Pack wraps a PDU in a complete TCP frame.
// The frame format is: MBAP (7 bytes) + PDU (variable length).
// MBAP format: Transaction Identifier (2 bytes) + Protocol Identifier (2 bytes) + Length (2 bytes) + Unit Identifier (1 byte).
func (p *TCPPackager) Pack(transactionID uint16, unitID uint8, pdu []byte) ([]byte, error) {
	if len(pdu) == 0 {
		return nil, fmt.Errorf("PDU cannot be empty")
	}
	if len(pdu) > MaxPDULength {
		return nil, fmt.Errorf("PDU length %d exceeds maximum %d bytes", len(pdu), MaxPDULength)
	}

	frame := make([]byte, TCPHeaderLength+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], transactionID)
	binary.BigEndian.PutUint16(frame[2:4], ProtocolIdentifierTCP)
	// The length field counts the unit identifier plus the PDU.
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(pdu)+1))
	frame[6] = unitID
	copy(frame[7:], pdu)

	return frame, nil
}

// Unpack splits a complete TCP frame into its Transaction Identifier,
// Unit Identifier and PDU.
func (p *TCPPackager) Unpack(frame []byte) (transactionID uint16, unitID uint8, pdu []byte, err error) {
	if len(frame) < TCPHeaderLength+1 {
		err = fmt.Errorf("invalid TCP frame length: %d bytes, minimum required: %d bytes",
			len(frame), TCPHeaderLength+1)
		return
	}
	if len(frame) > MaxTCPFrameLength {
		err = fmt.Errorf("TCP frame length %d exceeds maximum %d bytes", len(frame), MaxTCPFrameLength)
		return
	}

	transactionID = binary.BigEndian.Uint16(frame[0:2])
	protocolID := binary.BigEndian.Uint16(frame[2:4])
	length := binary.BigEndian.Uint16(frame[4:6])
	unitID = frame[6]
	pdu = frame[7:]

	if protocolID != ProtocolIdentifierTCP {
		err = fmt.Errorf("invalid protocol identifier: 0x%04X, expected 0x%04X", protocolID, ProtocolIdentifierTCP)
		return
	}
	if int(length) != len(pdu)+1 {
		err = fmt.Errorf("length field mismatch: header indicates %d, actual frame has %d", length, len(pdu)+1)
		return
	}

	return
}
