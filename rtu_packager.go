// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package mbclient

import (
	"fmt"

	"github.com/sigurn/crc16"
)

// RTU framing constants.
const (
	RTUMinFrameLength  = 4                    // server ID + function code + CRC
	RTUMaxFrameLength  = 1 + MaxPDULength + 2 // server ID + PDU + CRC
	rtuExceptionLength = 5                    // server ID + exception PDU + CRC
)

// RTUPackager handles RTU frame packing and unpacking with CRC-16
// validation. The checksum uses the Modbus polynomial (0xA001 reflected,
// initial value 0xFFFF) and travels low byte first.
type RTUPackager struct {
	crcTable *crc16.Table
}

// NewRTUPackager creates a new RTU packager.
func NewRTUPackager() *RTUPackager {
	return &RTUPackager{
		crcTable: crc16.MakeTable(crc16.CRC16_MODBUS),
	}
}

// Pack creates an RTU frame: server ID + PDU + CRC. Server ID 0 is the
// broadcast address and is accepted here; whether a broadcast makes
// sense for the PDU is the caller's problem.
func (p *RTUPackager) Pack(serverID uint8, pdu []byte) ([]byte, error) {
	if len(pdu) == 0 {
		return nil, fmt.Errorf("PDU cannot be empty")
	}
	if len(pdu) > MaxPDULength {
		return nil, fmt.Errorf("PDU too long: %d bytes (max %d)", len(pdu), MaxPDULength)
	}
	if serverID > MaxServerID {
		return nil, fmt.Errorf("invalid server ID: %d (must be 0-%d)", serverID, MaxServerID)
	}

	frame := make([]byte, 1+len(pdu)+2)
	frame[0] = serverID
	copy(frame[1:], pdu)

	cs := crc16.Checksum(frame[:len(frame)-2], p.crcTable)
	frame[len(frame)-2] = byte(cs) // low byte first
	frame[len(frame)-1] = byte(cs >> 8)

	return frame, nil
}

// Unpack extracts the server ID and PDU from an RTU frame after
// validating its CRC.
func (p *RTUPackager) Unpack(frame []byte) (uint8, []byte, error) {
	if len(frame) < RTUMinFrameLength {
		return 0, nil, fmt.Errorf("frame too short: %d bytes (minimum %d)", len(frame), RTUMinFrameLength)
	}
	if !p.VerifyCRC(frame) {
		return 0, nil, fmt.Errorf("CRC verification failed: % X", frame)
	}

	pdu := make([]byte, len(frame)-3)
	copy(pdu, frame[1:len(frame)-2])
	return frame[0], pdu, nil
}

// VerifyCRC verifies the CRC trailer of an RTU frame.
func (p *RTUPackager) VerifyCRC(frame []byte) bool {
	if len(frame) < RTUMinFrameLength {
		return false
	}
	cs := crc16.Checksum(frame[:len(frame)-2], p.crcTable)
	received := uint16(frame[len(frame)-2]) | uint16(frame[len(frame)-1])<<8
	return cs == received
}
