package mbclient

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Protocol framing sizes shared by both transports.
const (
	MaxPDULength = 253 // function code + data, fixed by the Modbus spec
)

// The builders below produce request PDUs (function code + data) from
// already validated wire-level arguments. Validation happens upstream in
// the client, so a malformed builder call is a programming error and
// panics instead of returning an error.

// dataBlock packs words into big-endian bytes.
func dataBlock(value ...uint16) []byte {
	data := make([]byte, 2*len(value))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	return data
}

// dataBlockSuffix packs words into big-endian bytes followed by a byte
// count and the suffix payload.
func dataBlockSuffix(suffix []byte, value ...uint16) []byte {
	length := 2 * len(value)
	data := make([]byte, length+1+len(suffix))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	data[length] = uint8(len(suffix))
	copy(data[length+1:], suffix)
	return data
}

// requestPDU glues a function code onto its data block.
func requestPDU(functionCode uint8, data []byte) []byte {
	pdu := make([]byte, 1+len(data))
	pdu[0] = functionCode
	copy(pdu[1:], data)
	return pdu
}

// readRequest builds a read request for any target area.
//
//	Function code : 1 byte (target's read code)
//	Start address : 2 bytes
//	Quantity      : 2 bytes
func readRequest(target Target, address, quantity uint16) []byte {
	if !target.valid() {
		panic(fmt.Sprintf("mbclient: readRequest: bad target %d", target))
	}
	return requestPDU(target.readFunction(), dataBlock(address, quantity))
}

// writeSingleCoilRequest builds a single coil write. The wire encodes the
// state as 0xFF00 for on and 0x0000 for off.
func writeSingleCoilRequest(address uint16, on bool) []byte {
	value := uint16(0x0000)
	if on {
		value = 0xFF00
	}
	return requestPDU(FuncCodeWriteSingleCoil, dataBlock(address, value))
}

// writeSingleRegisterRequest builds a single holding register write.
func writeSingleRegisterRequest(address, value uint16) []byte {
	return requestPDU(FuncCodeWriteSingleRegister, dataBlock(address, value))
}

// writeMultipleCoilsRequest builds a multiple coil write with the states
// bit-packed LSB first.
//
//	Function code : 1 byte (0x0F)
//	Start address : 2 bytes
//	Quantity      : 2 bytes
//	Byte count    : 1 byte
//	Coil states   : N bytes
func writeMultipleCoilsRequest(address uint16, values []bool) []byte {
	if len(values) == 0 || len(values) > MaxWriteBits {
		panic(fmt.Sprintf("mbclient: writeMultipleCoilsRequest: bad quantity %d", len(values)))
	}
	return requestPDU(FuncCodeWriteMultipleCoils,
		dataBlockSuffix(packCoils(values), address, uint16(len(values))))
}

// writeMultipleRegistersRequest builds a multiple holding register write.
// payload is the register bytes, two per register.
func writeMultipleRegistersRequest(address, quantity uint16, payload []byte) []byte {
	if quantity == 0 || quantity > MaxWriteRegisters || len(payload) != int(quantity)*2 {
		panic(fmt.Sprintf("mbclient: writeMultipleRegistersRequest: quantity %d, payload %d bytes",
			quantity, len(payload)))
	}
	return requestPDU(FuncCodeWriteMultipleRegisters,
		dataBlockSuffix(payload, address, quantity))
}

// maskWriteRequest builds a mask write. The server computes
// (current AND andMask) OR (orMask AND NOT andMask).
func maskWriteRequest(address, andMask, orMask uint16) []byte {
	return requestPDU(FuncCodeMaskWriteRegister, dataBlock(address, andMask, orMask))
}

// writeReadRequest builds a combined write-then-read on holding
// registers.
//
//	Function code  : 1 byte (0x17)
//	Read address   : 2 bytes
//	Read quantity  : 2 bytes
//	Write address  : 2 bytes
//	Write quantity : 2 bytes
//	Byte count     : 1 byte
//	Write payload  : N bytes
func writeReadRequest(readAddress, readQuantity, writeAddress, writeQuantity uint16, payload []byte) []byte {
	if readQuantity == 0 || readQuantity > MaxReadRegisters {
		panic(fmt.Sprintf("mbclient: writeReadRequest: bad read quantity %d", readQuantity))
	}
	if writeQuantity == 0 || writeQuantity > MaxWriteReadRegisters || len(payload) != int(writeQuantity)*2 {
		panic(fmt.Sprintf("mbclient: writeReadRequest: write quantity %d, payload %d bytes",
			writeQuantity, len(payload)))
	}
	return requestPDU(FuncCodeReadWriteMultipleRegisters,
		dataBlockSuffix(payload, readAddress, readQuantity, writeAddress, writeQuantity))
}

// expectedResponseLength returns the PDU length of the normal response to
// a request, derived from its function code. Exception responses are
// always 2 bytes. Returns 0 for function codes this client never sends.
func expectedResponseLength(reqPDU []byte) int {
	if len(reqPDU) < 5 {
		return 0
	}
	switch reqPDU[0] {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		count := int(binary.BigEndian.Uint16(reqPDU[3:5]))
		return 2 + ceilDiv(count, 8)
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		count := int(binary.BigEndian.Uint16(reqPDU[3:5]))
		return 2 + count*2
	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister,
		FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		return 5
	case FuncCodeMaskWriteRegister:
		return 7
	case FuncCodeReadWriteMultipleRegisters:
		// Same prefix as a plain read: address then read quantity.
		count := int(binary.BigEndian.Uint16(reqPDU[3:5]))
		return 2 + count*2
	}
	return 0
}

// readPayload validates a read-style response (function code, byte
// count, length) and returns the data payload after the count byte.
func readPayload(respPDU []byte, functionCode uint8, wantBytes int) ([]byte, error) {
	if len(respPDU) < 2 || respPDU[0] != functionCode {
		return nil, errors.Errorf("unexpected response for func %02X: % X", functionCode, respPDU)
	}
	if int(respPDU[1]) != wantBytes || len(respPDU) != 2+wantBytes {
		return nil, errors.Errorf("response length mismatch for func %02X: count %d, %d data bytes, expected %d",
			functionCode, respPDU[1], len(respPDU)-2, wantBytes)
	}
	return respPDU[2:], nil
}

// verifyWriteEcho validates a write-style response that echoes the
// request fields word for word.
func verifyWriteEcho(respPDU []byte, functionCode uint8, words ...uint16) error {
	if len(respPDU) != 1+2*len(words) || respPDU[0] != functionCode {
		return errors.Errorf("unexpected response for func %02X: % X", functionCode, respPDU)
	}
	for i, want := range words {
		if got := binary.BigEndian.Uint16(respPDU[1+2*i:]); got != want {
			return errors.Errorf("response echo mismatch for func %02X at word %d: got %d, expected %d",
				functionCode, i, got, want)
		}
	}
	return nil
}
