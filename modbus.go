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

// Package mbclient implements a Modbus client protocol engine: request
// construction, transport framing (TCP MBAP and serial RTU), a blocking
// send/receive/retry transaction loop, and conversion between register
// words and host numeric values.
package mbclient

import (
	"strings"

	"github.com/pkg/errors"
)

// Modbus function codes used by this client.
const (
	// Bit access
	FuncCodeReadCoils          = 0x01
	FuncCodeReadDiscreteInputs = 0x02
	FuncCodeWriteSingleCoil    = 0x05
	FuncCodeWriteMultipleCoils = 0x0F

	// 16-bit register access
	FuncCodeReadHoldingRegisters       = 0x03
	FuncCodeReadInputRegisters         = 0x04
	FuncCodeWriteSingleRegister        = 0x06
	FuncCodeWriteMultipleRegisters     = 0x10
	FuncCodeMaskWriteRegister          = 0x16
	FuncCodeReadWriteMultipleRegisters = 0x17
)

// Modbus exception codes carried in the second byte of an exception response.
const (
	ExceptionCodeIllegalFunction     = 0x01
	ExceptionCodeIllegalDataAddress  = 0x02
	ExceptionCodeIllegalDataValue    = 0x03
	ExceptionCodeServerDeviceFailure = 0x04
	ExceptionCodeAcknowledge         = 0x05
	ExceptionCodeServerDeviceBusy    = 0x06
)

// Quantity limits fixed by the Modbus application protocol.
const (
	MaxReadBits           = 2000 // coils / discrete inputs per read
	MaxWriteBits          = 1968 // coils per multiple write
	MaxReadRegisters      = 125  // holding / input registers per read
	MaxWriteRegisters     = 123  // holding registers per multiple write
	MaxWriteReadRegisters = 121  // write side of read/write multiple registers

	MaxServerID = 247 // server ids above this are reserved
	BroadcastID = 0   // writes only, no response on the wire

	// Addresses are 1-based in the client API and 0-based on the wire,
	// so the highest addressable point is 65536.
	MinAddress = 1
	MaxAddress = 0x10000
)

// Target selects one of the four Modbus addressable areas. The numeric
// value of each target is its read function code, so dispatch is a cast
// rather than a switch on names.
type Target uint8

const (
	TargetCoils            Target = FuncCodeReadCoils
	TargetDiscreteInputs   Target = FuncCodeReadDiscreteInputs
	TargetHoldingRegisters Target = FuncCodeReadHoldingRegisters
	TargetInputRegisters   Target = FuncCodeReadInputRegisters
)

// targetNames holds the canonical spelling for each target.
var targetNames = map[Target]string{
	TargetCoils:            "coils",
	TargetDiscreteInputs:   "inputs",
	TargetHoldingRegisters: "holdingregs",
	TargetInputRegisters:   "inputregs",
}

// ParseTarget resolves a target area from its string name. It accepts the
// canonical names "coils", "inputs", "holdingregs" and "inputregs" plus a
// few common aliases.
func ParseTarget(name string) (Target, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "coils", "coil":
		return TargetCoils, nil
	case "inputs", "input", "discreteinputs":
		return TargetDiscreteInputs, nil
	case "holdingregs", "holdingregisters", "holding":
		return TargetHoldingRegisters, nil
	case "inputregs", "inputregisters":
		return TargetInputRegisters, nil
	}
	return 0, errors.Errorf("mbclient: unknown target area %q", name)
}

// String returns the canonical name of the target.
func (t Target) String() string {
	if name, ok := targetNames[t]; ok {
		return name
	}
	return "unknown"
}

// valid reports whether t is one of the four defined areas.
func (t Target) valid() bool {
	_, ok := targetNames[t]
	return ok
}

// IsRegister reports whether the target holds 16-bit registers rather
// than single-bit points.
func (t Target) IsRegister() bool {
	return t == TargetHoldingRegisters || t == TargetInputRegisters
}

// IsWritable reports whether the target accepts writes. Only coils and
// holding registers are writable.
func (t Target) IsWritable() bool {
	return t == TargetCoils || t == TargetHoldingRegisters
}

// readFunction returns the function code that reads this target.
func (t Target) readFunction() uint8 {
	return uint8(t)
}

// writeFunctions returns the single-value and multiple-value write
// function codes for the target. ok is false for read-only areas.
func (t Target) writeFunctions() (single, multiple uint8, ok bool) {
	switch t {
	case TargetCoils:
		return FuncCodeWriteSingleCoil, FuncCodeWriteMultipleCoils, true
	case TargetHoldingRegisters:
		return FuncCodeWriteSingleRegister, FuncCodeWriteMultipleRegisters, true
	}
	return 0, 0, false
}

// isReadFunction reports whether the (non-exception) function code carries
// data from the server to the client. The combined read/write code counts
// as a read because its response is a read payload.
func isReadFunction(functionCode uint8) bool {
	switch functionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs,
		FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters,
		FuncCodeReadWriteMultipleRegisters:
		return true
	}
	return false
}
