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
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Endianness orders bytes within a register word (ByteOrder) or register
// words within a multi-word value (WordOrder).
type Endianness uint8

const (
	BigEndian Endianness = iota
	LittleEndian
)

// ParseEndianness resolves an endianness from its string name.
func ParseEndianness(name string) (Endianness, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "big-endian", "big", "":
		return BigEndian, nil
	case "little-endian", "little":
		return LittleEndian, nil
	}
	return 0, errors.Errorf("mbclient: unknown endianness %q", name)
}

// String returns the canonical name of the endianness.
func (e Endianness) String() string {
	if e == LittleEndian {
		return "little-endian"
	}
	return "big-endian"
}

// Converter translates between host float64 values and Modbus register
// bytes. It is a pure transform: it performs no I/O and may be copied
// freely. The zero value uses big-endian byte and word order, the wire
// default.
type Converter struct {
	ByteOrder Endianness
	WordOrder Endianness
}

// EncodeRegisters encodes host values into register bytes, two bytes per
// register, honoring the configured byte and word order. Signed integers
// use two's complement, single and double use IEEE-754 bit patterns.
func (c Converter) EncodeRegisters(values []float64, precision Precision) ([]byte, error) {
	if !precision.valid() {
		return nil, errors.Errorf("invalid precision %d", precision)
	}
	info := precisionTable[precision]
	data := make([]byte, 0, len(values)*int(info.registers)*2)
	for _, v := range values {
		bits, err := info.encode(v)
		if err != nil {
			return nil, err
		}
		data = c.appendWords(data, bits, info.registers)
	}
	return data, nil
}

// DecodeRegisters decodes register bytes into host values. Results are
// always float64 regardless of precision; narrower values convert
// exactly.
func (c Converter) DecodeRegisters(data []byte, precision Precision) ([]float64, error) {
	if !precision.valid() {
		return nil, errors.Errorf("invalid precision %d", precision)
	}
	info := precisionTable[precision]
	width := int(info.registers) * 2
	if len(data) == 0 || len(data)%width != 0 {
		return nil, errors.Errorf("register data length %d is not a multiple of %d (%s)",
			len(data), width, info.name)
	}
	values := make([]float64, 0, len(data)/width)
	for off := 0; off < len(data); off += width {
		bits := c.takeWords(data[off:off+width], info.registers)
		values = append(values, info.decode(bits))
	}
	return values, nil
}

// appendWords splits bits into registers 16-bit words and appends their
// bytes to data in the configured word and byte order.
func (c Converter) appendWords(data []byte, bits uint64, registers uint16) []byte {
	n := int(registers)
	for i := 0; i < n; i++ {
		// Most significant word first, then flipped for little-endian
		// word order.
		shift := uint((n - 1 - i) * 16)
		if c.WordOrder == LittleEndian {
			shift = uint(i * 16)
		}
		word := uint16(bits >> shift)
		if c.ByteOrder == LittleEndian {
			data = append(data, byte(word), byte(word>>8))
		} else {
			data = append(data, byte(word>>8), byte(word))
		}
	}
	return data
}

// takeWords is the inverse of appendWords for one value's worth of bytes.
func (c Converter) takeWords(data []byte, registers uint16) uint64 {
	n := int(registers)
	var bits uint64
	for i := 0; i < n; i++ {
		word := uint16(data[2*i])<<8 | uint16(data[2*i+1])
		if c.ByteOrder == LittleEndian {
			word = uint16(data[2*i]) | uint16(data[2*i+1])<<8
		}
		shift := uint((n - 1 - i) * 16)
		if c.WordOrder == LittleEndian {
			shift = uint(i * 16)
		}
		bits |= uint64(word) << shift
	}
	return bits
}

// packCoils packs coil states into the wire payload, eight states per
// byte, least significant bit first. Trailing pad bits are zero.
func packCoils(values []bool) []byte {
	data := make([]byte, ceilDiv(len(values), 8))
	for i, on := range values {
		if on {
			data[i/8] |= 1 << (i % 8)
		}
	}
	return data
}

// unpackCoils unpacks a bit-packed payload into exactly count 0/1 values,
// discarding pad bits beyond count.
func unpackCoils(data []byte, count uint16) []float64 {
	values := make([]float64, count)
	for i := 0; i < int(count); i++ {
		if i/8 >= len(data) {
			break
		}
		if data[i/8]&(1<<(i%8)) != 0 {
			values[i] = 1
		}
	}
	return values
}

// ceilDiv rounds the quotient of two positive integers up.
func ceilDiv[T constraints.Integer](a, b T) T {
	return (a + b - 1) / b
}

// maxOf returns the larger of two ordered values.
func maxOf[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}
