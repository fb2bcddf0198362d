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
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Precision selects how register words are interpreted as host values.
// The zero value is PrecisionUint16, the protocol's native register width.
type Precision uint8

const (
	PrecisionUint16 Precision = iota
	PrecisionInt16
	PrecisionUint32
	PrecisionInt32
	PrecisionUint64
	PrecisionInt64
	PrecisionFloat32
	PrecisionFloat64
)

// precisionInfo describes one entry of the precision table: register
// width plus the raw-bits codec for that width. encode validates the host
// value (integral precisions reject fractional and out-of-range values,
// float32 rejects finite overflow) and returns the value's bit pattern
// right-aligned in a uint64; decode is its inverse.
type precisionInfo struct {
	name      string
	registers uint16
	encode    func(v float64) (uint64, error)
	decode    func(bits uint64) float64
}

var precisionTable = [...]precisionInfo{
	PrecisionUint16: {
		name:      "uint16",
		registers: 1,
		encode: func(v float64) (uint64, error) {
			if err := checkIntegral(v, 0, math.MaxUint16); err != nil {
				return 0, errors.Wrap(err, "uint16")
			}
			return uint64(uint16(v)), nil
		},
		decode: func(bits uint64) float64 { return float64(uint16(bits)) },
	},
	PrecisionInt16: {
		name:      "int16",
		registers: 1,
		encode: func(v float64) (uint64, error) {
			if err := checkIntegral(v, math.MinInt16, math.MaxInt16); err != nil {
				return 0, errors.Wrap(err, "int16")
			}
			return uint64(uint16(int16(v))), nil
		},
		decode: func(bits uint64) float64 { return float64(int16(uint16(bits))) },
	},
	PrecisionUint32: {
		name:      "uint32",
		registers: 2,
		encode: func(v float64) (uint64, error) {
			if err := checkIntegral(v, 0, math.MaxUint32); err != nil {
				return 0, errors.Wrap(err, "uint32")
			}
			return uint64(uint32(v)), nil
		},
		decode: func(bits uint64) float64 { return float64(uint32(bits)) },
	},
	PrecisionInt32: {
		name:      "int32",
		registers: 2,
		encode: func(v float64) (uint64, error) {
			if err := checkIntegral(v, math.MinInt32, math.MaxInt32); err != nil {
				return 0, errors.Wrap(err, "int32")
			}
			return uint64(uint32(int32(v))), nil
		},
		decode: func(bits uint64) float64 { return float64(int32(uint32(bits))) },
	},
	PrecisionUint64: {
		name:      "uint64",
		registers: 4,
		encode: func(v float64) (uint64, error) {
			// 2^64 is exactly representable as float64, MaxUint64 is not,
			// so the upper bound is an exclusive compare.
			if v != math.Trunc(v) || math.IsNaN(v) {
				return 0, errors.Errorf("uint64: value %v is not an integer", v)
			}
			if v < 0 || v >= 18446744073709551616.0 {
				return 0, errors.Errorf("uint64: value %v out of range", v)
			}
			return uint64(v), nil
		},
		decode: func(bits uint64) float64 { return float64(bits) },
	},
	PrecisionInt64: {
		name:      "int64",
		registers: 4,
		encode: func(v float64) (uint64, error) {
			if v != math.Trunc(v) || math.IsNaN(v) {
				return 0, errors.Errorf("int64: value %v is not an integer", v)
			}
			if v < -9223372036854775808.0 || v >= 9223372036854775808.0 {
				return 0, errors.Errorf("int64: value %v out of range", v)
			}
			return uint64(int64(v)), nil
		},
		decode: func(bits uint64) float64 { return float64(int64(bits)) },
	},
	PrecisionFloat32: {
		name:      "single",
		registers: 2,
		encode: func(v float64) (uint64, error) {
			if !math.IsInf(v, 0) && !math.IsNaN(v) && math.Abs(v) > math.MaxFloat32 {
				return 0, errors.Errorf("single: value %v exceeds float32 range", v)
			}
			return uint64(math.Float32bits(float32(v))), nil
		},
		decode: func(bits uint64) float64 { return float64(math.Float32frombits(uint32(bits))) },
	},
	PrecisionFloat64: {
		name:      "double",
		registers: 4,
		encode: func(v float64) (uint64, error) {
			return math.Float64bits(v), nil
		},
		decode: func(bits uint64) float64 { return math.Float64frombits(bits) },
	},
}

// checkIntegral verifies v is a whole number inside [min, max].
func checkIntegral(v, min, max float64) error {
	if v != math.Trunc(v) || math.IsNaN(v) {
		return errors.Errorf("value %v is not an integer", v)
	}
	if v < min || v > max {
		return errors.Errorf("value %v out of range [%v, %v]", v, min, max)
	}
	return nil
}

// ParsePrecision resolves a precision from its string name. Both the Go
// names ("float32", "float64") and the classic names ("single", "double")
// are accepted.
func ParsePrecision(name string) (Precision, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "uint16", "":
		return PrecisionUint16, nil
	case "int16":
		return PrecisionInt16, nil
	case "uint32":
		return PrecisionUint32, nil
	case "int32":
		return PrecisionInt32, nil
	case "uint64":
		return PrecisionUint64, nil
	case "int64":
		return PrecisionInt64, nil
	case "single", "float32":
		return PrecisionFloat32, nil
	case "double", "float64":
		return PrecisionFloat64, nil
	}
	return 0, errors.Errorf("mbclient: unknown precision %q", name)
}

// String returns the canonical name of the precision.
func (p Precision) String() string {
	if !p.valid() {
		return "unknown"
	}
	return precisionTable[p].name
}

// valid reports whether p is a member of the supported set.
func (p Precision) valid() bool {
	return int(p) < len(precisionTable)
}

// Registers returns how many 16-bit registers one value of this
// precision occupies.
func (p Precision) Registers() uint16 {
	if !p.valid() {
		return 0
	}
	return precisionTable[p].registers
}

// Bytes returns the encoded width of one value in bytes.
func (p Precision) Bytes() int {
	return int(p.Registers()) * 2
}
