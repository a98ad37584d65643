// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package modbus

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// registerCount returns how many 16-bit registers a data type occupies.
func registerCount(dataType string) uint16 {
	switch strings.ToLower(dataType) {
	case "uint32", "int32", "float32":
		return 2
	default: // uint16, int16, empty
		return 1
	}
}

// normalizeByteOrder maps the legacy big/little names onto the explicit
// four-letter orderings. Big-endian is the modbus default.
func normalizeByteOrder(order string) string {
	switch strings.ToUpper(order) {
	case "", "ABCD", "BIG":
		return "ABCD"
	case "CDAB":
		return "CDAB"
	case "BADC":
		return "BADC"
	case "DCBA", "LITTLE":
		return "DCBA"
	default:
		return "ABCD"
	}
}

// reorder32 rearranges a 4-byte buffer from wire order (ABCD) into the
// device's declared ordering.
func reorder32(raw []byte, order string) []byte {
	a, b, c, d := raw[0], raw[1], raw[2], raw[3]
	switch order {
	case "CDAB":
		return []byte{c, d, a, b}
	case "BADC":
		return []byte{b, a, d, c}
	case "DCBA":
		return []byte{d, c, b, a}
	default: // ABCD
		return []byte{a, b, c, d}
	}
}

// decodeValue turns raw register bytes into a float64. Single-register
// values are always big-endian per modbus convention; 32-bit values honor
// the configured byte order.
func decodeValue(dataType, byteOrder string, raw []byte) (float64, error) {
	want := int(registerCount(dataType)) * 2
	if len(raw) < want {
		return 0, fmt.Errorf("short read: got %d bytes, want %d", len(raw), want)
	}

	switch strings.ToLower(dataType) {
	case "", "uint16":
		return float64(binary.BigEndian.Uint16(raw)), nil
	case "int16":
		return float64(int16(binary.BigEndian.Uint16(raw))), nil
	case "uint32":
		return float64(binary.BigEndian.Uint32(reorder32(raw[:4], normalizeByteOrder(byteOrder)))), nil
	case "int32":
		return float64(int32(binary.BigEndian.Uint32(reorder32(raw[:4], normalizeByteOrder(byteOrder))))), nil
	case "float32":
		bits := binary.BigEndian.Uint32(reorder32(raw[:4], normalizeByteOrder(byteOrder)))
		v := float64(math.Float32frombits(bits))
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("float32 register decoded to %v", v)
		}
		return v, nil
	default:
		return 0, fmt.Errorf("unknown data type %q", dataType)
	}
}
