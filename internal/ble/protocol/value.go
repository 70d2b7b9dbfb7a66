// Package protocol decodes raw GATT characteristic values from battery
// peripherals into telemetry numbers.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Encoding is the wire layout of a characteristic value.
type Encoding string

const (
	// Auto picks a layout from the value width: 1, 2 and 4 bytes are
	// little-endian unsigned integers, anything else is ASCII.
	Auto     Encoding = "auto"
	Uint8    Encoding = "u8"
	Uint16LE Encoding = "u16le"
	Int16LE  Encoding = "i16le"
	Uint32LE Encoding = "u32le"
	Float32  Encoding = "f32le"
	Varint   Encoding = "varint"
	ASCII    Encoding = "ascii"
)

// ErrEmptyValue is returned for a zero-length characteristic value.
var ErrEmptyValue = errors.New("protocol: empty value")

// ParseEncoding validates an encoding name. The empty string is Auto.
func ParseEncoding(s string) (Encoding, error) {
	switch e := Encoding(strings.ToLower(strings.TrimSpace(s))); e {
	case "":
		return Auto, nil
	case Auto, Uint8, Uint16LE, Int16LE, Uint32LE, Float32, Varint, ASCII:
		return e, nil
	default:
		return "", fmt.Errorf("protocol: unknown encoding %q", s)
	}
}

// Decode converts raw to a number according to enc.
func Decode(raw []byte, enc Encoding) (float64, error) {
	if len(raw) == 0 {
		return 0, ErrEmptyValue
	}
	if enc == Auto || enc == "" {
		enc = guess(raw)
	}

	switch enc {
	case Uint8:
		if err := width(raw, 1, enc); err != nil {
			return 0, err
		}
		return float64(raw[0]), nil
	case Uint16LE:
		if err := width(raw, 2, enc); err != nil {
			return 0, err
		}
		return float64(binary.LittleEndian.Uint16(raw)), nil
	case Int16LE:
		if err := width(raw, 2, enc); err != nil {
			return 0, err
		}
		return float64(int16(binary.LittleEndian.Uint16(raw))), nil
	case Uint32LE:
		if err := width(raw, 4, enc); err != nil {
			return 0, err
		}
		return float64(binary.LittleEndian.Uint32(raw)), nil
	case Float32:
		if err := width(raw, 4, enc); err != nil {
			return 0, err
		}
		f := math.Float32frombits(binary.LittleEndian.Uint32(raw))
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return 0, fmt.Errorf("protocol: %s value is not finite", enc)
		}
		return float64(f), nil
	case Varint:
		v, n, err := readVarint(raw)
		if err != nil {
			return 0, err
		}
		if n != len(raw) {
			return 0, fmt.Errorf("protocol: %d trailing bytes after varint", len(raw)-n)
		}
		return float64(v), nil
	case ASCII:
		s := strings.TrimSpace(strings.TrimRight(string(raw), "\x00"))
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("protocol: ascii value %q: %w", s, err)
		}
		return v, nil
	default:
		return 0, fmt.Errorf("protocol: unknown encoding %q", enc)
	}
}

func guess(raw []byte) Encoding {
	switch len(raw) {
	case 1:
		return Uint8
	case 2:
		return Uint16LE
	case 4:
		return Uint32LE
	default:
		return ASCII
	}
}

func width(raw []byte, n int, enc Encoding) error {
	if len(raw) != n {
		return fmt.Errorf("protocol: %s value must be %d bytes, got %d", enc, n, len(raw))
	}
	return nil
}

// readVarint reads a protobuf varint from data, returning value and bytes consumed.
func readVarint(data []byte) (uint64, int, error) {
	val, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, 0, errors.New("protocol: invalid varint")
	}
	return val, n, nil
}
