// Package leb128 decodes the LEB128 variable-length integers used throughout
// the wasm binary format.
package leb128

import (
	"errors"
	"fmt"
	"io"
)

// ErrOverflow is returned when an encoding exceeds the bit width of the
// requested integer type.
var ErrOverflow = errors.New("leb128: integer representation too long")

// DecodeUint32 reads an unsigned 32-bit varint. num is the count of bytes
// consumed.
func DecodeUint32(r io.Reader) (ret uint32, num uint64, err error) {
	for shift := 0; ; shift += 7 {
		if shift >= 35 {
			return 0, 0, ErrOverflow
		}
		b, err := readByte(r)
		if err != nil {
			return 0, 0, fmt.Errorf("read byte: %w", err)
		}
		num++
		ret |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return ret, num, nil
		}
	}
}

// DecodeUint64 reads an unsigned 64-bit varint.
func DecodeUint64(r io.Reader) (ret uint64, num uint64, err error) {
	for shift := 0; ; shift += 7 {
		if shift >= 70 {
			return 0, 0, ErrOverflow
		}
		b, err := readByte(r)
		if err != nil {
			return 0, 0, fmt.Errorf("read byte: %w", err)
		}
		num++
		ret |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return ret, num, nil
		}
	}
}

// DecodeInt32 reads a signed 32-bit varint.
func DecodeInt32(r io.Reader) (ret int32, num uint64, err error) {
	var shift int
	var b byte
	for shift < 35 {
		b, err = readByte(r)
		if err != nil {
			return 0, 0, fmt.Errorf("read byte: %w", err)
		}
		num++
		ret |= int32(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if b&0x80 != 0 {
		return 0, 0, ErrOverflow
	}
	if shift < 32 && b&0x40 != 0 {
		ret |= -1 << shift
	}
	return ret, num, nil
}

// DecodeInt64 reads a signed 64-bit varint.
func DecodeInt64(r io.Reader) (ret int64, num uint64, err error) {
	var shift int
	var b byte
	for shift < 70 {
		b, err = readByte(r)
		if err != nil {
			return 0, 0, fmt.Errorf("read byte: %w", err)
		}
		num++
		ret |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if b&0x80 != 0 {
		return 0, 0, ErrOverflow
	}
	if shift < 64 && b&0x40 != 0 {
		ret |= -1 << shift
	}
	return ret, num, nil
}

// DecodeInt33AsInt64 reads the signed 33-bit varint used by block types.
func DecodeInt33AsInt64(r io.Reader) (ret int64, num uint64, err error) {
	const (
		mask33   = int64(1)<<33 - 1
		signBit  = int64(1) << 32
		wrapDiff = int64(1) << 33
	)
	var shift int
	var b byte
	for shift < 35 {
		b, err = readByte(r)
		if err != nil {
			return 0, 0, fmt.Errorf("read byte: %w", err)
		}
		num++
		ret |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if b&0x80 != 0 {
		return 0, 0, ErrOverflow
	}
	if shift < 33 && b&0x40 != 0 {
		ret |= -1 << shift
	}
	ret &= mask33
	if ret&signBit != 0 {
		ret -= wrapDiff
	}
	return ret, num, nil
}

func readByte(r io.Reader) (byte, error) {
	var buf [1]byte
	_, err := io.ReadFull(r, buf[:])
	return buf[0], err
}
