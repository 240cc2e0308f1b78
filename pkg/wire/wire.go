package wire

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"

	"github.com/x448/float16"
)

// ErrOverrun is returned by Decoder methods when the input buffer ends
// before the requested value is complete.
var ErrOverrun = errors.New("wire: buffer overrun")

// ErrVarintTooLong is returned when a varint does not terminate within
// its maximum encoded length.
var ErrVarintTooLong = errors.New("wire: varint too long")

const (
	// MaxVLUIntSize is the longest encoding of a 32-bit varint.
	MaxVLUIntSize = 5
	// MaxVLULongSize is the longest encoding of a 64-bit varint.
	MaxVLULongSize = 10
)

// Encoder accumulates little-endian wire data. All integers wider than
// one byte are little-endian; varints are unsigned LEB128; signed
// varints are zig-zag mapped first.
type Encoder struct {
	buf bytes.Buffer
}

func NewEncoder() *Encoder {
	return new(Encoder)
}

// Bytes returns the accumulated wire data. The slice aliases the
// encoder's internal buffer.
func (e *Encoder) Bytes() []byte {
	return e.buf.Bytes()
}

func (e *Encoder) Len() int {
	return e.buf.Len()
}

func (e *Encoder) Reset() {
	e.buf.Reset()
}

func (e *Encoder) Byte(b byte) {
	e.buf.WriteByte(b)
}

func (e *Encoder) Bool(b bool) {
	if b {
		e.buf.WriteByte(1)
	} else {
		e.buf.WriteByte(0)
	}
}

func (e *Encoder) VLUInt(u uint32) {
	e.VLULong(uint64(u))
}

func (e *Encoder) VLULong(u uint64) {
	for u >= 0x80 {
		e.buf.WriteByte(byte(u) | 0x80)
		u >>= 7
	}
	e.buf.WriteByte(byte(u))
}

func (e *Encoder) VLInt(i int32) {
	e.VLULong(zigzag64(int64(i)))
}

func (e *Encoder) VLLong(i int64) {
	e.VLULong(zigzag64(i))
}

// Mask64 writes a raw 64-bit bitmask.
func (e *Encoder) Mask64(m uint64) {
	var scratch [8]byte
	binary.LittleEndian.PutUint64(scratch[:], m)
	e.buf.Write(scratch[:])
}

func (e *Encoder) UShort(u uint16) {
	var scratch [2]byte
	binary.LittleEndian.PutUint16(scratch[:], u)
	e.buf.Write(scratch[:])
}

func (e *Encoder) Float(f float32) {
	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(f))
	e.buf.Write(scratch[:])
}

// Half writes f as an IEEE binary16 value, round-to-nearest.
func (e *Encoder) Half(f float32) {
	e.UShort(float16.Fromfloat32(f).Bits())
}

// VLUIntSize returns the encoded size of u without writing it.
func VLUIntSize(u uint32) int {
	n := 1
	for u >= 0x80 {
		n++
		u >>= 7
	}
	return n
}

func zigzag64(i int64) uint64 {
	return uint64((i << 1) ^ (i >> 63))
}

func unzigzag64(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

// Decoder consumes wire data produced by Encoder. Every method fails
// with ErrOverrun once the buffer is exhausted; after a failure the
// decoder position is unspecified and the decoder must be discarded.
type Decoder struct {
	data []byte
	pos  int
}

func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.data) - d.pos
}

func (d *Decoder) Byte() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, ErrOverrun
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *Decoder) Bool() (bool, error) {
	b, err := d.Byte()
	return b != 0, err
}

func (d *Decoder) VLUInt() (uint32, error) {
	u, err := d.VLULong()
	if err != nil {
		return 0, err
	}
	if u > math.MaxUint32 {
		return 0, ErrVarintTooLong
	}
	return uint32(u), nil
}

func (d *Decoder) VLULong() (uint64, error) {
	var u uint64
	var shift uint
	for i := 0; i < MaxVLULongSize; i++ {
		b, err := d.Byte()
		if err != nil {
			return 0, err
		}
		u |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return u, nil
		}
		shift += 7
	}
	return 0, ErrVarintTooLong
}

func (d *Decoder) VLInt() (int32, error) {
	i, err := d.VLLong()
	return int32(i), err
}

func (d *Decoder) VLLong() (int64, error) {
	u, err := d.VLULong()
	return unzigzag64(u), err
}

func (d *Decoder) Mask64() (uint64, error) {
	if d.Remaining() < 8 {
		return 0, ErrOverrun
	}
	m := binary.LittleEndian.Uint64(d.data[d.pos:])
	d.pos += 8
	return m, nil
}

func (d *Decoder) UShort() (uint16, error) {
	if d.Remaining() < 2 {
		return 0, ErrOverrun
	}
	u := binary.LittleEndian.Uint16(d.data[d.pos:])
	d.pos += 2
	return u, nil
}

func (d *Decoder) Float() (float32, error) {
	if d.Remaining() < 4 {
		return 0, ErrOverrun
	}
	f := math.Float32frombits(binary.LittleEndian.Uint32(d.data[d.pos:]))
	d.pos += 4
	return f, nil
}

func (d *Decoder) Half() (float32, error) {
	u, err := d.UShort()
	if err != nil {
		return 0, err
	}
	return float16.Frombits(u).Float32(), nil
}
