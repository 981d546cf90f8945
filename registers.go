// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modbus

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Helpers for register buffers returned by ReadHoldingRegisters and
// ReadInputRegisters, or passed to WriteMultipleRegisters. Multi-byte values
// are big-endian: the byte at offset is the most significant one.

func checkOffset(buf []byte, offset, size int) error {
	if offset < 0 || offset+size > len(buf) {
		return fmt.Errorf("%w: %d bytes at offset %d, buffer has %d", ErrOutOfRange, size, offset, len(buf))
	}
	return nil
}

// GetUint16 decodes the unsigned 16-bit value stored at buf[offset:offset+2].
func GetUint16(buf []byte, offset int) (uint16, error) {
	if err := checkOffset(buf, offset, 2); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[offset:]), nil
}

// SetUint16 encodes v into buf[offset:offset+2].
func SetUint16(buf []byte, offset int, v uint16) error {
	if err := checkOffset(buf, offset, 2); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(buf[offset:], v)
	return nil
}

// GetUint32 decodes the unsigned 32-bit value stored at buf[offset:offset+4].
func GetUint32(buf []byte, offset int) (uint32, error) {
	if err := checkOffset(buf, offset, 4); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[offset:]), nil
}

// SetUint32 encodes v into buf[offset:offset+4].
func SetUint32(buf []byte, offset int, v uint32) error {
	if err := checkOffset(buf, offset, 4); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(buf[offset:], v)
	return nil
}

// GetFloat32 decodes the IEEE-754 single stored at buf[offset:offset+4].
func GetFloat32(buf []byte, offset int) (float32, error) {
	bits, err := GetUint32(buf, offset)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(bits), nil
}

// SetFloat32 encodes f into buf[offset:offset+4].
func SetFloat32(buf []byte, offset int, f float32) error {
	return SetUint32(buf, offset, math.Float32bits(f))
}

// Uint16sToBytes converts a slice of uint16 to a byte slice (big endian).
func Uint16sToBytes(values []uint16) []byte {
	result := make([]byte, len(values)*2)
	for i, v := range values {
		binary.BigEndian.PutUint16(result[i*2:], v)
	}
	return result
}

// BytesToUint16s converts a byte slice to a slice of uint16 (big endian).
// A trailing odd byte is ignored.
func BytesToUint16s(data []byte) []uint16 {
	count := len(data) / 2
	result := make([]uint16, count)
	for i := 0; i < count; i++ {
		result[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return result
}

// RegisterValue returns v in the low-byte-first order WriteSingleRegister
// expects.
func RegisterValue(v uint16) []byte {
	return []byte{byte(v), byte(v >> 8)}
}
