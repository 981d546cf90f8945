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
	"bytes"
	"errors"
	"testing"
)

func TestGetUint16(t *testing.T) {
	buf := []byte{0x00, 0x6B, 0x12, 0x34}

	tests := []struct {
		offset int
		want   uint16
	}{
		{0, 0x006B},
		{1, 0x6B12},
		{2, 0x1234},
	}

	for _, tt := range tests {
		got, err := GetUint16(buf, tt.offset)
		if err != nil {
			t.Fatalf("offset %d: %v", tt.offset, err)
		}
		if got != tt.want {
			t.Errorf("offset %d: expected 0x%04X, got 0x%04X", tt.offset, tt.want, got)
		}
	}
}

func TestSetUint32(t *testing.T) {
	buf := make([]byte, 6)
	if err := SetUint32(buf, 1, 0x01020304); err != nil {
		t.Fatalf("SetUint32 failed: %v", err)
	}
	expected := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x00}
	if !bytes.Equal(buf, expected) {
		t.Errorf("Expected %x, got %x", expected, buf)
	}

	got, err := GetUint32(buf, 1)
	if err != nil {
		t.Fatalf("GetUint32 failed: %v", err)
	}
	if got != 0x01020304 {
		t.Errorf("Expected 0x01020304, got 0x%08X", got)
	}
}

func TestFloat32(t *testing.T) {
	// 123.456 in IEEE-754 single precision.
	buf := []byte{0x42, 0xF6, 0xE9, 0x79}
	got, err := GetFloat32(buf, 0)
	if err != nil {
		t.Fatalf("GetFloat32 failed: %v", err)
	}
	if got != float32(123.456) {
		t.Errorf("Expected 123.456, got %v", got)
	}

	out := make([]byte, 4)
	if err := SetFloat32(out, 0, -1.5); err != nil {
		t.Fatalf("SetFloat32 failed: %v", err)
	}
	if !bytes.Equal(out, []byte{0xBF, 0xC0, 0x00, 0x00}) {
		t.Errorf("Expected bfc00000, got %x", out)
	}
}

func TestNumericHelpers_OutOfRange(t *testing.T) {
	buf := make([]byte, 4)

	tests := []struct {
		name string
		fn   func() error
	}{
		{"GetUint16 past end", func() error { _, err := GetUint16(buf, 3); return err }},
		{"GetUint16 negative", func() error { _, err := GetUint16(buf, -1); return err }},
		{"SetUint16 past end", func() error { return SetUint16(buf, 3, 1) }},
		{"GetUint32 past end", func() error { _, err := GetUint32(buf, 1); return err }},
		{"SetUint32 past end", func() error { return SetUint32(buf, 1, 1) }},
		{"GetFloat32 empty", func() error { _, err := GetFloat32(nil, 0); return err }},
		{"SetFloat32 past end", func() error { return SetFloat32(buf, 2, 1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, ErrOutOfRange) {
				t.Errorf("Expected ErrOutOfRange, got %v", err)
			}
		})
	}
}

func TestUint16sToBytes(t *testing.T) {
	values := []uint16{0x1234, 0x5678, 0x9ABC}
	expected := []byte{0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC}

	result := Uint16sToBytes(values)
	if !bytes.Equal(result, expected) {
		t.Errorf("Expected %x, got %x", expected, result)
	}

	back := BytesToUint16s(append(result, 0xFF))
	if len(back) != len(values) {
		t.Fatalf("Expected %d values, got %d", len(values), len(back))
	}
	for i, v := range values {
		if back[i] != v {
			t.Errorf("values[%d]: expected 0x%04X, got 0x%04X", i, v, back[i])
		}
	}
}

func TestRegisterValue(t *testing.T) {
	value := RegisterValue(0x1234)
	pdu, err := BuildWriteSingleRegisterPDU(7, value)
	if err != nil {
		t.Fatalf("BuildWriteSingleRegisterPDU failed: %v", err)
	}
	if !bytes.Equal(pdu[3:], []byte{0x12, 0x34}) {
		t.Errorf("Expected 1234 on the wire, got %x", pdu[3:])
	}
}
