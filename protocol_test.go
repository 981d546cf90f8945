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
	"io"
	"testing"
	"testing/iotest"
)

func TestMBAPHeader_Encode(t *testing.T) {
	header := MBAPHeader{
		TransactionID: 0x0001,
		ProtocolID:    0x0000,
		Length:        0x0006,
		UnitID:        0x01,
	}

	expected := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01}
	result := header.Encode()

	if !bytes.Equal(result, expected) {
		t.Errorf("Expected %x, got %x", expected, result)
	}
}

func TestMBAPHeader_Decode_TooShort(t *testing.T) {
	var header MBAPHeader
	err := header.Decode([]byte{0x00, 0x01, 0x00})
	if !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("Expected ErrInvalidFrame, got %v", err)
	}
}

func TestFrame_EncodeReadCoils(t *testing.T) {
	pdu, err := BuildReadCoilsPDU(0, 10)
	if err != nil {
		t.Fatalf("BuildReadCoilsPDU failed: %v", err)
	}
	frame := Frame{
		Header: MBAPHeader{TransactionID: 1, UnitID: 0},
		PDU:    pdu,
	}

	expected := []byte{
		0x00, 0x01, // Transaction ID
		0x00, 0x00, // Protocol ID
		0x00, 0x06, // Length
		0x00,                         // Unit ID
		0x01, 0x00, 0x00, 0x00, 0x0A, // PDU
	}
	if result := frame.Encode(); !bytes.Equal(result, expected) {
		t.Errorf("Expected %x, got %x", expected, result)
	}
}

func TestFrame_EncodeReadFrameRoundTrip(t *testing.T) {
	sent := Frame{
		Header: MBAPHeader{TransactionID: 0x1234, ProtocolID: ProtocolID, UnitID: 9},
		PDU:    []byte{0x03, 0x00, 0x00, 0x00, 0x0A},
	}

	got, err := ReadFrame(bytes.NewReader(sent.Encode()))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if got.Header != sent.Header {
		t.Errorf("Header: expected %+v, got %+v", sent.Header, got.Header)
	}
	if !bytes.Equal(got.PDU, sent.PDU) {
		t.Errorf("PDU: expected %x, got %x", sent.PDU, got.PDU)
	}

	truncated := sent.Encode()[:9]
	if _, err := ReadFrame(bytes.NewReader(truncated)); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Expected io.ErrUnexpectedEOF for truncated frame, got %v", err)
	}
}

func TestTransactionIDGenerator(t *testing.T) {
	var gen TransactionIDGenerator

	for want := uint16(1); want <= 3; want++ {
		if got := gen.Next(); got != want {
			t.Errorf("Expected %d, got %d", want, got)
		}
	}
}

func TestTransactionIDGenerator_Wraps(t *testing.T) {
	gen := TransactionIDGenerator{counter: 65534}

	if got := gen.Next(); got != 65535 {
		t.Errorf("Expected 65535, got %d", got)
	}
	if got := gen.Next(); got != 0 {
		t.Errorf("Expected wrap to 0, got %d", got)
	}
	if got := gen.Next(); got != 1 {
		t.Errorf("Expected 1 after wrap, got %d", got)
	}
}

func TestReadFrame(t *testing.T) {
	data := []byte{
		0x00, 0x01,
		0x00, 0x00,
		0x00, 0x05,
		0x01,
		0x03, 0x02, 0x00, 0x0A,
	}

	frame, err := ReadFrame(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if frame.Header.TransactionID != 0x0001 {
		t.Errorf("TransactionID: expected 0x0001, got 0x%04X", frame.Header.TransactionID)
	}
	if frame.Header.UnitID != 0x01 {
		t.Errorf("UnitID: expected 0x01, got 0x%02X", frame.Header.UnitID)
	}
	expectedPDU := []byte{0x03, 0x02, 0x00, 0x0A}
	if !bytes.Equal(frame.PDU, expectedPDU) {
		t.Errorf("PDU: expected %x, got %x", expectedPDU, frame.PDU)
	}
}

func TestReadFrame_SplitReads(t *testing.T) {
	data := []byte{
		0x00, 0x07, 0x00, 0x00, 0x00, 0x09, 0x01,
		0x03, 0x06, 0x00, 0x6B, 0x00, 0x02, 0x00, 0x64,
	}

	frame, err := ReadFrame(iotest.OneByteReader(bytes.NewReader(data)))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(frame.PDU, data[7:]) {
		t.Errorf("PDU: expected %x, got %x", data[7:], frame.PDU)
	}
}

func TestReadFrame_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, io.EOF},
		{"short header", []byte{0x00, 0x01, 0x00}, io.ErrUnexpectedEOF},
		{"bad protocol", []byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x02, 0x01, 0x03}, ErrInvalidFrame},
		{"zero length", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x01}, ErrInvalidFrame},
		{"oversized", []byte{0x00, 0x01, 0x00, 0x00, 0x01, 0x00, 0x01}, ErrInvalidFrame},
		{"short body", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x05, 0x01, 0x03}, io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.data))
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestBuildReadPDUs(t *testing.T) {
	tests := []struct {
		name  string
		build func(addr, qty uint16) ([]byte, error)
		fc    byte
	}{
		{"coils", BuildReadCoilsPDU, 0x01},
		{"discrete inputs", BuildReadDiscreteInputsPDU, 0x02},
		{"holding registers", BuildReadHoldingRegistersPDU, 0x03},
		{"input registers", BuildReadInputRegistersPDU, 0x04},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pdu, err := tt.build(0x006B, 0x0003)
			if err != nil {
				t.Fatalf("build failed: %v", err)
			}
			expected := []byte{tt.fc, 0x00, 0x6B, 0x00, 0x03}
			if !bytes.Equal(pdu, expected) {
				t.Errorf("Expected %x, got %x", expected, pdu)
			}
		})
	}
}

func TestBuildReadPDUs_QuantityLimits(t *testing.T) {
	tests := []struct {
		name  string
		build func(addr, qty uint16) ([]byte, error)
		fc    FunctionCode
		limit uint16
	}{
		{"coils", BuildReadCoilsPDU, FuncReadCoils, MaxQuantityCoils},
		{"discrete inputs", BuildReadDiscreteInputsPDU, FuncReadDiscreteInputs, MaxQuantityDiscreteInputs},
		{"holding registers", BuildReadHoldingRegistersPDU, FuncReadHoldingRegisters, MaxQuantityRegisters},
		{"input registers", BuildReadInputRegistersPDU, FuncReadInputRegisters, MaxQuantityRegisters},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.build(0, tt.limit); err != nil {
				t.Errorf("quantity %d should be accepted: %v", tt.limit, err)
			}
			for _, qty := range []uint16{0, tt.limit + 1} {
				_, err := tt.build(0, qty)
				if !errors.Is(err, ErrValidation) || !errors.Is(err, ErrInvalidQuantity) {
					t.Errorf("quantity %d: expected validation error, got %v", qty, err)
				}
				var verr *ValidationError
				if errors.As(err, &verr) && verr.FunctionCode != tt.fc {
					t.Errorf("quantity %d: expected FC %v, got %v", qty, tt.fc, verr.FunctionCode)
				}
			}
		})
	}
}

func TestBuildReadPDU_AddressOverflow(t *testing.T) {
	if _, err := BuildReadHoldingRegistersPDU(65535, 1); err != nil {
		t.Errorf("last register should be readable: %v", err)
	}
	_, err := BuildReadHoldingRegistersPDU(65535, 2)
	if !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("Expected ErrInvalidAddress, got %v", err)
	}
}

func TestBuildWriteSingleCoilPDU(t *testing.T) {
	pduOn := BuildWriteSingleCoilPDU(0x00AC, true)
	expectedOn := []byte{0x05, 0x00, 0xAC, 0xFF, 0x00}
	if !bytes.Equal(pduOn, expectedOn) {
		t.Errorf("ON: expected %x, got %x", expectedOn, pduOn)
	}

	pduOff := BuildWriteSingleCoilPDU(0x00AC, false)
	expectedOff := []byte{0x05, 0x00, 0xAC, 0x00, 0x00}
	if !bytes.Equal(pduOff, expectedOff) {
		t.Errorf("OFF: expected %x, got %x", expectedOff, pduOff)
	}
}

func TestBuildWriteSingleRegisterPDU(t *testing.T) {
	// Low byte first in, high byte first on the wire.
	pdu, err := BuildWriteSingleRegisterPDU(0x0001, []byte{0x34, 0x12})
	if err != nil {
		t.Fatalf("BuildWriteSingleRegisterPDU failed: %v", err)
	}
	expected := []byte{0x06, 0x00, 0x01, 0x12, 0x34}
	if !bytes.Equal(pdu, expected) {
		t.Errorf("Expected %x, got %x", expected, pdu)
	}

	for _, value := range [][]byte{nil, {0x01}, {0x01, 0x02, 0x03}} {
		_, err := BuildWriteSingleRegisterPDU(0, value)
		if !errors.Is(err, ErrInvalidByteCount) {
			t.Errorf("%d bytes: expected ErrInvalidByteCount, got %v", len(value), err)
		}
	}
}

func TestBuildWriteMultipleCoilsPDU(t *testing.T) {
	values := []bool{true, false, true, true, false, false, true, true, true, false}
	pdu, err := BuildWriteMultipleCoilsPDU(0x0013, values)
	if err != nil {
		t.Fatalf("BuildWriteMultipleCoilsPDU failed: %v", err)
	}

	expected := []byte{0x0F, 0x00, 0x13, 0x00, 0x0A, 0x02, 0xCD, 0x01}
	if !bytes.Equal(pdu, expected) {
		t.Errorf("Expected %x, got %x", expected, pdu)
	}
}

func TestBuildWriteMultipleCoilsPDU_NineTrue(t *testing.T) {
	values := make([]bool, 9)
	for i := range values {
		values[i] = true
	}
	pdu, err := BuildWriteMultipleCoilsPDU(0, values)
	if err != nil {
		t.Fatalf("BuildWriteMultipleCoilsPDU failed: %v", err)
	}
	if pdu[5] != 2 {
		t.Errorf("byte count: expected 2, got %d", pdu[5])
	}
	if !bytes.Equal(pdu[6:], []byte{0xFF, 0x01}) {
		t.Errorf("packed: expected ff01, got %x", pdu[6:])
	}
}

func TestBuildWriteMultipleCoilsPDU_Limits(t *testing.T) {
	if _, err := BuildWriteMultipleCoilsPDU(0, make([]bool, MaxQuantityWriteCoils)); err != nil {
		t.Errorf("%d coils should be accepted: %v", MaxQuantityWriteCoils, err)
	}
	for _, n := range []int{0, MaxQuantityWriteCoils + 1} {
		_, err := BuildWriteMultipleCoilsPDU(0, make([]bool, n))
		if !errors.Is(err, ErrInvalidQuantity) {
			t.Errorf("%d coils: expected ErrInvalidQuantity, got %v", n, err)
		}
	}
}

func TestBuildWriteMultipleRegistersPDU(t *testing.T) {
	pdu, err := BuildWriteMultipleRegistersPDU(0x0001, []byte{0x00, 0x0A, 0x01, 0x02})
	if err != nil {
		t.Fatalf("BuildWriteMultipleRegistersPDU failed: %v", err)
	}

	expected := []byte{0x10, 0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02}
	if !bytes.Equal(pdu, expected) {
		t.Errorf("Expected %x, got %x", expected, pdu)
	}
}

func TestBuildWriteMultipleRegistersPDU_ByteCount(t *testing.T) {
	tests := []struct {
		n  int
		ok bool
	}{
		{0, false},
		{1, false},
		{2, true},
		{7, false},
		{MaxByteCountWriteRegisters, true},
		{MaxByteCountWriteRegisters + 2, false},
	}

	for _, tt := range tests {
		_, err := BuildWriteMultipleRegistersPDU(0, make([]byte, tt.n))
		if tt.ok && err != nil {
			t.Errorf("%d bytes: unexpected error %v", tt.n, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidByteCount) {
			t.Errorf("%d bytes: expected ErrInvalidByteCount, got %v", tt.n, err)
		}
	}
}

func TestClassifyResponse(t *testing.T) {
	tests := []struct {
		name string
		pdu  []byte
		want error
	}{
		{"success", []byte{0x03, 0x02, 0x00, 0x01}, nil},
		{"exception", []byte{0x83, 0x02}, &ModbusError{ExceptionCode: ExceptionIllegalDataAccess}},
		{"unknown exception", []byte{0x83, 0x0B}, ErrUnknownException},
		{"exception without code", []byte{0x83}, ErrInvalidResponse},
		{"unexpected", []byte{0x09, 0x00}, ErrUnexpectedFunctionCode},
		{"empty", nil, ErrInvalidResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyResponse(FuncReadHoldingRegisters, tt.pdu)
			if tt.want == nil {
				if err != nil {
					t.Errorf("unexpected error %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestParseCoilsResponse(t *testing.T) {
	pdu := []byte{0x01, 0x03, 0xCD, 0x6B, 0x05}
	values, err := ParseCoilsResponse(pdu, 19)
	if err != nil {
		t.Fatalf("ParseCoilsResponse failed: %v", err)
	}
	if len(values) != 19 {
		t.Fatalf("Expected 19 values, got %d", len(values))
	}

	// 0xCD = 11001101
	expectedFirst := []bool{true, false, true, true, false, false, true, true}
	for i, v := range expectedFirst {
		if values[i] != v {
			t.Errorf("values[%d]: expected %v, got %v", i, v, values[i])
		}
	}

	if _, err := ParseCoilsResponse([]byte{0x01, 0x02, 0xCD, 0x6B}, 19); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("Expected ErrInvalidResponse for short byte count, got %v", err)
	}
}

func TestParseRegisterBytesResponse(t *testing.T) {
	pdu := []byte{0x03, 0x06, 0x00, 0x6B, 0x00, 0x02, 0x00, 0x64}
	data, err := ParseRegisterBytesResponse(pdu, 3)
	if err != nil {
		t.Fatalf("ParseRegisterBytesResponse failed: %v", err)
	}
	if !bytes.Equal(data, pdu[2:]) {
		t.Errorf("Expected %x, got %x", pdu[2:], data)
	}

	// The result must not alias the reply buffer.
	pdu[2] = 0xFF
	if data[0] != 0x00 {
		t.Error("result aliases the reply PDU")
	}

	if _, err := ParseRegisterBytesResponse(pdu, 4); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("Expected ErrInvalidResponse, got %v", err)
	}
}

func TestParseWriteResponse(t *testing.T) {
	if err := ParseWriteResponse([]byte{0x06, 0x00, 0x01, 0x12, 0x34}, 1); err != nil {
		t.Errorf("unexpected error %v", err)
	}
	if err := ParseWriteResponse([]byte{0x06}, 1); err != nil {
		t.Errorf("short echo should be accepted: %v", err)
	}
	if err := ParseWriteResponse([]byte{0x06, 0x00, 0x02, 0x12, 0x34}, 1); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("Expected ErrInvalidResponse, got %v", err)
	}
}

func TestBoolsBytesRoundTrip(t *testing.T) {
	values := []bool{true, false, false, true, true, false, true, false, true, true, false}
	packed := BoolsToBytes(values)
	if len(packed) != 2 {
		t.Fatalf("Expected 2 bytes, got %d", len(packed))
	}
	unpacked := BytesToBools(packed, len(values))
	for i := range values {
		if unpacked[i] != values[i] {
			t.Errorf("values[%d]: expected %v, got %v", i, values[i], unpacked[i])
		}
	}

	if got := BytesToBools([]byte{0xFF}, 20); len(got) != 8 {
		t.Errorf("count should be clamped to 8, got %d", len(got))
	}
}
