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
	"io"
	"sync/atomic"
)

// MBAPHeader represents the Modbus Application Protocol header for TCP.
type MBAPHeader struct {
	TransactionID uint16 // Transaction identifier
	ProtocolID    uint16 // Protocol identifier (always 0 for Modbus)
	Length        uint16 // Number of following bytes (Unit ID + PDU)
	UnitID        UnitID // Unit identifier (slave address)
}

// Encode encodes the MBAP header to bytes.
func (h *MBAPHeader) Encode() []byte {
	buf := make([]byte, MBAPHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], h.ProtocolID)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	buf[6] = byte(h.UnitID)
	return buf
}

// Decode decodes the MBAP header from bytes.
func (h *MBAPHeader) Decode(data []byte) error {
	if len(data) < MBAPHeaderSize {
		return fmt.Errorf("%w: MBAP header too short", ErrInvalidFrame)
	}
	h.TransactionID = binary.BigEndian.Uint16(data[0:2])
	h.ProtocolID = binary.BigEndian.Uint16(data[2:4])
	h.Length = binary.BigEndian.Uint16(data[4:6])
	h.UnitID = UnitID(data[6])
	return nil
}

// TransactionIDGenerator generates transaction IDs. The first ID is 1 and
// the sequence wraps from 65535 to 0.
type TransactionIDGenerator struct {
	counter uint32
}

// Next returns the next transaction ID.
func (g *TransactionIDGenerator) Next() uint16 {
	return uint16(atomic.AddUint32(&g.counter, 1))
}

// Frame represents a complete Modbus TCP frame (MBAP header + PDU).
type Frame struct {
	Header MBAPHeader
	PDU    []byte
}

// Encode encodes the frame to bytes.
func (f *Frame) Encode() []byte {
	f.Header.Length = uint16(len(f.PDU) + 1) // PDU length + Unit ID
	buf := make([]byte, MBAPHeaderSize+len(f.PDU))
	copy(buf, f.Header.Encode())
	copy(buf[MBAPHeaderSize:], f.PDU)
	return buf
}

// ReadFrame reads a complete Modbus TCP frame from a reader.
//
// The header is read first and its length field decides how many PDU bytes
// follow; both reads loop until the full count has arrived, so a reply split
// across several TCP segments is reassembled.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, MBAPHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	var f Frame
	if err := f.Header.Decode(header); err != nil {
		return nil, err
	}

	if f.Header.ProtocolID != ProtocolID {
		return nil, fmt.Errorf("%w: invalid protocol ID %d", ErrInvalidFrame, f.Header.ProtocolID)
	}

	pduLen := int(f.Header.Length) - 1
	if pduLen < 1 || pduLen > MaxPDUSize {
		return nil, fmt.Errorf("%w: invalid PDU length %d", ErrInvalidFrame, pduLen)
	}

	f.PDU = make([]byte, pduLen)
	if _, err := io.ReadFull(r, f.PDU); err != nil {
		return nil, err
	}

	return &f, nil
}

// PDU builders

func checkRange(fc FunctionCode, addr, qty uint16, limit int) error {
	if qty < 1 || int(qty) > limit {
		return newValidationError(fc, ErrInvalidQuantity, "quantity %d must be 1-%d", qty, limit)
	}
	if uint32(addr)+uint32(qty) > 65536 {
		return newValidationError(fc, ErrInvalidAddress, "address range %d+%d exceeds 65535", addr, qty)
	}
	return nil
}

func buildReadPDU(fc FunctionCode, addr, qty uint16, limit int) ([]byte, error) {
	if err := checkRange(fc, addr, qty, limit); err != nil {
		return nil, err
	}
	pdu := make([]byte, 5)
	pdu[0] = byte(fc)
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], qty)
	return pdu, nil
}

// BuildReadCoilsPDU builds a PDU for reading coils (FC01).
func BuildReadCoilsPDU(addr, qty uint16) ([]byte, error) {
	return buildReadPDU(FuncReadCoils, addr, qty, MaxQuantityCoils)
}

// BuildReadDiscreteInputsPDU builds a PDU for reading discrete inputs (FC02).
func BuildReadDiscreteInputsPDU(addr, qty uint16) ([]byte, error) {
	return buildReadPDU(FuncReadDiscreteInputs, addr, qty, MaxQuantityDiscreteInputs)
}

// BuildReadHoldingRegistersPDU builds a PDU for reading holding registers (FC03).
func BuildReadHoldingRegistersPDU(addr, qty uint16) ([]byte, error) {
	return buildReadPDU(FuncReadHoldingRegisters, addr, qty, MaxQuantityRegisters)
}

// BuildReadInputRegistersPDU builds a PDU for reading input registers (FC04).
func BuildReadInputRegistersPDU(addr, qty uint16) ([]byte, error) {
	return buildReadPDU(FuncReadInputRegisters, addr, qty, MaxQuantityRegisters)
}

// BuildWriteSingleCoilPDU builds a PDU for writing a single coil (FC05).
func BuildWriteSingleCoilPDU(addr uint16, value bool) []byte {
	pdu := make([]byte, 5)
	pdu[0] = byte(FuncWriteSingleCoil)
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	if value {
		binary.BigEndian.PutUint16(pdu[3:5], CoilOn)
	} else {
		binary.BigEndian.PutUint16(pdu[3:5], CoilOff)
	}
	return pdu
}

// BuildWriteSingleRegisterPDU builds a PDU for writing a single register (FC06).
//
// value holds the register low byte first; the bytes are swapped so the
// register travels high byte first.
func BuildWriteSingleRegisterPDU(addr uint16, value []byte) ([]byte, error) {
	if len(value) != 2 {
		return nil, newValidationError(FuncWriteSingleRegister, ErrInvalidByteCount,
			"register value must be 2 bytes, got %d", len(value))
	}
	pdu := make([]byte, 5)
	pdu[0] = byte(FuncWriteSingleRegister)
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	pdu[3] = value[1]
	pdu[4] = value[0]
	return pdu, nil
}

// BuildWriteMultipleCoilsPDU builds a PDU for writing multiple coils (FC15).
func BuildWriteMultipleCoilsPDU(addr uint16, values []bool) ([]byte, error) {
	if len(values) > MaxQuantityWriteCoils {
		return nil, newValidationError(FuncWriteMultipleCoils, ErrInvalidQuantity,
			"quantity %d must be 1-%d", len(values), MaxQuantityWriteCoils)
	}
	qty := uint16(len(values))
	if err := checkRange(FuncWriteMultipleCoils, addr, qty, MaxQuantityWriteCoils); err != nil {
		return nil, err
	}
	packed := BoolsToBytes(values)
	pdu := make([]byte, 6+len(packed))
	pdu[0] = byte(FuncWriteMultipleCoils)
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], qty)
	pdu[5] = byte(len(packed))
	copy(pdu[6:], packed)
	return pdu, nil
}

// BuildWriteMultipleRegistersPDU builds a PDU for writing multiple registers (FC16).
// data holds the register bytes in wire order. An empty payload is rejected
// along with odd or oversized ones: a zero-register FC16 request is never
// valid on the wire.
func BuildWriteMultipleRegistersPDU(addr uint16, data []byte) ([]byte, error) {
	byteCount := len(data)
	if byteCount == 0 || byteCount%2 != 0 || byteCount > MaxByteCountWriteRegisters {
		return nil, newValidationError(FuncWriteMultipleRegisters, ErrInvalidByteCount,
			"byte count %d must be even and 2-%d", byteCount, MaxByteCountWriteRegisters)
	}
	qty := uint16(byteCount / 2)
	if uint32(addr)+uint32(qty) > 65536 {
		return nil, newValidationError(FuncWriteMultipleRegisters, ErrInvalidAddress,
			"address range %d+%d exceeds 65535", addr, qty)
	}
	pdu := make([]byte, 6+byteCount)
	pdu[0] = byte(FuncWriteMultipleRegisters)
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], qty)
	pdu[5] = byte(byteCount)
	copy(pdu[6:], data)
	return pdu, nil
}

// Response interpretation

// classifyResponse checks the function code of a reply PDU against the
// request's. It returns nil for a success reply, a *ModbusError for an
// exception reply and ErrUnexpectedFunctionCode otherwise.
func classifyResponse(expected FunctionCode, pdu []byte) error {
	if len(pdu) == 0 {
		return fmt.Errorf("%w: empty PDU", ErrInvalidResponse)
	}
	switch FunctionCode(pdu[0]) {
	case expected:
		return nil
	case expected.Exception():
		if len(pdu) < 2 {
			return fmt.Errorf("%w: exception reply without code", ErrInvalidResponse)
		}
		return NewModbusError(expected, ExceptionCode(pdu[1]))
	default:
		return fmt.Errorf("%w: expected %02X or %02X, got %02X",
			ErrUnexpectedFunctionCode, uint8(expected), uint8(expected.Exception()), pdu[0])
	}
}

// ParseCoilsResponse parses a coils response (FC01/FC02) and returns the values.
func ParseCoilsResponse(pdu []byte, qty uint16) ([]bool, error) {
	if len(pdu) < 2 {
		return nil, fmt.Errorf("%w: response too short", ErrInvalidResponse)
	}
	byteCount := int(pdu[1])
	expectedBytes := (int(qty) + 7) / 8
	if byteCount != expectedBytes || len(pdu) < 2+byteCount {
		return nil, fmt.Errorf("%w: invalid byte count %d, expected %d", ErrInvalidResponse, byteCount, expectedBytes)
	}
	return BytesToBools(pdu[2:2+byteCount], int(qty)), nil
}

// ParseRegisterBytesResponse parses a registers response (FC03/FC04) and
// returns the qty*2 register bytes in wire order.
func ParseRegisterBytesResponse(pdu []byte, qty uint16) ([]byte, error) {
	if len(pdu) < 2 {
		return nil, fmt.Errorf("%w: response too short", ErrInvalidResponse)
	}
	byteCount := int(pdu[1])
	expectedBytes := int(qty) * 2
	if byteCount != expectedBytes || len(pdu) < 2+byteCount {
		return nil, fmt.Errorf("%w: invalid byte count %d, expected %d", ErrInvalidResponse, byteCount, expectedBytes)
	}
	data := make([]byte, byteCount)
	copy(data, pdu[2:2+byteCount])
	return data, nil
}

// ParseWriteResponse validates a write reply (FC05/FC06/FC15/FC16). The echoed
// function code is what marks success; when the device echoes the full body
// the address must match too.
func ParseWriteResponse(pdu []byte, expectedAddr uint16) error {
	if len(pdu) < 5 {
		return nil
	}
	if addr := binary.BigEndian.Uint16(pdu[1:3]); addr != expectedAddr {
		return fmt.Errorf("%w: address mismatch (expected %d, got %d)", ErrInvalidResponse, expectedAddr, addr)
	}
	return nil
}

// BoolsToBytes packs coil values LSB first: value i lands in bit i%8 of
// byte i/8. Padding bits are zero.
func BoolsToBytes(values []bool) []byte {
	result := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			result[i/8] |= 1 << (i % 8)
		}
	}
	return result
}

// BytesToBools unpacks count coil values packed by BoolsToBytes.
func BytesToBools(data []byte, count int) []bool {
	if n := len(data) * 8; count > n {
		count = n
	}
	result := make([]bool, count)
	for i := 0; i < count; i++ {
		result[i] = (data[i/8] & (1 << (i % 8))) != 0
	}
	return result
}
