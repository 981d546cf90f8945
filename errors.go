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
	"errors"
	"fmt"
)

// ExceptionCode represents a Modbus exception sub-code.
type ExceptionCode uint8

// Modbus exception codes understood by the client.
const (
	ExceptionIllegalFunction     ExceptionCode = 0x01
	ExceptionIllegalDataAccess   ExceptionCode = 0x02
	ExceptionIllegalDataValue    ExceptionCode = 0x03
	ExceptionServerDeviceFailure ExceptionCode = 0x04
)

// Known reports whether e is one of the defined exception codes.
func (e ExceptionCode) Known() bool {
	return e >= ExceptionIllegalFunction && e <= ExceptionServerDeviceFailure
}

// String returns the string representation of the exception code.
func (e ExceptionCode) String() string {
	switch e {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAccess:
		return "illegal data access"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionServerDeviceFailure:
		return "server device failure"
	default:
		return fmt.Sprintf("unknown exception (0x%02X)", uint8(e))
	}
}

// ModbusError represents a Modbus protocol error (exception response).
type ModbusError struct {
	FunctionCode  FunctionCode
	ExceptionCode ExceptionCode
}

// Error implements the error interface.
func (e *ModbusError) Error() string {
	return fmt.Sprintf("modbus: exception %s (FC=%02X)", e.ExceptionCode, uint8(e.FunctionCode))
}

// Is checks if the error matches the target.
//
// Any exception matches ErrProtocolException, exceptions with an undefined
// sub-code also match ErrUnknownException, and two *ModbusError values match
// when their exception codes are equal.
func (e *ModbusError) Is(target error) bool {
	switch target {
	case ErrProtocolException:
		return true
	case ErrUnknownException:
		return !e.ExceptionCode.Known()
	}
	t, ok := target.(*ModbusError)
	if !ok {
		return false
	}
	return e.ExceptionCode == t.ExceptionCode
}

// ValidationError reports a request argument that violates a function
// specific protocol limit. It is returned before any byte is sent.
type ValidationError struct {
	FunctionCode FunctionCode
	Err          error
	Detail       string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v (%s): %s", e.Err, e.FunctionCode, e.Detail)
}

// Unwrap lets errors.Is match both ErrValidation and the specific cause.
func (e *ValidationError) Unwrap() []error {
	return []error{ErrValidation, e.Err}
}

func newValidationError(fc FunctionCode, cause error, format string, args ...any) *ValidationError {
	return &ValidationError{
		FunctionCode: fc,
		Err:          cause,
		Detail:       fmt.Sprintf(format, args...),
	}
}

// Common errors.
var (
	// ErrBusy indicates another operation is already running on the client.
	ErrBusy = errors.New("modbus: client is busy")

	// ErrNotConnected indicates the client is not connected.
	ErrNotConnected = errors.New("modbus: not connected")

	// ErrTransportIO indicates a write to or read from the stream failed.
	ErrTransportIO = errors.New("modbus: transport i/o failed")

	// ErrStreamClosed indicates the stream was closed by the peer or disposed.
	ErrStreamClosed = fmt.Errorf("%w: stream closed", ErrTransportIO)

	// ErrInvalidEndpoint indicates the host or port cannot be used to connect.
	ErrInvalidEndpoint = errors.New("modbus: invalid endpoint")

	// ErrConnectFailed indicates the transport rejected the connection attempt.
	ErrConnectFailed = errors.New("modbus: connection failed")

	// ErrStreamUnavailable indicates the connection produced no usable stream.
	ErrStreamUnavailable = errors.New("modbus: stream unavailable")

	// ErrTimeout indicates a timeout occurred.
	ErrTimeout = errors.New("modbus: timeout")

	// ErrValidation indicates a request argument violates a protocol limit.
	ErrValidation = errors.New("modbus: validation failed")

	// ErrInvalidQuantity indicates an invalid quantity was specified.
	ErrInvalidQuantity = errors.New("modbus: invalid quantity")

	// ErrInvalidByteCount indicates an invalid register payload size.
	ErrInvalidByteCount = errors.New("modbus: invalid byte count")

	// ErrInvalidAddress indicates an invalid address range was specified.
	ErrInvalidAddress = errors.New("modbus: invalid address")

	// ErrUnexpectedFunctionCode indicates a reply carried neither the expected
	// function code nor its exception variant.
	ErrUnexpectedFunctionCode = errors.New("modbus: unexpected function code")

	// ErrProtocolException is matched by every device exception reply.
	ErrProtocolException = errors.New("modbus: protocol exception")

	// ErrUnknownException is matched by exception replies with an undefined sub-code.
	ErrUnknownException = errors.New("modbus: unknown protocol exception")

	// ErrInvalidResponse indicates the response was malformed.
	ErrInvalidResponse = errors.New("modbus: invalid response")

	// ErrInvalidFrame indicates a malformed frame.
	ErrInvalidFrame = errors.New("modbus: invalid frame")

	// ErrOutOfRange indicates a numeric helper offset outside the buffer.
	ErrOutOfRange = errors.New("modbus: offset out of range")
)

// NewModbusError creates a new Modbus exception error.
func NewModbusError(fc FunctionCode, ec ExceptionCode) *ModbusError {
	return &ModbusError{
		FunctionCode:  fc,
		ExceptionCode: ec,
	}
}

// IsException checks if an error is a specific Modbus exception.
func IsException(err error, code ExceptionCode) bool {
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return modbusErr.ExceptionCode == code
	}
	return false
}

// IsIllegalFunction checks if the error is an illegal function exception.
func IsIllegalFunction(err error) bool {
	return IsException(err, ExceptionIllegalFunction)
}

// IsIllegalDataAccess checks if the error is an illegal data access exception.
func IsIllegalDataAccess(err error) bool {
	return IsException(err, ExceptionIllegalDataAccess)
}

// IsIllegalDataValue checks if the error is an illegal data value exception.
func IsIllegalDataValue(err error) bool {
	return IsException(err, ExceptionIllegalDataValue)
}

// IsServerDeviceFailure checks if the error is a server device failure exception.
func IsServerDeviceFailure(err error) bool {
	return IsException(err, ExceptionServerDeviceFailure)
}

// Code returns the numeric error code used by earlier releases of this
// client, or 0 when err has none (nil, request timeouts, malformed replies).
// A connect timeout is a connect failure (6).
func Code(err error) int {
	if err == nil {
		return 0
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		switch validationErr.FunctionCode {
		case FuncReadCoils:
			return 14
		case FuncReadDiscreteInputs:
			return 15
		case FuncReadHoldingRegisters:
			return 16
		case FuncReadInputRegisters:
			return 17
		case FuncWriteSingleRegister:
			return 18
		case FuncWriteMultipleCoils:
			return 19
		case FuncWriteMultipleRegisters:
			return 20
		}
		return 0
	}

	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		if !modbusErr.ExceptionCode.Known() {
			return 9
		}
		return 9 + int(modbusErr.ExceptionCode)
	}

	switch {
	case errors.Is(err, ErrBusy):
		return 1
	case errors.Is(err, ErrNotConnected):
		return 2
	case errors.Is(err, ErrStreamClosed):
		return 4
	case errors.Is(err, ErrTransportIO):
		return 3
	case errors.Is(err, ErrInvalidEndpoint):
		return 5
	case errors.Is(err, ErrConnectFailed):
		return 6
	case errors.Is(err, ErrStreamUnavailable):
		return 7
	case errors.Is(err, ErrUnexpectedFunctionCode):
		return 8
	}
	return 0
}
