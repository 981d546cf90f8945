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
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
)

// testDevice is an in-memory Modbus TCP device listening on loopback.
type testDevice struct {
	listener net.Listener
	wg       sync.WaitGroup

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	coils    []bool
	discrete []bool
	holding  []uint16
	input    []uint16
	requests []*Frame

	// reply replaces the memory-backed reply when set. A nil result closes
	// the connection without answering.
	reply func(req *Frame) []byte
}

func newTestDevice(t *testing.T) *testDevice {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	d := &testDevice{
		listener: ln,
		conns:    make(map[net.Conn]struct{}),
		coils:    make([]bool, 65536),
		discrete: make([]bool, 65536),
		holding:  make([]uint16, 65536),
		input:    make([]uint16, 65536),
	}

	d.wg.Add(1)
	go d.serve()
	t.Cleanup(d.close)

	return d
}

func (d *testDevice) port() uint16 {
	return uint16(d.listener.Addr().(*net.TCPAddr).Port)
}

// client returns a client connected to the device.
func (d *testDevice) client(t *testing.T, opts ...Option) *Client {
	t.Helper()

	opts = append([]Option{WithPort(d.port()), WithLogger(discardLogger())}, opts...)
	c, err := NewClient("127.0.0.1", opts...)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func (d *testDevice) setReply(fn func(req *Frame) []byte) {
	d.mu.Lock()
	d.reply = fn
	d.mu.Unlock()
}

func (d *testDevice) received() []*Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Frame(nil), d.requests...)
}

func (d *testDevice) serve() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		d.conns[conn] = struct{}{}
		d.mu.Unlock()

		d.wg.Add(1)
		go d.handleConn(conn)
	}
}

func (d *testDevice) close() {
	d.listener.Close()
	d.mu.Lock()
	for conn := range d.conns {
		conn.Close()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *testDevice) handleConn(conn net.Conn) {
	defer func() {
		conn.Close()
		d.mu.Lock()
		delete(d.conns, conn)
		d.mu.Unlock()
		d.wg.Done()
	}()

	for {
		req, err := ReadFrame(conn)
		if err != nil {
			return
		}

		d.mu.Lock()
		d.requests = append(d.requests, req)
		reply := d.reply
		d.mu.Unlock()

		var out []byte
		if reply != nil {
			if out = reply(req); out == nil {
				return
			}
		} else {
			out = d.respond(req)
		}

		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

// respond builds the memory-backed reply frame for req.
func (d *testDevice) respond(req *Frame) []byte {
	resp := &Frame{
		Header: MBAPHeader{
			TransactionID: req.Header.TransactionID,
			ProtocolID:    ProtocolID,
			UnitID:        req.Header.UnitID,
		},
		PDU: d.process(req.PDU),
	}
	return resp.Encode()
}

func exceptionPDU(fc FunctionCode, ec ExceptionCode) []byte {
	return []byte{byte(fc.Exception()), byte(ec)}
}

func (d *testDevice) process(pdu []byte) []byte {
	fc := FunctionCode(pdu[0])
	if len(pdu) < 5 {
		return exceptionPDU(fc, ExceptionIllegalDataValue)
	}
	addr := int(binary.BigEndian.Uint16(pdu[1:3]))
	qty := int(binary.BigEndian.Uint16(pdu[3:5]))

	d.mu.Lock()
	defer d.mu.Unlock()

	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs:
		bits := d.coils
		if fc == FuncReadDiscreteInputs {
			bits = d.discrete
		}
		if addr+qty > len(bits) {
			return exceptionPDU(fc, ExceptionIllegalDataAccess)
		}
		packed := BoolsToBytes(bits[addr : addr+qty])
		return append([]byte{byte(fc), byte(len(packed))}, packed...)

	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		regs := d.holding
		if fc == FuncReadInputRegisters {
			regs = d.input
		}
		if addr+qty > len(regs) {
			return exceptionPDU(fc, ExceptionIllegalDataAccess)
		}
		data := Uint16sToBytes(regs[addr : addr+qty])
		return append([]byte{byte(fc), byte(len(data))}, data...)

	case FuncWriteSingleCoil:
		d.coils[addr] = qty == int(CoilOn)
		return append([]byte(nil), pdu[:5]...)

	case FuncWriteSingleRegister:
		d.holding[addr] = uint16(qty)
		return append([]byte(nil), pdu[:5]...)

	case FuncWriteMultipleCoils:
		values := BytesToBools(pdu[6:], qty)
		copy(d.coils[addr:], values)
		return append([]byte(nil), pdu[:5]...)

	case FuncWriteMultipleRegisters:
		values := BytesToUint16s(pdu[6 : 6+qty*2])
		copy(d.holding[addr:], values)
		return append([]byte(nil), pdu[:5]...)

	default:
		return exceptionPDU(fc, ExceptionIllegalFunction)
	}
}
