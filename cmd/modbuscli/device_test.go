package main

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/edgeo-scada/modbus-client"
)

// fakeDevice answers FC01, FC03 and FC06 over TCP. Holding register n reads
// as n unless written; coil n is on when n is even. Reads that reach limit
// or beyond get an illegal data address exception.
type fakeDevice struct {
	listener net.Listener
	wg       sync.WaitGroup

	mu      sync.Mutex
	limit   int
	written map[uint16]uint16
	reads   []uint16 // quantity of every read request
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	d := &fakeDevice{listener: l, limit: 65536, written: make(map[uint16]uint16)}
	d.wg.Add(1)
	go d.serve()
	t.Cleanup(func() {
		l.Close()
		d.wg.Wait()
	})
	return d
}

func (d *fakeDevice) port() uint16 {
	return uint16(d.listener.Addr().(*net.TCPAddr).Port)
}

func (d *fakeDevice) setLimit(n int) {
	d.mu.Lock()
	d.limit = n
	d.mu.Unlock()
}

func (d *fakeDevice) readQuantities() []uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint16(nil), d.reads...)
}

func (d *fakeDevice) register(addr uint16) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.written[addr]; ok {
		return v
	}
	return addr
}

func (d *fakeDevice) serve() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer conn.Close()
			for {
				req, err := modbus.ReadFrame(conn)
				if err != nil {
					return
				}
				resp := modbus.Frame{Header: req.Header, PDU: d.process(req.PDU)}
				if _, err := conn.Write(resp.Encode()); err != nil {
					return
				}
			}
		}()
	}
}

func (d *fakeDevice) process(pdu []byte) []byte {
	fc := pdu[0]
	addr := binary.BigEndian.Uint16(pdu[1:3])
	arg := binary.BigEndian.Uint16(pdu[3:5])

	d.mu.Lock()
	defer d.mu.Unlock()

	switch modbus.FunctionCode(fc) {
	case modbus.FuncReadCoils, modbus.FuncReadHoldingRegisters:
		d.reads = append(d.reads, arg)
		if int(addr)+int(arg) > d.limit {
			return []byte{fc | 0x80, byte(modbus.ExceptionIllegalDataAccess)}
		}
		if modbus.FunctionCode(fc) == modbus.FuncReadCoils {
			bits := make([]bool, arg)
			for i := range bits {
				bits[i] = (int(addr)+i)%2 == 0
			}
			packed := modbus.BoolsToBytes(bits)
			return append([]byte{fc, byte(len(packed))}, packed...)
		}
		resp := []byte{fc, byte(arg * 2)}
		for i := uint16(0); i < arg; i++ {
			v, ok := d.written[addr+i]
			if !ok {
				v = addr + i
			}
			resp = binary.BigEndian.AppendUint16(resp, v)
		}
		return resp
	case modbus.FuncWriteSingleRegister:
		d.written[addr] = arg
		return append([]byte(nil), pdu[:5]...)
	default:
		return []byte{fc | 0x80, byte(modbus.ExceptionIllegalFunction)}
	}
}

// setupCLI installs the globals the commands read.
func setupCLI(t *testing.T, output string) {
	t.Helper()
	cfg = &cliConfig{
		Host:      "127.0.0.1",
		Port:      502,
		Timeout:   2 * time.Second,
		Output:    output,
		WordOrder: "big",
	}
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	noColor = true
	t.Cleanup(func() { cfg = nil })
}

func connectedClient(t *testing.T, d *fakeDevice) *modbus.Client {
	t.Helper()
	client, err := modbus.NewClient("127.0.0.1",
		modbus.WithPort(d.port()),
		modbus.WithLogger(logger),
		modbus.WithTimeout(2*time.Second),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := client.Close(); err != nil && !errors.Is(err, modbus.ErrBusy) {
			t.Logf("Close: %v", err)
		}
	})
	return client
}
