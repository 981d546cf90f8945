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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/edgeo-scada/modbus-client/internal/transport"
)

// Client is a Modbus TCP client for a single device.
//
// Connect, Close and every request hold an exclusive operation lock for
// their whole duration. A call that finds the lock taken fails at once with
// ErrBusy; callers are never queued.
type Client struct {
	id     string
	host   string
	port   uint16
	unitID UnitID
	addr   string
	opts   *clientOptions

	transport *transport.TCPTransport
	txIDGen   TransactionIDGenerator

	op       sync.Mutex  // held by the operation in flight
	inFlight atomic.Bool // set while op is held
	mu       sync.Mutex  // guards state
	state   ConnectionState
	metrics *Metrics
	logger  *slog.Logger
}

// NewClient creates a new Modbus TCP client for host. The host and port are
// validated by Connect.
func NewClient(host string, opts ...Option) (*Client, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	addr := net.JoinHostPort(host, strconv.Itoa(int(options.port)))
	id := uuid.NewString()

	c := &Client{
		id:        id,
		host:      host,
		port:      options.port,
		unitID:    options.unitID,
		addr:      addr,
		opts:      options,
		transport: transport.NewTCPTransport(addr, options.timeout, options.dialer),
		state:     StateDisconnected,
		metrics:   NewMetrics(),
		logger:    options.logger.With(slog.String("client_id", id), slog.String("addr", addr)),
	}

	if options.registerer != nil {
		collector := c.metrics.Collector(prometheus.Labels{
			"addr": addr,
			"unit": strconv.Itoa(int(options.unitID)),
		})
		if err := options.registerer.Register(collector); err != nil {
			return nil, fmt.Errorf("modbus: register metrics: %w", err)
		}
	}

	return c, nil
}

// acquire takes the operation lock without waiting.
func (c *Client) acquire() error {
	if !c.op.TryLock() {
		c.metrics.BusyRejections.Add(1)
		return ErrBusy
	}
	c.inFlight.Store(true)
	return nil
}

// release clears the in-flight flag and drops the operation lock.
func (c *Client) release() {
	c.inFlight.Store(false)
	c.op.Unlock()
}

// Connect establishes a connection to the Modbus server. Connecting an
// already connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := validateEndpoint(c.host, c.port); err != nil {
		return err
	}

	c.setState(StateConnecting)
	c.logger.Debug("connecting")

	if err := c.transport.Connect(ctx); err != nil {
		c.setState(StateDisconnected)
		err = connectError(ctx, err)
		c.logger.Warn("connect failed", slog.String("error", err.Error()))
		return err
	}

	c.setState(StateConnected)
	c.metrics.ActiveConns.Add(1)
	c.logger.Info("connected")

	if c.opts.onConnect != nil {
		c.opts.onConnect()
	}

	return nil
}

// Close closes the client connection. Closing a closed client succeeds.
func (c *Client) Close() error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	c.mu.Lock()
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	c.mu.Unlock()

	if wasConnected {
		c.metrics.ActiveConns.Add(-1)
		c.logger.Debug("closing connection")
	}
	if err := c.transport.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportIO, err)
	}
	return nil
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected returns true if the client holds an open connection, including
// while a request is in flight.
func (c *Client) IsConnected() bool {
	s := c.State()
	return s == StateConnected || s == StateBusy
}

// Busy returns true while an operation is running on the client. It never
// takes the operation lock, so polling it cannot make another call fail.
func (c *Client) Busy() bool {
	return c.inFlight.Load()
}

// Metrics returns the client metrics.
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// ID returns the identifier attached to the client's log records.
func (c *Client) ID() string {
	return c.id
}

// Host returns the device host name.
func (c *Client) Host() string {
	return c.host
}

// Port returns the device TCP port.
func (c *Client) Port() uint16 {
	return c.port
}

// UnitID returns the unit ID sent with every request.
func (c *Client) UnitID() UnitID {
	return c.unitID
}

// Address returns the server address.
func (c *Client) Address() string {
	return c.addr
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func validateEndpoint(host string, port uint16) error {
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidEndpoint)
	}
	if port == 0 {
		return fmt.Errorf("%w: port 0", ErrInvalidEndpoint)
	}
	if strings.ContainsAny(host, " \t\r\n/") {
		return fmt.Errorf("%w: malformed host %q", ErrInvalidEndpoint, host)
	}
	if strings.Contains(host, ":") && net.ParseIP(host) == nil {
		return fmt.Errorf("%w: malformed host %q", ErrInvalidEndpoint, host)
	}
	return nil
}

func connectError(ctx context.Context, err error) error {
	var opErr *transport.OpError
	if errors.As(err, &opErr) {
		var addrErr *net.AddrError
		switch {
		case errors.Is(opErr.Err, transport.ErrNoStream):
			return fmt.Errorf("%w: %w", ErrStreamUnavailable, err)
		case errors.As(opErr.Err, &addrErr):
			return fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
		case opErr.Timeout() && ctx.Err() != context.Canceled:
			return fmt.Errorf("%w: %w: %w", ErrConnectFailed, ErrTimeout, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrConnectFailed, err)
}

func requestError(ctx context.Context, err error) error {
	if errors.Is(err, transport.ErrNotConnected) {
		return ErrNotConnected
	}
	var opErr *transport.OpError
	if !errors.As(err, &opErr) {
		// Framing errors from ReadFrame.
		return err
	}
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("%w: %w", ErrTransportIO, ctx.Err())
	case opErr.Timeout():
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case opErr.Closed():
		return fmt.Errorf("%w: %w", ErrStreamClosed, err)
	default:
		return fmt.Errorf("%w: %w", ErrTransportIO, err)
	}
}

// execute runs one request: it sends pdu in a fresh ADU, reads the reply
// frame, checks it against the request and hands the reply PDU to decode.
func (c *Client) execute(ctx context.Context, pdu []byte, decode func(resp []byte) error) error {
	if len(pdu) == 0 {
		return errors.New("modbus: empty PDU")
	}
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.state = StateBusy
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.state == StateBusy {
			c.state = StateConnected
		}
		c.mu.Unlock()
	}()

	fc := FunctionCode(pdu[0])
	fm := c.metrics.ForFunction(fc)
	start := time.Now()
	c.metrics.RequestsTotal.Add(1)
	fm.Requests.Add(1)

	txID := c.txIDGen.Next()
	frame := Frame{
		Header: MBAPHeader{
			TransactionID: txID,
			ProtocolID:    ProtocolID,
			UnitID:        c.unitID,
		},
		PDU: pdu,
	}

	c.logger.Debug("sending request",
		slog.Uint64("tx_id", uint64(txID)),
		slog.Uint64("unit_id", uint64(c.unitID)),
		slog.String("func", fc.String()))

	var resp *Frame
	err := c.transport.Send(ctx, frame.Encode(), func(r io.Reader) error {
		f, err := ReadFrame(r)
		if err != nil {
			return err
		}
		resp = f
		return nil
	})
	if err != nil {
		err = requestError(ctx, err)
		c.fail(fm, fc, err)
		if !c.transport.IsConnected() {
			c.handleDisconnect(err)
		}
		return err
	}

	if err := c.checkResponse(txID, fc, resp); err != nil {
		c.fail(fm, fc, err)
		return err
	}
	if err := decode(resp.PDU); err != nil {
		c.fail(fm, fc, err)
		return err
	}

	duration := time.Since(start)
	c.metrics.RequestsSuccess.Add(1)
	c.metrics.Latency.Observe(duration)
	fm.Latency.Observe(duration)

	c.logger.Debug("received response",
		slog.Uint64("tx_id", uint64(txID)),
		slog.Duration("duration", duration))

	return nil
}

func (c *Client) checkResponse(txID uint16, fc FunctionCode, resp *Frame) error {
	if resp.Header.TransactionID != txID {
		return fmt.Errorf("%w: transaction ID mismatch (expected %d, got %d)",
			ErrInvalidResponse, txID, resp.Header.TransactionID)
	}
	if resp.Header.UnitID != c.unitID {
		return fmt.Errorf("%w: unit ID mismatch (expected %d, got %d)",
			ErrInvalidResponse, c.unitID, resp.Header.UnitID)
	}
	return classifyResponse(fc, resp.PDU)
}

func (c *Client) fail(fm *FunctionMetrics, fc FunctionCode, err error) {
	c.metrics.RequestsErrors.Add(1)
	fm.Errors.Add(1)

	var modbusErr *ModbusError
	switch {
	case errors.As(err, &modbusErr):
		c.metrics.Exceptions.Add(1)
	case errors.Is(err, ErrTimeout):
		c.metrics.Timeouts.Add(1)
	}

	c.logger.Debug("request failed",
		slog.String("func", fc.String()),
		slog.String("error", err.Error()))
}

// handleDisconnect records that a transport failure dropped the stream.
func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.metrics.ActiveConns.Add(-1)

	c.logger.Warn("disconnected", slog.String("error", err.Error()))

	if c.opts.onDisconnect != nil {
		c.opts.onDisconnect(err)
	}
}

// call runs pdu through execute and decodes the reply into a T.
func call[T any](ctx context.Context, c *Client, pdu []byte, decode func(resp []byte) (T, error)) (T, error) {
	var result T
	err := c.execute(ctx, pdu, func(resp []byte) error {
		v, err := decode(resp)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// ReadCoils reads coils from the server (FC01).
func (c *Client) ReadCoils(ctx context.Context, addr, qty uint16) ([]bool, error) {
	pdu, err := BuildReadCoilsPDU(addr, qty)
	if err != nil {
		return nil, err
	}
	return call(ctx, c, pdu, func(resp []byte) ([]bool, error) {
		return ParseCoilsResponse(resp, qty)
	})
}

// ReadDiscreteInputs reads discrete inputs from the server (FC02).
func (c *Client) ReadDiscreteInputs(ctx context.Context, addr, qty uint16) ([]bool, error) {
	pdu, err := BuildReadDiscreteInputsPDU(addr, qty)
	if err != nil {
		return nil, err
	}
	return call(ctx, c, pdu, func(resp []byte) ([]bool, error) {
		return ParseCoilsResponse(resp, qty)
	})
}

// ReadHoldingRegisters reads holding registers from the server (FC03) and
// returns their qty*2 bytes in wire order.
func (c *Client) ReadHoldingRegisters(ctx context.Context, addr, qty uint16) ([]byte, error) {
	pdu, err := BuildReadHoldingRegistersPDU(addr, qty)
	if err != nil {
		return nil, err
	}
	return call(ctx, c, pdu, func(resp []byte) ([]byte, error) {
		return ParseRegisterBytesResponse(resp, qty)
	})
}

// ReadInputRegisters reads input registers from the server (FC04) and
// returns their qty*2 bytes in wire order.
func (c *Client) ReadInputRegisters(ctx context.Context, addr, qty uint16) ([]byte, error) {
	pdu, err := BuildReadInputRegistersPDU(addr, qty)
	if err != nil {
		return nil, err
	}
	return call(ctx, c, pdu, func(resp []byte) ([]byte, error) {
		return ParseRegisterBytesResponse(resp, qty)
	})
}

// ReadHoldingRegistersUint16 reads holding registers as 16-bit values.
func (c *Client) ReadHoldingRegistersUint16(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	data, err := c.ReadHoldingRegisters(ctx, addr, qty)
	if err != nil {
		return nil, err
	}
	return BytesToUint16s(data), nil
}

// ReadInputRegistersUint16 reads input registers as 16-bit values.
func (c *Client) ReadInputRegistersUint16(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	data, err := c.ReadInputRegisters(ctx, addr, qty)
	if err != nil {
		return nil, err
	}
	return BytesToUint16s(data), nil
}

// WriteSingleCoil writes a single coil (FC05).
func (c *Client) WriteSingleCoil(ctx context.Context, addr uint16, value bool) error {
	pdu := BuildWriteSingleCoilPDU(addr, value)
	return c.execute(ctx, pdu, func(resp []byte) error {
		return ParseWriteResponse(resp, addr)
	})
}

// WriteSingleRegister writes a single register (FC06). value must be two
// bytes, low byte first; see RegisterValue.
func (c *Client) WriteSingleRegister(ctx context.Context, addr uint16, value []byte) error {
	pdu, err := BuildWriteSingleRegisterPDU(addr, value)
	if err != nil {
		return err
	}
	return c.execute(ctx, pdu, func(resp []byte) error {
		return ParseWriteResponse(resp, addr)
	})
}

// WriteSingleRegisterUint16 writes v to a single register (FC06).
func (c *Client) WriteSingleRegisterUint16(ctx context.Context, addr, v uint16) error {
	return c.WriteSingleRegister(ctx, addr, RegisterValue(v))
}

// WriteMultipleCoils writes multiple coils (FC15).
func (c *Client) WriteMultipleCoils(ctx context.Context, addr uint16, values []bool) error {
	pdu, err := BuildWriteMultipleCoilsPDU(addr, values)
	if err != nil {
		return err
	}
	return c.execute(ctx, pdu, func(resp []byte) error {
		return ParseWriteResponse(resp, addr)
	})
}

// WriteMultipleRegisters writes multiple registers (FC16). data holds the
// register bytes in wire order and must have an even length of at most 246.
func (c *Client) WriteMultipleRegisters(ctx context.Context, addr uint16, data []byte) error {
	pdu, err := BuildWriteMultipleRegistersPDU(addr, data)
	if err != nil {
		return err
	}
	return c.execute(ctx, pdu, func(resp []byte) error {
		return ParseWriteResponse(resp, addr)
	})
}

// WriteMultipleRegistersUint16 writes 16-bit values to consecutive registers (FC16).
func (c *Client) WriteMultipleRegistersUint16(ctx context.Context, addr uint16, values []uint16) error {
	return c.WriteMultipleRegisters(ctx, addr, Uint16sToBytes(values))
}
