package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/modbus-client"
)

var interactiveCmd = &cobra.Command{
	Use:     "interactive",
	Aliases: []string{"i", "repl", "shell"},
	Short:   "Start interactive Modbus shell",
	Long: `Start an interactive shell for Modbus communication.

Type 'help' inside the shell for the command list.`,
	Example: `  modbuscli interactive -H 192.168.1.100
  modbuscli i --host 10.0.0.50 --port 5020`,
	RunE: runInteractive,
}

var errQuit = errors.New("quit")

type interactiveSession struct {
	client    *modbus.Client
	host      string
	port      uint16
	unit      uint8
	regFormat string
}

func newInteractiveSession() *interactiveSession {
	return &interactiveSession{
		host:      cfg.Host,
		port:      uint16(cfg.Port),
		unit:      cfg.Unit,
		regFormat: "uint16",
	}
}

func runInteractive(cmd *cobra.Command, args []string) error {
	session := newInteractiveSession()
	defer session.disconnect()

	fmt.Println(color(colorBold, "Modbus Interactive Shell"))
	fmt.Println("Type 'help' for available commands, 'quit' to exit")
	fmt.Println()

	if cmd.Flags().Changed("host") || cmd.Flags().Changed("port") {
		if err := session.connect(); err != nil {
			outputWarning("Auto-connect failed: %v", err)
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(session.prompt())
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := session.execute(line); err != nil {
			if errors.Is(err, errQuit) {
				break
			}
			outputError("%v", err)
		}
	}

	fmt.Println("\nGoodbye!")
	return nil
}

func (s *interactiveSession) connected() bool {
	return s.client != nil && s.client.IsConnected()
}

func (s *interactiveSession) address() string {
	return net.JoinHostPort(s.host, strconv.Itoa(int(s.port)))
}

func (s *interactiveSession) prompt() string {
	status := color(colorRed, "disconnected")
	if s.connected() {
		status = color(colorGreen, s.address())
	}
	return fmt.Sprintf("modbus[%s]@%d> ", status, s.unit)
}

func (s *interactiveSession) execute(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "quit", "exit", "q":
		return errQuit
	case "help", "h", "?":
		s.showHelp()
		return nil
	case "connect", "conn", "c":
		if len(args) > 0 {
			if err := s.setEndpoint(args[0]); err != nil {
				return err
			}
		}
		return s.connect()
	case "disconnect", "disc", "d":
		s.disconnect()
		outputInfo("Disconnected")
		return nil
	case "status", "stat", "s":
		s.showStatus()
		return nil
	case "unit", "u":
		return s.setUnit(args)
	case "output", "out", "o":
		return s.setOutput(args)
	case "format", "fmt", "f":
		return s.setFormat(args)
	case "rc", "readcoils":
		return sessionRead[[]bool](s, args, "Coils", (*modbus.Client).ReadCoils,
			func(title string, addr uint16, v []bool, _ string) error {
				return outputBoolValues(title, addr, v)
			})
	case "rdi", "readdiscrete":
		return sessionRead[[]bool](s, args, "Discrete Inputs", (*modbus.Client).ReadDiscreteInputs,
			func(title string, addr uint16, v []bool, _ string) error {
				return outputBoolValues(title, addr, v)
			})
	case "rhr", "readholding":
		return sessionRead[[]byte](s, args, "Holding Registers", (*modbus.Client).ReadHoldingRegisters, outputRegisterValues)
	case "rir", "readinput":
		return sessionRead[[]byte](s, args, "Input Registers", (*modbus.Client).ReadInputRegisters, outputRegisterValues)
	case "wc", "writecoil":
		return s.writeSingleCoil(args)
	case "wr", "writereg":
		return s.writeSingleRegister(args)
	case "wcs", "writecoils":
		return s.writeMultipleCoils(args)
	case "wrs", "writeregs":
		return s.writeMultipleRegisters(args)
	default:
		return fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
}

// setEndpoint accepts "host" or "host:port".
func (s *interactiveSession) setEndpoint(arg string) error {
	h, p, err := net.SplitHostPort(arg)
	if err != nil {
		s.host = arg
		return nil
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil || port == 0 {
		return fmt.Errorf("invalid port: %s", p)
	}
	s.host, s.port = h, uint16(port)
	return nil
}

func (s *interactiveSession) connect() error {
	s.disconnect()

	client, err := modbus.NewClient(s.host,
		modbus.WithPort(s.port),
		modbus.WithUnitID(modbus.UnitID(s.unit)),
		modbus.WithTimeout(cfg.Timeout),
		modbus.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	s.client = client
	outputSuccess("Connected to %s", s.address())
	return nil
}

func (s *interactiveSession) disconnect() {
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

// setUnit changes the unit ID. The unit is fixed per client, so an open
// connection is re-established with the new one.
func (s *interactiveSession) setUnit(args []string) error {
	if len(args) < 1 {
		fmt.Printf("Current unit ID: %d\n", s.unit)
		return nil
	}
	id, err := strconv.ParseUint(args[0], 10, 8)
	if err != nil {
		return fmt.Errorf("invalid unit ID (0-255): %s", args[0])
	}
	s.unit = uint8(id)
	fmt.Printf("Unit ID set to %d\n", s.unit)

	if s.connected() {
		return s.connect()
	}
	return nil
}

func (s *interactiveSession) setOutput(args []string) error {
	if len(args) < 1 {
		fmt.Printf("Current output format: %s\n", cfg.Output)
		return nil
	}
	switch args[0] {
	case "table", "json", "csv", "yaml", "hex", "raw":
		cfg.Output = args[0]
		fmt.Printf("Output format set to %s\n", cfg.Output)
		return nil
	default:
		return fmt.Errorf("invalid format: %s", args[0])
	}
}

func (s *interactiveSession) setFormat(args []string) error {
	if len(args) < 1 {
		fmt.Printf("Current register format: %s\n", s.regFormat)
		return nil
	}
	switch args[0] {
	case "uint16", "int16", "uint32", "int32", "float32", "string":
		s.regFormat = args[0]
		fmt.Printf("Register format set to %s\n", s.regFormat)
		return nil
	default:
		return fmt.Errorf("invalid register format: %s", args[0])
	}
}

func (s *interactiveSession) showStatus() {
	fmt.Println()
	fmt.Println(color(colorBold, "Connection Status"))
	fmt.Println(strings.Repeat("-", 30))
	if s.connected() {
		fmt.Printf("Status:        %s\n", color(colorGreen, "Connected"))
	} else {
		fmt.Printf("Status:        %s\n", color(colorRed, "Disconnected"))
	}
	fmt.Printf("Host:          %s\n", s.address())
	fmt.Printf("Unit ID:       %d\n", s.unit)
	fmt.Printf("Output:        %s\n", cfg.Output)
	fmt.Printf("Reg Format:    %s\n", s.regFormat)
	fmt.Printf("Timeout:       %s\n", cfg.Timeout)
	if s.client != nil {
		m := s.client.Metrics()
		fmt.Printf("Requests:      %d (%d errors)\n", m.RequestsTotal.Value(), m.RequestsErrors.Value())
	}
	fmt.Println()
}

func (s *interactiveSession) showHelp() {
	help := `
Commands:
  Connection:
    connect [host[:port]]  Connect to Modbus server
    disconnect             Disconnect from server
    unit <id>              Set/show unit ID (reconnects when connected)
    status                 Show connection status

  Read Operations:
    rc <addr> [count]               Read coils (FC01)
    rdi <addr> [count]              Read discrete inputs (FC02)
    rhr <addr> [count] [format]     Read holding registers (FC03)
    rir <addr> [count] [format]     Read input registers (FC04)

  Write Operations:
    wc <addr> <0|1>                 Write single coil (FC05)
    wr <addr> <value>               Write single register (FC06)
    wcs <addr> <v1,v2,...>          Write multiple coils (FC15)
    wrs <addr> <v1,v2,...>          Write multiple registers (FC16)

  Settings:
    output <format>        Set output format (table/json/csv/yaml/hex/raw)
    format <type>          Set register format (uint16/int16/uint32/int32/float32/string)

  General:
    help                   Show this help
    quit                   Exit interactive mode
`
	fmt.Println(help)
}

func (s *interactiveSession) requireConnection() error {
	if !s.connected() {
		return fmt.Errorf("not connected (use 'connect' first)")
	}
	return nil
}

// parseAddrCount reads "<addr> [count] [format]" arguments. Numbers accept
// the same prefixes as write values.
func parseAddrCount(args []string) (addr, count uint16, format string, err error) {
	count = 1
	if len(args) >= 1 {
		if addr, err = parseUint16Value(args[0]); err != nil {
			return 0, 0, "", fmt.Errorf("invalid address: %w", err)
		}
	}
	if len(args) >= 2 {
		if count, err = parseUint16Value(args[1]); err != nil {
			return 0, 0, "", fmt.Errorf("invalid count: %w", err)
		}
	}
	if len(args) >= 3 {
		format = args[2]
	}
	return addr, count, format, nil
}

func sessionRead[T any](s *interactiveSession, args []string, title string, read readFunc[T], show func(string, uint16, T, string) error) error {
	if err := s.requireConnection(); err != nil {
		return err
	}
	addr, count, format, err := parseAddrCount(args)
	if err != nil {
		return err
	}
	if format == "" {
		format = s.regFormat
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	values, err := read(s.client, ctx, addr, count)
	if err != nil {
		return err
	}
	return show(title, addr, values, format)
}

// writeArgs checks the connection and splits "<addr> <values...>".
func (s *interactiveSession) writeArgs(args []string, usage string) (uint16, []string, error) {
	if err := s.requireConnection(); err != nil {
		return 0, nil, err
	}
	if len(args) < 2 {
		return 0, nil, fmt.Errorf("usage: %s", usage)
	}
	addr, err := parseUint16Value(args[0])
	if err != nil {
		return 0, nil, fmt.Errorf("invalid address: %w", err)
	}
	return addr, args[1:], nil
}

func (s *interactiveSession) writeSingleCoil(args []string) error {
	addr, rest, err := s.writeArgs(args, "wc <address> <0|1>")
	if err != nil {
		return err
	}
	value, err := parseBoolValue(rest[0])
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := s.client.WriteSingleCoil(ctx, addr, value); err != nil {
		return err
	}
	outputSuccess("Wrote coil %d = %v", addr, value)
	return nil
}

func (s *interactiveSession) writeSingleRegister(args []string) error {
	addr, rest, err := s.writeArgs(args, "wr <address> <value>")
	if err != nil {
		return err
	}
	value, err := parseUint16Value(rest[0])
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := s.client.WriteSingleRegisterUint16(ctx, addr, value); err != nil {
		return err
	}
	outputSuccess("Wrote register %d = %d (0x%04X)", addr, value, value)
	return nil
}

func (s *interactiveSession) writeMultipleCoils(args []string) error {
	addr, rest, err := s.writeArgs(args, "wcs <address> <v1,v2,...>")
	if err != nil {
		return err
	}
	values, err := parseBoolValues(rest)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := s.client.WriteMultipleCoils(ctx, addr, values); err != nil {
		return err
	}
	outputSuccess("Wrote %d coils starting at address %d", len(values), addr)
	return nil
}

func (s *interactiveSession) writeMultipleRegisters(args []string) error {
	addr, rest, err := s.writeArgs(args, "wrs <address> <v1,v2,...>")
	if err != nil {
		return err
	}
	values, err := parseUint16Values(rest)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := s.client.WriteMultipleRegistersUint16(ctx, addr, values); err != nil {
		return err
	}
	outputSuccess("Wrote %d registers starting at address %d", len(values), addr)
	return nil
}
