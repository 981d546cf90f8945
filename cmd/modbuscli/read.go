package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/modbus-client"
)

var (
	readAddr   uint16
	readCount  uint16
	readFormat string
)

const registerFormats = `Supported formats for -f/--format flag:
  uint16  - Unsigned 16-bit integer (default)
  int16   - Signed 16-bit integer
  uint32  - Unsigned 32-bit integer (2 registers)
  int32   - Signed 32-bit integer (2 registers)
  float32 - 32-bit floating point (2 registers)
  string  - ASCII string`

var readCmd = &cobra.Command{
	Use:     "read",
	Aliases: []string{"r"},
	Short:   "Read data from Modbus device",
	Long:    `Read coils, discrete inputs, holding registers, or input registers from a Modbus device.`,
}

// Read coils (FC01)
var readCoilsCmd = &cobra.Command{
	Use:     "coils",
	Aliases: []string{"c", "coil"},
	Short:   "Read coils (FC01)",
	Long:    `Read coils (discrete outputs) from the Modbus device using function code 01.`,
	Example: `  modbuscli read coils -a 0 -c 10 -H 192.168.1.100
  modbuscli r c -a 100 -c 8`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return readBools("Coils", (*modbus.Client).ReadCoils)
	},
}

// Read discrete inputs (FC02)
var readDiscreteInputsCmd = &cobra.Command{
	Use:     "discrete-inputs",
	Aliases: []string{"di", "discrete"},
	Short:   "Read discrete inputs (FC02)",
	Long:    `Read discrete inputs from the Modbus device using function code 02.`,
	Example: `  modbuscli read discrete-inputs -a 0 -c 10 -H 192.168.1.100
  modbuscli r di -a 100 -c 8`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return readBools("Discrete Inputs", (*modbus.Client).ReadDiscreteInputs)
	},
}

// Read holding registers (FC03)
var readHoldingRegistersCmd = &cobra.Command{
	Use:     "holding-registers",
	Aliases: []string{"hr", "holding"},
	Short:   "Read holding registers (FC03)",
	Long:    "Read holding registers from the Modbus device using function code 03.\n\n" + registerFormats,
	Example: `  modbuscli read holding-registers -a 0 -c 10 -H 192.168.1.100
  modbuscli r hr -a 100 -c 4 -f float32
  modbuscli r hr -a 0 -c 20 -f string -o yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return readRegisters("Holding Registers", (*modbus.Client).ReadHoldingRegisters)
	},
}

// Read input registers (FC04)
var readInputRegistersCmd = &cobra.Command{
	Use:     "input-registers",
	Aliases: []string{"ir", "input"},
	Short:   "Read input registers (FC04)",
	Long:    "Read input registers from the Modbus device using function code 04.\n\n" + registerFormats,
	Example: `  modbuscli read input-registers -a 0 -c 10 -H 192.168.1.100
  modbuscli r ir -a 100 -c 4 -f int32`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return readRegisters("Input Registers", (*modbus.Client).ReadInputRegisters)
	},
}

func init() {
	readCmd.AddCommand(readCoilsCmd)
	readCmd.AddCommand(readDiscreteInputsCmd)
	readCmd.AddCommand(readHoldingRegistersCmd)
	readCmd.AddCommand(readInputRegistersCmd)

	for _, cmd := range []*cobra.Command{readCoilsCmd, readDiscreteInputsCmd, readHoldingRegistersCmd, readInputRegistersCmd} {
		cmd.Flags().Uint16VarP(&readAddr, "address", "a", 0, "Starting address")
		cmd.Flags().Uint16VarP(&readCount, "count", "c", 1, "Number of items to read")
	}

	for _, cmd := range []*cobra.Command{readHoldingRegistersCmd, readInputRegistersCmd} {
		cmd.Flags().StringVarP(&readFormat, "format", "f", "uint16", "Data format: uint16, int16, uint32, int32, float32, string")
	}
}

type readFunc[T any] func(c *modbus.Client, ctx context.Context, addr, qty uint16) (T, error)

// withClient connects a client, runs fn and closes the client.
func withClient(fn func(ctx context.Context, client *modbus.Client) error) error {
	client, err := createClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	return fn(ctx, client)
}

func readBools(title string, read readFunc[[]bool]) error {
	return withClient(func(ctx context.Context, client *modbus.Client) error {
		values, err := read(client, ctx, readAddr, readCount)
		if err != nil {
			return fmt.Errorf("read %s failed: %w", title, err)
		}
		return outputBoolValues(title, readAddr, values)
	})
}

func readRegisters(title string, read readFunc[[]byte]) error {
	return withClient(func(ctx context.Context, client *modbus.Client) error {
		data, err := read(client, ctx, readAddr, readCount)
		if err != nil {
			return fmt.Errorf("read %s failed: %w", title, err)
		}
		return outputRegisterValues(title, readAddr, data, readFormat)
	})
}
