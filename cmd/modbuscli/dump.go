package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/modbus-client"
)

var (
	dumpStartAddr uint16
	dumpEndAddr   uint16
	dumpBatchSize uint16
	dumpOutFile   string
	dumpShowEmpty bool
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump register ranges",
	Long: `Dump a range of registers or bits from the Modbus device.

Large ranges are read in batches no larger than the protocol allows
(125 registers or 2000 bits per request). Output formats: table (hexdump),
hex, json, yaml, csv.`,
	Example: `  modbuscli dump hr -a 0 -e 999 -H 192.168.1.100
  modbuscli dump ir -a 0 -e 100 -f registers.csv -o csv
  modbuscli dump coils -a 0 -e 100`,
}

var dumpHoldingCmd = &cobra.Command{
	Use:     "holding-registers",
	Aliases: []string{"hr", "holding"},
	Short:   "Dump holding registers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDump[uint16]("Holding Registers", (*modbus.Client).ReadHoldingRegistersUint16,
			modbus.MaxQuantityRegisters, renderRegisterDump)
	},
}

var dumpInputCmd = &cobra.Command{
	Use:     "input-registers",
	Aliases: []string{"ir", "input"},
	Short:   "Dump input registers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDump[uint16]("Input Registers", (*modbus.Client).ReadInputRegistersUint16,
			modbus.MaxQuantityRegisters, renderRegisterDump)
	},
}

var dumpCoilsCmd = &cobra.Command{
	Use:     "coils",
	Aliases: []string{"c", "coil"},
	Short:   "Dump coils",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDump[bool]("Coils", (*modbus.Client).ReadCoils,
			modbus.MaxQuantityCoils, renderBoolDump)
	},
}

var dumpDiscreteCmd = &cobra.Command{
	Use:     "discrete-inputs",
	Aliases: []string{"di", "discrete"},
	Short:   "Dump discrete inputs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDump[bool]("Discrete Inputs", (*modbus.Client).ReadDiscreteInputs,
			modbus.MaxQuantityDiscreteInputs, renderBoolDump)
	},
}

func init() {
	dumpCmd.AddCommand(dumpHoldingCmd)
	dumpCmd.AddCommand(dumpInputCmd)
	dumpCmd.AddCommand(dumpCoilsCmd)
	dumpCmd.AddCommand(dumpDiscreteCmd)

	for _, cmd := range []*cobra.Command{dumpHoldingCmd, dumpInputCmd, dumpCoilsCmd, dumpDiscreteCmd} {
		cmd.Flags().Uint16VarP(&dumpStartAddr, "start", "a", 0, "Start address")
		cmd.Flags().Uint16VarP(&dumpEndAddr, "end", "e", 100, "End address (inclusive)")
		cmd.Flags().Uint16VarP(&dumpBatchSize, "batch", "b", 0, "Items per request (0 = protocol maximum)")
		cmd.Flags().StringVarP(&dumpOutFile, "file", "f", "", "Output file (default: stdout)")
		cmd.Flags().BoolVar(&dumpShowEmpty, "show-empty", false, "Show addresses whose batch failed")
	}
}

// DumpEntry is one address of a dump. Error is set when its batch failed.
type DumpEntry[T any] struct {
	Address uint16 `json:"address" yaml:"address"`
	Value   T      `json:"value" yaml:"value"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

type addrRange struct {
	start uint16
	qty   uint16
}

// dumpBatches splits the inclusive range [start, end] into reads of at most
// batch items. A batch of 0 or above limit is clamped to limit.
func dumpBatches(start, end, batch uint16, limit int) []addrRange {
	if end < start {
		start, end = end, start
	}
	size := int(batch)
	if size == 0 || size > limit {
		size = limit
	}

	var ranges []addrRange
	for addr := int(start); addr <= int(end); addr += size {
		qty := size
		if addr+qty > int(end)+1 {
			qty = int(end) + 1 - addr
		}
		ranges = append(ranges, addrRange{start: uint16(addr), qty: uint16(qty)})
	}
	return ranges
}

// collectDump reads every batch in turn. A failed batch does not stop the
// dump; if it cost the connection, the next batch reconnects first.
func collectDump[T any](ctx context.Context, client *modbus.Client, read readFunc[[]T], batches []addrRange, showEmpty bool) []DumpEntry[T] {
	var entries []DumpEntry[T]
	for _, b := range batches {
		if ctx.Err() != nil {
			break
		}

		readCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		var (
			values []T
			err    error
		)
		if !client.IsConnected() {
			err = client.Connect(readCtx)
		}
		if err == nil {
			values, err = read(client, readCtx, b.start, b.qty)
		}
		cancel()

		if err != nil {
			logger.Debug("dump batch failed",
				"start", b.start, "qty", b.qty, "error", err.Error())
			if showEmpty {
				for i := uint16(0); i < b.qty; i++ {
					entries = append(entries, DumpEntry[T]{Address: b.start + i, Error: err.Error()})
				}
			}
			continue
		}
		for i, v := range values {
			entries = append(entries, DumpEntry[T]{Address: b.start + uint16(i), Value: v})
		}
	}
	return entries
}

func runDump[T any](title string, read readFunc[[]T], limit int, render func(io.Writer, string, []DumpEntry[T]) error) error {
	client, err := createClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	err = client.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	batches := dumpBatches(dumpStartAddr, dumpEndAddr, dumpBatchSize, limit)
	outputInfo("Dumping %s from %d to %d in %d request(s)...", title, dumpStartAddr, dumpEndAddr, len(batches))

	startTime := time.Now()
	entries := collectDump(ctx, client, read, batches, dumpShowEmpty)
	duration := time.Since(startTime)
	outputInfo("Read %d items in %s", len(entries), duration.Round(time.Millisecond))

	out := io.Writer(os.Stdout)
	if dumpOutFile != "" {
		f, err := os.Create(dumpOutFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	if err := render(out, title, entries); err != nil {
		return err
	}
	if dumpOutFile != "" {
		outputSuccess("Output written to %s", dumpOutFile)
	}
	return nil
}

func printableByte(b byte) byte {
	if b >= 32 && b < 127 {
		return b
	}
	return '.'
}

// renderRegisterDump writes register entries as a hexdump, 16 registers per
// line in table mode and 8 in hex mode, with an ASCII column.
func renderRegisterDump(w io.Writer, title string, entries []DumpEntry[uint16]) error {
	switch cfg.Output {
	case "json", "yaml":
		return encodeStructured(w, entries)
	case "csv":
		cw := csv.NewWriter(w)
		cw.Write([]string{"address", "value", "hex", "error"})
		for _, e := range entries {
			cw.Write([]string{
				strconv.Itoa(int(e.Address)),
				strconv.Itoa(int(e.Value)),
				fmt.Sprintf("0x%04X", e.Value),
				e.Error,
			})
		}
		cw.Flush()
		return cw.Error()
	}

	perLine, cell, missing := 16, " %04X ", " ---- "
	if cfg.Output == "hex" {
		perLine, cell, missing = 8, "%02x %02x ", "?? ?? "
	} else {
		fmt.Fprintf(w, "\n%s Dump\n", title)
		fmt.Fprintln(w, strings.Repeat("=", 60))
	}

	for i := 0; i < len(entries); i += perLine {
		end := min(i+perLine, len(entries))
		fmt.Fprintf(w, "%5d: ", entries[i].Address)

		var ascii strings.Builder
		for _, e := range entries[i:end] {
			if e.Error != "" {
				fmt.Fprint(w, missing)
				ascii.WriteString("..")
				continue
			}
			hi, lo := byte(e.Value>>8), byte(e.Value)
			if cfg.Output == "hex" {
				fmt.Fprintf(w, cell, hi, lo)
			} else {
				fmt.Fprintf(w, cell, e.Value)
			}
			ascii.WriteByte(printableByte(hi))
			ascii.WriteByte(printableByte(lo))
		}
		fmt.Fprint(w, strings.Repeat(strings.Repeat(" ", len(missing)), perLine-(end-i)))
		fmt.Fprintf(w, " |%s|\n", ascii.String())
	}
	fmt.Fprintln(w)
	return nil
}

// renderBoolDump writes bit entries 32 per line, grouped by eight.
func renderBoolDump(w io.Writer, title string, entries []DumpEntry[bool]) error {
	switch cfg.Output {
	case "json", "yaml":
		return encodeStructured(w, entries)
	case "csv":
		cw := csv.NewWriter(w)
		cw.Write([]string{"address", "value", "error"})
		for _, e := range entries {
			val := "0"
			if e.Value {
				val = "1"
			}
			cw.Write([]string{strconv.Itoa(int(e.Address)), val, e.Error})
		}
		cw.Flush()
		return cw.Error()
	}

	fmt.Fprintf(w, "\n%s Dump\n", title)
	fmt.Fprintln(w, strings.Repeat("=", 60))
	for i := 0; i < len(entries); i += 32 {
		end := min(i+32, len(entries))
		fmt.Fprintf(w, "%5d: ", entries[i].Address)
		for j, e := range entries[i:end] {
			switch {
			case e.Error != "":
				fmt.Fprint(w, "?")
			case e.Value:
				fmt.Fprint(w, "1")
			default:
				fmt.Fprint(w, "0")
			}
			if (j+1)%8 == 0 {
				fmt.Fprint(w, " ")
			}
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w)
	return nil
}
