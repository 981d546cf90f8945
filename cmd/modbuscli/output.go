package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/edgeo-scada/modbus-client"
)

// Color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBold   = "\033[1m"
)

func color(c, s string) string {
	if noColor {
		return s
	}
	return c + s + colorReset
}

func outputSuccess(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(color(colorGreen, "OK") + " " + msg)
}

func outputError(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, color(colorRed, "ERROR")+" "+msg)
}

func outputInfo(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, color(colorBold, "INFO")+" "+msg)
}

func outputWarning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, color(colorYellow, "WARN")+" "+msg)
}

type BoolResult struct {
	Address uint16 `json:"address" yaml:"address"`
	Value   bool   `json:"value" yaml:"value"`
}

// RegisterResult is one decoded value. 32-bit formats span two registers.
type RegisterResult struct {
	Address uint16      `json:"address" yaml:"address"`
	Raw     []uint16    `json:"raw" yaml:"raw"`
	Hex     string      `json:"hex" yaml:"hex"`
	Value   interface{} `json:"value" yaml:"value"`
	Format  string      `json:"format" yaml:"format"`
}

func outputStructured(v interface{}) error {
	return encodeStructured(os.Stdout, v)
}

// encodeStructured writes v as yaml when that output is configured and as
// indented json otherwise.
func encodeStructured(w io.Writer, v interface{}) error {
	if cfg.Output == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func boolResults(startAddr uint16, values []bool) []BoolResult {
	results := make([]BoolResult, len(values))
	for i, v := range values {
		results[i] = BoolResult{Address: startAddr + uint16(i), Value: v}
	}
	return results
}

func outputBoolValues(title string, startAddr uint16, values []bool) error {
	switch cfg.Output {
	case "json", "yaml":
		return outputStructured(boolResults(startAddr, values))
	case "csv":
		return outputBoolCSV(startAddr, values)
	case "raw":
		return outputBoolRaw(values)
	case "hex":
		return outputHex(modbus.BoolsToBytes(values))
	default:
		return outputBoolTable(title, startAddr, values)
	}
}

func outputBoolTable(title string, startAddr uint16, values []bool) error {
	fmt.Printf("\n%s (Address %d-%d, Count: %d)\n",
		color(colorBold, title),
		startAddr,
		startAddr+uint16(len(values))-1,
		len(values))
	fmt.Println(strings.Repeat("-", 40))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tVALUE\tSTATUS")
	fmt.Fprintln(w, "-------\t-----\t------")

	for i, v := range values {
		valStr, status := "0", color(colorRed, "OFF")
		if v {
			valStr, status = "1", color(colorGreen, "ON")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", startAddr+uint16(i), valStr, status)
	}
	w.Flush()
	fmt.Println()
	return nil
}

func outputBoolCSV(startAddr uint16, values []bool) error {
	w := csv.NewWriter(os.Stdout)
	w.Write([]string{"address", "value"})
	for _, r := range boolResults(startAddr, values) {
		val := "0"
		if r.Value {
			val = "1"
		}
		w.Write([]string{strconv.Itoa(int(r.Address)), val})
	}
	w.Flush()
	return w.Error()
}

func outputBoolRaw(values []bool) error {
	var sb strings.Builder
	for _, v := range values {
		if v {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	fmt.Println(sb.String())
	return nil
}

func outputHex(data []byte) error {
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	fmt.Println(strings.Join(parts, " "))
	return nil
}

// wordSwapped returns the 4 bytes at offset with the two registers swapped
// when the little word order is configured.
func wordSwapped(data []byte, offset int) []byte {
	b := data[offset : offset+4]
	if cfg.WordOrder == "little" {
		return []byte{b[2], b[3], b[0], b[1]}
	}
	return b
}

// decodeRegisters turns register bytes in wire order into values of format.
func decodeRegisters(startAddr uint16, data []byte, format string) ([]RegisterResult, error) {
	regs := modbus.BytesToUint16s(data)
	var results []RegisterResult

	switch format {
	case "uint16", "", "int16":
		if format == "" {
			format = "uint16"
		}
		for i, r := range regs {
			var value interface{} = r
			if format == "int16" {
				value = int16(r)
			}
			results = append(results, RegisterResult{
				Address: startAddr + uint16(i),
				Raw:     []uint16{r},
				Hex:     fmt.Sprintf("0x%04X", r),
				Value:   value,
				Format:  format,
			})
		}

	case "uint32", "int32", "float32":
		for off := 0; off+4 <= len(data); off += 4 {
			word := wordSwapped(data, off)
			bits, err := modbus.GetUint32(word, 0)
			if err != nil {
				return nil, err
			}
			var value interface{}
			switch format {
			case "uint32":
				value = bits
			case "int32":
				value = int32(bits)
			default:
				f, err := modbus.GetFloat32(word, 0)
				if err != nil {
					return nil, err
				}
				value = f
			}
			results = append(results, RegisterResult{
				Address: startAddr + uint16(off/2),
				Raw:     regs[off/2 : off/2+2],
				Hex:     fmt.Sprintf("0x%08X", bits),
				Value:   value,
				Format:  format,
			})
		}

	case "string":
		results = append(results, RegisterResult{
			Address: startAddr,
			Raw:     regs,
			Hex:     fmt.Sprintf("%X", data),
			Value:   strings.TrimRight(string(data), "\x00"),
			Format:  format,
		})

	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}

	return results, nil
}

func outputRegisterValues(title string, startAddr uint16, data []byte, format string) error {
	switch cfg.Output {
	case "raw":
		for _, v := range modbus.BytesToUint16s(data) {
			fmt.Println(v)
		}
		return nil
	case "hex":
		return outputHex(data)
	}

	results, err := decodeRegisters(startAddr, data, format)
	if err != nil {
		return err
	}

	switch cfg.Output {
	case "json", "yaml":
		return outputStructured(results)
	case "csv":
		return outputRegisterCSV(results)
	default:
		return outputRegisterTable(title, startAddr, len(data)/2, results)
	}
}

func outputRegisterTable(title string, startAddr uint16, count int, results []RegisterResult) error {
	fmt.Printf("\n%s (Address %d-%d, Count: %d)\n",
		color(colorBold, title),
		startAddr,
		startAddr+uint16(count)-1,
		count)
	fmt.Println(strings.Repeat("-", 60))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tVALUE\tHEX")
	fmt.Fprintln(w, "-------\t-----\t---")
	for _, r := range results {
		addr := strconv.Itoa(int(r.Address))
		if len(r.Raw) > 1 {
			addr = fmt.Sprintf("%d-%d", r.Address, int(r.Address)+len(r.Raw)-1)
		}
		fmt.Fprintf(w, "%s\t%v\t%s\n", addr, r.Value, r.Hex)
	}
	w.Flush()
	fmt.Println()
	return nil
}

func outputRegisterCSV(results []RegisterResult) error {
	w := csv.NewWriter(os.Stdout)
	w.Write([]string{"address", "hex", "value", "format"})
	for _, r := range results {
		w.Write([]string{strconv.Itoa(int(r.Address)), r.Hex, fmt.Sprint(r.Value), r.Format})
	}
	w.Flush()
	return w.Error()
}
