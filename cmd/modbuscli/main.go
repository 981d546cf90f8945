// Package main provides a Modbus TCP CLI client.
package main

import (
	"fmt"
	"os"

	"github.com/edgeo-scada/modbus-client"
)

var version = "1.0.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		outputError("%v", err)
		if code := modbus.Code(err); code != 0 {
			fmt.Fprintf(os.Stderr, "error code: %d\n", code)
		}
		os.Exit(1)
	}
}
