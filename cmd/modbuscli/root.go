package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/modbus-client"
)

var (
	cfgFile string

	// Global flags
	host      string
	port      int
	unitID    uint8
	timeout   time.Duration
	outputFmt string
	verbose   bool
	noColor   bool
	wordOrder string

	logger *slog.Logger
	cfg    *cliConfig
)

// cliConfig is the merged view of flags, MODBUS_* environment variables and
// the config file.
type cliConfig struct {
	Host      string        `validate:"required,hostname_rfc1123|ip"`
	Port      int           `validate:"min=1,max=65535"`
	Unit      uint8         `validate:"-"`
	Timeout   time.Duration `validate:"gt=0"`
	Output    string        `validate:"oneof=table json csv yaml hex raw"`
	WordOrder string        `validate:"oneof=big little"`
}

var rootCmd = &cobra.Command{
	Use:   "modbuscli",
	Short: "A Modbus TCP client CLI",
	Long: `modbuscli reads and writes coils and registers on Modbus TCP devices.

Features:
  - Read/write coils and registers
  - Multiple output formats (table, json, csv, yaml, hex, raw)
  - Continuous monitoring (watch mode) with a Prometheus endpoint
  - Configuration file and MODBUS_* environment support

Examples:
  # Read 10 holding registers from address 0
  modbuscli read hr -a 0 -c 10 -H 192.168.1.100

  # Write value 1234 to register 100
  modbuscli write register -a 100 -V 1234 -H 192.168.1.100

  # Watch registers continuously
  modbuscli watch hr -a 0 -c 5 -i 1s -H 192.168.1.100`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))

		c, err := loadConfig()
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Configuration file
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.modbuscli.yaml)")

	// Connection flags
	rootCmd.PersistentFlags().StringVarP(&host, "host", "H", "localhost", "Modbus server host")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", modbus.DefaultPort, "Modbus server port")
	rootCmd.PersistentFlags().Uint8VarP(&unitID, "unit", "u", uint8(modbus.DefaultUnitID), "Modbus unit ID")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", modbus.DefaultTimeout, "Operation timeout")

	// Output flags
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, csv, yaml, hex, raw")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable color output")
	rootCmd.PersistentFlags().StringVar(&wordOrder, "word-order", "big", "Word order for 32-bit values: big, little")

	// Bind to viper
	for _, name := range []string{"host", "port", "unit", "timeout", "output", "word-order"} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}

	// Add commands
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(interactiveCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".modbuscli")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MODBUS")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

func loadConfig() (*cliConfig, error) {
	c := &cliConfig{
		Host:      viper.GetString("host"),
		Port:      viper.GetInt("port"),
		Unit:      uint8(viper.GetUint("unit")),
		Timeout:   viper.GetDuration("timeout"),
		Output:    viper.GetString("output"),
		WordOrder: viper.GetString("word-order"),
	}
	if err := validator.New().Struct(c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func createClient(opts ...modbus.Option) (*modbus.Client, error) {
	opts = append([]modbus.Option{
		modbus.WithPort(uint16(cfg.Port)),
		modbus.WithUnitID(modbus.UnitID(cfg.Unit)),
		modbus.WithTimeout(cfg.Timeout),
		modbus.WithLogger(logger),
	}, opts...)

	client, err := modbus.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}

func getAddress() string {
	return fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
}
