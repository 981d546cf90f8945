package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/edgeo-scada/modbus-client"
)

var (
	watchInterval    time.Duration
	watchCount       int
	watchShowDiff    bool
	watchClearTerm   bool
	watchTimestamp   bool
	watchLogFile     string
	watchMetricsAddr string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Continuously monitor Modbus values",
	Long: `Watch Modbus registers or coils continuously with configurable interval.

Supports:
  - Holding registers (hr)
  - Input registers (ir)
  - Coils (c)
  - Discrete inputs (di)

A lost connection is re-established on the next tick. With --metrics-addr
the client metrics are served for Prometheus at /metrics.`,
	Example: `  # Watch 5 holding registers every second
  modbuscli watch hr -a 0 -c 5 -i 1s -H 192.168.1.100

  # Watch and log to file
  modbuscli watch hr -a 0 -c 10 -i 2s --log data.csv

  # Watch coils and expose metrics
  modbuscli watch c -a 0 -c 8 -i 1s --diff --metrics-addr :9102`,
}

var watchHoldingRegistersCmd = &cobra.Command{
	Use:     "holding-registers",
	Aliases: []string{"hr", "holding"},
	Short:   "Watch holding registers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchRegisters("Holding Registers", (*modbus.Client).ReadHoldingRegistersUint16)
	},
}

var watchInputRegistersCmd = &cobra.Command{
	Use:     "input-registers",
	Aliases: []string{"ir", "input"},
	Short:   "Watch input registers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchRegisters("Input Registers", (*modbus.Client).ReadInputRegistersUint16)
	},
}

var watchCoilsCmd = &cobra.Command{
	Use:     "coils",
	Aliases: []string{"c", "coil"},
	Short:   "Watch coils",
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchBools("Coils", (*modbus.Client).ReadCoils)
	},
}

var watchDiscreteInputsCmd = &cobra.Command{
	Use:     "discrete-inputs",
	Aliases: []string{"di", "discrete"},
	Short:   "Watch discrete inputs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchBools("Discrete Inputs", (*modbus.Client).ReadDiscreteInputs)
	},
}

func init() {
	watchCmd.AddCommand(watchHoldingRegistersCmd)
	watchCmd.AddCommand(watchInputRegistersCmd)
	watchCmd.AddCommand(watchCoilsCmd)
	watchCmd.AddCommand(watchDiscreteInputsCmd)

	for _, cmd := range []*cobra.Command{watchHoldingRegistersCmd, watchInputRegistersCmd, watchCoilsCmd, watchDiscreteInputsCmd} {
		cmd.Flags().Uint16VarP(&readAddr, "address", "a", 0, "Starting address")
		cmd.Flags().Uint16VarP(&readCount, "count", "c", 1, "Number of items to read")
		cmd.Flags().DurationVarP(&watchInterval, "interval", "i", 1*time.Second, "Poll interval")
		cmd.Flags().IntVarP(&watchCount, "iterations", "n", 0, "Number of iterations (0 = infinite)")
		cmd.Flags().BoolVar(&watchShowDiff, "diff", false, "Highlight changed values")
		cmd.Flags().BoolVar(&watchClearTerm, "clear", true, "Clear terminal between updates")
		cmd.Flags().BoolVar(&watchTimestamp, "timestamp", true, "Show timestamps")
		cmd.Flags().StringVar(&watchLogFile, "log", "", "Log values to file (CSV format)")
		cmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	}
}

// watchState is shared by the register and bool watchers.
type watchState struct {
	client       *modbus.Client
	ctx          context.Context
	cancel       context.CancelFunc
	metricsSrv   *http.Server
	iteration    int
	logFile      *os.File
	startTime    time.Time
	errorCount   int
	successCount int
}

func initWatchState() (*watchState, error) {
	var opts []modbus.Option
	var registry *prometheus.Registry
	if watchMetricsAddr != "" {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		opts = append(opts, modbus.WithPrometheusRegisterer(registry))
	}

	client, err := createClient(opts...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	state := &watchState{
		client:    client,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}

	if err := client.Connect(ctx); err != nil {
		state.cleanup()
		return nil, fmt.Errorf("connection failed: %w", err)
	}

	if watchLogFile != "" {
		f, err := os.Create(watchLogFile)
		if err != nil {
			state.cleanup()
			return nil, fmt.Errorf("failed to create log file: %w", err)
		}
		state.logFile = f
	}

	if registry != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		state.metricsSrv = &http.Server{Addr: watchMetricsAddr, Handler: mux}
		go func() {
			if err := state.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
		logger.Info("serving metrics", slog.String("addr", watchMetricsAddr))
	}

	return state, nil
}

func (s *watchState) cleanup() {
	if s.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.metricsSrv.Shutdown(ctx)
		cancel()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.client != nil {
		s.client.Close()
	}
	if s.logFile != nil {
		s.logFile.Close()
	}
}

// poll reads once, reconnecting first if a transport failure dropped the
// connection.
func poll[T any](s *watchState, read readFunc[T]) (T, error) {
	ctx, cancel := context.WithTimeout(s.ctx, cfg.Timeout)
	defer cancel()

	if !s.client.IsConnected() {
		if err := s.client.Connect(ctx); err != nil {
			var zero T
			return zero, err
		}
	}
	return read(s.client, ctx, readAddr, readCount)
}

// run drives the poll loop until watchCount ticks have run, failed ones
// included, or the process is interrupted.
func (s *watchState) run(tick func() error) error {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	if err := tick(); err != nil {
		s.errorCount++
		outputWarning("Initial read failed: %v", err)
	}
	ticks := 1

	for {
		if watchCount > 0 && ticks >= watchCount {
			s.printSummary()
			return nil
		}

		select {
		case <-s.ctx.Done():
			fmt.Println("\n\nStopping watch...")
			s.printSummary()
			return nil
		case <-ticker.C:
			if err := tick(); err != nil {
				s.errorCount++
				if verbose {
					outputWarning("Read failed: %v", err)
				}
			}
			ticks++
		}
	}
}

func (s *watchState) header(title string, now time.Time, width int) {
	if watchClearTerm && s.iteration > 1 {
		fmt.Print("\033[H\033[2J")
	}

	fmt.Printf("%s - Watching %s (Address %d-%d)\n",
		color(colorBold, "MODBUS WATCH"),
		title,
		readAddr,
		readAddr+readCount-1)
	fmt.Printf("Host: %s | Unit: %d | Interval: %s\n", getAddress(), cfg.Unit, watchInterval)
	if watchTimestamp {
		fmt.Printf("Time: %s | Iteration: %d", now.Format("15:04:05.000"), s.iteration)
		if watchCount > 0 {
			fmt.Printf("/%d", watchCount)
		}
		fmt.Println()
	}
	fmt.Println(strings.Repeat("-", width))
}

func watchRegisters(title string, read readFunc[[]uint16]) error {
	state, err := initWatchState()
	if err != nil {
		return err
	}
	defer state.cleanup()

	var prev []uint16
	return state.run(func() error {
		values, err := poll(state, read)
		if err != nil {
			return err
		}
		state.iteration++
		state.successCount++
		now := time.Now()

		if state.logFile != nil {
			state.logToFile(now, values)
		}
		defer func() { prev = values }()

		if cfg.Output == "json" {
			return state.outputJSON(now, values)
		}

		state.header(title, now, 60)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ADDR\tVALUE\tHEX\tCHANGE")
		fmt.Fprintln(w, "----\t-----\t---\t------")
		for i, v := range values {
			change := ""
			if watchShowDiff && i < len(prev) {
				if diff := int(v) - int(prev[i]); diff > 0 {
					change = color(colorGreen, fmt.Sprintf("+%d", diff))
				} else if diff < 0 {
					change = color(colorRed, fmt.Sprintf("%d", diff))
				}
			}
			fmt.Fprintf(w, "%d\t%d\t0x%04X\t%s\n", readAddr+uint16(i), v, v, change)
		}
		return w.Flush()
	})
}

func watchBools(title string, read readFunc[[]bool]) error {
	state, err := initWatchState()
	if err != nil {
		return err
	}
	defer state.cleanup()

	var prev []bool
	return state.run(func() error {
		values, err := poll(state, read)
		if err != nil {
			return err
		}
		state.iteration++
		state.successCount++
		now := time.Now()
		defer func() { prev = values }()

		if cfg.Output == "json" {
			return state.outputJSON(now, values)
		}

		state.header(title, now, 50)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ADDR\tVALUE\tSTATUS\tCHANGE")
		fmt.Fprintln(w, "----\t-----\t------\t------")
		for i, v := range values {
			valStr, status := "0", color(colorRed, "OFF")
			if v {
				valStr, status = "1", color(colorGreen, "ON")
			}
			change := ""
			if watchShowDiff && i < len(prev) && v != prev[i] {
				if v {
					change = color(colorGreen, "->ON")
				} else {
					change = color(colorRed, "->OFF")
				}
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", readAddr+uint16(i), valStr, status, change)
		}
		return w.Flush()
	})
}

func (s *watchState) outputJSON(ts time.Time, values interface{}) error {
	data := struct {
		Timestamp string      `json:"timestamp"`
		Iteration int         `json:"iteration"`
		Address   uint16      `json:"start_address"`
		Values    interface{} `json:"values"`
	}{
		Timestamp: ts.Format(time.RFC3339Nano),
		Iteration: s.iteration,
		Address:   readAddr,
		Values:    values,
	}
	return json.NewEncoder(os.Stdout).Encode(data)
}

func (s *watchState) logToFile(ts time.Time, values []uint16) {
	if s.iteration == 1 {
		header := "timestamp"
		for i := uint16(0); i < readCount; i++ {
			header += fmt.Sprintf(",addr_%d", readAddr+i)
		}
		fmt.Fprintln(s.logFile, header)
	}

	line := ts.Format(time.RFC3339)
	for _, v := range values {
		line += fmt.Sprintf(",%d", v)
	}
	fmt.Fprintln(s.logFile, line)
}

func (s *watchState) printSummary() {
	duration := time.Since(s.startTime)
	m := s.client.Metrics()
	fmt.Println()
	fmt.Println(color(colorBold, "Watch Summary"))
	fmt.Println(strings.Repeat("-", 30))
	fmt.Printf("Duration:    %s\n", duration.Round(time.Millisecond))
	fmt.Printf("Reads:       %d\n", s.successCount+s.errorCount)
	fmt.Printf("Success:     %d\n", s.successCount)
	fmt.Printf("Errors:      %d\n", s.errorCount)
	fmt.Printf("Timeouts:    %d\n", m.Timeouts.Value())
	fmt.Printf("Exceptions:  %d\n", m.Exceptions.Value())
	if stats := m.Latency.Stats(); stats.Count > 0 {
		fmt.Printf("Latency:     avg %.2fms, min %.2fms, max %.2fms\n", stats.Avg, stats.Min, stats.Max)
	}
	if s.iteration > 0 {
		fmt.Printf("Avg Rate:    %.2f reads/sec\n", float64(s.iteration)/duration.Seconds())
	}
}
