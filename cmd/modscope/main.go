// ModScope CLI
//
// A Modbus master tester for TCP and RTU devices: ad hoc reads and
// writes, continuous polling, typed register decoding, and an exchange
// history, over a real line or the built-in simulator.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/commatea/ModScope/pkg/client"
	"github.com/commatea/ModScope/pkg/config"
	"github.com/commatea/ModScope/pkg/history"
	"github.com/commatea/ModScope/pkg/history/sqlite"
	"github.com/commatea/ModScope/pkg/logger"
	"github.com/commatea/ModScope/pkg/modbus"
	"github.com/commatea/ModScope/pkg/transport"
	"github.com/commatea/ModScope/pkg/transport/serial"
	"github.com/commatea/ModScope/pkg/transport/sim"
	"github.com/commatea/ModScope/pkg/transport/tcp"
)

var (
	version   = "1.0.0"
	buildTime = "dev"
	gitCommit = "unknown"
)

var (
	cfgFile    string
	verbose    bool
	jsonOutput bool

	flagType    string
	flagAddress string
	flagSlave   uint8
	flagFormat  string
	flagOrder   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "modscope",
		Short: "ModScope - Modbus master tester",
		Long: `ModScope is a Modbus testing tool. It speaks Modbus TCP and RTU,
decodes registers into typed values, retries transient failures, and
records every exchange for inspection.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&flagType, "transport", "t", "", "transport type: tcp, serial, sim")
	rootCmd.PersistentFlags().StringVarP(&flagAddress, "address", "a", "", "device endpoint: host:port or serial device path")
	rootCmd.PersistentFlags().Uint8VarP(&flagSlave, "slave", "s", 0, "slave id (1-247)")
	rootCmd.PersistentFlags().StringVarP(&flagFormat, "format", "f", "", "register format: int16, uint16, int32, uint32, float32, float64, hex, binary, ascii")
	rootCmd.PersistentFlags().StringVarP(&flagOrder, "order", "o", "", "byte order: big (ABCD), little (CDAB), big-swap (BADC), little-swap (DCBA)")

	// Add commands
	rootCmd.AddCommand(
		newReadCmd(),
		newWriteCmd(),
		newReadWriteCmd(),
		newMonitorCmd(),
		newHistoryCmd(),
		newPortsCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// session bundles one connected engine and its teardown.
type session struct {
	cfg    *config.Config
	client *client.Client
	store  history.Store
}

// openSession loads the config, applies flag overrides, connects the
// transport, and starts the metrics exporter when enabled.
func openSession() (*session, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}
	if jsonOutput {
		cfg.Logging.Output = "stderr"
	}
	if flagType != "" {
		cfg.Connection.Type = flagType
	}
	if flagAddress != "" {
		cfg.Connection.Address = flagAddress
	}
	if flagSlave != 0 {
		cfg.Request.SlaveID = flagSlave
	}
	if flagFormat != "" {
		cfg.Request.Format = flagFormat
	}
	if flagOrder != "" {
		cfg.Request.ByteOrder = flagOrder
	}

	log := logger.New(cfg.Logging)
	logger.SetGlobal(log)

	registry := transport.NewRegistry()
	registry.Register(tcp.NewFactory())
	registry.Register(serial.NewFactory())
	registry.Register(sim.NewFactory())

	tr, err := registry.Create(cfg.Connection.Transport())
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	var store history.Store
	if cfg.History.Enabled {
		store, err = sqlite.NewStore(cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open history store: %w", err)
		}
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Endpoint, promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
				log.Error("metrics exporter failed", "error", err)
			}
		}()
	}

	c := client.New(tr, client.Options{
		Mode:            client.ModeForTransport(cfg.Connection.Type),
		Retries:         cfg.Request.Retries,
		RetryDelay:      cfg.Request.RetryDelay,
		ResponseTimeout: cfg.Connection.ResponseTimeout,
		History:         store,
		Logger:          log,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Connection.ConnectTimeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		if store != nil {
			store.Close()
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return &session{cfg: cfg, client: c, store: store}, nil
}

func (s *session) close() {
	s.client.Disconnect()
	if s.store != nil {
		s.store.Close()
	}
}

// baseRequest fills the request defaults from config and flags.
func (s *session) baseRequest() (modbus.Request, error) {
	format, err := modbus.ParseDataFormat(s.cfg.Request.Format)
	if err != nil {
		return modbus.Request{}, err
	}
	order, err := modbus.ParseByteOrder(s.cfg.Request.ByteOrder)
	if err != nil {
		return modbus.Request{}, err
	}
	return modbus.Request{
		SlaveID: s.cfg.Request.SlaveID,
		Format:  format,
		Order:   order,
	}, nil
}

// readTargets maps CLI target names to read function codes.
var readTargets = map[string]modbus.FunctionCode{
	"coils":    modbus.FuncReadCoils,
	"discrete": modbus.FuncReadDiscreteInputs,
	"holding":  modbus.FuncReadHoldingRegisters,
	"input":    modbus.FuncReadInputRegisters,
}

// newReadCmd creates the read command.
func newReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <coils|discrete|holding|input> <address> [quantity]",
		Short: "Read coils, discrete inputs, or registers",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			function, ok := readTargets[args[0]]
			if !ok {
				return fmt.Errorf("unknown read target %q (coils, discrete, holding, input)", args[0])
			}

			address, err := parseUint16(args[1])
			if err != nil {
				return fmt.Errorf("invalid address: %w", err)
			}
			quantity := uint16(1)
			if len(args) == 3 {
				if quantity, err = parseUint16(args[2]); err != nil {
					return fmt.Errorf("invalid quantity: %w", err)
				}
			}

			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.close()

			req, err := s.baseRequest()
			if err != nil {
				return err
			}
			req.Function = function
			req.StartAddress = address
			req.Quantity = quantity

			resp, err := s.client.Do(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printResponse(req, resp)
		},
	}
}

// newWriteCmd creates the write command.
func newWriteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "write",
		Short: "Write coils or holding registers",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "coil <address> <on|off>...",
			Short: "Write one or more coils",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				address, err := parseUint16(args[0])
				if err != nil {
					return fmt.Errorf("invalid address: %w", err)
				}
				coils, err := parseCoils(args[1:])
				if err != nil {
					return err
				}

				s, err := openSession()
				if err != nil {
					return err
				}
				defer s.close()

				req, err := s.baseRequest()
				if err != nil {
					return err
				}
				req.StartAddress = address
				req.WriteCoils = coils
				req.Function = modbus.FuncWriteSingleCoil
				if len(coils) > 1 {
					req.Function = modbus.FuncWriteMultipleCoils
				}

				resp, err := s.client.Do(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printResponse(req, resp)
			},
		},
		&cobra.Command{
			Use:   "register <address> <value>...",
			Short: "Write one or more holding registers, encoded per --format",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				address, err := parseUint16(args[0])
				if err != nil {
					return fmt.Errorf("invalid address: %w", err)
				}

				s, err := openSession()
				if err != nil {
					return err
				}
				defer s.close()

				req, err := s.baseRequest()
				if err != nil {
					return err
				}

				values, err := encodeValues(args[1:], req.Format, req.Order)
				if err != nil {
					return err
				}
				req.StartAddress = address
				req.WriteValues = values
				req.Function = modbus.FuncWriteSingleRegister
				if len(values) > 1 {
					req.Function = modbus.FuncWriteMultipleRegisters
				}

				resp, err := s.client.Do(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printResponse(req, resp)
			},
		},
	)

	return cmd
}

// newReadWriteCmd creates the readwrite command (function 0x17).
func newReadWriteCmd() *cobra.Command {
	var readAddr, readQty, writeAddr uint16

	cmd := &cobra.Command{
		Use:   "readwrite <value>...",
		Short: "Write then read holding registers in one exchange",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.close()

			req, err := s.baseRequest()
			if err != nil {
				return err
			}

			values, err := encodeValues(args, req.Format, req.Order)
			if err != nil {
				return err
			}
			req.Function = modbus.FuncReadWriteMultipleRegisters
			req.StartAddress = readAddr
			req.Quantity = readQty
			req.WriteAddress = writeAddr
			req.WriteValues = values

			resp, err := s.client.Do(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printResponse(req, resp)
		},
	}

	cmd.Flags().Uint16Var(&readAddr, "read-address", 0, "read-side start address")
	cmd.Flags().Uint16Var(&readQty, "read-quantity", 1, "registers to read back")
	cmd.Flags().Uint16Var(&writeAddr, "write-address", 0, "write-side start address")

	return cmd
}

// newMonitorCmd creates the monitor command.
func newMonitorCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "monitor <coils|discrete|holding|input> <address> [quantity]",
		Short: "Poll a read continuously until interrupted",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			function, ok := readTargets[args[0]]
			if !ok {
				return fmt.Errorf("unknown read target %q (coils, discrete, holding, input)", args[0])
			}

			address, err := parseUint16(args[1])
			if err != nil {
				return fmt.Errorf("invalid address: %w", err)
			}
			quantity := uint16(1)
			if len(args) == 3 {
				if quantity, err = parseUint16(args[2]); err != nil {
					return fmt.Errorf("invalid quantity: %w", err)
				}
			}

			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.close()

			req, err := s.baseRequest()
			if err != nil {
				return err
			}
			req.Function = function
			req.StartAddress = address
			req.Quantity = quantity

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			states := s.client.Subscribe()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			fmt.Println("Monitoring. Press Ctrl+C to stop.")
			for {
				select {
				case <-sigCh:
					stats := s.client.Stats()
					fmt.Printf("\n%d requests, %d ok, %d failed, %d retries\n",
						stats.Requests, stats.Successes, stats.Failures, stats.Retries)
					return nil

				case state := <-states:
					fmt.Printf("[%s] connection %s\n", time.Now().Format(time.TimeOnly), state)

				case <-ticker.C:
					resp, err := s.client.Do(cmd.Context(), req)
					if err != nil {
						return err
					}
					printPoll(req, resp)
				}
			}
		},
	}

	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "polling interval")
	return cmd
}

// newHistoryCmd creates the history command.
func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent exchanges from the history store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if !cfg.History.Enabled {
				return fmt.Errorf("history is disabled; enable it in the config file")
			}

			store, err := sqlite.NewStore(cfg.History.Path)
			if err != nil {
				return fmt.Errorf("failed to open history store: %w", err)
			}
			defer store.Close()

			records, err := store.Recent(limit)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(records)
			}
			for _, rec := range records {
				status := "OK"
				if !rec.Success {
					status = "FAIL: " + rec.Error
				}
				fmt.Printf("%s  %-26s slave=%d addr=%d qty=%d %4dms  %s\n",
					rec.CreatedAt.Format(time.RFC3339), rec.Function,
					rec.SlaveID, rec.Address, rec.Quantity, rec.ElapsedMS, status)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records to show")
	return cmd
}

// newPortsCmd creates the ports command.
func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List available serial ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := serial.ListPorts()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Println("No serial ports found.")
				return nil
			}
			for _, p := range ports {
				fmt.Println(p)
			}
			return nil
		},
	}
}

// newVersionCmd creates the version command.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ModScope %s\n", version)
			fmt.Printf("  Commit:  %s\n", gitCommit)
			fmt.Printf("  Built:   %s\n", buildTime)
			fmt.Println()
			fmt.Println("A Modbus master tester for TCP and RTU devices.")
			fmt.Println("https://github.com/commatea/ModScope")
		},
	}
}

// printResponse renders one resolved exchange.
func printResponse(req modbus.Request, resp modbus.Response) error {
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(resp)
	}

	if !resp.Success {
		if resp.Exception != 0 {
			fmt.Printf("Exception 0x%02X: %s\n", resp.Exception, resp.ErrorMessage)
		} else {
			fmt.Printf("Failed: %s\n", resp.ErrorMessage)
		}
		if len(resp.TxBytes) > 0 {
			fmt.Printf("  TX: %s\n", hex.EncodeToString(resp.TxBytes))
		}
		if len(resp.RxBytes) > 0 {
			fmt.Printf("  RX: %s\n", hex.EncodeToString(resp.RxBytes))
		}
		return fmt.Errorf("request failed")
	}

	fmt.Printf("%s slave=%d addr=%d (%s)\n", req.Function, req.SlaveID, req.StartAddress, resp.Elapsed.Round(time.Microsecond))

	switch {
	case len(resp.Coils) > 0:
		for i, coil := range resp.Coils {
			state := "OFF"
			if coil {
				state = "ON"
			}
			fmt.Printf("  %5d: %s\n", int(req.StartAddress)+i, state)
		}
	case len(resp.Values) > 0:
		step := req.Format.RegisterCount()
		for i, v := range resp.Values {
			fmt.Printf("  %5d: %s\n", int(req.StartAddress)+i*step, v.String())
		}
	case len(resp.Registers) > 0:
		for i, r := range resp.Registers {
			fmt.Printf("  %5d: 0x%04X\n", int(req.StartAddress)+i, r)
		}
	default:
		fmt.Println("  OK")
	}

	fmt.Printf("  TX: %s\n", hex.EncodeToString(resp.TxBytes))
	fmt.Printf("  RX: %s\n", hex.EncodeToString(resp.RxBytes))
	return nil
}

// printPoll renders one monitor iteration on a single line.
func printPoll(req modbus.Request, resp modbus.Response) {
	stamp := time.Now().Format(time.TimeOnly)
	if !resp.Success {
		fmt.Printf("[%s] %s\n", stamp, resp.ErrorMessage)
		return
	}

	var parts []string
	switch {
	case len(resp.Coils) > 0:
		for _, coil := range resp.Coils {
			if coil {
				parts = append(parts, "1")
			} else {
				parts = append(parts, "0")
			}
		}
	case len(resp.Values) > 0:
		for _, v := range resp.Values {
			parts = append(parts, v.String())
		}
	default:
		for _, r := range resp.Registers {
			parts = append(parts, fmt.Sprintf("0x%04X", r))
		}
	}
	fmt.Printf("[%s] %s\n", stamp, strings.Join(parts, " "))
}

func parseUint16(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func parseCoils(args []string) ([]bool, error) {
	coils := make([]bool, len(args))
	for i, arg := range args {
		switch strings.ToLower(arg) {
		case "on", "1", "true":
			coils[i] = true
		case "off", "0", "false":
			coils[i] = false
		default:
			return nil, fmt.Errorf("invalid coil state %q (on/off)", arg)
		}
	}
	return coils, nil
}

// encodeValues converts CLI value strings to wire registers per format
// and byte order.
func encodeValues(args []string, format modbus.DataFormat, order modbus.ByteOrder) ([]uint16, error) {
	var registers []uint16
	for _, arg := range args {
		v, err := modbus.ParseValue(arg, format)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", arg, err)
		}
		regs, err := modbus.ValueToRegisters(v, order)
		if err != nil {
			return nil, err
		}
		registers = append(registers, regs...)
	}
	return registers, nil
}
