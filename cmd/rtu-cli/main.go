package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/grid-x/serial"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/serialbus/rtu"
	"github.com/serialbus/rtu/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries what every command needs once the configuration is loaded.
type app struct {
	configPath string

	cfg      *config.Config
	logger   *slog.Logger
	metrics  *rtu.Metrics
	registry *prometheus.Registry
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:               "rtu-cli",
		Short:             "Talk to MODBUS RTU slaves on a serial line or through a TCP tunnel",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.load,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "Configuration file path")
	flags.String("address", "rtu:///dev/ttyUSB0", "Example: rtu:///dev/ttyUSB0, tcp://127.0.0.1:4001")
	flags.Int("baud-rate", 9600, "Symbol rate, e.g.: 2400, 4800, 9600, 19200, 38400")
	flags.String("parity", "N", "Parity: N - None, E - Even, O - Odd")
	flags.Duration("byte-timeout", rtu.DefaultTimeouts.Byte, "Longest silence allowed within a response")
	flags.Duration("exchange-timeout", rtu.DefaultTimeouts.Exchange, "Longest time a whole response may take")
	flags.String("log-level", "info", "debug, info, warn or error; debug prints every frame")
	flags.String("log-format", "text", "text, json or console")
	flags.String("metrics-textfile", "", "Write exchange metrics to this file on exit")

	root.AddCommand(a.newReadCmd(), a.newWriteCmd(), a.newCRCCmd())
	return root
}

func (a *app) load(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath, cmd.Flags())
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = newLogger(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	a.metrics = rtu.NewMetrics(cfg.Metrics.Namespace)
	a.registry = prometheus.NewRegistry()
	return a.registry.Register(a.metrics)
}

func (a *app) newReadCmd() *cobra.Command {
	var (
		slaveID  uint8
		fnCode   uint8
		register uint16
		quantity uint16
		bit      int
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read coils, discrete inputs or holding registers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd.Context(), func(ctx context.Context, client rtu.Client) error {
				read := func() error {
					if bit >= 0 {
						return readBit(ctx, a.logger, client, slaveID, rtu.FunctionCode(fnCode), register, bit)
					}
					values, err := client.ReadMultiple(ctx, slaveID, rtu.FunctionCode(fnCode), register, quantity)
					if err != nil {
						return err
					}
					a.logger.Info(resultToRawString(values, int(register)))
					return nil
				}
				return repeat(ctx, interval, a.logger, read)
			})
		},
	}
	flags := cmd.Flags()
	flags.Uint8Var(&slaveID, "slave", 1, "Slave address, 1 to 247")
	flags.Uint8Var(&fnCode, "fn", uint8(rtu.FuncCodeReadHoldingRegisters), "Function code: 1, 2 or 3")
	flags.Uint16Var(&register, "register", 0, "First register")
	flags.Uint16Var(&quantity, "count", 1, "Number of registers, 1 to 125")
	flags.IntVar(&bit, "bit", -1, "Report only this bit (0 to 15) of the first register; needs fn 1 or 2")
	flags.DurationVar(&interval, "interval", 0, "Repeat the read at this interval until interrupted")
	return cmd
}

func (a *app) newWriteCmd() *cobra.Command {
	var (
		slaveID  uint8
		fnCode   uint8
		register uint16
		values   []uint
	)
	cmd := &cobra.Command{
		Use:   "write",
		Short: "Write coils or holding registers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			words, err := toWords(values)
			if err != nil {
				return err
			}
			return a.withClient(cmd.Context(), func(ctx context.Context, client rtu.Client) error {
				return write(ctx, a.logger, client, slaveID, rtu.FunctionCode(fnCode), register, words)
			})
		},
	}
	flags := cmd.Flags()
	flags.Uint8Var(&slaveID, "slave", 1, "Slave address, 0 broadcasts")
	flags.Uint8Var(&fnCode, "fn", uint8(rtu.FuncCodeWriteSingleRegister), "Function code: 5, 6, 15 or 16")
	flags.Uint16Var(&register, "register", 0, "First register")
	flags.UintSliceVar(&values, "value", nil, "Value to write, repeat for 15 and 16")
	return cmd
}

func (a *app) newCRCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crc BYTE...",
		Short: "Append the checksum to a frame given as hex bytes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			frame, err := parseBytes(args)
			if err != nil {
				return err
			}
			sum := rtu.Checksum(frame)
			frame = append(frame, byte(sum), byte(sum>>8))
			a.logger.Info("crc", "crc", fmt.Sprintf("0x%04X", rtu.ComputeCRC(frame[:len(frame)-2])), "frame", fmt.Sprintf("% X", frame))
			return nil
		},
	}
}

// withClient opens the configured transport, runs fn and reports the outcome.
func (a *app) withClient(ctx context.Context, fn func(context.Context, rtu.Client) error) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer a.writeMetrics()

	handler, err := newHandler(a.cfg, a.logger, a.metrics)
	if err != nil {
		a.logger.Error(err.Error())
		return err
	}
	if err := handler.Connect(); err != nil {
		a.logger.Error(err.Error())
		return err
	}
	defer handler.Close()

	if err := fn(ctx, rtu.NewClient(handler)); err != nil {
		a.logger.Error(err.Error(), "code", uint8(rtu.ExceptionCodeOf(err)))
		return err
	}
	return nil
}

func (a *app) writeMetrics() {
	if a.cfg.Metrics.Textfile == "" {
		return
	}
	if err := prometheus.WriteToTextfile(a.cfg.Metrics.Textfile, a.registry); err != nil {
		a.logger.Error(err.Error())
		return
	}
	a.logger.Debug(a.cfg.Metrics.Textfile + " successfully written")
}

// repeat runs fn once, or every interval until ctx is done. Failures of
// single reads are logged and do not stop the loop.
func repeat(ctx context.Context, interval time.Duration, logger *slog.Logger, fn func() error) error {
	if interval <= 0 {
		return fn()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := fn(); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn(err.Error(), "code", uint8(rtu.ExceptionCodeOf(err)))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func readBit(ctx context.Context, logger *slog.Logger, client rtu.Client, slaveID uint8, fc rtu.FunctionCode, register uint16, bit int) error {
	if bit > 15 {
		return fmt.Errorf("invalid bit position: %d", bit)
	}
	var (
		set bool
		err error
	)
	switch fc {
	case rtu.FuncCodeReadCoils:
		set, err = client.ReadCoilBit(ctx, slaveID, register, uint8(bit))
	case rtu.FuncCodeReadDiscreteInputs:
		set, err = client.ReadDiscreteInputBit(ctx, slaveID, register, uint8(bit))
	default:
		return fmt.Errorf("%w: bit reads need function 1 or 2, got %d", rtu.ErrUnsupportedFunction, fc)
	}
	if err != nil {
		return err
	}
	logger.Info("bit", "register", register, "bit", bit, "set", set)
	return nil
}

func write(ctx context.Context, logger *slog.Logger, client rtu.Client, slaveID uint8, fc rtu.FunctionCode, register uint16, values []uint16) error {
	if len(values) == 0 {
		return errors.New("no value given")
	}
	switch fc {
	case rtu.FuncCodeWriteSingleCoil, rtu.FuncCodeWriteSingleRegister:
		if len(values) > 1 {
			return fmt.Errorf("function %d writes a single value, got %d", fc, len(values))
		}
		echoed, err := client.WriteSingle(ctx, slaveID, fc, register, values[0])
		if err != nil {
			return err
		}
		logger.Info(resultToRawString([]uint16{echoed}, int(register)))
		return nil
	default:
		if err := client.WriteMultiple(ctx, slaveID, fc, register, values); err != nil {
			return err
		}
		logger.Info(fmt.Sprintf("%d registers written from %d", len(values), register))
		return nil
	}
}

func newHandler(cfg *config.Config, logger *slog.Logger, metrics *rtu.Metrics) (rtu.ClientHandler, error) {
	u, err := url.Parse(cfg.Address)
	if err != nil {
		return nil, err
	}
	timeouts := rtu.Timeouts{
		Byte:     cfg.Timeouts.Byte,
		Exchange: cfg.Timeouts.Exchange,
	}
	overrides := functionTimeouts(timeouts, cfg.Timeouts.Functions)

	switch u.Scheme {
	case "rtu":
		h := rtu.NewRTUClientHandler(u.Path)
		h.BaudRate = cfg.Serial.BaudRate
		h.DataBits = cfg.Serial.DataBits
		h.Parity = cfg.Serial.Parity
		h.StopBits = cfg.Serial.StopBits
		h.Timeout = cfg.Serial.PollInterval
		h.IdleTimeout = cfg.Serial.IdleTimeout
		h.RS485 = serial.RS485Config{
			Enabled:            cfg.Serial.RS485.Enabled,
			DelayRtsBeforeSend: cfg.Serial.RS485.DelayRtsBeforeSend,
			DelayRtsAfterSend:  cfg.Serial.RS485.DelayRtsAfterSend,
			RtsHighDuringSend:  cfg.Serial.RS485.RtsHighDuringSend,
			RtsHighAfterSend:   cfg.Serial.RS485.RtsHighAfterSend,
			RxDuringTx:         cfg.Serial.RS485.RxDuringTx,
		}
		h.Logger = logger
		h.Timeouts = timeouts
		h.FunctionTimeouts = overrides
		h.Metrics = metrics
		return h, nil
	case "tcp":
		h := rtu.NewRTUOverTCPClientHandler(u.Host)
		h.DialTimeout = cfg.TCP.DialTimeout
		h.IdleTimeout = cfg.TCP.IdleTimeout
		h.Logger = logger
		h.Timeouts = timeouts
		h.FunctionTimeouts = overrides
		h.Metrics = metrics
		return h, nil
	}

	return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
}

// functionTimeouts fills unset override fields from base.
func functionTimeouts(base rtu.Timeouts, overrides []config.FunctionTimeouts) map[rtu.FunctionCode]rtu.Timeouts {
	if len(overrides) == 0 {
		return nil
	}
	m := make(map[rtu.FunctionCode]rtu.Timeouts, len(overrides))
	for _, o := range overrides {
		t := base
		if o.Byte > 0 {
			t.Byte = o.Byte
		}
		if o.Exchange > 0 {
			t.Exchange = o.Exchange
		}
		m[rtu.FunctionCode(o.Function)] = t
	}
	return m
}

func toWords(values []uint) ([]uint16, error) {
	words := make([]uint16, len(values))
	for i, v := range values {
		if v > math.MaxUint16 {
			return nil, fmt.Errorf("invalid register value: %d", v)
		}
		words[i] = uint16(v)
	}
	return words, nil
}

// parseBytes accepts hex bytes with or without a 0x prefix.
func parseBytes(args []string) ([]byte, error) {
	frame := make([]byte, 0, len(args)+2)
	for _, arg := range args {
		b, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(arg), "0x"), 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid byte %q: %w", arg, err)
		}
		frame = append(frame, byte(b))
	}
	return frame, nil
}

func resultToRawString(values []uint16, startReg int) string {
	var res string
	for i, v := range values {
		reg := startReg + i
		res += fmt.Sprintf("%d\t0x%X 0x%X\t %b %b\n", reg, byte(v>>8), byte(v), byte(v>>8), byte(v))
	}
	return res
}
