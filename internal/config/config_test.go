package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps the search path away from files of the machine running the tests.
func isolate(t *testing.T) string {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("HOME", dir)
	return dir
}

func writeFile(t *testing.T, dir, content string) string {
	path := filepath.Join(dir, "rtu.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("", nil)
	require.NoError(t, err)

	want := &Config{
		Address: "rtu:///dev/ttyUSB0",
		Serial: Serial{
			BaudRate:     9600,
			DataBits:     8,
			Parity:       "N",
			StopBits:     1,
			PollInterval: 10 * time.Millisecond,
			IdleTimeout:  time.Minute,
		},
		TCP: TCP{
			DialTimeout: 10 * time.Second,
			IdleTimeout: time.Minute,
		},
		Timeouts: Timeouts{
			Byte:     100 * time.Millisecond,
			Exchange: time.Second,
		},
		Log:     Log{Level: "info", Format: "text"},
		Metrics: Metrics{Namespace: "rtu"},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFile(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, `
address: tcp://10.0.0.7:4001
serial:
  baud_rate: 19200
  parity: e
  rs485:
    enabled: true
    delay_rts_before_send: 2ms
timeouts:
  byte: 50ms
  exchange: 2s
  functions:
    - function: 16
      exchange: 5s
log:
  level: debug
  format: console
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "tcp://10.0.0.7:4001", cfg.Address)
	assert.Equal(t, 19200, cfg.Serial.BaudRate)
	assert.Equal(t, "E", cfg.Serial.Parity)
	assert.Equal(t, 8, cfg.Serial.DataBits)
	assert.Equal(t, RS485{Enabled: true, DelayRtsBeforeSend: 2 * time.Millisecond}, cfg.Serial.RS485)
	assert.Equal(t, 50*time.Millisecond, cfg.Timeouts.Byte)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.Exchange)
	assert.Equal(t, []FunctionTimeouts{{Function: 16, Exchange: 5 * time.Second}}, cfg.Timeouts.Functions)
	assert.Equal(t, Log{Level: "debug", Format: "console"}, cfg.Log)
}

func TestLoadEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("RTU_SERIAL_BAUD_RATE", "38400")
	t.Setenv("RTU_TIMEOUTS_BYTE", "20ms")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, 38400, cfg.Serial.BaudRate)
	assert.Equal(t, 20*time.Millisecond, cfg.Timeouts.Byte)
}

func TestLoadFlags(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, "serial:\n  baud_rate: 19200\n")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("baud-rate", 9600, "")
	flags.String("address", "", "")
	flags.Duration("exchange-timeout", time.Second, "")
	require.NoError(t, flags.Parse([]string{"--baud-rate=115200", "--address=tcp://gw:502"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, 115200, cfg.Serial.BaudRate)
	assert.Equal(t, "tcp://gw:502", cfg.Address)
	// unset flags keep the lower layers
	assert.Equal(t, time.Second, cfg.Timeouts.Exchange)
}

func TestLoadMissingFile(t *testing.T) {
	dir := isolate(t)

	_, err := Load(filepath.Join(dir, "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"parity", "serial:\n  parity: x\n"},
		{"baud rate", "serial:\n  baud_rate: 0\n"},
		{"data bits", "serial:\n  data_bits: 9\n"},
		{"exchange below byte", "timeouts:\n  byte: 2s\n  exchange: 1s\n"},
		{"function", "timeouts:\n  functions:\n    - function: 4\n"},
		{"log level", "log:\n  level: verbose\n"},
		{"log format", "log:\n  format: xml\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := isolate(t)
			path := writeFile(t, dir, tc.content)

			_, err := Load(path, nil)
			assert.ErrorContains(t, err, "config:")
		})
	}
}

func TestValidateRequiresAddress(t *testing.T) {
	isolate(t)
	cfg, err := Load("", nil)
	require.NoError(t, err)

	cfg.Address = ""
	assert.ErrorContains(t, Validate(cfg), "Address")
}
