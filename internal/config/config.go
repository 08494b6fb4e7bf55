// Package config loads the settings of the rtu command line tool from a
// yaml file, RTU_ prefixed environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the complete tool configuration.
type Config struct {
	// Address selects the transport, e.g. rtu:///dev/ttyUSB0 or tcp://10.0.0.7:4001.
	Address  string   `mapstructure:"address" validate:"required"`
	Serial   Serial   `mapstructure:"serial"`
	TCP      TCP      `mapstructure:"tcp"`
	Timeouts Timeouts `mapstructure:"timeouts"`
	Log      Log      `mapstructure:"log"`
	Metrics  Metrics  `mapstructure:"metrics"`
}

// Serial configures the line.
type Serial struct {
	BaudRate     int           `mapstructure:"baud_rate" validate:"gt=0"`
	DataBits     int           `mapstructure:"data_bits" validate:"oneof=5 6 7 8"`
	Parity       string        `mapstructure:"parity" validate:"oneof=N E O"`
	StopBits     int           `mapstructure:"stop_bits" validate:"oneof=1 2"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`
	RS485        RS485         `mapstructure:"rs485"`
}

// RS485 configures the driver enable handling of half duplex adapters.
type RS485 struct {
	Enabled            bool          `mapstructure:"enabled"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send" validate:"gte=0"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send" validate:"gte=0"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// TCP configures tunnels to serial device servers.
type TCP struct {
	DialTimeout time.Duration `mapstructure:"dial_timeout" validate:"gt=0"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`
}

// Timeouts bound response waits.
type Timeouts struct {
	Byte      time.Duration      `mapstructure:"byte" validate:"gt=0"`
	Exchange  time.Duration      `mapstructure:"exchange" validate:"gtefield=Byte"`
	Functions []FunctionTimeouts `mapstructure:"functions" validate:"dive"`
}

// FunctionTimeouts overrides Timeouts for one function code. Zero values
// fall back to the defaults.
type FunctionTimeouts struct {
	Function int           `mapstructure:"function" validate:"oneof=1 2 3 5 6 15 16"`
	Byte     time.Duration `mapstructure:"byte" validate:"gte=0"`
	Exchange time.Duration `mapstructure:"exchange" validate:"gte=0"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json console"`
}

// Metrics configures exchange metrics. They are written to Textfile in the
// node exporter text format when it is set.
type Metrics struct {
	Namespace string `mapstructure:"namespace"`
	Textfile  string `mapstructure:"textfile"`
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"address":          "address",
	"baud-rate":        "serial.baud_rate",
	"parity":           "serial.parity",
	"byte-timeout":     "timeouts.byte",
	"exchange-timeout": "timeouts.exchange",
	"log-level":        "log.level",
	"log-format":       "log.format",
	"metrics-textfile": "metrics.textfile",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("address", "rtu:///dev/ttyUSB0")

	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.parity", "N")
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.poll_interval", 10*time.Millisecond)
	v.SetDefault("serial.idle_timeout", 60*time.Second)
	v.SetDefault("serial.rs485.enabled", false)
	v.SetDefault("serial.rs485.delay_rts_before_send", time.Duration(0))
	v.SetDefault("serial.rs485.delay_rts_after_send", time.Duration(0))
	v.SetDefault("serial.rs485.rts_high_during_send", false)
	v.SetDefault("serial.rs485.rts_high_after_send", false)
	v.SetDefault("serial.rs485.rx_during_tx", false)

	v.SetDefault("tcp.dial_timeout", 10*time.Second)
	v.SetDefault("tcp.idle_timeout", 60*time.Second)

	v.SetDefault("timeouts.byte", 100*time.Millisecond)
	v.SetDefault("timeouts.exchange", time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("metrics.namespace", "rtu")
	v.SetDefault("metrics.textfile", "")
}

// Load reads the configuration. An explicit path must exist; without one
// the usual locations are searched and defaults apply if nothing is found.
// Flags that were set on the command line override everything else.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RTU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if flag := flags.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return nil, fmt.Errorf("config: bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/rtu/")
		v.AddConfigPath("$HOME/.rtu")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Serial.Parity = strings.ToUpper(cfg.Serial.Parity)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate validates the configuration.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
