// Package config loads the serial-echo settings from flags, SERIAL_ECHO_*
// environment variables and an optional config file, in that order of
// precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	serial "github.com/luhtfiimanal/go-serial-dispatch"
	"github.com/luhtfiimanal/go-serial-dispatch/server"
)

// EnvPrefix prefixes the environment variables read by Load.
const EnvPrefix = "SERIAL_ECHO"

// Modes accepted by Config.Mode.
const (
	ModeRaw   = "raw"
	ModeLines = "lines"
)

// Config holds the serial-echo settings.
type Config struct {
	Device      string        `mapstructure:"device"`
	Baud        int           `mapstructure:"baud"`
	DataBits    int           `mapstructure:"data_bits"`
	Parity      string        `mapstructure:"parity"`
	StopBits    int           `mapstructure:"stop_bits"`
	FlowControl string        `mapstructure:"flow_control"`
	Delimiter   string        `mapstructure:"delimiter"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	PollInterval time.Duration `mapstructure:"poll_interval"`
	LockOSThread bool          `mapstructure:"lock_os_thread"`
	Priority     int           `mapstructure:"priority"`
	CPUAffinity  []int         `mapstructure:"cpu_affinity"`

	Mode     string `mapstructure:"mode"`
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
}

// DefaultConfig returns the settings used when nothing overrides them.
func DefaultConfig() Config {
	return Config{
		Baud:         serial.DefaultBaudRate,
		DataBits:     serial.DefaultDataBits,
		Parity:       "none",
		StopBits:     1,
		FlowControl:  "none",
		Delimiter:    serial.DefaultDelimiter,
		ReadTimeout:  serial.DefaultReadTimeout,
		PollInterval: server.DefaultWorkerParameters.PollInterval,
		Mode:         ModeLines,
		LogLevel:     "info",
	}
}

// AddFlags registers the settings as flags on cmd. Flag names are the
// mapstructure keys with dashes.
func AddFlags(cmd *cobra.Command) {
	d := DefaultConfig()
	f := cmd.Flags()
	f.StringP("device", "d", d.Device, "Set the serial device path.")
	f.IntP("baud", "b", d.Baud, "Set the baud rate.")
	f.Int("data-bits", d.DataBits, "Set the data bits (5-8).")
	f.String("parity", d.Parity, "Set the parity. [possible values: none, odd, even]")
	f.Int("stop-bits", d.StopBits, "Set the stop bits. [possible values: 1, 2]")
	f.String("flow-control", d.FlowControl, "Set the flow control. [possible values: none, hardware, software]")
	f.String("delimiter", d.Delimiter, "Set the line delimiter, for lines mode.")
	f.Duration("read-timeout", d.ReadTimeout, "Set the base read deadline.")
	f.Duration("poll-interval", d.PollInterval, "Set the worker poll interval.")
	f.Bool("lock-os-thread", d.LockOSThread, "Run the worker on a dedicated OS thread.")
	f.Int("priority", d.Priority, "Set the worker thread nice value (-20 to 19).")
	f.IntSlice("cpu-affinity", nil, "Pin the worker thread to these CPUs.")
	f.StringP("mode", "m", d.Mode, "Set the echo mode. [possible values: raw, lines]")
	f.String("log-level", d.LogLevel, "Set the log level.")
	f.Bool("log-json", d.LogJSON, "Log as JSON.")
	f.StringP("config", "c", "", "Use a configuration file.")
}

// Load resolves the settings for cmd, whose flags were registered with
// AddFlags.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	d := DefaultConfig()
	v.SetDefault("device", d.Device)
	v.SetDefault("baud", d.Baud)
	v.SetDefault("data_bits", d.DataBits)
	v.SetDefault("parity", d.Parity)
	v.SetDefault("stop_bits", d.StopBits)
	v.SetDefault("flow_control", d.FlowControl)
	v.SetDefault("delimiter", d.Delimiter)
	v.SetDefault("read_timeout", d.ReadTimeout)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("lock_os_thread", d.LockOSThread)
	v.SetDefault("priority", d.Priority)
	v.SetDefault("cpu_affinity", []int{})
	v.SetDefault("mode", d.Mode)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_json", d.LogJSON)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	flags := cmd.Flags()
	for _, key := range v.AllKeys() {
		flag := flags.Lookup(strings.ReplaceAll(key, "_", "-"))
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag.Name, err)
		}
	}

	if path, _ := flags.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Mode != ModeRaw && cfg.Mode != ModeLines {
		return nil, fmt.Errorf("mode %q: %w", cfg.Mode, serial.ErrInvalidArgument)
	}
	return &cfg, nil
}

// Serial converts the settings to a port configuration.
func (c *Config) Serial() (serial.Config, error) {
	cfg := serial.Config{
		Device:      c.Device,
		BaudRate:    c.Baud,
		DataBits:    c.DataBits,
		StopBits:    serial.StopBits(c.StopBits),
		Delimiter:   c.Delimiter,
		ReadTimeout: c.ReadTimeout,
	}

	switch strings.ToLower(c.Parity) {
	case "", "none", "n":
		cfg.Parity = serial.ParityNone
	case "odd", "o":
		cfg.Parity = serial.ParityOdd
	case "even", "e":
		cfg.Parity = serial.ParityEven
	default:
		return cfg, fmt.Errorf("parity %q: %w", c.Parity, serial.ErrInvalidArgument)
	}

	switch strings.ToLower(c.FlowControl) {
	case "", "none":
		cfg.FlowControl = serial.FlowNone
	case "hardware", "rtscts":
		cfg.FlowControl = serial.FlowHardware
	case "software", "xonxoff":
		cfg.FlowControl = serial.FlowSoftware
	default:
		return cfg, fmt.Errorf("flow control %q: %w", c.FlowControl, serial.ErrInvalidArgument)
	}
	return cfg, nil
}

// WorkerParameters converts the settings to the server's worker parameters.
func (c *Config) WorkerParameters() server.WorkerParameters {
	return server.WorkerParameters{
		PollInterval: c.PollInterval,
		LockOSThread: c.LockOSThread,
		Priority:     c.Priority,
		CPUAffinity:  c.CPUAffinity,
	}
}
