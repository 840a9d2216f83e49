package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	serial "github.com/luhtfiimanal/go-serial-dispatch"
)

func newCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "serial-echo"}
	AddFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(newCommand(t))
	require.NoError(t, err)

	d := DefaultConfig()
	d.CPUAffinity = cfg.CPUAffinity
	require.Equal(t, d, *cfg)
	require.Empty(t, cfg.CPUAffinity)
}

func TestLoad_Flags(t *testing.T) {
	cfg, err := Load(newCommand(t,
		"--device", "/dev/ttyS1",
		"-b", "9600",
		"--parity", "even",
		"--stop-bits", "2",
		"--read-timeout", "1s",
		"--poll-interval", "5ms",
		"--cpu-affinity", "0,1",
		"--priority=-5",
		"--mode", "raw",
	))
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyS1", cfg.Device)
	require.Equal(t, 9600, cfg.Baud)
	require.Equal(t, time.Second, cfg.ReadTimeout)
	require.Equal(t, ModeRaw, cfg.Mode)

	sc, err := cfg.Serial()
	require.NoError(t, err)
	require.Equal(t, serial.ParityEven, sc.Parity)
	require.Equal(t, serial.Stop2, sc.StopBits)
	require.Equal(t, 9600, sc.BaudRate)

	params := cfg.WorkerParameters()
	require.Equal(t, 5*time.Millisecond, params.PollInterval)
	require.Equal(t, []int{0, 1}, params.CPUAffinity)
	require.Equal(t, -5, params.Priority)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("SERIAL_ECHO_DEVICE", "/dev/ttyUSB3")
	t.Setenv("SERIAL_ECHO_FLOW_CONTROL", "hardware")

	cfg, err := Load(newCommand(t))
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB3", cfg.Device)

	// flags take precedence
	cfg, err = Load(newCommand(t, "--device", "/dev/ttyUSB4"))
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB4", cfg.Device)

	sc, err := cfg.Serial()
	require.NoError(t, err)
	require.Equal(t, serial.FlowHardware, sc.FlowControl)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serial-echo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device: /dev/ttyACM0\nbaud: 57600\ndelimiter: \"\\n\"\nlog_level: debug\n"), 0o600))

	cfg, err := Load(newCommand(t, "-c", path, "--baud", "230400"))
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyACM0", cfg.Device)
	require.Equal(t, 230400, cfg.Baud)
	require.Equal(t, "\n", cfg.Delimiter)
	require.Equal(t, "debug", cfg.LogLevel)

	_, err = Load(newCommand(t, "-c", filepath.Join(t.TempDir(), "missing.yaml")))
	require.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(newCommand(t, "--mode", "fancy"))
	require.ErrorIs(t, err, serial.ErrInvalidArgument)

	cfg, err := Load(newCommand(t, "--parity", "mark"))
	require.NoError(t, err)
	_, err = cfg.Serial()
	require.ErrorIs(t, err, serial.ErrInvalidArgument)

	cfg, err = Load(newCommand(t, "--flow-control", "carrier-pigeon"))
	require.NoError(t, err)
	_, err = cfg.Serial()
	require.ErrorIs(t, err, serial.ErrInvalidArgument)
}
