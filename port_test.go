package serial

import (
	"os"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// openPair opens a Port on the slave side of a fresh PTY, returning the
// master as the remote end.
func openPair(t *testing.T, cfg Config) (*Port, *os.File) {
	t.Helper()
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	cfg.Device = slave.Name()
	port, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { port.Close() })
	return port, master
}

func TestPort_ReadWrite(t *testing.T) {
	port, master := openPair(t, Config{BaudRate: 115200})
	require.True(t, port.IsEnabled())

	// 1. Master writes to slave, the port should see it buffered
	_, err := master.Write([]byte("ping"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return port.ReadableSize() == 4 }, time.Second, 5*time.Millisecond)

	buf := make([]byte, 4)
	n, err := port.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "ping", string(buf))
	require.Zero(t, port.ReadableSize())

	// 2. Port writes to master, master should receive
	n, err = port.Write([]byte("pong"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 128)
		n, _ := master.Read(buf)
		got <- string(buf[:n])
	}()
	select {
	case msg := <-got:
		require.Equal(t, "pong", msg)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for master to receive from port")
	}
}

func TestPort_WriteLine(t *testing.T) {
	port, master := openPair(t, Config{Delimiter: "\n"})

	line := "testline"
	newline := "\r\n"
	require.NoError(t, port.WriteLine(line, newline))

	buf := make([]byte, len(line)+len(newline))
	n, err := master.Read(buf)
	require.NoError(t, err)
	require.Equal(t, len(line)+len(newline), n)
	require.Equal(t, line+newline, string(buf))

	// configured delimiter
	require.NoError(t, port.WriteLine(line, ""))
	buf = make([]byte, len(line)+1)
	n, err = master.Read(buf)
	require.NoError(t, err)
	require.Equal(t, line+"\n", string(buf[:n]))
}

func TestPort_ReadTimeout(t *testing.T) {
	port, master := openPair(t, Config{ReadTimeout: 50 * time.Millisecond})
	require.Equal(t, 50*time.Millisecond, port.ReadTimeout())

	_, err := master.Write([]byte("ab"))
	require.NoError(t, err)

	buf := make([]byte, 8)
	start := time.Now()
	n, err := port.Read(buf)
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, 2, n)
	require.Equal(t, "ab", string(buf[:n]))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	require.ErrorIs(t, port.SetReadTimeout(-time.Second), ErrInvalidArgument)
	require.NoError(t, port.SetReadTimeout(10*time.Millisecond))
	require.ErrorIs(t, port.Discard(1), ErrTimeout)
}

func TestPort_EnableDisable(t *testing.T) {
	port, master := openPair(t, Config{})

	require.NoError(t, port.Disable())
	require.False(t, port.IsEnabled())
	_, err := port.Write([]byte("x"))
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = port.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrInvalidState)

	// input arriving while disabled is hidden, then flushed on Enable
	_, err = master.Write([]byte("stale"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, port.ReadableSize())

	require.NoError(t, port.Enable())
	require.True(t, port.IsEnabled())
	require.Zero(t, port.ReadableSize())
}

func TestPort_Lock(t *testing.T) {
	port, _ := openPair(t, Config{})

	require.NoError(t, port.Lock(0))
	require.ErrorIs(t, port.Lock(0), ErrTimeout)
	require.ErrorIs(t, port.Lock(10*time.Millisecond), ErrTimeout)
	require.NoError(t, port.Unlock())
	require.ErrorIs(t, port.Unlock(), ErrInvalidState)
}

func TestPort_InvalidConfig(t *testing.T) {
	for _, cfg := range []Config{
		{},
		{Device: "/dev/null", BaudRate: 1234},
		{Device: "/dev/null", DataBits: 9},
		{Device: "/dev/null", Parity: 'X'},
		{Device: "/dev/null", StopBits: 3},
		{Device: "/dev/null", FlowControl: 7},
		{Device: "/dev/null", ReadTimeout: -time.Second},
	} {
		_, err := Open(cfg)
		require.ErrorIs(t, err, ErrInvalidArgument, "%+v", cfg)
	}

	_, err := Open(Config{Device: "/nonexistent/tty"})
	require.Error(t, err)
}

func TestPort_Config(t *testing.T) {
	port, _ := openPair(t, Config{Parity: ParityEven, StopBits: Stop2})
	cfg := port.Config()
	require.Equal(t, DefaultBaudRate, cfg.BaudRate)
	require.Equal(t, DefaultDataBits, cfg.DataBits)
	require.Equal(t, ParityEven, cfg.Parity)
	require.Equal(t, Stop2, cfg.StopBits)
	require.Equal(t, DefaultDelimiter, cfg.Delimiter)
	require.Equal(t, DefaultReadTimeout, cfg.ReadTimeout)
}

func TestPort_Killability(t *testing.T) {
	port, _ := openPair(t, Config{ReadTimeout: time.Minute})

	done := make(chan error, 1)
	go func() {
		_, err := port.Read(make([]byte, 16))
		done <- err
	}()

	// Give the goroutine a chance to block
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, port.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for Read to exit after Close")
	}

	require.NoError(t, port.Close())
	require.False(t, port.IsEnabled())
	require.ErrorIs(t, port.Lock(0), ErrClosed)
	require.ErrorIs(t, port.Enable(), ErrClosed)
	_, err := port.Write([]byte("x"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestPort_ErrorPropagation(t *testing.T) {
	port, master := openPair(t, Config{ReadTimeout: time.Second})

	done := make(chan error, 1)
	go func() {
		_, err := port.Read(make([]byte, 16))
		done <- err
	}()

	// Simulate device disconnect by closing master
	require.NoError(t, master.Close())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for error after device disconnect")
	}
}

func TestMutex(t *testing.T) {
	m := NewMutex()
	require.ErrorIs(t, m.Unlock(), ErrInvalidState)
	require.NoError(t, m.Lock(0))

	acquired := make(chan error, 1)
	go func() { acquired <- m.Lock(Forever) }()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, m.Unlock())
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for lock")
	}
	require.NoError(t, m.Unlock())
}

func TestMutex_Timeout(t *testing.T) {
	m := NewMutex()
	require.NoError(t, m.Lock(time.Millisecond))

	start := time.Now()
	require.ErrorIs(t, m.Lock(30*time.Millisecond), ErrTimeout)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	require.NoError(t, m.Unlock())
	require.NoError(t, m.Lock(30*time.Millisecond))
}

func TestPort_Reconfigure(t *testing.T) {
	port, _ := openPair(t, Config{})

	require.NoError(t, port.SetBaudRate(9600))
	require.NoError(t, port.SetParity(ParityOdd))
	require.NoError(t, port.SetStopBits(Stop2))
	require.NoError(t, port.SetDataBits(7))
	require.NoError(t, port.SetFlowControl(FlowSoftware))

	cfg := port.Config()
	require.Equal(t, 9600, cfg.BaudRate)
	require.Equal(t, ParityOdd, cfg.Parity)
	require.Equal(t, Stop2, cfg.StopBits)
	require.Equal(t, 7, cfg.DataBits)
	require.Equal(t, FlowSoftware, cfg.FlowControl)

	termios, err := unix.IoctlGetTermios(port.fd, unix.TCGETS)
	require.NoError(t, err)
	require.Equal(t, uint32(unix.B9600), termios.Cflag&unix.CBAUD)

	// rejected values leave the configuration in effect
	require.ErrorIs(t, port.SetBaudRate(1234), ErrInvalidArgument)
	require.ErrorIs(t, port.SetDataBits(9), ErrInvalidArgument)
	require.ErrorIs(t, port.SetParity('X'), ErrInvalidArgument)
	require.ErrorIs(t, port.SetStopBits(3), ErrInvalidArgument)
	require.ErrorIs(t, port.SetFlowControl(7), ErrInvalidArgument)
	require.Equal(t, cfg, port.Config())

	require.NoError(t, port.Close())
	require.ErrorIs(t, port.SetBaudRate(9600), ErrClosed)
}
