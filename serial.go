package serial

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// DefaultDelimiter is the line delimiter used when Config.Delimiter is empty.
	DefaultDelimiter = "\r\n"
	// DefaultReadTimeout is the base read deadline used when Config.ReadTimeout is zero.
	DefaultReadTimeout = 300 * time.Millisecond
	// DefaultBaudRate is used when Config.BaudRate is zero.
	DefaultBaudRate = 115200
	// DefaultDataBits is used when Config.DataBits is zero.
	DefaultDataBits = 8
)

// Parity is the parity bit mode.
type Parity byte

const (
	ParityNone Parity = 'N'
	ParityOdd  Parity = 'O'
	ParityEven Parity = 'E'
)

// StopBits is the number of stop bits.
type StopBits byte

const (
	Stop1 StopBits = 1
	Stop2 StopBits = 2
)

// FlowControl is the flow control mode.
type FlowControl int

const (
	FlowNone FlowControl = iota
	// FlowHardware is RTS/CTS flow control.
	FlowHardware
	// FlowSoftware is XON/XOFF flow control.
	FlowSoftware
)

// Port provides low-latency, killable access to a Linux serial port. It
// implements the byte resource contract consumed by the dispatch server: a
// session lock, a readable size query, and deadline-bound reads and writes.
// It is safe for concurrent use by multiple goroutines.
//
// Lock and Unlock coordinate exclusive sessions. Read, Write and Discard never
// take the session lock, so they may be called while holding it.
type Port struct {
	fd        int
	file      *os.File
	done      chan struct{}
	closeOnce sync.Once
	cmu       sync.Mutex
	config    Config // guarded by cmu
	pipeR     int // self-pipe read fd
	pipeW     int // self-pipe write fd

	session     *Mutex
	rmu         sync.Mutex
	wmu         sync.Mutex
	enabled     atomic.Bool
	readTimeout atomic.Int64
}

// Config holds configuration parameters for opening a serial port. Zero
// values select the documented defaults.
type Config struct {
	Device      string
	BaudRate    int
	DataBits    int         // 5-8, default 8
	Parity      Parity      // default ParityNone
	StopBits    StopBits    // default Stop1
	FlowControl FlowControl // default FlowNone
	Delimiter   string      // default "\r\n"
	ReadTimeout time.Duration
}

// withDefaults fills in zero values and validates the rest.
func (c Config) withDefaults() (Config, error) {
	if c.Device == "" {
		return c, fmt.Errorf("empty device: %w", ErrInvalidArgument)
	}
	if c.BaudRate == 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.DataBits == 0 {
		c.DataBits = DefaultDataBits
	}
	if c.Parity == 0 {
		c.Parity = ParityNone
	}
	if c.StopBits == 0 {
		c.StopBits = Stop1
	}
	if c.Delimiter == "" {
		c.Delimiter = DefaultDelimiter
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.ReadTimeout < 0 {
		return c, fmt.Errorf("read timeout %s: %w", c.ReadTimeout, ErrInvalidArgument)
	}
	if _, err := baudToUnix(c.BaudRate); err != nil {
		return c, err
	}
	if _, err := dataBitsToUnix(c.DataBits); err != nil {
		return c, err
	}
	switch c.Parity {
	case ParityNone, ParityOdd, ParityEven:
	default:
		return c, fmt.Errorf("parity %q: %w", c.Parity, ErrInvalidArgument)
	}
	switch c.StopBits {
	case Stop1, Stop2:
	default:
		return c, fmt.Errorf("stop bits %d: %w", c.StopBits, ErrInvalidArgument)
	}
	switch c.FlowControl {
	case FlowNone, FlowHardware, FlowSoftware:
	default:
		return c, fmt.Errorf("flow control %d: %w", c.FlowControl, ErrInvalidArgument)
	}
	return c, nil
}

// Open opens a serial port using the provided Config and returns an enabled
// Port. The port is configured for raw, low-latency, non-buffered operation.
func Open(cfg Config) (*Port, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	fd, err := syscall.Open(cfg.Device, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0666)
	if err != nil {
		return nil, fmt.Errorf("open failed: %w", err)
	}

	if err := configure(fd, cfg); err != nil {
		syscall.Close(fd)
		return nil, err
	}

	// Turn back into blocking mode now that config is done
	if err := syscall.SetNonblock(fd, false); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("set blocking: %w", err)
	}

	// Create self-pipe for killability
	pipeFds := make([]int, 2)
	if err := unix.Pipe(pipeFds); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("pipe: %w", err)
	}

	p := &Port{
		fd:      fd,
		file:    os.NewFile(uintptr(fd), cfg.Device),
		done:    make(chan struct{}),
		config:  cfg,
		pipeR:   pipeFds[0],
		pipeW:   pipeFds[1],
		session: NewMutex(),
	}
	p.readTimeout.Store(int64(cfg.ReadTimeout))
	if err := p.Enable(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func configure(fd int, cfg Config) error {
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	// Raw mode
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB | unix.CRTSCTS
	termios.Cflag |= unix.CREAD | unix.CLOCAL

	size, _ := dataBitsToUnix(cfg.DataBits)
	termios.Cflag |= size

	switch cfg.Parity {
	case ParityOdd:
		termios.Cflag |= unix.PARENB | unix.PARODD
	case ParityEven:
		termios.Cflag |= unix.PARENB
	}
	if cfg.StopBits == Stop2 {
		termios.Cflag |= unix.CSTOPB
	}
	switch cfg.FlowControl {
	case FlowHardware:
		termios.Cflag |= unix.CRTSCTS
	case FlowSoftware:
		termios.Iflag |= unix.IXON | unix.IXOFF
	}

	// Baud rate
	baud, _ := baudToUnix(cfg.BaudRate)
	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= baud

	// Set VMIN=1, VTIME=0 for immediate reads, readiness is polled first
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

// Config returns the effective configuration, with defaults applied.
func (s *Port) Config() Config {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	return s.config
}

// SetBaudRate reconfigures the baud rate. Zero selects DefaultBaudRate.
func (s *Port) SetBaudRate(baud int) error {
	return s.reconfigure(func(c *Config) { c.BaudRate = baud })
}

// SetDataBits reconfigures the data bits. Zero selects DefaultDataBits.
func (s *Port) SetDataBits(bits int) error {
	return s.reconfigure(func(c *Config) { c.DataBits = bits })
}

func (s *Port) SetParity(parity Parity) error {
	return s.reconfigure(func(c *Config) { c.Parity = parity })
}

func (s *Port) SetStopBits(stopBits StopBits) error {
	return s.reconfigure(func(c *Config) { c.StopBits = stopBits })
}

func (s *Port) SetFlowControl(flow FlowControl) error {
	return s.reconfigure(func(c *Config) { c.FlowControl = flow })
}

// reconfigure applies a modified copy of the configuration to the device.
// On failure the previous configuration stays in effect.
func (s *Port) reconfigure(modify func(*Config)) error {
	if s.closed() {
		return ErrClosed
	}
	s.cmu.Lock()
	defer s.cmu.Unlock()
	cfg := s.config
	modify(&cfg)
	cfg, err := cfg.withDefaults()
	if err != nil {
		return err
	}
	if err := configure(s.fd, cfg); err != nil {
		return err
	}
	s.config = cfg
	return nil
}

// Lock acquires the port's session lock. See Mutex.Lock for the timeout
// semantics.
func (s *Port) Lock(timeout time.Duration) error {
	if s.closed() {
		return ErrClosed
	}
	return s.session.Lock(timeout)
}

// Unlock releases the port's session lock.
func (s *Port) Unlock() error {
	return s.session.Unlock()
}

// Enable makes the port accept I/O. Input buffered while the port was
// disabled is discarded.
func (s *Port) Enable() error {
	if s.closed() {
		return ErrClosed
	}
	if s.enabled.Swap(true) {
		return nil
	}
	if err := s.Discard(s.ReadableSize()); err != nil {
		return fmt.Errorf("flush input: %w", err)
	}
	return nil
}

// Disable makes the port reject I/O, until re-enabled.
func (s *Port) Disable() error {
	if s.closed() {
		return ErrClosed
	}
	s.enabled.Store(false)
	return nil
}

// IsEnabled reports whether the port currently accepts I/O.
func (s *Port) IsEnabled() bool {
	return s.enabled.Load() && !s.closed()
}

// ReadableSize returns the number of bytes buffered by the driver, or 0 if
// the port is disabled.
func (s *Port) ReadableSize() int {
	if !s.IsEnabled() {
		return 0
	}
	n, err := unix.IoctlGetInt(s.fd, unix.TIOCINQ)
	if err != nil {
		return 0
	}
	return n
}

// ReadTimeout returns the base read deadline.
func (s *Port) ReadTimeout() time.Duration {
	return time.Duration(s.readTimeout.Load())
}

// SetReadTimeout sets the base read deadline.
func (s *Port) SetReadTimeout(timeout time.Duration) error {
	if timeout < 0 {
		return fmt.Errorf("read timeout %s: %w", timeout, ErrInvalidArgument)
	}
	s.readTimeout.Store(int64(timeout))
	return nil
}

// readDeadline is the read timeout, plus the time needed to transfer size
// bytes at the configured baud rate (11 bit times per byte).
func (s *Port) readDeadline(size int) time.Duration {
	return s.ReadTimeout() + time.Duration(size)*11*time.Second/time.Duration(s.Config().BaudRate)
}

// Read fills p, blocking until all of it has arrived, or the read deadline
// passes. On timeout the bytes read so far are kept in p, and ErrTimeout is
// returned.
func (s *Port) Read(p []byte) (int, error) {
	if !s.IsEnabled() {
		if s.closed() {
			return 0, ErrClosed
		}
		return 0, fmt.Errorf("read: %w", ErrInvalidState)
	}
	if len(p) == 0 {
		return 0, nil
	}

	s.rmu.Lock()
	defer s.rmu.Unlock()

	deadline := time.Now().Add(s.readDeadline(len(p)))
	var n int
	for n < len(p) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return n, fmt.Errorf("read %d of %d bytes: %w", n, len(p), ErrTimeout)
		}
		ready, err := s.wait(remaining)
		if err != nil {
			return n, err
		}
		if !ready {
			continue
		}
		m, err := unix.Read(s.fd, p[n:])
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			return n, fmt.Errorf("read failed: %w", err)
		}
		if m == 0 {
			return n, io.EOF
		}
		n += m
	}
	return n, nil
}

// wait polls the device and the self-pipe, reporting whether the device has
// something to say.
func (s *Port) wait(timeout time.Duration) (bool, error) {
	pfd := []unix.PollFd{
		{Fd: int32(s.fd), Events: unix.POLLIN},
		{Fd: int32(s.pipeR), Events: unix.POLLIN},
	}
	ms := int((timeout + time.Millisecond - 1) / time.Millisecond)
	if _, err := unix.Poll(pfd, ms); err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, fmt.Errorf("poll: %w", err)
	}
	// Check killability
	if s.closed() || pfd[1].Revents&unix.POLLIN != 0 {
		return false, ErrClosed
	}
	return pfd[0].Revents != 0, nil
}

// Discard reads and drops up to n bytes. It fails with ErrTimeout if fewer
// than n bytes arrive before the read deadline.
func (s *Port) Discard(n int) error {
	if n <= 0 {
		return nil
	}
	buf := make([]byte, min(n, 512))
	for n > 0 {
		m, err := s.Read(buf[:min(n, len(buf))])
		n -= m
		if err != nil {
			return err
		}
	}
	return nil
}

// Write writes all of p to the serial port.
func (s *Port) Write(p []byte) (int, error) {
	if !s.IsEnabled() {
		if s.closed() {
			return 0, ErrClosed
		}
		return 0, fmt.Errorf("write: %w", ErrInvalidState)
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.file.Write(p)
}

// WriteLine writes a line (with specified newline) to the serial port. An
// empty newline selects the configured delimiter.
func (s *Port) WriteLine(line string, newline string) error {
	if newline == "" {
		newline = s.Config().Delimiter
	}
	_, err := s.Write([]byte(line + newline))
	return err
}

func (s *Port) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close closes the serial port and unblocks any pending Read.
// Safe to call multiple times; subsequent calls are no-ops.
func (s *Port) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.enabled.Store(false)
		// Wake up poll using self-pipe
		if s.pipeW > 0 {
			unix.Write(s.pipeW, []byte{1})
		}
		// wait out any reader before the fd goes away
		s.rmu.Lock()
		defer s.rmu.Unlock()
		if s.file != nil {
			err = s.file.Close()
		}
		if s.pipeR > 0 {
			unix.Close(s.pipeR)
		}
		if s.pipeW > 0 {
			unix.Close(s.pipeW)
		}
	})
	return err
}

func baudToUnix(baud int) (uint32, error) {
	switch baud {
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	case 230400:
		return unix.B230400, nil
	case 460800:
		return unix.B460800, nil
	case 921600:
		return unix.B921600, nil
	default:
		return 0, fmt.Errorf("baud rate %d: %w", baud, ErrInvalidArgument)
	}
}

func dataBitsToUnix(bits int) (uint32, error) {
	switch bits {
	case 5:
		return unix.CS5, nil
	case 6:
		return unix.CS6, nil
	case 7:
		return unix.CS7, nil
	case 8:
		return unix.CS8, nil
	default:
		return 0, fmt.Errorf("data bits %d: %w", bits, ErrInvalidArgument)
	}
}
