// Package serial provides a minimal, Linux-only serial port, designed to be
// served by a background dispatch loop (see package server), for
// high-frequency unbuffered communication with embedded devices.
//
// This package is optimized for real-time use cases such as scientific
// instrumentation (e.g., seismometers), where data arrives with high frequency
// (e.g., 200Hz) and must be handled as soon as it is available.
//
// Features:
//   - Raw syscall-based serial I/O on Linux, no buffering delays
//   - Configurable baud rate, data bits, parity, stop bits and flow control
//   - Timed session locking, with a non-blocking poll mode
//   - Readable size queries, and deadline-bound reads scaled to the baud rate
//   - Self-pipe mechanism for killability
//   - PTY-based tests for reliability
//
// This package does **not** support Windows.
//
// Example usage:
//
//	port, err := serial.Open(serial.Config{
//	    Device:   "/dev/ttyUSB0",
//	    BaudRate: 115200,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer port.Close()
//
//	srv, err := server.New(port, server.Lines("\r\n", func(ctx context.Context, line string, r server.Resource) error {
//	    fmt.Println("Received:", line)
//	    return nil
//	}))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Close(context.Background())
//
//	if err := srv.Enable(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Write a command
//	if err := port.WriteLine("C,START", ""); err != nil {
//	    log.Println("Write failed:", err)
//	}
package serial
