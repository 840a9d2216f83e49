package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	serial "github.com/luhtfiimanal/go-serial-dispatch"
	"github.com/luhtfiimanal/go-serial-dispatch/internal/config"
	"github.com/luhtfiimanal/go-serial-dispatch/internal/logging"
	"github.com/luhtfiimanal/go-serial-dispatch/server"
)

func main() {
	command := &cobra.Command{
		Use:   "serial-echo",
		Short: "echo everything received on a serial port back to the sender",
		Args:  cobra.NoArgs,
		RunE:  run,
	}
	config.AddFlags(command)

	err := command.Execute()
	if err != nil {
		logrus.Fatal(err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return err
	}
	if err := logging.Configure(cfg.LogLevel, cfg.LogJSON); err != nil {
		return err
	}
	log := logging.New("serial-echo")

	portConfig, err := cfg.Serial()
	if err != nil {
		return err
	}
	port, err := serial.Open(portConfig)
	if err != nil {
		return err
	}
	defer port.Close()

	srv, err := server.New(port, newHandler(cfg, log), server.WithWorkerParameters(cfg.WorkerParameters()))
	if err != nil {
		return err
	}
	srv.Enabled().AddListener(func() { log.Debug("worker started") })
	srv.Disabled().AddListener(func() { log.Debug("worker stopped") })

	if err := srv.Enable(cmd.Context()); err != nil {
		srv.Close(context.Background())
		return err
	}
	log.Info("echoing ", port.Config().Device, " in ", cfg.Mode, " mode")

	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM)
	<-osSignals

	err = srv.Close(context.Background())
	stats := srv.Stats()
	log.WithFields(logrus.Fields{
		"polls":    stats.Polls,
		"requests": stats.Requests,
		"failures": stats.Failures,
	}).Info("stopped")
	return err
}

func newHandler(cfg *config.Config, log *logrus.Entry) server.Handler {
	if cfg.Mode == config.ModeRaw {
		return server.HandlerFunc(func(ctx context.Context, r server.Resource) error {
			buf := make([]byte, r.ReadableSize())
			n, err := r.Read(buf)
			if err != nil {
				return err
			}
			_, err = r.Write(buf[:n])
			return err
		})
	}
	return server.Lines(cfg.Delimiter, func(ctx context.Context, line string, r server.Resource) error {
		log.Debug("received ", line)
		_, err := r.Write([]byte(line + cfg.Delimiter))
		return err
	})
}
