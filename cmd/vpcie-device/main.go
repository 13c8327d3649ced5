// Command vpcie-device hosts one simulated PCIe endpoint: it binds the
// transport, builds an Endpoint with a reference device attached to
// BAR0, and runs the EventLoop until SIGINT/SIGTERM or until the peer
// disconnects.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tinyrange/vpcie/internal/bridge"
	"github.com/tinyrange/vpcie/internal/cliutil"
	"github.com/tinyrange/vpcie/internal/config"
	"github.com/tinyrange/vpcie/internal/dma"
	"github.com/tinyrange/vpcie/internal/endpoint"
	"github.com/tinyrange/vpcie/internal/eventloop"
	"github.com/tinyrange/vpcie/internal/transport"
)

func main() {
	if err := run(); err != nil {
		var exitErr *cliutil.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintf(os.Stderr, "vpcie-device: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	descriptorPath := flag.String("config", "", "YAML device descriptor file")
	bramSize := flag.Int("bram-size", 0, "BRAM size in bytes for the in-process DMA device (0: default 32 KiB)")
	bridged := flag.Bool("bridged", false, "Use the bridged loopback register file instead of the in-process DMA device")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var descriptor *config.Descriptor
	if *descriptorPath != "" {
		d, err := config.LoadDescriptor(*descriptorPath)
		if err != nil {
			return &cliutil.ExitError{Code: 1}
		}
		descriptor = d
		logger.Debug("loaded device descriptor", "path", *descriptorPath)
	}

	cfg, err := config.Resolve(descriptor)
	if err != nil {
		logger.Error("resolve configuration", "err", err)
		return &cliutil.ExitError{Code: 1}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tx, err := transport.Listen(cfg.ListenNetAddr(), transport.WithLogger(logger))
	if err != nil {
		logger.Error("listen", "err", err)
		return &cliutil.ExitError{Code: 1}
	}
	defer tx.Close()

	ep := endpoint.New(cfg.VendorID, cfg.DeviceID, tx, logger)

	if *bridged {
		br := bridge.New(0, logger)
		if err := ep.RegisterBAR(0, barSizeOrDefault(cfg.BARSizes[0]), br.ForBAR(0)); err != nil {
			logger.Error("register bridged BAR", "err", err)
			return &cliutil.ExitError{Code: 1}
		}
		loopback := dma.NewBridgedLoopback(logger)
		go loopback.Run(ctx, br)

		el := eventloop.New(tx, ep, logger)
		br.Attach(el, tx)
		logger.Info("vpcie-device: serving bridged loopback device", "addr", cfg.ListenNetAddr())
		return runLoop(el, ctx)
	}

	device := dma.New(*bramSize, ep, tx, logger)
	if err := device.Attach(0); err != nil {
		logger.Error("attach DMA device", "err", err)
		return &cliutil.ExitError{Code: 1}
	}

	el := eventloop.New(tx, ep, logger)
	logger.Info("vpcie-device: serving reference DMA device", "addr", cfg.ListenNetAddr())
	return runLoop(el, ctx)
}

func runLoop(el *eventloop.EventLoop, ctx context.Context) error {
	if err := el.Run(ctx); err != nil {
		return fmt.Errorf("event loop: %w", err)
	}
	return nil
}

func barSizeOrDefault(size uint64) uint64 {
	if size == 0 {
		return dma.DefaultBARSize
	}
	return size
}
