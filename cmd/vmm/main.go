//go:build linux && arm64

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/ninefold-systems/aavmm/kvm"
	"github.com/ninefold-systems/aavmm/vmm"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		kernelPath    string
		ppmPrefix     string
		maxIterations int
		logLevel      string
	)

	flag.StringVar(&kernelPath, "kernel", "", "path to the flat kernel image (required)")
	flag.StringVar(&ppmPrefix, "ppm-prefix", "screen", "path prefix for RESOURCE_FLUSH PPM snapshots")
	flag.IntVar(&maxIterations, "max-iterations", 0, "exit loop iteration ceiling (0 selects the default)")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	if kernelPath == "" {
		return fmt.Errorf("vmm: -kernel is required")
	}

	level, err := parseLevel(logLevel)
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	kernel, err := os.ReadFile(kernelPath)
	if err != nil {
		return fmt.Errorf("vmm: read kernel: %w", err)
	}

	hv, err := kvm.New()
	if err != nil {
		return fmt.Errorf("vmm: open hypervisor: %w", err)
	}

	defer hv.Close()

	m, err := vmm.New(vmm.Config{
		Hypervisor:    hv,
		Kernel:        kernel,
		PPMPrefix:     ppmPrefix,
		MaxIterations: maxIterations,
	})

	if err != nil {
		return fmt.Errorf("vmm: create VM: %w", err)
	}

	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)

	g.Go(func() error {
		select {
		case <-sig:
			slog.Info("vmm: interrupted, shutting down")
			cancel()
		case <-ctx.Done():
		}

		return nil
	})

	g.Go(func() error {
		defer cancel()
		return m.Run(ctx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("vmm: run failed: %w", err)
	}

	slog.Info("vmm: halted cleanly", "flushes", m.FlushCount())
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("vmm: unknown log level %q", s)
	}
}
