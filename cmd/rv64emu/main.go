// Command rv64emu boots a flat RV64IMA kernel image on an emulated machine:
// DRAM, CLINT, PLIC, a 16550 UART wired to the host terminal, and an
// optional virtio-mmio block device backed by a disk image file.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/rv64emu/internal/config"
	"github.com/tinyrange/rv64emu/internal/console"
	"github.com/tinyrange/rv64emu/internal/rv64"
)

func main() {
	if err := run(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "rv64emu: %v\n", err)
		os.Exit(1)
	}
}

// readDiskImage loads a disk image file, showing a progress bar since disk
// images can run into the tens of megabytes.
func readDiskImage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	pb := progressbar.DefaultBytes(info.Size(), "loading disk image")
	defer pb.Close()

	buf := make([]byte, info.Size())
	if _, err := io.ReadFull(io.TeeReader(f, pb), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func run() error {
	var (
		debug      = flag.Bool("debug", false, "log every retired instruction")
		step       = flag.Bool("step", false, "gate each instruction on a line of standard input")
		kernelPath = flag.String("kernel", "", "path to a flat kernel image, loaded at DRAM base")
		diskPath   = flag.String("disk", "", "path to a flat disk image for the virtio block device")
		configPath = flag.String("config", "", "optional YAML machine configuration")
	)
	flag.Parse()

	if *kernelPath == "" {
		return fmt.Errorf("-kernel is required")
	}

	ramSizeMB := uint64(config.DefaultRAMSizeMB)
	var watchpoint *rv64.Watchpoint

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		ramSizeMB = cfg.RAMSizeMB
		if cfg.Watchpoint != nil {
			reg, err := config.RegisterNumber(cfg.Watchpoint.Register)
			if err != nil {
				return err
			}
			action := rv64.WatchExit
			if cfg.Watchpoint.Action == "step" {
				action = rv64.WatchStep
			}
			watchpoint = &rv64.Watchpoint{Reg: reg, Value: cfg.Watchpoint.Value, Action: action}
		}
	}

	kernel, err := os.ReadFile(*kernelPath)
	if err != nil {
		return fmt.Errorf("read kernel: %w", err)
	}
	if uint64(len(kernel)) > rv64.RAMSize {
		return fmt.Errorf("kernel image too large: %d bytes (limit %d)", len(kernel), rv64.RAMSize)
	}

	var disk []byte
	if *diskPath != "" {
		disk, err = readDiskImage(*diskPath)
		if err != nil {
			return fmt.Errorf("read disk: %w", err)
		}
	}

	con, err := console.New()
	if err != nil {
		return fmt.Errorf("open console: %w", err)
	}
	defer con.Close()

	machine, err := rv64.NewMachine(ramSizeMB*1024*1024, con, con, disk)
	if err != nil {
		return err
	}
	machine.SetStopOnZero(true)
	if watchpoint != nil {
		machine.SetWatchpoint(watchpoint)
	}
	if err := machine.LoadBytes(rv64.RAMBase, kernel); err != nil {
		return fmt.Errorf("load kernel: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := runLoop(ctx, machine, logger, *debug, *step); err != nil {
		if errors.Is(err, rv64.ErrHalt) || errors.Is(err, rv64.ErrWatchpoint) {
			return nil
		}
		var fatal *rv64.FatalError
		if errors.As(err, &fatal) {
			return &exitError{code: 1, err: err}
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return &exitError{code: 1, err: err}
	}
	return nil
}

// runLoop drives Step directly (rather than Machine.Run) so -debug and
// -step, which need per-instruction visibility, stay in the CLI layer
// instead of leaking into the core.
func runLoop(ctx context.Context, m *rv64.Machine, logger *slog.Logger, debug, step bool) error {
	var stdin *bufio.Scanner
	if step {
		stdin = bufio.NewScanner(os.Stdin)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if step {
			fmt.Fprintf(os.Stderr, "pc=0x%x> ", m.GetPC())
			if !stdin.Scan() {
				return nil
			}
		}

		pcBefore := m.GetPC()
		err := m.Step()

		if debug {
			logger.Debug("step", "pc", fmt.Sprintf("0x%x", pcBefore))
		}

		if err != nil {
			return err
		}

		if fired, exit := m.CheckWatchpoint(); fired && !exit {
			step = true
			if stdin == nil {
				stdin = bufio.NewScanner(os.Stdin)
			}
		}
	}
}
