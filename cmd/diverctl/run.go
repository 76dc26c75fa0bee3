package main

import (
	"fmt"
	"os"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"divervm/vm"
)

// internalWatchdogPort/Event mirror the reference MCU runtime's example
// host loop (original_source/MCURuntime/mcu_runtime.c's main()), which
// pushes a watchdog event when its wait-for-host-data call times out,
// before calling vm_run for that iteration. diverctl run is headless and
// never actually blocks waiting on a link partner, so it reproduces the
// convention unconditionally as a demonstration of a well-behaved host
// rather than a real timeout detector.
const (
	internalWatchdogPort  uint16 = 0xffff
	internalWatchdogEvent uint16 = 0xffff
)

// consoleCallbacks is a HostCallbacks implementation for diverctl run: it
// prints what the program writes to its console surface and surfaces fatal
// errors through the command's own logger, but otherwise behaves like
// vm.NopCallbacks (no real cart-I/O transport is attached in this mode).
type consoleCallbacks struct {
	vm.NopCallbacks
	logger *zap.Logger
}

func (c consoleCallbacks) PrintLine(line string) { fmt.Println(line) }
func (c consoleCallbacks) ReportError(err error) { c.logger.Error("vm fault", zap.Error(err)) }

func newRunCmd(v *viper.Viper) *cobra.Command {
	var ticks int
	var useMmap bool

	cmd := &cobra.Command{
		Use:   "run <image>",
		Short: "Load a program image and drive its cyclic Run loop for a fixed number of iterations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(v)
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			raw, closeImage, err := readImage(args[0], useMmap)
			if err != nil {
				return fmt.Errorf("reading image: %w", err)
			}
			defer closeImage()

			machine := vm.NewVM(cfg.ArenaSize, consoleCallbacks{logger: logger}, logger)
			interval, err := machine.SetProgram(raw)
			if err != nil {
				return fmt.Errorf("loading image: %w", err)
			}
			if cfg.IntervalOverride > 0 {
				interval = time.Duration(cfg.IntervalOverride) * time.Microsecond
			}
			logger.Info("program loaded", zap.Duration("recommended_interval", interval))

			bridge := vm.NewDeviceBridge(machine)
			if cfg.StdinPort >= 0 {
				stop := bridge.BridgeStdinLines(os.Stdin, uint16(cfg.StdinPort))
				defer stop()
			}
			if cfg.TickPort >= 0 {
				stop := bridge.BridgeTicker(uint16(cfg.TickPort), uint16(cfg.TickEvent), interval)
				defer stop()
			}

			for i := 1; i <= ticks; i++ {
				machine.PutEventBuffer(internalWatchdogPort, internalWatchdogEvent, nil)
				// diverctl run is headless: every iteration seeds an empty
				// snapshot itself so §4.7.4's "a snapshot must have been
				// supplied since the previous run" invariant is always met.
				machine.PutSnapshotBuffer(nil)
				result, err := machine.Run(i)
				if err != nil {
					return fmt.Errorf("iteration %d: %w", i, err)
				}
				logger.Debug("iteration complete",
					zap.Int("iteration", result.Iteration),
					zap.Bool("stalled", result.Stalled))
				if i < ticks && interval > 0 {
					time.Sleep(interval)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&ticks, "ticks", 1, "number of cyclic iterations to run")
	cmd.Flags().BoolVar(&useMmap, "mmap", false, "memory-map the image file instead of reading it fully into memory")
	return cmd
}

// readImage returns the image bytes and a close function. With --mmap it
// maps the file read-only rather than copying it into the process heap --
// useful for large images on memory-constrained hosts.
func readImage(path string, useMmap bool) ([]byte, func(), error) {
	if !useMmap {
		raw, err := os.ReadFile(path)
		return raw, func() {}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, func() {}, err
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, func() {}, err
	}
	closeFn := func() {
		m.Unmap()
		f.Close()
	}
	return []byte(m), closeFn, nil
}
