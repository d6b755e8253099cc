package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/vuvietnguyenit/gpu-occupy/cuda"
	"github.com/vuvietnguyenit/gpu-occupy/envconfig"
	"github.com/vuvietnguyenit/gpu-occupy/host"
	"github.com/vuvietnguyenit/gpu-occupy/nvlm"
	"github.com/vuvietnguyenit/gpu-occupy/occupy"
)

// newRuntime builds the backend selected by --backend.
var newRuntime = func() occupy.Runtime {
	if FlagBackend == backendHost {
		return host.New(host.WithCapacity(hostMemory), host.WithSeed(FlagSeed))
	}
	return cuda.New(cuda.WithSeed(FlagSeed))
}

func RootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gpu-occupy <device-id>",
		Short: "Hold memory and compute on one GPU until interrupted",
		Long: `gpu-occupy allocates two large random matrices on the selected device and
keeps it busy with element-wise increments and matrix products until it
receives SIGINT or SIGTERM. Device memory is always released on exit.`,
		// Argument count is checked after the runtime probe.
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFlags(cmd.Flags()); err != nil {
				return err
			}
			if err := initLogger(); err != nil {
				return err
			}
			return nil
		},
		RunE: occupyHandler,
	}

	addProdFlags(rootCmd)
	rootCmd.AddCommand(devicesCmd())
	rootCmd.SetUsageTemplate(rootCmd.UsageTemplate() + "\n" + envconfig.Usage())

	return rootCmd
}

func Execute() {
	if err := RootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func occupyHandler(cmd *cobra.Command, args []string) error {
	rt := newRuntime()

	count, err := rt.DeviceCount()
	if err != nil {
		return &occupy.NoDeviceRuntimeError{Err: err}
	}
	if count == 0 {
		return &occupy.NoDeviceRuntimeError{}
	}

	if len(args) != 1 {
		return fmt.Errorf("accepts exactly 1 arg, received %d\nusage: %s", len(args), cmd.UseLine())
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid device id %q: not an integer", args[0])
	}

	if FlagBackend == backendCUDA {
		logDeviceUsage(id)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
	defer stop()

	o := occupy.New(rt,
		occupy.WithPolicy(policyFromFlags()),
		occupy.WithLogger(slog.Default().With("backend", FlagBackend)),
	)
	res, err := o.Run(ctx, id)
	if err != nil {
		return err
	}
	slog.Info("Stopped", "gpu", id, "reason", res.Reason, "iterations", res.Iterations)
	return nil
}

// logDeviceUsage reports memory other processes already hold on the device.
// It is best effort; NVML being absent only costs a debug line.
func logDeviceUsage(id int) {
	if err := nvlm.InitNVLM(); err != nil {
		slog.Debug("Skipping NVML usage report", "error", err)
		return
	}
	defer nvlm.ShutdownNVLM()

	mem, err := nvlm.GetMemoryInfo(id)
	if err != nil {
		slog.Debug("NVML memory query failed", "gpu", id, "error", err)
		return
	}
	slog.Info("Device memory before occupying", "gpu", id,
		"used", humanize.IBytes(mem.Used), "free", humanize.IBytes(mem.Free))
}
