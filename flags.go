package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vuvietnguyenit/gpu-occupy/envconfig"
	"github.com/vuvietnguyenit/gpu-occupy/occupy"
)

const (
	backendCUDA = "cuda"
	backendHost = "host"
)

var (
	FlagVerbose        string  // log level
	FlagBackend        string  // cuda or host
	FlagFraction       float64 // share of device memory per buffer
	FlagIncrement      float32 // value added to every element per iteration
	FlagReportInterval string  // progress line interval, "0" disables
	FlagHostMemory     string  // capacity of the host backend
	FlagSeed           uint64  // random fill seed

	// Resolved by validateFlags.
	reportInterval time.Duration
	hostMemory     uint64
)

// parseInterval accepts Go durations ("30s", "1m") and bare seconds ("30").
func parseInterval(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if sec, err := strconv.Atoi(raw); err == nil {
		return time.Duration(sec) * time.Second, nil
	}
	return time.ParseDuration(raw)
}

func addProdFlags(cmd *cobra.Command) {
	defaultHostMemory := ""
	if envconfig.HostMemory > 0 {
		defaultHostMemory = humanize.IBytes(envconfig.HostMemory)
	}
	defaultInterval := "0"
	if envconfig.ReportInterval > 0 {
		defaultInterval = envconfig.ReportInterval.String()
	}

	cmd.PersistentFlags().StringVar(&FlagVerbose, "log-verbose", envconfig.LogLevel, "Log verbosity level (DEBUG, INFO, WARN, ERROR)")
	cmd.PersistentFlags().StringVar(&FlagBackend, "backend", envconfig.Backend, "Compute backend (cuda, host)")
	cmd.PersistentFlags().Float64Var(&FlagFraction, "fraction", envconfig.Fraction, "Share of device memory requested for each of the two buffers, in (0, 0.5)")
	cmd.PersistentFlags().Float32Var(&FlagIncrement, "increment", occupy.DefaultIncrement, "Value added to every element of both buffers each iteration")
	cmd.PersistentFlags().StringVar(&FlagReportInterval, "report-interval", defaultInterval, "Log a progress line this often, e.g. 30s or 30 (0 disables)")
	cmd.PersistentFlags().StringVar(&FlagHostMemory, "host-memory", defaultHostMemory, "Memory the host backend treats as its device, e.g. 8GiB (default system RAM)")
	cmd.PersistentFlags().Uint64Var(&FlagSeed, "seed", 0, "Seed for the random buffer contents (default derived from the clock)")
}

func validateFlags(flags *pflag.FlagSet) error {
	FlagBackend = strings.ToLower(FlagBackend)
	if FlagBackend != backendCUDA && FlagBackend != backendHost {
		return fmt.Errorf("--backend must be %q or %q, got %q", backendCUDA, backendHost, FlagBackend)
	}
	if math.IsNaN(FlagFraction) || FlagFraction <= 0 || FlagFraction >= 0.5 {
		return fmt.Errorf("--fraction must be greater than 0 and less than 0.5, got %v", FlagFraction)
	}
	if _, err := parseLevel(FlagVerbose); err != nil {
		return fmt.Errorf("--log-verbose: %w", err)
	}

	d, err := parseInterval(FlagReportInterval)
	if err != nil || d < 0 {
		return fmt.Errorf("--report-interval: invalid duration %q", FlagReportInterval)
	}
	reportInterval = d

	hostMemory = 0
	if FlagHostMemory != "" {
		if FlagBackend != backendHost && flags.Changed("host-memory") {
			return fmt.Errorf("--host-memory can only be used with --backend %s", backendHost)
		}
		n, err := humanize.ParseBytes(FlagHostMemory)
		if err != nil {
			return fmt.Errorf("--host-memory: %w", err)
		}
		hostMemory = n
	}

	if !flags.Changed("seed") {
		FlagSeed = uint64(time.Now().UnixNano())
	}
	return nil
}

func policyFromFlags() occupy.Policy {
	return occupy.Policy{
		Fraction:       FlagFraction,
		Increment:      FlagIncrement,
		ReportInterval: reportInterval,
	}
}
