package main

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/vuvietnguyenit/gpu-occupy/cuda"
	"github.com/vuvietnguyenit/gpu-occupy/nvlm"
	"github.com/vuvietnguyenit/gpu-occupy/occupy"
)

const notAvailable = "-"

type Row struct {
	Device occupy.Device
	// Stats is nil when NVML could not be loaded.
	Stats *nvlm.Stats
}

type Header string

type DF struct {
	Headers []Header
	Rows    []Row
}

func (df *DF) InitHeader(headers []Header) {
	df.Headers = headers
}

func (df *DF) Insert(r Row) {
	df.Rows = append(df.Rows, r)
}

func (r Row) cells() []string {
	row := []string{
		strconv.Itoa(r.Device.ID),
		r.Device.Name,
		humanize.IBytes(r.Device.TotalMemory),
		notAvailable, notAvailable, notAvailable, notAvailable,
	}
	s := r.Stats
	if s == nil {
		return row
	}
	if !missing(s, "memory") {
		row[3] = humanize.IBytes(s.Memory.Used)
		row[4] = humanize.IBytes(s.Memory.Free)
	}
	if !missing(s, "utilization") {
		row[5] = fmt.Sprintf("%d%%", s.Utilization.GPU)
	}
	if !missing(s, "temperature") {
		row[6] = fmt.Sprintf("%d°C", s.Temperature)
	}
	return row
}

func missing(s *nvlm.Stats, metric string) bool {
	for _, m := range s.Missing {
		if m == metric {
			return true
		}
	}
	return false
}

func (df *DF) PrintTable(w io.Writer) error {
	table := tablewriter.NewTable(w, tablewriter.WithRenderer(renderer.NewBlueprint(tw.Rendition{
		Settings: tw.Settings{Separators: tw.Separators{BetweenRows: tw.On}},
	})))
	headers := make([]string, len(df.Headers))
	for i, h := range df.Headers {
		headers[i] = string(h)
	}
	table.Header(headers)

	for _, r := range df.Rows {
		if err := table.Append(r.cells()); err != nil {
			return err
		}
	}
	return table.Render()
}

// collectDevices queries every device of rt. withStats enriches the rows
// from NVML when the library can be loaded.
func collectDevices(rt occupy.Runtime, withStats bool) (*DF, error) {
	count, err := rt.DeviceCount()
	if err != nil {
		return nil, &occupy.NoDeviceRuntimeError{Err: err}
	}
	if count == 0 {
		return nil, &occupy.NoDeviceRuntimeError{}
	}

	var fallback map[int]nvlm.Stats
	if withStats {
		if err := nvlm.InitNVLM(); err != nil {
			slog.Debug("NVML unavailable, falling back to CUDA memory info", "error", err)
			withStats = false
			fallback = cudaStats()
		} else {
			defer nvlm.ShutdownNVLM()
		}
	}

	df := &DF{}
	df.InitHeader([]Header{"GPU", "NAME", "TOTAL", "USED", "FREE", "UTIL", "TEMP"})
	for i := 0; i < count; i++ {
		dev, err := rt.Device(i)
		if err != nil {
			return nil, fmt.Errorf("query device %d: %w", i, err)
		}
		row := Row{Device: dev}
		if withStats {
			s := nvlm.GetStats(i)
			row.Stats = &s
		} else if s, ok := fallback[i]; ok {
			row.Stats = &s
		}
		df.Insert(row)
	}
	return df, nil
}

var memInfo = cuda.RunGetMemInfo

// cudaStats reads free and total memory through the CUDA runtime. Only the
// memory columns can be filled this way.
func cudaStats() map[int]nvlm.Stats {
	infos, err := memInfo()
	if err != nil {
		slog.Debug("CUDA memory info unavailable", "error", err)
		return nil
	}
	stats := make(map[int]nvlm.Stats, len(infos))
	for _, mi := range infos {
		stats[mi.DeviceID] = nvlm.Stats{
			Index: mi.DeviceID,
			Name:  mi.Name,
			Memory: nvlm.Memory{
				Total: mi.Total,
				Free:  mi.Free,
				Used:  mi.Total - mi.Free,
			},
			Missing: []string{"utilization", "temperature", "power"},
		}
	}
	return stats
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the devices the selected backend can occupy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			df, err := collectDevices(newRuntime(), FlagBackend == backendCUDA)
			if err != nil {
				return err
			}
			return df.PrintTable(cmd.OutOrStdout())
		},
	}
}
