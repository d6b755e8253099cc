package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vuvietnguyenit/gpu-occupy/cuda"
	"github.com/vuvietnguyenit/gpu-occupy/host"
	"github.com/vuvietnguyenit/gpu-occupy/nvlm"
	"github.com/vuvietnguyenit/gpu-occupy/occupy"
)

func TestCollectDevicesHost(t *testing.T) {
	df, err := collectDevices(host.New(host.WithCapacity(8<<30)), false)
	require.NoError(t, err)
	require.Len(t, df.Rows, 1)
	assert.Equal(t, uint64(8<<30), df.Rows[0].Device.TotalMemory)
	assert.Nil(t, df.Rows[0].Stats)
	assert.Len(t, df.Headers, 7)
}

func TestCollectDevicesNoRuntime(t *testing.T) {
	_, err := collectDevices(noDevices{}, false)
	var nd *occupy.NoDeviceRuntimeError
	require.ErrorAs(t, err, &nd)
}

func TestRowCells(t *testing.T) {
	dev := occupy.Device{ID: 1, Name: "Tesla T4", TotalMemory: 16 << 30}

	plain := Row{Device: dev}.cells()
	assert.Equal(t, []string{"1", "Tesla T4", "16 GiB", "-", "-", "-", "-"}, plain)

	stats := &nvlm.Stats{
		Memory:      nvlm.Memory{Total: 16 << 30, Used: 1 << 30, Free: 15 << 30},
		Utilization: nvlm.Utilization{GPU: 97},
		Missing:     []string{"temperature"},
	}
	rich := Row{Device: dev, Stats: stats}.cells()
	assert.Equal(t, []string{"1", "Tesla T4", "16 GiB", "1.0 GiB", "15 GiB", "97%", "-"}, rich)
}

func TestDevicesCommandPrintsTable(t *testing.T) {
	withRuntime(t, host.New(host.WithCapacity(2<<30)))

	var out bytes.Buffer
	cmd := RootCmd()
	cmd.SetArgs([]string{"devices", "--backend", "host"})
	cmd.SetOut(&out)
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	assert.Contains(t, out.String(), "GPU")
	assert.Contains(t, out.String(), "2.0 GiB")
}

func TestCUDAStatsFallback(t *testing.T) {
	orig := memInfo
	memInfo = func() ([]cuda.MemInfo, error) {
		return []cuda.MemInfo{{DeviceID: 0, Name: "A100", Free: 30 << 30, Total: 40 << 30}}, nil
	}
	t.Cleanup(func() { memInfo = orig })

	stats := cudaStats()
	require.Contains(t, stats, 0)
	s := stats[0]
	assert.Equal(t, uint64(10<<30), s.Memory.Used)

	cells := Row{Device: occupy.Device{ID: 0, Name: "A100", TotalMemory: 40 << 30}, Stats: &s}.cells()
	assert.Equal(t, []string{"0", "A100", "40 GiB", "10 GiB", "30 GiB", "-", "-"}, cells)
}

func TestCUDAStatsFallbackError(t *testing.T) {
	orig := memInfo
	memInfo = func() ([]cuda.MemInfo, error) { return nil, cuda.ErrNotCompiled }
	t.Cleanup(func() { memInfo = orig })

	assert.Nil(t, cudaStats())
}
