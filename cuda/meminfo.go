package cuda

import (
	"fmt"
	"log/slog"
)

type MemInfo struct {
	DeviceID int
	Name     string
	Free     uint64
	Total    uint64
}

// RunGetMemInfo collects name and memory of every visible device. Devices
// that fail to answer are logged and skipped.
func RunGetMemInfo() ([]MemInfo, error) {
	deviceCount, err := GetDeviceCount()
	if err != nil {
		return nil, fmt.Errorf("cudaGetDeviceCount failed: %w", err)
	}

	data := make([]MemInfo, 0, deviceCount)
	for i := 0; i < deviceCount; i++ {
		memInfo, err := CudaGetMemInfo(i)
		if err != nil {
			slog.Warn("Error getting memory info", "gpu", i, "error", err)
			continue
		}
		if name, err := GetDeviceName(i); err == nil {
			memInfo.Name = name
		}
		data = append(data, *memInfo)
		slog.Debug("Device memory", "gpu", i, "free", memInfo.Free, "total", memInfo.Total)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("not found any CUDA devices or no memory info available")
	}
	return data, nil
}
