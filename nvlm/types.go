package nvlm

import (
	"errors"
	"fmt"
)

// ErrUnavailable means libnvidia-ml could not be loaded or initialised.
var ErrUnavailable = errors.New("NVML not available")

type Utilization struct {
	GPU    uint
	Memory uint
}

type Memory struct {
	Total uint64
	Free  uint64
	Used  uint64
}

// Stats is a point-in-time reading of one device. Fields NVML could not
// provide are left zero and recorded in Missing.
type Stats struct {
	Index       int
	Name        string
	Memory      Memory
	Utilization Utilization
	Temperature uint
	PowerWatts  uint
	Missing     []string
}

func nvmlError(op string, code int) error {
	return fmt.Errorf("%s: NVML error code: %d", op, code)
}

// GetStats reads every metric of a device, keeping whatever succeeds.
func GetStats(device int) Stats {
	s := Stats{Index: device}
	var err error
	if s.Name, err = GetDeviceName(device); err != nil {
		s.Missing = append(s.Missing, "name")
	}
	if s.Memory, err = GetMemoryInfo(device); err != nil {
		s.Missing = append(s.Missing, "memory")
	}
	if s.Utilization, err = GetGPUUtilizationRates(device); err != nil {
		s.Missing = append(s.Missing, "utilization")
	}
	if s.Temperature, err = GetGPUTemperature(device); err != nil {
		s.Missing = append(s.Missing, "temperature")
	}
	if s.PowerWatts, err = GetGPUPowerUsage(device); err != nil {
		s.Missing = append(s.Missing, "power")
	}
	return s
}
