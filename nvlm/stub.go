//go:build !(linux && cgo)

package nvlm

func InitNVLM() error { return ErrUnavailable }

func ShutdownNVLM() {}

func GetDriverVersion() (string, error) { return "", ErrUnavailable }

func GetDeviceCount() (int, error) { return 0, ErrUnavailable }

func GetDeviceName(device int) (string, error) { return "", ErrUnavailable }

func GetMemoryInfo(device int) (Memory, error) { return Memory{}, ErrUnavailable }

func GetGPUUtilizationRates(device int) (Utilization, error) { return Utilization{}, ErrUnavailable }

func GetGPUTemperature(device int) (uint, error) { return 0, ErrUnavailable }

func GetGPUPowerUsage(device int) (uint, error) { return 0, ErrUnavailable }
