//go:build linux && cgo

package nvlm

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>

typedef int nvmlReturn_t;
typedef void* nvmlDevice_t;

typedef struct {
	unsigned long long total;
	unsigned long long free;
	unsigned long long used;
} nvmlMemory_t;

typedef struct {
	unsigned int gpu;
	unsigned int memory;
} nvmlUtilization_t;

static void* nvml_lib = NULL;

typedef nvmlReturn_t (*nvmlInit_t)(void);
typedef nvmlReturn_t (*nvmlShutdown_t)(void);
typedef const char* (*nvmlErrorString_t)(nvmlReturn_t);
typedef nvmlReturn_t (*nvmlSystemGetDriverVersion_t)(char*, unsigned int);
typedef nvmlReturn_t (*nvmlDeviceGetCount_t)(unsigned int*);
typedef nvmlReturn_t (*nvmlDeviceGetHandleByIndex_t)(unsigned int, nvmlDevice_t*);
typedef nvmlReturn_t (*nvmlDeviceGetName_t)(nvmlDevice_t, char*, unsigned int);
typedef nvmlReturn_t (*nvmlDeviceGetMemoryInfo_t)(nvmlDevice_t, nvmlMemory_t*);
typedef nvmlReturn_t (*nvmlDeviceGetUtilizationRates_t)(nvmlDevice_t, nvmlUtilization_t*);
typedef nvmlReturn_t (*nvmlDeviceGetTemperature_t)(nvmlDevice_t, int, unsigned int*);
typedef nvmlReturn_t (*nvmlDeviceGetPowerUsage_t)(nvmlDevice_t, unsigned int*);

static nvmlInit_t f_nvmlInit = NULL;
static nvmlShutdown_t f_nvmlShutdown = NULL;
static nvmlSystemGetDriverVersion_t f_nvmlSystemGetDriverVersion = NULL;
static nvmlDeviceGetCount_t f_nvmlDeviceGetCount = NULL;
static nvmlDeviceGetHandleByIndex_t f_nvmlDeviceGetHandleByIndex = NULL;
static nvmlDeviceGetName_t f_nvmlDeviceGetName = NULL;
static nvmlDeviceGetMemoryInfo_t f_nvmlDeviceGetMemoryInfo = NULL;
static nvmlDeviceGetUtilizationRates_t f_nvmlDeviceGetUtilizationRates = NULL;
static nvmlDeviceGetTemperature_t f_nvmlDeviceGetTemperature = NULL;
static nvmlDeviceGetPowerUsage_t f_nvmlDeviceGetPowerUsage = NULL;

static int nvml_load() {
	nvml_lib = dlopen("libnvidia-ml.so.1", RTLD_LAZY);
	if (!nvml_lib) {
		nvml_lib = dlopen("libnvidia-ml.so", RTLD_LAZY);
	}
	if (!nvml_lib) return -1;

	f_nvmlInit = (nvmlInit_t)dlsym(nvml_lib, "nvmlInit_v2");
	if (!f_nvmlInit) f_nvmlInit = (nvmlInit_t)dlsym(nvml_lib, "nvmlInit");
	f_nvmlShutdown = (nvmlShutdown_t)dlsym(nvml_lib, "nvmlShutdown");
	f_nvmlSystemGetDriverVersion = (nvmlSystemGetDriverVersion_t)dlsym(nvml_lib, "nvmlSystemGetDriverVersion");
	f_nvmlDeviceGetCount = (nvmlDeviceGetCount_t)dlsym(nvml_lib, "nvmlDeviceGetCount_v2");
	if (!f_nvmlDeviceGetCount) f_nvmlDeviceGetCount = (nvmlDeviceGetCount_t)dlsym(nvml_lib, "nvmlDeviceGetCount");
	f_nvmlDeviceGetHandleByIndex = (nvmlDeviceGetHandleByIndex_t)dlsym(nvml_lib, "nvmlDeviceGetHandleByIndex_v2");
	if (!f_nvmlDeviceGetHandleByIndex) f_nvmlDeviceGetHandleByIndex = (nvmlDeviceGetHandleByIndex_t)dlsym(nvml_lib, "nvmlDeviceGetHandleByIndex");
	f_nvmlDeviceGetName = (nvmlDeviceGetName_t)dlsym(nvml_lib, "nvmlDeviceGetName");
	f_nvmlDeviceGetMemoryInfo = (nvmlDeviceGetMemoryInfo_t)dlsym(nvml_lib, "nvmlDeviceGetMemoryInfo");
	f_nvmlDeviceGetUtilizationRates = (nvmlDeviceGetUtilizationRates_t)dlsym(nvml_lib, "nvmlDeviceGetUtilizationRates");
	f_nvmlDeviceGetTemperature = (nvmlDeviceGetTemperature_t)dlsym(nvml_lib, "nvmlDeviceGetTemperature");
	f_nvmlDeviceGetPowerUsage = (nvmlDeviceGetPowerUsage_t)dlsym(nvml_lib, "nvmlDeviceGetPowerUsage");

	if (!f_nvmlInit || !f_nvmlDeviceGetCount || !f_nvmlDeviceGetHandleByIndex) return -2;

	return f_nvmlInit();
}

static int nvml_driver_version(char* buf, unsigned int len) {
	if (!f_nvmlSystemGetDriverVersion) return -2;
	return f_nvmlSystemGetDriverVersion(buf, len);
}

static int nvml_device_count(unsigned int* count) {
	if (!f_nvmlDeviceGetCount) return -2;
	return f_nvmlDeviceGetCount(count);
}

static int nvml_get_name(int idx, char* name, unsigned int len) {
	nvmlDevice_t dev;
	if (!f_nvmlDeviceGetName) return -2;
	nvmlReturn_t rc = f_nvmlDeviceGetHandleByIndex(idx, &dev);
	if (rc != 0) return rc;
	return f_nvmlDeviceGetName(dev, name, len);
}

static int nvml_get_memory(int idx, nvmlMemory_t* mem) {
	nvmlDevice_t dev;
	if (!f_nvmlDeviceGetMemoryInfo) return -2;
	nvmlReturn_t rc = f_nvmlDeviceGetHandleByIndex(idx, &dev);
	if (rc != 0) return rc;
	return f_nvmlDeviceGetMemoryInfo(dev, mem);
}

static int nvml_get_utilization(int idx, nvmlUtilization_t* util) {
	nvmlDevice_t dev;
	if (!f_nvmlDeviceGetUtilizationRates) return -2;
	nvmlReturn_t rc = f_nvmlDeviceGetHandleByIndex(idx, &dev);
	if (rc != 0) return rc;
	return f_nvmlDeviceGetUtilizationRates(dev, util);
}

static int nvml_get_temperature(int idx, unsigned int* temp) {
	nvmlDevice_t dev;
	if (!f_nvmlDeviceGetTemperature) return -2;
	nvmlReturn_t rc = f_nvmlDeviceGetHandleByIndex(idx, &dev);
	if (rc != 0) return rc;
	// NVML_TEMPERATURE_GPU = 0
	return f_nvmlDeviceGetTemperature(dev, 0, temp);
}

static int nvml_get_power(int idx, unsigned int* milliwatts) {
	nvmlDevice_t dev;
	if (!f_nvmlDeviceGetPowerUsage) return -2;
	nvmlReturn_t rc = f_nvmlDeviceGetHandleByIndex(idx, &dev);
	if (rc != 0) return rc;
	return f_nvmlDeviceGetPowerUsage(dev, milliwatts);
}

static void nvml_shutdown() {
	if (f_nvmlShutdown) f_nvmlShutdown();
	if (nvml_lib) dlclose(nvml_lib);
	nvml_lib = NULL;
}
*/
import "C"

import (
	"fmt"
	"sync"
)

var (
	mu     sync.Mutex
	loaded bool
)

// InitNVLM loads libnvidia-ml and initialises it. It is safe to call more
// than once.
func InitNVLM() error {
	mu.Lock()
	defer mu.Unlock()
	if loaded {
		return nil
	}
	if rc := C.nvml_load(); rc != 0 {
		return fmt.Errorf("%w (code %d)", ErrUnavailable, int(rc))
	}
	loaded = true
	return nil
}

func ShutdownNVLM() {
	mu.Lock()
	defer mu.Unlock()
	if loaded {
		C.nvml_shutdown()
		loaded = false
	}
}

func ready() error {
	mu.Lock()
	defer mu.Unlock()
	if !loaded {
		return ErrUnavailable
	}
	return nil
}

func GetDriverVersion() (string, error) {
	if err := ready(); err != nil {
		return "", err
	}
	var buf [96]C.char
	if rc := C.nvml_driver_version(&buf[0], C.uint(len(buf))); rc != 0 {
		return "", nvmlError("nvmlSystemGetDriverVersion", int(rc))
	}
	return C.GoString(&buf[0]), nil
}

func GetDeviceCount() (int, error) {
	if err := ready(); err != nil {
		return 0, err
	}
	var count C.uint
	if rc := C.nvml_device_count(&count); rc != 0 {
		return 0, nvmlError("nvmlDeviceGetCount", int(rc))
	}
	return int(count), nil
}

func GetDeviceName(device int) (string, error) {
	if err := ready(); err != nil {
		return "", err
	}
	var name [256]C.char
	if rc := C.nvml_get_name(C.int(device), &name[0], C.uint(len(name))); rc != 0 {
		return "", nvmlError("nvmlDeviceGetName", int(rc))
	}
	return C.GoString(&name[0]), nil
}

func GetMemoryInfo(device int) (Memory, error) {
	if err := ready(); err != nil {
		return Memory{}, err
	}
	var mem C.nvmlMemory_t
	if rc := C.nvml_get_memory(C.int(device), &mem); rc != 0 {
		return Memory{}, nvmlError("nvmlDeviceGetMemoryInfo", int(rc))
	}
	return Memory{
		Total: uint64(mem.total),
		Free:  uint64(mem.free),
		Used:  uint64(mem.used),
	}, nil
}

func GetGPUUtilizationRates(device int) (Utilization, error) {
	if err := ready(); err != nil {
		return Utilization{}, err
	}
	var cu C.nvmlUtilization_t
	if rc := C.nvml_get_utilization(C.int(device), &cu); rc != 0 {
		return Utilization{}, nvmlError("nvmlDeviceGetUtilizationRates", int(rc))
	}
	return Utilization{
		GPU:    uint(cu.gpu),
		Memory: uint(cu.memory),
	}, nil
}

func GetGPUTemperature(device int) (uint, error) {
	if err := ready(); err != nil {
		return 0, err
	}
	var t C.uint
	if rc := C.nvml_get_temperature(C.int(device), &t); rc != 0 {
		return 0, nvmlError("nvmlDeviceGetTemperature", int(rc))
	}
	return uint(t), nil
}

// GetGPUPowerUsage returns the current board power draw in watts.
func GetGPUPowerUsage(device int) (uint, error) {
	if err := ready(); err != nil {
		return 0, err
	}
	var mw C.uint
	if rc := C.nvml_get_power(C.int(device), &mw); rc != 0 {
		return 0, nvmlError("nvmlDeviceGetPowerUsage", int(rc))
	}
	if mw == 0 {
		return 0, fmt.Errorf("invalid power usage value: %d", mw)
	}
	return uint(mw) / 1000, nil
}
