//go:build cuda

package cuda

/*
#cgo LDFLAGS: -lcudart
#include <cuda_runtime.h>
#include <stdlib.h>
#include <string.h>

static cudaError_t get_device_name(int id, char *buf, size_t n) {
	struct cudaDeviceProp prop;
	cudaError_t err = cudaGetDeviceProperties(&prop, id);
	if (err != cudaSuccess) {
		return err;
	}
	strncpy(buf, prop.name, n - 1);
	buf[n - 1] = '\0';
	return cudaSuccess;
}

static cudaError_t get_total_memory(int id, size_t *total) {
	struct cudaDeviceProp prop;
	cudaError_t err = cudaGetDeviceProperties(&prop, id);
	if (err == cudaSuccess) {
		*total = prop.totalGlobalMem;
	}
	return err;
}
*/
import "C"
import "unsafe"

func check(op string, err C.cudaError_t) error {
	if err == C.cudaSuccess {
		return nil
	}
	// clear the per-thread last error so the next call starts clean
	C.cudaGetLastError()
	return &Error{
		Op:   op,
		Lib:  "cuda",
		Code: int(err),
		Msg:  C.GoString(C.cudaGetErrorString(err)),
		oom:  err == C.cudaErrorMemoryAllocation,
	}
}

func GetDeviceCount() (int, error) {
	var cCount C.int
	if err := check("cudaGetDeviceCount", C.cudaGetDeviceCount(&cCount)); err != nil {
		return 0, err
	}
	return int(cCount), nil
}

func SetCudaDevice(deviceID int) error {
	return check("cudaSetDevice", C.cudaSetDevice(C.int(deviceID)))
}

func GetDeviceName(deviceID int) (string, error) {
	bufSize := 256
	cbuf := (*C.char)(C.malloc(C.size_t(bufSize)))
	defer C.free(unsafe.Pointer(cbuf))

	if err := check("cudaGetDeviceProperties", C.get_device_name(C.int(deviceID), cbuf, C.size_t(bufSize))); err != nil {
		return "", err
	}
	return C.GoString(cbuf), nil
}

func GetTotalMemory(deviceID int) (uint64, error) {
	var total C.size_t
	if err := check("cudaGetDeviceProperties", C.get_total_memory(C.int(deviceID), &total)); err != nil {
		return 0, err
	}
	return uint64(total), nil
}

// CudaGetMemInfo binds the calling thread to deviceID and reads its free and
// total memory.
func CudaGetMemInfo(deviceID int) (*MemInfo, error) {
	if err := SetCudaDevice(deviceID); err != nil {
		return nil, err
	}

	var free C.size_t
	var total C.size_t
	if err := check("cudaMemGetInfo", C.cudaMemGetInfo(&free, &total)); err != nil {
		return nil, err
	}
	return &MemInfo{
		DeviceID: deviceID,
		Free:     uint64(free),
		Total:    uint64(total),
	}, nil
}
