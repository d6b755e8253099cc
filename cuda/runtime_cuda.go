//go:build cuda

package cuda

/*
#cgo LDFLAGS: -lcudart -lcublas -lcurand
#include <cuda_runtime.h>
#include <cublas_v2.h>
#include <curand.h>
#include <limits.h>

// saxpy with a zero stride broadcasts *one, adding alpha to every element.
static cublasStatus_t add_scalar(cublasHandle_t h, float *x, size_t n, float alpha, const float *one) {
	while (n > 0) {
		int chunk = n > INT_MAX ? INT_MAX : (int)n;
		cublasStatus_t st = cublasSaxpy(h, chunk, &alpha, one, 0, x, 1);
		if (st != CUBLAS_STATUS_SUCCESS) {
			return st;
		}
		x += chunk;
		n -= chunk;
	}
	return CUBLAS_STATUS_SUCCESS;
}

static cublasStatus_t matmul(cublasHandle_t h, int n, const float *a, const float *b, float *c) {
	const float alpha = 1.0f;
	const float beta = 0.0f;
	return cublasSgemm(h, CUBLAS_OP_N, CUBLAS_OP_N, n, n, n, &alpha, a, n, b, n, &beta, c, n);
}

// curandGenerateNormal only takes even counts.
static curandStatus_t fill_normal(curandGenerator_t g, float *x, size_t n) {
	size_t even = n & ~(size_t)1;
	curandStatus_t st = CURAND_STATUS_SUCCESS;
	if (even > 0) {
		st = curandGenerateNormal(g, x, even, 0.0f, 1.0f);
	}
	if (st != CURAND_STATUS_SUCCESS || even == n) {
		return st;
	}
	return curandGenerateUniform(g, x + even, 1);
}

static cudaError_t set_one(float *p) {
	const float one = 1.0f;
	return cudaMemcpy(p, &one, sizeof(one), cudaMemcpyHostToDevice);
}

static cudaError_t trim_pool(int id) {
	cudaMemPool_t pool;
	cudaError_t err = cudaDeviceGetDefaultMemPool(&pool, id);
	if (err != cudaSuccess) {
		return err;
	}
	return cudaMemPoolTrimTo(pool, 0);
}
*/
import "C"
import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/vuvietnguyenit/gpu-occupy/occupy"
)

func checkBlas(op string, st C.cublasStatus_t) error {
	if st == C.CUBLAS_STATUS_SUCCESS {
		return nil
	}
	return &Error{
		Op:   op,
		Lib:  "cublas",
		Code: int(st),
		Msg:  C.GoString(C.cublasGetStatusString(st)),
		oom:  st == C.CUBLAS_STATUS_ALLOC_FAILED,
	}
}

func checkRand(op string, st C.curandStatus_t) error {
	if st == C.CURAND_STATUS_SUCCESS {
		return nil
	}
	return &Error{
		Op:   op,
		Lib:  "curand",
		Code: int(st),
		Msg:  fmt.Sprintf("curand status %d", int(st)),
		oom:  st == C.CURAND_STATUS_ALLOCATION_FAILED,
	}
}

// Runtime implements occupy.Runtime on a CUDA device. SetDevice locks the
// calling goroutine to its OS thread until ReclaimCache, because the current
// device is per thread.
type Runtime struct {
	seed   uint64
	device int
	locked bool

	blas C.cublasHandle_t
	gen  C.curandGenerator_t
	// one is a device float holding 1.0, broadcast by add_scalar.
	one unsafe.Pointer
}

var _ occupy.Runtime = (*Runtime)(nil)

func New(opts ...Option) *Runtime {
	r := &Runtime{device: -1}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runtime) DeviceCount() (int, error) {
	return GetDeviceCount()
}

func (r *Runtime) Device(id int) (occupy.Device, error) {
	name, err := GetDeviceName(id)
	if err != nil {
		return occupy.Device{}, err
	}
	total, err := GetTotalMemory(id)
	if err != nil {
		return occupy.Device{}, err
	}
	return occupy.Device{ID: id, Name: name, TotalMemory: total}, nil
}

func (r *Runtime) SetDevice(id int) error {
	if !r.locked {
		runtime.LockOSThread()
		r.locked = true
	}
	if err := SetCudaDevice(id); err != nil {
		return err
	}
	r.device = id
	if r.blas != nil {
		return nil
	}

	if err := checkBlas("cublasCreate", C.cublasCreate(&r.blas)); err != nil {
		return err
	}
	if err := checkRand("curandCreateGenerator", C.curandCreateGenerator(&r.gen, C.CURAND_RNG_PSEUDO_DEFAULT)); err != nil {
		return err
	}
	if err := checkRand("curandSetPseudoRandomGeneratorSeed", C.curandSetPseudoRandomGeneratorSeed(r.gen, C.ulonglong(r.seed))); err != nil {
		return err
	}
	if err := check("cudaMalloc", C.cudaMalloc(&r.one, C.size_t(occupy.ElementSize))); err != nil {
		return err
	}
	return check("cudaMemcpy", C.set_one((*C.float)(r.one)))
}

func (r *Runtime) alloc(side int) (*Matrix, error) {
	if r.blas == nil {
		return nil, &Error{Op: "alloc", Lib: "cuda", Msg: "no device bound"}
	}
	m := &Matrix{side: side}
	if err := check("cudaMalloc", C.cudaMalloc(&m.ptr, C.size_t(m.Bytes()))); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *Runtime) RandomMatrix(side int) (occupy.Buffer, error) {
	m, err := r.alloc(side)
	if err != nil {
		return nil, err
	}
	if err := checkRand("curandGenerateNormal", C.fill_normal(r.gen, m.floats(), m.elements())); err != nil {
		return nil, errors.Join(err, m.Free())
	}
	return m, nil
}

func (r *Runtime) AddScalar(b occupy.Buffer, v float32) error {
	m, err := asMatrix(b)
	if err != nil {
		return err
	}
	return checkBlas("cublasSaxpy", C.add_scalar(r.blas, m.floats(), m.elements(), C.float(v), (*C.float)(r.one)))
}

// MatMul allocates the product, runs the GEMM and waits for the device.
func (r *Runtime) MatMul(a, b occupy.Buffer) (occupy.Buffer, error) {
	ma, err := asMatrix(a)
	if err != nil {
		return nil, err
	}
	mb, err := asMatrix(b)
	if err != nil {
		return nil, err
	}
	c, err := r.alloc(ma.side)
	if err != nil {
		return nil, err
	}
	if err := checkBlas("cublasSgemm", C.matmul(r.blas, C.int(ma.side), ma.floats(), mb.floats(), c.floats())); err != nil {
		return nil, errors.Join(err, c.Free())
	}
	if err := check("cudaDeviceSynchronize", C.cudaDeviceSynchronize()); err != nil {
		return nil, errors.Join(err, c.Free())
	}
	return c, nil
}

// ReclaimCache tears down the library handles, trims the default memory
// pool and releases the OS thread.
func (r *Runtime) ReclaimCache() error {
	var errs []error
	if r.device >= 0 {
		errs = append(errs, check("cudaDeviceSynchronize", C.cudaDeviceSynchronize()))
	}
	if r.one != nil {
		errs = append(errs, check("cudaFree", C.cudaFree(r.one)))
		r.one = nil
	}
	if r.gen != nil {
		errs = append(errs, checkRand("curandDestroyGenerator", C.curandDestroyGenerator(r.gen)))
		r.gen = nil
	}
	if r.blas != nil {
		errs = append(errs, checkBlas("cublasDestroy", C.cublasDestroy(r.blas)))
		r.blas = nil
	}
	if r.device >= 0 {
		errs = append(errs, check("cudaMemPoolTrimTo", C.trim_pool(C.int(r.device))))
	}
	if r.locked {
		runtime.UnlockOSThread()
		r.locked = false
	}
	return errors.Join(errs...)
}

func asMatrix(b occupy.Buffer) (*Matrix, error) {
	m, ok := b.(*Matrix)
	if !ok {
		return nil, &Error{Op: "buffer", Lib: "cuda", Msg: "buffer does not belong to the CUDA runtime"}
	}
	if m.ptr == nil {
		return nil, &Error{Op: "buffer", Lib: "cuda", Msg: "use of freed buffer"}
	}
	return m, nil
}

// Matrix is a column-major square float32 matrix in device memory.
type Matrix struct {
	ptr  unsafe.Pointer
	side int
}

func (m *Matrix) Side() int { return m.side }

func (m *Matrix) Bytes() uint64 {
	return uint64(m.side) * uint64(m.side) * occupy.ElementSize
}

func (m *Matrix) Free() error {
	if m.ptr == nil {
		return &Error{Op: "cudaFree", Lib: "cuda", Msg: "buffer already freed"}
	}
	err := check("cudaFree", C.cudaFree(m.ptr))
	m.ptr = nil
	return err
}

func (m *Matrix) floats() *C.float { return (*C.float)(m.ptr) }

func (m *Matrix) elements() C.size_t {
	return C.size_t(m.side) * C.size_t(m.side)
}
