//go:build !cuda

package cuda

import "github.com/vuvietnguyenit/gpu-occupy/occupy"

// Runtime without the cuda tag reports the runtime as unavailable.
type Runtime struct {
	seed uint64
}

var _ occupy.Runtime = (*Runtime)(nil)

func New(opts ...Option) *Runtime {
	r := &Runtime{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runtime) DeviceCount() (int, error) { return 0, ErrNotCompiled }

func (r *Runtime) Device(int) (occupy.Device, error) { return occupy.Device{}, ErrNotCompiled }

func (r *Runtime) SetDevice(int) error { return ErrNotCompiled }

func (r *Runtime) RandomMatrix(int) (occupy.Buffer, error) { return nil, ErrNotCompiled }

func (r *Runtime) AddScalar(occupy.Buffer, float32) error { return ErrNotCompiled }

func (r *Runtime) MatMul(_, _ occupy.Buffer) (occupy.Buffer, error) { return nil, ErrNotCompiled }

func (r *Runtime) ReclaimCache() error { return nil }

func GetDeviceCount() (int, error) { return 0, ErrNotCompiled }

func SetCudaDevice(int) error { return ErrNotCompiled }

func GetDeviceName(int) (string, error) { return "", ErrNotCompiled }

func GetTotalMemory(int) (uint64, error) { return 0, ErrNotCompiled }

func CudaGetMemInfo(int) (*MemInfo, error) { return nil, ErrNotCompiled }
