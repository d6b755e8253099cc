// Package host runs the occupier against system memory. It exposes a single
// device whose capacity is the physical memory of the machine, or an explicit
// limit, and refuses allocations beyond it the way a device allocator would.
package host

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/pbnjay/memory"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/stat/distuv"
	"gorgonia.org/vecf32"

	"github.com/vuvietnguyenit/gpu-occupy/occupy"
)

// DeviceID is the only id the host runtime answers to.
const DeviceID = 0

// Error is returned by host runtime operations.
type Error struct {
	Op        string
	Requested uint64
	InUse     uint64
	Capacity  uint64
	oom       bool
	msg       string
}

func (e *Error) Error() string {
	if e.oom {
		return fmt.Sprintf("%s: out of memory (requested %d bytes, %d of %d in use)", e.Op, e.Requested, e.InUse, e.Capacity)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.msg)
}

func (e *Error) OutOfMemory() bool { return e.oom }

type Option func(*Runtime)

// WithCapacity caps the memory the runtime will hand out. Zero keeps the
// detected physical memory.
func WithCapacity(bytes uint64) Option {
	return func(r *Runtime) {
		if bytes > 0 {
			r.capacity = bytes
		}
	}
}

// WithSeed makes the random buffer contents reproducible.
func WithSeed(seed uint64) Option {
	return func(r *Runtime) { r.src = rand.NewSource(seed) }
}

// Runtime implements occupy.Runtime on host memory.
type Runtime struct {
	mu       sync.Mutex
	capacity uint64
	inUse    uint64
	bound    int
	src      rand.Source
}

var _ occupy.Runtime = (*Runtime)(nil)

func New(opts ...Option) *Runtime {
	r := &Runtime{
		capacity: memory.TotalMemory(),
		bound:    -1,
		src:      rand.NewSource(1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runtime) DeviceCount() (int, error) {
	if r.capacity == 0 {
		return 0, &Error{Op: "device count", msg: "unable to detect system memory"}
	}
	return 1, nil
}

func (r *Runtime) Device(id int) (occupy.Device, error) {
	if id != DeviceID {
		return occupy.Device{}, &Error{Op: "device", msg: fmt.Sprintf("no such device %d", id)}
	}
	return occupy.Device{
		ID:          DeviceID,
		Name:        fmt.Sprintf("host %s/%s (%d CPUs)", runtime.GOOS, runtime.GOARCH, runtime.NumCPU()),
		TotalMemory: r.capacity,
	}, nil
}

func (r *Runtime) SetDevice(id int) error {
	if id != DeviceID {
		return &Error{Op: "set device", msg: fmt.Sprintf("no such device %d", id)}
	}
	r.bound = id
	return nil
}

// InUse reports the bytes currently held by live matrices.
func (r *Runtime) InUse() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inUse
}

func (r *Runtime) reserve(op string, n uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inUse+n > r.capacity {
		return &Error{Op: op, Requested: n, InUse: r.inUse, Capacity: r.capacity, oom: true}
	}
	r.inUse += n
	return nil
}

func (r *Runtime) release(n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inUse -= n
}

func (r *Runtime) alloc(op string, side int) (*Matrix, error) {
	if r.bound != DeviceID {
		return nil, &Error{Op: op, msg: "no device bound"}
	}
	if side <= 0 {
		return nil, &Error{Op: op, msg: fmt.Sprintf("invalid side %d", side)}
	}
	n := uint64(side) * uint64(side) * occupy.ElementSize
	if err := r.reserve(op, n); err != nil {
		return nil, err
	}
	return &Matrix{rt: r, side: side, data: make([]float32, side*side)}, nil
}

// RandomMatrix returns a side×side matrix of standard normal values.
func (r *Runtime) RandomMatrix(side int) (occupy.Buffer, error) {
	m, err := r.alloc("random matrix", side)
	if err != nil {
		return nil, err
	}
	dist := distuv.Normal{Mu: 0, Sigma: 1, Src: r.src}
	for i := range m.data {
		m.data[i] = float32(dist.Rand())
	}
	return m, nil
}

func (r *Runtime) AddScalar(b occupy.Buffer, v float32) error {
	m, err := r.matrix("add scalar", b)
	if err != nil {
		return err
	}
	vecf32.Trans(m.data, v)
	return nil
}

func (r *Runtime) MatMul(a, b occupy.Buffer) (occupy.Buffer, error) {
	ma, err := r.matrix("matmul", a)
	if err != nil {
		return nil, err
	}
	mb, err := r.matrix("matmul", b)
	if err != nil {
		return nil, err
	}
	if ma.side != mb.side {
		return nil, &Error{Op: "matmul", msg: fmt.Sprintf("shape mismatch %d vs %d", ma.side, mb.side)}
	}
	c, err := r.alloc("matmul", ma.side)
	if err != nil {
		return nil, err
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, ma.general(), mb.general(), 0, c.general())
	return c, nil
}

// ReclaimCache returns freed heap memory to the operating system.
func (r *Runtime) ReclaimCache() error {
	debug.FreeOSMemory()
	return nil
}

func (r *Runtime) matrix(op string, b occupy.Buffer) (*Matrix, error) {
	m, ok := b.(*Matrix)
	if !ok || m.rt != r {
		return nil, &Error{Op: op, msg: "buffer does not belong to the host runtime"}
	}
	if m.data == nil {
		return nil, &Error{Op: op, msg: "use of freed buffer"}
	}
	return m, nil
}

// Matrix is a row-major square float32 matrix in host memory.
type Matrix struct {
	rt   *Runtime
	side int
	data []float32
}

func (m *Matrix) Side() int { return m.side }

func (m *Matrix) Bytes() uint64 {
	return uint64(m.side) * uint64(m.side) * occupy.ElementSize
}

// Data exposes the backing slice, nil once freed.
func (m *Matrix) Data() []float32 { return m.data }

func (m *Matrix) Free() error {
	if m.data == nil {
		return &Error{Op: "free", msg: "buffer already freed"}
	}
	m.data = nil
	m.rt.release(m.Bytes())
	return nil
}

func (m *Matrix) general() blas32.General {
	return blas32.General{Rows: m.side, Cols: m.side, Stride: m.side, Data: m.data}
}
