// Package occupy holds a single accelerator busy: it reserves a fraction of
// the device memory in two square matrices and multiplies them until the
// context is cancelled or the device faults.
package occupy

// Device is the handle of the selected accelerator.
type Device struct {
	ID          int
	Name        string
	TotalMemory uint64
}

// Buffer is a device-resident square float32 matrix.
type Buffer interface {
	Side() int
	Bytes() uint64
	Free() error
}

// Runtime is the accelerator runtime the occupier drives. Implementations
// report out-of-memory failures with errors that implement
// OutOfMemory() bool.
type Runtime interface {
	DeviceCount() (int, error)
	Device(id int) (Device, error)

	// SetDevice binds the calling thread to the device; later allocations
	// and dispatches land on it.
	SetDevice(id int) error

	RandomMatrix(side int) (Buffer, error)
	AddScalar(b Buffer, v float32) error

	// MatMul returns a new buffer holding a×b. The call returns once the
	// product is complete.
	MatMul(a, b Buffer) (Buffer, error)

	// ReclaimCache hands cached or pooled device memory back to the system.
	ReclaimCache() error
}
