package occupy

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// NoDeviceRuntimeError means the host exposes no usable compute device.
type NoDeviceRuntimeError struct {
	Err error
}

func (e *NoDeviceRuntimeError) Error() string {
	if e.Err == nil {
		return "no compute-capable device found"
	}
	return fmt.Sprintf("compute runtime unavailable: %v", e.Err)
}

func (e *NoDeviceRuntimeError) Unwrap() error { return e.Err }

// InvalidDeviceError means the requested id is outside [0, Count).
type InvalidDeviceError struct {
	ID    int
	Count int
}

func (e *InvalidDeviceError) Error() string {
	return fmt.Sprintf("invalid device id %d: valid range is 0 to %d", e.ID, e.Count-1)
}

// AllocationExhaustedError means the device ran out of memory, either while
// allocating the buffers or during the loop.
type AllocationExhaustedError struct {
	Device   int
	Op       string
	Bytes    uint64
	Fraction float64
	Err      error
}

func (e *AllocationExhaustedError) Error() string {
	return fmt.Sprintf("device %d out of memory during %s (attempted %s per buffer); try lowering --fraction below %.2f: %v",
		e.Device, e.Op, humanize.IBytes(e.Bytes), e.Fraction, e.Err)
}

func (e *AllocationExhaustedError) Unwrap() error { return e.Err }

// ComputeRuntimeError is any other runtime fault raised by the device.
type ComputeRuntimeError struct {
	Device int
	Op     string
	Err    error
}

func (e *ComputeRuntimeError) Error() string {
	return fmt.Sprintf("device %d runtime error during %s: %v", e.Device, e.Op, e.Err)
}

func (e *ComputeRuntimeError) Unwrap() error { return e.Err }

type outOfMemory interface {
	OutOfMemory() bool
}

// IsOutOfMemory reports whether err carries an out-of-memory status.
func IsOutOfMemory(err error) bool {
	var oom outOfMemory
	return errors.As(err, &oom) && oom.OutOfMemory()
}

// classify maps a runtime failure onto the error kinds above.
func (o *Occupier) classify(dev int, op string, bytes uint64, err error) error {
	if IsOutOfMemory(err) {
		return &AllocationExhaustedError{
			Device:   dev,
			Op:       op,
			Bytes:    bytes,
			Fraction: o.policy.Fraction,
			Err:      err,
		}
	}
	return &ComputeRuntimeError{Device: dev, Op: op, Err: err}
}
