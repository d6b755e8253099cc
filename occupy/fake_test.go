package occupy

import (
	"errors"
	"fmt"
	"strings"
)

type oomError struct{ op string }

func (e oomError) Error() string     { return e.op + ": out of memory" }
func (e oomError) OutOfMemory() bool { return true }

type fakeBuffer struct {
	rt    *fakeRuntime
	name  string
	side  int
	freed bool
}

func (b *fakeBuffer) Side() int     { return b.side }
func (b *fakeBuffer) Bytes() uint64 { return uint64(b.side) * uint64(b.side) * ElementSize }

func (b *fakeBuffer) Free() error {
	if b.freed {
		return fmt.Errorf("double free of %s", b.name)
	}
	b.freed = true
	b.rt.live--
	b.rt.record("free " + b.name)
	return nil
}

// fakeRuntime records every call and can be told to fail at a given step.
type fakeRuntime struct {
	count    int
	countErr error
	total    uint64
	name     string

	// allocFailAt fails the n-th RandomMatrix call (1-based).
	allocFailAt int
	allocErr    error
	// matmulFailAt fails the n-th MatMul call (1-based).
	matmulFailAt int
	matmulErr    error
	addErr       error
	onMatMul     func(n int)

	calls      []string
	allocs     int
	matmuls    int
	live       int
	reclaims   int
	increments []float32
	bound      int
}

func newFakeRuntime(count int, total uint64) *fakeRuntime {
	return &fakeRuntime{count: count, total: total, name: "Fake Accelerator", bound: -1}
}

func (f *fakeRuntime) record(call string) { f.calls = append(f.calls, call) }

func (f *fakeRuntime) DeviceCount() (int, error) {
	f.record("count")
	return f.count, f.countErr
}

func (f *fakeRuntime) Device(id int) (Device, error) {
	f.record(fmt.Sprintf("device %d", id))
	return Device{ID: id, Name: f.name, TotalMemory: f.total}, nil
}

func (f *fakeRuntime) SetDevice(id int) error {
	f.record(fmt.Sprintf("set %d", id))
	f.bound = id
	return nil
}

func (f *fakeRuntime) RandomMatrix(side int) (Buffer, error) {
	f.allocs++
	if f.allocs == f.allocFailAt {
		f.record("random failed")
		return nil, f.allocErr
	}
	f.live++
	name := fmt.Sprintf("m%d", f.allocs)
	f.record("random " + name)
	return &fakeBuffer{rt: f, name: name, side: side}, nil
}

func (f *fakeRuntime) AddScalar(b Buffer, v float32) error {
	fb := b.(*fakeBuffer)
	if fb.freed {
		return errors.New("add on freed buffer")
	}
	if f.addErr != nil {
		return f.addErr
	}
	f.increments = append(f.increments, v)
	f.record("add " + fb.name)
	return nil
}

func (f *fakeRuntime) MatMul(a, b Buffer) (Buffer, error) {
	f.matmuls++
	if f.onMatMul != nil {
		f.onMatMul(f.matmuls)
	}
	if f.matmuls == f.matmulFailAt {
		f.record("matmul failed")
		return nil, f.matmulErr
	}
	f.live++
	name := fmt.Sprintf("c%d", f.matmuls)
	f.record("matmul " + name)
	return &fakeBuffer{rt: f, name: name, side: a.Side()}, nil
}

func (f *fakeRuntime) ReclaimCache() error {
	f.reclaims++
	f.record("reclaim")
	return nil
}

func (f *fakeRuntime) called(prefix string) int {
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}
