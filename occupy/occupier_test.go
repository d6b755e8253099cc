package occupy

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOccupier(rt Runtime, p Policy) (*Occupier, *bytes.Buffer) {
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(rt, WithPolicy(p), WithLogger(logger)), &out
}

func TestValidateRange(t *testing.T) {
	rt := newFakeRuntime(3, 1<<20)
	o, _ := newTestOccupier(rt, DefaultPolicy())

	for id := -3; id <= 6; id++ {
		dev, err := o.Validate(id)
		if id >= 0 && id < 3 {
			require.NoError(t, err, "id %d", id)
			assert.Equal(t, id, dev.ID)
			assert.Equal(t, "Fake Accelerator", dev.Name)
			continue
		}
		var invalid *InvalidDeviceError
		require.ErrorAs(t, err, &invalid, "id %d", id)
		assert.Equal(t, id, invalid.ID)
		assert.Equal(t, 3, invalid.Count)
		assert.Contains(t, err.Error(), "0 to 2")
	}
}

func TestValidateNoDevices(t *testing.T) {
	rt := newFakeRuntime(0, 0)
	o, _ := newTestOccupier(rt, DefaultPolicy())

	_, err := o.Validate(0)
	var noDev *NoDeviceRuntimeError
	require.ErrorAs(t, err, &noDev)

	rt.countErr = errors.New("driver not loaded")
	_, err = o.Validate(0)
	require.ErrorAs(t, err, &noDev)
	assert.ErrorContains(t, err, "driver not loaded")
}

func TestRunInvalidDeviceAllocatesNothing(t *testing.T) {
	rt := newFakeRuntime(2, 16_000_000_000)
	o, _ := newTestOccupier(rt, DefaultPolicy())

	res, err := o.Run(context.Background(), 5)
	var invalid *InvalidDeviceError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, err.Error(), "valid range is 0 to 1")
	assert.Zero(t, res.Reason)

	assert.Equal(t, []string{"count"}, rt.calls)
	assert.Zero(t, rt.allocs)
	assert.Zero(t, rt.reclaims)
}

func TestRunTooSmallDevice(t *testing.T) {
	rt := newFakeRuntime(1, 8)
	o, _ := newTestOccupier(rt, DefaultPolicy())

	_, err := o.Run(context.Background(), 0)
	require.ErrorContains(t, err, "too small")
	assert.Zero(t, rt.called("set"))
	assert.Zero(t, rt.allocs)
}

func TestRunRejectsBadPolicy(t *testing.T) {
	rt := newFakeRuntime(1, 1<<20)
	p := DefaultPolicy()
	p.Fraction = 0.6
	o, _ := newTestOccupier(rt, p)

	_, err := o.Run(context.Background(), 0)
	require.ErrorContains(t, err, "fraction")
	assert.Empty(t, rt.calls)
}

func TestRunInterruptStopsWithinOneIteration(t *testing.T) {
	rt := newFakeRuntime(1, 1<<20)
	o, out := newTestOccupier(rt, DefaultPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.onMatMul = func(n int) {
		if n == 3 {
			cancel()
		}
	}

	res, err := o.Run(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, StopInterrupted, res.Reason)
	assert.Equal(t, uint64(3), res.Iterations)
	assert.Equal(t, 3, rt.matmuls, "no dispatch after the interrupt")

	assert.Zero(t, rt.live, "all buffers released")
	assert.Equal(t, 1, rt.reclaims)
	assert.Equal(t, "reclaim", rt.calls[len(rt.calls)-1])
	assert.Contains(t, out.String(), "Received stop signal")
	assert.Contains(t, out.String(), "Device memory released")
}

func TestRunIterationOrder(t *testing.T) {
	rt := newFakeRuntime(1, 1<<20)
	o, _ := newTestOccupier(rt, DefaultPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.onMatMul = func(n int) { cancel() }

	_, err := o.Run(ctx, 0)
	require.NoError(t, err)

	want := []string{
		"count", "device 0", "set 0",
		"random m1", "random m2",
		"add m1", "add m2", "matmul c1", "free c1",
		"free m1", "free m2", "reclaim",
	}
	assert.Equal(t, want, rt.calls)
	assert.Equal(t, []float32{DefaultIncrement, DefaultIncrement}, rt.increments)
	assert.Equal(t, 0, rt.bound)
}

func TestRunReportsProgress(t *testing.T) {
	rt := newFakeRuntime(1, 1<<20)
	p := DefaultPolicy()
	p.ReportInterval = time.Nanosecond
	o, out := newTestOccupier(rt, p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.onMatMul = func(n int) {
		time.Sleep(time.Millisecond)
		if n == 2 {
			cancel()
		}
	}

	_, err := o.Run(ctx, 0)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Still occupying")
}

func TestRunWithoutReportIntervalIsQuiet(t *testing.T) {
	rt := newFakeRuntime(1, 1<<20)
	o, out := newTestOccupier(rt, DefaultPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.onMatMul = func(n int) {
		if n == 5 {
			cancel()
		}
	}

	_, err := o.Run(ctx, 0)
	require.NoError(t, err)
	assert.NotContains(t, out.String(), "Still occupying")
}

func TestRunCancelledBeforeLoop(t *testing.T) {
	rt := newFakeRuntime(1, 1<<20)
	o, _ := newTestOccupier(rt, DefaultPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := o.Run(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, StopInterrupted, res.Reason)
	assert.Zero(t, rt.matmuls)
	assert.Zero(t, rt.called("add"))
	assert.Zero(t, rt.live)
}

func TestRunOutOfMemoryInProduct(t *testing.T) {
	rt := newFakeRuntime(1, 1<<20)
	rt.matmulFailAt = 2
	rt.matmulErr = oomError{op: "cudaMalloc"}
	o, out := newTestOccupier(rt, DefaultPolicy())

	res, err := o.Run(context.Background(), 0)
	var oom *AllocationExhaustedError
	require.ErrorAs(t, err, &oom)
	assert.Equal(t, "matmul", oom.Op)
	assert.Equal(t, 0, oom.Device)
	assert.Equal(t, DefaultFraction, oom.Fraction)
	assert.ErrorContains(t, err, "--fraction")

	assert.Equal(t, StopOutOfMemory, res.Reason)
	assert.Equal(t, uint64(1), res.Iterations)
	assert.Zero(t, rt.live)
	assert.Equal(t, 1, rt.reclaims)
	assert.Contains(t, out.String(), "Out of memory")
}

func TestRunRuntimeErrorInProduct(t *testing.T) {
	rt := newFakeRuntime(1, 1<<20)
	rt.matmulFailAt = 1
	rt.matmulErr = errors.New("illegal address")
	o, out := newTestOccupier(rt, DefaultPolicy())

	res, err := o.Run(context.Background(), 0)
	var rtErr *ComputeRuntimeError
	require.ErrorAs(t, err, &rtErr)
	assert.Equal(t, "matmul", rtErr.Op)
	assert.False(t, errors.As(err, new(*AllocationExhaustedError)))

	assert.Equal(t, StopRuntimeError, res.Reason)
	assert.Zero(t, rt.live)
	assert.Equal(t, 1, rt.reclaims)
	assert.Contains(t, out.String(), "Runtime error")
}

func TestRunRuntimeErrorInIncrement(t *testing.T) {
	rt := newFakeRuntime(1, 1<<20)
	rt.addErr = errors.New("launch failure")
	o, _ := newTestOccupier(rt, DefaultPolicy())

	res, err := o.Run(context.Background(), 0)
	var rtErr *ComputeRuntimeError
	require.ErrorAs(t, err, &rtErr)
	assert.Equal(t, "add to buffer A", rtErr.Op)
	assert.Equal(t, StopRuntimeError, res.Reason)
	assert.Zero(t, rt.matmuls)
	assert.Zero(t, rt.live)
}

func TestRunAllocationExhaustedOnSecondBuffer(t *testing.T) {
	rt := newFakeRuntime(1, 16_000_000_000)
	rt.allocFailAt = 2
	rt.allocErr = oomError{op: "cudaMalloc"}
	o, _ := newTestOccupier(rt, DefaultPolicy())

	res, err := o.Run(context.Background(), 0)
	var oom *AllocationExhaustedError
	require.ErrorAs(t, err, &oom)
	assert.Equal(t, "allocate buffer B", oom.Op)
	assert.Equal(t, uint64(4*42426*42426), oom.Bytes)
	assert.Equal(t, StopOutOfMemory, res.Reason)

	assert.Zero(t, rt.matmuls)
	assert.Zero(t, rt.live, "buffer A released after B failed")
	assert.Equal(t, 1, rt.called("free m1"))
	assert.Equal(t, 1, rt.reclaims)
}

func TestRunAllocationExhaustedOnFirstBuffer(t *testing.T) {
	rt := newFakeRuntime(1, 1<<20)
	rt.allocFailAt = 1
	rt.allocErr = oomError{op: "cudaMalloc"}
	o, _ := newTestOccupier(rt, DefaultPolicy())

	_, err := o.Run(context.Background(), 0)
	require.ErrorAs(t, err, new(*AllocationExhaustedError))
	assert.Zero(t, rt.called("free"), "nothing to free")
	assert.Equal(t, 1, rt.reclaims)
}

func TestBuffersReleaseIdempotent(t *testing.T) {
	rt := newFakeRuntime(1, 1<<20)

	var empty Buffers
	require.NoError(t, empty.Release())
	require.NoError(t, empty.Release())

	a, err := rt.RandomMatrix(4)
	require.NoError(t, err)
	bufs := Buffers{A: a}
	require.NoError(t, bufs.Release())
	require.NoError(t, bufs.Release())
	assert.Equal(t, 1, rt.called("free"))
	assert.Zero(t, rt.live)
}

func TestCleanupWithoutBuffers(t *testing.T) {
	rt := newFakeRuntime(1, 1<<20)
	o, out := newTestOccupier(rt, DefaultPolicy())

	var bufs Buffers
	res := Result{Reason: StopOutOfMemory, Err: &AllocationExhaustedError{Op: "allocate buffer A"}}
	require.NoError(t, o.Cleanup(Device{ID: 0}, &bufs, res))
	require.NoError(t, o.Cleanup(Device{ID: 0}, &bufs, res))
	assert.Zero(t, rt.called("free"))
	assert.Equal(t, 2, rt.reclaims)
	assert.Contains(t, out.String(), "gpu=0")
}

func TestStopReasonString(t *testing.T) {
	assert.Equal(t, "interrupted", StopInterrupted.String())
	assert.Equal(t, "out-of-memory", StopOutOfMemory.String())
	assert.Equal(t, "runtime-error", StopRuntimeError.String())
	assert.Equal(t, "UNKNOWN(0)", StopReason(0).String())
}
