package occupy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
)

// StopReason tells why the compute loop ended.
type StopReason int

const (
	StopInterrupted StopReason = iota + 1
	StopOutOfMemory
	StopRuntimeError
)

func (r StopReason) String() string {
	switch r {
	case StopInterrupted:
		return "interrupted"
	case StopOutOfMemory:
		return "out-of-memory"
	case StopRuntimeError:
		return "runtime-error"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(r))
	}
}

// Result is the outcome of an occupation run.
type Result struct {
	Reason     StopReason
	Iterations uint64
	// Err is nil when Reason is StopInterrupted.
	Err error
}

func resultOf(err error, iterations uint64) Result {
	var oom *AllocationExhaustedError
	if errors.As(err, &oom) {
		return Result{Reason: StopOutOfMemory, Iterations: iterations, Err: err}
	}
	return Result{Reason: StopRuntimeError, Iterations: iterations, Err: err}
}

type Option func(*Occupier)

func WithPolicy(p Policy) Option {
	return func(o *Occupier) { o.policy = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Occupier) { o.log = l }
}

// Occupier runs the validate, allocate, loop, cleanup sequence against one
// device of a Runtime.
type Occupier struct {
	rt     Runtime
	policy Policy
	log    *slog.Logger
}

func New(rt Runtime, opts ...Option) *Occupier {
	o := &Occupier{
		rt:     rt,
		policy: DefaultPolicy(),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Buffers are the two matrices held for the whole run. A nil field was
// never allocated or has been freed.
type Buffers struct {
	A Buffer
	B Buffer
}

// Release frees whichever buffers are still held. Calling it again is a
// no-op.
func (b *Buffers) Release() error {
	var errs []error
	if b.A != nil {
		if err := b.A.Free(); err != nil {
			errs = append(errs, fmt.Errorf("free buffer A: %w", err))
		}
		b.A = nil
	}
	if b.B != nil {
		if err := b.B.Free(); err != nil {
			errs = append(errs, fmt.Errorf("free buffer B: %w", err))
		}
		b.B = nil
	}
	return errors.Join(errs...)
}

// Validate checks id against the device count and resolves its handle.
func (o *Occupier) Validate(id int) (Device, error) {
	n, err := o.rt.DeviceCount()
	if err != nil {
		return Device{}, &NoDeviceRuntimeError{Err: err}
	}
	if n <= 0 {
		return Device{}, &NoDeviceRuntimeError{}
	}
	if id < 0 || id >= n {
		return Device{}, &InvalidDeviceError{ID: id, Count: n}
	}
	dev, err := o.rt.Device(id)
	if err != nil {
		return Device{}, fmt.Errorf("query device %d: %w", id, err)
	}
	return dev, nil
}

// Allocate binds the device and fills bufs with two random plan.Side square
// matrices. On failure bufs keeps whatever was allocated so the caller can
// release it.
func (o *Occupier) Allocate(dev Device, plan Plan, bufs *Buffers) error {
	log := o.log.With("gpu", dev.ID)

	if err := o.rt.SetDevice(dev.ID); err != nil {
		return o.classify(dev.ID, "set device", 0, err)
	}

	log.Info("Allocating buffers",
		"shape", fmt.Sprintf("%dx%d", plan.Side, plan.Side),
		"per_buffer", humanize.IBytes(plan.BufferBytes()),
		"budget", humanize.IBytes(plan.Budget))

	a, err := o.rt.RandomMatrix(plan.Side)
	if err != nil {
		return o.classify(dev.ID, "allocate buffer A", plan.BufferBytes(), err)
	}
	bufs.A = a

	b, err := o.rt.RandomMatrix(plan.Side)
	if err != nil {
		return o.classify(dev.ID, "allocate buffer B", plan.BufferBytes(), err)
	}
	bufs.B = b
	return nil
}

// Loop runs until ctx is cancelled or the runtime faults. The context is
// checked before every iteration and again before the product dispatch.
func (o *Occupier) Loop(ctx context.Context, dev Device, bufs *Buffers) Result {
	log := o.log.With("gpu", dev.ID)
	bytes := bufs.A.Bytes()

	var n uint64
	start := time.Now()
	lastReport := start
	for {
		if ctx.Err() != nil {
			return Result{Reason: StopInterrupted, Iterations: n}
		}
		if err := o.rt.AddScalar(bufs.A, o.policy.Increment); err != nil {
			return resultOf(o.classify(dev.ID, "add to buffer A", bytes, err), n)
		}
		if err := o.rt.AddScalar(bufs.B, o.policy.Increment); err != nil {
			return resultOf(o.classify(dev.ID, "add to buffer B", bytes, err), n)
		}
		if ctx.Err() != nil {
			return Result{Reason: StopInterrupted, Iterations: n}
		}
		c, err := o.rt.MatMul(bufs.A, bufs.B)
		if err != nil {
			return resultOf(o.classify(dev.ID, "matmul", bytes, err), n)
		}
		if err := c.Free(); err != nil {
			return resultOf(o.classify(dev.ID, "free result", bytes, err), n)
		}
		n++

		if o.policy.ReportInterval > 0 && time.Since(lastReport) >= o.policy.ReportInterval {
			lastReport = time.Now()
			log.Info("Still occupying", "iterations", n, "elapsed", time.Since(start).Round(time.Second))
		}
	}
}

// Cleanup releases the buffers, reclaims cached device memory and reports
// how the run ended. It is safe to call with partially allocated buffers.
func (o *Occupier) Cleanup(dev Device, bufs *Buffers, res Result) error {
	log := o.log.With("gpu", dev.ID)

	switch res.Reason {
	case StopInterrupted:
		log.Info("Received stop signal, releasing memory", "iterations", res.Iterations)
	case StopOutOfMemory:
		log.Error("Out of memory, the requested buffers are too large",
			"iterations", res.Iterations,
			"hint", fmt.Sprintf("lower --fraction below %.2f", o.policy.Fraction),
			"error", res.Err)
	case StopRuntimeError:
		log.Error("Runtime error", "iterations", res.Iterations, "error", res.Err)
	}

	err := bufs.Release()
	if rerr := o.rt.ReclaimCache(); rerr != nil {
		err = errors.Join(err, fmt.Errorf("reclaim cache: %w", rerr))
	}
	if err != nil {
		log.Warn("Cleanup incomplete", "error", err)
		return err
	}
	log.Info("Device memory released")
	return nil
}

// Run occupies device id until ctx is cancelled or the device faults.
// Pre-flight failures return before anything is allocated; every later exit
// goes through Cleanup. An interrupted run returns a nil error.
func (o *Occupier) Run(ctx context.Context, id int) (res Result, err error) {
	if err := o.policy.Validate(); err != nil {
		return Result{}, err
	}
	dev, err := o.Validate(id)
	if err != nil {
		return Result{}, err
	}
	log := o.log.With("gpu", dev.ID)
	log.Info("Occupying device", "name", dev.Name)
	log.Info("Total memory", "total", humanize.IBytes(dev.TotalMemory))

	plan := NewPlan(dev.TotalMemory, o.policy.Fraction)
	if plan.Side == 0 {
		return Result{}, fmt.Errorf("device %d: %s is too small for two buffers at fraction %.2f",
			dev.ID, humanize.IBytes(dev.TotalMemory), plan.Fraction)
	}

	var bufs Buffers
	defer func() {
		if cerr := o.Cleanup(dev, &bufs, res); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if aerr := o.Allocate(dev, plan, &bufs); aerr != nil {
		res = resultOf(aerr, 0)
		return res, aerr
	}
	log.Info("Buffers allocated, starting compute loop")

	res = o.Loop(ctx, dev, &bufs)
	return res, res.Err
}
